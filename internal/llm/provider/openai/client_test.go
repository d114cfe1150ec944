package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardsentry/cardsentry-ai/internal/llm/types"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient("test-key", srv.URL, 5*time.Second)
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient("", "", 0)
	assert.Error(t, err)
}

func TestCompleteSendsSchemaConstrainedRequest(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_schema", req.ResponseFormat.Type)
		assert.Equal(t, "fraud_assessment", req.ResponseFormat.JSONSchema.Name)
		assert.True(t, req.ResponseFormat.JSONSchema.Strict)

		fmt.Fprint(w, `{
			"model": "gpt-4o-2026-01",
			"choices": [{"message": {"role": "assistant", "content": "{\"severity\":\"LOW\"}"}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 30}
		}`)
	})

	completion, err := client.Complete(context.Background(), types.CompletionRequest{
		Model:      "gpt-4o",
		System:     "You are an assistant.",
		User:       "Assess this.",
		SchemaName: "fraud_assessment",
		Schema:     map[string]any{"type": "object"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"severity":"LOW"}`, completion.Content)
	assert.Equal(t, "gpt-4o-2026-01", completion.Model)
	assert.Equal(t, 120, completion.PromptTokens)
	assert.Equal(t, 30, completion.CompletionTokens)
}

func TestCompleteEmptyChoicesIsBadResponse(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model": "m", "choices": []}`)
	})
	_, err := client.Complete(context.Background(), types.CompletionRequest{Model: "m", User: "u"})
	assert.True(t, errors.Is(err, types.ErrBadResponse))
}

func TestCompleteRateLimitAndServerErrorsAreUnavailable(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := client.Complete(context.Background(), types.CompletionRequest{Model: "m", User: "u"})
		assert.True(t, errors.Is(err, types.ErrUnavailable), "status %d", status)
	}
}

func TestCompleteClientErrorIsPermanent(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	_, err := client.Complete(context.Background(), types.CompletionRequest{Model: "m", User: "u"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, types.ErrUnavailable))
	assert.False(t, errors.Is(err, types.ErrBadResponse))
}

func TestCompleteMalformedBodyIsBadResponse(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json at all`)
	})
	_, err := client.Complete(context.Background(), types.CompletionRequest{Model: "m", User: "u"})
	assert.True(t, errors.Is(err, types.ErrBadResponse))
}

func TestEmbed(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-large", req.Model)
		require.Len(t, req.Input, 1)
		fmt.Fprint(w, `{"model": "text-embedding-3-large", "data": [{"embedding": [0.1, 0.2, 0.3]}]}`)
	})

	embedding, model, err := client.Embed(context.Background(), "text-embedding-3-large", "card=c1 amount=42")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, embedding)
	assert.Equal(t, "text-embedding-3-large", model)
}

func TestEmbedEmptyVectorIsBadResponse(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model": "m", "data": []}`)
	})
	_, _, err := client.Embed(context.Background(), "m", "text")
	assert.True(t, errors.Is(err, types.ErrBadResponse))
}
