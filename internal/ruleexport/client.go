package ruleexport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// Package ruleexport is the client for the downstream rule-management
// system. Export is invoked only on explicit analyst action; the runtime
// never exports autonomously.

var (
	// ErrConflict is returned when the downstream already holds a rule
	// with the same name or content.
	ErrConflict = errors.New("ruleexport: rule already exists downstream")

	// ErrDependency is returned when the downstream is unavailable.
	ErrDependency = errors.New("ruleexport: downstream unavailable")
)

// Client exports validated rule drafts.
type Client interface {
	// Export pushes a draft and returns the downstream reference.
	Export(ctx context.Context, draft *models.RuleDraft) (exportRef string, err error)
}

type httpClient struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a rule-export client.
func NewClient(baseURL string, timeout time.Duration) Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type exportResponse struct {
	ExportRef string `json:"export_ref"`
}

func (c *httpClient) Export(ctx context.Context, draft *models.RuleDraft) (string, error) {
	if err := draft.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(draft)
	if err != nil {
		return "", fmt.Errorf("ruleexport: encode draft: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/rules/drafts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ruleexport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDependency, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return "", ErrConflict
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %d", ErrDependency, resp.StatusCode)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("ruleexport: status %d", resp.StatusCode)
	}

	var out exportResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ruleexport: decode response: %w", err)
	}
	if out.ExportRef == "" {
		return "", fmt.Errorf("ruleexport: empty export_ref in response")
	}
	return out.ExportRef, nil
}
