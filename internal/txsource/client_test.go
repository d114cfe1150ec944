package txsource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, maxRetries int) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, maxRetries, zap.NewNop())
}

func TestGetTransactionOverview(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions/tx-1", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		fmt.Fprint(w, `{
			"transaction_id": "tx-1", "card_id": "card-1", "merchant_id": "merch-1",
			"amount": 42.5, "currency": "EUR", "decision": "approved",
			"timestamp": "2026-07-15T09:00:00Z",
			"ip_country_alpha3": "DEU", "device_fingerprint_hash": "fp-1"
		}`)
	}, 0)

	overview, err := client.GetTransactionOverview(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "card-1", overview.CardID)
	assert.Equal(t, 42.5, overview.Amount)
	assert.Equal(t, "DEU", overview.IPCountryAlpha3)
}

func TestQueryTransactionsBuildsQueryString(t *testing.T) {
	since := time.Date(2026, 7, 15, 8, 0, 0, 0, time.UTC)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "card-1", q.Get("card_id"))
		assert.Equal(t, "2026-07-15T08:00:00Z", q.Get("since"))
		assert.Equal(t, "50", q.Get("limit"))
		fmt.Fprint(w, `{"transactions": [{"transaction_id": "h1", "amount": 10}]}`)
	}, 0)

	txns, err := client.QueryTransactions(context.Background(), HistoryQuery{
		CardID: "card-1", Since: since, Limit: 50,
	})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "h1", txns[0].TransactionID)
}

func TestNotFoundIsImmediate(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}, 3)

	_, err := client.GetTransactionOverview(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int32(1), calls.Load(), "404 must not be retried")
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"transaction_id": "tx-1"}`)
	}, 2)

	overview, err := client.GetTransactionOverview(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", overview.TransactionID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExhaustedRetriesWrapDependencyError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, 1)

	_, err := client.GetTransactionOverview(context.Background(), "tx-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDependency))
	assert.Equal(t, int32(2), calls.Load(), "initial attempt plus one retry")
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}, 3)

	_, err := client.GetTransactionOverview(context.Background(), "tx-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDependency))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTooManyRequestsIsRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"transaction_id": "tx-1"}`)
	}, 2)

	_, err := client.GetTransactionOverview(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetCaseMapsMissingToNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, 0)
	_, err := client.GetCase(context.Background(), "tx-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}
