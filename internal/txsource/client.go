package txsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/features"
)

// Package txsource is the read-only client for the upstream
// transaction-management system. The investigation runtime never writes
// through it; all fetches are snapshots anchored at investigation start.

var (
	// ErrNotFound is returned when the upstream has no such entity.
	ErrNotFound = errors.New("txsource: not found")

	// ErrDependency is returned for upstream unavailability after retries
	// are exhausted.
	ErrDependency = errors.New("txsource: upstream unavailable")
)

// TransactionOverview is the anchor transaction with its enrichment fields.
type TransactionOverview struct {
	features.TxnRecord
	IPAddress             string `json:"ip_address,omitempty"`
	IPCountryAlpha3       string `json:"ip_country_alpha3,omitempty"`
	DeviceID              string `json:"device_id,omitempty"`
	DeviceFingerprintHash string `json:"device_fingerprint_hash,omitempty"`
	Outcome               string `json:"outcome,omitempty"`
}

// RuleMatch is one fraud rule that fired on the transaction.
type RuleMatch struct {
	RuleID    string    `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	Action    string    `json:"action"`
	MatchedAt time.Time `json:"matched_at"`
}

// Review is one analyst review attached to the transaction.
type Review struct {
	ReviewID   string    `json:"review_id"`
	Reviewer   string    `json:"reviewer"`
	Verdict    string    `json:"verdict"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// Note is one free-text analyst note.
type Note struct {
	NoteID    string    `json:"note_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Case is the fraud case the transaction belongs to, if any.
type Case struct {
	CaseID   string    `json:"case_id"`
	Status   string    `json:"status"`
	OpenedAt time.Time `json:"opened_at"`
}

// HistoryQuery selects historical transactions for window statistics.
// Exactly one of CardID or MerchantID is normally set.
type HistoryQuery struct {
	CardID     string
	MerchantID string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Client fetches transaction context from the upstream system.
type Client interface {
	GetTransactionOverview(ctx context.Context, transactionID string) (*TransactionOverview, error)
	QueryTransactions(ctx context.Context, q HistoryQuery) ([]features.TxnRecord, error)
	GetRuleMatches(ctx context.Context, transactionID string) ([]RuleMatch, error)
	GetReviews(ctx context.Context, transactionID string) ([]Review, error)
	GetNotes(ctx context.Context, transactionID string) ([]Note, error)
	GetCase(ctx context.Context, transactionID string) (*Case, error)
	GetHealth(ctx context.Context) error
}

type httpClient struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	logger     *zap.Logger
}

// NewClient creates a transaction-source client with bounded retries.
func NewClient(baseURL string, timeout time.Duration, maxRetries int, logger *zap.Logger) Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &httpClient{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// GetTransactionOverview fetches the anchor transaction.
func (c *httpClient) GetTransactionOverview(ctx context.Context, transactionID string) (*TransactionOverview, error) {
	var out TransactionOverview
	if err := c.getJSON(ctx, "/api/v1/transactions/"+url.PathEscape(transactionID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryTransactions fetches history for a card or merchant within a span.
func (c *httpClient) QueryTransactions(ctx context.Context, q HistoryQuery) ([]features.TxnRecord, error) {
	params := url.Values{}
	if q.CardID != "" {
		params.Set("card_id", q.CardID)
	}
	if q.MerchantID != "" {
		params.Set("merchant_id", q.MerchantID)
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		params.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	var out struct {
		Transactions []features.TxnRecord `json:"transactions"`
	}
	if err := c.getJSON(ctx, "/api/v1/transactions?"+params.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// GetRuleMatches fetches the rules that fired on the transaction.
func (c *httpClient) GetRuleMatches(ctx context.Context, transactionID string) ([]RuleMatch, error) {
	var out struct {
		RuleMatches []RuleMatch `json:"rule_matches"`
	}
	if err := c.getJSON(ctx, "/api/v1/transactions/"+url.PathEscape(transactionID)+"/rule-matches", &out); err != nil {
		return nil, err
	}
	return out.RuleMatches, nil
}

// GetReviews fetches analyst reviews for the transaction.
func (c *httpClient) GetReviews(ctx context.Context, transactionID string) ([]Review, error) {
	var out struct {
		Reviews []Review `json:"reviews"`
	}
	if err := c.getJSON(ctx, "/api/v1/transactions/"+url.PathEscape(transactionID)+"/reviews", &out); err != nil {
		return nil, err
	}
	return out.Reviews, nil
}

// GetNotes fetches analyst notes for the transaction.
func (c *httpClient) GetNotes(ctx context.Context, transactionID string) ([]Note, error) {
	var out struct {
		Notes []Note `json:"notes"`
	}
	if err := c.getJSON(ctx, "/api/v1/transactions/"+url.PathEscape(transactionID)+"/notes", &out); err != nil {
		return nil, err
	}
	return out.Notes, nil
}

// GetCase fetches the case the transaction is attached to. A missing case
// is returned as ErrNotFound; most transactions have none.
func (c *httpClient) GetCase(ctx context.Context, transactionID string) (*Case, error) {
	var out Case
	if err := c.getJSON(ctx, "/api/v1/transactions/"+url.PathEscape(transactionID)+"/case", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHealth probes upstream availability.
func (c *httpClient) GetHealth(ctx context.Context) error {
	var out map[string]any
	return c.getJSON(ctx, "/health", &out)
}

// getJSON issues a GET with exponential backoff on transient failures.
// 404 maps to ErrNotFound immediately; other 4xx responses are not retried.
func (c *httpClient) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := c.doGet(ctx, path, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}
		var permanent *statusError
		if errors.As(err, &permanent) && permanent.code < 500 && permanent.code != http.StatusTooManyRequests {
			return err
		}
		lastErr = err
		if c.logger != nil {
			c.logger.Warn("transaction source fetch failed",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
	}
	return fmt.Errorf("%w: %v", ErrDependency, lastErr)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("txsource: status %d", e.code)
}

func (c *httpClient) doGet(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("txsource: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("txsource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &statusError{code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("txsource: decode response: %w", err)
	}
	return nil
}
