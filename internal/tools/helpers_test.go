package tools

import (
	"context"
	"errors"
	"time"

	"github.com/cardsentry/cardsentry-ai/internal/config"
	"github.com/cardsentry/cardsentry-ai/internal/features"
	"github.com/cardsentry/cardsentry-ai/internal/investigation"
	"github.com/cardsentry/cardsentry-ai/internal/llm/types"
	"github.com/cardsentry/cardsentry-ai/internal/models"
	"github.com/cardsentry/cardsentry-ai/internal/txsource"
)

var testAnchor = time.Date(2026, 7, 15, 9, 0, 0, 0, time.UTC)

// stubSource serves canned transaction-source responses.
type stubSource struct {
	overview   *txsource.TransactionOverview
	history    []features.TxnRecord
	historyErr error
	rules      []txsource.RuleMatch
	reviews    []txsource.Review
	notes      []txsource.Note
	caseRef    *txsource.Case
	caseErr    error
	err        error
}

func (s *stubSource) GetTransactionOverview(context.Context, string) (*txsource.TransactionOverview, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.overview, nil
}

func (s *stubSource) QueryTransactions(context.Context, txsource.HistoryQuery) ([]features.TxnRecord, error) {
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return s.history, nil
}

func (s *stubSource) GetRuleMatches(context.Context, string) ([]txsource.RuleMatch, error) {
	return s.rules, nil
}

func (s *stubSource) GetReviews(context.Context, string) ([]txsource.Review, error) {
	return s.reviews, nil
}

func (s *stubSource) GetNotes(context.Context, string) ([]txsource.Note, error) {
	return s.notes, nil
}

func (s *stubSource) GetCase(context.Context, string) (*txsource.Case, error) {
	if s.caseErr != nil {
		return nil, s.caseErr
	}
	if s.caseRef == nil {
		return nil, txsource.ErrNotFound
	}
	return s.caseRef, nil
}

func (s *stubSource) GetHealth(context.Context) error { return nil }

// stubLLM scripts completion and embedding replies.
type stubLLM struct {
	configured bool
	completion string
	embedding  []float32
	embedErr   error
	callErr    error
}

func (a *stubLLM) Complete(context.Context, types.CompletionRequest) (*types.Completion, error) {
	if a.callErr != nil {
		return nil, a.callErr
	}
	return &types.Completion{Content: a.completion, Model: "stub-model"}, nil
}

func (a *stubLLM) Embed(context.Context, string) ([]float32, error) {
	if a.embedErr != nil {
		return nil, a.embedErr
	}
	if a.embedding == nil {
		return nil, errors.New("no embedding scripted")
	}
	return a.embedding, nil
}

func (a *stubLLM) Configured() bool { return a.configured }

func testConfig() *config.Config {
	return config.DefaultConfig()
}

// stateWithFeatures builds investigation state with a populated feature
// pack. Window maps start empty; tests set the stats they exercise.
func stateWithFeatures(flags models.FeatureFlags) *investigation.State {
	st := investigation.NewState("tx-under-test", models.ModeFull, flags)
	st.Features = &models.Features{
		TransactionID:   "tx-under-test",
		Amount:          40,
		Currency:        "EUR",
		Decision:        "approved",
		MCC:             "5999",
		Timestamp:       testAnchor,
		CardID:          "card-1",
		MerchantID:      "merch-1",
		CardWindows:     map[string]models.WindowStats{},
		MerchantWindows: map[string]models.WindowStats{},
	}
	return st
}
