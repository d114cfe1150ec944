package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cardsentry/cardsentry-ai/internal/config"
	"github.com/cardsentry/cardsentry-ai/internal/features"
	"github.com/cardsentry/cardsentry-ai/internal/investigation"
	"github.com/cardsentry/cardsentry-ai/internal/models"
	"github.com/cardsentry/cardsentry-ai/internal/txsource"
)

// ContextTool assembles the deterministic feature pack for the transaction
// under investigation. Sub-fetches run in parallel; only the transaction
// overview itself is required — every other failure is collected into the
// feature pack as a diagnostic.
type ContextTool struct {
	source txsource.Client
	cfg    *config.Config
	logger *zap.Logger
}

// NewContextTool creates the context-assembly tool.
func NewContextTool(source txsource.Client, cfg *config.Config, logger *zap.Logger) *ContextTool {
	return &ContextTool{source: source, cfg: cfg, logger: logger}
}

func (t *ContextTool) Name() string { return investigation.ToolContext }

func (t *ContextTool) Description() string {
	return "Fetch the transaction, its card and merchant histories, and compute anchored window statistics"
}

// Ready is always true; context is the root of the execution lattice.
func (t *ContextTool) Ready(st *investigation.State) bool { return true }

// contextOutput is the per-tool output stored in state alongside the
// feature pack.
type contextOutput struct {
	CardHistoryCount     int      `json:"card_history_count"`
	MerchantHistoryCount int      `json:"merchant_history_count"`
	SubFetchErrors       []string `json:"sub_fetch_errors,omitempty"`
}

func (t *ContextTool) Run(ctx context.Context, st *investigation.State) (*investigation.ToolResult, error) {
	overview, err := t.source.GetTransactionOverview(ctx, st.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("context: fetch transaction overview: %w", err)
	}
	anchor := overview.Timestamp
	lookback := time.Duration(t.cfg.Investigation.HistoryWindowHours) * time.Hour

	var (
		cardHistory     []features.TxnRecord
		merchantHistory []features.TxnRecord
		ruleMatches     []txsource.RuleMatch
		reviews         []txsource.Review
		notes           []txsource.Note
		caseRef         *txsource.Case
	)
	var subErrs subFetchErrors

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cardHistory, err = t.source.QueryTransactions(gctx, txsource.HistoryQuery{
			CardID: overview.CardID, Since: anchor.Add(-lookback), Until: anchor,
		})
		subErrs.collect("card_history", err)
		return nil
	})
	g.Go(func() error {
		var err error
		merchantHistory, err = t.source.QueryTransactions(gctx, txsource.HistoryQuery{
			MerchantID: overview.MerchantID, Since: anchor.Add(-lookback), Until: anchor,
		})
		subErrs.collect("merchant_history", err)
		return nil
	})
	g.Go(func() error {
		var err error
		ruleMatches, err = t.source.GetRuleMatches(gctx, st.TransactionID)
		subErrs.collect("rule_matches", err)
		return nil
	})
	g.Go(func() error {
		var err error
		reviews, err = t.source.GetReviews(gctx, st.TransactionID)
		subErrs.collect("reviews", err)
		return nil
	})
	g.Go(func() error {
		var err error
		notes, err = t.source.GetNotes(gctx, st.TransactionID)
		subErrs.collect("notes", err)
		return nil
	})
	g.Go(func() error {
		c, err := t.source.GetCase(gctx, st.TransactionID)
		if err == nil {
			caseRef = c
		} else if !errors.Is(err, txsource.ErrNotFound) {
			subErrs.collect("case", err)
		}
		return nil
	})
	_ = g.Wait()

	// The anchor transaction belongs to both histories even if the
	// upstream snapshot has not indexed it yet.
	cardHistory = ensureAnchor(cardHistory, overview.TxnRecord)
	merchantHistory = ensureAnchor(merchantHistory, overview.TxnRecord)

	pack := &models.Features{
		TransactionID:         overview.TransactionID,
		Amount:                overview.Amount,
		Currency:              overview.Currency,
		Decision:              overview.Decision,
		MCC:                   overview.MCC,
		Timestamp:             anchor,
		CardID:                overview.CardID,
		MerchantID:            overview.MerchantID,
		IPAddress:             overview.IPAddress,
		IPCountryAlpha3:       overview.IPCountryAlpha3,
		DeviceID:              overview.DeviceID,
		DeviceFingerprintHash: overview.DeviceFingerprintHash,
		CardWindows:           features.AllWindows(cardHistory, anchor, overview.Amount),
		MerchantWindows:       features.AllWindows(merchantHistory, anchor, overview.Amount),
		ReviewCount:           len(reviews),
		NoteCount:             len(notes),
		SubFetchErrors:        subErrs.list(),
	}
	for _, m := range ruleMatches {
		pack.RuleMatches = append(pack.RuleMatches, m.RuleName)
	}
	if caseRef != nil {
		pack.CaseRef = caseRef.CaseID
	}

	return &investigation.ToolResult{
		Status: investigation.ToolStatusOK,
		Summary: fmt.Sprintf("features assembled: card 1h count=%d, merchant 24h count=%d, %d sub-fetch errors",
			pack.CardWindow(models.Window1h).TxnCount,
			pack.MerchantWindow(models.Window24h).TxnCount,
			len(pack.SubFetchErrors)),
		Output: contextOutput{
			CardHistoryCount:     len(cardHistory),
			MerchantHistoryCount: len(merchantHistory),
			SubFetchErrors:       subErrs.list(),
		},
		Apply: func(st *investigation.State) {
			st.Features = pack
		},
	}, nil
}

// subFetchErrors accumulates failures from the parallel sub-fetches.
type subFetchErrors struct {
	mu   sync.Mutex
	errs []string
}

func (s *subFetchErrors) collect(name string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, fmt.Sprintf("%s: %v", name, err))
}

func (s *subFetchErrors) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.errs))
	copy(out, s.errs)
	if len(out) == 0 {
		return nil
	}
	return out
}

func ensureAnchor(history []features.TxnRecord, anchor features.TxnRecord) []features.TxnRecord {
	for _, t := range history {
		if t.TransactionID == anchor.TransactionID {
			return history
		}
	}
	return append(history, anchor)
}
