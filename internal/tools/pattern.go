package tools

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cardsentry/cardsentry-ai/internal/config"
	"github.com/cardsentry/cardsentry-ai/internal/features"
	"github.com/cardsentry/cardsentry-ai/internal/investigation"
	"github.com/cardsentry/cardsentry-ai/internal/models"
	"github.com/cardsentry/cardsentry-ai/internal/txsource"
)

// Pattern thresholds. Strengths are calibrated so a velocity burst maps to
// at least HIGH severity downstream.
const (
	velocityBurstHigh     = 10 // card txns in 1h
	velocityBurstElevated = 5
	crossMerchantHigh     = 10 // distinct merchants in 24h
	crossMerchantElevated = 5
	declineRatioHigh      = 0.5
	declineRatioElevated  = 0.3
	amountZScoreOutlier   = 3.0
)

// PatternTool scores rule-based anomaly signals over the feature pack.
// Output is pure: identical features yield identical evidence.
type PatternTool struct {
	source txsource.Client
	cfg    *config.Config
}

// NewPatternTool creates the pattern-scoring tool. The transaction source
// is needed only for the card-testing ladder, which inspects the raw
// decline sequence rather than window aggregates.
func NewPatternTool(source txsource.Client, cfg *config.Config) *PatternTool {
	return &PatternTool{source: source, cfg: cfg}
}

func (t *PatternTool) Name() string { return investigation.ToolPattern }

func (t *PatternTool) Description() string {
	return "Score velocity, decline-ratio, cross-merchant, ladder and amount-outlier patterns over the feature pack"
}

func (t *PatternTool) Ready(st *investigation.State) bool {
	return st.Features != nil
}

type patternOutput struct {
	SignalCount int     `json:"signal_count"`
	TopStrength float64 `json:"top_strength"`
}

func (t *PatternTool) Run(ctx context.Context, st *investigation.State) (*investigation.ToolResult, error) {
	f := st.Features
	anchor := f.Timestamp
	var items []models.EvidenceItem

	add := func(category, description string, strength float64, supporting map[string]any, related []string) {
		items = append(items, models.EvidenceItem{
			Kind:                  models.EvidencePattern,
			Category:              category,
			Strength:              strength,
			Description:           description,
			Timestamp:             anchor,
			RelatedTransactionIDs: related,
			SupportingData:        supporting,
		})
	}

	card1h := f.CardWindow(models.Window1h)
	card24h := f.CardWindow(models.Window24h)
	card30d := f.CardWindow(models.Window30d)

	switch {
	case card1h.TxnCount > velocityBurstHigh:
		add(models.CategoryVelocityBurst,
			fmt.Sprintf("card made %d transactions in the last hour", card1h.TxnCount),
			0.9, map[string]any{"txn_count_1h": card1h.TxnCount, "threshold": velocityBurstHigh}, nil)
	case card1h.TxnCount > velocityBurstElevated:
		add(models.CategoryVelocityBurst,
			fmt.Sprintf("card made %d transactions in the last hour", card1h.TxnCount),
			0.7, map[string]any{"txn_count_1h": card1h.TxnCount, "threshold": velocityBurstElevated}, nil)
	}

	switch {
	case card24h.DistinctMerchants > crossMerchantHigh:
		add(models.CategoryCrossMerchant,
			fmt.Sprintf("card touched %d distinct merchants in 24h", card24h.DistinctMerchants),
			0.8, map[string]any{"distinct_merchants_24h": card24h.DistinctMerchants, "threshold": crossMerchantHigh}, nil)
	case card24h.DistinctMerchants > crossMerchantElevated:
		add(models.CategoryCrossMerchant,
			fmt.Sprintf("card touched %d distinct merchants in 24h", card24h.DistinctMerchants),
			0.5, map[string]any{"distinct_merchants_24h": card24h.DistinctMerchants, "threshold": crossMerchantElevated}, nil)
	}

	switch {
	case card1h.DeclineRate > declineRatioHigh:
		add(models.CategoryHighDeclineRatio,
			fmt.Sprintf("card decline rate %.0f%% in the last hour", card1h.DeclineRate*100),
			0.9, map[string]any{"decline_rate_1h": card1h.DeclineRate, "threshold": declineRatioHigh}, nil)
	case card1h.DeclineRate > declineRatioElevated:
		add(models.CategoryHighDeclineRatio,
			fmt.Sprintf("card decline rate %.0f%% in the last hour", card1h.DeclineRate*100),
			0.6, map[string]any{"decline_rate_1h": card1h.DeclineRate, "threshold": declineRatioElevated}, nil)
	}

	if ladder, ok := t.detectLadder(ctx, f, anchor); ok {
		add(models.CategoryCardTestingLadder,
			fmt.Sprintf("%d escalating declined amounts starting at %.2f within an hour",
				len(ladder.Amounts), ladder.SmallestAmount),
			0.9, map[string]any{"amounts": ladder.Amounts, "smallest": ladder.SmallestAmount},
			ladder.TransactionIDs)
	}

	if z := card30d.AmountZScore; math.Abs(z) > amountZScoreOutlier {
		add(models.CategoryAmountOutlier,
			fmt.Sprintf("amount %.2f is %.1f standard deviations from the card's 30d mean", f.Amount, z),
			0.7, map[string]any{"amount_zscore": z, "threshold": amountZScoreOutlier}, nil)
	}

	t.applyFreshness(st, items)
	models.SortEvidence(items)

	var top float64
	if len(items) > 0 {
		top = items[0].Strength
	}
	return &investigation.ToolResult{
		Status:   investigation.ToolStatusOK,
		Summary:  fmt.Sprintf("%d pattern signals, top strength %.2f", len(items), top),
		Evidence: items,
		Output:   patternOutput{SignalCount: len(items), TopStrength: top},
	}, nil
}

// detectLadder re-fetches the card's recent declines to inspect the raw
// chronological amount sequence.
func (t *PatternTool) detectLadder(ctx context.Context, f *models.Features, anchor time.Time) (features.Ladder, bool) {
	history, err := t.source.QueryTransactions(ctx, txsource.HistoryQuery{
		CardID: f.CardID,
		Since:  anchor.Add(-time.Hour),
		Until:  anchor,
	})
	if err != nil {
		return features.Ladder{}, false
	}
	return features.DetectCardTestingLadder(history, anchor)
}

// applyFreshness stamps the decay weight per item when the flag is on.
// Pattern evidence is anchored at the transaction timestamp, so for a live
// investigation the weight is effectively 1.
func (t *PatternTool) applyFreshness(st *investigation.State, items []models.EvidenceItem) {
	if !st.Flags.FreshnessEnabled {
		return
	}
	now := time.Now().UTC()
	for i := range items {
		tau := t.cfg.FreshnessTau(items[i].Category)
		items[i].FreshnessWeight = models.FreshnessWeight(now.Sub(items[i].Timestamp), tau)
	}
}
