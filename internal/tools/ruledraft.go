package tools

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cardsentry/cardsentry-ai/internal/investigation"
	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// RuleDraftTool assembles a normalized rule draft from a rule-candidate
// recommendation and its triggering evidence. It never exports; export is a
// separate analyst-driven operation at the API boundary.
type RuleDraftTool struct{}

// NewRuleDraftTool creates the rule-draft tool.
func NewRuleDraftTool() *RuleDraftTool {
	return &RuleDraftTool{}
}

func (t *RuleDraftTool) Name() string { return investigation.ToolRuleDraft }

func (t *RuleDraftTool) Description() string {
	return "Assemble a normalized draft fraud rule from a rule-candidate recommendation"
}

func (t *RuleDraftTool) Ready(st *investigation.State) bool {
	for _, c := range st.RecommendationCandidates {
		if c.Type == models.RecRuleCandidate {
			return true
		}
	}
	return false
}

func (t *RuleDraftTool) Run(ctx context.Context, st *investigation.State) (*investigation.ToolResult, error) {
	var candidate *models.RecommendationCandidate
	for i := range st.RecommendationCandidates {
		if st.RecommendationCandidates[i].Type == models.RecRuleCandidate {
			candidate = &st.RecommendationCandidates[i]
			break
		}
	}
	if candidate == nil {
		return nil, fmt.Errorf("rule_draft: no rule candidate present")
	}

	category, _ := candidate.Payload["category"].(string)
	var trigger *models.EvidenceItem
	for i := range st.Evidence {
		if st.Evidence[i].Category == category && st.Evidence[i].Kind == models.EvidencePattern {
			trigger = &st.Evidence[i]
			break
		}
	}
	if trigger == nil {
		return nil, fmt.Errorf("rule_draft: no pattern evidence for category %q", category)
	}

	draft, err := buildDraft(st, category, trigger)
	if err != nil {
		return nil, err
	}
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("rule_draft: %w", err)
	}

	return &investigation.ToolResult{
		Status:  investigation.ToolStatusOK,
		Summary: fmt.Sprintf("draft %q with %d conditions", draft.RuleName, len(draft.Conditions)),
		Output:  draft,
		Apply: func(st *investigation.State) {
			st.RuleDraftCandidate = draft
		},
	}, nil
}

// widen relaxes an observed triggering value by a 10% safety margin so the
// drafted rule would still have caught the observed case.
func widen(observed float64) float64 {
	return math.Floor(observed*0.9*100) / 100
}

// buildDraft maps a pattern category to its normalized rule conditions,
// thresholds widened from the observed triggering values.
func buildDraft(st *investigation.State, category string, trigger *models.EvidenceItem) (*models.RuleDraft, error) {
	f := st.Features
	meta := map[string]any{
		"source_transaction_id": st.TransactionID,
		"trigger_category":      category,
		"trigger_strength":      trigger.Strength,
		"drafted_at":            time.Now().UTC().Format(time.RFC3339),
	}

	num := func(key string) float64 {
		if trigger.SupportingData == nil {
			return 0
		}
		switch v := trigger.SupportingData[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		default:
			return 0
		}
	}

	switch category {
	case models.CategoryVelocityBurst:
		observed := num("txn_count_1h")
		if observed == 0 {
			observed = float64(f.CardWindow(models.Window1h).TxnCount)
		}
		threshold := widen(observed)
		return &models.RuleDraft{
			RuleName:        "card_velocity_burst_1h",
			RuleDescription: fmt.Sprintf("Flag cards exceeding %.0f authorizations within one hour", threshold),
			Conditions: []models.RuleCondition{
				{Field: "card_txn_count", Operator: ">", Value: threshold, Window: models.Window1h},
			},
			Thresholds: map[string]float64{"card_txn_count_1h": threshold},
			Metadata:   meta,
		}, nil

	case models.CategoryCrossMerchant:
		observed := num("distinct_merchants_24h")
		if observed == 0 {
			observed = float64(f.CardWindow(models.Window24h).DistinctMerchants)
		}
		threshold := widen(observed)
		return &models.RuleDraft{
			RuleName:        "card_cross_merchant_spread_24h",
			RuleDescription: fmt.Sprintf("Flag cards used at more than %.0f distinct merchants within 24 hours", threshold),
			Conditions: []models.RuleCondition{
				{Field: "card_distinct_merchants", Operator: ">", Value: threshold, Window: models.Window24h},
			},
			Thresholds: map[string]float64{"card_distinct_merchants_24h": threshold},
			Metadata:   meta,
		}, nil

	case models.CategoryHighDeclineRatio:
		observed := num("decline_rate_1h")
		if observed == 0 {
			observed = f.CardWindow(models.Window1h).DeclineRate
		}
		threshold := widen(observed)
		return &models.RuleDraft{
			RuleName:        "card_decline_ratio_1h",
			RuleDescription: fmt.Sprintf("Flag cards with a decline rate above %.2f within one hour", threshold),
			Conditions: []models.RuleCondition{
				{Field: "card_decline_rate", Operator: ">", Value: threshold, Window: models.Window1h},
				{Field: "card_txn_count", Operator: ">=", Value: 3, Window: models.Window1h},
			},
			Thresholds: map[string]float64{"card_decline_rate_1h": threshold},
			Metadata:   meta,
		}, nil

	case models.CategoryCardTestingLadder:
		smallest := num("smallest")
		if smallest <= 0 {
			smallest = 5
		}
		return &models.RuleDraft{
			RuleName:        "card_testing_ladder_1h",
			RuleDescription: "Flag cards with three or more escalating declined micro-authorizations within one hour",
			Conditions: []models.RuleCondition{
				{Field: "card_declined_count", Operator: ">=", Value: 3, Window: models.Window1h},
				{Field: "smallest_declined_amount", Operator: "<=", Value: smallest, Window: models.Window1h},
			},
			Thresholds: map[string]float64{
				"declined_count_1h":        3,
				"smallest_declined_amount": smallest,
			},
			Metadata: meta,
		}, nil

	default:
		return nil, fmt.Errorf("rule_draft: category %q is not rule-eligible", category)
	}
}
