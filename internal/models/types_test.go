package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeverityRankOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.Rank() > SeverityHigh.Rank())
	assert.True(t, SeverityHigh.Rank() > SeverityMedium.Rank())
	assert.True(t, SeverityMedium.Rank() > SeverityLow.Rank())
	assert.True(t, SeverityLow.Rank() > Severity("bogus").Rank())
	assert.False(t, Severity("bogus").Valid())
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityMedium, SeverityHigh))
}

func TestRecommendationStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to RecommendationStatus
		ok       bool
	}{
		{RecStatusOpen, RecStatusAcknowledged, true},
		{RecStatusOpen, RecStatusRejected, true},
		{RecStatusAcknowledged, RecStatusExported, true},
		{RecStatusOpen, RecStatusExported, false},
		{RecStatusRejected, RecStatusAcknowledged, false},
		{RecStatusExported, RecStatusOpen, false},
		{RecStatusAcknowledged, RecStatusRejected, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestComputeSignatureStableAcrossPayloadOrder(t *testing.T) {
	a := RecommendationCandidate{
		Type:    RecReviewPriority,
		Title:   "Review transaction tx-1",
		Impact:  "Analyst review",
		Payload: map[string]any{"severity": "HIGH", "transaction_id": "tx-1"},
	}
	b := RecommendationCandidate{
		Type:    RecReviewPriority,
		Title:   "Review transaction tx-1",
		Impact:  "  analyst REVIEW  ", // impact is normalized
		Payload: map[string]any{"transaction_id": "tx-1", "severity": "HIGH"},
	}
	assert.Equal(t, a.ComputeSignature(), b.ComputeSignature())

	c := a
	c.Payload = map[string]any{"severity": "LOW", "transaction_id": "tx-1"}
	assert.NotEqual(t, a.ComputeSignature(), c.ComputeSignature())
}

func TestInsightIdempotencyKeyDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	k1 := InsightIdempotencyKey("tx-1", EvaluationFraudInvestigation, ts, InsightTransactionAnalysis, ModelModeAgentic)
	k2 := InsightIdempotencyKey("tx-1", EvaluationFraudInvestigation, ts, InsightTransactionAnalysis, ModelModeAgentic)
	assert.Equal(t, k1, k2)

	k3 := InsightIdempotencyKey("tx-1", EvaluationFraudInvestigation, ts, InsightTransactionAnalysis, ModelModeDeterministic)
	assert.NotEqual(t, k1, k3, "model mode is part of the identity")
}

func TestFreshnessWeight(t *testing.T) {
	tau := 24 * time.Hour
	assert.Equal(t, 1.0, FreshnessWeight(0, tau))
	assert.Equal(t, 1.0, FreshnessWeight(-time.Hour, tau))
	assert.InDelta(t, 0.3679, FreshnessWeight(tau, tau), 1e-3)
	assert.Equal(t, 1.0, FreshnessWeight(time.Hour, 0), "zero tau disables decay")
}

func TestEffectiveStrength(t *testing.T) {
	e := EvidenceItem{Strength: 0.8, FreshnessWeight: 0.5}
	assert.InDelta(t, 0.4, e.EffectiveStrength(), 1e-9)

	unweighted := EvidenceItem{Strength: 0.8}
	assert.InDelta(t, 0.8, unweighted.EffectiveStrength(), 1e-9, "zero weight means not yet weighted")
}

func TestSortEvidenceByStrengthThenCategory(t *testing.T) {
	items := []EvidenceItem{
		{Category: "b", Strength: 0.5},
		{Category: "a", Strength: 0.5},
		{Category: "c", Strength: 0.9},
	}
	SortEvidence(items)
	assert.Equal(t, "c", items[0].Category)
	assert.Equal(t, "a", items[1].Category)
	assert.Equal(t, "b", items[2].Category)
}

func TestRuleDraftValidate(t *testing.T) {
	valid := RuleDraft{
		RuleName:   "card_velocity_burst_1h",
		Conditions: []RuleCondition{{Field: "card_txn_count", Operator: ">", Value: 9, Window: Window1h}},
	}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&RuleDraft{}).Validate(), "name required")
	assert.Error(t, (&RuleDraft{RuleName: "x"}).Validate(), "conditions required")

	negative := RuleDraft{
		RuleName:   "x",
		Conditions: []RuleCondition{{Field: "f", Operator: ">", Value: -1}},
	}
	assert.Error(t, negative.Validate())
}
