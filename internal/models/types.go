package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Severity classifies how strongly the accumulated evidence points at fraud.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric order of the severity (LOW=1 … CRITICAL=4).
// Unknown values rank below LOW.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is one of the four defined severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// MaxSeverity returns the higher-ranked of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// InvestigationMode selects how deep the planner is allowed to go.
type InvestigationMode string

const (
	ModeQuick InvestigationMode = "QUICK"
	ModeDeep  InvestigationMode = "DEEP"
	ModeFull  InvestigationMode = "FULL"
)

// InvestigationStatus is the lifecycle state of an investigation.
type InvestigationStatus string

const (
	StatusPending    InvestigationStatus = "PENDING"
	StatusInProgress InvestigationStatus = "IN_PROGRESS"
	StatusCompleted  InvestigationStatus = "COMPLETED"
	StatusFailed     InvestigationStatus = "FAILED"
)

// Terminal reports whether the status is an end state.
func (s InvestigationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Investigation is one end-to-end analytic run on a single transaction.
// At most one investigation per transaction may be PENDING or IN_PROGRESS.
type Investigation struct {
	ID            string              `json:"id" db:"id"`
	TransactionID string              `json:"transaction_id" db:"transaction_id"`
	Mode          InvestigationMode   `json:"mode" db:"mode"`
	Status        InvestigationStatus `json:"status" db:"status"`
	Priority      int                 `json:"priority" db:"priority"`
	Severity      Severity            `json:"severity" db:"severity"`
	Confidence    float64             `json:"confidence" db:"confidence"`
	StepCount     int                 `json:"step_count" db:"step_count"`
	MaxSteps      int                 `json:"max_steps" db:"max_steps"`
	PlannerModel  string              `json:"planner_model" db:"planner_model"`
	TriggerRef    string              `json:"trigger_ref" db:"trigger_ref"`
	ModelMode     string              `json:"model_mode" db:"model_mode"`
	LLMStatus     string              `json:"llm_status" db:"llm_status"`
	LLMError      string              `json:"llm_error" db:"llm_error"`
	LLMModel      string              `json:"llm_model" db:"llm_model"`
	FlagsSnapshot string              `json:"flags_snapshot" db:"flags_snapshot"`
	Safeguards    string              `json:"safeguards" db:"safeguards"`
	Partial       bool                `json:"partial" db:"partial"`
	ErrorSummary  string              `json:"error_summary" db:"error_summary"`
	StartedAt     time.Time           `json:"started_at" db:"started_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs    int64               `json:"duration_ms" db:"duration_ms"`
}

// EvidenceKind discriminates the structured evidence variants. A single kind
// tag plus a payload replaces any inheritance hierarchy.
type EvidenceKind string

const (
	EvidencePattern    EvidenceKind = "pattern"
	EvidenceSimilarity EvidenceKind = "similarity"
	EvidenceContext    EvidenceKind = "context"
	EvidenceCounter    EvidenceKind = "counter_evidence"
)

// Evidence categories emitted by the pattern and similarity tools.
const (
	CategoryVelocityBurst      = "velocity_burst"
	CategoryCrossMerchant      = "cross_merchant_spread"
	CategoryHighDeclineRatio   = "high_decline_ratio"
	CategoryCardTestingLadder  = "card_testing_ladder"
	CategoryAmountOutlier      = "amount_outlier"
	CategorySimilarFraud       = "similar_confirmed_fraud"
	CategorySimilarTransaction = "similar_transaction"
	CategoryCounterEvidence    = "counter_evidence"
	CategoryNoCloseMatch       = "no_close_match"
)

// EvidenceItem is a scored signal consumed by the reasoning, recommendation
// and rule-draft tools. Strength and freshness are orthogonal: strength is
// the signal magnitude, freshness is an exponential decay of its age.
type EvidenceItem struct {
	ID                    string         `json:"id"`
	Kind                  EvidenceKind   `json:"kind"`
	Category              string         `json:"category"`
	Strength              float64        `json:"strength"`
	Description           string         `json:"description"`
	Timestamp             time.Time      `json:"timestamp"`
	FreshnessWeight       float64        `json:"freshness_weight"`
	RelatedTransactionIDs []string       `json:"related_transaction_ids,omitempty"`
	SupportingData        map[string]any `json:"supporting_data,omitempty"`
}

// EffectiveStrength applies the freshness weight to the raw strength.
// A zero freshness weight means "not yet weighted" and is treated as 1.
func (e EvidenceItem) EffectiveStrength() float64 {
	w := e.FreshnessWeight
	if w <= 0 || w > 1 {
		w = 1
	}
	return e.Strength * w
}

// FreshnessWeight computes exp(-age/tau). Ages at or below zero weigh 1.
func FreshnessWeight(age, tau time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	if tau <= 0 {
		return 1
	}
	return math.Exp(-float64(age) / float64(tau))
}

// SortEvidence orders items by strength descending, then category ascending.
// This is the canonical presentation order for all evidence lists.
func SortEvidence(items []EvidenceItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Strength != items[j].Strength {
			return items[i].Strength > items[j].Strength
		}
		return items[i].Category < items[j].Category
	})
}

// WindowStats are anchored per-window statistics for a card or merchant.
type WindowStats struct {
	TxnCount          int     `json:"txn_count"`
	DeclineRate       float64 `json:"decline_rate"`
	AvgAmount         float64 `json:"avg_amount"`
	AmountZScore      float64 `json:"amount_zscore"`
	DistinctMerchants int     `json:"distinct_merchants"`
	DistinctCards     int     `json:"distinct_cards"`
}

// Window keys used in Features maps.
const (
	Window5m  = "5m"
	Window1h  = "1h"
	Window24h = "24h"
	Window30d = "30d"
)

// WindowKeys lists the feature windows in ascending order.
var WindowKeys = []string{Window5m, Window1h, Window24h, Window30d}

// Features is the deterministic feature pack assembled by the context tool.
// It is immutable once assembled: identical inputs yield identical output.
type Features struct {
	TransactionID         string                 `json:"transaction_id"`
	Amount                float64                `json:"amount"`
	Currency              string                 `json:"currency"`
	Decision              string                 `json:"decision"`
	MCC                   string                 `json:"mcc"`
	Timestamp             time.Time              `json:"timestamp"`
	CardID                string                 `json:"card_id"`
	MerchantID            string                 `json:"merchant_id"`
	IPAddress             string                 `json:"ip_address,omitempty"`
	IPCountryAlpha3       string                 `json:"ip_country_alpha3,omitempty"`
	DeviceID              string                 `json:"device_id,omitempty"`
	DeviceFingerprintHash string                 `json:"device_fingerprint_hash,omitempty"`
	CardWindows           map[string]WindowStats `json:"card_windows"`
	MerchantWindows       map[string]WindowStats `json:"merchant_windows"`
	RuleMatches           []string               `json:"rule_matches,omitempty"`
	ReviewCount           int                    `json:"review_count"`
	NoteCount             int                    `json:"note_count"`
	CaseRef               string                 `json:"case_ref,omitempty"`
	SubFetchErrors        []string               `json:"sub_fetch_errors,omitempty"`
}

// CardWindow returns the card stats for the given window key.
func (f *Features) CardWindow(key string) WindowStats {
	if f == nil || f.CardWindows == nil {
		return WindowStats{}
	}
	return f.CardWindows[key]
}

// MerchantWindow returns the merchant stats for the given window key.
func (f *Features) MerchantWindow(key string) WindowStats {
	if f == nil || f.MerchantWindows == nil {
		return WindowStats{}
	}
	return f.MerchantWindows[key]
}

// Hypothesis is one candidate explanation in a reasoning result.
type Hypothesis struct {
	Label              string   `json:"label"`
	Confidence         float64  `json:"confidence"`
	SupportingEvidence []string `json:"supporting_evidence_refs"`
	CounterEvidence    []string `json:"counter_evidence_refs,omitempty"`
}

// LLM status codes exposed instead of raw provider errors.
const (
	LLMStatusDisabled = "disabled"
	LLMStatusSkipped  = "skipped"
	LLMStatusSuccess  = "success"
	LLMStatusFallback = "fallback"
	LLMStatusFailed   = "failed"
)

// ReasoningResult is the structured narrative produced by the reasoning tool,
// either from the LLM or from the deterministic evidence fallback. Callers
// never branch on which path produced it; LLMStatus records the path.
type ReasoningResult struct {
	Severity              Severity     `json:"severity"`
	Confidence            float64      `json:"confidence"`
	Narrative             string       `json:"narrative"`
	KnownFacts            []string     `json:"known_facts"`
	Unknowns              []string     `json:"unknowns"`
	Hypotheses            []Hypothesis `json:"hypotheses"`
	WhatWouldChangeMyMind []string     `json:"what_would_change_my_mind"`
	LLMStatus             string       `json:"llm_status"`
	LLMModel              string       `json:"llm_model,omitempty"`
	LLMError              string       `json:"llm_error,omitempty"`
}

// RecommendationType classifies analyst-facing proposed actions.
type RecommendationType string

const (
	RecReviewPriority RecommendationType = "review_priority"
	RecCaseAction     RecommendationType = "case_action"
	RecRuleCandidate  RecommendationType = "rule_candidate"
)

// RecommendationCandidate is an unpersisted recommendation produced by the
// recommendation tool. SignatureHash deduplicates candidates within one
// insight; the persistence idempotency key is derived from it.
type RecommendationCandidate struct {
	Type          RecommendationType `json:"type"`
	Priority      int                `json:"priority"` // 1 (most urgent) .. 5
	Title         string             `json:"title"`
	Impact        string             `json:"impact"`
	Payload       map[string]any     `json:"payload,omitempty"`
	SignatureHash string             `json:"signature_hash"`
}

// ComputeSignature hashes (type, title, normalized impact, policy-relevant
// payload fields) into a stable hex digest. Payload keys are sorted so the
// hash is independent of map iteration order.
func (c *RecommendationCandidate) ComputeSignature() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", c.Type, c.Title, strings.ToLower(strings.TrimSpace(c.Impact)))
	keys := make([]string, 0, len(c.Payload))
	for k := range c.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b, _ := json.Marshal(c.Payload[k])
		fmt.Fprintf(h, "|%s=%s", k, b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RecommendationStatus tracks the analyst workflow of a persisted
// recommendation. Legal transitions: OPEN→ACKNOWLEDGED, OPEN→REJECTED,
// ACKNOWLEDGED→EXPORTED.
type RecommendationStatus string

const (
	RecStatusOpen         RecommendationStatus = "OPEN"
	RecStatusAcknowledged RecommendationStatus = "ACKNOWLEDGED"
	RecStatusRejected     RecommendationStatus = "REJECTED"
	RecStatusExported     RecommendationStatus = "EXPORTED"
)

// CanTransition reports whether from→to is a legal status change.
func (from RecommendationStatus) CanTransition(to RecommendationStatus) bool {
	switch from {
	case RecStatusOpen:
		return to == RecStatusAcknowledged || to == RecStatusRejected
	case RecStatusAcknowledged:
		return to == RecStatusExported
	default:
		return false
	}
}

// Recommendation is the persisted form of a candidate, owned by the
// completion node and mutated only through the lifecycle manager.
type Recommendation struct {
	ID             string               `json:"id" db:"id"`
	InsightID      string               `json:"insight_id" db:"insight_id"`
	Type           RecommendationType   `json:"type" db:"type"`
	Priority       int                  `json:"priority" db:"priority"`
	Title          string               `json:"title" db:"title"`
	Impact         string               `json:"impact" db:"impact"`
	Payload        string               `json:"payload" db:"payload"` // JSON
	SignatureHash  string               `json:"signature_hash" db:"signature_hash"`
	IdempotencyKey string               `json:"idempotency_key" db:"idempotency_key"`
	Status         RecommendationStatus `json:"status" db:"status"`
	AcknowledgedBy string               `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt *time.Time           `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	CreatedAt      time.Time            `json:"created_at" db:"created_at"`
}

// RecommendationIdempotencyKey derives the persistence key enforcing
// at-most-one recommendation per (insight, type, signature).
func RecommendationIdempotencyKey(insightID string, typ RecommendationType, signature string) string {
	sum := sha256.Sum256([]byte(insightID + "|" + string(typ) + "|" + signature))
	return hex.EncodeToString(sum[:])
}

// RuleCondition is one normalized precondition in a rule draft.
type RuleCondition struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
	Window   string  `json:"window,omitempty"`
}

// RuleDraft is a proposed fraud-rule package assembled from a rule-candidate
// recommendation. The draft is never exported automatically.
type RuleDraft struct {
	RuleName        string             `json:"rule_name"`
	RuleDescription string             `json:"rule_description"`
	Conditions      []RuleCondition    `json:"conditions"`
	Thresholds      map[string]float64 `json:"thresholds"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// Validate checks that the draft carries non-empty, numerically sensible
// conditions.
func (d *RuleDraft) Validate() error {
	if d.RuleName == "" {
		return fmt.Errorf("rule draft: name is required")
	}
	if len(d.Conditions) == 0 {
		return fmt.Errorf("rule draft %s: at least one condition is required", d.RuleName)
	}
	for _, c := range d.Conditions {
		if c.Field == "" || c.Operator == "" {
			return fmt.Errorf("rule draft %s: condition missing field or operator", d.RuleName)
		}
		if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) || c.Value < 0 {
			return fmt.Errorf("rule draft %s: condition %s has invalid value %v", d.RuleName, c.Field, c.Value)
		}
	}
	return nil
}

// Insight is the immutable persisted summary produced at completion, unique
// per (transaction, evaluation_type, insight_type, model_mode,
// transaction_timestamp). Re-running refreshes the mutable analysis fields.
type Insight struct {
	ID                   string    `json:"id" db:"id"`
	InvestigationID      string    `json:"investigation_id" db:"investigation_id"`
	TransactionID        string    `json:"transaction_id" db:"transaction_id"`
	EvaluationType       string    `json:"evaluation_type" db:"evaluation_type"`
	InsightType          string    `json:"insight_type" db:"insight_type"`
	ModelMode            string    `json:"model_mode" db:"model_mode"`
	TransactionTimestamp time.Time `json:"transaction_timestamp" db:"transaction_timestamp"`
	Severity             Severity  `json:"severity" db:"severity"`
	Summary              string    `json:"summary" db:"summary"`
	Confidence           float64   `json:"confidence_score" db:"confidence_score"`
	GeneratedAt          time.Time `json:"generated_at" db:"generated_at"`
	IdempotencyKey       string    `json:"idempotency_key" db:"idempotency_key"`
}

// Model modes recorded on the final insight.
const (
	ModelModeAgentic       = "agentic"
	ModelModeDeterministic = "deterministic"
)

// Evaluation and insight types for the core investigation path.
const (
	EvaluationFraudInvestigation = "fraud_investigation"
	InsightTransactionAnalysis   = "transaction_analysis"
)

// InsightIdempotencyKey derives the stable content hash that makes insight
// persistence idempotent across replays.
func InsightIdempotencyKey(transactionID, evaluationType string, txTimestamp time.Time, insightType, modelMode string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s",
		transactionID, evaluationType, txTimestamp.UTC().UnixNano(), insightType, modelMode)))
	return hex.EncodeToString(sum[:])
}

// FeatureFlags is the per-run snapshot of runtime flags. Captured once at
// investigation start and never re-read mid-run.
type FeatureFlags struct {
	ReasoningLLMEnabled   bool   `json:"reasoning_llm_enabled"`
	VectorEnabled         bool   `json:"vector_enabled"`
	EnforceHumanApproval  bool   `json:"enforce_human_approval"`
	NarrativeVersion      string `json:"narrative_version"`
	ConflictMatrixEnabled bool   `json:"conflict_matrix_enabled"`
	FreshnessEnabled      bool   `json:"freshness_enabled"`
}

// Historical outcomes attached to similarity matches.
const (
	OutcomeConfirmedFraud     = "confirmed_fraud"
	OutcomeReviewedLegitimate = "reviewed_legitimate"
	Outcome3DSSuccess         = "3ds_success"
	OutcomeTrustedDevice      = "trusted_device"
)

// SimilarityMatch is one historical transaction retrieved by vector cosine
// or by the heuristic SQL fallback.
type SimilarityMatch struct {
	TransactionID string    `json:"transaction_id"`
	Similarity    float64   `json:"similarity"`
	Outcome       string    `json:"outcome,omitempty"`
	CardID        string    `json:"card_id,omitempty"`
	MerchantID    string    `json:"merchant_id,omitempty"`
	Amount        float64   `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}
