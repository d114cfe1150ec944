package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/config"
	"github.com/cardsentry/cardsentry-ai/internal/investigation"
	"github.com/cardsentry/cardsentry-ai/internal/llm/adapter"
	"github.com/cardsentry/cardsentry-ai/internal/llm/types"
	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// ReasoningTool produces the structured narrative assessment. The LLM path
// is schema-constrained and strictly validated; any failure degrades to an
// evidence-based fallback that produces the same record shape, so no caller
// ever branches on which path ran.
type ReasoningTool struct {
	llm    adapter.Adapter
	cfg    *config.Config
	logger *zap.Logger
}

// NewReasoningTool creates the reasoning tool.
func NewReasoningTool(llm adapter.Adapter, cfg *config.Config, logger *zap.Logger) *ReasoningTool {
	return &ReasoningTool{llm: llm, cfg: cfg, logger: logger}
}

func (t *ReasoningTool) Name() string { return investigation.ToolReasoning }

func (t *ReasoningTool) Description() string {
	return "Produce a structured fraud assessment with hypotheses and evidence citations"
}

// Ready requires both scoring stages so the narrative covers the full
// evidence picture.
func (t *ReasoningTool) Ready(st *investigation.State) bool {
	done := st.SucceededTools()
	return st.Features != nil && done[investigation.ToolPattern] && done[investigation.ToolSimilarity]
}

var reasoningSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"severity":   map[string]any{"type": "string", "enum": []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}},
		"confidence": map[string]any{"type": "number"},
		"narrative":  map[string]any{"type": "string"},
		"known_facts": map[string]any{
			"type": "array", "items": map[string]any{"type": "string"},
		},
		"unknowns": map[string]any{
			"type": "array", "items": map[string]any{"type": "string"},
		},
		"hypotheses": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"label":                    map[string]any{"type": "string"},
					"confidence":               map[string]any{"type": "number"},
					"supporting_evidence_refs": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"counter_evidence_refs":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required":             []string{"label", "confidence", "supporting_evidence_refs"},
				"additionalProperties": false,
			},
		},
		"what_would_change_my_mind": map[string]any{
			"type": "array", "items": map[string]any{"type": "string"},
		},
	},
	"required":             []string{"severity", "confidence", "narrative", "known_facts", "unknowns", "hypotheses", "what_would_change_my_mind"},
	"additionalProperties": false,
}

func (t *ReasoningTool) Run(ctx context.Context, st *investigation.State) (*investigation.ToolResult, error) {
	var result *models.ReasoningResult

	switch {
	case !st.Flags.ReasoningLLMEnabled:
		result = t.fallback(st, models.LLMStatusDisabled, "")
	case !t.llm.Configured():
		result = t.fallback(st, models.LLMStatusSkipped, "")
	default:
		llmResult, err := t.llmPath(ctx, st)
		if err != nil {
			t.logger.Warn("reasoning LLM path failed, using evidence fallback", zap.Error(err))
			result = t.fallback(st, models.LLMStatusFallback, classifyLLMError(err))
		} else {
			result = llmResult
		}
	}

	return &investigation.ToolResult{
		Status:  investigation.ToolStatusOK,
		Summary: fmt.Sprintf("severity %s confidence %.2f llm_status=%s", result.Severity, result.Confidence, result.LLMStatus),
		Output:  result,
		Apply: func(st *investigation.State) {
			st.ReasoningResult = result
		},
	}, nil
}

// classifyLLMError maps provider errors to stable status strings; raw
// provider text never surfaces to analysts.
func classifyLLMError(err error) string {
	switch {
	case strings.Contains(err.Error(), "circuit open"):
		return "provider_unavailable"
	case strings.Contains(err.Error(), "malformed"):
		return "invalid_output"
	case strings.Contains(err.Error(), "deadline"):
		return "timeout"
	default:
		return "provider_error"
	}
}

func (t *ReasoningTool) llmPath(ctx context.Context, st *investigation.State) (*models.ReasoningResult, error) {
	completion, err := t.llm.Complete(ctx, types.CompletionRequest{
		Model:      t.cfg.LLM.ReasoningModel,
		System:     t.systemPrompt(st.Flags.NarrativeVersion),
		User:       t.buildPrompt(st),
		SchemaName: "fraud_assessment",
		Schema:     reasoningSchema,
		MaxTokens:  2048,
	})
	if err != nil {
		return nil, err
	}

	var parsed models.ReasoningResult
	if err := json.Unmarshal([]byte(completion.Content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBadResponse, err)
	}
	if err := t.validate(st, &parsed); err != nil {
		return nil, err
	}

	parsed.LLMStatus = models.LLMStatusSuccess
	parsed.LLMModel = completion.Model
	return &parsed, nil
}

// validate enforces the hard output constraints: real citations, severity
// consistent with evidence strength, sane confidence, 2-4 hypotheses.
func (t *ReasoningTool) validate(st *investigation.State, r *models.ReasoningResult) error {
	if !r.Severity.Valid() {
		return fmt.Errorf("reasoning: invalid severity %q", r.Severity)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("reasoning: confidence %v outside [0,1]", r.Confidence)
	}
	if len(r.Hypotheses) < 2 || len(r.Hypotheses) > 4 {
		return fmt.Errorf("reasoning: %d hypotheses, want 2-4", len(r.Hypotheses))
	}

	known := map[string]bool{}
	for _, e := range st.Evidence {
		known[e.ID] = true
	}
	for _, h := range r.Hypotheses {
		for _, ref := range append(h.SupportingEvidence, h.CounterEvidence...) {
			if !known[ref] {
				return fmt.Errorf("reasoning: citation %q does not reference known evidence", ref)
			}
		}
	}

	// Refuse HIGH or above without at least one strong signal.
	if r.Severity.Rank() >= models.SeverityHigh.Rank() && investigation.MaxEvidenceStrength(st.Evidence) < 0.6 {
		return fmt.Errorf("reasoning: severity %s unsupported by evidence strengths", r.Severity)
	}
	return nil
}

// fallback derives the assessment deterministically from the evidence.
func (t *ReasoningTool) fallback(st *investigation.State, llmStatus, llmError string) *models.ReasoningResult {
	severity := investigation.SeverityFromEvidence(st.Evidence)
	support, counter := investigation.EvidenceBalance(st.Evidence)

	items := make([]models.EvidenceItem, len(st.Evidence))
	copy(items, st.Evidence)
	models.SortEvidence(items)

	var facts []string
	var supportRefs []string
	var counterRefs []string
	var narrativeParts []string
	for _, e := range items {
		if e.Kind == models.EvidenceCounter {
			counterRefs = append(counterRefs, e.ID)
			continue
		}
		if e.Strength > 0 {
			facts = append(facts, e.Description)
			supportRefs = append(supportRefs, e.ID)
			if len(narrativeParts) < 3 {
				narrativeParts = append(narrativeParts, e.Description)
			}
		}
	}

	narrative := fmt.Sprintf("Deterministic assessment: severity %s.", severity)
	if len(narrativeParts) > 0 {
		narrative = fmt.Sprintf("Deterministic assessment: severity %s. Signals: %s.",
			severity, strings.Join(narrativeParts, "; "))
	}

	confidence := 0.5
	if support+counter > 0 {
		confidence = 0.4 + 0.4*(support/(support+counter))
	}

	fraudConfidence := confidence
	hypotheses := []models.Hypothesis{
		{
			Label:              "fraudulent_use",
			Confidence:         fraudConfidence,
			SupportingEvidence: supportRefs,
			CounterEvidence:    counterRefs,
		},
		{
			Label:              "legitimate_activity",
			Confidence:         1 - fraudConfidence,
			SupportingEvidence: counterRefs,
			CounterEvidence:    supportRefs,
		},
	}

	return &models.ReasoningResult{
		Severity:   severity,
		Confidence: confidence,
		Narrative:  narrative,
		KnownFacts: facts,
		Unknowns: []string{
			"cardholder contact outcome",
			"issuer chargeback status",
		},
		Hypotheses: hypotheses,
		WhatWouldChangeMyMind: []string{
			"cardholder confirms the purchase",
			"3DS challenge completed successfully on this device",
		},
		LLMStatus: llmStatus,
		LLMError:  llmError,
	}
}

func (t *ReasoningTool) systemPrompt(narrativeVersion string) string {
	base := `You are a fraud analyst assistant. Assess the transaction strictly from the evidence provided.
Cite evidence by its id. Never rate severity HIGH or CRITICAL unless a cited evidence strength is at least 0.6.
Reply only with the requested JSON shape.`
	if narrativeVersion == "v1" {
		return base
	}
	return base + `
Structure the narrative as: what happened, why it is (or is not) suspicious, and what an analyst should verify first.`
}

// buildPrompt renders the redacted evidence pack. Raw PAN, names, addresses
// and IPs are never included; pseudonymous identifiers are kept for
// correlation.
func (t *ReasoningTool) buildPrompt(st *investigation.State) string {
	f := st.Features
	var b strings.Builder

	fmt.Fprintf(&b, "Transaction %s: amount %.2f %s, decision %s, mcc %s\n",
		f.TransactionID, f.Amount, f.Currency, f.Decision, f.MCC)
	fmt.Fprintf(&b, "Card %s at merchant %s", f.CardID, f.MerchantID)
	if f.DeviceFingerprintHash != "" {
		fmt.Fprintf(&b, ", device fingerprint %s", f.DeviceFingerprintHash)
	}
	if f.IPCountryAlpha3 != "" {
		fmt.Fprintf(&b, ", IP country %s", f.IPCountryAlpha3)
	}
	b.WriteString("\n\nWindow statistics (card):\n")
	for _, key := range models.WindowKeys {
		w := f.CardWindow(key)
		fmt.Fprintf(&b, "- %s: count=%d decline_rate=%.2f avg=%.2f zscore=%.2f merchants=%d\n",
			key, w.TxnCount, w.DeclineRate, w.AvgAmount, w.AmountZScore, w.DistinctMerchants)
	}

	b.WriteString("\nEvidence:\n")
	items := make([]models.EvidenceItem, len(st.Evidence))
	copy(items, st.Evidence)
	models.SortEvidence(items)
	for _, e := range items {
		fmt.Fprintf(&b, "- id=%s kind=%s category=%s strength=%.2f: %s\n",
			e.ID, e.Kind, e.Category, e.Strength, e.Description)
	}

	if st.Flags.ConflictMatrixEnabled {
		support, counter := investigation.EvidenceBalance(st.Evidence)
		fmt.Fprintf(&b, "\nConflict summary: supporting strength %.2f vs counter strength %.2f\n", support, counter)
	}
	if len(f.RuleMatches) > 0 {
		fmt.Fprintf(&b, "\nRules already fired: %s\n", strings.Join(f.RuleMatches, ", "))
	}
	return b.String()
}
