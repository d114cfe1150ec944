package tools

import (
	"context"
	"fmt"

	"github.com/cardsentry/cardsentry-ai/internal/investigation"
	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// Pattern categories eligible to seed a rule candidate.
var ruleCandidateCategories = map[string]bool{
	models.CategoryVelocityBurst:     true,
	models.CategoryCrossMerchant:     true,
	models.CategoryHighDeclineRatio:  true,
	models.CategoryCardTestingLadder: true,
}

// RecommendationTool synthesizes analyst-facing proposed actions from the
// reasoning result and accumulated evidence, gated by policy. An empty
// candidate list is a valid outcome.
type RecommendationTool struct{}

// NewRecommendationTool creates the recommendation tool.
func NewRecommendationTool() *RecommendationTool {
	return &RecommendationTool{}
}

func (t *RecommendationTool) Name() string { return investigation.ToolRecommendation }

func (t *RecommendationTool) Description() string {
	return "Synthesize review, case and rule-candidate recommendations from reasoning and evidence"
}

func (t *RecommendationTool) Ready(st *investigation.State) bool {
	return st.ReasoningResult != nil
}

type recommendationOutput struct {
	CandidateCount     int  `json:"candidate_count"`
	CounterDominates   bool `json:"counter_dominates"`
	RuleCandidateFound bool `json:"rule_candidate_found"`
}

func (t *RecommendationTool) Run(ctx context.Context, st *investigation.State) (*investigation.ToolResult, error) {
	reasoning := st.ReasoningResult
	severity := reasoning.Severity
	support, counter := investigation.EvidenceBalance(st.Evidence)
	counterDominates := counter > support

	var candidates []models.RecommendationCandidate

	// Nothing actionable: weak evidence and the reasoning agrees.
	if investigation.MaxEvidenceStrength(st.Evidence) < 0.5 && severity == models.SeverityLow {
		return t.result(st, candidates, counterDominates), nil
	}

	if counterDominates {
		// Counter-evidence wins: no case action, at most a low-priority
		// review entry.
		candidates = append(candidates, t.reviewCandidate(st, models.SeverityLow))
		return t.result(st, candidates, counterDominates), nil
	}

	if severity.Rank() >= models.SeverityMedium.Rank() {
		candidates = append(candidates, t.reviewCandidate(st, severity))
	}
	if severity.Rank() >= models.SeverityHigh.Rank() {
		candidates = append(candidates, t.caseCandidate(st, severity))
	}

	if rule, ok := t.ruleCandidate(st); ok {
		candidates = append(candidates, rule)
	}

	return t.result(st, candidates, counterDominates), nil
}

// priorityFor maps severity to worklist priority 1 (most urgent) .. 5.
func priorityFor(severity models.Severity) int {
	switch severity {
	case models.SeverityCritical:
		return 1
	case models.SeverityHigh:
		return 2
	case models.SeverityMedium:
		return 3
	default:
		return 4
	}
}

func (t *RecommendationTool) reviewCandidate(st *investigation.State, severity models.Severity) models.RecommendationCandidate {
	c := models.RecommendationCandidate{
		Type:     models.RecReviewPriority,
		Priority: priorityFor(severity),
		Title:    fmt.Sprintf("Review transaction %s (%s)", st.TransactionID, severity),
		Impact:   fmt.Sprintf("Analyst review prioritized at severity %s", severity),
		Payload: map[string]any{
			"transaction_id": st.TransactionID,
			"severity":       string(severity),
		},
	}
	c.SignatureHash = c.ComputeSignature()
	return c
}

func (t *RecommendationTool) caseCandidate(st *investigation.State, severity models.Severity) models.RecommendationCandidate {
	c := models.RecommendationCandidate{
		Type:     models.RecCaseAction,
		Priority: priorityFor(severity),
		Title:    fmt.Sprintf("Open fraud case for card %s", st.Features.CardID),
		Impact:   "Consolidates related transactions under one case for disposition",
		Payload: map[string]any{
			"transaction_id": st.TransactionID,
			"card_id":        st.Features.CardID,
			"severity":       string(severity),
		},
	}
	c.SignatureHash = c.ComputeSignature()
	return c
}

// ruleCandidate fires when the strongest pattern evidence belongs to a
// rule-eligible category with strength >= 0.7. The payload carries the
// normalized preconditions the rule-draft tool consumes.
func (t *RecommendationTool) ruleCandidate(st *investigation.State) (models.RecommendationCandidate, bool) {
	var top *models.EvidenceItem
	for i := range st.Evidence {
		e := &st.Evidence[i]
		if e.Kind != models.EvidencePattern {
			continue
		}
		if top == nil || e.Strength > top.Strength {
			top = e
		}
	}
	if top == nil || top.Strength < 0.7 || !ruleCandidateCategories[top.Category] {
		return models.RecommendationCandidate{}, false
	}

	c := models.RecommendationCandidate{
		Type:     models.RecRuleCandidate,
		Priority: 2,
		Title:    fmt.Sprintf("Draft rule for %s pattern", top.Category),
		Impact:   fmt.Sprintf("Pattern %s (strength %.2f) is a candidate for an automated rule", top.Category, top.Strength),
		Payload: map[string]any{
			"category":        top.Category,
			"strength":        top.Strength,
			"supporting_data": top.SupportingData,
		},
	}
	c.SignatureHash = c.ComputeSignature()
	return c, true
}

func (t *RecommendationTool) result(st *investigation.State, candidates []models.RecommendationCandidate, counterDominates bool) *investigation.ToolResult {
	ruleFound := false
	for _, c := range candidates {
		if c.Type == models.RecRuleCandidate {
			ruleFound = true
		}
	}
	return &investigation.ToolResult{
		Status:  investigation.ToolStatusOK,
		Summary: fmt.Sprintf("%d recommendation candidates (counter_dominates=%v)", len(candidates), counterDominates),
		Output: recommendationOutput{
			CandidateCount:     len(candidates),
			CounterDominates:   counterDominates,
			RuleCandidateFound: ruleFound,
		},
		Apply: func(st *investigation.State) {
			st.RecommendationCandidates = candidates
		},
	}
}
