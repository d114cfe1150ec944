package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/llm/adapter"
	"github.com/cardsentry/cardsentry-ai/internal/llm/types"
	"github.com/cardsentry/cardsentry-ai/internal/metrics"
	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// Decision is the planner's choice for the next step.
type Decision struct {
	SelectedTool string // tool name, or ActionComplete
	Rationale    string
	Path         string // llm | fallback
}

// Planner selects the next tool for an investigation. The LLM path is
// primary; two consecutive invalid replies, an open circuit, or a repeated
// selection switch the run to the deterministic sequence for its remainder.
type Planner struct {
	registry *Registry
	llm      adapter.Adapter
	model    string
	maxSteps int
	logger   *zap.Logger
}

// NewPlanner creates the planner.
func NewPlanner(registry *Registry, llm adapter.Adapter, model string, maxSteps int, logger *zap.Logger) *Planner {
	return &Planner{
		registry: registry,
		llm:      llm,
		model:    model,
		maxSteps: maxSteps,
		logger:   logger,
	}
}

var plannerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tool_name": map[string]any{"type": "string"},
		"rationale": map[string]any{"type": "string"},
	},
	"required":             []string{"tool_name", "rationale"},
	"additionalProperties": false,
}

type plannerReply struct {
	ToolName  string `json:"tool_name"`
	Rationale string `json:"rationale"`
}

// NextAction returns the next tool to run, or COMPLETE. The decision is
// recorded in state regardless of path.
func (p *Planner) NextAction(ctx context.Context, st *State) Decision {
	menu := p.registry.Menu(st)
	if len(menu) == 0 || st.StepCount() >= p.maxSteps {
		d := Decision{SelectedTool: ActionComplete, Path: "fallback", Rationale: "no eligible tools remain"}
		if st.StepCount() >= p.maxSteps {
			d.Rationale = "step cap reached"
		}
		p.record(st, d)
		return d
	}

	if !st.PlannerFallback && p.llm.Configured() {
		if d, ok := p.llmDecision(ctx, st, menu); ok {
			st.PlannerInvalidStreak = 0
			p.record(st, d)
			return d
		}
		st.PlannerInvalidStreak++
		if st.PlannerInvalidStreak >= 2 {
			// The deterministic sequence is authoritative for the rest of
			// this run.
			st.PlannerFallback = true
		} else {
			if d, ok := p.llmDecision(ctx, st, menu); ok {
				st.PlannerInvalidStreak = 0
				p.record(st, d)
				return d
			}
			st.PlannerFallback = true
		}
	}

	d := p.deterministic(st, menu)
	p.record(st, d)
	return d
}

// deterministic walks the canonical sequence, skipping completed steps.
func (p *Planner) deterministic(st *State, menu []Tool) Decision {
	done := st.SucceededTools()
	for _, name := range DeterministicSequence {
		if done[name] {
			continue
		}
		for _, t := range menu {
			if t.Name() == name {
				return Decision{
					SelectedTool: name,
					Rationale:    "deterministic sequence",
					Path:         "fallback",
				}
			}
		}
	}
	return Decision{SelectedTool: ActionComplete, Rationale: "deterministic sequence exhausted", Path: "fallback"}
}

// llmDecision asks the planner model for one selection and validates it
// against the menu.
func (p *Planner) llmDecision(ctx context.Context, st *State, menu []Tool) (Decision, bool) {
	completion, err := p.llm.Complete(ctx, types.CompletionRequest{
		Model:      p.model,
		System:     plannerSystemPrompt,
		User:       p.buildPrompt(st, menu),
		SchemaName: "planner_decision",
		Schema:     plannerSchema,
		MaxTokens:  256,
	})
	if err != nil {
		p.logger.Warn("planner LLM call failed", zap.Error(err))
		return Decision{}, false
	}

	var reply plannerReply
	if err := json.Unmarshal([]byte(completion.Content), &reply); err != nil {
		p.logger.Warn("planner reply not parseable", zap.Error(err))
		return Decision{}, false
	}
	reply.ToolName = strings.TrimSpace(reply.ToolName)

	inMenu := false
	for _, t := range menu {
		if t.Name() == reply.ToolName {
			inMenu = true
			break
		}
	}
	if !inMenu {
		p.logger.Warn("planner selected tool outside menu", zap.String("tool", reply.ToolName))
		return Decision{}, false
	}
	if st.SucceededTools()[reply.ToolName] {
		return Decision{}, false
	}
	if reply.ToolName == st.LastSelectedTool() {
		p.logger.Warn("planner repeated last selection", zap.String("tool", reply.ToolName))
		return Decision{}, false
	}

	return Decision{SelectedTool: reply.ToolName, Rationale: reply.Rationale, Path: "llm"}, true
}

const plannerSystemPrompt = `You are the scheduling component of a fraud-investigation runtime.
Given the investigation state and a menu of available analysis tools, select exactly one tool name from the menu.
Reply with JSON {"tool_name": ..., "rationale": ...}. The tool_name must be one of the menu entries verbatim.`

func (p *Planner) buildPrompt(st *State, menu []Tool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction: %s (mode %s, step %d)\n\n", st.TransactionID, st.Mode, st.StepCount()+1)

	b.WriteString("Available tools:\n")
	for _, t := range menu {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
	}

	if len(st.ToolExecutions) > 0 {
		b.WriteString("\nExecuted so far:\n")
		for _, e := range st.ToolExecutions {
			fmt.Fprintf(&b, "- step %d: %s (%s)\n", e.StepNumber, e.ToolName, e.Status)
		}
	}

	if len(st.Evidence) > 0 {
		b.WriteString("\nTop evidence:\n")
		items := make([]models.EvidenceItem, len(st.Evidence))
		copy(items, st.Evidence)
		models.SortEvidence(items)
		for i, e := range items {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&b, "- [%s] %s strength=%.2f\n", e.Kind, e.Category, e.Strength)
		}
	}
	return b.String()
}

func (p *Planner) record(st *State, d Decision) {
	metrics.PlannerDecisionsTotal.WithLabelValues(d.Path, d.SelectedTool).Inc()
	st.RecordDecision(PlannerDecision{
		StepNumber:   st.StepCount() + 1,
		SelectedTool: d.SelectedTool,
		Rationale:    d.Rationale,
		Path:         d.Path,
		Timestamp:    time.Now().UTC(),
	})
}
