package investigation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// Tool names in deterministic execution order.
const (
	ToolContext        = "context"
	ToolPattern        = "pattern"
	ToolSimilarity     = "similarity"
	ToolReasoning      = "reasoning"
	ToolRecommendation = "recommendation"
	ToolRuleDraft      = "rule_draft"
)

// DeterministicSequence is the fallback execution order used when the LLM
// planner is unavailable or misbehaving.
var DeterministicSequence = []string{
	ToolContext,
	ToolPattern,
	ToolSimilarity,
	ToolReasoning,
	ToolRecommendation,
	ToolRuleDraft,
}

// ActionComplete is the planner decision that ends the loop.
const ActionComplete = "COMPLETE"

// Tool execution statuses.
const (
	ToolStatusOK       = "OK"
	ToolStatusFallback = "FALLBACK"
	ToolStatusFailed   = "FAILED"
	ToolStatusTimeout  = "TIMEOUT"
)

// ToolResult is the partial state delta a successful tool run produces. The
// executor owns the merge; tools never touch persistence.
type ToolResult struct {
	// Status is OK, or FALLBACK when the tool delivered through its
	// degraded path.
	Status string

	// Summary is a bounded human-readable output summary for the log.
	Summary string

	// Evidence to append to the accumulated list.
	Evidence []models.EvidenceItem

	// Output is stored under the tool's key in State.ToolOutputs.
	Output any

	// Apply performs any additional state mutation (reasoning result,
	// recommendation candidates, similarity bookkeeping).
	Apply func(st *State)
}

// Tool is a bounded unit of analysis with a fixed input/output contract.
type Tool interface {
	Name() string
	Description() string

	// Ready reports whether the tool's prerequisites are satisfied by the
	// current state.
	Ready(st *State) bool

	Run(ctx context.Context, st *State) (*ToolResult, error)
}

// Registry resolves tool names to their contracts.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Registering a duplicate name is a wiring bug.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("registry: tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Menu returns the valid planner menu for the current state: registered
// tools that have not yet succeeded and whose prerequisites are met, in
// deterministic-sequence order.
func (r *Registry) Menu(st *State) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	done := st.SucceededTools()
	var menu []Tool
	for _, name := range DeterministicSequence {
		t, ok := r.tools[name]
		if !ok || done[name] || !t.Ready(st) {
			continue
		}
		menu = append(menu, t)
	}
	// Any tool outside the canonical sequence goes at the end.
	var extra []string
	for name := range r.tools {
		if !isSequenceTool(name) && !done[name] && r.tools[name].Ready(st) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		menu = append(menu, r.tools[name])
	}
	return menu
}

func isSequenceTool(name string) bool {
	for _, s := range DeterministicSequence {
		if s == name {
			return true
		}
	}
	return false
}
