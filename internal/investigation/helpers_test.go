package investigation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/audit"
	"github.com/cardsentry/cardsentry-ai/internal/llm/types"
	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// stubAdapter replays scripted planner completions.
type stubAdapter struct {
	configured bool
	replies    []string
	calls      int
}

func (a *stubAdapter) Complete(_ context.Context, _ types.CompletionRequest) (*types.Completion, error) {
	if a.calls >= len(a.replies) {
		return nil, types.ErrUnavailable
	}
	content := a.replies[a.calls]
	a.calls++
	return &types.Completion{Content: content, Model: "stub"}, nil
}

func (a *stubAdapter) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, types.ErrNotConfigured
}

func (a *stubAdapter) Configured() bool { return a.configured }

// nopAudit satisfies the audit contract without writing anywhere.
type nopAudit struct{}

func (nopAudit) Log(context.Context, *audit.Event) error { return nil }
func (nopAudit) LogInvestigationStarted(context.Context, string, string) error {
	return nil
}
func (nopAudit) LogInvestigationCompleted(context.Context, string, time.Duration) error {
	return nil
}
func (nopAudit) LogInvestigationFailed(context.Context, string, error) error { return nil }
func (nopAudit) LogToolExecution(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (nopAudit) Sync() error  { return nil }
func (nopAudit) Close() error { return nil }

// stubTool is a registry entry with scripted readiness and output.
type stubTool struct {
	name  string
	ready func(*State) bool
	run   func(ctx context.Context, st *State) (*ToolResult, error)
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub " + t.name }

func (t *stubTool) Ready(st *State) bool {
	if t.ready == nil {
		return true
	}
	return t.ready(st)
}

func (t *stubTool) Run(ctx context.Context, st *State) (*ToolResult, error) {
	if t.run == nil {
		return &ToolResult{Status: ToolStatusOK, Summary: t.name + " done"}, nil
	}
	return t.run(ctx, st)
}

func alwaysOK(name string) *stubTool {
	return &stubTool{name: name}
}

func newTestRegistry(tools ...Tool) *Registry {
	r := NewRegistry()
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

func testState() *State {
	return NewState("tx-1", models.ModeFull, models.FeatureFlags{})
}

func evidenceItem(kind models.EvidenceKind, category string, strength float64) models.EvidenceItem {
	return models.EvidenceItem{
		Kind:      kind,
		Category:  category,
		Strength:  strength,
		Timestamp: time.Now().UTC(),
	}
}

var testLogger = zap.NewNop()
