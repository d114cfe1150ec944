package investigation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardsentry/cardsentry-ai/internal/config"
	"github.com/cardsentry/cardsentry-ai/internal/models"
	"github.com/cardsentry/cardsentry-ai/internal/store"
)

var txTimestamp = time.Date(2026, 7, 1, 14, 30, 0, 0, time.UTC)

// contextStub assembles a minimal feature set, the prerequisite for
// everything downstream.
func contextStub() *stubTool {
	return &stubTool{
		name: ToolContext,
		run: func(_ context.Context, st *State) (*ToolResult, error) {
			return &ToolResult{
				Status:  ToolStatusOK,
				Summary: "features assembled",
				Apply: func(st *State) {
					st.Features = &models.Features{
						TransactionID: st.TransactionID,
						Amount:        42,
						Currency:      "EUR",
						Decision:      "approved",
						CardID:        "card-1",
						MerchantID:    "merch-1",
						Timestamp:     txTimestamp,
					}
				},
			}, nil
		},
	}
}

func patternStub(items ...models.EvidenceItem) *stubTool {
	return &stubTool{
		name:  ToolPattern,
		ready: func(st *State) bool { return st.Features != nil },
		run: func(_ context.Context, st *State) (*ToolResult, error) {
			return &ToolResult{Status: ToolStatusOK, Summary: "patterns scored", Evidence: items}, nil
		},
	}
}

func newRunnerHarness(t *testing.T, registry *Registry, flags models.FeatureFlags) (*Runner, store.Store) {
	t.Helper()
	backend, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	cfg := config.DefaultConfig()
	cfg.Flags = flags

	llm := &stubAdapter{configured: false}
	planner := NewPlanner(registry, llm, cfg.LLM.PlannerModel, cfg.Investigation.MaxSteps, testLogger)
	events := NewBroker()
	executor := NewExecutor(registry, backend, nopAudit{}, events, cfg, testLogger)
	completion := NewCompletion(backend, nopAudit{}, events, testLogger)
	return NewRunner(backend, planner, executor, completion, events, nopAudit{}, cfg, testLogger), backend
}

func TestRunnerFullDeterministicRun(t *testing.T) {
	registry := newTestRegistry(
		contextStub(),
		patternStub(evidenceItem(models.EvidencePattern, models.CategoryVelocityBurst, 0.8)),
	)
	runner, backend := newRunnerHarness(t, registry, models.FeatureFlags{})
	ctx := context.Background()

	summary, err := runner.Start(ctx, "tx-1", models.ModeFull, "manual")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, summary.Status)
	assert.Equal(t, models.SeverityHigh, summary.Severity)
	assert.Equal(t, 2, summary.StepCount)
	assert.False(t, summary.Partial)

	inv, err := backend.GetInvestigation(ctx, summary.InvestigationID)
	require.NoError(t, err)
	assert.Equal(t, models.LLMStatusDisabled, inv.LLMStatus)
	assert.Equal(t, models.ModelModeDeterministic, inv.ModelMode)
	require.NotNil(t, inv.CompletedAt)

	insight, err := backend.GetInsightByInvestigation(ctx, summary.InvestigationID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, insight.Severity)
	assert.NotEmpty(t, insight.IdempotencyKey)
	assert.Equal(t, txTimestamp, insight.TransactionTimestamp.UTC())

	evidence, err := backend.ListEvidence(ctx, insight.ID)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, models.CategoryVelocityBurst, evidence[0].Category)

	executions, err := backend.ListToolExecutions(ctx, summary.InvestigationID)
	require.NoError(t, err)
	assert.Len(t, executions, 2)

	state, err := backend.GetState(ctx, summary.InvestigationID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, state.Version, 5, "every planner decision and step is checkpointed")
}

func TestRunnerJoinsActiveInvestigation(t *testing.T) {
	registry := newTestRegistry(contextStub())
	runner, backend := newRunnerHarness(t, registry, models.FeatureFlags{})
	ctx := context.Background()

	existing := &models.Investigation{
		TransactionID: "tx-1",
		Mode:          models.ModeFull,
		Status:        models.StatusInProgress,
		Severity:      models.SeverityLow,
		MaxSteps:      20,
		ModelMode:     models.ModelModeDeterministic,
		LLMStatus:     models.LLMStatusSkipped,
		FlagsSnapshot: "{}",
		Safeguards:    "{}",
		StartedAt:     time.Now().UTC(),
	}
	require.NoError(t, backend.CreateInvestigation(ctx, existing))

	summary, err := runner.Start(ctx, "tx-1", models.ModeFull, "manual")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, summary.InvestigationID, "a second start joins the active run")
	assert.Equal(t, models.StatusInProgress, summary.Status)
}

func TestRecoverInterruptedResumesInProgressRun(t *testing.T) {
	registry := newTestRegistry(
		contextStub(),
		patternStub(evidenceItem(models.EvidencePattern, models.CategoryVelocityBurst, 0.8)),
	)
	runner, backend := newRunnerHarness(t, registry, models.FeatureFlags{})
	ctx := context.Background()

	// An in-progress row with its v1 state blob, as left by a crashed process.
	inv := &models.Investigation{
		TransactionID: "tx-1",
		Mode:          models.ModeFull,
		Status:        models.StatusInProgress,
		Severity:      models.SeverityLow,
		MaxSteps:      20,
		ModelMode:     models.ModelModeDeterministic,
		LLMStatus:     models.LLMStatusSkipped,
		FlagsSnapshot: "{}",
		Safeguards:    "{}",
		StartedAt:     time.Now().UTC(),
	}
	require.NoError(t, backend.CreateInvestigation(ctx, inv))
	st := NewState("tx-1", models.ModeFull, models.FeatureFlags{})
	blob, err := st.Marshal()
	require.NoError(t, err)
	require.NoError(t, backend.SaveState(ctx, &store.StateRecord{
		InvestigationID: inv.ID, Version: 1, SchemaVersion: StateSchemaVersion, Blob: blob,
	}))

	assert.Equal(t, 1, runner.RecoverInterrupted(ctx))

	got, err := backend.GetInvestigation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.StepCount, "the resumed run walks the remaining tools")
}

func TestRecoverInterruptedFailsRunWithoutState(t *testing.T) {
	runner, backend := newRunnerHarness(t, newTestRegistry(contextStub()), models.FeatureFlags{})
	ctx := context.Background()

	inv := &models.Investigation{
		TransactionID: "tx-1",
		Mode:          models.ModeFull,
		Status:        models.StatusInProgress,
		Severity:      models.SeverityLow,
		MaxSteps:      20,
		ModelMode:     models.ModelModeDeterministic,
		LLMStatus:     models.LLMStatusSkipped,
		FlagsSnapshot: "{}",
		Safeguards:    "{}",
		StartedAt:     time.Now().UTC(),
	}
	require.NoError(t, backend.CreateInvestigation(ctx, inv))

	assert.Equal(t, 0, runner.RecoverInterrupted(ctx))

	got, err := backend.GetInvestigation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status, "an unresumable run must release the active slot")
	assert.NotEmpty(t, got.ErrorSummary)
}

func TestRunnerRequiresTransactionID(t *testing.T) {
	registry := newTestRegistry(contextStub())
	runner, _ := newRunnerHarness(t, registry, models.FeatureFlags{})
	_, err := runner.Start(context.Background(), "", models.ModeFull, "")
	assert.Error(t, err)
}

func TestRunnerFailsWhenNoFeaturesAssembled(t *testing.T) {
	// No tools registered: the loop completes immediately and the
	// completion node cannot materialize an insight.
	runner, backend := newRunnerHarness(t, NewRegistry(), models.FeatureFlags{})
	ctx := context.Background()

	summary, err := runner.Start(ctx, "tx-1", models.ModeFull, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, summary.Status)

	inv, err := backend.GetInvestigation(ctx, summary.InvestigationID)
	require.NoError(t, err)
	assert.NotEmpty(t, inv.ErrorSummary)
	require.NotNil(t, inv.CompletedAt)
}

func TestCompletionInsertsEvidenceGapMarker(t *testing.T) {
	similarity := &stubTool{
		name:  ToolSimilarity,
		ready: func(st *State) bool { return st.Features != nil },
		run: func(_ context.Context, st *State) (*ToolResult, error) {
			return &ToolResult{
				Status:  ToolStatusOK,
				Summary: "no matches",
				Apply: func(st *State) {
					st.VectorStageExecuted = true
					st.VectorMatchCount = 0
				},
			}, nil
		},
	}
	registry := newTestRegistry(contextStub(), similarity)
	runner, backend := newRunnerHarness(t, registry, models.FeatureFlags{VectorEnabled: true})
	ctx := context.Background()

	summary, err := runner.Start(ctx, "tx-1", models.ModeFull, "")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, summary.Status)

	insight, err := backend.GetInsightByInvestigation(ctx, summary.InvestigationID)
	require.NoError(t, err)
	evidence, err := backend.ListEvidence(ctx, insight.ID)
	require.NoError(t, err)

	found := false
	for _, e := range evidence {
		if e.Category == models.CategoryNoCloseMatch {
			found = true
		}
	}
	assert.True(t, found, "an executed vector stage with zero matches must leave a gap marker")
}

func TestCompletionCounterDominanceCapsSeverity(t *testing.T) {
	registry := newTestRegistry(
		contextStub(),
		patternStub(
			evidenceItem(models.EvidencePattern, models.CategoryVelocityBurst, 0.8),
			evidenceItem(models.EvidenceCounter, models.CategoryCounterEvidence, 0.6),
			evidenceItem(models.EvidenceCounter, models.CategoryCounterEvidence, 0.6),
		),
	)
	runner, _ := newRunnerHarness(t, registry, models.FeatureFlags{})

	summary, err := runner.Start(context.Background(), "tx-1", models.ModeFull, "")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityLow, summary.Severity,
		"counter evidence outweighing support bounds the final call")
}

func TestCompletionPersistsRecommendations(t *testing.T) {
	recommend := &stubTool{
		name:  ToolRecommendation,
		ready: func(st *State) bool { return st.Features != nil },
		run: func(_ context.Context, st *State) (*ToolResult, error) {
			return &ToolResult{
				Status:  ToolStatusOK,
				Summary: "1 candidate",
				Apply: func(st *State) {
					st.RecommendationCandidates = []models.RecommendationCandidate{{
						Type:     models.RecReviewPriority,
						Priority: 2,
						Title:    "Review transaction tx-1",
						Impact:   "analyst review",
						Payload:  map[string]any{"transaction_id": "tx-1"},
					}}
				},
			}, nil
		},
	}
	registry := newTestRegistry(contextStub(), recommend)
	runner, backend := newRunnerHarness(t, registry, models.FeatureFlags{})
	ctx := context.Background()

	summary, err := runner.Start(ctx, "tx-1", models.ModeFull, "")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, summary.Status)

	insight, err := backend.GetInsightByInvestigation(ctx, summary.InvestigationID)
	require.NoError(t, err)
	recs, err := backend.ListRecommendationsByInsight(ctx, insight.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.RecStatusOpen, recs[0].Status)
	assert.NotEmpty(t, recs[0].IdempotencyKey)
}
