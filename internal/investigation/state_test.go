package investigation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardsentry/cardsentry-ai/internal/models"
)

func TestStateMarshalRoundTrip(t *testing.T) {
	st := testState()
	st.AppendEvidence([]models.EvidenceItem{
		evidenceItem(models.EvidencePattern, models.CategoryVelocityBurst, 0.9),
	})
	st.RecordDecision(PlannerDecision{StepNumber: 1, SelectedTool: ToolContext, Path: "fallback"})
	st.RecordExecution(ToolExecutionEntry{StepNumber: 1, ToolName: ToolContext, Status: ToolStatusOK})
	st.PlannerFallback = true

	blob, err := st.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalState(blob)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", got.TransactionID)
	assert.Equal(t, 1, got.StepCount())
	assert.Len(t, got.Evidence, 1)
	assert.True(t, got.PlannerFallback)
	assert.NotNil(t, got.ToolOutputs, "tool outputs map survives rehydration")
}

func TestUnmarshalStateRejectsUnknownSchemaVersion(t *testing.T) {
	_, err := UnmarshalState([]byte(`{"schema_version": 99}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")

	_, err = UnmarshalState([]byte(`not json`))
	assert.Error(t, err)
}

func TestRecordDecisionDedupsByStep(t *testing.T) {
	st := testState()
	d := PlannerDecision{StepNumber: 1, SelectedTool: ToolContext}
	st.RecordDecision(d)
	st.RecordDecision(d) // resume replaying the same step
	assert.Len(t, st.PlannerDecisions, 1)

	st.RecordDecision(PlannerDecision{StepNumber: 2, SelectedTool: ToolPattern})
	assert.Len(t, st.PlannerDecisions, 2)
}

func TestRecordExecutionDedupsByStep(t *testing.T) {
	st := testState()
	st.RecordExecution(ToolExecutionEntry{StepNumber: 1, ToolName: ToolContext, Status: ToolStatusOK})
	st.RecordExecution(ToolExecutionEntry{StepNumber: 1, ToolName: ToolContext, Status: ToolStatusFailed})
	require.Equal(t, 1, st.StepCount())
	assert.Equal(t, ToolStatusOK, st.ToolExecutions[0].Status, "first record for a step wins")
}

func TestAppendEvidenceAssignsStableIDs(t *testing.T) {
	st := testState()
	st.AppendEvidence([]models.EvidenceItem{
		evidenceItem(models.EvidencePattern, models.CategoryVelocityBurst, 0.9),
		evidenceItem(models.EvidencePattern, models.CategoryAmountOutlier, 0.7),
	})
	require.Len(t, st.Evidence, 2)
	assert.Equal(t, "ev-velocity_burst-001", st.Evidence[0].ID)
	assert.Equal(t, "ev-amount_outlier-002", st.Evidence[1].ID)

	// Pre-assigned ids are preserved.
	st.AppendEvidence([]models.EvidenceItem{{ID: "ev-custom", Category: "x"}})
	assert.Equal(t, "ev-custom", st.Evidence[2].ID)
}

func TestSucceededToolsCountsFallbackAsSuccess(t *testing.T) {
	st := testState()
	st.RecordExecution(ToolExecutionEntry{StepNumber: 1, ToolName: ToolContext, Status: ToolStatusOK})
	st.RecordExecution(ToolExecutionEntry{StepNumber: 2, ToolName: ToolSimilarity, Status: ToolStatusFallback})
	st.RecordExecution(ToolExecutionEntry{StepNumber: 3, ToolName: ToolReasoning, Status: ToolStatusFailed})
	st.RecordExecution(ToolExecutionEntry{StepNumber: 4, ToolName: ToolPattern, Status: ToolStatusTimeout})

	done := st.SucceededTools()
	assert.True(t, done[ToolContext])
	assert.True(t, done[ToolSimilarity], "a degraded path still delivered its contract output")
	assert.False(t, done[ToolReasoning])
	assert.False(t, done[ToolPattern])
}

func TestLastSelectedToolSkipsComplete(t *testing.T) {
	st := testState()
	assert.Empty(t, st.LastSelectedTool())

	st.RecordDecision(PlannerDecision{StepNumber: 1, SelectedTool: ToolContext})
	st.RecordDecision(PlannerDecision{StepNumber: 2, SelectedTool: ActionComplete})
	assert.Equal(t, ToolContext, st.LastSelectedTool())
}

func TestEvidencePartition(t *testing.T) {
	st := testState()
	st.AppendEvidence([]models.EvidenceItem{
		evidenceItem(models.EvidencePattern, models.CategoryVelocityBurst, 0.9),
		evidenceItem(models.EvidenceCounter, models.CategoryCounterEvidence, 0.4),
	})
	assert.Len(t, st.SupportingEvidence(), 1)
	assert.Len(t, st.CounterEvidence(), 1)
}
