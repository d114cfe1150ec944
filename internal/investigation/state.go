package investigation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// StateSchemaVersion is the current serialization schema of the state blob.
// Older persisted versions are migrated on read.
const StateSchemaVersion = 1

// PlannerDecision is one recorded planner step.
type PlannerDecision struct {
	StepNumber   int       `json:"step_number"`
	SelectedTool string    `json:"selected_tool"` // tool name or COMPLETE
	Rationale    string    `json:"rationale"`
	Path         string    `json:"path"` // llm | fallback
	Timestamp    time.Time `json:"ts"`
}

// ToolExecutionEntry is one recorded tool run inside the state blob. The
// durable copy lives in the tool_executions table; this copy is what the
// planner reasons over.
type ToolExecutionEntry struct {
	StepNumber      int    `json:"step_number"`
	ToolName        string `json:"tool_name"`
	Status          string `json:"status"`
	InputSummary    string `json:"input_summary,omitempty"`
	OutputSummary   string `json:"output_summary,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// State is the working memory of one investigation loop. It is persisted as
// an opaque versioned blob after every step and rehydrated on resume.
type State struct {
	SchemaVersion int    `json:"schema_version"`
	TransactionID string `json:"transaction_id"`
	Mode          string `json:"mode"`

	Features    *models.Features           `json:"features,omitempty"`
	ToolOutputs map[string]json.RawMessage `json:"tool_outputs,omitempty"`
	Evidence    []models.EvidenceItem      `json:"evidence,omitempty"`

	PlannerDecisions []PlannerDecision    `json:"planner_decisions,omitempty"`
	ToolExecutions   []ToolExecutionEntry `json:"tool_executions,omitempty"`

	ReasoningResult          *models.ReasoningResult          `json:"reasoning_result,omitempty"`
	RecommendationCandidates []models.RecommendationCandidate `json:"recommendation_candidates,omitempty"`
	RuleDraftCandidate       *models.RuleDraft                `json:"rule_draft_candidate,omitempty"`

	Flags models.FeatureFlags `json:"feature_flags"`

	// Similarity stage bookkeeping for the evidence-gap invariant.
	VectorStageExecuted bool `json:"vector_stage_executed"`
	VectorMatchCount    int  `json:"vector_match_count"`

	// PlannerInvalidStreak counts consecutive invalid LLM planner replies;
	// two in a row switch the run to the deterministic sequence.
	PlannerInvalidStreak int  `json:"planner_invalid_streak"`
	PlannerFallback      bool `json:"planner_fallback"`
}

// NewState initializes working memory for a fresh investigation.
func NewState(transactionID string, mode models.InvestigationMode, flags models.FeatureFlags) *State {
	return &State{
		SchemaVersion: StateSchemaVersion,
		TransactionID: transactionID,
		Mode:          string(mode),
		ToolOutputs:   map[string]json.RawMessage{},
		Flags:         flags,
	}
}

// Marshal serializes the state blob.
func (s *State) Marshal() ([]byte, error) {
	s.SchemaVersion = StateSchemaVersion
	return json.Marshal(s)
}

// UnmarshalState rehydrates a state blob, migrating older schema versions.
func UnmarshalState(blob []byte) (*State, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(blob, &probe); err != nil {
		return nil, fmt.Errorf("investigation: decode state: %w", err)
	}

	migrate, ok := stateMigrations[probe.SchemaVersion]
	if !ok {
		return nil, fmt.Errorf("investigation: unsupported state schema version %d", probe.SchemaVersion)
	}
	return migrate(blob)
}

// stateMigrations maps a persisted schema version to its reader. New schema
// versions add an entry; old entries are kept so in-flight investigations
// survive an upgrade.
var stateMigrations = map[int]func([]byte) (*State, error){
	StateSchemaVersion: func(blob []byte) (*State, error) {
		var st State
		if err := json.Unmarshal(blob, &st); err != nil {
			return nil, fmt.Errorf("investigation: decode state v%d: %w", StateSchemaVersion, err)
		}
		if st.ToolOutputs == nil {
			st.ToolOutputs = map[string]json.RawMessage{}
		}
		return &st, nil
	},
}

// StepCount returns the number of executed steps.
func (s *State) StepCount() int {
	return len(s.ToolExecutions)
}

// SucceededTools returns the set of tools that finished with OK or FALLBACK
// status. FALLBACK counts as success: the tool delivered its contract output
// through its degraded path.
func (s *State) SucceededTools() map[string]bool {
	out := map[string]bool{}
	for _, e := range s.ToolExecutions {
		if e.Status == ToolStatusOK || e.Status == ToolStatusFallback {
			out[e.ToolName] = true
		}
	}
	return out
}

// LastSelectedTool returns the most recent non-COMPLETE planner selection.
func (s *State) LastSelectedTool() string {
	for i := len(s.PlannerDecisions) - 1; i >= 0; i-- {
		if s.PlannerDecisions[i].SelectedTool != ActionComplete {
			return s.PlannerDecisions[i].SelectedTool
		}
	}
	return ""
}

// RecordDecision appends a planner decision. Decisions are deduplicated by
// step number so a resume replaying the last step does not double-record.
func (s *State) RecordDecision(d PlannerDecision) {
	for _, existing := range s.PlannerDecisions {
		if existing.StepNumber == d.StepNumber && existing.SelectedTool == d.SelectedTool {
			return
		}
	}
	s.PlannerDecisions = append(s.PlannerDecisions, d)
}

// RecordExecution appends a tool execution entry, deduplicated by step
// number for crash-resume replays.
func (s *State) RecordExecution(e ToolExecutionEntry) {
	for _, existing := range s.ToolExecutions {
		if existing.StepNumber == e.StepNumber {
			return
		}
	}
	s.ToolExecutions = append(s.ToolExecutions, e)
}

// AppendEvidence adds items to the accumulated evidence list. Evidence is
// only ever appended, never replaced; items get stable ids on insertion.
func (s *State) AppendEvidence(items []models.EvidenceItem) {
	for _, item := range items {
		if item.ID == "" {
			item.ID = fmt.Sprintf("ev-%s-%03d", item.Category, len(s.Evidence)+1)
		}
		s.Evidence = append(s.Evidence, item)
	}
}

// SupportingEvidence returns evidence that argues for fraud (everything but
// counter-evidence).
func (s *State) SupportingEvidence() []models.EvidenceItem {
	var out []models.EvidenceItem
	for _, e := range s.Evidence {
		if e.Kind != models.EvidenceCounter {
			out = append(out, e)
		}
	}
	return out
}

// CounterEvidence returns the evidence that argues against fraud.
func (s *State) CounterEvidence() []models.EvidenceItem {
	var out []models.EvidenceItem
	for _, e := range s.Evidence {
		if e.Kind == models.EvidenceCounter {
			out = append(out, e)
		}
	}
	return out
}
