package investigation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/audit"
	"github.com/cardsentry/cardsentry-ai/internal/config"
	"github.com/cardsentry/cardsentry-ai/internal/metrics"
	"github.com/cardsentry/cardsentry-ai/internal/models"
	"github.com/cardsentry/cardsentry-ai/internal/store"
)

// Executor runs one selected tool under its timeout and merges the result
// into state. Tool failures never abort the investigation; the planner sees
// the failed entry on the next iteration.
type Executor struct {
	registry *Registry
	store    store.Store
	audit    audit.Logger
	events   *Broker
	cfg      *config.Config
	logger   *zap.Logger
}

// NewExecutor creates the executor.
func NewExecutor(registry *Registry, st store.Store, auditLog audit.Logger, events *Broker, cfg *config.Config, logger *zap.Logger) *Executor {
	return &Executor{
		registry: registry,
		store:    st,
		audit:    auditLog,
		events:   events,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes one tool and records the outcome in state, the append-only
// execution log, the audit trail, and metrics. The returned entry reflects
// the final status; err is non-nil only for persistence failures.
func (e *Executor) Run(ctx context.Context, inv *models.Investigation, st *State, toolName string) (ToolExecutionEntry, error) {
	step := st.StepCount() + 1
	started := time.Now()

	e.events.Publish(Event{
		InvestigationID: inv.ID,
		Type:            EventStepStarted,
		Step:            step,
		ToolName:        toolName,
	})

	entry := ToolExecutionEntry{
		StepNumber:   step,
		ToolName:     toolName,
		InputSummary: fmt.Sprintf("transaction=%s step=%d", st.TransactionID, step),
	}

	tool, ok := e.registry.Get(toolName)
	if !ok {
		entry.Status = ToolStatusFailed
		entry.ErrorMessage = fmt.Sprintf("tool %q not registered", toolName)
	} else {
		tctx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout(toolName))
		result, err := tool.Run(tctx, st)
		cancel()

		switch {
		case err != nil && errors.Is(err, context.DeadlineExceeded):
			entry.Status = ToolStatusTimeout
			entry.ErrorMessage = fmt.Sprintf("timed out after %s", e.cfg.ToolTimeout(toolName))
		case err != nil:
			entry.Status = ToolStatusFailed
			entry.ErrorMessage = err.Error()
		default:
			entry.Status = result.Status
			if entry.Status == "" {
				entry.Status = ToolStatusOK
			}
			entry.OutputSummary = result.Summary
			e.merge(st, toolName, result)
		}
	}

	entry.ExecutionTimeMs = time.Since(started).Milliseconds()
	st.RecordExecution(entry)
	inv.StepCount = st.StepCount()

	e.observe(ctx, inv, entry, started)
	if err := e.store.RecordToolExecution(ctx, &store.ToolExecution{
		InvestigationID: inv.ID,
		Step:            entry.StepNumber,
		ToolName:        entry.ToolName,
		Status:          entry.Status,
		Summary:         entry.OutputSummary,
		Error:           entry.ErrorMessage,
		DurationMs:      entry.ExecutionTimeMs,
		StartedAt:       started.UTC(),
	}); err != nil {
		return entry, fmt.Errorf("executor: record tool execution: %w", err)
	}
	return entry, nil
}

// merge folds a successful tool result into working memory. Tool outputs
// live under a stable per-tool key; evidence lists are appended, never
// replaced.
func (e *Executor) merge(st *State, toolName string, result *ToolResult) {
	if result.Output != nil {
		if raw, err := json.Marshal(result.Output); err == nil {
			st.ToolOutputs[toolName] = raw
		} else {
			e.logger.Warn("tool output not serializable",
				zap.String("tool", toolName), zap.Error(err))
		}
	}
	st.AppendEvidence(result.Evidence)
	if result.Apply != nil {
		result.Apply(st)
	}
}

func (e *Executor) observe(ctx context.Context, inv *models.Investigation, entry ToolExecutionEntry, started time.Time) {
	e.logger.Info("tool execution finished",
		zap.String("investigation_id", inv.ID),
		zap.String("transaction_id", inv.TransactionID),
		zap.String("tool_name", entry.ToolName),
		zap.Int("step_number", entry.StepNumber),
		zap.String("tool_status", entry.Status),
		zap.String("model_mode", inv.ModelMode),
		zap.Int64("execution_time_ms", entry.ExecutionTimeMs),
	)
	metrics.ToolExecutionsTotal.WithLabelValues(entry.ToolName, entry.Status).Inc()
	metrics.StageDuration.WithLabelValues("tool", entry.ToolName).Observe(time.Since(started).Seconds())

	if err := e.audit.LogToolExecution(ctx, inv.ID, entry.ToolName, entry.Status, time.Since(started)); err != nil {
		e.logger.Warn("audit log write failed", zap.Error(err))
	}
	e.events.Publish(Event{
		InvestigationID: inv.ID,
		Type:            EventToolFinished,
		Step:            entry.StepNumber,
		ToolName:        entry.ToolName,
		ToolStatus:      entry.Status,
		Detail:          entry.OutputSummary,
	})
}
