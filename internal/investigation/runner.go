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

// Summary is the caller-facing result of a run.
type Summary struct {
	InvestigationID string                     `json:"investigation_id"`
	TransactionID   string                     `json:"transaction_id"`
	Status          models.InvestigationStatus `json:"status"`
	Severity        models.Severity            `json:"severity"`
	Confidence      float64                    `json:"confidence"`
	StepCount       int                        `json:"step_count"`
	DurationMs      int64                      `json:"duration_ms"`
	Partial         bool                       `json:"partial"`
}

// Runner is the run-lifecycle manager: it owns investigation creation,
// the planner/executor loop, resume, and failure, and is the only writer
// of the versioned state blob.
type Runner struct {
	store      store.Store
	planner    *Planner
	executor   *Executor
	completion *Completion
	events     *Broker
	audit      audit.Logger
	cfg        *config.Config
	logger     *zap.Logger
}

// NewRunner wires the lifecycle manager.
func NewRunner(st store.Store, planner *Planner, executor *Executor, completion *Completion, events *Broker, auditLog audit.Logger, cfg *config.Config, logger *zap.Logger) *Runner {
	return &Runner{
		store:      st,
		planner:    planner,
		executor:   executor,
		completion: completion,
		events:     events,
		audit:      auditLog,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start begins (or joins) an investigation for a transaction. If an active
// investigation already exists, its summary is returned instead of creating
// a second one. The loop runs synchronously; the returned summary reflects
// the terminal state.
func (r *Runner) Start(ctx context.Context, transactionID string, mode models.InvestigationMode, triggerRef string) (*Summary, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("runner: transaction id is required")
	}
	if mode == "" {
		mode = models.ModeFull
	}

	if existing, err := r.store.GetActiveInvestigation(ctx, transactionID); err == nil {
		return r.summarize(existing), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("runner: check active investigation: %w", err)
	}

	flags := r.cfg.Flags
	flagsJSON, _ := json.Marshal(flags)
	safeguardsJSON, _ := json.Marshal(map[string]any{
		"max_steps":            r.cfg.Investigation.MaxSteps,
		"tool_timeout_seconds": r.cfg.Investigation.ToolTimeoutSeconds,
		"run_deadline_seconds": int(r.cfg.RunDeadline().Seconds()),
	})

	inv := &models.Investigation{
		TransactionID: transactionID,
		Mode:          mode,
		Status:        models.StatusPending,
		Priority:      3,
		Severity:      models.SeverityLow,
		MaxSteps:      r.cfg.Investigation.MaxSteps,
		PlannerModel:  r.cfg.LLM.PlannerModel,
		TriggerRef:    triggerRef,
		ModelMode:     models.ModelModeDeterministic,
		LLMStatus:     models.LLMStatusSkipped,
		FlagsSnapshot: string(flagsJSON),
		Safeguards:    string(safeguardsJSON),
		StartedAt:     time.Now().UTC(),
	}
	if err := r.store.CreateInvestigation(ctx, inv); err != nil {
		if errors.Is(err, store.ErrActiveExists) {
			// Lost the uniqueness race; join the winner.
			if existing, gerr := r.store.GetActiveInvestigation(ctx, transactionID); gerr == nil {
				return r.summarize(existing), nil
			}
		}
		return nil, fmt.Errorf("runner: create investigation: %w", err)
	}

	st := NewState(transactionID, mode, flags)
	if err := r.saveState(ctx, inv.ID, st, 1); err != nil {
		return nil, fmt.Errorf("runner: persist initial state: %w", err)
	}

	inv.Status = models.StatusInProgress
	if err := r.store.UpdateInvestigation(ctx, inv); err != nil {
		return nil, fmt.Errorf("runner: mark in progress: %w", err)
	}
	if err := r.audit.LogInvestigationStarted(ctx, inv.ID, transactionID); err != nil {
		r.logger.Warn("audit log write failed", zap.Error(err))
	}

	return r.runLoop(ctx, inv, st, 1)
}

// Resume reloads a persisted state blob and re-enters the loop where it
// left off.
func (r *Runner) Resume(ctx context.Context, investigationID string) (*Summary, error) {
	inv, err := r.store.GetInvestigation(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	if inv.Status.Terminal() {
		return r.summarize(inv), nil
	}

	rec, err := r.store.GetState(ctx, investigationID)
	if err != nil {
		return nil, fmt.Errorf("runner: load state: %w", err)
	}
	st, err := UnmarshalState(rec.Blob)
	if err != nil {
		return nil, err
	}
	inv.StepCount = st.StepCount()

	if err := r.audit.Log(ctx, audit.NewEvent(audit.EventInvestigationResumed).
		WithCorrelationID(inv.ID).
		WithEntity("investigation", inv.ID).
		WithResult(audit.ResultPending).
		WithMetadata("version", rec.Version)); err != nil {
		r.logger.Warn("audit log write failed", zap.Error(err))
	}

	return r.runLoop(ctx, inv, st, rec.Version)
}

// RecoverInterrupted resumes investigations a previous process left PENDING
// or IN_PROGRESS. Runs whose state blob cannot be reloaded are failed out so
// they stop holding the per-transaction active slot. Returns the number of
// runs resumed.
func (r *Runner) RecoverInterrupted(ctx context.Context) int {
	invs, err := r.store.ListUnfinishedInvestigations(ctx)
	if err != nil {
		r.logger.Error("recovery sweep could not list unfinished investigations", zap.Error(err))
		return 0
	}

	resumed := 0
	for i := range invs {
		inv := &invs[i]
		summary, err := r.Resume(ctx, inv.ID)
		if err != nil {
			r.logger.Warn("interrupted investigation could not be resumed",
				zap.String("investigation_id", inv.ID),
				zap.String("transaction_id", inv.TransactionID),
				zap.Error(err))
			r.Fail(ctx, inv, nil, 0, fmt.Errorf("recovery: %w", err))
			continue
		}
		resumed++
		r.logger.Info("resumed interrupted investigation",
			zap.String("investigation_id", inv.ID),
			zap.String("status", string(summary.Status)))
	}
	return resumed
}

// Fail marks an investigation FAILED with an error summary and commits the
// last state snapshot.
func (r *Runner) Fail(ctx context.Context, inv *models.Investigation, st *State, version int, cause error) {
	inv.Status = models.StatusFailed
	inv.ErrorSummary = cause.Error()
	now := time.Now().UTC()
	inv.CompletedAt = &now
	inv.DurationMs = now.Sub(inv.StartedAt).Milliseconds()

	if st != nil {
		if err := r.saveState(ctx, inv.ID, st, version+1); err != nil && !errors.Is(err, store.ErrStaleVersion) {
			r.logger.Error("failed to persist final state snapshot", zap.Error(err))
		}
	}
	if err := r.store.UpdateInvestigation(ctx, inv); err != nil {
		r.logger.Error("failed to mark investigation failed",
			zap.String("investigation_id", inv.ID), zap.Error(err))
	}
	metrics.InvestigationsTotal.WithLabelValues(string(inv.Mode), string(inv.Status)).Inc()
	if err := r.audit.LogInvestigationFailed(ctx, inv.ID, cause); err != nil {
		r.logger.Warn("audit log write failed", zap.Error(err))
	}
	r.events.Publish(Event{InvestigationID: inv.ID, Type: EventFailed, Detail: inv.ErrorSummary})
	r.events.CloseTopic(inv.ID)
}

// runLoop is the sequential planner -> executor -> persist loop, bounded by
// the run deadline. A deadline overrun drives a forced completion; the run
// fails outright only when no insight can be materialized.
func (r *Runner) runLoop(ctx context.Context, inv *models.Investigation, st *State, version int) (*Summary, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunDeadline())
	defer cancel()

	for {
		if runCtx.Err() != nil {
			inv.Partial = true
			break
		}

		decision := r.planner.NextAction(runCtx, st)
		// Checkpoint the decision before any external call the tool makes.
		version++
		if err := r.saveState(ctx, inv.ID, st, version); err != nil {
			r.Fail(ctx, inv, nil, version, fmt.Errorf("persist planner decision: %w", err))
			return r.summarize(inv), nil
		}
		if decision.SelectedTool == ActionComplete {
			break
		}

		if _, err := r.executor.Run(runCtx, inv, st, decision.SelectedTool); err != nil {
			r.logger.Error("tool execution bookkeeping failed", zap.Error(err))
		}

		version++
		if err := r.saveState(ctx, inv.ID, st, version); err != nil {
			r.Fail(ctx, inv, nil, version, fmt.Errorf("persist step state: %w", err))
			return r.summarize(inv), nil
		}
		if err := r.store.UpdateInvestigation(ctx, inv); err != nil {
			r.logger.Warn("investigation row update failed", zap.Error(err))
		}
	}

	if err := r.completion.Finalize(ctx, inv, st); err != nil {
		r.Fail(ctx, inv, st, version, err)
		return r.summarize(inv), nil
	}
	if inv.Partial {
		inv.Status = models.StatusCompleted
		if err := r.store.UpdateInvestigation(ctx, inv); err != nil {
			r.logger.Warn("partial flag update failed", zap.Error(err))
		}
	}
	r.events.CloseTopic(inv.ID)
	return r.summarize(inv), nil
}

func (r *Runner) saveState(ctx context.Context, investigationID string, st *State, version int) error {
	blob, err := st.Marshal()
	if err != nil {
		return err
	}
	rec := &store.StateRecord{
		InvestigationID: investigationID,
		Version:         version,
		SchemaVersion:   StateSchemaVersion,
		Blob:            blob,
	}
	_, err = withRetry(ctx, "save_state", func() (struct{}, error) {
		return struct{}{}, r.store.SaveState(ctx, rec)
	})
	return err
}

func (r *Runner) summarize(inv *models.Investigation) *Summary {
	return &Summary{
		InvestigationID: inv.ID,
		TransactionID:   inv.TransactionID,
		Status:          inv.Status,
		Severity:        inv.Severity,
		Confidence:      inv.Confidence,
		StepCount:       inv.StepCount,
		DurationMs:      inv.DurationMs,
		Partial:         inv.Partial,
	}
}
