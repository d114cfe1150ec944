package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/audit"
	"github.com/cardsentry/cardsentry-ai/internal/metrics"
	"github.com/cardsentry/cardsentry-ai/internal/models"
	"github.com/cardsentry/cardsentry-ai/internal/store"
)

// Completion finalizes a run: it materializes the insight, evidence,
// recommendations, and rule draft, marks the investigation terminal, and
// emits audit events. It is the only component that writes domain tables.
type Completion struct {
	store  store.Store
	audit  audit.Logger
	events *Broker
	logger *zap.Logger
}

// NewCompletion creates the completion node.
func NewCompletion(st store.Store, auditLog audit.Logger, events *Broker, logger *zap.Logger) *Completion {
	return &Completion{store: st, audit: auditLog, events: events, logger: logger}
}

// Finalize runs once at the end of the loop. Persistence retries once on
// transient failure; a second failure is the caller's signal to mark the
// investigation FAILED.
func (c *Completion) Finalize(ctx context.Context, inv *models.Investigation, st *State) error {
	if st.Features == nil {
		return fmt.Errorf("completion: no features assembled, cannot materialize insight")
	}

	c.ensureGapMarker(st)

	severity, confidence := c.finalAssessment(st)
	summary := c.summaryText(st, severity)

	modelMode := models.ModelModeDeterministic
	if st.Flags.ReasoningLLMEnabled {
		modelMode = models.ModelModeAgentic
	}

	insight := &models.Insight{
		InvestigationID:      inv.ID,
		TransactionID:        st.TransactionID,
		EvaluationType:       models.EvaluationFraudInvestigation,
		InsightType:          models.InsightTransactionAnalysis,
		ModelMode:            modelMode,
		TransactionTimestamp: st.Features.Timestamp,
		Severity:             severity,
		Summary:              summary,
		Confidence:           confidence,
		GeneratedAt:          time.Now().UTC(),
	}
	insight.IdempotencyKey = models.InsightIdempotencyKey(
		insight.TransactionID, insight.EvaluationType,
		insight.TransactionTimestamp, insight.InsightType, insight.ModelMode)

	persisted, err := withRetry(ctx, "upsert_insight", func() (*models.Insight, error) {
		return c.store.UpsertInsight(ctx, insight)
	})
	if err != nil {
		return fmt.Errorf("completion: persist insight: %w", err)
	}

	if err := c.persistEvidence(ctx, inv, persisted.ID, st); err != nil {
		return err
	}
	if err := c.persistRecommendations(ctx, inv, persisted.ID, st); err != nil {
		return err
	}

	inv.Status = models.StatusCompleted
	inv.Severity = severity
	inv.Confidence = confidence
	inv.ModelMode = modelMode
	if st.ReasoningResult != nil {
		inv.LLMStatus = st.ReasoningResult.LLMStatus
		inv.LLMError = st.ReasoningResult.LLMError
		inv.LLMModel = st.ReasoningResult.LLMModel
	} else if !st.Flags.ReasoningLLMEnabled {
		inv.LLMStatus = models.LLMStatusDisabled
	} else {
		inv.LLMStatus = models.LLMStatusSkipped
	}
	now := time.Now().UTC()
	inv.CompletedAt = &now
	inv.DurationMs = now.Sub(inv.StartedAt).Milliseconds()

	if _, err := withRetry(ctx, "complete_investigation", func() (struct{}, error) {
		return struct{}{}, c.store.UpdateInvestigation(ctx, inv)
	}); err != nil {
		return fmt.Errorf("completion: mark completed: %w", err)
	}

	metrics.InvestigationsTotal.WithLabelValues(string(inv.Mode), string(inv.Status)).Inc()
	metrics.InvestigationDuration.WithLabelValues(string(inv.Mode)).Observe(float64(inv.DurationMs) / 1000)

	c.auditEvent(ctx, audit.NewEvent(audit.EventInsightUpserted).
		WithCorrelationID(inv.ID).
		WithEntity("insight", persisted.ID).
		WithResult(audit.ResultSuccess).
		WithMetadata("severity", string(severity)).
		WithMetadata("idempotency_key", insight.IdempotencyKey))
	if err := c.audit.LogInvestigationCompleted(ctx, inv.ID, time.Duration(inv.DurationMs)*time.Millisecond); err != nil {
		c.logger.Warn("audit log write failed", zap.Error(err))
	}

	c.events.Publish(Event{
		InvestigationID: inv.ID,
		Type:            EventCompleted,
		Detail:          string(severity),
	})
	return nil
}

// ensureGapMarker appends the "no close matches" evidence-gap marker when
// the vector stage ran with embeddings enabled and found nothing.
func (c *Completion) ensureGapMarker(st *State) {
	if !(st.Flags.VectorEnabled && st.VectorStageExecuted && st.VectorMatchCount == 0) {
		return
	}
	for _, e := range st.Evidence {
		if e.Category == models.CategoryNoCloseMatch {
			return
		}
	}
	st.AppendEvidence([]models.EvidenceItem{{
		Kind:        models.EvidenceContext,
		Category:    models.CategoryNoCloseMatch,
		Strength:    0,
		Description: "vector search executed with no matches above the similarity floor",
		Timestamp:   time.Now().UTC(),
	}})
}

// finalAssessment picks the dominant severity: the max of the reasoning
// severity and the evidence-derived severity, bounded downward when
// counter-evidence outweighs support.
func (c *Completion) finalAssessment(st *State) (models.Severity, float64) {
	severity := SeverityFromEvidence(st.Evidence)
	confidence := 0.5
	if st.ReasoningResult != nil {
		severity = models.MaxSeverity(severity, st.ReasoningResult.Severity)
		confidence = st.ReasoningResult.Confidence
	}
	support, counter := EvidenceBalance(st.Evidence)
	if counter > support {
		severity = models.SeverityLow
	}
	return severity, confidence
}

func (c *Completion) summaryText(st *State, severity models.Severity) string {
	if st.ReasoningResult != nil && st.ReasoningResult.Narrative != "" {
		n := st.ReasoningResult.Narrative
		if len(n) > 2000 {
			n = n[:2000]
		}
		return n
	}
	items := make([]models.EvidenceItem, len(st.Evidence))
	copy(items, st.Evidence)
	models.SortEvidence(items)
	var parts []string
	for i, e := range items {
		if i >= 3 || e.Strength <= 0 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s (%.2f)", e.Category, e.Strength))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("No significant fraud signals for transaction %s; severity %s.", st.TransactionID, severity)
	}
	return fmt.Sprintf("Severity %s driven by: %s.", severity, strings.Join(parts, ", "))
}

func (c *Completion) persistEvidence(ctx context.Context, inv *models.Investigation, insightID string, st *State) error {
	items := make([]models.EvidenceItem, len(st.Evidence))
	copy(items, st.Evidence)
	models.SortEvidence(items)

	records := make([]store.EvidenceRecord, 0, len(items))
	for _, e := range items {
		related, _ := json.Marshal(e.RelatedTransactionIDs)
		supporting, _ := json.Marshal(e.SupportingData)
		if e.SupportingData == nil {
			supporting = []byte("{}")
		}
		if e.RelatedTransactionIDs == nil {
			related = []byte("[]")
		}
		weight := e.FreshnessWeight
		if weight <= 0 || weight > 1 {
			weight = 1
		}
		records = append(records, store.EvidenceRecord{
			ID:              e.ID,
			InvestigationID: inv.ID,
			Kind:            string(e.Kind),
			Category:        e.Category,
			Strength:        e.Strength,
			FreshnessWeight: weight,
			Description:     e.Description,
			RelatedTxnIDs:   string(related),
			SupportingData:  string(supporting),
			Timestamp:       e.Timestamp,
		})
	}

	if _, err := withRetry(ctx, "replace_evidence", func() (struct{}, error) {
		return struct{}{}, c.store.ReplaceEvidence(ctx, insightID, records)
	}); err != nil {
		return fmt.Errorf("completion: persist evidence: %w", err)
	}
	return nil
}

func (c *Completion) persistRecommendations(ctx context.Context, inv *models.Investigation, insightID string, st *State) error {
	for _, cand := range st.RecommendationCandidates {
		payload, _ := json.Marshal(cand.Payload)
		if cand.Payload == nil {
			payload = []byte("{}")
		}
		signature := cand.SignatureHash
		if signature == "" {
			signature = cand.ComputeSignature()
		}
		rec := &models.Recommendation{
			InsightID:      insightID,
			Type:           cand.Type,
			Priority:       cand.Priority,
			Title:          cand.Title,
			Impact:         cand.Impact,
			Payload:        string(payload),
			SignatureHash:  signature,
			IdempotencyKey: models.RecommendationIdempotencyKey(insightID, cand.Type, signature),
			Status:         models.RecStatusOpen,
			CreatedAt:      time.Now().UTC(),
		}
		created, err := withRetry(ctx, "upsert_recommendation", func() (bool, error) {
			return c.store.UpsertRecommendation(ctx, rec)
		})
		if err != nil {
			return fmt.Errorf("completion: persist recommendation: %w", err)
		}
		if created {
			metrics.RecommendationsTotal.WithLabelValues(string(rec.Type)).Inc()
			c.auditEvent(ctx, audit.NewEvent(audit.EventRecommendationCreated).
				WithCorrelationID(inv.ID).
				WithEntity("recommendation", rec.ID).
				WithResult(audit.ResultSuccess).
				WithMetadata("type", string(rec.Type)).
				WithMetadata("priority", rec.Priority))
		}

		if rec.Type == models.RecRuleCandidate && st.RuleDraftCandidate != nil {
			if err := c.persistRuleDraft(ctx, inv, rec.ID, st.RuleDraftCandidate); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Completion) persistRuleDraft(ctx context.Context, inv *models.Investigation, recommendationID string, draft *models.RuleDraft) error {
	if err := draft.Validate(); err != nil {
		c.logger.Warn("rule draft failed validation, not persisted", zap.Error(err))
		return nil
	}
	encoded, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("completion: encode rule draft: %w", err)
	}
	record := &store.RuleDraftRecord{
		RecommendationID: recommendationID,
		RuleName:         draft.RuleName,
		Draft:            string(encoded),
		Status:           store.RuleDraftStatusDraft,
		CreatedAt:        time.Now().UTC(),
	}
	if _, err := withRetry(ctx, "create_rule_draft", func() (struct{}, error) {
		return struct{}{}, c.store.CreateRuleDraft(ctx, record)
	}); err != nil {
		return fmt.Errorf("completion: persist rule draft: %w", err)
	}
	c.auditEvent(ctx, audit.NewEvent(audit.EventRuleDraftCreated).
		WithCorrelationID(inv.ID).
		WithEntity("rule_draft", record.ID).
		WithResult(audit.ResultSuccess).
		WithMetadata("rule_name", draft.RuleName))
	return nil
}

// withRetry runs a persistence operation with a single second attempt.
func withRetry[T any](ctx context.Context, operation string, fn func() (T, error)) (T, error) {
	out, err := fn()
	if err == nil || ctx.Err() != nil {
		return out, err
	}
	metrics.StoreRetriesTotal.WithLabelValues(operation).Inc()
	time.Sleep(50 * time.Millisecond)
	return fn()
}

func (c *Completion) auditEvent(ctx context.Context, event *audit.Event) {
	if err := c.audit.Log(ctx, event); err != nil {
		c.logger.Warn("audit log write failed", zap.Error(err))
	}
	if err := c.store.AppendAuditEvent(ctx, event); err != nil {
		c.logger.Warn("audit event persist failed", zap.Error(err))
	}
}
