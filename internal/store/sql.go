package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // also registers the postgres driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/cardsentry/cardsentry-ai/internal/audit"
	"github.com/cardsentry/cardsentry-ai/internal/models"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know a bindvar
	// type for.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// sqlStore implements Store over sqlx for both supported drivers. All
// queries are written with ? placeholders and rebound per driver.
type sqlStore struct {
	db     *sqlx.DB
	driver string
}

// NewSQLite opens (and migrates) a SQLite-backed store.
func NewSQLite(path string) (Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: connect sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	// Serialize writers; SQLite allows a single writer at a time.
	db.SetMaxOpenConns(1)

	s := &sqlStore{db: db, driver: "sqlite"}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres opens (and migrates) a PostgreSQL-backed store.
func NewPostgres(connectionString string) (Store, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &sqlStore{db: db, driver: "postgres"}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// migrate applies pending schema versions in order.
func (s *sqlStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create schema_versions: %w", err)
	}

	var current int
	err := s.db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_versions`)
	if err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("store: apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(s.db.Rebind(
			`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)`),
			m.version, time.Now().UTC()); err != nil {
			return fmt.Errorf("store: record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// isUniqueViolation recognizes duplicate-key errors from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

// Investigations

func (s *sqlStore) CreateInvestigation(ctx context.Context, inv *models.Investigation) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	query := s.db.Rebind(`
		INSERT INTO investigations (
			id, transaction_id, mode, status, priority, severity, confidence,
			step_count, max_steps, planner_model, trigger_ref, model_mode,
			llm_status, llm_error, llm_model, flags_snapshot, safeguards,
			partial, error_summary, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		inv.ID, inv.TransactionID, inv.Mode, inv.Status, inv.Priority,
		inv.Severity, inv.Confidence, inv.StepCount, inv.MaxSteps,
		inv.PlannerModel, inv.TriggerRef, inv.ModelMode, inv.LLMStatus,
		inv.LLMError, inv.LLMModel, inv.FlagsSnapshot, inv.Safeguards,
		inv.Partial, inv.ErrorSummary, inv.StartedAt, inv.CompletedAt,
		inv.DurationMs,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrActiveExists
	}
	return err
}

func (s *sqlStore) GetInvestigation(ctx context.Context, id string) (*models.Investigation, error) {
	var inv models.Investigation
	err := s.db.GetContext(ctx, &inv,
		s.db.Rebind(`SELECT * FROM investigations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *sqlStore) ListUnfinishedInvestigations(ctx context.Context) ([]models.Investigation, error) {
	var invs []models.Investigation
	err := s.db.SelectContext(ctx, &invs, `
		SELECT * FROM investigations
		WHERE status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY started_at ASC
	`)
	return invs, err
}

func (s *sqlStore) GetActiveInvestigation(ctx context.Context, transactionID string) (*models.Investigation, error) {
	var inv models.Investigation
	err := s.db.GetContext(ctx, &inv, s.db.Rebind(`
		SELECT * FROM investigations
		WHERE transaction_id = ? AND status IN ('PENDING', 'IN_PROGRESS')
		LIMIT 1
	`), transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *sqlStore) UpdateInvestigation(ctx context.Context, inv *models.Investigation) error {
	query := s.db.Rebind(`
		UPDATE investigations
		SET status = ?, priority = ?, severity = ?, confidence = ?,
		    step_count = ?, model_mode = ?, llm_status = ?, llm_error = ?,
		    llm_model = ?, partial = ?, error_summary = ?, completed_at = ?,
		    duration_ms = ?
		WHERE id = ?
	`)
	res, err := s.db.ExecContext(ctx, query,
		inv.Status, inv.Priority, inv.Severity, inv.Confidence,
		inv.StepCount, inv.ModelMode, inv.LLMStatus, inv.LLMError,
		inv.LLMModel, inv.Partial, inv.ErrorSummary, inv.CompletedAt,
		inv.DurationMs, inv.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// severityAtLeast expands a minimum severity into the matching set, since
// severity ordering is not lexicographic.
func severityAtLeast(min models.Severity) []string {
	all := []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical}
	var out []string
	for _, sev := range all {
		if sev.Rank() >= min.Rank() {
			out = append(out, string(sev))
		}
	}
	return out
}

type worklistRow struct {
	models.Recommendation
	InvestigationID string          `db:"investigation_id"`
	TransactionID   string          `db:"transaction_id"`
	InsightSeverity models.Severity `db:"insight_severity"`
	InsightSummary  string          `db:"insight_summary"`
}

func (s *sqlStore) ListWorklist(ctx context.Context, filter WorklistFilter) (*WorklistPage, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	status := filter.Status
	if status == "" {
		status = models.RecStatusOpen
	}

	query := `
		SELECT r.*,
		       n.investigation_id AS investigation_id,
		       n.transaction_id   AS transaction_id,
		       n.severity         AS insight_severity,
		       n.summary          AS insight_summary
		FROM recommendations r
		JOIN insights n ON r.insight_id = n.id
		WHERE r.status = ?
	`
	args := []any{status}

	if filter.MinSeverity != "" && filter.MinSeverity.Valid() {
		set := severityAtLeast(filter.MinSeverity)
		query += " AND n.severity IN (?" + strings.Repeat(", ?", len(set)-1) + ")"
		for _, sev := range set {
			args = append(args, sev)
		}
	}
	if filter.CursorCreatedAt != nil {
		query += " AND (r.created_at < ? OR (r.created_at = ? AND r.id < ?))"
		args = append(args, *filter.CursorCreatedAt, *filter.CursorCreatedAt, filter.CursorID)
	}
	// Fetch one extra row to detect whether a next page exists.
	query += " ORDER BY r.created_at DESC, r.id DESC LIMIT ?"
	args = append(args, limit+1)

	var rows []worklistRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	page := &WorklistPage{}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	for _, r := range rows {
		page.Items = append(page.Items, WorklistItem{
			Recommendation:  r.Recommendation,
			InvestigationID: r.InvestigationID,
			TransactionID:   r.TransactionID,
			Severity:        r.InsightSeverity,
			InsightSummary:  r.InsightSummary,
		})
	}
	if page.HasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		t := last.CreatedAt
		page.NextCursorTime = &t
		page.NextCursorID = last.Recommendation.ID
	}
	return page, nil
}

// Versioned state blob

func (s *sqlStore) SaveState(ctx context.Context, rec *StateRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	if rec.Version <= 1 {
		query := s.db.Rebind(`
			INSERT INTO investigation_state (investigation_id, version, schema_version, blob, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`)
		_, err := s.db.ExecContext(ctx, query,
			rec.InvestigationID, rec.Version, rec.SchemaVersion, string(rec.Blob), rec.UpdatedAt)
		if err != nil && isUniqueViolation(err) {
			return ErrStaleVersion
		}
		return err
	}

	query := s.db.Rebind(`
		UPDATE investigation_state
		SET version = ?, schema_version = ?, blob = ?, updated_at = ?
		WHERE investigation_id = ? AND version = ?
	`)
	res, err := s.db.ExecContext(ctx, query,
		rec.Version, rec.SchemaVersion, string(rec.Blob), rec.UpdatedAt,
		rec.InvestigationID, rec.Version-1)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (s *sqlStore) GetState(ctx context.Context, investigationID string) (*StateRecord, error) {
	var rec StateRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(
		`SELECT * FROM investigation_state WHERE investigation_id = ?`), investigationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Tool executions

func (s *sqlStore) RecordToolExecution(ctx context.Context, exec *ToolExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	query := s.db.Rebind(`
		INSERT INTO tool_executions (id, investigation_id, step, tool_name, status, summary, error, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.InvestigationID, exec.Step, exec.ToolName,
		exec.Status, exec.Summary, exec.Error, exec.DurationMs, exec.StartedAt)
	return err
}

func (s *sqlStore) ListToolExecutions(ctx context.Context, investigationID string) ([]ToolExecution, error) {
	var execs []ToolExecution
	err := s.db.SelectContext(ctx, &execs, s.db.Rebind(
		`SELECT * FROM tool_executions WHERE investigation_id = ? ORDER BY step ASC, started_at ASC`),
		investigationID)
	return execs, err
}

// Insights

func (s *sqlStore) UpsertInsight(ctx context.Context, insight *models.Insight) (*models.Insight, error) {
	if insight.ID == "" {
		insight.ID = uuid.New().String()
	}
	query := s.db.Rebind(`
		INSERT INTO insights (
			id, investigation_id, transaction_id, evaluation_type, insight_type,
			model_mode, transaction_timestamp, severity, summary,
			confidence_score, generated_at, idempotency_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			investigation_id = excluded.investigation_id,
			severity = excluded.severity,
			summary = excluded.summary,
			confidence_score = excluded.confidence_score,
			generated_at = excluded.generated_at
	`)
	_, err := s.db.ExecContext(ctx, query,
		insight.ID, insight.InvestigationID, insight.TransactionID,
		insight.EvaluationType, insight.InsightType, insight.ModelMode,
		insight.TransactionTimestamp, insight.Severity, insight.Summary,
		insight.Confidence, insight.GeneratedAt, insight.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	// The conflict path keeps the original row id; read back the canonical
	// row so callers always see it.
	var out models.Insight
	if err := s.db.GetContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM insights WHERE idempotency_key = ?`), insight.IdempotencyKey); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *sqlStore) GetInsight(ctx context.Context, id string) (*models.Insight, error) {
	var insight models.Insight
	err := s.db.GetContext(ctx, &insight, s.db.Rebind(
		`SELECT * FROM insights WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &insight, nil
}

func (s *sqlStore) GetInsightByInvestigation(ctx context.Context, investigationID string) (*models.Insight, error) {
	var insight models.Insight
	err := s.db.GetContext(ctx, &insight, s.db.Rebind(
		`SELECT * FROM insights WHERE investigation_id = ? ORDER BY generated_at DESC LIMIT 1`),
		investigationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &insight, nil
}

// Evidence

func (s *sqlStore) ReplaceEvidence(ctx context.Context, insightID string, records []EvidenceRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM evidence WHERE insight_id = ?`), insightID); err != nil {
		return err
	}
	insert := tx.Rebind(`
		INSERT INTO evidence (id, insight_id, investigation_id, kind, category, strength,
			freshness_weight, description, related_txn_ids, supporting_data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for i := range records {
		r := &records[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		r.InsightID = insightID
		if _, err := tx.ExecContext(ctx, insert,
			r.ID, r.InsightID, r.InvestigationID, r.Kind, r.Category,
			r.Strength, r.FreshnessWeight, r.Description, r.RelatedTxnIDs,
			r.SupportingData, r.Timestamp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) ListEvidence(ctx context.Context, insightID string) ([]EvidenceRecord, error) {
	var records []EvidenceRecord
	err := s.db.SelectContext(ctx, &records, s.db.Rebind(
		`SELECT * FROM evidence WHERE insight_id = ? ORDER BY strength DESC, category ASC`),
		insightID)
	return records, err
}

// Recommendations

func (s *sqlStore) UpsertRecommendation(ctx context.Context, rec *models.Recommendation) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	query := s.db.Rebind(`
		INSERT INTO recommendations (
			id, insight_id, type, priority, title, impact, payload,
			signature_hash, idempotency_key, status, acknowledged_by,
			acknowledged_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.InsightID, rec.Type, rec.Priority, rec.Title,
		rec.Impact, rec.Payload, rec.SignatureHash, rec.IdempotencyKey,
		rec.Status, rec.AcknowledgedBy, rec.AcknowledgedAt, rec.CreatedAt)
	if err != nil {
		return false, err
	}
	inserted, _ := res.RowsAffected()

	// Read back the canonical row; on the conflict path the existing row
	// (including any analyst status change) wins.
	var out models.Recommendation
	if err := s.db.GetContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM recommendations WHERE idempotency_key = ?`), rec.IdempotencyKey); err != nil {
		return false, err
	}
	*rec = out
	return inserted > 0, nil
}

func (s *sqlStore) GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error) {
	var rec models.Recommendation
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(
		`SELECT * FROM recommendations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sqlStore) ListRecommendationsByInsight(ctx context.Context, insightID string) ([]models.Recommendation, error) {
	var recs []models.Recommendation
	err := s.db.SelectContext(ctx, &recs, s.db.Rebind(
		`SELECT * FROM recommendations WHERE insight_id = ? ORDER BY priority ASC, created_at ASC`),
		insightID)
	return recs, err
}

func (s *sqlStore) CountOpenRecommendations(ctx context.Context, insightID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(
		`SELECT COUNT(*) FROM recommendations WHERE insight_id = ? AND status = 'OPEN'`),
		insightID)
	return count, err
}

// TransitionRecommendation performs a guarded status change. The WHERE
// clause carries the expected current status so concurrent transitions
// cannot double-apply.
func (s *sqlStore) TransitionRecommendation(ctx context.Context, id string, from, to models.RecommendationStatus, actor string) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, from, to)
	}
	var ackBy any
	var ackAt any
	if to == models.RecStatusAcknowledged || to == models.RecStatusRejected {
		ackBy = actor
		ackAt = time.Now().UTC()
	}
	query := s.db.Rebind(`
		UPDATE recommendations
		SET status = ?,
		    acknowledged_by = COALESCE(?, acknowledged_by),
		    acknowledged_at = COALESCE(?, acknowledged_at)
		WHERE id = ? AND status = ?
	`)
	res, err := s.db.ExecContext(ctx, query, to, ackBy, ackAt, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing row from a lost race.
		if _, err := s.GetRecommendation(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// Rule drafts

func (s *sqlStore) CreateRuleDraft(ctx context.Context, draft *RuleDraftRecord) error {
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	if draft.Status == "" {
		draft.Status = RuleDraftStatusDraft
	}
	query := s.db.Rebind(`
		INSERT INTO rule_drafts (id, recommendation_id, rule_name, draft, status, export_ref, exported_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (recommendation_id) DO NOTHING
	`)
	_, err := s.db.ExecContext(ctx, query,
		draft.ID, draft.RecommendationID, draft.RuleName, draft.Draft,
		draft.Status, draft.ExportRef, draft.ExportedAt, draft.CreatedAt)
	return err
}

func (s *sqlStore) GetRuleDraft(ctx context.Context, id string) (*RuleDraftRecord, error) {
	var draft RuleDraftRecord
	err := s.db.GetContext(ctx, &draft, s.db.Rebind(
		`SELECT * FROM rule_drafts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &draft, nil
}

func (s *sqlStore) GetRuleDraftByRecommendation(ctx context.Context, recommendationID string) (*RuleDraftRecord, error) {
	var draft RuleDraftRecord
	err := s.db.GetContext(ctx, &draft, s.db.Rebind(
		`SELECT * FROM rule_drafts WHERE recommendation_id = ?`), recommendationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &draft, nil
}

func (s *sqlStore) MarkRuleDraftExported(ctx context.Context, id, exportRef string) error {
	query := s.db.Rebind(`
		UPDATE rule_drafts
		SET status = ?, export_ref = ?, exported_at = ?
		WHERE id = ? AND status = ?
	`)
	res, err := s.db.ExecContext(ctx, query,
		RuleDraftStatusExported, exportRef, time.Now().UTC(), id, RuleDraftStatusDraft)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRuleDraft(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// Transaction embeddings

func (s *sqlStore) UpsertEmbedding(ctx context.Context, rec *EmbeddingRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`
		INSERT INTO transaction_embeddings (transaction_id, embedding, outcome, card_id, merchant_id, amount, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO UPDATE SET
			embedding = excluded.embedding,
			outcome = excluded.outcome
	`)
	_, err := s.db.ExecContext(ctx, query,
		rec.TransactionID, rec.Embedding, rec.Outcome, rec.CardID,
		rec.MerchantID, rec.Amount, rec.OccurredAt, rec.CreatedAt)
	return err
}

func (s *sqlStore) ListEmbeddings(ctx context.Context, limit int) ([]EmbeddingRecord, error) {
	if limit <= 0 {
		limit = 10000
	}
	var records []EmbeddingRecord
	err := s.db.SelectContext(ctx, &records, s.db.Rebind(
		`SELECT * FROM transaction_embeddings ORDER BY occurred_at DESC LIMIT ?`), limit)
	return records, err
}

// QuerySimilarHeuristic is the SQL fallback used when embeddings are
// unavailable: same card or merchant, amount within a +/-50% band, inside
// the lookback window ending at the anchor.
func (s *sqlStore) QuerySimilarHeuristic(ctx context.Context, cardID, merchantID string, amount float64, anchor time.Time, window time.Duration, limit int) ([]EmbeddingRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []EmbeddingRecord
	query := s.db.Rebind(`
		SELECT * FROM transaction_embeddings
		WHERE (card_id = ? OR merchant_id = ?)
		  AND occurred_at > ? AND occurred_at <= ?
		  AND amount >= ? AND amount <= ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`)
	err := s.db.SelectContext(ctx, &records, query,
		cardID, merchantID, anchor.Add(-window), anchor,
		amount*0.5, amount*1.5, limit)
	return records, err
}

// Audit events

type auditRow struct {
	ID            string    `db:"id"`
	CorrelationID string    `db:"correlation_id"`
	EventType     string    `db:"event_type"`
	EntityType    string    `db:"entity_type"`
	EntityID      string    `db:"entity_id"`
	Result        string    `db:"result"`
	Payload       string    `db:"payload"`
	Timestamp     time.Time `db:"timestamp"`
}

func (s *sqlStore) AppendAuditEvent(ctx context.Context, event *audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: marshal audit event: %w", err)
	}
	query := s.db.Rebind(`
		INSERT INTO audit_events (id, correlation_id, event_type, entity_type, entity_id, result, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		uuid.New().String(), event.CorrelationID, string(event.EventType),
		event.EntityType, event.EntityID, string(event.Result),
		string(payload), event.Timestamp)
	return err
}

func (s *sqlStore) ListAuditEvents(ctx context.Context, correlationID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT * FROM audit_events WHERE correlation_id = ? ORDER BY timestamp ASC LIMIT ?`),
		correlationID, limit)
	if err != nil {
		return nil, err
	}
	events := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		var event audit.Event
		if err := json.Unmarshal([]byte(row.Payload), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
