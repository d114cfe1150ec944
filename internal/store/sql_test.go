package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cardsentry/cardsentry-ai/internal/audit"
	"github.com/cardsentry/cardsentry-ai/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testInvestigation(transactionID string, startedAt time.Time) *models.Investigation {
	return &models.Investigation{
		TransactionID: transactionID,
		Mode:          models.ModeFull,
		Status:        models.StatusPending,
		Priority:      3,
		Severity:      models.SeverityLow,
		MaxSteps:      20,
		ModelMode:     models.ModelModeDeterministic,
		LLMStatus:     models.LLMStatusSkipped,
		FlagsSnapshot: "{}",
		Safeguards:    "{}",
		StartedAt:     startedAt,
	}
}

// ─── Investigations ───────────────────────────────────────────────────────────

func TestActiveInvestigationUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := testInvestigation("tx-1", now)
	if err := s.CreateInvestigation(ctx, first); err != nil {
		t.Fatalf("CreateInvestigation: %v", err)
	}

	second := testInvestigation("tx-1", now.Add(time.Second))
	if err := s.CreateInvestigation(ctx, second); !errors.Is(err, ErrActiveExists) {
		t.Fatalf("expected ErrActiveExists, got %v", err)
	}

	// A different transaction is unaffected.
	if err := s.CreateInvestigation(ctx, testInvestigation("tx-2", now)); err != nil {
		t.Fatalf("CreateInvestigation tx-2: %v", err)
	}

	// Completing the first frees the slot for tx-1.
	first.Status = models.StatusCompleted
	if err := s.UpdateInvestigation(ctx, first); err != nil {
		t.Fatalf("UpdateInvestigation: %v", err)
	}
	if err := s.CreateInvestigation(ctx, testInvestigation("tx-1", now.Add(time.Minute))); err != nil {
		t.Fatalf("expected create after completion to succeed, got %v", err)
	}
}

func TestGetActiveInvestigation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetActiveInvestigation(ctx, "tx-none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	inv := testInvestigation("tx-1", time.Now().UTC())
	if err := s.CreateInvestigation(ctx, inv); err != nil {
		t.Fatalf("CreateInvestigation: %v", err)
	}
	got, err := s.GetActiveInvestigation(ctx, "tx-1")
	if err != nil {
		t.Fatalf("GetActiveInvestigation: %v", err)
	}
	if got.ID != inv.ID {
		t.Errorf("expected id %s, got %s", inv.ID, got.ID)
	}
}

// ─── State blob ───────────────────────────────────────────────────────────────

func TestSaveStateOptimisticConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv := testInvestigation("tx-1", time.Now().UTC())
	if err := s.CreateInvestigation(ctx, inv); err != nil {
		t.Fatalf("CreateInvestigation: %v", err)
	}

	v1 := &StateRecord{InvestigationID: inv.ID, Version: 1, SchemaVersion: 1, Blob: []byte(`{"schema_version":1}`)}
	if err := s.SaveState(ctx, v1); err != nil {
		t.Fatalf("SaveState v1: %v", err)
	}
	// A second v1 writer loses.
	if err := s.SaveState(ctx, v1); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion on duplicate v1, got %v", err)
	}

	v2 := &StateRecord{InvestigationID: inv.ID, Version: 2, SchemaVersion: 1, Blob: []byte(`{"schema_version":1,"step":1}`)}
	if err := s.SaveState(ctx, v2); err != nil {
		t.Fatalf("SaveState v2: %v", err)
	}
	// Replaying v2 after it landed is stale.
	if err := s.SaveState(ctx, v2); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion on replayed v2, got %v", err)
	}
	// Skipping a version is stale too.
	v4 := &StateRecord{InvestigationID: inv.ID, Version: 4, SchemaVersion: 1, Blob: []byte(`{}`)}
	if err := s.SaveState(ctx, v4); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion on version gap, got %v", err)
	}

	rec, err := s.GetState(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("expected version 2, got %d", rec.Version)
	}
}

// ─── Insights ─────────────────────────────────────────────────────────────────

func TestUpsertInsightRefreshesNotDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv := testInvestigation("tx-1", time.Now().UTC())
	if err := s.CreateInvestigation(ctx, inv); err != nil {
		t.Fatalf("CreateInvestigation: %v", err)
	}

	ts := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	key := models.InsightIdempotencyKey("tx-1", models.EvaluationFraudInvestigation, ts,
		models.InsightTransactionAnalysis, models.ModelModeAgentic)

	insight := &models.Insight{
		InvestigationID:      inv.ID,
		TransactionID:        "tx-1",
		EvaluationType:       models.EvaluationFraudInvestigation,
		InsightType:          models.InsightTransactionAnalysis,
		ModelMode:            models.ModelModeAgentic,
		TransactionTimestamp: ts,
		Severity:             models.SeverityMedium,
		Summary:              "first pass",
		Confidence:           0.6,
		GeneratedAt:          time.Now().UTC(),
		IdempotencyKey:       key,
	}
	first, err := s.UpsertInsight(ctx, insight)
	if err != nil {
		t.Fatalf("UpsertInsight: %v", err)
	}

	rerun := *insight
	rerun.ID = ""
	rerun.Severity = models.SeverityHigh
	rerun.Summary = "second pass"
	second, err := s.UpsertInsight(ctx, &rerun)
	if err != nil {
		t.Fatalf("UpsertInsight rerun: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("rerun must keep the original insight id: %s vs %s", second.ID, first.ID)
	}
	if second.Severity != models.SeverityHigh || second.Summary != "second pass" {
		t.Errorf("rerun must refresh analysis fields, got severity=%s summary=%q", second.Severity, second.Summary)
	}
}

// ─── Recommendations ──────────────────────────────────────────────────────────

func seedInsight(t *testing.T, s Store, transactionID string, sev models.Severity) *models.Insight {
	t.Helper()
	ctx := context.Background()
	inv := testInvestigation(transactionID, time.Now().UTC())
	if err := s.CreateInvestigation(ctx, inv); err != nil {
		t.Fatalf("CreateInvestigation: %v", err)
	}
	ts := time.Now().UTC().Truncate(time.Second)
	insight := &models.Insight{
		InvestigationID:      inv.ID,
		TransactionID:        transactionID,
		EvaluationType:       models.EvaluationFraudInvestigation,
		InsightType:          models.InsightTransactionAnalysis,
		ModelMode:            models.ModelModeDeterministic,
		TransactionTimestamp: ts,
		Severity:             sev,
		Summary:              "seed",
		GeneratedAt:          time.Now().UTC(),
		IdempotencyKey: models.InsightIdempotencyKey(transactionID,
			models.EvaluationFraudInvestigation, ts, models.InsightTransactionAnalysis, models.ModelModeDeterministic),
	}
	persisted, err := s.UpsertInsight(ctx, insight)
	if err != nil {
		t.Fatalf("UpsertInsight: %v", err)
	}
	return persisted
}

func seedRecommendation(t *testing.T, s Store, insightID string) *models.Recommendation {
	t.Helper()
	rec := &models.Recommendation{
		InsightID:      insightID,
		Type:           models.RecReviewPriority,
		Priority:       2,
		Title:          "Review transaction",
		Impact:         "prioritized review",
		Payload:        "{}",
		SignatureHash:  "sig-1",
		IdempotencyKey: models.RecommendationIdempotencyKey(insightID, models.RecReviewPriority, "sig-1"),
		Status:         models.RecStatusOpen,
		CreatedAt:      time.Now().UTC(),
	}
	created, err := s.UpsertRecommendation(context.Background(), rec)
	if err != nil {
		t.Fatalf("UpsertRecommendation: %v", err)
	}
	if !created {
		t.Fatal("expected first upsert to insert")
	}
	return rec
}

func TestUpsertRecommendationIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insight := seedInsight(t, s, "tx-1", models.SeverityHigh)
	rec := seedRecommendation(t, s, insight.ID)

	// Analyst acknowledges; a replay must not resurrect OPEN.
	if err := s.TransitionRecommendation(ctx, rec.ID, models.RecStatusOpen, models.RecStatusAcknowledged, "analyst-7"); err != nil {
		t.Fatalf("TransitionRecommendation: %v", err)
	}

	replay := &models.Recommendation{
		InsightID:      insight.ID,
		Type:           models.RecReviewPriority,
		Priority:       2,
		Title:          "Review transaction",
		Impact:         "prioritized review",
		Payload:        "{}",
		SignatureHash:  "sig-1",
		IdempotencyKey: rec.IdempotencyKey,
		Status:         models.RecStatusOpen,
		CreatedAt:      time.Now().UTC(),
	}
	created, err := s.UpsertRecommendation(ctx, replay)
	if err != nil {
		t.Fatalf("UpsertRecommendation replay: %v", err)
	}
	if created {
		t.Error("replay must not insert a second row")
	}
	if replay.ID != rec.ID {
		t.Errorf("replay must return the original row id")
	}
	if replay.Status != models.RecStatusAcknowledged {
		t.Errorf("analyst status must win on replay, got %s", replay.Status)
	}
}

func TestTransitionRecommendationGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insight := seedInsight(t, s, "tx-1", models.SeverityHigh)
	rec := seedRecommendation(t, s, insight.ID)

	if err := s.TransitionRecommendation(ctx, "missing", models.RecStatusOpen, models.RecStatusAcknowledged, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// Illegal edge is rejected before touching the row.
	if err := s.TransitionRecommendation(ctx, rec.ID, models.RecStatusOpen, models.RecStatusExported, "a"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for OPEN->EXPORTED, got %v", err)
	}

	if err := s.TransitionRecommendation(ctx, rec.ID, models.RecStatusOpen, models.RecStatusAcknowledged, "analyst-7"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	// Second acknowledge loses the guard.
	if err := s.TransitionRecommendation(ctx, rec.ID, models.RecStatusOpen, models.RecStatusAcknowledged, "analyst-8"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on double acknowledge, got %v", err)
	}

	got, err := s.GetRecommendation(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecommendation: %v", err)
	}
	if got.AcknowledgedBy != "analyst-7" {
		t.Errorf("expected acknowledged_by analyst-7, got %q", got.AcknowledgedBy)
	}
	if got.AcknowledgedAt == nil {
		t.Error("expected acknowledged_at to be set")
	}
}

// ─── Rule drafts ──────────────────────────────────────────────────────────────

func TestMarkRuleDraftExportedGuarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insight := seedInsight(t, s, "tx-1", models.SeverityHigh)
	rec := seedRecommendation(t, s, insight.ID)

	draft := &RuleDraftRecord{
		RecommendationID: rec.ID,
		RuleName:         "card_velocity_burst_1h",
		Draft:            `{"rule_name":"card_velocity_burst_1h"}`,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.CreateRuleDraft(ctx, draft); err != nil {
		t.Fatalf("CreateRuleDraft: %v", err)
	}

	if err := s.MarkRuleDraftExported(ctx, draft.ID, "rm-42"); err != nil {
		t.Fatalf("MarkRuleDraftExported: %v", err)
	}
	if err := s.MarkRuleDraftExported(ctx, draft.ID, "rm-43"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on double export, got %v", err)
	}

	got, err := s.GetRuleDraft(ctx, draft.ID)
	if err != nil {
		t.Fatalf("GetRuleDraft: %v", err)
	}
	if got.Status != RuleDraftStatusExported || got.ExportRef != "rm-42" {
		t.Errorf("expected EXPORTED/rm-42, got %s/%s", got.Status, got.ExportRef)
	}
}

// ─── Worklist ─────────────────────────────────────────────────────────────────

func seedRecommendationAt(t *testing.T, s Store, insightID, signature string, createdAt time.Time) *models.Recommendation {
	t.Helper()
	rec := &models.Recommendation{
		InsightID:      insightID,
		Type:           models.RecReviewPriority,
		Priority:       2,
		Title:          "Review transaction",
		Impact:         "prioritized review",
		Payload:        "{}",
		SignatureHash:  signature,
		IdempotencyKey: models.RecommendationIdempotencyKey(insightID, models.RecReviewPriority, signature),
		Status:         models.RecStatusOpen,
		CreatedAt:      createdAt,
	}
	if _, err := s.UpsertRecommendation(context.Background(), rec); err != nil {
		t.Fatalf("UpsertRecommendation %s: %v", signature, err)
	}
	return rec
}

func TestListWorklistKeysetPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	insight := seedInsight(t, s, "tx-1", models.SeverityMedium)
	for i := 0; i < 5; i++ {
		seedRecommendationAt(t, s, insight.ID, fmt.Sprintf("sig-%d", i), base.Add(time.Duration(i)*time.Minute))
	}

	var seen []string
	filter := WorklistFilter{Limit: 2}
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
		page, err := s.ListWorklist(ctx, filter)
		if err != nil {
			t.Fatalf("ListWorklist: %v", err)
		}
		for _, item := range page.Items {
			seen = append(seen, item.Recommendation.SignatureHash)
			if item.TransactionID != "tx-1" {
				t.Errorf("expected transaction context tx-1, got %q", item.TransactionID)
			}
			if item.InvestigationID != insight.InvestigationID {
				t.Errorf("expected investigation context %s, got %s", insight.InvestigationID, item.InvestigationID)
			}
		}
		if !page.HasMore {
			break
		}
		filter.CursorCreatedAt = page.NextCursorTime
		filter.CursorID = page.NextCursorID
	}

	if len(seen) != 5 {
		t.Fatalf("expected 5 recommendations across pages, got %d (%v)", len(seen), seen)
	}
	// Newest first, no duplicates.
	want := []string{"sig-4", "sig-3", "sig-2", "sig-1", "sig-0"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestListWorklistSeverityFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	severities := []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical}
	for i, sev := range severities {
		insight := seedInsight(t, s, fmt.Sprintf("tx-%d", i), sev)
		seedRecommendationAt(t, s, insight.ID, "sig-1", base.Add(time.Duration(i)*time.Second))
	}

	page, err := s.ListWorklist(ctx, WorklistFilter{MinSeverity: models.SeverityHigh, Limit: 10})
	if err != nil {
		t.Fatalf("ListWorklist: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 recommendations at HIGH or above, got %d", len(page.Items))
	}
	for _, item := range page.Items {
		if item.Severity.Rank() < models.SeverityHigh.Rank() {
			t.Errorf("item below minimum severity: %s", item.Severity)
		}
	}
}

func TestListWorklistStatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	insight := seedInsight(t, s, "tx-1", models.SeverityHigh)
	open := seedRecommendationAt(t, s, insight.ID, "sig-open", base)
	acked := seedRecommendationAt(t, s, insight.ID, "sig-acked", base.Add(time.Minute))
	if err := s.TransitionRecommendation(ctx, acked.ID, models.RecStatusOpen, models.RecStatusAcknowledged, "analyst-7"); err != nil {
		t.Fatalf("TransitionRecommendation: %v", err)
	}

	// The default worklist is the OPEN queue.
	page, err := s.ListWorklist(ctx, WorklistFilter{Limit: 10})
	if err != nil {
		t.Fatalf("ListWorklist: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Recommendation.ID != open.ID {
		t.Fatalf("expected only the open recommendation, got %+v", page.Items)
	}
	if page.Items[0].InsightSummary != "seed" {
		t.Errorf("expected insight summary on the worklist row, got %q", page.Items[0].InsightSummary)
	}

	// Acknowledged rows remain reachable by explicit status.
	page, err = s.ListWorklist(ctx, WorklistFilter{Status: models.RecStatusAcknowledged, Limit: 10})
	if err != nil {
		t.Fatalf("ListWorklist acknowledged: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Recommendation.ID != acked.ID {
		t.Fatalf("expected only the acknowledged recommendation, got %+v", page.Items)
	}
}

// ─── Embeddings ───────────────────────────────────────────────────────────────

func TestQuerySimilarHeuristicBandAndWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	anchor := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := []EmbeddingRecord{
		{TransactionID: "same-card", Embedding: "[]", CardID: "card-1", MerchantID: "m-9", Amount: 100, OccurredAt: anchor.Add(-24 * time.Hour)},
		{TransactionID: "same-merchant", Embedding: "[]", CardID: "card-9", MerchantID: "m-1", Amount: 120, OccurredAt: anchor.Add(-48 * time.Hour)},
		{TransactionID: "amount-out-of-band", Embedding: "[]", CardID: "card-1", MerchantID: "m-1", Amount: 500, OccurredAt: anchor.Add(-time.Hour)},
		{TransactionID: "too-old", Embedding: "[]", CardID: "card-1", MerchantID: "m-1", Amount: 100, OccurredAt: anchor.Add(-100 * 24 * time.Hour)},
		{TransactionID: "unrelated", Embedding: "[]", CardID: "card-9", MerchantID: "m-9", Amount: 100, OccurredAt: anchor.Add(-time.Hour)},
	}
	for i := range rows {
		if err := s.UpsertEmbedding(ctx, &rows[i]); err != nil {
			t.Fatalf("UpsertEmbedding: %v", err)
		}
	}

	got, err := s.QuerySimilarHeuristic(ctx, "card-1", "m-1", 100, anchor, 90*24*time.Hour, 20)
	if err != nil {
		t.Fatalf("QuerySimilarHeuristic: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range got {
		ids[r.TransactionID] = true
	}
	if !ids["same-card"] || !ids["same-merchant"] {
		t.Errorf("expected card and merchant matches, got %v", ids)
	}
	if ids["amount-out-of-band"] || ids["too-old"] || ids["unrelated"] {
		t.Errorf("band or window filter leaked rows: %v", ids)
	}
}

func TestUpsertEmbeddingRefreshesOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &EmbeddingRecord{TransactionID: "tx-1", Embedding: "[1,0]", CardID: "c", MerchantID: "m", Amount: 10, OccurredAt: now}
	if err := s.UpsertEmbedding(ctx, rec); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	rec.Outcome = models.OutcomeConfirmedFraud
	if err := s.UpsertEmbedding(ctx, rec); err != nil {
		t.Fatalf("UpsertEmbedding update: %v", err)
	}

	got, err := s.ListEmbeddings(ctx, 10)
	if err != nil {
		t.Fatalf("ListEmbeddings: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if got[0].Outcome != models.OutcomeConfirmedFraud {
		t.Errorf("expected refreshed outcome, got %q", got[0].Outcome)
	}
}

// ─── Audit ────────────────────────────────────────────────────────────────────

func TestAuditEventRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := audit.NewEvent(audit.EventInvestigationStarted).
		WithCorrelationID("inv-1").
		WithEntity("investigation", "inv-1").
		WithResult(audit.ResultPending).
		WithMetadata("transaction_id", "tx-1")
	if err := s.AppendAuditEvent(ctx, event); err != nil {
		t.Fatalf("AppendAuditEvent: %v", err)
	}

	events, err := s.ListAuditEvents(ctx, "inv-1", 10)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventType != audit.EventInvestigationStarted {
		t.Errorf("expected %s, got %s", audit.EventInvestigationStarted, events[0].EventType)
	}
	if events[0].Metadata["transaction_id"] != "tx-1" {
		t.Errorf("metadata lost in round trip: %v", events[0].Metadata)
	}
}
