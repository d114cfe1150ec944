package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/investigation"
	"github.com/cardsentry/cardsentry-ai/internal/models"
	"github.com/cardsentry/cardsentry-ai/internal/store"
	"github.com/cardsentry/cardsentry-ai/internal/txsource"
)

type runInvestigationRequest struct {
	TransactionID string `json:"transaction_id"`
	Mode          string `json:"mode,omitempty"`
	TriggerRef    string `json:"trigger_ref,omitempty"`
	Async         bool   `json:"async,omitempty"`
}

// handleRunInvestigation starts (or joins) an investigation for a
// transaction. Synchronous by default; async returns 202 immediately and the
// caller follows progress over the websocket stream or by polling.
func (s *Server) handleRunInvestigation(w http.ResponseWriter, r *http.Request) {
	var req runInvestigationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TransactionID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "transaction_id is required")
		return
	}
	mode := models.InvestigationMode(strings.ToUpper(req.Mode))
	switch mode {
	case "", models.ModeQuick, models.ModeDeep, models.ModeFull:
	default:
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}

	if req.Async {
		go func() {
			// The request context dies with the response; the run must not.
			if _, err := s.runner.Start(context.WithoutCancel(r.Context()), req.TransactionID, mode, req.TriggerRef); err != nil {
				s.logger.Error("async investigation failed to start",
					zap.String("transaction_id", req.TransactionID), zap.Error(err))
			}
		}()
		respondJSON(w, http.StatusAccepted, map[string]string{
			"status":         "accepted",
			"transaction_id": req.TransactionID,
		})
		return
	}

	summary, err := s.runner.Start(r.Context(), req.TransactionID, mode, req.TriggerRef)
	if err != nil {
		if errors.Is(err, txsource.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "transaction not found")
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// investigationDetail is the composite read model for one investigation.
type investigationDetail struct {
	Investigation    *models.Investigation             `json:"investigation"`
	Flags            json.RawMessage                   `json:"flags,omitempty"`
	Safeguards       json.RawMessage                   `json:"safeguards,omitempty"`
	Features         *models.Features                  `json:"features,omitempty"`
	Insight          *models.Insight                   `json:"insight,omitempty"`
	Evidence         []evidenceView                    `json:"evidence,omitempty"`
	Reasoning        *models.ReasoningResult           `json:"reasoning,omitempty"`
	Recommendations  []models.Recommendation           `json:"recommendations,omitempty"`
	RuleDraft        *store.RuleDraftRecord            `json:"rule_draft,omitempty"`
	PlannerDecisions []investigation.PlannerDecision   `json:"planner_decisions,omitempty"`
	ToolExecutions   []store.ToolExecution             `json:"tool_executions,omitempty"`
}

type evidenceView struct {
	ID                    string         `json:"id"`
	Kind                  string         `json:"kind"`
	Category              string         `json:"category"`
	Strength              float64        `json:"strength"`
	FreshnessWeight       float64        `json:"freshness_weight"`
	Description           string         `json:"description"`
	RelatedTransactionIDs []string       `json:"related_transaction_ids,omitempty"`
	SupportingData        map[string]any `json:"supporting_data,omitempty"`
	Timestamp             time.Time      `json:"timestamp"`
}

func (s *Server) handleGetInvestigation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	inv, err := s.store.GetInvestigation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "investigation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	detail := investigationDetail{Investigation: inv}
	if inv.FlagsSnapshot != "" {
		detail.Flags = json.RawMessage(inv.FlagsSnapshot)
	}
	if inv.Safeguards != "" {
		detail.Safeguards = json.RawMessage(inv.Safeguards)
	}

	if rec, err := s.store.GetState(ctx, id); err == nil {
		if st, uerr := investigation.UnmarshalState(rec.Blob); uerr == nil {
			detail.Features = st.Features
			detail.Reasoning = st.ReasoningResult
			detail.PlannerDecisions = st.PlannerDecisions
		}
	}

	if execs, err := s.store.ListToolExecutions(ctx, id); err == nil {
		detail.ToolExecutions = execs
	}

	insight, err := s.store.GetInsightByInvestigation(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if insight != nil {
		detail.Insight = insight
		if records, err := s.store.ListEvidence(ctx, insight.ID); err == nil {
			detail.Evidence = evidenceViews(records)
		}
		recs, err := s.store.ListRecommendationsByInsight(ctx, insight.ID)
		if err == nil {
			detail.Recommendations = recs
			for _, rec := range recs {
				if rec.Type != models.RecRuleCandidate {
					continue
				}
				if draft, derr := s.store.GetRuleDraftByRecommendation(ctx, rec.ID); derr == nil {
					detail.RuleDraft = draft
					break
				}
			}
		}
	}

	respondJSON(w, http.StatusOK, detail)
}

func evidenceViews(records []store.EvidenceRecord) []evidenceView {
	views := make([]evidenceView, 0, len(records))
	for _, rec := range records {
		v := evidenceView{
			ID:              rec.ID,
			Kind:            rec.Kind,
			Category:        rec.Category,
			Strength:        rec.Strength,
			FreshnessWeight: rec.FreshnessWeight,
			Description:     rec.Description,
			Timestamp:       rec.Timestamp,
		}
		if rec.RelatedTxnIDs != "" {
			_ = json.Unmarshal([]byte(rec.RelatedTxnIDs), &v.RelatedTransactionIDs)
		}
		if rec.SupportingData != "" {
			_ = json.Unmarshal([]byte(rec.SupportingData), &v.SupportingData)
		}
		views = append(views, v)
	}
	return views
}

// handleListWorklist pages the analyst worklist of recommendations, newest
// first, keyset paginated by an opaque cursor. The default page is the OPEN
// queue.
func (s *Server) handleListWorklist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.WorklistFilter{Limit: 50}

	if v := q.Get("status"); v != "" {
		status := models.RecommendationStatus(strings.ToUpper(v))
		switch status {
		case models.RecStatusOpen, models.RecStatusAcknowledged, models.RecStatusRejected, models.RecStatusExported:
			filter.Status = status
		default:
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
	}
	if v := q.Get("min_severity"); v != "" {
		sev := models.Severity(strings.ToUpper(v))
		if !sev.Valid() {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("unknown severity %q", v))
			return
		}
		filter.MinSeverity = sev
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be in 1..200")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("cursor"); v != "" {
		createdAt, id, err := decodeCursor(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed cursor")
			return
		}
		filter.CursorCreatedAt = &createdAt
		filter.CursorID = id
	}

	page, err := s.store.ListWorklist(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	resp := map[string]any{
		"items":    page.Items,
		"has_more": page.HasMore,
	}
	if page.HasMore && page.NextCursorTime != nil {
		resp["next_cursor"] = encodeCursor(*page.NextCursorTime, page.NextCursorID)
	}
	respondJSON(w, http.StatusOK, resp)
}

// Cursors are opaque to clients: base64("unixnano|id").
func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UTC().UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.store.ListAuditEvents(r.Context(), id, 500)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
