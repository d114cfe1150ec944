package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/audit"
	"github.com/cardsentry/cardsentry-ai/internal/models"
	"github.com/cardsentry/cardsentry-ai/internal/ruleexport"
	"github.com/cardsentry/cardsentry-ai/internal/store"
)

type recommendationActionRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleAcknowledgeRecommendation(w http.ResponseWriter, r *http.Request) {
	s.transitionRecommendation(w, r, models.RecStatusAcknowledged, audit.EventRecommendationAcked)
}

func (s *Server) handleRejectRecommendation(w http.ResponseWriter, r *http.Request) {
	s.transitionRecommendation(w, r, models.RecStatusRejected, audit.EventRecommendationRejected)
}

// transitionRecommendation applies an analyst decision. Only OPEN
// recommendations accept acknowledge or reject; anything else is a conflict,
// not an error to retry.
func (s *Server) transitionRecommendation(w http.ResponseWriter, r *http.Request, to models.RecommendationStatus, eventType audit.EventType) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	var req recommendationActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Actor == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "actor is required")
		return
	}

	err := s.store.TransitionRecommendation(ctx, id, models.RecStatusOpen, to, req.Actor)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "recommendation not found")
		return
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, ErrCodeConflict, "recommendation is not OPEN")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	event := audit.NewEvent(eventType).
		WithActor(req.Actor).
		WithEntity("recommendation", id).
		WithTransition(string(models.RecStatusOpen), string(to)).
		WithResult(audit.ResultSuccess)
	if rec, gerr := s.store.GetRecommendation(ctx, id); gerr == nil {
		event = event.WithCorrelationID(rec.InsightID)
	}
	if aerr := s.audit.Log(ctx, event); aerr != nil {
		s.logger.Warn("audit log write failed", zap.Error(aerr))
	}
	if aerr := s.store.AppendAuditEvent(ctx, event); aerr != nil {
		s.logger.Warn("audit event persist failed", zap.Error(aerr))
	}

	rec, err := s.store.GetRecommendation(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type exportRuleDraftRequest struct {
	Actor string `json:"actor"`
}

// handleExportRuleDraft pushes a rule draft downstream. With human approval
// enforced, the backing recommendation must already be ACKNOWLEDGED by an
// analyst; the gate denying an export is itself an audited event.
func (s *Server) handleExportRuleDraft(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	var req exportRuleDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Actor == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "actor is required")
		return
	}

	draftRec, err := s.store.GetRuleDraft(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "rule draft not found")
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if draftRec.Status == store.RuleDraftStatusExported {
		respondError(w, http.StatusConflict, ErrCodeConflict, "rule draft already exported")
		return
	}

	rec, err := s.store.GetRecommendation(ctx, draftRec.RecommendationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	if s.cfg.Flags.EnforceHumanApproval && rec.Status != models.RecStatusAcknowledged {
		denied := audit.NewEvent(audit.EventRuleDraftExported).
			WithCorrelationID(rec.InsightID).
			WithActor(req.Actor).
			WithEntity("rule_draft", id).
			WithResult(audit.ResultDenied).
			WithDescription("export denied: recommendation not acknowledged").
			WithMetadata("recommendation_status", string(rec.Status))
		if aerr := s.audit.Log(ctx, denied); aerr != nil {
			s.logger.Warn("audit log write failed", zap.Error(aerr))
		}
		_ = s.store.AppendAuditEvent(ctx, denied)
		respondError(w, http.StatusForbidden, ErrCodeDenied, "recommendation must be acknowledged before export")
		return
	}

	var draft models.RuleDraft
	if err := json.Unmarshal([]byte(draftRec.Draft), &draft); err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "stored draft is unreadable: "+err.Error())
		return
	}

	exportRef, err := s.exporter.Export(ctx, &draft)
	switch {
	case errors.Is(err, ruleexport.ErrConflict):
		respondError(w, http.StatusConflict, ErrCodeConflict, "rule already exists downstream")
		return
	case errors.Is(err, ruleexport.ErrDependency):
		respondError(w, http.StatusBadGateway, ErrCodeDependency, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	if err := s.store.MarkRuleDraftExported(ctx, id, exportRef); err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if rec.Status == models.RecStatusAcknowledged {
		if terr := s.store.TransitionRecommendation(ctx, rec.ID, models.RecStatusAcknowledged, models.RecStatusExported, req.Actor); terr != nil {
			s.logger.Warn("recommendation export transition failed",
				zap.String("recommendation_id", rec.ID), zap.Error(terr))
		}
	}

	exported := audit.NewEvent(audit.EventRuleDraftExported).
		WithCorrelationID(rec.InsightID).
		WithActor(req.Actor).
		WithEntity("rule_draft", id).
		WithResult(audit.ResultSuccess).
		WithMetadata("export_ref", exportRef).
		WithMetadata("rule_name", draftRec.RuleName)
	if aerr := s.audit.Log(ctx, exported); aerr != nil {
		s.logger.Warn("audit log write failed", zap.Error(aerr))
	}
	_ = s.store.AppendAuditEvent(ctx, exported)

	respondJSON(w, http.StatusOK, map[string]string{
		"id":         id,
		"status":     store.RuleDraftStatusExported,
		"export_ref": exportRef,
	})
}
