package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/audit"
	"github.com/cardsentry/cardsentry-ai/internal/config"
	"github.com/cardsentry/cardsentry-ai/internal/investigation"
	"github.com/cardsentry/cardsentry-ai/internal/ruleexport"
	"github.com/cardsentry/cardsentry-ai/internal/store"
)

// Server is the analyst-facing HTTP API over the investigation runtime.
type Server struct {
	cfg      *config.Config
	store    store.Store
	runner   *investigation.Runner
	events   *investigation.Broker
	exporter ruleexport.Client
	audit    audit.Logger
	logger   *zap.Logger

	httpServer *http.Server
}

// New wires the API server.
func New(cfg *config.Config, st store.Store, runner *investigation.Runner, events *investigation.Broker, exporter ruleexport.Client, auditLog audit.Logger, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		runner:   runner,
		events:   events,
		exporter: exporter,
		audit:    auditLog,
		logger:   logger,
	}

	router := mux.NewRouter()
	s.registerRoutes(router)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // investigations run synchronously and may exceed 30s
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/investigations", s.handleRunInvestigation).Methods(http.MethodPost)
	api.HandleFunc("/investigations/{id}", s.handleGetInvestigation).Methods(http.MethodGet)
	api.HandleFunc("/investigations/{id}/audit", s.handleListAuditEvents).Methods(http.MethodGet)
	api.HandleFunc("/worklist", s.handleListWorklist).Methods(http.MethodGet)

	api.HandleFunc("/recommendations/{id}/acknowledge", s.handleAcknowledgeRecommendation).Methods(http.MethodPost)
	api.HandleFunc("/recommendations/{id}/reject", s.handleRejectRecommendation).Methods(http.MethodPost)
	api.HandleFunc("/rule-drafts/{id}/export", s.handleExportRuleDraft).Methods(http.MethodPost)

	router.HandleFunc("/ws/investigations/{id}", s.handleInvestigationEvents).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "cardsentry-ai",
	})
}
