package main

// Package main is the entry point for the cardsentry-ai server.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Open the investigation store (SQLite or PostgreSQL) and run migrations
//   - Wire the LLM adapter, transaction source client and vector store
//   - Register the six analysis tools and assemble the planner/executor loop
//   - Serve the analyst-facing REST API, websocket event stream and metrics
//   - Implement graceful shutdown with audit trail finalization

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cardsentry/cardsentry-ai/internal/audit"
	"github.com/cardsentry/cardsentry-ai/internal/config"
	"github.com/cardsentry/cardsentry-ai/internal/investigation"
	"github.com/cardsentry/cardsentry-ai/internal/llm/adapter"
	"github.com/cardsentry/cardsentry-ai/internal/ruleexport"
	"github.com/cardsentry/cardsentry-ai/internal/server"
	"github.com/cardsentry/cardsentry-ai/internal/store"
	"github.com/cardsentry/cardsentry-ai/internal/tools"
	"github.com/cardsentry/cardsentry-ai/internal/txsource"
	"github.com/cardsentry/cardsentry-ai/internal/vector"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default /etc/cardsentry/config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "cardsentry-ai: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	manager := config.NewManager(configPath)
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := manager.Validate(); err != nil {
		return err
	}
	cfg := manager.Get()

	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		AppLogPath:   cfg.Logging.AppLogPath,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		LogLevel:     cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("initialize audit logger: %w", err)
	}
	defer auditLog.Close()

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Sync()

	var st store.Store
	switch cfg.Database.Type {
	case "postgres":
		st, err = store.NewPostgres(cfg.Database.PostgresURL)
	default:
		st, err = store.NewSQLite(cfg.Database.SQLitePath)
	}
	if err != nil {
		return fmt.Errorf("open store (%s): %w", cfg.Database.Type, err)
	}
	defer st.Close()

	llm, err := adapter.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize llm adapter: %w", err)
	}
	source := txsource.NewClient(cfg.TransactionSource.BaseURL,
		time.Duration(cfg.TransactionSource.TimeoutSeconds)*time.Second,
		cfg.TransactionSource.MaxRetries, logger)
	vectors := vector.New(st)
	exporter := ruleexport.NewClient(cfg.RuleExport.BaseURL,
		time.Duration(cfg.RuleExport.TimeoutSeconds)*time.Second)

	registry := investigation.NewRegistry()
	for _, tool := range []investigation.Tool{
		tools.NewContextTool(source, cfg, logger),
		tools.NewPatternTool(source, cfg),
		tools.NewSimilarityTool(llm, vectors, st, cfg, logger),
		tools.NewReasoningTool(llm, cfg, logger),
		tools.NewRecommendationTool(),
		tools.NewRuleDraftTool(),
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}

	events := investigation.NewBroker()
	planner := investigation.NewPlanner(registry, llm, cfg.LLM.PlannerModel, cfg.Investigation.MaxSteps, logger)
	executor := investigation.NewExecutor(registry, st, auditLog, events, cfg, logger)
	completion := investigation.NewCompletion(st, auditLog, events, logger)
	runner := investigation.NewRunner(st, planner, executor, completion, events, auditLog, cfg, logger)

	srv := server.New(cfg, st, runner, events, exporter, auditLog, logger)

	// Pick up investigations interrupted by a previous process; the versioned
	// state blob lets them re-enter the loop where they left off.
	go func() {
		if n := runner.RecoverInterrupted(ctx); n > 0 {
			logger.Info("recovered interrupted investigations", zap.Int("count", n))
		}
	}()

	// Config file changes apply to new investigations only; running ones
	// keep their flag snapshot.
	go func() {
		for updated := range manager.Watch(ctx) {
			*cfg = updated
			logger.Info("configuration reloaded")
			if err := auditLog.Log(ctx, audit.NewEvent(audit.EventConfigReload).
				WithResult(audit.ResultSuccess)); err != nil {
				logger.Warn("audit log write failed", zap.Error(err))
			}
		}
	}()

	if err := auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithResult(audit.ResultSuccess).
		WithMetadata("port", cfg.Server.Port).
		WithMetadata("database", cfg.Database.Type).
		WithMetadata("llm_provider", cfg.LLM.Provider)); err != nil {
		logger.Warn("audit log write failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := auditLog.Log(ctx, audit.NewEvent(audit.EventServerShutdown).
		WithResult(audit.ResultSuccess)); err != nil {
		logger.Warn("audit log write failed", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if err := zapCfg.Level.UnmarshalText([]byte(level)); err != nil {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zapCfg.Build()
}
