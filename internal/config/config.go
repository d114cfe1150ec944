package config

import (
	"fmt"
	"time"

	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// Package config provides configuration management for cardsentry-ai.
//
// Configuration sources (priority order, high to low):
//   1. Environment variables (CARDSENTRY_* prefix)
//   2. YAML config file (default: /etc/cardsentry/config.yaml)
//   3. Built-in defaults
//
// Feature flags are part of the configuration but are snapshotted onto each
// investigation at start; a mid-run reload never changes a running
// investigation's policy.

// Config contains all configuration fields.
type Config struct {
	// Server configuration for the analyst-facing API layer.
	Server struct {
		Port           int
		AllowedOrigins []string
	}

	// TransactionSource is the upstream Transaction-Management system.
	TransactionSource struct {
		BaseURL        string
		TimeoutSeconds int
		MaxRetries     int
	}

	// RuleExport is the downstream Rule-Management system.
	RuleExport struct {
		BaseURL        string
		TimeoutSeconds int
	}

	// LLM provider configuration. Provider "none" runs the service in
	// degraded mode where deterministic fallbacks are authoritative.
	LLM struct {
		Provider         string
		APIKey           string
		BaseURL          string
		PlannerModel     string
		ReasoningModel   string
		EmbeddingModel   string
		TimeoutSeconds   int
		MaxRetries       int
		BreakerFailures  int
		BreakerCooldownS int
	}

	// Database configuration.
	Database struct {
		Type        string // "sqlite" | "postgres"
		SQLitePath  string
		PostgresURL string
	}

	// Investigation loop safeguards.
	Investigation struct {
		MaxSteps              int
		ToolTimeoutSeconds    int
		ToolTimeoutOverrides  map[string]int // tool name -> seconds
		Environment           string         // "local" | "staging" | "production"
		HistoryWindowHours    int
		SimilaritySearchLimit int
		SimilarityMinScore    float64
		FreshnessTauHours     map[string]int // evidence category -> tau hours
	}

	// Flags are the runtime feature flags captured per run.
	Flags models.FeatureFlags

	// Logging configuration.
	Logging struct {
		Level        string
		AuditLogPath string
		AppLogPath   string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8091
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}

	cfg.TransactionSource.BaseURL = "http://localhost:8080"
	cfg.TransactionSource.TimeoutSeconds = 10
	cfg.TransactionSource.MaxRetries = 3

	cfg.RuleExport.BaseURL = "http://localhost:8085"
	cfg.RuleExport.TimeoutSeconds = 10

	cfg.LLM.Provider = "none"
	cfg.LLM.BaseURL = ""
	cfg.LLM.PlannerModel = "gpt-4o-mini"
	cfg.LLM.ReasoningModel = "gpt-4o"
	cfg.LLM.EmbeddingModel = "text-embedding-3-large"
	cfg.LLM.TimeoutSeconds = 30
	cfg.LLM.MaxRetries = 1
	cfg.LLM.BreakerFailures = 5
	cfg.LLM.BreakerCooldownS = 60

	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "data/cardsentry.db"

	cfg.Investigation.MaxSteps = 20
	cfg.Investigation.ToolTimeoutSeconds = 20
	cfg.Investigation.ToolTimeoutOverrides = map[string]int{}
	cfg.Investigation.Environment = "local"
	cfg.Investigation.HistoryWindowHours = 72
	cfg.Investigation.SimilaritySearchLimit = 20
	cfg.Investigation.SimilarityMinScore = 0.7
	cfg.Investigation.FreshnessTauHours = map[string]int{
		models.CategoryVelocityBurst:      24,
		models.CategoryCrossMerchant:      48,
		models.CategoryHighDeclineRatio:   24,
		models.CategoryCardTestingLadder:  24,
		models.CategoryAmountOutlier:      168,
		models.CategorySimilarFraud:       720,
		models.CategorySimilarTransaction: 720,
		models.CategoryCounterEvidence:    720,
	}

	cfg.Flags = models.FeatureFlags{
		ReasoningLLMEnabled:   true,
		VectorEnabled:         true,
		EnforceHumanApproval:  true,
		NarrativeVersion:      "v2",
		ConflictMatrixEnabled: false,
		FreshnessEnabled:      true,
	}

	cfg.Logging.Level = "info"
	cfg.Logging.AuditLogPath = "logs/audit.log"
	cfg.Logging.AppLogPath = "logs/app.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}

// Validate checks configuration consistency, collecting all problems.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.TransactionSource.BaseURL == "" {
		errs = append(errs, fmt.Errorf("transaction_source.base_url is required"))
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("database.sqlite_path is required for sqlite"))
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			errs = append(errs, fmt.Errorf("database.postgres_url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.type must be sqlite or postgres, got %q", c.Database.Type))
	}
	if c.Investigation.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("investigation.max_steps must be positive, got %d", c.Investigation.MaxSteps))
	}
	if c.Investigation.ToolTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("investigation.tool_timeout_seconds must be positive"))
	}
	if c.Investigation.SimilarityMinScore < 0 || c.Investigation.SimilarityMinScore > 1 {
		errs = append(errs, fmt.Errorf("investigation.similarity_min_score must be in [0,1]"))
	}
	// Non-local environments must keep the human-approval gate on.
	if c.Investigation.Environment != "local" && !c.Flags.EnforceHumanApproval {
		errs = append(errs, fmt.Errorf("flags.enforce_human_approval must be true when environment is %q", c.Investigation.Environment))
	}
	return errs
}

// ToolTimeout returns the effective timeout for a tool, honoring per-tool
// overrides.
func (c *Config) ToolTimeout(tool string) time.Duration {
	if s, ok := c.Investigation.ToolTimeoutOverrides[tool]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	return time.Duration(c.Investigation.ToolTimeoutSeconds) * time.Second
}

// MaxToolTimeout returns the largest configured tool timeout; the run
// deadline is MaxSteps × MaxToolTimeout.
func (c *Config) MaxToolTimeout() time.Duration {
	max := time.Duration(c.Investigation.ToolTimeoutSeconds) * time.Second
	for _, s := range c.Investigation.ToolTimeoutOverrides {
		if d := time.Duration(s) * time.Second; d > max {
			max = d
		}
	}
	return max
}

// RunDeadline derives the effective upper bound on a whole investigation.
func (c *Config) RunDeadline() time.Duration {
	return time.Duration(c.Investigation.MaxSteps) * c.MaxToolTimeout()
}

// FreshnessTau returns the decay constant for an evidence category,
// defaulting to 30 days for unknown categories.
func (c *Config) FreshnessTau(category string) time.Duration {
	if h, ok := c.Investigation.FreshnessTauHours[category]; ok && h > 0 {
		return time.Duration(h) * time.Hour
	}
	return 720 * time.Hour
}
