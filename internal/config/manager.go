package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager loads, validates and watches configuration.
type Manager interface {
	Load(ctx context.Context) error
	Get() *Config
	Validate() error
	// Watch emits a fresh Config whenever the backing file changes. Running
	// investigations are unaffected; they carry a flags snapshot.
	Watch(ctx context.Context) <-chan Config
	Reload() error
}

// viperManager implements Manager using Viper.
type viperManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// NewManager creates a Manager reading from the given path. An empty path
// uses defaults plus environment variables only.
func NewManager(configPath string) Manager {
	if configPath == "" {
		configPath = "/etc/cardsentry/config.yaml"
	}
	return &viperManager{
		configPath: configPath,
		watchChan:  make(chan Config, 1),
	}
}

// Load loads configuration from all sources.
func (m *viperManager) Load(ctx context.Context) error {
	m.viper = viper.New()
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("CARDSENTRY")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file; defaults + env vars apply.
		} else if os.IsNotExist(err) {
			// Same.
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

// Get returns the current configuration.
func (m *viperManager) Get() *Config {
	return m.config
}

// Validate validates the loaded configuration.
func (m *viperManager) Validate() error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
		}
	})
	return m.watchChan
}

// Reload re-reads configuration from sources.
func (m *viperManager) Reload() error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

func (m *viperManager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	m.viper.SetDefault("transaction_source.base_url", d.TransactionSource.BaseURL)
	m.viper.SetDefault("transaction_source.timeout_seconds", d.TransactionSource.TimeoutSeconds)
	m.viper.SetDefault("transaction_source.max_retries", d.TransactionSource.MaxRetries)

	m.viper.SetDefault("rule_export.base_url", d.RuleExport.BaseURL)
	m.viper.SetDefault("rule_export.timeout_seconds", d.RuleExport.TimeoutSeconds)

	m.viper.SetDefault("llm.provider", d.LLM.Provider)
	m.viper.SetDefault("llm.base_url", d.LLM.BaseURL)
	m.viper.SetDefault("llm.planner_model", d.LLM.PlannerModel)
	m.viper.SetDefault("llm.reasoning_model", d.LLM.ReasoningModel)
	m.viper.SetDefault("llm.embedding_model", d.LLM.EmbeddingModel)
	m.viper.SetDefault("llm.timeout_seconds", d.LLM.TimeoutSeconds)
	m.viper.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	m.viper.SetDefault("llm.breaker_failures", d.LLM.BreakerFailures)
	m.viper.SetDefault("llm.breaker_cooldown_seconds", d.LLM.BreakerCooldownS)

	m.viper.SetDefault("database.type", d.Database.Type)
	m.viper.SetDefault("database.sqlite_path", d.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", d.Database.PostgresURL)

	m.viper.SetDefault("investigation.max_steps", d.Investigation.MaxSteps)
	m.viper.SetDefault("investigation.tool_timeout_seconds", d.Investigation.ToolTimeoutSeconds)
	m.viper.SetDefault("investigation.environment", d.Investigation.Environment)
	m.viper.SetDefault("investigation.history_window_hours", d.Investigation.HistoryWindowHours)
	m.viper.SetDefault("investigation.similarity_search_limit", d.Investigation.SimilaritySearchLimit)
	m.viper.SetDefault("investigation.similarity_min_score", d.Investigation.SimilarityMinScore)

	m.viper.SetDefault("flags.reasoning_llm_enabled", d.Flags.ReasoningLLMEnabled)
	m.viper.SetDefault("flags.vector_enabled", d.Flags.VectorEnabled)
	m.viper.SetDefault("flags.enforce_human_approval", d.Flags.EnforceHumanApproval)
	m.viper.SetDefault("flags.narrative_version", d.Flags.NarrativeVersion)
	m.viper.SetDefault("flags.conflict_matrix_enabled", d.Flags.ConflictMatrixEnabled)
	m.viper.SetDefault("flags.freshness_enabled", d.Flags.FreshnessEnabled)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.audit_log_path", d.Logging.AuditLogPath)
	m.viper.SetDefault("logging.app_log_path", d.Logging.AppLogPath)
	m.viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", d.Logging.Compress)
}

func (m *viperManager) unmarshalConfig() error {
	cfg := DefaultConfig()

	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	cfg.TransactionSource.BaseURL = m.viper.GetString("transaction_source.base_url")
	cfg.TransactionSource.TimeoutSeconds = m.viper.GetInt("transaction_source.timeout_seconds")
	cfg.TransactionSource.MaxRetries = m.viper.GetInt("transaction_source.max_retries")

	cfg.RuleExport.BaseURL = m.viper.GetString("rule_export.base_url")
	cfg.RuleExport.TimeoutSeconds = m.viper.GetInt("rule_export.timeout_seconds")

	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.BaseURL = m.viper.GetString("llm.base_url")
	cfg.LLM.PlannerModel = m.viper.GetString("llm.planner_model")
	cfg.LLM.ReasoningModel = m.viper.GetString("llm.reasoning_model")
	cfg.LLM.EmbeddingModel = m.viper.GetString("llm.embedding_model")
	cfg.LLM.TimeoutSeconds = m.viper.GetInt("llm.timeout_seconds")
	cfg.LLM.MaxRetries = m.viper.GetInt("llm.max_retries")
	cfg.LLM.BreakerFailures = m.viper.GetInt("llm.breaker_failures")
	cfg.LLM.BreakerCooldownS = m.viper.GetInt("llm.breaker_cooldown_seconds")

	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")

	cfg.Investigation.MaxSteps = m.viper.GetInt("investigation.max_steps")
	cfg.Investigation.ToolTimeoutSeconds = m.viper.GetInt("investigation.tool_timeout_seconds")
	cfg.Investigation.Environment = m.viper.GetString("investigation.environment")
	cfg.Investigation.HistoryWindowHours = m.viper.GetInt("investigation.history_window_hours")
	cfg.Investigation.SimilaritySearchLimit = m.viper.GetInt("investigation.similarity_search_limit")
	cfg.Investigation.SimilarityMinScore = m.viper.GetFloat64("investigation.similarity_min_score")
	for tool, secs := range m.viper.GetStringMap("investigation.tool_timeout_overrides") {
		if s, ok := secs.(int); ok {
			cfg.Investigation.ToolTimeoutOverrides[tool] = s
		}
	}

	cfg.Flags.ReasoningLLMEnabled = m.viper.GetBool("flags.reasoning_llm_enabled")
	cfg.Flags.VectorEnabled = m.viper.GetBool("flags.vector_enabled")
	cfg.Flags.EnforceHumanApproval = m.viper.GetBool("flags.enforce_human_approval")
	cfg.Flags.NarrativeVersion = m.viper.GetString("flags.narrative_version")
	cfg.Flags.ConflictMatrixEnabled = m.viper.GetBool("flags.conflict_matrix_enabled")
	cfg.Flags.FreshnessEnabled = m.viper.GetBool("flags.freshness_enabled")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperManager) applyEnvOverrides() {
	if apiKey := os.Getenv("CARDSENTRY_LLM_API_KEY"); apiKey != "" {
		m.config.LLM.APIKey = apiKey
	} else if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		m.config.LLM.APIKey = apiKey
	}
	if url := os.Getenv("CARDSENTRY_POSTGRES_URL"); url != "" {
		m.config.Database.PostgresURL = url
	}
	if base := os.Getenv("CARDSENTRY_TXSOURCE_BASE_URL"); base != "" {
		m.config.TransactionSource.BaseURL = base
	}
}
