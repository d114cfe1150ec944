package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the audit trail sink. Every mutating lifecycle transition and
// every tool execution produces one event.
type Logger interface {
	Log(ctx context.Context, event *Event) error

	LogInvestigationStarted(ctx context.Context, investigationID, transactionID string) error
	LogInvestigationCompleted(ctx context.Context, investigationID string, duration time.Duration) error
	LogInvestigationFailed(ctx context.Context, investigationID string, err error) error
	LogToolExecution(ctx context.Context, investigationID, toolName, status string, duration time.Duration) error

	// Sync flushes buffered log entries.
	Sync() error
	Close() error
}

// Config represents audit logger configuration.
type Config struct {
	AuditLogPath string
	AppLogPath   string
	MaxSize      int // megabytes before rotation
	MaxBackups   int
	MaxAge       int // days
	Compress     bool
	LogLevel     string
}

// DefaultConfig returns default audit logger configuration.
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100,
		MaxBackups:   10,
		MaxAge:       30,
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface with buffered writes.
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger with file rotation.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)
	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Audit log is append-only and always INFO.
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)
	auditZapLogger := zap.New(auditCore)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}
	go logger.autoFlush()

	return logger, nil
}

// Log buffers an audit event; the buffer flushes when full or each second.
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock).
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}
		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}
	l.buffer = l.buffer[:0]
	return nil
}

func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogInvestigationStarted logs when an investigation starts.
func (l *auditLogger) LogInvestigationStarted(ctx context.Context, investigationID, transactionID string) error {
	event := NewEvent(EventInvestigationStarted).
		WithCorrelationID(investigationID).
		WithEntity("investigation", investigationID).
		WithMetadata("transaction_id", transactionID).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Investigation %s started for transaction %s", investigationID, transactionID))
	return l.Log(ctx, event)
}

// LogInvestigationCompleted logs when an investigation completes.
func (l *auditLogger) LogInvestigationCompleted(ctx context.Context, investigationID string, duration time.Duration) error {
	event := NewEvent(EventInvestigationCompleted).
		WithCorrelationID(investigationID).
		WithEntity("investigation", investigationID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Investigation %s completed", investigationID))
	return l.Log(ctx, event)
}

// LogInvestigationFailed logs when an investigation fails.
func (l *auditLogger) LogInvestigationFailed(ctx context.Context, investigationID string, err error) error {
	event := NewEvent(EventInvestigationFailed).
		WithCorrelationID(investigationID).
		WithEntity("investigation", investigationID).
		WithError(err, "investigation_error").
		WithDescription(fmt.Sprintf("Investigation %s failed", investigationID))
	return l.Log(ctx, event)
}

// LogToolExecution logs one tool execution with its status.
func (l *auditLogger) LogToolExecution(ctx context.Context, investigationID, toolName, status string, duration time.Duration) error {
	typ := EventToolExecuted
	result := ResultSuccess
	if status != "OK" && status != "FALLBACK" {
		typ = EventToolFailed
		result = ResultFailure
	}
	event := NewEvent(typ).
		WithCorrelationID(investigationID).
		WithEntity("tool_execution", toolName).
		WithAction(toolName).
		WithMetadata("tool_status", status).
		WithResult(result).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Tool %s finished with status %s", toolName, status))
	return l.Log(ctx, event)
}

// Sync flushes buffered log entries.
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.auditLogger.Sync(); err != nil {
		return err
	}
	return l.appLogger.Sync()
}

// Close closes the audit logger.
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()
	return l.Sync()
}

// GenerateCorrelationID generates a new correlation ID.
func GenerateCorrelationID() string {
	return uuid.New().String()
}
