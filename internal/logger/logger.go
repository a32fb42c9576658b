// Package logger provides structured logging with context propagation
// for the option audit engine. It builds on the standard library's
// slog package with component-specific loggers, run-scoped context
// attributes, and rotating file output.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johnayoung/go-option-audit/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey represents keys for context values.
type ContextKey string

const (
	// RunIDKey is the context key for the audit run ID.
	RunIDKey ContextKey = "run_id"
	// ComponentKey is the context key for component name.
	ComponentKey ContextKey = "component"
	// StageKey is the context key for the pipeline stage.
	StageKey ContextKey = "stage"
	// GroupKeyKey is the context key for the option series group.
	GroupKeyKey ContextKey = "group"
	// SymbolKey is the context key for the underlying symbol.
	SymbolKey ContextKey = "symbol"
)

// Manager manages structured logging for the application.
type Manager struct {
	baseLogger     *slog.Logger
	config         config.LoggingConfig
	writer         io.WriteCloser
	componentCache map[string]*slog.Logger
}

// ComponentLogger is a logger scoped to one pipeline component.
type ComponentLogger struct {
	*slog.Logger
	component string
}

// NewManager creates a logger manager from the logging configuration.
func NewManager(cfg config.LoggingConfig) (*Manager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	baseAttrs := make([]slog.Attr, 0, len(cfg.ContextFields))
	for key, value := range cfg.ContextFields {
		baseAttrs = append(baseAttrs, slog.String(key, value))
	}

	var baseLogger *slog.Logger
	if len(baseAttrs) > 0 {
		baseLogger = slog.New(handler.WithAttrs(baseAttrs))
	} else {
		baseLogger = slog.New(handler)
	}

	return &Manager{
		baseLogger:     baseLogger,
		config:         cfg,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}, nil
}

// createWriter creates the appropriate writer based on configuration.
func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}
		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}
		return lj, nil
	default:
		return nopWriteCloser{os.Stdout}, nil
	}
}

// nopWriteCloser wraps an io.Writer to provide a Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the base logger instance.
func (m *Manager) GetLogger() *slog.Logger {
	return m.baseLogger
}

// GetComponentLogger returns a logger for the specified component.
func (m *Manager) GetComponentLogger(component string) *ComponentLogger {
	if cached, exists := m.componentCache[component]; exists {
		return &ComponentLogger{Logger: cached, component: component}
	}
	componentLogger := m.baseLogger.With(slog.String("component", component))
	m.componentCache[component] = componentLogger
	return &ComponentLogger{Logger: componentLogger, component: component}
}

// WithContext creates a logger that includes context values.
func (m *Manager) WithContext(ctx context.Context) *slog.Logger {
	attrs := extractContextAttributes(ctx)
	if len(attrs) == 0 {
		return m.baseLogger
	}
	return m.baseLogger.With(attrs...)
}

// extractContextAttributes extracts logging attributes from context.
func extractContextAttributes(ctx context.Context) []interface{} {
	var attrs []interface{}

	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		attrs = append(attrs, slog.String("run_id", runID))
	}
	if stage, ok := ctx.Value(StageKey).(string); ok && stage != "" {
		attrs = append(attrs, slog.String("stage", stage))
	}
	if group, ok := ctx.Value(GroupKeyKey).(string); ok && group != "" {
		attrs = append(attrs, slog.String("group", group))
	}
	if symbol, ok := ctx.Value(SymbolKey).(string); ok && symbol != "" {
		attrs = append(attrs, slog.String("symbol", symbol))
	}

	return attrs
}

// Close closes the logger and any associated resources.
func (m *Manager) Close() error {
	if m.writer != nil {
		return m.writer.Close()
	}
	return nil
}

// WithRunID adds the audit run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithStage adds a pipeline stage name to the context.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, StageKey, stage)
}

// WithGroup adds an option series group key to the context.
func WithGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, GroupKeyKey, group)
}

// WithSymbol adds an underlying symbol to the context.
func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, SymbolKey, symbol)
}

// GetRunID extracts the run ID from context.
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// WithStage returns a logger with a stage attribute.
func (cl *ComponentLogger) WithStage(stage string) *slog.Logger {
	return cl.With(slog.String("stage", stage))
}

// WithGroup returns a logger with a group attribute.
func (cl *ComponentLogger) WithGroup(group string) *slog.Logger {
	return cl.With(slog.String("group", group))
}

// ErrorWithContext logs an error with full context information.
func (cl *ComponentLogger) ErrorWithContext(ctx context.Context, msg string, err error, args ...interface{}) {
	attrs := extractContextAttributes(ctx)
	attrs = append(attrs, slog.Any("error", err))
	attrs = append(attrs, args...)
	cl.Error(msg, attrs...)
}

// InfoWithContext logs info with full context information.
func (cl *ComponentLogger) InfoWithContext(ctx context.Context, msg string, args ...interface{}) {
	attrs := extractContextAttributes(ctx)
	attrs = append(attrs, args...)
	cl.Info(msg, attrs...)
}

// DebugWithContext logs debug information with full context.
func (cl *ComponentLogger) DebugWithContext(ctx context.Context, msg string, args ...interface{}) {
	attrs := extractContextAttributes(ctx)
	attrs = append(attrs, args...)
	cl.Debug(msg, attrs...)
}

// LogOperation logs the start and end of an operation with timing.
func (cl *ComponentLogger) LogOperation(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	cl.InfoWithContext(ctx, "operation started", slog.String("operation", operation))

	err := fn()
	duration := time.Since(start)

	if err != nil {
		cl.ErrorWithContext(ctx, "operation failed", err,
			slog.String("operation", operation),
			slog.Duration("duration", duration))
		return err
	}

	cl.InfoWithContext(ctx, "operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", duration))
	return nil
}
