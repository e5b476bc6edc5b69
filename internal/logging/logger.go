// Package logging provides the kernel's structured logger: a slog.Logger
// wrapper that carries component/agent/task/correlation context, matching
// the "component, operation, correlation id, timestamp" fields spec.md §7
// requires on every logged error.
//
// Adapted from the teacher's pkg/logging, trimmed of the HTTP/DB-specific
// helpers that had no home left in this domain.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey is the type used for context.Context values carried into
// logger attributes by WithContext.
type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	AgentIDKey       ContextKey = "agent_id"
	TaskIDKey        ContextKey = "task_id"
)

// Logger wraps slog.Logger with the kernel's component tag.
type Logger struct {
	*slog.Logger
	component string
}

// Config controls level, format, and output destination.
type Config struct {
	Level     string `yaml:"level" json:"level"`
	Format    string `yaml:"format" json:"format"` // json or text
	Output    string `yaml:"output" json:"output"` // stdout, stderr, or file path
	Component string `yaml:"-" json:"-"`
}

// New builds a Logger from cfg. An unwritable Output path falls back to
// stdout rather than failing construction — logging must never be the
// reason the kernel cannot start.
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", cfg.Component)),
		component: cfg.Component,
	}
}

// Default builds a Logger for component reading level/format from
// LOG_LEVEL/LOG_FORMAT environment variables, for call sites ahead of
// full config resolution (e.g. supervisor startup before config.Load).
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// WithContext attaches correlation_id/agent_id/task_id found on ctx, when
// present, as structured attributes on every subsequent log line.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("correlation_id", v))
	}
	if v, ok := ctx.Value(AgentIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("agent_id", v))
	}
	if v, ok := ctx.Value(TaskIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("task_id", v))
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{Logger: l.Logger.With(attrs...), component: l.component}
}

// WithAgent scopes subsequent log lines to an agent_id.
func (l *Logger) WithAgent(agentID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("agent_id", agentID)), component: l.component}
}

// WithTask scopes subsequent log lines to a task_id.
func (l *Logger) WithTask(taskID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("task_id", taskID)), component: l.component}
}

// WithError attaches err.Error() as an attribute, or returns l unchanged
// if err is nil so call sites can chain unconditionally.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With(slog.String("error", err.Error())), component: l.component}
}

// TaskEvent logs a task lifecycle transition (enqueued, dispatched,
// completed, timed out) with the fields every such line needs.
func (l *Logger) TaskEvent(action, taskID, agentID string, extra ...any) {
	attrs := []any{
		slog.String("action", action),
		slog.String("task_id", taskID),
	}
	if agentID != "" {
		attrs = append(attrs, slog.String("agent_id", agentID))
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("task event", attrs...)
}

// HealthEvent logs an agent health check outcome.
func (l *Logger) HealthEvent(agentID string, healthy bool, latency time.Duration, err error) {
	attrs := []any{
		slog.String("agent_id", agentID),
		slog.Bool("healthy", healthy),
		slog.Float64("latency_ms", float64(latency.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("health check failed", attrs...)
		return
	}
	l.Logger.Debug("health check", attrs...)
}
