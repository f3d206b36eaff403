package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stepAliasKey
	correlationIDKey
)

// Attribute names stamped on log records.
const (
	AttrExecutionID   = "execution_id"
	AttrStepAlias     = "step_alias"
	AttrCorrelationID = "correlation_id"
)

// WithExecutionID returns a context with the chain execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStepAlias returns a context with the step alias set.
func WithStepAlias(ctx context.Context, alias string) context.Context {
	return context.WithValue(ctx, stepAliasKey, alias)
}

// WithCorrelationID returns a context with the correlation ID set.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// StepAlias extracts the step alias from the context, or "" if absent.
func StepAlias(ctx context.Context) string {
	v, _ := ctx.Value(stepAliasKey).(string)
	return v
}

// CorrelationID extracts the correlation ID from the context, or "" if absent.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// WithExecution sets the execution and correlation IDs at once.
func WithExecution(ctx context.Context, executionID, correlationID string) context.Context {
	ctx = WithExecutionID(ctx, executionID)
	return WithCorrelationID(ctx, correlationID)
}

// attrs returns the non-empty correlation attributes carried by ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := ExecutionID(ctx); v != "" {
		out = append(out, slog.String(AttrExecutionID, v))
	}
	if v := StepAlias(ctx); v != "" {
		out = append(out, slog.String(AttrStepAlias, v))
	}
	if v := CorrelationID(ctx); v != "" {
		out = append(out, slog.String(AttrCorrelationID, v))
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds a correlation-aware logger. format "json" selects the JSON
// handler; anything else is text.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
