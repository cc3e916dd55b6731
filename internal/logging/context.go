package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	taskPathKey
)

// WithInstanceID returns a context carrying the workflow instance ID.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithTaskPath returns a context carrying the current task position path.
func WithTaskPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, taskPathKey, path)
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// TaskPath extracts the task position path from the context, or "" if absent.
func TaskPath(ctx context.Context) string {
	v, _ := ctx.Value(taskPathKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, injecting instance correlation
// identifiers from the context into every record. Use with
// slog.New(NewCorrelationHandler(inner)) so logger.InfoContext(ctx, ...)
// carries instance_id and task_path automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := InstanceID(ctx); v != "" {
		r.AddAttrs(slog.String("instance_id", v))
	}
	if v := TaskPath(ctx); v != "" {
		r.AddAttrs(slog.String("task_path", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
