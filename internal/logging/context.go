package logging

import (
	"context"
	"log/slog"
	"maps"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	taskIDKey
	roleKey
)

// Attribute names for correlation IDs.
const (
	AttrWorkflowID = "workflow_id"
	AttrTaskID     = "task_id"
	AttrRole       = "role"
)

// correlationKeys lists context keys in the order their attributes are emitted.
var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{workflowIDKey, AttrWorkflowID},
	{taskIDKey, AttrTaskID},
	{roleKey, AttrRole},
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithTaskID returns a context with the task ID set.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// WithRole returns a context with the worker role set.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// TaskID extracts the task ID from the context, or "" if absent.
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(taskIDKey).(string)
	return v
}

// Role extracts the worker role from the context, or "" if absent.
func Role(ctx context.Context) string {
	v, _ := ctx.Value(roleKey).(string)
	return v
}

// WithIDs sets all correlation IDs on the context at once. Empty values are skipped.
func WithIDs(ctx context.Context, workflowID, taskID, role string) context.Context {
	if workflowID != "" {
		ctx = WithWorkflowID(ctx, workflowID)
	}
	if taskID != "" {
		ctx = WithTaskID(ctx, taskID)
	}
	if role != "" {
		ctx = WithRole(ctx, role)
	}
	return ctx
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, k := range correlationKeys {
		if v, _ := ctx.Value(k.key).(string); v != "" {
			attrs = append(attrs, slog.String(k.attr, v))
		}
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record, so logger.InfoContext(ctx, ...) carries them.
// An ID already bound with logger.With or present on the record is not added
// again.
type CorrelationHandler struct {
	inner slog.Handler
	bound map[string]bool
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, a := range correlationAttrs(ctx) {
		if !h.bound[a.Key] && !hasAttr(r, a.Key) {
			r.AddAttrs(a)
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := h.bound
	copied := false
	for _, a := range attrs {
		if !isCorrelationKey(a.Key) || bound[a.Key] {
			continue
		}
		if !copied {
			bound = make(map[string]bool, len(correlationKeys))
			maps.Copy(bound, h.bound)
			copied = true
		}
		bound[a.Key] = true
	}
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs), bound: bound}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name), bound: h.bound}
}

func isCorrelationKey(key string) bool {
	for _, k := range correlationKeys {
		if k.attr == key {
			return true
		}
	}
	return false
}

func hasAttr(r slog.Record, key string) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}
