package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultRingSize is the number of entries kept per role.
const DefaultRingSize = 500

// LogEntry is a captured log record attributed to one role.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Role    string         `json:"role"`
	TaskID  string         `json:"task_id,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`

	level slog.Level
}

// LogFilter narrows RingBuffer.Entries. Zero values match everything.
type LogFilter struct {
	MinLevel slog.Level
	Since    time.Time
	TaskID   string
	Contains string
	Limit    int
}

// RingBuffer keeps the most recent log entries per role.
type RingBuffer struct {
	mu       sync.Mutex
	size     int
	minLevel slog.Level
	entries  map[string][]LogEntry
}

// NewRingBuffer creates a buffer holding size entries per role at or above minLevel.
func NewRingBuffer(size int, minLevel slog.Level) *RingBuffer {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &RingBuffer{size: size, minLevel: minLevel, entries: make(map[string][]LogEntry)}
}

func (b *RingBuffer) add(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := append(b.entries[e.Role], e)
	if len(buf) > b.size {
		buf = append(buf[:0:0], buf[len(buf)-b.size:]...)
	}
	b.entries[e.Role] = buf
}

// Entries returns matching entries for role, oldest first. With a limit the
// newest entries are kept.
func (b *RingBuffer) Entries(role string, f LogFilter) []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []LogEntry
	for _, e := range b.entries[role] {
		if e.level < f.MinLevel {
			continue
		}
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		if f.TaskID != "" && e.TaskID != f.TaskID {
			continue
		}
		if f.Contains != "" && !strings.Contains(e.Message, f.Contains) {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Reset drops every entry for role.
func (b *RingBuffer) Reset(role string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, role)
}

// RingHandler tees records that carry a role attribute into a RingBuffer and
// forwards every record to the inner handler. inner may be nil.
type RingHandler struct {
	inner  slog.Handler
	buf    *RingBuffer
	attrs  []slog.Attr
	prefix string
}

// NewRingHandler creates a RingHandler writing into buf.
func NewRingHandler(inner slog.Handler, buf *RingBuffer) *RingHandler {
	return &RingHandler{inner: inner, buf: buf}
}

func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.buf.minLevel {
		return true
	}
	return h.inner != nil && h.inner.Enabled(ctx, level)
}

func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.buf.minLevel {
		h.capture(r)
	}
	if h.inner != nil && h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *RingHandler) capture(r slog.Record) {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		level:   r.Level,
	}
	collect := func(a slog.Attr) bool {
		key := a.Key
		switch key {
		case AttrRole:
			entry.Role = a.Value.String()
			return true
		case AttrTaskID:
			entry.TaskID = a.Value.String()
			return true
		}
		if h.prefix != "" {
			key = h.prefix + key
		}
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]any)
		}
		entry.Attrs[key] = a.Value.Resolve().Any()
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)
	if entry.Role == "" {
		return
	}
	h.buf.add(entry)
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	if h.inner != nil {
		cp.inner = h.inner.WithAttrs(attrs)
	}
	return &cp
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	cp := *h
	cp.prefix = h.prefix + name + "."
	if h.inner != nil {
		cp.inner = h.inner.WithGroup(name)
	}
	return &cp
}
