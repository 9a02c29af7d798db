package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultChannelBuffer = 64
	defaultHistorySize   = 200
)

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is an in-memory EventHub using channels. It also keeps the most
// recent events of every role for History.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	histMu      sync.Mutex
	historySize int
	history     map[string][]StreamEvent
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return NewMemoryHubWithHistory(defaultHistorySize)
}

// NewMemoryHubWithHistory creates a hub keeping size events per role.
func NewMemoryHubWithHistory(size int) *MemoryHub {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &MemoryHub{
		subs:        make(map[uint64]*subscriber),
		historySize: size,
		history:     make(map[string][]StreamEvent),
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Role != "" {
		h.record(event)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given EventFilter.
// The returned cancel func removes the subscription and closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel, nil
}

// History returns up to limit of the most recent events for role, newest first.
// A limit of zero or less returns everything retained.
func (h *MemoryHub) History(role string, limit int) []StreamEvent {
	h.histMu.Lock()
	defer h.histMu.Unlock()

	events := h.history[role]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := slices.Clone(events)
	slices.Reverse(out)
	return out
}

func (h *MemoryHub) record(event StreamEvent) {
	h.histMu.Lock()
	defer h.histMu.Unlock()

	events := append(h.history[event.Role], event)
	if len(events) > h.historySize {
		events = slices.Clone(events[len(events)-h.historySize:])
	}
	h.history[event.Role] = events
}

func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.Role != "" && f.Role != e.Role {
		return false
	}
	if f.TaskID != "" && f.TaskID != e.TaskID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return true
}

var _ EventHub = (*MemoryHub)(nil)
