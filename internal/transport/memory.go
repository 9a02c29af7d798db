package transport

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// MemoryTransport is the single-process backend. Queues hold the encoded
// envelope so published envelopes cannot be mutated afterwards. Results and
// stream updates are pushed to subscribers on the publishing goroutine.
// Receive removes the envelope, so Ack is a no-op and nothing is redelivered.
type MemoryTransport struct {
	validator EnvelopeValidator

	mu         sync.Mutex
	closed     bool
	queues     map[schema.Role][][]byte
	cancelled  map[string]struct{}
	nextSub    uint64
	resultSubs map[schema.Role]map[uint64]ResultHandler
	streamSubs map[string]map[uint64]StreamHandler
}

// NewMemoryTransport creates an in-process transport. validator may be nil.
func NewMemoryTransport(validator EnvelopeValidator) *MemoryTransport {
	return &MemoryTransport{
		validator:  validator,
		queues:     make(map[schema.Role][][]byte),
		cancelled:  make(map[string]struct{}),
		resultSubs: make(map[schema.Role]map[uint64]ResultHandler),
		streamSubs: make(map[string]map[uint64]StreamHandler),
	}
}

func (m *MemoryTransport) Publish(ctx context.Context, role schema.Role, env *schema.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRole(role); err != nil {
		return err
	}
	raw, err := encodeEnvelope(m.validator, env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.queues[role] = append(m.queues[role], raw)
	return nil
}

func (m *MemoryTransport) ReceiveNext(ctx context.Context, role schema.Role) (*schema.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkRole(role); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errClosed
	}
	q := m.queues[role]
	if len(q) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	raw := q[0]
	q[0] = nil
	m.queues[role] = q[1:]
	m.mu.Unlock()

	return decodeEnvelope(m.validator, raw)
}

func (m *MemoryTransport) Ack(ctx context.Context, role schema.Role, envelopeID string) error {
	return checkRole(role)
}

func (m *MemoryTransport) PublishResult(ctx context.Context, result *schema.TaskResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := resultEnvelope(result)
	if err != nil {
		return err
	}
	raw, err := encodeEnvelope(m.validator, env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errClosed
	}
	handlers := slices.Collect(maps.Values(m.resultSubs[result.Role]))
	m.mu.Unlock()

	for _, h := range handlers {
		// Each subscriber gets its own copy.
		decoded, err := decodeEnvelope(m.validator, raw)
		if err != nil {
			return err
		}
		res, err := decodeResult(decoded)
		if err != nil {
			return err
		}
		h(res)
	}
	return nil
}

func (m *MemoryTransport) SubscribeResults(ctx context.Context, role schema.Role, handler ResultHandler) (Unsubscribe, error) {
	if err := checkRole(role); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	m.nextSub++
	id := m.nextSub
	if m.resultSubs[role] == nil {
		m.resultSubs[role] = make(map[uint64]ResultHandler)
	}
	m.resultSubs[role][id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.resultSubs[role], id)
	}, nil
}

func (m *MemoryTransport) PublishCancellation(ctx context.Context, taskID string) error {
	if taskID == "" {
		return schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.cancelled[taskID] = struct{}{}
	return nil
}

func (m *MemoryTransport) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosed
	}
	_, ok := m.cancelled[taskID]
	return ok, nil
}

func (m *MemoryTransport) PublishStreamUpdate(ctx context.Context, streamID string, update schema.StreamUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := streamEnvelope(streamID, update)
	if err != nil {
		return err
	}
	raw, err := encodeEnvelope(m.validator, env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errClosed
	}
	handlers := slices.Collect(maps.Values(m.streamSubs[streamID]))
	m.mu.Unlock()

	for _, h := range handlers {
		decoded, err := decodeEnvelope(m.validator, raw)
		if err != nil {
			return err
		}
		up, err := decodeStreamUpdate(decoded)
		if err != nil {
			return err
		}
		h(up)
	}
	return nil
}

func (m *MemoryTransport) SubscribeStream(ctx context.Context, streamID string, handler StreamHandler) (Unsubscribe, error) {
	if streamID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "stream id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	m.nextSub++
	id := m.nextSub
	if m.streamSubs[streamID] == nil {
		m.streamSubs[streamID] = make(map[uint64]StreamHandler)
	}
	m.streamSubs[streamID][id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.streamSubs[streamID], id)
		if len(m.streamSubs[streamID]) == 0 {
			delete(m.streamSubs, streamID)
		}
	}, nil
}

func (m *MemoryTransport) QueueDepth(ctx context.Context, role schema.Role) (int, error) {
	if err := checkRole(role); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errClosed
	}
	return len(m.queues[role]), nil
}

func (m *MemoryTransport) HealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Clear drops queued envelopes and cancellation flags. Subscriptions survive.
func (m *MemoryTransport) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.queues)
	clear(m.cancelled)
	return nil
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	clear(m.resultSubs)
	clear(m.streamSubs)
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
