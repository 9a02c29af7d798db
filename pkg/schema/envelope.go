package schema

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped on every envelope the core publishes.
const ProtocolVersion = "1.0"

// EnvelopeKind discriminates what an envelope's payload carries.
type EnvelopeKind string

const (
	KindTask         EnvelopeKind = "task"
	KindResult       EnvelopeKind = "result"
	KindCancellation EnvelopeKind = "cancellation"
	KindStreamUpdate EnvelopeKind = "stream_update"
	KindStatus       EnvelopeKind = "status"
)

// Envelope is the immutable unit exchanged over the message transport.
// Decoding ignores unknown fields.
type Envelope struct {
	ID              string          `json:"id"`
	Kind            EnvelopeKind    `json:"kind"`
	Sender          Role            `json:"sender,omitempty"`
	Recipient       Role            `json:"recipient,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	ProtocolVersion string          `json:"protocol_version"`
}

// NewEnvelope builds an envelope with a fresh id, the current time and the
// current protocol version. payload is marshalled as JSON.
func NewEnvelope(kind EnvelopeKind, sender, recipient Role, correlationID string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, NewErrorf(ErrCodeValidation, "marshal %s payload: %v", kind, err).WithCause(err)
		}
		raw = b
	}
	return &Envelope{
		ID:              uuid.New().String(),
		Kind:            kind,
		Sender:          sender,
		Recipient:       recipient,
		CorrelationID:   correlationID,
		Payload:         raw,
		Timestamp:       time.Now().UTC(),
		ProtocolVersion: ProtocolVersion,
	}, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return NewErrorf(ErrCodeValidation, "envelope %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return NewErrorf(ErrCodeValidation, "decode %s payload: %v", e.Kind, err).WithCause(err)
	}
	return nil
}

// StreamUpdate is one partial result on a named stream.
type StreamUpdate struct {
	StreamID  string          `json:"stream_id"`
	Seq       int64           `json:"seq"`
	Data      json.RawMessage `json:"data,omitempty"`
	Final     bool            `json:"final"`
	Timestamp time.Time       `json:"timestamp"`
}
