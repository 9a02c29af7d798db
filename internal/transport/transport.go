// Package transport moves envelopes between the control plane and the role
// workers. Every backend keeps FIFO order within a role's queue and treats
// cancellation as an advisory flag that workers poll.
package transport

import (
	"context"
	"encoding/json"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// ResultHandler receives task results published for a role.
type ResultHandler func(result *schema.TaskResult)

// StreamHandler receives updates published on a stream.
type StreamHandler func(update schema.StreamUpdate)

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Transport is the queue and pub/sub contract shared by all backends.
// ReceiveNext returns (nil, nil) when the role's queue is empty. A received
// envelope stays owned by the consumer until Ack; durable backends redeliver
// unacknowledged envelopes, so consumers must be idempotent.
type Transport interface {
	Publish(ctx context.Context, role schema.Role, env *schema.Envelope) error
	ReceiveNext(ctx context.Context, role schema.Role) (*schema.Envelope, error)
	Ack(ctx context.Context, role schema.Role, envelopeID string) error

	PublishResult(ctx context.Context, result *schema.TaskResult) error
	SubscribeResults(ctx context.Context, role schema.Role, handler ResultHandler) (Unsubscribe, error)

	PublishCancellation(ctx context.Context, taskID string) error
	IsCancelled(ctx context.Context, taskID string) (bool, error)

	PublishStreamUpdate(ctx context.Context, streamID string, update schema.StreamUpdate) error
	SubscribeStream(ctx context.Context, streamID string, handler StreamHandler) (Unsubscribe, error)

	QueueDepth(ctx context.Context, role schema.Role) (int, error)
	HealthCheck(ctx context.Context) bool
	Clear(ctx context.Context) error
	Close() error
}

// EnvelopeValidator checks the wire form of an envelope.
// validation.JSONSchemaValidator satisfies it.
type EnvelopeValidator interface {
	ValidateEnvelope(raw []byte) error
}

var errClosed = schema.NewError(schema.ErrCodeTransport, "transport closed")

func transportErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.Transient(schema.ErrCodeTransport, err, "transport %s: %v", op, err)
}

func checkRole(role schema.Role) error {
	if !role.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	return nil
}

// encodeEnvelope marshals env and checks it against the wire schema.
func encodeEnvelope(v EnvelopeValidator, env *schema.Envelope) ([]byte, error) {
	if env == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "nil envelope")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal envelope: %v", err).WithCause(err)
	}
	if v != nil {
		if err := v.ValidateEnvelope(raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// decodeEnvelope validates and unmarshals a stored envelope. Unknown fields
// are ignored.
func decodeEnvelope(v EnvelopeValidator, raw []byte) (*schema.Envelope, error) {
	if v != nil {
		if err := v.ValidateEnvelope(raw); err != nil {
			return nil, err
		}
	}
	var env schema.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode envelope: %v", err).WithCause(err)
	}
	return &env, nil
}

func resultEnvelope(result *schema.TaskResult) (*schema.Envelope, error) {
	if result == nil || result.TaskID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "result requires a task id")
	}
	if err := checkRole(result.Role); err != nil {
		return nil, err
	}
	return schema.NewEnvelope(schema.KindResult, result.Role, "", result.TaskID, result)
}

func streamEnvelope(streamID string, update schema.StreamUpdate) (*schema.Envelope, error) {
	if streamID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "stream id is required")
	}
	update.StreamID = streamID
	return schema.NewEnvelope(schema.KindStreamUpdate, "", "", streamID, update)
}

func decodeResult(env *schema.Envelope) (*schema.TaskResult, error) {
	var res schema.TaskResult
	if err := env.DecodePayload(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func decodeStreamUpdate(env *schema.Envelope) (schema.StreamUpdate, error) {
	var up schema.StreamUpdate
	err := env.DecodePayload(&up)
	return up, err
}
