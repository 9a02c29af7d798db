package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCASError_IsMatchesByCode(t *testing.T) {
	err := NewErrorf(ErrCodeCircuitOpen, "circuit open for %s", RoleAnalyst)
	wrapped := fmt.Errorf("call provider: %w", err)

	assert.True(t, errors.Is(wrapped, ErrCircuitOpen))
	assert.False(t, errors.Is(wrapped, ErrTransient))
	assert.Equal(t, ErrCodeCircuitOpen, CodeOf(wrapped))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
}

func TestCASError_Format(t *testing.T) {
	err := NewError(ErrCodeConflict, "already completed").WithTask("t-1")
	assert.Equal(t, "[CONFLICT] task t-1: already completed", err.Error())
	assert.Equal(t, "[NOT_FOUND] missing", NewError(ErrCodeNotFound, "missing").Error())
}

func TestCASError_Retryable(t *testing.T) {
	for _, code := range []string{ErrCodeTransient, ErrCodeTransport, ErrCodeStore, ErrCodeTimeout} {
		assert.True(t, NewError(code, "x").IsRetryable(), code)
	}
	for _, code := range []string{ErrCodeValidation, ErrCodeCheckpointConflict, ErrCodeCircuitOpen, ErrCodeWorkerFailed} {
		assert.False(t, NewError(code, "x").IsRetryable(), code)
	}
}

func TestCASError_UnwrapCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "insert checkpoint").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestRole_Parse(t *testing.T) {
	r, err := ParseRole(" QA ")
	require.NoError(t, err)
	assert.Equal(t, RoleQA, r)

	_, err = ParseRole("designer")
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, CodeOf(err))

	for _, role := range AllRoles() {
		assert.True(t, role.Valid(), role)
	}
	assert.Equal(t, RoleQA.Stage(), RoleSecurity.Stage())
}

func TestTaskPriority_Rank(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityMedium.Rank(), TaskPriority("").Rank())
}

func TestTask_CloneIsDeep(t *testing.T) {
	orig := &Task{ID: "a", DependsOn: []string{"b"}, Input: json.RawMessage(`{}`)}
	cp := orig.Clone()
	cp.DependsOn[0] = "z"
	assert.Equal(t, "b", orig.DependsOn[0])
}

func TestEnvelope_IgnoresUnknownFields(t *testing.T) {
	env, err := NewEnvelope(KindTask, RolePlanner, RoleAnalyst, "t-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, env.ProtocolVersion)
	assert.NotEmpty(t, env.ID)

	raw := []byte(`{"id":"e1","kind":"result","correlation_id":"t-9","payload":{"a":1},"timestamp":"2026-01-01T00:00:00Z","protocol_version":"1.1","extra":"ignored"}`)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, KindResult, decoded.Kind)
	assert.Equal(t, "t-9", decoded.CorrelationID)

	var payload map[string]int
	require.NoError(t, decoded.DecodePayload(&payload))
	assert.Equal(t, 1, payload["a"])
}
