package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

func runWorker(t *testing.T, spec string, task *schema.Task) (json.RawMessage, []any) {
	t.Helper()
	w, err := builtinWorker(spec)
	require.NoError(t, err)
	require.NotNil(t, w)
	var emitted []any
	out, err := w.Run(context.Background(), task, func(v any) error {
		emitted = append(emitted, v)
		return nil
	})
	require.NoError(t, err)
	return out, emitted
}

func TestBuiltinWorkerEmptySpec(t *testing.T) {
	w, err := builtinWorker("")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestBuiltinWorkerUnknown(t *testing.T) {
	_, err := builtinWorker("python:main.py")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = builtinWorker("jq: {broken")
	require.Error(t, err)
}

func TestEchoWorker(t *testing.T) {
	out, _ := runWorker(t, "echo", &schema.Task{ID: "t1", Input: json.RawMessage(`{"a":1}`)})
	assert.JSONEq(t, `{"a":1}`, string(out))

	out, _ = runWorker(t, "echo", &schema.Task{ID: "t2"})
	assert.JSONEq(t, `{}`, string(out))
}

func TestJQWorker(t *testing.T) {
	task := &schema.Task{
		ID:         "t1",
		Name:       "Build export",
		Role:       schema.RoleDeveloper,
		WorkflowID: "wf-1",
		Input:      json.RawMessage(`{"files":["a.go","b.go"]}`),
	}
	out, emitted := runWorker(t, "jq:{count: (.files | length), by: .task.role}", task)
	assert.JSONEq(t, `{"count":2,"by":"developer"}`, string(out))
	require.Len(t, emitted, 1)
	assert.Equal(t, "jq", emitted[0].(map[string]any)["stage"])
}

func TestJQWorkerNonObjectInput(t *testing.T) {
	out, _ := runWorker(t, "jq:.input | add", &schema.Task{ID: "t1", Input: json.RawMessage(`[1,2,3]`)})
	assert.JSONEq(t, `6`, string(out))
}
