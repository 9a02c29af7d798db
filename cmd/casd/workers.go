package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tutorwiseapp/cas/internal/engine"
	"github.com/tutorwiseapp/cas/internal/expressions"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// builtinWorker resolves an agent's worker setting. An empty spec means the
// role is served by an out-of-process agent and gets no in-process worker.
//
//	echo          returns the task input unchanged
//	jq:<query>    returns the query applied to the task input
func builtinWorker(spec string) (engine.Worker, error) {
	switch {
	case spec == "":
		return nil, nil
	case spec == "echo":
		return engine.WorkerFunc(echoWorker), nil
	case strings.HasPrefix(spec, "jq:"):
		query := strings.TrimSpace(strings.TrimPrefix(spec, "jq:"))
		jq := expressions.NewGoJQEngine()
		if err := jq.Compile(query); err != nil {
			return nil, err
		}
		return jqWorker(jq, query), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown worker %q (want echo or jq:<query>)", spec)
	}
}

func echoWorker(_ context.Context, task *schema.Task, _ engine.Emitter) (json.RawMessage, error) {
	if len(task.Input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return task.Input, nil
}

// jqWorker evaluates query against the task input. Object input is the
// query's root; anything else is reachable as .input. The task itself is
// reachable as .task.
func jqWorker(jq *expressions.GoJQEngine, query string) engine.WorkerFunc {
	return func(ctx context.Context, task *schema.Task, emit engine.Emitter) (json.RawMessage, error) {
		data := map[string]any{}
		if len(task.Input) > 0 {
			var in any
			if err := json.Unmarshal(task.Input, &in); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "task input is not JSON: %v", err)
			}
			if obj, ok := in.(map[string]any); ok {
				data = obj
			} else {
				data["input"] = in
			}
		}
		if _, ok := data["task"]; !ok {
			data["task"] = map[string]any{
				"id":          task.ID,
				"name":        task.Name,
				"role":        string(task.Role),
				"workflow_id": task.WorkflowID,
			}
		}
		if err := emit(map[string]any{"stage": "jq", "query": query}); err != nil {
			return nil, err
		}
		return jq.EvaluateJSON(ctx, query, data)
	}
}
