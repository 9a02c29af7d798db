package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// StreamChunk is one element of a TaskStream. The last chunk has Final set
// and carries the task's result or the error that ended the stream.
type StreamChunk struct {
	Seq    int64              `json:"seq"`
	Data   json.RawMessage    `json:"data,omitempty"`
	Final  bool               `json:"final,omitempty"`
	Result *schema.TaskResult `json:"result,omitempty"`
	Err    error              `json:"-"`
}

// TaskStream delivers a task's partial results in order. Chunks is closed
// after the final chunk. A stream runs its task once; streaming the same task
// again executes it again.
type TaskStream struct {
	Chunks <-chan StreamChunk

	stop     chan struct{}
	stopOnce sync.Once
}

// Close abandons the stream. The task keeps running; cancel it with
// CancelTask if its work is no longer wanted.
func (s *TaskStream) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (h *agentHost) StreamTask(ctx context.Context, task *schema.Task) (*TaskStream, error) {
	if task == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "task is nil")
	}
	task = task.Clone()
	if task.ID == "" {
		task.ID = newTaskID()
	}
	if !task.Role.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", task.Role)
	}

	ch := make(chan StreamChunk, h.streamBuffer)
	s := &TaskStream{Chunks: ch, stop: make(chan struct{})}
	send := func(c StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-s.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}

	finalSeen := make(chan struct{})
	var finalOnce sync.Once
	// Subscribe before publishing: the durable transport only delivers
	// updates written after the subscription starts.
	unsubscribe, err := h.transport.SubscribeStream(ctx, task.ID, func(up schema.StreamUpdate) {
		if up.Final {
			finalOnce.Do(func() { close(finalSeen) })
			return
		}
		send(StreamChunk{Seq: up.Seq, Data: up.Data})
	})
	if err != nil {
		return nil, schema.Transient(schema.ErrCodeTransport, err, "subscribe stream %s: %v", task.ID, err)
	}

	go func() {
		defer close(ch)
		res, err := h.ExecuteTask(ctx, task)
		if err == nil && (res.Error == nil || res.Error.Code != schema.ErrCodeCircuitOpen) {
			// Trailing updates may still be in flight on a polling transport.
			t := time.NewTimer(h.streamDrain)
			select {
			case <-finalSeen:
			case <-t.C:
			case <-s.stop:
			case <-ctx.Done():
			}
			t.Stop()
		}
		unsubscribe()
		send(StreamChunk{Final: true, Result: res, Err: err})
	}()
	return s, nil
}

// WorkflowUpdate is one progress notification of a streamed workflow run.
type WorkflowUpdate struct {
	Type    string                 `json:"type"`
	StepID  string                 `json:"step_id,omitempty"`
	TaskID  string                 `json:"task_id,omitempty"`
	Status  string                 `json:"status,omitempty"`
	Version int                    `json:"version,omitempty"`
	Time    time.Time              `json:"time"`
	Final   bool                   `json:"final,omitempty"`
	Result  *schema.WorkflowResult `json:"result,omitempty"`
	Err     error                  `json:"-"`
}

// WorkflowStream delivers a workflow run's progress. Updates is closed after
// the final update.
type WorkflowStream struct {
	Updates <-chan WorkflowUpdate

	stop     chan struct{}
	stopOnce sync.Once
}

// Close stops delivery. The workflow keeps running to completion.
func (s *WorkflowStream) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// streamWorkflow runs a workflow on its own goroutine, reporting progress.
func (h *agentHost) streamWorkflow(ctx context.Context, workflowID string, input schema.WorkflowInput, walk walkFunc) (*WorkflowStream, error) {
	wf, err := h.workflow(workflowID, input)
	if err != nil {
		return nil, err
	}

	ch := make(chan WorkflowUpdate, h.streamBuffer)
	s := &WorkflowStream{Updates: ch, stop: make(chan struct{})}
	observe := func(u WorkflowUpdate) {
		u.Time = h.now()
		select {
		case ch <- u:
		case <-s.stop:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(ch)
		res, err := h.runWorkflow(ctx, workflowID, input, wf, walk, observe)
		final := WorkflowUpdate{Type: "result", Final: true, Result: res, Err: err, Time: h.now()}
		if res != nil {
			final.Status = string(res.Status)
			final.Version = res.Version
		}
		select {
		case ch <- final:
		case <-s.stop:
		case <-ctx.Done():
		}
	}()
	return s, nil
}
