package streaming

import (
	"context"
	"time"
)

// StreamEvent is a control-plane event: task lifecycle, blockers, breaker
// transitions, agent registration and workflow progress.
type StreamEvent struct {
	Type       string    `json:"type"`
	Role       string    `json:"role,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	Role       string   `json:"role,omitempty"`
	TaskID     string   `json:"task_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for control-plane events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
	History(role string, limit int) []StreamEvent
}
