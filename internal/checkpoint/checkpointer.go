// Package checkpoint versions workflow state. Every save appends a new,
// strictly increasing version; an existing version is never overwritten.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// saveAttempts bounds retries when another process takes the version this
// process computed.
const saveAttempts = 3

// Store is the subset of store.Store the checkpointer uses.
type Store interface {
	AppendCheckpoint(ctx context.Context, cp *store.Checkpoint) error
	InsertCheckpoint(ctx context.Context, cp *store.Checkpoint) error
	GetLatestCheckpoint(ctx context.Context, workflowID string) (*store.Checkpoint, error)
	GetCheckpoint(ctx context.Context, workflowID string, version int) (*store.Checkpoint, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]*store.Checkpoint, error)
	PruneCheckpoints(ctx context.Context, before time.Time) (int64, error)
	AppendWorkflowEvent(ctx context.Context, event *store.WorkflowEvent) error
}

// Version describes one stored checkpoint without its state.
type Version struct {
	Version   int       `json:"version"`
	ThreadID  string    `json:"thread_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpointer saves and loads workflow checkpoints.
type Checkpointer struct {
	store  Store
	logger *slog.Logger
	locks  *keyedMutex
	loads  singleflight.Group
	now    func() time.Time
}

// New creates a Checkpointer over st.
func New(st Store, logger *slog.Logger) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{
		store:  st,
		logger: logger.With("component", "checkpointer"),
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
}

// Save stores state as the next version of workflowID and returns that
// version. Writers of the same workflow are serialized in-process; across
// processes the unique (workflow_id, version) constraint decides and the
// loser recomputes its version.
func (c *Checkpointer) Save(ctx context.Context, workflowID string, state any, threadID string) (int, error) {
	if workflowID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	raw, err := encodeState(state)
	if err != nil {
		return 0, err
	}

	unlock := c.locks.Lock(workflowID)
	defer unlock()

	var cp *store.Checkpoint
	for attempt := 1; ; attempt++ {
		cp = &store.Checkpoint{WorkflowID: workflowID, State: raw, ThreadID: threadID}
		err = c.store.AppendCheckpoint(ctx, cp)
		if err == nil {
			break
		}
		if !errors.Is(err, schema.ErrCheckpointConflict) || attempt == saveAttempts {
			return 0, err
		}
		c.logger.Debug("checkpoint version taken, retrying", "workflow_id", workflowID, "attempt", attempt)
	}

	c.recordSaved(ctx, cp)
	return cp.Version, nil
}

// Insert stores state at an explicit version. Reusing a version fails with
// CHECKPOINT_CONFLICT.
func (c *Checkpointer) Insert(ctx context.Context, workflowID string, version int, state any, threadID string) error {
	if workflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	raw, err := encodeState(state)
	if err != nil {
		return err
	}

	unlock := c.locks.Lock(workflowID)
	defer unlock()

	cp := &store.Checkpoint{WorkflowID: workflowID, Version: version, State: raw, ThreadID: threadID}
	if err := c.store.InsertCheckpoint(ctx, cp); err != nil {
		return err
	}
	c.recordSaved(ctx, cp)
	return nil
}

// LoadLatest returns the newest checkpoint of workflowID. Concurrent loads of
// the same workflow share one store read, which no single caller's
// cancellation stops; each caller still returns when its own ctx ends.
func (c *Checkpointer) LoadLatest(ctx context.Context, workflowID string) (*store.Checkpoint, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(workflowID, func() (any, error) {
		return c.store.GetLatestCheckpoint(shared, workflowID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return cloneCheckpoint(r.Val.(*store.Checkpoint)), nil
	}
}

// LoadVersion returns one specific checkpoint.
func (c *Checkpointer) LoadVersion(ctx context.Context, workflowID string, version int) (*store.Checkpoint, error) {
	return c.store.GetCheckpoint(ctx, workflowID, version)
}

// ListVersions returns the stored versions of workflowID, oldest first.
func (c *Checkpointer) ListVersions(ctx context.Context, workflowID string) ([]Version, error) {
	cps, err := c.store.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]Version, 0, len(cps))
	for _, cp := range cps {
		out = append(out, Version{Version: cp.Version, ThreadID: cp.ThreadID, CreatedAt: cp.CreatedAt})
	}
	return out, nil
}

// Prune deletes checkpoints older than maxAge. The latest version of every
// workflow is kept so it can still resume.
func (c *Checkpointer) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "retention age must be positive, got %s", maxAge)
	}
	n, err := c.store.PruneCheckpoints(ctx, c.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("pruned checkpoints", "count", n, "max_age", maxAge.String())
	}
	return n, nil
}

// recordSaved appends the checkpoint_saved event. The checkpoint itself is
// already durable, so a failure here is only logged.
func (c *Checkpointer) recordSaved(ctx context.Context, cp *store.Checkpoint) {
	data, _ := json.Marshal(map[string]any{"version": cp.Version, "thread_id": cp.ThreadID})
	err := c.store.AppendWorkflowEvent(ctx, &store.WorkflowEvent{
		WorkflowID: cp.WorkflowID,
		Type:       schema.EventCheckpointSaved,
		Data:       data,
	})
	if err != nil {
		c.logger.Warn("failed to record checkpoint event", "workflow_id", cp.WorkflowID, "version", cp.Version, "error", err)
	}
}

func encodeState(state any) (json.RawMessage, error) {
	switch s := state.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(s) {
			return nil, schema.NewError(schema.ErrCodeValidation, "checkpoint state is not valid JSON")
		}
		return s, nil
	case []byte:
		if !json.Valid(s) {
			return nil, schema.NewError(schema.ErrCodeValidation, "checkpoint state is not valid JSON")
		}
		return json.RawMessage(s), nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal checkpoint state: %v", err).WithCause(err)
	}
	return b, nil
}

func cloneCheckpoint(cp *store.Checkpoint) *store.Checkpoint {
	out := *cp
	out.State = append(json.RawMessage(nil), cp.State...)
	return &out
}
