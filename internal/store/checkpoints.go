package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// AppendCheckpoint writes cp with the next version for its workflow and sets
// cp.Version. The version is read and inserted under the write lock.
func (s *LibSQLStore) AppendCheckpoint(ctx context.Context, cp *Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin checkpoint tx")
	}
	defer tx.Rollback()

	if err := acquireWriteLock(ctx, tx); err != nil {
		return err
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_checkpoints WHERE workflow_id = ?`, cp.WorkflowID,
	).Scan(&next); err != nil {
		return storeErr(err, "next checkpoint version")
	}
	cp.Version = next
	cp.CreatedAt = timeOrNow(cp.CreatedAt)

	if err := insertCheckpointRow(ctx, tx, cp); err != nil {
		return err
	}
	return storeErr(tx.Commit(), "commit checkpoint")
}

// InsertCheckpoint writes cp at its explicit version. A version at or below
// the workflow's latest fails with CHECKPOINT_CONFLICT.
func (s *LibSQLStore) InsertCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.Version < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "checkpoint version must be >= 1, got %d", cp.Version)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin checkpoint tx")
	}
	defer tx.Rollback()

	if err := acquireWriteLock(ctx, tx); err != nil {
		return err
	}

	var latest int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_checkpoints WHERE workflow_id = ?`, cp.WorkflowID,
	).Scan(&latest); err != nil {
		return storeErr(err, "latest checkpoint version")
	}
	if cp.Version <= latest {
		return checkpointConflict(cp.WorkflowID, cp.Version, latest)
	}
	cp.CreatedAt = timeOrNow(cp.CreatedAt)

	if err := insertCheckpointRow(ctx, tx, cp); err != nil {
		return err
	}
	return storeErr(tx.Commit(), "commit checkpoint")
}

func insertCheckpointRow(ctx context.Context, tx *sql.Tx, cp *Checkpoint) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_checkpoints (workflow_id, version, state, thread_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cp.WorkflowID, cp.Version, string(cp.State), nullStr(cp.ThreadID), cp.CreatedAt,
	)
	if isUniqueViolation(err) {
		return checkpointConflict(cp.WorkflowID, cp.Version, cp.Version)
	}
	return storeErr(err, "insert checkpoint")
}

func checkpointConflict(workflowID string, version, latest int) *schema.CASError {
	return schema.NewErrorf(schema.ErrCodeCheckpointConflict,
		"checkpoint %s version %d already exists", workflowID, version).
		WithDetails(map[string]any{"workflow_id": workflowID, "version": version, "latest": latest})
}

func (s *LibSQLStore) GetLatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	return s.scanCheckpoint(s.db.QueryRowContext(ctx,
		`SELECT workflow_id, version, state, thread_id, created_at FROM workflow_checkpoints
		 WHERE workflow_id = ? ORDER BY version DESC LIMIT 1`, workflowID,
	), workflowID)
}

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, workflowID string, version int) (*Checkpoint, error) {
	return s.scanCheckpoint(s.db.QueryRowContext(ctx,
		`SELECT workflow_id, version, state, thread_id, created_at FROM workflow_checkpoints
		 WHERE workflow_id = ? AND version = ?`, workflowID, version,
	), workflowID)
}

func (s *LibSQLStore) scanCheckpoint(row *sql.Row, workflowID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var state string
	var threadID sql.NullString
	err := row.Scan(&cp.WorkflowID, &cp.Version, &state, &threadID, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", workflowID)
	}
	if err != nil {
		return nil, storeErr(err, "get checkpoint")
	}
	cp.State = []byte(state)
	cp.ThreadID = threadID.String
	return cp, nil
}

// ListCheckpoints returns every stored version of a workflow, oldest first.
func (s *LibSQLStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, version, state, thread_id, created_at FROM workflow_checkpoints
		 WHERE workflow_id = ? ORDER BY version ASC`, workflowID,
	)
	if err != nil {
		return nil, storeErr(err, "list checkpoints")
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		var state string
		var threadID sql.NullString
		if err := rows.Scan(&cp.WorkflowID, &cp.Version, &state, &threadID, &cp.CreatedAt); err != nil {
			return nil, storeErr(err, "scan checkpoint")
		}
		cp.State = []byte(state)
		cp.ThreadID = threadID.String
		cps = append(cps, cp)
	}
	return cps, storeErr(rows.Err(), "list checkpoints")
}

// PruneCheckpoints deletes checkpoints created before the cutoff. The latest
// version of every workflow is always kept so resume stays possible.
func (s *LibSQLStore) PruneCheckpoints(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_checkpoints
		 WHERE created_at < ?
		   AND version < (SELECT MAX(c.version) FROM workflow_checkpoints c
		                  WHERE c.workflow_id = workflow_checkpoints.workflow_id)`,
		before.UTC(),
	)
	if err != nil {
		return 0, storeErr(err, "prune checkpoints")
	}
	n, err := res.RowsAffected()
	return n, storeErr(err, "prune checkpoints")
}

// --- Workflow events ---

// AppendWorkflowEvent appends an event with a monotonically increasing
// per-workflow sequence.
func (s *LibSQLStore) AppendWorkflowEvent(ctx context.Context, event *WorkflowEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin event tx")
	}
	defer tx.Rollback()

	if err := acquireWriteLock(ctx, tx); err != nil {
		return err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM workflow_events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq); err != nil {
		return storeErr(err, "next event sequence")
	}
	event.Sequence = seq
	event.CreatedAt = timeOrNow(event.CreatedAt)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_events (workflow_id, event_type, event_data, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.WorkflowID, event.Type, nullRaw(event.Data), seq, event.CreatedAt,
	)
	if err != nil {
		return storeErr(err, "insert workflow event")
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return storeErr(tx.Commit(), "commit workflow event")
}

// ListWorkflowEvents returns events with sequence > since, oldest first.
func (s *LibSQLStore) ListWorkflowEvents(ctx context.Context, workflowID string, since int64) ([]*WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, event_type, event_data, sequence, created_at
		 FROM workflow_events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, storeErr(err, "list workflow events")
	}
	defer rows.Close()

	var events []*WorkflowEvent
	for rows.Next() {
		e := &WorkflowEvent{}
		var data sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Type, &data, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, storeErr(err, "scan workflow event")
		}
		e.Data = rawOrNil(data)
		events = append(events, e)
	}
	return events, storeErr(rows.Err(), "list workflow events")
}
