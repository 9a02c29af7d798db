package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// forEachStore runs fn against both Store implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

// --- Checkpoints ---

func TestCheckpoint_MonotonicVersions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		cp1 := &Checkpoint{WorkflowID: "W1", State: json.RawMessage(`{"step":1}`)}
		require.NoError(t, s.AppendCheckpoint(ctx, cp1))
		assert.Equal(t, 1, cp1.Version)

		cp2 := &Checkpoint{WorkflowID: "W1", State: json.RawMessage(`{"step":2}`), ThreadID: "thread-a"}
		require.NoError(t, s.AppendCheckpoint(ctx, cp2))
		assert.Equal(t, 2, cp2.Version)

		latest, err := s.GetLatestCheckpoint(ctx, "W1")
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Version)
		assert.JSONEq(t, `{"step":2}`, string(latest.State))
		assert.Equal(t, "thread-a", latest.ThreadID)

		err = s.InsertCheckpoint(ctx, &Checkpoint{WorkflowID: "W1", Version: 1, State: json.RawMessage(`{}`)})
		require.Error(t, err)
		assert.ErrorIs(t, err, schema.ErrCheckpointConflict)

		v1, err := s.GetCheckpoint(ctx, "W1", 1)
		require.NoError(t, err)
		assert.JSONEq(t, `{"step":1}`, string(v1.State), "conflicting insert must not overwrite")
	})
}

func TestCheckpoint_IndependentWorkflows(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := &Checkpoint{WorkflowID: "A", State: json.RawMessage(`1`)}
		b := &Checkpoint{WorkflowID: "B", State: json.RawMessage(`2`)}
		require.NoError(t, s.AppendCheckpoint(ctx, a))
		require.NoError(t, s.AppendCheckpoint(ctx, b))
		assert.Equal(t, 1, a.Version)
		assert.Equal(t, 1, b.Version)

		_, err := s.GetLatestCheckpoint(ctx, "missing")
		assert.ErrorIs(t, err, schema.ErrNotFound)
	})
}

func TestCheckpoint_InsertExplicitVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertCheckpoint(ctx, &Checkpoint{WorkflowID: "W", Version: 3, State: json.RawMessage(`{}`)}))

		next := &Checkpoint{WorkflowID: "W", State: json.RawMessage(`{}`)}
		require.NoError(t, s.AppendCheckpoint(ctx, next))
		assert.Equal(t, 4, next.Version)

		err := s.InsertCheckpoint(ctx, &Checkpoint{WorkflowID: "W", Version: 0, State: json.RawMessage(`{}`)})
		assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

		list, err := s.ListCheckpoints(ctx, "W")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, 3, list[0].Version)
		assert.Equal(t, 4, list[1].Version)
	})
}

func TestCheckpoint_ConcurrentAppendsSameWorkflow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const writers = 8

		var wg sync.WaitGroup
		versions := make([]int, writers)
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cp := &Checkpoint{WorkflowID: "C", State: json.RawMessage(`{}`)}
				errs[i] = s.AppendCheckpoint(ctx, cp)
				versions[i] = cp.Version
			}(i)
		}
		wg.Wait()

		seen := make(map[int]bool)
		for i := range versions {
			require.NoError(t, errs[i])
			assert.False(t, seen[versions[i]], "version %d assigned twice", versions[i])
			seen[versions[i]] = true
		}
		for v := 1; v <= writers; v++ {
			assert.True(t, seen[v], "version %d missing", v)
		}
	})
}

func TestCheckpoint_PruneKeepsLatest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := time.Now().UTC().Add(-48 * time.Hour)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendCheckpoint(ctx, &Checkpoint{WorkflowID: "P", State: json.RawMessage(`{}`), CreatedAt: old}))
		}
		require.NoError(t, s.AppendCheckpoint(ctx, &Checkpoint{WorkflowID: "Q", State: json.RawMessage(`{}`), CreatedAt: old}))

		n, err := s.PruneCheckpoints(ctx, time.Now().UTC().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		latest, err := s.GetLatestCheckpoint(ctx, "P")
		require.NoError(t, err)
		assert.Equal(t, 3, latest.Version)
		_, err = s.GetLatestCheckpoint(ctx, "Q")
		require.NoError(t, err)
	})
}

// --- Workflow events ---

func TestWorkflowEvents_SequencePerWorkflow(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, typ := range []string{schema.EventWorkflowStarted, schema.EventCheckpointSaved, schema.EventWorkflowCompleted} {
			require.NoError(t, s.AppendWorkflowEvent(ctx, &WorkflowEvent{WorkflowID: "W", Type: typ}))
		}
		require.NoError(t, s.AppendWorkflowEvent(ctx, &WorkflowEvent{WorkflowID: "other", Type: schema.EventWorkflowStarted}))

		events, err := s.ListWorkflowEvents(ctx, "W", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
		assert.Equal(t, schema.EventWorkflowCompleted, events[2].Type)

		tail, err := s.ListWorkflowEvents(ctx, "W", 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
	})
}

// --- Executions ---

func TestExecutions_Lifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		exec := &Execution{
			ID:        uuid.New().String(),
			Role:      schema.RoleDeveloper,
			Input:     json.RawMessage(`{"feature":"login"}`),
			Status:    ExecutionRunning,
			StartedAt: &now,
		}
		require.NoError(t, s.CreateExecution(ctx, exec))
		assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(s.CreateExecution(ctx, exec)))

		status := ExecutionCompleted
		done := now.Add(time.Second)
		require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
			Status: &status, Output: json.RawMessage(`{"ok":true}`), CompletedAt: &done,
		}))

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, ExecutionCompleted, got.Status)
		assert.JSONEq(t, `{"ok":true}`, string(got.Output))
		require.NotNil(t, got.CompletedAt)

		tokens := int64(42)
		require.NoError(t, s.RecordAgentResult(ctx, &AgentResult{
			TaskID: exec.ID, Role: schema.RoleDeveloper, Status: "completed", ExecutionTimeMs: 1000, TokensUsed: &tokens,
		}))
		results, err := s.ListAgentResults(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.NotNil(t, results[0].TokensUsed)
		assert.Equal(t, int64(42), *results[0].TokensUsed)
		assert.Nil(t, results[0].Cost)

		list, err := s.ListExecutions(ctx, ExecutionFilter{Role: schema.RoleDeveloper})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		err = s.UpdateExecution(ctx, "missing", ExecutionUpdate{Status: &status})
		assert.ErrorIs(t, err, schema.ErrNotFound)
	})
}

// --- Circuit breaker ---

func TestBreaker_SwapIsConditional(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetBreaker(ctx, schema.RoleAnalyst)
		require.ErrorIs(t, err, schema.ErrNotFound)

		rec := &BreakerRecord{Role: schema.RoleAnalyst, State: "CLOSED", FailureCount: 1, TotalRequests: 1}
		require.NoError(t, s.SwapBreaker(ctx, 0, rec, nil))
		assert.Equal(t, int64(1), rec.Version)

		// A second creator loses.
		err = s.SwapBreaker(ctx, 0, &BreakerRecord{Role: schema.RoleAnalyst, State: "CLOSED"}, nil)
		assert.ErrorIs(t, err, schema.ErrConflict)

		next := rec.Clone()
		next.State = "OPEN"
		next.FailureCount = 5
		attempt := time.Now().UTC().Add(30 * time.Second)
		next.NextAttemptAt = &attempt
		tr := &BreakerTransition{FromState: "CLOSED", ToState: "OPEN", Reason: "failure threshold reached", FailureCount: 5}
		require.NoError(t, s.SwapBreaker(ctx, 1, next, tr))
		assert.Equal(t, int64(2), next.Version)

		// A writer holding the stale version must not erase the new state.
		stale := rec.Clone()
		stale.FailureCount = 2
		err = s.SwapBreaker(ctx, 1, stale, &BreakerTransition{FromState: "CLOSED", ToState: "CLOSED", Reason: "stale"})
		assert.ErrorIs(t, err, schema.ErrConflict)

		got, err := s.GetBreaker(ctx, schema.RoleAnalyst)
		require.NoError(t, err)
		assert.Equal(t, "OPEN", got.State)
		assert.Equal(t, 5, got.FailureCount)
		require.NotNil(t, got.NextAttemptAt)

		history, err := s.ListBreakerHistory(ctx, schema.RoleAnalyst, 10)
		require.NoError(t, err)
		require.Len(t, history, 1, "failed swaps must not append history")
		assert.Equal(t, "OPEN", history[0].ToState)

		all, err := s.ListBreakers(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestBreaker_RecentFailuresPersist(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		rec := &BreakerRecord{
			Role:           schema.RoleTester,
			State:          "CLOSED",
			FailureCount:   2,
			RecentFailures: []time.Time{base, base.Add(1500 * time.Millisecond)},
		}
		require.NoError(t, s.SwapBreaker(ctx, 0, rec, nil))

		got, err := s.GetBreaker(ctx, schema.RoleTester)
		require.NoError(t, err)
		require.Len(t, got.RecentFailures, 2)
		assert.True(t, got.RecentFailures[0].Equal(base))
		assert.True(t, got.RecentFailures[1].Equal(base.Add(1500*time.Millisecond)))

		next := got.Clone()
		next.RecentFailures = nil
		require.NoError(t, s.SwapBreaker(ctx, got.Version, next, nil))
		got, err = s.GetBreaker(ctx, schema.RoleTester)
		require.NoError(t, err)
		assert.Empty(t, got.RecentFailures)
	})
}

func TestBreaker_PruneHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := &BreakerRecord{Role: schema.RoleQA, State: "CLOSED"}
		old := time.Now().UTC().Add(-100 * 24 * time.Hour)
		require.NoError(t, s.SwapBreaker(ctx, 0, rec, &BreakerTransition{FromState: "CLOSED", ToState: "OPEN", Reason: "old", CreatedAt: old}))
		next := rec.Clone()
		require.NoError(t, s.SwapBreaker(ctx, rec.Version, next, &BreakerTransition{FromState: "OPEN", ToState: "HALF_OPEN", Reason: "recent"}))

		n, err := s.PruneBreakerHistory(ctx, time.Now().UTC().Add(-90*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		history, err := s.ListBreakerHistory(ctx, schema.RoleQA, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "recent", history[0].Reason)
	})
}

// --- Scheduler state ---

func TestSchedulerTx_CommitAndRollback(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.WithSchedulerTx(ctx, func(tx SchedulerTx) error {
			if err := tx.PutTask(&schema.Task{ID: "t1", Name: "spec", Role: schema.RoleAnalyst, Status: schema.TaskStatusPending, Seq: 1}); err != nil {
				return err
			}
			if err := tx.PutTask(&schema.Task{ID: "t2", Name: "build", Role: schema.RoleDeveloper, Status: schema.TaskStatusBlocked, DependsOn: []string{"t1"}, Seq: 2}); err != nil {
				return err
			}
			if err := tx.PutWorker(&schema.WorkerStatus{Role: schema.RoleDeveloper, Capacity: 10, MaxCapacity: 10}); err != nil {
				return err
			}
			if err := tx.PutWorker(&schema.WorkerStatus{Role: schema.RoleAnalyst, Capacity: 10, MaxCapacity: 10}); err != nil {
				return err
			}
			return tx.ReplaceBlockers([]*schema.Blocker{{ID: "b1", BlockedRole: schema.RoleDeveloper, BlockingRole: schema.RoleAnalyst, Reason: "waiting"}})
		}))

		boom := errors.New("boom")
		err := s.WithSchedulerTx(ctx, func(tx SchedulerTx) error {
			task, err := tx.GetTask("t1")
			if err != nil {
				return err
			}
			task.Status = schema.TaskStatusCompleted
			if err := tx.PutTask(task); err != nil {
				return err
			}
			if err := tx.ReplaceBlockers(nil); err != nil {
				return err
			}
			got, err := tx.GetTask("t1")
			if err != nil {
				return err
			}
			assert.Equal(t, schema.TaskStatusCompleted, got.Status, "reads see own writes")
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, s.WithSchedulerTx(ctx, func(tx SchedulerTx) error {
			task, err := tx.GetTask("t1")
			require.NoError(t, err)
			assert.Equal(t, schema.TaskStatusPending, task.Status, "rolled back write must not persist")

			tasks, err := tx.ListTasks()
			require.NoError(t, err)
			require.Len(t, tasks, 2)
			assert.Equal(t, "t1", tasks[0].ID)
			assert.Equal(t, []string{"t1"}, tasks[1].DependsOn)

			workers, err := tx.ListWorkers()
			require.NoError(t, err)
			require.Len(t, workers, 2)
			assert.Equal(t, schema.RoleAnalyst, workers[0].Role)

			blockers, err := tx.ListBlockers()
			require.NoError(t, err)
			require.Len(t, blockers, 1)
			assert.Equal(t, "waiting", blockers[0].Reason)

			_, err = tx.GetTask("nope")
			assert.ErrorIs(t, err, schema.ErrNotFound)
			return nil
		}))
	})
}
