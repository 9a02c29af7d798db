package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/internal/streaming"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

func newTestOrchestrator(t *testing.T, cfg Config, opts ...Option) (*Orchestrator, *streaming.MemoryHub) {
	t.Helper()
	hub := streaming.NewMemoryHub()
	opts = append([]Option{WithEventHub(hub)}, opts...)
	o, err := New(context.Background(), store.NewMemoryStore(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o, hub
}

func assign(t *testing.T, o *Orchestrator, role schema.Role, name string, deps ...string) *schema.Task {
	t.Helper()
	task, err := o.AssignTask(context.Background(), role, &schema.Task{Name: name, Effort: 2, DependsOn: deps})
	require.NoError(t, err)
	return task
}

func status(t *testing.T, o *Orchestrator, id string) schema.TaskStatus {
	t.Helper()
	task, err := o.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func worker(t *testing.T, o *Orchestrator, role schema.Role) *schema.WorkerStatus {
	t.Helper()
	ws, err := o.WorkerStatuses(context.Background())
	require.NoError(t, err)
	for _, w := range ws {
		if w.Role == role {
			return w
		}
	}
	t.Fatalf("no worker status for %s", role)
	return nil
}

func eventTypes(hub *streaming.MemoryHub) []string {
	var out []string
	for _, role := range schema.AllRoles() {
		for _, ev := range hub.History(string(role), 0) {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestNewCreatesWorkerForEveryRole(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{Roles: map[schema.Role]RoleConfig{
		schema.RoleDeveloper: {Capacity: 20, Concurrency: 2},
	}})
	ws, err := o.WorkerStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, ws, len(schema.AllRoles()))
	assert.Equal(t, schema.RolePlanner, ws[0].Role)

	dev := worker(t, o, schema.RoleDeveloper)
	assert.Equal(t, 20, dev.Capacity)
	assert.Equal(t, 20, dev.MaxCapacity)
	assert.Equal(t, DefaultCapacity, worker(t, o, schema.RoleTester).MaxCapacity)
}

func TestNewRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, nil, Config{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = New(ctx, store.NewMemoryStore(), Config{Roles: map[schema.Role]RoleConfig{"janitor": {}}})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = New(ctx, store.NewMemoryStore(), Config{Rules: []BlockerRule{{Name: "bad", Expression: "queue.pending >"}}})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = New(ctx, store.NewMemoryStore(), Config{Rules: []BlockerRule{{Expression: "true"}}})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestAssignTaskValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	existing := assign(t, o, schema.RoleAnalyst, "existing")

	tests := []struct {
		name string
		role schema.Role
		task *schema.Task
		code string
	}{
		{"nil task", schema.RoleAnalyst, nil, schema.ErrCodeValidation},
		{"unknown role", "janitor", &schema.Task{Name: "x"}, schema.ErrCodeValidation},
		{"empty name", schema.RoleAnalyst, &schema.Task{Name: "  "}, schema.ErrCodeValidation},
		{"bad priority", schema.RoleAnalyst, &schema.Task{Name: "x", Priority: "urgent"}, schema.ErrCodeValidation},
		{"negative effort", schema.RoleAnalyst, &schema.Task{Name: "x", Effort: -1}, schema.ErrCodeValidation},
		{"unknown dependency", schema.RoleDeveloper, &schema.Task{Name: "x", DependsOn: []string{"later"}}, schema.ErrCodeValidation},
		{"self dependency", schema.RoleDeveloper, &schema.Task{ID: "me", Name: "x", DependsOn: []string{"me"}}, schema.ErrCodeCycleDetected},
		{"duplicate dependency", schema.RoleDeveloper, &schema.Task{Name: "x", DependsOn: []string{existing.ID, existing.ID}}, schema.ErrCodeValidation},
		{"duplicate id", schema.RoleDeveloper, &schema.Task{ID: existing.ID, Name: "x"}, schema.ErrCodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.AssignTask(ctx, tt.role, tt.task)
			require.Error(t, err)
			assert.Equal(t, tt.code, schema.CodeOf(err))
		})
	}

	tasks, err := o.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "rejected tasks must not be stored")
}

func TestAssignTaskDefaults(t *testing.T) {
	o, hub := newTestOrchestrator(t, Config{})
	task := assign(t, o, schema.RoleAnalyst, "  spec  ")
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "spec", task.Name)
	assert.Equal(t, schema.RoleAnalyst, task.Role)
	assert.Equal(t, schema.PriorityMedium, task.Priority)
	assert.Equal(t, schema.TaskStatusPending, task.Status)
	assert.Equal(t, int64(1), task.Seq)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Contains(t, eventTypes(hub), schema.EventTaskAssigned)

	next := assign(t, o, schema.RoleAnalyst, "second")
	assert.Equal(t, int64(2), next.Seq)
}

func TestDependencyGating(t *testing.T) {
	o, hub := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	a := assign(t, o, schema.RoleAnalyst, "analyze")
	b := assign(t, o, schema.RoleDeveloper, "build", a.ID)
	assert.Equal(t, schema.TaskStatusBlocked, b.Status)
	assert.Contains(t, b.BlockedReason, a.ID)

	_, err := o.CompleteTaskWithOutput(ctx, a.ID, json.RawMessage(`{"doc":"ok"}`))
	require.NoError(t, err)

	got, err := o.GetTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, got.Status)
	assert.Empty(t, got.BlockedReason)

	done, err := o.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"doc":"ok"}`, string(done.Output))
	require.NotNil(t, done.CompletedAt)
	assert.Contains(t, worker(t, o, schema.RoleAnalyst).Completed, a.ID)
	assert.Contains(t, eventTypes(hub), schema.EventTaskUnblocked)

	// A dependency that is already complete does not block.
	c := assign(t, o, schema.RoleTester, "test", a.ID)
	assert.Equal(t, schema.TaskStatusPending, c.Status)
}

func TestFanInWaitsForEveryDependency(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	qa := assign(t, o, schema.RoleQA, "review")
	sec := assign(t, o, schema.RoleSecurity, "audit")
	deploy := assign(t, o, schema.RoleEngineer, "deploy", qa.ID, sec.ID)

	_, err := o.CompleteTask(ctx, qa.ID)
	require.NoError(t, err)
	got, err := o.GetTask(ctx, deploy.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusBlocked, got.Status)
	assert.Equal(t, "waiting on "+sec.ID, got.BlockedReason)

	_, err = o.CompleteTask(ctx, sec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, status(t, o, deploy.ID))
}

func TestCompleteTaskTwiceConflicts(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	a := assign(t, o, schema.RoleAnalyst, "analyze")

	_, err := o.CompleteTask(ctx, a.ID)
	require.NoError(t, err)
	_, err = o.CompleteTask(ctx, a.ID)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
	assert.Len(t, worker(t, o, schema.RoleAnalyst).Completed, 1)

	_, err = o.CompleteTask(ctx, "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	blocked := assign(t, o, schema.RoleDeveloper, "later", assign(t, o, schema.RoleAnalyst, "open").ID)
	_, err = o.CompleteTask(ctx, blocked.ID)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
}

func TestStartAndCompleteAccountCapacity(t *testing.T) {
	o, hub := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	task, err := o.AssignTask(ctx, schema.RoleDeveloper, &schema.Task{Name: "build", Effort: 4})
	require.NoError(t, err)

	started, err := o.StartTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusInProgress, started.Status)
	require.NotNil(t, started.StartedAt)

	w := worker(t, o, schema.RoleDeveloper)
	assert.Equal(t, 6, w.Capacity)
	assert.True(t, w.Busy)
	assert.Equal(t, []string{task.ID}, w.CurrentTasks)

	_, err = o.StartTask(ctx, task.ID)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	_, err = o.CompleteTask(ctx, task.ID)
	require.NoError(t, err)
	w = worker(t, o, schema.RoleDeveloper)
	assert.Equal(t, 10, w.Capacity)
	assert.False(t, w.Busy)
	assert.Empty(t, w.CurrentTasks)
	assert.Equal(t, []string{task.ID}, w.Completed)
	assert.Contains(t, eventTypes(hub), schema.EventTaskStarted)
}

func TestFailAndRetryTask(t *testing.T) {
	o, hub := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	a := assign(t, o, schema.RoleAnalyst, "analyze")
	b := assign(t, o, schema.RoleDeveloper, "build", a.ID)

	_, err := o.FailTask(ctx, a.ID, "not started")
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	_, err = o.StartTask(ctx, a.ID)
	require.NoError(t, err)
	failed, err := o.FailTask(ctx, a.ID, "model refused")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, failed.Status)
	assert.Equal(t, "model refused", failed.Error)
	assert.Equal(t, DefaultCapacity, worker(t, o, schema.RoleAnalyst).Capacity)
	assert.Equal(t, schema.TaskStatusBlocked, status(t, o, b.ID))
	assert.Contains(t, eventTypes(hub), schema.EventTaskFailed)

	_, err = o.RetryTask(ctx, b.ID)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	retried, err := o.RetryTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, retried.Status)
	assert.Empty(t, retried.Error)

	_, err = o.CompleteTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, status(t, o, b.ID))
}

func TestCancelTask(t *testing.T) {
	o, hub := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	a := assign(t, o, schema.RoleAnalyst, "analyze")
	b := assign(t, o, schema.RoleDeveloper, "build", a.ID)

	_, err := o.StartTask(ctx, a.ID)
	require.NoError(t, err)
	cancelled, err := o.CancelTask(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCancelled, cancelled.Status)
	assert.Empty(t, worker(t, o, schema.RoleAnalyst).CurrentTasks)
	assert.Contains(t, eventTypes(hub), schema.EventTaskCancelled)

	_, err = o.CancelTask(ctx, a.ID, "again")
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	_, err = o.CancelTask(ctx, b.ID, "upstream gone")
	require.NoError(t, err)

	done := assign(t, o, schema.RoleMarketer, "announce")
	_, err = o.CompleteTask(ctx, done.ID)
	require.NoError(t, err)
	_, err = o.CancelTask(ctx, done.ID, "")
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestListTasksFilters(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	tasks, err := o.CreateFeaturePipeline(ctx, "login", schema.PriorityHigh)
	require.NoError(t, err)
	assign(t, o, schema.RoleDeveloper, "hotfix")

	all, err := o.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 8)

	devs, err := o.ListTasks(ctx, TaskFilter{Role: schema.RoleDeveloper})
	require.NoError(t, err)
	assert.Len(t, devs, 2)

	pending, err := o.ListTasks(ctx, TaskFilter{Status: schema.TaskStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	pipeline, err := o.ListTasks(ctx, TaskFilter{WorkflowID: tasks[0].WorkflowID})
	require.NoError(t, err)
	assert.Len(t, pipeline, 7)

	sum, err := o.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Total)
	assert.Equal(t, 6, sum.ByStatus[schema.TaskStatusBlocked])
}

func TestFeaturePipelineRunsInOrder(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	tasks, err := o.CreateFeaturePipeline(ctx, "dark mode", "")
	require.NoError(t, err)
	require.Len(t, tasks, 7)
	assert.Equal(t, schema.RoleAnalyst, tasks[0].Role)
	assert.Equal(t, schema.TaskStatusPending, tasks[0].Status)
	for _, task := range tasks[1:] {
		assert.Equal(t, schema.TaskStatusBlocked, task.Status, task.Role)
		assert.Equal(t, tasks[0].WorkflowID, task.WorkflowID)
	}
	assert.Equal(t, 8, tasks[1].Effort)

	// Complete whatever is pending until nothing is left, recording the
	// roles released together in each wave.
	var waves [][]schema.Role
	for range 10 {
		pending, err := o.ListTasks(ctx, TaskFilter{Status: schema.TaskStatusPending})
		require.NoError(t, err)
		if len(pending) == 0 {
			break
		}
		var wave []schema.Role
		for _, task := range pending {
			wave = append(wave, task.Role)
			_, err := o.CompleteTask(ctx, task.ID)
			require.NoError(t, err)
		}
		waves = append(waves, wave)
	}
	assert.Equal(t, [][]schema.Role{
		{schema.RoleAnalyst},
		{schema.RoleDeveloper},
		{schema.RoleTester},
		{schema.RoleQA, schema.RoleSecurity},
		{schema.RoleEngineer},
		{schema.RoleMarketer},
	}, waves)

	sum, err := o.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, sum.ByStatus[schema.TaskStatusCompleted])
	assert.Zero(t, sum.Blockers)

	_, err = o.CreateFeaturePipeline(ctx, "", "")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRestartKeepsSequence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	o, err := New(ctx, st, Config{})
	require.NoError(t, err)
	first, err := o.AssignTask(ctx, schema.RoleAnalyst, &schema.Task{Name: "a"})
	require.NoError(t, err)
	o.Close()

	o, err = New(ctx, st, Config{Roles: map[schema.Role]RoleConfig{schema.RoleAnalyst: {Capacity: 4}}})
	require.NoError(t, err)
	defer o.Close()
	second, err := o.AssignTask(ctx, schema.RoleAnalyst, &schema.Task{Name: "b"})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)
	assert.Equal(t, 4, worker(t, o, schema.RoleAnalyst).MaxCapacity)
}

func TestOrchestratorOverLibSQL(t *testing.T) {
	db, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { db.Close() })

	o, err := New(ctx, db, Config{}, WithClock(func() time.Time { return time.Unix(1700000000, 0).UTC() }))
	require.NoError(t, err)
	t.Cleanup(o.Close)

	tasks, err := o.CreateFeaturePipeline(ctx, "search", schema.PriorityLow)
	require.NoError(t, err)
	_, err = o.CompleteTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, status(t, o, tasks[1].ID))

	_, err = o.CompleteTask(ctx, tasks[0].ID)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	active, err := o.DetectBlockers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, active)
	assert.Equal(t, "tester waiting on developer", active[0].Reason)
}
