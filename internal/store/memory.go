package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// MemoryStore is an in-process Store for tests and single-instance runs.
// Its semantics (versioning, conflicts, transactional scheduler state) match
// LibSQLStore.
type MemoryStore struct {
	mu sync.Mutex

	checkpoints map[string][]*Checkpoint
	events      map[string][]*WorkflowEvent
	eventID     int64

	executions map[string]*Execution
	results    map[string][]*AgentResult
	resultID   int64

	breakers  map[schema.Role]*BreakerRecord
	history   []*BreakerTransition
	historyID int64

	tasks    map[string]*schema.Task
	workers  map[schema.Role]*schema.WorkerStatus
	blockers []*schema.Blocker

	closed bool
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]*Checkpoint),
		events:      make(map[string][]*WorkflowEvent),
		executions:  make(map[string]*Execution),
		results:     make(map[string][]*AgentResult),
		breakers:    make(map[schema.Role]*BreakerRecord),
		tasks:       make(map[string]*schema.Task),
		workers:     make(map[schema.Role]*schema.WorkerStatus),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return schema.NewError(schema.ErrCodeStore, "store is closed")
	}
	return nil
}

// --- Checkpoints ---

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	c := *cp
	c.State = append([]byte(nil), cp.State...)
	return &c
}

func (m *MemoryStore) AppendCheckpoint(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	versions := m.checkpoints[cp.WorkflowID]
	next := 1
	if n := len(versions); n > 0 {
		next = versions[n-1].Version + 1
	}
	cp.Version = next
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	m.checkpoints[cp.WorkflowID] = append(versions, cloneCheckpoint(cp))
	return nil
}

func (m *MemoryStore) InsertCheckpoint(_ context.Context, cp *Checkpoint) error {
	if cp.Version < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "checkpoint version must be >= 1, got %d", cp.Version)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	versions := m.checkpoints[cp.WorkflowID]
	latest := 0
	if n := len(versions); n > 0 {
		latest = versions[n-1].Version
	}
	if cp.Version <= latest {
		return checkpointConflict(cp.WorkflowID, cp.Version, latest)
	}
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	m.checkpoints[cp.WorkflowID] = append(versions, cloneCheckpoint(cp))
	return nil
}

func (m *MemoryStore) GetLatestCheckpoint(_ context.Context, workflowID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.checkpoints[workflowID]
	if len(versions) == 0 {
		return nil, storeNotFound("checkpoint", workflowID)
	}
	return cloneCheckpoint(versions[len(versions)-1]), nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, workflowID string, version int) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.checkpoints[workflowID] {
		if cp.Version == version {
			return cloneCheckpoint(cp), nil
		}
	}
	return nil, storeNotFound("checkpoint", workflowID)
}

func (m *MemoryStore) ListCheckpoints(_ context.Context, workflowID string) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Checkpoint
	for _, cp := range m.checkpoints[workflowID] {
		out = append(out, cloneCheckpoint(cp))
	}
	return out, nil
}

func (m *MemoryStore) PruneCheckpoints(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, versions := range m.checkpoints {
		kept := versions[:0:0]
		for i, cp := range versions {
			if i < len(versions)-1 && cp.CreatedAt.Before(before) {
				removed++
				continue
			}
			kept = append(kept, cp)
		}
		m.checkpoints[id] = kept
	}
	return removed, nil
}

// --- Workflow events ---

func (m *MemoryStore) AppendWorkflowEvent(_ context.Context, event *WorkflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.eventID++
	event.ID = m.eventID
	event.Sequence = int64(len(m.events[event.WorkflowID]) + 1)
	event.CreatedAt = timeOrNow(event.CreatedAt)
	e := *event
	m.events[event.WorkflowID] = append(m.events[event.WorkflowID], &e)
	return nil
}

func (m *MemoryStore) ListWorkflowEvents(_ context.Context, workflowID string, since int64) ([]*WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WorkflowEvent
	for _, e := range m.events[workflowID] {
		if e.Sequence > since {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// --- Executions ---

func cloneExecution(e *Execution) *Execution {
	c := *e
	c.StartedAt = cloneTime(e.StartedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, ok := m.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return cloneExecution(e), nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	e, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.Output != nil {
		e.Output = update.Output
	}
	if update.Error != nil {
		e.Error = *update.Error
	}
	if update.CompletedAt != nil {
		e.CompletedAt = cloneTime(update.CompletedAt)
	}
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Execution
	for _, e := range m.executions {
		if filter.Role != "" && e.Role != filter.Role {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartedAt, out[j].StartedAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordAgentResult(_ context.Context, r *AgentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, ok := m.executions[r.TaskID]; !ok {
		return schema.NewErrorf(schema.ErrCodeStore, "agent result references unknown task %q", r.TaskID)
	}
	m.resultID++
	r.ID = m.resultID
	r.CreatedAt = timeOrNow(r.CreatedAt)
	c := *r
	m.results[r.TaskID] = append(m.results[r.TaskID], &c)
	return nil
}

func (m *MemoryStore) ListAgentResults(_ context.Context, taskID string) ([]*AgentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AgentResult
	for _, r := range m.results[taskID] {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

// --- Circuit breaker ---

func (m *MemoryStore) GetBreaker(_ context.Context, role schema.Role) (*BreakerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	r, ok := m.breakers[role]
	if !ok {
		return nil, storeNotFound("circuit breaker", string(role))
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListBreakers(_ context.Context) ([]*BreakerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BreakerRecord
	for _, r := range m.breakers {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func (m *MemoryStore) SwapBreaker(_ context.Context, expectedVersion int64, next *BreakerRecord, transition *BreakerTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	var current int64
	if r, ok := m.breakers[next.Role]; ok {
		current = r.Version
	}
	if current != expectedVersion {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"circuit breaker %s changed concurrently (expected version %d)", next.Role, expectedVersion)
	}
	now := time.Now().UTC()
	next.Version = expectedVersion + 1
	next.StateChangedAt = timeOrNow(next.StateChangedAt)
	next.UpdatedAt = now
	m.breakers[next.Role] = next.Clone()

	if transition != nil {
		m.historyID++
		transition.ID = m.historyID
		transition.Role = next.Role
		transition.CreatedAt = timeOrNow(transition.CreatedAt)
		t := *transition
		m.history = append(m.history, &t)
	}
	return nil
}

func (m *MemoryStore) ListBreakerHistory(_ context.Context, role schema.Role, limit int) ([]*BreakerTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BreakerTransition
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Role != role {
			continue
		}
		t := *m.history[i]
		out = append(out, &t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) PruneBreakerHistory(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.history[:0:0]
	for _, t := range m.history {
		if t.CreatedAt.Before(before) {
			continue
		}
		kept = append(kept, t)
	}
	removed := int64(len(m.history) - len(kept))
	m.history = kept
	return removed, nil
}

// --- Scheduler state ---

// memSchedulerTx stages writes and applies them only on commit.
type memSchedulerTx struct {
	store    *MemoryStore
	tasks    map[string]*schema.Task
	workers  map[schema.Role]*schema.WorkerStatus
	blockers []*schema.Blocker
	replaced bool
}

func (m *MemoryStore) WithSchedulerTx(_ context.Context, fn func(tx SchedulerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	tx := &memSchedulerTx{
		store:   m,
		tasks:   make(map[string]*schema.Task),
		workers: make(map[schema.Role]*schema.WorkerStatus),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, t := range tx.tasks {
		m.tasks[id] = t
	}
	for role, w := range tx.workers {
		m.workers[role] = w
	}
	if tx.replaced {
		m.blockers = tx.blockers
	}
	return nil
}

func (tx *memSchedulerTx) GetTask(id string) (*schema.Task, error) {
	if t, ok := tx.tasks[id]; ok {
		return t.Clone(), nil
	}
	if t, ok := tx.store.tasks[id]; ok {
		return t.Clone(), nil
	}
	return nil, storeNotFound("task", id)
}

func (tx *memSchedulerTx) PutTask(task *schema.Task) error {
	tx.tasks[task.ID] = task.Clone()
	return nil
}

func (tx *memSchedulerTx) ListTasks() ([]*schema.Task, error) {
	merged := make(map[string]*schema.Task, len(tx.store.tasks)+len(tx.tasks))
	for id, t := range tx.store.tasks {
		merged[id] = t
	}
	for id, t := range tx.tasks {
		merged[id] = t
	}
	out := make([]*schema.Task, 0, len(merged))
	for _, t := range merged {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (tx *memSchedulerTx) GetWorker(role schema.Role) (*schema.WorkerStatus, error) {
	if w, ok := tx.workers[role]; ok {
		return w.Clone(), nil
	}
	if w, ok := tx.store.workers[role]; ok {
		return w.Clone(), nil
	}
	return nil, storeNotFound("worker", string(role))
}

func (tx *memSchedulerTx) PutWorker(w *schema.WorkerStatus) error {
	tx.workers[w.Role] = w.Clone()
	return nil
}

func (tx *memSchedulerTx) ListWorkers() ([]*schema.WorkerStatus, error) {
	merged := make(map[schema.Role]*schema.WorkerStatus, len(tx.store.workers)+len(tx.workers))
	for r, w := range tx.store.workers {
		merged[r] = w
	}
	for r, w := range tx.workers {
		merged[r] = w
	}
	out := make([]*schema.WorkerStatus, 0, len(merged))
	for _, w := range merged {
		out = append(out, w.Clone())
	}
	sortWorkers(out)
	return out, nil
}

func (tx *memSchedulerTx) ListBlockers() ([]*schema.Blocker, error) {
	src := tx.store.blockers
	if tx.replaced {
		src = tx.blockers
	}
	out := make([]*schema.Blocker, 0, len(src))
	for _, b := range src {
		out = append(out, b.Clone())
	}
	return out, nil
}

func (tx *memSchedulerTx) ReplaceBlockers(blockers []*schema.Blocker) error {
	tx.blockers = make([]*schema.Blocker, 0, len(blockers))
	for _, b := range blockers {
		tx.blockers = append(tx.blockers, b.Clone())
	}
	tx.replaced = true
	return nil
}

// sortWorkers orders statuses by pipeline stage, then role name.
func sortWorkers(ws []*schema.WorkerStatus) {
	sort.Slice(ws, func(i, j int) bool {
		si, sj := ws[i].Role.Stage(), ws[j].Role.Stage()
		if si != sj {
			return si < sj
		}
		return ws[i].Role < ws[j].Role
	})
}
