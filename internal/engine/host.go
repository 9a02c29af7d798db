package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tutorwiseapp/cas/internal/breaker"
	"github.com/tutorwiseapp/cas/internal/checkpoint"
	"github.com/tutorwiseapp/cas/internal/expressions"
	"github.com/tutorwiseapp/cas/internal/logging"
	"github.com/tutorwiseapp/cas/internal/streaming"
	"github.com/tutorwiseapp/cas/internal/transport"
	"github.com/tutorwiseapp/cas/internal/validation"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

const seenCapacity = 4096

var errTaskCancelled = schema.NewError(schema.ErrCodeCancelled, "task cancelled")

// agent is one registered role.
type agent struct {
	role         schema.Role
	cfg          AgentConfig
	pool         *WorkerPool
	registeredAt time.Time

	stop context.CancelFunc // consumer loop; nil until started
	done chan struct{}
}

type outcome struct {
	result *schema.TaskResult
	err    error
}

type waiter struct {
	role schema.Role
	ch   chan outcome
}

// agentHost implements everything in Runtime except how workflow graphs are
// walked. Both engines embed it.
type agentHost struct {
	kind        Kind
	transport   transport.Transport
	store       Store
	checkpoints *checkpoint.Checkpointer
	breaker     *breaker.Breaker
	hub         streaming.EventHub
	validator   validation.Validator
	logger      *slog.Logger
	logs        *logging.RingBuffer
	fsm         *WorkflowFSM
	when        *expressions.ExprEngine
	jq          *expressions.GoJQEngine

	pollInterval       time.Duration
	cancelPollInterval time.Duration
	streamBuffer       int
	streamDrain        time.Duration
	parallelism        int
	retry              RetryPolicy
	now                func() time.Time

	mu      sync.RWMutex
	agents  map[schema.Role]*agent
	states  map[schema.Role]map[string]any
	metrics map[schema.Role]*roleMetrics
	waiters map[string]*waiter
	// results holds one result subscription per role this host has
	// dispatched to or serves, whether or not the worker is local.
	results   map[schema.Role]transport.Unsubscribe
	workflows map[string]*registeredWorkflow
	active    map[string]struct{} // workflow ids with a run in this process
	seen      *recentIDs
	rootCtx   context.Context
	cancel    context.CancelFunc
	running   bool
	closed    bool
}

func newAgentHost(kind Kind, deps Deps) (*agentHost, error) {
	if deps.Transport == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a transport")
	}
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logs := deps.Logs
	if logs == nil {
		logs = logging.NewRingBuffer(logging.DefaultRingSize, slog.LevelDebug)
		logger = slog.New(logging.NewCorrelationHandler(logging.NewRingHandler(logger.Handler(), logs)))
	}

	h := &agentHost{
		kind:               kind,
		transport:          deps.Transport,
		store:              deps.Store,
		checkpoints:        deps.Checkpoints,
		breaker:            deps.Breaker,
		hub:                deps.Hub,
		validator:          deps.Validator,
		logger:             logger.With("component", "engine", "engine", string(kind)),
		logs:               logs,
		fsm:                NewWorkflowFSM(deps.Store),
		when:               expressions.NewExprEngine(),
		jq:                 expressions.NewGoJQEngine(),
		pollInterval:       deps.PollInterval,
		cancelPollInterval: deps.CancelPollInterval,
		streamBuffer:       deps.StreamBuffer,
		streamDrain:        deps.StreamDrain,
		parallelism:        deps.Parallelism,
		retry:              deps.Retry,
		now:                deps.Now,
		agents:             make(map[schema.Role]*agent),
		states:             make(map[schema.Role]map[string]any),
		metrics:            make(map[schema.Role]*roleMetrics),
		waiters:            make(map[string]*waiter),
		results:            make(map[schema.Role]transport.Unsubscribe),
		workflows:          make(map[string]*registeredWorkflow),
		active:             make(map[string]struct{}),
		seen:               newRecentIDs(seenCapacity),
	}
	if h.checkpoints == nil {
		h.checkpoints = checkpoint.New(deps.Store, logger)
	}
	if h.hub == nil {
		h.hub = streaming.NewMemoryHub()
	}
	if h.validator == nil {
		v, err := validation.NewWorkflowValidator(validation.ExpressionCompiler{
			When:  h.when.Compile,
			Input: h.jq.Compile,
		})
		if err != nil {
			return nil, err
		}
		h.validator = v
	}
	if h.pollInterval <= 0 {
		h.pollInterval = 10 * time.Millisecond
	}
	if h.cancelPollInterval <= 0 {
		h.cancelPollInterval = 50 * time.Millisecond
	}
	if h.streamBuffer <= 0 {
		h.streamBuffer = 16
	}
	if h.streamDrain <= 0 {
		h.streamDrain = 2 * time.Second
	}
	if h.retry.MaxAttempts <= 0 {
		h.retry = DefaultRetryPolicy()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h, nil
}

// --- lifecycle ---

func (h *agentHost) Initialize(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return schema.NewError(schema.ErrCodeConflict, "runtime has been shut down")
	}
	if h.running {
		return nil
	}
	if !h.transport.HealthCheck(ctx) {
		return schema.NewError(schema.ErrCodeTransport, "transport is not healthy")
	}
	h.rootCtx, h.cancel = context.WithCancel(context.Background())
	h.running = true
	for _, a := range h.agents {
		h.startLocked(a)
	}
	h.logger.Info("runtime initialized", "agents", len(h.agents))
	return nil
}

func (h *agentHost) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.running = false
	if h.cancel != nil {
		h.cancel()
	}
	agents := slices.Collect(maps.Values(h.agents))
	waiters := h.waiters
	h.waiters = make(map[string]*waiter)
	results := h.results
	h.results = make(map[schema.Role]transport.Unsubscribe)
	h.mu.Unlock()

	for _, w := range waiters {
		w.ch <- outcome{err: schema.NewError(schema.ErrCodeCancelled, "runtime shutting down")}
	}

	var g errgroup.Group
	for _, a := range agents {
		g.Go(func() error {
			h.stopAgent(a)
			return nil
		})
	}
	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		for _, unsubscribe := range results {
			unsubscribe()
		}
		done <- err
	}()
	select {
	case err := <-done:
		h.logger.Info("runtime shut down")
		return err
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeTimeout, "shutdown did not finish in time").WithCause(ctx.Err())
	}
}

func (h *agentHost) HealthCheck(ctx context.Context) Health {
	h.mu.RLock()
	health := Health{Engine: h.kind, Running: h.running, Agents: len(h.agents)}
	h.mu.RUnlock()

	health.Transport = h.transport.HealthCheck(ctx)
	if !health.Transport {
		health.Problems = append(health.Problems, "transport unreachable")
	}
	health.Store = true
	if p, ok := h.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			health.Store = false
			health.Problems = append(health.Problems, "store unreachable: "+err.Error())
		}
	}
	if !health.Running {
		health.Problems = append(health.Problems, "runtime not running")
	}
	health.Healthy = len(health.Problems) == 0
	return health
}

// --- registration ---

func (h *agentHost) RegisterAgent(ctx context.Context, role schema.Role, cfg AgentConfig) error {
	if !role.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	if cfg.Worker == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %s has no worker", role)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return schema.NewError(schema.ErrCodeConflict, "runtime has been shut down")
	}
	if _, exists := h.agents[role]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %s is already registered", role)
	}

	if err := h.watchResultsLocked(ctx, role); err != nil {
		return err
	}
	a := &agent{
		role:         role,
		cfg:          cfg,
		pool:         NewWorkerPool(cfg.Concurrency),
		registeredAt: h.now(),
	}
	h.agents[role] = a
	if _, ok := h.metrics[role]; !ok {
		h.metrics[role] = &roleMetrics{}
	}
	if h.running {
		h.startLocked(a)
	}

	h.logger.InfoContext(logging.WithRole(ctx, string(role)), "agent registered",
		"concurrency", cfg.Concurrency, "guarded", cfg.Guarded)
	h.publish(ctx, streaming.StreamEvent{Type: schema.EventAgentRegistered, Role: string(role)})
	return nil
}

func (h *agentHost) UnregisterAgent(ctx context.Context, role schema.Role) error {
	h.mu.Lock()
	a, ok := h.agents[role]
	if !ok {
		h.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "agent %s is not registered", role)
	}
	delete(h.agents, role)
	var orphaned []*waiter
	for id, w := range h.waiters {
		if w.role == role {
			orphaned = append(orphaned, w)
			delete(h.waiters, id)
		}
	}
	h.mu.Unlock()

	for _, w := range orphaned {
		w.ch <- outcome{err: schema.NewErrorf(schema.ErrCodeCancelled, "agent %s unregistered", role)}
	}
	h.stopAgent(a)

	h.logger.InfoContext(logging.WithRole(ctx, string(role)), "agent unregistered")
	h.publish(ctx, streaming.StreamEvent{Type: schema.EventAgentUnregistered, Role: string(role)})
	return nil
}

func (h *agentHost) ListAgents(ctx context.Context) []AgentInfo {
	h.mu.RLock()
	agents := slices.Collect(maps.Values(h.agents))
	h.mu.RUnlock()

	slices.SortFunc(agents, func(a, b *agent) int { return a.role.Stage() - b.role.Stage() })
	out := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		out = append(out, h.info(ctx, a))
	}
	return out
}

func (h *agentHost) GetAgentStatus(ctx context.Context, role schema.Role) (*AgentInfo, error) {
	a, err := h.agent(role)
	if err != nil {
		return nil, err
	}
	info := h.info(ctx, a)
	return &info, nil
}

func (h *agentHost) info(ctx context.Context, a *agent) AgentInfo {
	info := AgentInfo{
		Role:         a.role,
		Status:       AgentIdle,
		Concurrency:  a.cfg.Concurrency,
		Timeout:      a.cfg.Timeout,
		Running:      a.pool.Running(),
		Guarded:      a.cfg.Guarded,
		RegisteredAt: a.registeredAt,
	}
	h.mu.RLock()
	started := a.stop != nil
	h.mu.RUnlock()
	switch {
	case !started:
		info.Status = AgentStopped
	case len(info.Running) > 0:
		info.Status = AgentBusy
	}
	if a.cfg.Guarded && h.breaker != nil {
		if st, err := h.breaker.State(ctx, a.role); err == nil {
			info.Breaker = string(st)
		}
	}
	return info
}

func (h *agentHost) agent(role schema.Role) (*agent, error) {
	if !role.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.agents[role]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %s is not registered", role)
	}
	return a, nil
}

// startLocked launches a's consumer loop. Caller holds h.mu.
func (h *agentHost) startLocked(a *agent) {
	ctx, stop := context.WithCancel(h.rootCtx)
	a.stop = stop
	a.done = make(chan struct{})
	go h.consume(ctx, a)
}

func (h *agentHost) stopAgent(a *agent) {
	h.mu.Lock()
	stop, done := a.stop, a.done
	h.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	a.pool.Shutdown()
}

// watchResults subscribes this host to role's results once. Tasks for a
// role may be served by another instance sharing the transport, so the
// subscription does not depend on a local agent.
func (h *agentHost) watchResults(ctx context.Context, role schema.Role) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return schema.NewError(schema.ErrCodeConflict, "runtime has been shut down")
	}
	return h.watchResultsLocked(ctx, role)
}

func (h *agentHost) watchResultsLocked(ctx context.Context, role schema.Role) error {
	if _, ok := h.results[role]; ok {
		return nil
	}
	unsubscribe, err := h.transport.SubscribeResults(ctx, role, h.deliver)
	if err != nil {
		return schema.Transient(schema.ErrCodeTransport, err, "subscribe results for %s: %v", role, err)
	}
	h.results[role] = unsubscribe
	return nil
}

// --- state ---

func (h *agentHost) GetAgentState(role schema.Role) (map[string]any, error) {
	if !role.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return cloneState(h.states[role]), nil
}

// UpdateAgentState merges state into the role's stored state. A nil value
// removes its key.
func (h *agentHost) UpdateAgentState(ctx context.Context, role schema.Role, state map[string]any) error {
	if !role.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	h.mu.Lock()
	cur := h.states[role]
	if cur == nil {
		cur = make(map[string]any, len(state))
		h.states[role] = cur
	}
	for k, v := range state {
		if v == nil {
			delete(cur, k)
			continue
		}
		cur[k] = cloneValue(v)
	}
	h.mu.Unlock()

	h.publish(ctx, streaming.StreamEvent{Type: schema.EventAgentStateUpdated, Role: string(role), Payload: slices.Sorted(maps.Keys(state))})
	return nil
}

func (h *agentHost) ResetAgentState(ctx context.Context, role schema.Role) error {
	if !role.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	h.mu.Lock()
	delete(h.states, role)
	h.mu.Unlock()
	h.publish(ctx, streaming.StreamEvent{Type: schema.EventAgentStateReset, Role: string(role)})
	return nil
}

func cloneState(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneState(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// --- observability ---

func (h *agentHost) GetMetrics(ctx context.Context, role schema.Role) (*Metrics, error) {
	if !role.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	h.mu.RLock()
	rm := h.metrics[role]
	a := h.agents[role]
	h.mu.RUnlock()

	m := &Metrics{Role: role}
	if rm != nil {
		rm.fill(m)
	}
	if a != nil {
		m.Pool = a.pool.Metrics()
	}
	if depth, err := h.transport.QueueDepth(ctx, role); err == nil {
		m.QueueDepth = depth
	} else {
		return m, schema.Transient(schema.ErrCodeTransport, err, "queue depth for %s: %v", role, err)
	}
	return m, nil
}

func (h *agentHost) GetLogs(role schema.Role, filter logging.LogFilter) ([]logging.LogEntry, error) {
	if !role.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	return h.logs.Entries(string(role), filter), nil
}

func (h *agentHost) GetEventHistory(role schema.Role, limit int) ([]streaming.StreamEvent, error) {
	if !role.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	return h.hub.History(string(role), limit), nil
}

func (h *agentHost) publish(ctx context.Context, ev streaming.StreamEvent) {
	if err := h.hub.Publish(ctx, ev); err != nil {
		h.logger.Debug("event publish failed", "type", ev.Type, "error", err)
	}
}

// roleMetrics accumulates run outcomes for one role.
type roleMetrics struct {
	mu            sync.Mutex
	runs          int64
	successes     int64
	errors        int64
	cancellations int64
	total         time.Duration
	lastRunAt     time.Time
}

func (m *roleMetrics) record(status schema.ResultStatus, d time.Duration, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
	m.total += d
	m.lastRunAt = at
	switch status {
	case schema.ResultCompleted:
		m.successes++
	case schema.ResultCancelled:
		m.cancellations++
	default:
		m.errors++
	}
}

func (m *roleMetrics) fill(out *Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out.Runs = m.runs
	out.Successes = m.successes
	out.Errors = m.errors
	out.Cancellations = m.cancellations
	if m.runs > 0 {
		out.AvgDurationMs = float64(m.total.Milliseconds()) / float64(m.runs)
		out.SuccessRate = float64(m.successes) / float64(m.runs)
		out.ErrorRate = float64(m.errors) / float64(m.runs)
		last := m.lastRunAt
		out.LastRunAt = &last
	}
}

// recentIDs remembers the last n envelope ids this host finished, so a
// redelivered message is acknowledged without running the worker again.
type recentIDs struct {
	mu    sync.Mutex
	set   map[string]struct{}
	order []string
	n     int
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{set: make(map[string]struct{}, n), n: n}
}

func (r *recentIDs) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[id]
	return ok
}

func (r *recentIDs) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.n {
		delete(r.set, r.order[0])
		r.order = r.order[1:]
	}
}

// newTaskID is used when callers submit a task without one.
func newTaskID() string {
	return uuid.NewString()
}

func encodeJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		if !json.Valid(t) {
			return nil, errors.New("payload is not valid JSON")
		}
		return t, nil
	default:
		return json.Marshal(v)
	}
}
