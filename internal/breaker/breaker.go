// Package breaker implements the per-role circuit breaker guarding calls to
// external providers. State lives in the store so every runtime instance sees
// the same breaker; each change is a conditional swap on the record version.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tutorwiseapp/cas/internal/store"
	"github.com/tutorwiseapp/cas/internal/streaming"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// State is the circuit state of one role.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// maxSwapAttempts bounds the re-read/re-apply loop when another instance
// updates the same record concurrently.
const maxSwapAttempts = 16

// Config configures trip and recovery behavior.
type Config struct {
	// FailureThreshold is the number of failures within Window that opens the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Window is the rolling period failures are counted in.
	Window time.Duration `json:"window" yaml:"window"`
	// Cooldown is the wait before the first half-open trial. It doubles with
	// every consecutive trip, up to MaxCooldown.
	Cooldown    time.Duration `json:"cooldown" yaml:"cooldown"`
	MaxCooldown time.Duration `json:"max_cooldown" yaml:"max_cooldown"`
	// HalfOpenMax is the number of trial calls admitted while half-open.
	HalfOpenMax int `json:"half_open_max" yaml:"half_open_max"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
		HalfOpenMax:      1,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(d.MaxCooldown, c.Cooldown)
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = d.HalfOpenMax
	}
	return c
}

// Backoff returns the open period after the given number of consecutive trips.
func (c Config) Backoff(trips int) time.Duration {
	d := c.Cooldown
	for i := 1; i < trips; i++ {
		d *= 2
		if d >= c.MaxCooldown {
			return c.MaxCooldown
		}
	}
	return min(d, c.MaxCooldown)
}

// Store is the subset of store.Store the breaker persists through.
type Store interface {
	GetBreaker(ctx context.Context, role schema.Role) (*store.BreakerRecord, error)
	ListBreakers(ctx context.Context) ([]*store.BreakerRecord, error)
	SwapBreaker(ctx context.Context, expectedVersion int64, next *store.BreakerRecord, transition *store.BreakerTransition) error
	ListBreakerHistory(ctx context.Context, role schema.Role, limit int) ([]*store.BreakerTransition, error)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithEventHub publishes state transitions to hub.
func WithEventHub(hub streaming.EventHub) Option {
	return func(b *Breaker) { b.hub = hub }
}

// Breaker is the per-role circuit breaker. Safe for concurrent use across
// goroutines and, through the store, across processes.
type Breaker struct {
	store  Store
	logger *slog.Logger
	hub    streaming.EventHub
	now    func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// New creates a Breaker persisting through st.
func New(st Store, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		store: st,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Config returns the active configuration.
func (b *Breaker) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// SetConfig replaces the configuration. Open circuits keep the next attempt
// time they were given.
func (b *Breaker) SetConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg.withDefaults()
}

// Allow reports whether a call for role may proceed. A rejected call gets a
// CIRCUIT_OPEN error. Once the open period has elapsed the circuit moves to
// half-open and admits up to HalfOpenMax trial calls.
func (b *Breaker) Allow(ctx context.Context, role schema.Role) error {
	cfg := b.Config()
	_, err := b.update(ctx, role, func(rec *store.BreakerRecord, now time.Time) (*store.BreakerTransition, error) {
		switch State(rec.State) {
		case StateClosed:
			return nil, errUnchanged

		case StateOpen:
			if rec.NextAttemptAt != nil && now.Before(*rec.NextAttemptAt) {
				return nil, openError(rec, now)
			}
			tr := transition(rec, StateHalfOpen, "cooldown elapsed", now)
			rec.HalfOpenInFlight = 1
			return tr, nil

		case StateHalfOpen:
			if rec.HalfOpenInFlight < cfg.HalfOpenMax {
				rec.HalfOpenInFlight++
				return nil, nil
			}
			// A trial whose caller never reported back must not wedge the
			// circuit: after another cooldown the slot is handed out again.
			if now.Sub(rec.StateChangedAt) >= cfg.Backoff(rec.TripCount) {
				rec.HalfOpenInFlight = 1
				rec.StateChangedAt = now
				return nil, nil
			}
			return nil, openError(rec, now)
		}
		return nil, fmt.Errorf("unknown circuit state %q", rec.State)
	})
	return err
}

// RecordSuccess records a successful call. A success while half-open closes
// the circuit and zeroes the counts.
func (b *Breaker) RecordSuccess(ctx context.Context, role schema.Role) error {
	_, err := b.update(ctx, role, func(rec *store.BreakerRecord, now time.Time) (*store.BreakerTransition, error) {
		rec.TotalRequests++
		rec.LastSuccessAt = &now

		if State(rec.State) == StateHalfOpen {
			tr := transition(rec, StateClosed, "trial call succeeded", now)
			rec.FailureCount = 0
			rec.SuccessCount = 0
			rec.TripCount = 0
			rec.WindowStart = nil
			rec.RecentFailures = nil
			rec.NextAttemptAt = nil
			rec.HalfOpenInFlight = 0
			return tr, nil
		}
		rec.SuccessCount++
		return nil, nil
	})
	return err
}

// RecordFailure records a failed call. Reaching the failure threshold within
// the trailing window opens the circuit; a failed half-open trial reopens it with a
// doubled open period.
func (b *Breaker) RecordFailure(ctx context.Context, role schema.Role, cause error) error {
	cfg := b.Config()
	reason := "failure threshold reached"
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	_, err := b.update(ctx, role, func(rec *store.BreakerRecord, now time.Time) (*store.BreakerTransition, error) {
		rec.TotalRequests++
		rec.LastFailureAt = &now

		switch State(rec.State) {
		case StateHalfOpen:
			rec.FailureCount++
			r := "trial call failed"
			if cause != nil {
				r = fmt.Sprintf("%s: %v", r, cause)
			}
			return trip(rec, cfg, r, now), nil

		case StateClosed:
			rec.RecentFailures = append(inWindow(rec.RecentFailures, now, cfg), now)
			rec.FailureCount = len(rec.RecentFailures)
			start := rec.RecentFailures[0]
			rec.WindowStart = &start
			if rec.FailureCount >= cfg.FailureThreshold {
				return trip(rec, cfg, reason, now), nil
			}
			return nil, nil

		default:
			rec.FailureCount++
			return nil, nil
		}
	})
	return err
}

// Release gives back a half-open trial slot without recording an outcome,
// for calls abandoned by their caller.
func (b *Breaker) Release(ctx context.Context, role schema.Role) error {
	_, err := b.update(ctx, role, func(rec *store.BreakerRecord, now time.Time) (*store.BreakerTransition, error) {
		if State(rec.State) != StateHalfOpen || rec.HalfOpenInFlight == 0 {
			return nil, errUnchanged
		}
		rec.HalfOpenInFlight--
		return nil, nil
	})
	return err
}

// Execute runs fn if the circuit for role admits it and records the outcome.
// Rejected calls never invoke fn. A call abandoned through ctx cancellation
// counts as neither success nor failure.
func (b *Breaker) Execute(ctx context.Context, role schema.Role, fn func(ctx context.Context) error) error {
	if err := b.Allow(ctx, role); err != nil {
		return err
	}

	callErr := fn(ctx)

	// Record outcomes even when ctx is done.
	recCtx := context.WithoutCancel(ctx)
	var recErr error
	switch {
	case callErr == nil:
		recErr = b.RecordSuccess(recCtx, role)
	case errors.Is(callErr, context.Canceled):
		recErr = b.Release(recCtx, role)
	default:
		recErr = b.RecordFailure(recCtx, role, callErr)
	}
	if recErr != nil {
		b.logger.Warn("failed to record circuit breaker outcome", "role", role, "error", recErr)
	}
	return callErr
}

// State returns the effective state of role. An open circuit whose next
// attempt time has passed reports HALF_OPEN.
func (b *Breaker) State(ctx context.Context, role schema.Role) (State, error) {
	rec, err := b.Snapshot(ctx, role)
	if err != nil {
		return "", err
	}
	if State(rec.State) == StateOpen && rec.NextAttemptAt != nil && !b.now().Before(*rec.NextAttemptAt) {
		return StateHalfOpen, nil
	}
	return State(rec.State), nil
}

// Snapshot returns the stored record for role, or a fresh closed record if
// the role has never been used.
func (b *Breaker) Snapshot(ctx context.Context, role schema.Role) (*store.BreakerRecord, error) {
	if !role.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}
	return b.load(ctx, role)
}

// Snapshots returns every stored breaker record.
func (b *Breaker) Snapshots(ctx context.Context) ([]*store.BreakerRecord, error) {
	return b.store.ListBreakers(ctx)
}

// History returns up to limit transitions for role, newest first.
func (b *Breaker) History(ctx context.Context, role schema.Role, limit int) ([]*store.BreakerTransition, error) {
	return b.store.ListBreakerHistory(ctx, role, limit)
}

// Reset force-closes the circuit for role and zeroes its counts.
func (b *Breaker) Reset(ctx context.Context, role schema.Role) error {
	_, err := b.update(ctx, role, func(rec *store.BreakerRecord, now time.Time) (*store.BreakerTransition, error) {
		var tr *store.BreakerTransition
		if State(rec.State) != StateClosed {
			tr = transition(rec, StateClosed, "manual reset", now)
		}
		rec.State = string(StateClosed)
		rec.FailureCount = 0
		rec.SuccessCount = 0
		rec.TripCount = 0
		rec.HalfOpenInFlight = 0
		rec.WindowStart = nil
		rec.RecentFailures = nil
		rec.NextAttemptAt = nil
		return tr, nil
	})
	return err
}

// errUnchanged tells update there is nothing to write.
var errUnchanged = errors.New("unchanged")

// update runs one read-compute-swap cycle for role, re-reading and
// re-applying mutate when another writer got there first.
func (b *Breaker) update(ctx context.Context, role schema.Role, mutate func(rec *store.BreakerRecord, now time.Time) (*store.BreakerTransition, error)) (*store.BreakerRecord, error) {
	if !role.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", role)
	}

	for attempt := 1; attempt <= maxSwapAttempts; attempt++ {
		current, err := b.load(ctx, role)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		now := b.now().UTC()

		tr, err := mutate(next, now)
		if errors.Is(err, errUnchanged) {
			return current, nil
		}
		if err != nil {
			return current, err
		}
		next.UpdatedAt = now

		err = b.store.SwapBreaker(ctx, current.Version, next, tr)
		if err == nil {
			if tr != nil {
				b.announce(ctx, tr, next)
			}
			return next, nil
		}
		if !errors.Is(err, schema.ErrConflict) {
			return nil, err
		}
		b.logger.Debug("circuit breaker swap conflict, retrying", "role", role, "attempt", attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(rand.IntN(2*attempt+1)) * time.Millisecond):
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict,
		"circuit breaker %s: gave up after %d concurrent updates", role, maxSwapAttempts)
}

func (b *Breaker) load(ctx context.Context, role schema.Role) (*store.BreakerRecord, error) {
	rec, err := b.store.GetBreaker(ctx, role)
	if errors.Is(err, schema.ErrNotFound) {
		now := b.now().UTC()
		return &store.BreakerRecord{
			Role:           role,
			State:          string(StateClosed),
			StateChangedAt: now,
			UpdatedAt:      now,
		}, nil
	}
	return rec, err
}

func (b *Breaker) announce(ctx context.Context, tr *store.BreakerTransition, rec *store.BreakerRecord) {
	attrs := []any{
		"role", tr.Role,
		"from", tr.FromState,
		"to", tr.ToState,
		"reason", tr.Reason,
		"failure_count", tr.FailureCount,
	}
	if rec.NextAttemptAt != nil {
		attrs = append(attrs, "next_attempt_at", rec.NextAttemptAt.Format(time.RFC3339))
	}
	if State(tr.ToState) == StateOpen {
		b.logger.Warn("circuit breaker transition", attrs...)
	} else {
		b.logger.Info("circuit breaker transition", attrs...)
	}

	if b.hub == nil {
		return
	}
	var eventType string
	switch State(tr.ToState) {
	case StateOpen:
		eventType = schema.EventCircuitBreakerOpen
	case StateHalfOpen:
		eventType = schema.EventCircuitBreakerHalfOpen
	case StateClosed:
		eventType = schema.EventCircuitBreakerClosed
	}
	_ = b.hub.Publish(ctx, streaming.StreamEvent{
		Type:      eventType,
		Role:      string(tr.Role),
		Payload:   tr,
		Timestamp: tr.CreatedAt,
	})
}

func transition(rec *store.BreakerRecord, to State, reason string, now time.Time) *store.BreakerTransition {
	tr := &store.BreakerTransition{
		Role:         rec.Role,
		FromState:    rec.State,
		ToState:      string(to),
		Reason:       reason,
		FailureCount: rec.FailureCount,
		SuccessCount: rec.SuccessCount,
		CreatedAt:    now,
	}
	rec.State = string(to)
	rec.StateChangedAt = now
	return tr
}

func trip(rec *store.BreakerRecord, cfg Config, reason string, now time.Time) *store.BreakerTransition {
	tr := transition(rec, StateOpen, reason, now)
	rec.TripCount++
	next := now.Add(cfg.Backoff(rec.TripCount))
	rec.NextAttemptAt = &next
	rec.HalfOpenInFlight = 0
	rec.RecentFailures = nil
	return tr
}

// inWindow drops failures older than the window. At most threshold-1 are
// kept, since one more failure on top of those trips the circuit.
func inWindow(failures []time.Time, now time.Time, cfg Config) []time.Time {
	kept := make([]time.Time, 0, len(failures)+1)
	for _, at := range failures {
		if now.Sub(at) <= cfg.Window {
			kept = append(kept, at)
		}
	}
	if n := cfg.FailureThreshold - 1; len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return kept
}

func openError(rec *store.BreakerRecord, now time.Time) error {
	details := map[string]any{
		"role":          string(rec.Role),
		"state":         rec.State,
		"failure_count": rec.FailureCount,
	}
	msg := fmt.Sprintf("circuit breaker %s for role %q", rec.State, rec.Role)
	if rec.NextAttemptAt != nil {
		details["next_attempt_at"] = rec.NextAttemptAt.Format(time.RFC3339)
		if wait := rec.NextAttemptAt.Sub(now); wait > 0 {
			details["retry_after"] = wait.String()
			msg += fmt.Sprintf(", retry in %s", wait.Round(time.Millisecond))
		}
	}
	return schema.NewError(schema.ErrCodeCircuitOpen, msg).WithDetails(details)
}
