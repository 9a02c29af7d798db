package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

func reasons(bs []*schema.Blocker) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Reason)
	}
	return out
}

func TestDetectBlockersForPipeline(t *testing.T) {
	o, hub := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	_, err := o.CreateFeaturePipeline(ctx, "checkout", schema.PriorityHigh)
	require.NoError(t, err)

	active, err := o.DetectBlockers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"developer waiting on analyst",
		"tester waiting on developer",
		"qa waiting on tester",
		"security waiting on tester",
		"engineer waiting on qa",
		"engineer waiting on security",
		"marketer waiting on engineer",
	}, reasons(active))

	dev := active[0]
	assert.Equal(t, schema.RoleDeveloper, dev.BlockedRole)
	assert.Equal(t, schema.RoleAnalyst, dev.BlockingRole)
	assert.Equal(t, KindDependency, dev.Kind)
	assert.Equal(t, schema.SeverityHigh, dev.Severity)
	assert.NotEmpty(t, dev.ID)
	assert.Contains(t, eventTypes(hub), schema.EventBlockerDetected)

	assert.Equal(t, []string{"engineer waiting on qa", "engineer waiting on security"},
		worker(t, o, schema.RoleEngineer).Blockers)

	// Detection is stable: the same conditions keep their identity.
	again, err := o.DetectBlockers(ctx)
	require.NoError(t, err)
	require.Len(t, again, len(active))
	assert.Equal(t, dev.ID, again[0].ID)
	assert.Equal(t, dev.DetectedAt, again[0].DetectedAt)
}

func TestBlockersClearWhenConditionEnds(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	a := assign(t, o, schema.RoleAnalyst, "analyze")
	assign(t, o, schema.RoleDeveloper, "build", a.ID)

	active, err := o.DetectBlockers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, schema.SeverityMedium, active[0].Severity)

	_, err = o.CompleteTask(ctx, a.ID)
	require.NoError(t, err)
	active, err = o.DetectBlockers(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Empty(t, worker(t, o, schema.RoleDeveloper).Blockers)
}

func TestResolveBlocker(t *testing.T) {
	o, hub := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	a := assign(t, o, schema.RoleAnalyst, "analyze")
	assign(t, o, schema.RoleDeveloper, "build", a.ID)
	assign(t, o, schema.RoleTester, "test", a.ID)

	_, err := o.ResolveBlocker(ctx, -1)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	_, err = o.ResolveBlocker(ctx, 2)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	resolved, err := o.ResolveBlocker(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "developer waiting on analyst", resolved.Reason)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Contains(t, eventTypes(hub), schema.EventBlockerResolved)

	// Acknowledged while the condition persists: not raised again.
	active, err := o.DetectBlockers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tester waiting on analyst"}, reasons(active))
	assert.Empty(t, worker(t, o, schema.RoleDeveloper).Blockers)

	all, err := o.Blockers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = o.ResolveBlockerByID(ctx, resolved.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	byID, err := o.ResolveBlockerByID(ctx, active[0].ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RoleTester, byID.BlockedRole)

	active, err = o.DetectBlockers(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestUpstreamFailureRaisesCriticalBlocker(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()
	a := assign(t, o, schema.RoleAnalyst, "analyze")
	b := assign(t, o, schema.RoleDeveloper, "build", a.ID)

	_, err := o.StartTask(ctx, a.ID)
	require.NoError(t, err)
	_, err = o.FailTask(ctx, a.ID, "boom")
	require.NoError(t, err)

	active, err := o.DetectBlockers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, KindUpstreamFailed, active[0].Kind)
	assert.Equal(t, schema.SeverityCritical, active[0].Severity)
	assert.Equal(t, `upstream analyst task "analyze" failed`, active[0].Reason)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, active[0].TaskIDs)

	_, err = o.RetryTask(ctx, a.ID)
	require.NoError(t, err)
	active, err = o.DetectBlockers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, KindDependency, active[0].Kind)
}

func TestCapacityBlockers(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{Roles: map[schema.Role]RoleConfig{
		schema.RoleDeveloper: {Capacity: 5},
	}})
	ctx := context.Background()

	running, err := o.AssignTask(ctx, schema.RoleDeveloper, &schema.Task{Name: "first", Effort: 3})
	require.NoError(t, err)
	_, err = o.StartTask(ctx, running.ID)
	require.NoError(t, err)
	queued, err := o.AssignTask(ctx, schema.RoleDeveloper, &schema.Task{Name: "second", Effort: 1})
	require.NoError(t, err)

	active, err := o.DetectBlockers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, KindCapacity, active[0].Kind)
	assert.Equal(t, "developer capacity exhausted", active[0].Reason)
	assert.Equal(t, []string{queued.ID}, active[0].TaskIDs)

	_, err = o.AssignTask(ctx, schema.RoleDeveloper, &schema.Task{Name: "huge", Effort: 9})
	require.NoError(t, err)
	active, err = o.DetectBlockers(ctx)
	require.NoError(t, err)
	assert.Contains(t, reasons(active), `developer task "huge" needs 9 effort units, role capacity is 5`)

	_, err = o.CompleteTask(ctx, running.ID)
	require.NoError(t, err)
	active, err = o.DetectBlockers(ctx)
	require.NoError(t, err)
	assert.NotContains(t, reasons(active), "developer capacity exhausted")
}

func TestRuleBlockers(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{Rules: []BlockerRule{
		{
			Name:       "backlog",
			Expression: `queue.pending > 1`,
			Severity:   schema.SeverityHigh,
			Reason:     "backlog building up",
		},
		{
			Name:       "testers-starved",
			Expression: `role == "tester" && roles.developer.queue.pending > 0`,
		},
	}})
	ctx := context.Background()

	assign(t, o, schema.RoleDeveloper, "one")
	active, err := o.DetectBlockers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, KindRulePrefix+"testers-starved", active[0].Kind)
	assert.Equal(t, schema.RoleTester, active[0].BlockedRole)
	assert.Equal(t, "testers-starved", active[0].Reason)
	assert.Equal(t, schema.SeverityMedium, active[0].Severity)

	assign(t, o, schema.RoleDeveloper, "two")
	active, err = o.DetectBlockers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	backlog := active[1]
	assert.Equal(t, KindRulePrefix+"backlog", backlog.Kind)
	assert.Equal(t, schema.RoleDeveloper, backlog.BlockedRole)
	assert.Equal(t, schema.SeverityHigh, backlog.Severity)
	assert.Equal(t, []string{"backlog building up"}, worker(t, o, schema.RoleDeveloper).Blockers)
}
