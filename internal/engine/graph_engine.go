package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// GraphEngine runs every step of a dependency level concurrently. A level
// starts once the previous one has finished; a failed step lets its
// siblings finish and then stops the walk.
type GraphEngine struct {
	*agentHost
}

var _ Runtime = (*GraphEngine)(nil)

// NewGraphEngine creates a GraphEngine. Deps.Parallelism bounds the steps
// running at once within a level.
func NewGraphEngine(deps Deps) (*GraphEngine, error) {
	h, err := newAgentHost(KindGraph, deps)
	if err != nil {
		return nil, err
	}
	return &GraphEngine{agentHost: h}, nil
}

func (e *GraphEngine) ExecuteWorkflow(ctx context.Context, workflowID string, input schema.WorkflowInput) (*schema.WorkflowResult, error) {
	wf, err := e.workflow(workflowID, input)
	if err != nil {
		return nil, err
	}
	return e.runWorkflow(ctx, workflowID, input, wf, e.walkLevels, nil)
}

func (e *GraphEngine) StreamWorkflow(ctx context.Context, workflowID string, input schema.WorkflowInput) (*WorkflowStream, error) {
	return e.streamWorkflow(ctx, workflowID, input, e.walkLevels)
}

func (e *GraphEngine) walkLevels(ctx context.Context, run *workflowRun) error {
	limit := e.parallelism
	if limit <= 0 {
		limit = -1
	}
	for _, level := range run.wf.graph.Levels {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Not errgroup.WithContext: one failing step must not cancel the
		// tasks of its siblings.
		var g errgroup.Group
		g.SetLimit(limit)
		for _, id := range level {
			g.Go(func() error {
				return run.execStep(ctx, id)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
