package engine

import (
	"context"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// LocalEngine runs workflow steps one at a time in topological order.
type LocalEngine struct {
	*agentHost
}

var _ Runtime = (*LocalEngine)(nil)

// NewLocalEngine creates a LocalEngine. Call Initialize before use.
func NewLocalEngine(deps Deps) (*LocalEngine, error) {
	h, err := newAgentHost(KindLocal, deps)
	if err != nil {
		return nil, err
	}
	return &LocalEngine{agentHost: h}, nil
}

func (e *LocalEngine) ExecuteWorkflow(ctx context.Context, workflowID string, input schema.WorkflowInput) (*schema.WorkflowResult, error) {
	wf, err := e.workflow(workflowID, input)
	if err != nil {
		return nil, err
	}
	return e.runWorkflow(ctx, workflowID, input, wf, walkSequential, nil)
}

func (e *LocalEngine) StreamWorkflow(ctx context.Context, workflowID string, input schema.WorkflowInput) (*WorkflowStream, error) {
	return e.streamWorkflow(ctx, workflowID, input, walkSequential)
}

func walkSequential(ctx context.Context, run *workflowRun) error {
	for _, id := range run.wf.graph.Sorted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := run.execStep(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
