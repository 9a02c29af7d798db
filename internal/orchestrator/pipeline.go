package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

type pipelineStage struct {
	role   schema.Role
	name   string
	effort int
	after  []schema.Role
}

// featureStages is the delivery pipeline: analysis, implementation and
// testing in sequence, qa and security review side by side, then
// deployment and the launch announcement.
var featureStages = []pipelineStage{
	{schema.RoleAnalyst, "Analyze requirements", 3, nil},
	{schema.RoleDeveloper, "Implement", 8, []schema.Role{schema.RoleAnalyst}},
	{schema.RoleTester, "Write and run tests", 5, []schema.Role{schema.RoleDeveloper}},
	{schema.RoleQA, "QA review", 3, []schema.Role{schema.RoleTester}},
	{schema.RoleSecurity, "Security review", 3, []schema.Role{schema.RoleTester}},
	{schema.RoleEngineer, "Deploy", 5, []schema.Role{schema.RoleQA, schema.RoleSecurity}},
	{schema.RoleMarketer, "Announce", 2, []schema.Role{schema.RoleEngineer}},
}

// CreateFeaturePipeline creates the full delivery pipeline for feature in
// one transaction. All tasks share a workflow id; only the analyst task
// starts pending.
func (o *Orchestrator) CreateFeaturePipeline(ctx context.Context, feature string, priority schema.TaskPriority) ([]*schema.Task, error) {
	if feature == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "feature name is required")
	}
	workflowID := "pipeline-" + uuid.NewString()
	var out []*schema.Task
	err := o.mutate(ctx, func(c *change) error {
		out = out[:0]
		ids := make(map[schema.Role]string, len(featureStages))
		for _, st := range featureStages {
			deps := make([]string, 0, len(st.after))
			for _, r := range st.after {
				deps = append(deps, ids[r])
			}
			t, err := o.assign(c, st.role, &schema.Task{
				Name:        fmt.Sprintf("%s: %s", st.name, feature),
				Description: fmt.Sprintf("%s stage of feature %q", st.role, feature),
				Priority:    priority,
				Effort:      st.effort,
				DependsOn:   deps,
				WorkflowID:  workflowID,
			})
			if err != nil {
				return err
			}
			ids[st.role] = t.ID
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "feature pipeline created", "feature", feature, "workflow_id", workflowID, "tasks", len(out))
	return out, nil
}
