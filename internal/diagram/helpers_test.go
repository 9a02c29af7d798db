package diagram

import (
	"time"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

func reviewWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Name: "review", Steps: []schema.WorkflowStep{
		{ID: "build", Role: schema.RoleDeveloper, Name: "Build"},
		{ID: "test", Role: schema.RoleTester, DependsOn: []string{"build"}},
		{ID: "qa", Role: schema.RoleQA, DependsOn: []string{"test"}},
		{ID: "security", Role: schema.RoleSecurity, DependsOn: []string{"test"}, When: `params.audit == true`},
		{ID: "deploy", Role: schema.RoleEngineer, DependsOn: []string{"qa", "security"}},
	}}
}

func pipelineTasks() []*schema.Task {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	done := start.Add(1500 * time.Millisecond)
	return []*schema.Task{
		{ID: "t-dev", Name: "Implement", Role: schema.RoleDeveloper, Status: schema.TaskStatusInProgress, Seq: 2, DependsOn: []string{"t-an"}},
		{ID: "t-an", Name: "Analyze", Role: schema.RoleAnalyst, Status: schema.TaskStatusCompleted, Seq: 1, StartedAt: &start, CompletedAt: &done},
		{ID: "t-test", Name: "Test", Role: schema.RoleTester, Status: schema.TaskStatusBlocked, Seq: 3, DependsOn: []string{"t-dev", "elsewhere"}},
	}
}
