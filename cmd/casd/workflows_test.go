package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadWorkflows(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b-review.yaml", `
steps:
  - id: test
    role: tester
  - id: qa
    role: qa
    depends_on: [test]
    when: steps.test.status == "completed"
`)
	writeFile(t, dir, "a-build.json", `{
  "name": "build",
  "steps": [
    {"id": "plan", "role": "planner"},
    {"id": "dev", "role": "developer", "depends_on": ["plan"], "input": "{spec: .steps.plan.output}"}
  ]
}`)
	writeFile(t, dir, "README.md", "not a workflow")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "drafts.yaml"), 0o755))

	defs, err := loadWorkflows(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "build", defs[0].Name)
	assert.Equal(t, []string{"plan"}, defs[0].Steps[1].DependsOn)

	assert.Equal(t, "b-review", defs[1].Name)
	assert.Equal(t, schema.RoleQA, defs[1].Steps[1].Role)
	assert.Equal(t, `steps.test.status == "completed"`, defs[1].Steps[1].When)

	for _, def := range defs {
		assert.NoError(t, checkWorkflow(def), def.Name)
	}
}

func TestLoadWorkflowsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.json", `{"name": "deploy", "steps": [{"id": "ship", "role": "engineer"}]}`)
	writeFile(t, dir, "two.yml", "name: deploy\nsteps:\n  - id: ship\n    role: engineer\n")

	_, err := loadWorkflows(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `workflow "deploy" already defined`)
}

func TestLoadWorkflowsUnknownField(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", "steps:\n  - id: x\n    role: tester\n    retries: 3\n")

	_, err := loadWorkflows(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries")
}

func TestLoadWorkflowsMissingDir(t *testing.T) {
	_, err := loadWorkflows(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestCheckWorkflowCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{Name: "loop", Steps: []schema.WorkflowStep{
		{ID: "a", Role: schema.RoleDeveloper, DependsOn: []string{"b"}},
		{ID: "b", Role: schema.RoleTester, DependsOn: []string{"a"}},
	}}
	err := checkWorkflow(def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.CodeOf(err))
}

func TestCheckWorkflowBadExpression(t *testing.T) {
	def := &schema.WorkflowDefinition{Name: "bad-when", Steps: []schema.WorkflowStep{
		{ID: "a", Role: schema.RoleDeveloper, When: "steps.(("},
	}}
	require.Error(t, checkWorkflow(def))
}

func TestWriteDiagram(t *testing.T) {
	def := &schema.WorkflowDefinition{Name: "ship", Steps: []schema.WorkflowStep{
		{ID: "build", Role: schema.RoleDeveloper},
		{ID: "deploy", Role: schema.RoleEngineer, DependsOn: []string{"build"}},
	}}
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, writeDiagram(ctx, def, "mermaid", "", &out))
	assert.Contains(t, out.String(), "build --> deploy")

	out.Reset()
	require.NoError(t, writeDiagram(ctx, def, "ascii", "", &out))
	assert.Contains(t, out.String(), "=== ship ===")

	dir := t.TempDir()
	out.Reset()
	require.NoError(t, writeDiagram(ctx, def, "svg", dir, &out))
	data, err := os.ReadFile(filepath.Join(dir, "ship.svg"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")

	require.Error(t, writeDiagram(ctx, def, "gif", dir, &out))
}
