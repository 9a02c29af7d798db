package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// --- Cycle detection ---

func TestDAG_NoCycle_Linear(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_NoCycle_Diamond(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a"}},
			{ID: "d", DependsOn: []string{"b", "c"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_SimpleCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "a", DependsOn: []string{"c"}},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		},
	}
	result := validateDAG(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestDAG_SelfCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "a", DependsOn: []string{"a"}},
		},
	}
	result := validateDAG(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestDAG_ComplexCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a", "d"}},
			{ID: "c", DependsOn: []string{"b"}},
			{ID: "d", DependsOn: []string{"c"}},
		},
	}
	result := validateDAG(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

// --- Shapes ---

func TestDAG_AllReachable(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "root"},
			{ID: "child", DependsOn: []string{"root"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_DisconnectedRoots(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "root1"},
			{ID: "root2"},
			{ID: "child", DependsOn: []string{"root1"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings, "all steps reachable from some root")
}

func TestDAG_SingleStep(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "only"},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestDAG_UnreachableFromInvalidDep(t *testing.T) {
	// Step "island" depends on "ghost" which doesn't exist.
	// Semantic catches the bad ref; DAG skips invalid refs and sees "island" as a root.
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "root"},
			{ID: "island", DependsOn: []string{"ghost"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	// "island" is reachable as root since "ghost" is filtered out.
	assert.Empty(t, result.Warnings)
}

func TestDAG_SkipsDuplicateDeps(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a", "a", "a"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
}

func TestDAG_WarnsOnConditionalUpstream(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{ID: "review", When: "params.review == true"},
			{ID: "ship", DependsOn: []string{"review"}},
		},
	}
	result := validateDAG(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "review")
}
