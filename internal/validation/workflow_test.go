package validation

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

func TestWorkflowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*WorkflowValidator)(nil)
	var _ Validator = (*JSONSchemaValidator)(nil)
}

func featureWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "feature",
		Steps: []schema.WorkflowStep{
			{ID: "analyse", Role: schema.RoleAnalyst},
			{ID: "build", Role: schema.RoleDeveloper, DependsOn: []string{"analyse"}, Input: ".steps.analyse.output"},
			{ID: "test", Role: schema.RoleTester, DependsOn: []string{"build"}, Priority: schema.PriorityHigh, Effort: 3},
		},
	}
}

func TestWorkflowValidator_FullValid(t *testing.T) {
	wv, err := NewWorkflowValidator(ExpressionCompiler{})
	require.NoError(t, err)

	result := wv.Validate(featureWorkflow())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestWorkflowValidator_NilDef(t *testing.T) {
	wv, err := NewWorkflowValidator(ExpressionCompiler{})
	require.NoError(t, err)

	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv, err := NewWorkflowValidator(ExpressionCompiler{})
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Name: "bad",
		Steps: []schema.WorkflowStep{
			{ID: "a", Role: "designer", DependsOn: []string{"ghost"}},
		},
	}
	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotContains(t, e.Message, "ghost", "semantic stage must not run after structural failure")
	}
}

func TestWorkflowValidator_MissingName(t *testing.T) {
	wv, err := NewWorkflowValidator(ExpressionCompiler{})
	require.NoError(t, err)

	def := featureWorkflow()
	def.Name = ""
	assert.False(t, wv.Validate(def).Valid())
}

func TestWorkflowValidator_DuplicateStepID(t *testing.T) {
	wv, err := NewWorkflowValidator(ExpressionCompiler{})
	require.NoError(t, err)

	def := featureWorkflow()
	def.Steps = append(def.Steps, schema.WorkflowStep{ID: "build", Role: schema.RoleQA})
	err = wv.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestWorkflowValidator_SemanticErrors(t *testing.T) {
	wv, err := NewWorkflowValidator(ExpressionCompiler{})
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Name: "refs",
		Steps: []schema.WorkflowStep{
			{ID: "a", Role: schema.RoleAnalyst, DependsOn: []string{"a"}},
			{ID: "b", Role: schema.RoleDeveloper, DependsOn: []string{"missing"}},
		},
	}
	result := wv.Validate(def)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	assert.Equal(t, "steps[1].depends_on[0]", result.Errors[1].Path)
}

func TestWorkflowValidator_Cycle(t *testing.T) {
	wv, err := NewWorkflowValidator(ExpressionCompiler{})
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Name: "loop",
		Steps: []schema.WorkflowStep{
			{ID: "a", Role: schema.RoleAnalyst, DependsOn: []string{"b"}},
			{ID: "b", Role: schema.RoleDeveloper, DependsOn: []string{"a"}},
		},
	}
	err = wv.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestWorkflowValidator_ExpressionCompilers(t *testing.T) {
	bad := errors.New("unexpected token")
	wv, err := NewWorkflowValidator(ExpressionCompiler{
		When:  func(string) error { return bad },
		Input: func(string) error { return nil },
	})
	require.NoError(t, err)

	def := featureWorkflow()
	def.Steps[2].When = "steps.build.status =="
	result := wv.Validate(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[2].when", result.Errors[0].Path)
}

func TestWorkflowValidator_TimeoutWarning(t *testing.T) {
	wv, err := NewWorkflowValidator(ExpressionCompiler{})
	require.NoError(t, err)

	def := featureWorkflow()
	def.Timeout = "1m"
	def.Steps[0].Timeout = "5m"
	result := wv.Validate(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[0].timeout", result.Warnings[0].Path)
}

// --- Envelopes ---

func TestValidateEnvelope(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	env, err := schema.NewEnvelope(schema.KindTask, schema.RolePlanner, schema.RoleAnalyst, "t-1", map[string]any{"x": 1})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NoError(t, v.ValidateEnvelope(raw))

	unknown := []byte(`{"id":"e","kind":"status","timestamp":"2026-01-01T00:00:00Z","protocol_version":"2.0","future_field":true}`)
	assert.NoError(t, v.ValidateEnvelope(unknown), "unknown fields are ignored")

	badKind := []byte(`{"id":"e","kind":"gossip","timestamp":"2026-01-01T00:00:00Z","protocol_version":"1.0"}`)
	err = v.ValidateEnvelope(badKind)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	missing := []byte(`{"kind":"task"}`)
	err = v.ValidateEnvelope(missing)
	require.Error(t, err)
	casErr, ok := err.(*schema.CASError)
	require.True(t, ok)
	assert.NotEmpty(t, casErr.Details["violations"])

	assert.Error(t, v.ValidateEnvelope([]byte(`not json`)))
}

// --- Input schemas ---

func TestValidateInput(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	inputSchema := []byte(`{"type":"object","required":["feature"],"properties":{"feature":{"type":"string"},"points":{"type":"integer","minimum":1}}}`)

	assert.NoError(t, v.ValidateInput(json.RawMessage(`{"feature":"login","points":3}`), inputSchema))
	assert.Error(t, v.ValidateInput(json.RawMessage(`{"points":3}`), inputSchema))
	assert.Error(t, v.ValidateInput(json.RawMessage(`{"feature":"x","points":0}`), inputSchema))
	assert.Error(t, v.ValidateInput(nil, inputSchema))
	assert.NoError(t, v.ValidateInput(json.RawMessage(`{}`), nil), "no schema means no validation")

	err = v.ValidateInput(json.RawMessage(`{}`), []byte(`{"type": 12}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input schema")
}

func TestValidateInput_ConcurrentCache(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	inputSchema := []byte(`{"type":"object"}`)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateInput(json.RawMessage(`{}`), inputSchema))
		}()
	}
	wg.Wait()

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}

func TestNewEnvelope_TimestampFormat(t *testing.T) {
	env, err := schema.NewEnvelope(schema.KindStatus, "", "", "", nil)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), env.Timestamp, time.Minute)
}
