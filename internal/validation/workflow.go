package validation

import (
	"encoding/json"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// WorkflowValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (roles, step refs, expressions)
// 3. DAG (cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	exprs      ExpressionCompiler
}

// NewWorkflowValidator creates a WorkflowValidator. exprs may be zero to skip
// expression compilation checks.
func NewWorkflowValidator(exprs ExpressionCompiler) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, exprs: exprs}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.exprs))

	if result.Valid() {
		result.Merge(validateDAG(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input json.RawMessage, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateEnvelope delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateEnvelope(raw []byte) error {
	return wv.jsonSchema.ValidateEnvelope(raw)
}

// validateStructural converts JSON Schema violations into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	casErr, ok := err.(*schema.CASError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := casErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, casErr.Message)
	return result
}
