package validation

import (
	"fmt"
	"time"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// ExpressionCompiler checks that a step's expressions compile before the
// workflow is registered. Either field may be nil to skip that check.
type ExpressionCompiler struct {
	When  func(expr string) error
	Input func(query string) error
}

// validateSemantic checks dependency references, roles and expressions.
func validateSemantic(def *schema.WorkflowDefinition, exprs ExpressionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		validateStepSemantic(&def.Steps[i], fmt.Sprintf("steps[%d]", i), stepIDs, exprs, def.Timeout, result)
	}
	return result
}

func validateStepSemantic(step *schema.WorkflowStep, path string, stepIDs map[string]bool, exprs ExpressionCompiler, wfTimeout string, result *schema.ValidationResult) {
	if !step.Role.Valid() {
		result.AddError(path+".role", schema.ErrCodeValidation, fmt.Sprintf("unknown role %q", step.Role))
	}

	seen := make(map[string]bool, len(step.DependsOn))
	for j, dep := range step.DependsOn {
		depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
		switch {
		case dep == step.ID:
			result.AddError(depPath, schema.ErrCodeCycleDetected, fmt.Sprintf("step %q depends on itself", step.ID))
		case !stepIDs[dep]:
			result.AddError(depPath, schema.ErrCodeValidation, fmt.Sprintf("references non-existent step %q", dep))
		case seen[dep]:
			result.AddWarning(depPath, schema.ErrCodeValidation, fmt.Sprintf("duplicate dependency %q", dep))
		}
		seen[dep] = true
	}

	if step.When != "" && exprs.When != nil {
		if err := exprs.When(step.When); err != nil {
			result.AddError(path+".when", schema.ErrCodeValidation, fmt.Sprintf("invalid condition: %v", err))
		}
	}
	if step.Input != "" && exprs.Input != nil {
		if err := exprs.Input(step.Input); err != nil {
			result.AddError(path+".input", schema.ErrCodeValidation, fmt.Sprintf("invalid input mapping: %v", err))
		}
	}

	if step.Timeout != "" && wfTimeout != "" {
		sDur, sErr := time.ParseDuration(step.Timeout)
		wDur, wErr := time.ParseDuration(wfTimeout)
		if sErr == nil && wErr == nil && sDur > wDur {
			result.AddWarning(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("step timeout (%s) exceeds workflow timeout (%s)", step.Timeout, wfTimeout))
		}
	}

	if step.Effort > 100 {
		result.AddWarning(path+".effort", schema.ErrCodeValidation,
			fmt.Sprintf("effort %d is unusually large and may never fit role capacity", step.Effort))
	}
}
