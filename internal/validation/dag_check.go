package validation

import (
	"fmt"
	"sort"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// validateDAG performs graph analysis on workflow steps: cycle detection
// (Kahn's algorithm) and a warning for steps that depend on a conditional step,
// since a skipped upstream counts as satisfied.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	conditional := make(map[string]bool)
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
		if s.When != "" {
			conditional[s.ID] = true
		}
	}

	// edges[id] = dependencies of step id, reverse[id] = dependents of step id.
	edges := make(map[string][]string, len(def.Steps))
	reverse := make(map[string][]string, len(def.Steps))

	for _, s := range def.Steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if !stepIDs[dep] || seen[dep] {
				continue // invalid refs already caught by semantic
			}
			seen[dep] = true
			edges[s.ID] = append(edges[s.ID], dep)
			reverse[dep] = append(reverse[dep], s.ID)
		}
	}

	inDegree := make(map[string]int, len(def.Steps))
	for id := range stepIDs {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(def.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(stepIDs) {
		result.AddError("steps", schema.ErrCodeCycleDetected, "workflow contains a dependency cycle")
		return result
	}

	for _, s := range def.Steps {
		for _, dep := range edges[s.ID] {
			if conditional[dep] {
				result.AddWarning(fmt.Sprintf("steps[%s].depends_on", s.ID), schema.ErrCodeValidation,
					fmt.Sprintf("step %q depends on conditional step %q and runs even when it is skipped", s.ID, dep))
			}
		}
	}

	return result
}
