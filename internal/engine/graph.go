package engine

import (
	"slices"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// Graph is the dependency graph of a workflow definition.
// Both engines walk it: the local engine in Sorted order, the graph engine
// one entry of Levels at a time.
type Graph struct {
	Steps   map[string]*schema.WorkflowStep // step ID → definition
	Edges   map[string][]string             // step ID → dependencies (depends_on)
	Reverse map[string][]string             // step ID → dependents
	Sorted  []string                        // topological order
	Roots   []string                        // steps with no dependencies
	Levels  [][]string                      // steps whose dependencies sit in earlier levels
}

// ParseGraph builds the dependency graph of def. Steps are ordered with
// Kahn's algorithm; ties break by step ID so the order is deterministic.
func ParseGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no steps", def.Name)
	}

	g := &Graph{
		Steps:   make(map[string]*schema.WorkflowStep, len(def.Steps)),
		Edges:   make(map[string][]string, len(def.Steps)),
		Reverse: make(map[string][]string, len(def.Steps)),
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		if !step.Role.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown role %q", step.ID, step.Role)
		}
		g.Steps[step.ID] = step
	}

	for id, step := range g.Steps {
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id)
			}
			if _, exists := g.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep)
			}
			if slices.Contains(deps, dep) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep)
			}
			deps = append(deps, dep)
			g.Reverse[dep] = append(g.Reverse[dep], id)
		}
		g.Edges[id] = deps
	}

	inDegree := make(map[string]int, len(g.Steps))
	var queue []string
	for id := range g.Steps {
		inDegree[id] = len(g.Edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)
	g.Roots = slices.Clone(queue)

	sorted := make([]string, 0, len(g.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := slices.Clone(g.Reverse[node])
		slices.Sort(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(sorted) != len(g.Steps) {
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "workflow %s contains a cycle", def.Name)
	}
	g.Sorted = sorted
	g.Levels = computeLevels(g)
	return g, nil
}

// computeLevels groups steps by topological depth.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Steps))
	maxLevel := 0
	for _, id := range g.Sorted {
		d := 0
		for _, dep := range g.Edges[id] {
			d = max(d, depth[dep]+1)
		}
		depth[id] = d
		maxLevel = max(maxLevel, d)
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}
