package diagram

import (
	"fmt"
	"slices"

	"github.com/tutorwiseapp/cas/internal/engine"
	"github.com/tutorwiseapp/cas/pkg/schema"
)

// FromWorkflow builds a model of def. When state is non-nil (a loaded
// checkpoint) each step carries its recorded status.
func FromWorkflow(def *schema.WorkflowDefinition, state *schema.WorkflowState) (*Model, error) {
	g, err := engine.ParseGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	m := &Model{Title: def.Name}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range g.Sorted {
		step := g.Steps[id]
		n := &Node{ID: id, Label: stepLabel(step), Role: string(step.Role), Kind: NodeKindStep}
		if step.When != "" {
			n.Kind = NodeKindConditional
		}
		if state != nil {
			if ss, ok := state.Steps[id]; ok {
				n.Status = &StatusOverlay{Status: string(ss.Status), Error: ss.Error}
			}
		}
		m.Nodes = append(m.Nodes, n)
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	for _, root := range g.Roots {
		m.Edges = append(m.Edges, Edge{From: startID, To: root})
	}
	for _, id := range g.Sorted {
		step := g.Steps[id]
		for _, dep := range g.Edges[id] {
			m.Edges = append(m.Edges, Edge{From: dep, To: id, Label: step.When})
		}
		if len(g.Reverse[id]) == 0 {
			m.Edges = append(m.Edges, Edge{From: id, To: endID})
		}
	}
	m.Levels = wrapLevels(g.Levels)
	return m, nil
}

// FromTasks builds a model of a task graph such as a feature pipeline.
// Dependencies outside tasks are ignored.
func FromTasks(title string, tasks []*schema.Task) *Model {
	ordered := slices.Clone(tasks)
	slices.SortFunc(ordered, func(a, b *schema.Task) int {
		if a.Seq != b.Seq {
			if a.Seq < b.Seq {
				return -1
			}
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	present := make(map[string]bool, len(ordered))
	for _, t := range ordered {
		present[t.ID] = true
	}

	m := &Model{Title: title}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	level := make(map[string]int, len(ordered))
	hasDependents := make(map[string]bool, len(ordered))
	var levels [][]string
	for _, t := range ordered {
		m.Nodes = append(m.Nodes, &Node{
			ID:     t.ID,
			Label:  t.Name,
			Role:   string(t.Role),
			Kind:   NodeKindStep,
			Status: taskOverlay(t),
		})
		lv, deps := 0, 0
		for _, dep := range t.DependsOn {
			if !present[dep] {
				continue
			}
			deps++
			hasDependents[dep] = true
			m.Edges = append(m.Edges, Edge{From: dep, To: t.ID})
			// Tasks only depend on tasks created before them, so dep's
			// level is already known.
			lv = max(lv, level[dep]+1)
		}
		if deps == 0 {
			m.Edges = append(m.Edges, Edge{From: startID, To: t.ID})
		}
		level[t.ID] = lv
		for len(levels) <= lv {
			levels = append(levels, nil)
		}
		levels[lv] = append(levels[lv], t.ID)
	}
	for _, t := range ordered {
		if !hasDependents[t.ID] {
			m.Edges = append(m.Edges, Edge{From: t.ID, To: endID})
		}
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	m.Levels = wrapLevels(levels)
	return m
}

func taskOverlay(t *schema.Task) *StatusOverlay {
	o := &StatusOverlay{Status: string(t.Status), Error: t.Error}
	if t.StartedAt != nil && t.CompletedAt != nil {
		o.DurationMs = t.CompletedAt.Sub(*t.StartedAt).Milliseconds()
	}
	return o
}

func stepLabel(step *schema.WorkflowStep) string {
	name := step.ID
	if step.Name != "" {
		name = step.Name
	}
	return fmt.Sprintf("%s\n(%s)", name, step.Role)
}

func wrapLevels(inner [][]string) [][]string {
	levels := make([][]string, 0, len(inner)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, inner...)
	return append(levels, []string{endID})
}
