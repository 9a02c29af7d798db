package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep        NodeKind = "step"
	NodeKindConditional NodeKind = "conditional" // step guarded by a when expression
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one workflow step or one task.
type Node struct {
	ID     string
	Label  string
	Role   string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node. Status is a step status
// or a task status.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Error      string
}

// Edge points from a dependency to its dependent.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
