package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Format selects RenderImage's output encoding.
type Format string

const (
	FormatSVG Format = "svg"
	FormatPNG Format = "png"
)

// RenderImage lays the model out with graphviz dot and encodes it.
func RenderImage(ctx context.Context, model *Model, format Format) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case FormatSVG, "":
		gvFormat = graphviz.SVG
	case FormatPNG:
		gvFormat = graphviz.PNG
	default:
		return nil, fmt.Errorf("diagram: unknown image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	nodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		n, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		label := firstLine(node.Label)
		if node.Role != "" {
			label += "\n@" + node.Role
		}
		n.SetLabel(label)
		applyNodeStyle(n, node)
		nodes[node.ID] = n
	}

	for _, edge := range model.Edges {
		from, to := nodes[edge.From], nodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func applyNodeStyle(n *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindConditional:
		n.SetShape(cgraph.DiamondShape)
	case NodeKindStart, NodeKindEnd:
		n.SetShape(cgraph.CircleShape)
		n.SetWidth(0.5)
		n.SetHeight(0.5)
	default:
		n.SetShape(cgraph.BoxShape)
	}
	if node.Status != nil {
		applyStatusColor(n, node.Status.Status)
	}
}

func applyStatusColor(n *cgraph.Node, status string) {
	n.SetStyle(cgraph.FilledNodeStyle)
	switch statusClass(status) {
	case "completed":
		n.SetFillColor("#2d6a2d")
		n.SetFontColor("white")
	case "failed":
		n.SetFillColor("#8b1a1a")
		n.SetFontColor("white")
	case "running":
		n.SetFillColor("#1a5276")
		n.SetFontColor("white")
	case "blocked":
		n.SetFillColor("#b7791a")
		n.SetFontColor("white")
	case "pending":
		n.SetFillColor("#d3d3d3")
		n.SetFontColor("black")
	case "skipped":
		n.SetFillColor("#e8e8e8")
		n.SetFontColor("#888888")
		n.SetStyle(cgraph.DashedNodeStyle)
	}
}
