package scope

import (
	"fmt"
	"strings"
)

// GraphNode is one declared resource.
// Depth is its nesting level: 0 for resources that nest in nothing.
// Release is its 1-based position in the release order of a run that acquired everything.
type GraphNode struct {
	ID      ID     `json:"id"`
	Driver  string `json:"driver"`
	Depth   int    `json:"depth"`
	Release int    `json:"release"`
}

// GraphEdge means Inner nests in Outer: Inner is acquired after Outer and released before it.
type GraphEdge struct {
	Inner ID `json:"inner"`
	Outer ID `json:"outer"`
}

// Graph is the nesting structure of a Plan. Nodes keep declaration order.
type Graph struct {
	Nodes        []GraphNode `json:"nodes"`
	Edges        []GraphEdge `json:"edges"`
	AcquireOrder []ID        `json:"acquireOrder"`
	ReleaseOrder []ID        `json:"releaseOrder"`
}

func newGraph(nodes map[string]*compiledNode, declared []ID, acquireOrder []ID) Graph {
	g := Graph{
		Nodes:        make([]GraphNode, 0, len(declared)),
		AcquireOrder: append([]ID(nil), acquireOrder...),
		ReleaseOrder: make([]ID, 0, len(acquireOrder)),
	}
	for i := len(acquireOrder) - 1; i >= 0; i-- {
		g.ReleaseOrder = append(g.ReleaseOrder, acquireOrder[i])
	}

	depth := make(map[string]int, len(acquireOrder))
	for _, id := range acquireOrder {
		d := 0
		for _, outer := range nodes[id.String()].deps {
			d = max(d, depth[outer.String()]+1)
		}
		depth[id.String()] = d
	}
	release := make(map[string]int, len(g.ReleaseOrder))
	for i, id := range g.ReleaseOrder {
		release[id.String()] = i + 1
	}

	for _, id := range declared {
		node := nodes[id.String()]
		g.Nodes = append(g.Nodes, GraphNode{
			ID:      id,
			Driver:  node.driver,
			Depth:   depth[id.String()],
			Release: release[id.String()],
		})
		for _, outer := range node.deps {
			g.Edges = append(g.Edges, GraphEdge{Inner: id, Outer: outer})
		}
	}
	return g
}

func (g Graph) clone() Graph {
	return Graph{
		Nodes:        append([]GraphNode(nil), g.Nodes...),
		Edges:        append([]GraphEdge(nil), g.Edges...),
		AcquireOrder: append([]ID(nil), g.AcquireOrder...),
		ReleaseOrder: append([]ID(nil), g.ReleaseOrder...),
	}
}

// walk visits nodes with a stable alias and label lines, then edges by alias.
func (g Graph) walk(node func(alias string, lines []string), edge func(inner, outer string)) {
	aliases := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		alias := fmt.Sprintf("n%d", i)
		aliases[n.ID.String()] = alias
		lines := []string{n.ID.String()}
		if n.Driver != "" {
			lines = append(lines, "("+n.Driver+")")
		}
		lines = append(lines, fmt.Sprintf("release #%d", n.Release))
		node(alias, lines)
	}
	for _, e := range g.Edges {
		inner, okInner := aliases[e.Inner.String()]
		outer, okOuter := aliases[e.Outer.String()]
		if okInner && okOuter {
			edge(inner, outer)
		}
	}
}

// DOT exports Graphviz DOT text. Edges point from a resource to the one it nests in.
func (g Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph scope {\n")
	b.WriteString("  rankdir=LR;\n")
	g.walk(func(alias string, lines []string) {
		fmt.Fprintf(&b, "  %s [label=\"%s\"];\n", alias, escapeQuotes(strings.Join(lines, "\\n")))
	}, func(inner, outer string) {
		fmt.Fprintf(&b, "  %s -> %s [label=\"nests in\"];\n", inner, outer)
	})
	b.WriteString("}\n")
	return b.String()
}

// Mermaid exports Mermaid graph text.
func (g Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	g.walk(func(alias string, lines []string) {
		fmt.Fprintf(&b, "    %s[\"%s\"]\n", alias, escapeQuotes(strings.Join(lines, "<br/>")))
	}, func(inner, outer string) {
		fmt.Fprintf(&b, "    %s -->|nests in| %s\n", inner, outer)
	})
	return b.String()
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}
