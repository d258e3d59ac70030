package workflow

import (
	"errors"
	"fmt"

	"github.com/mohae/deepcopy"
)

// ErrInvalidGraph is returned when a graph violates its structural rules.
var ErrInvalidGraph = errors.New("invalid workflow graph")

// Position is a node's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a single block in a workflow, e.g. an oracle feed, a messaging
// integration or a protocol action. Type names the block kind and Config
// carries its block-specific settings.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Label    string         `json:"label,omitempty"`
	Position Position       `json:"position"`
	Config   map[string]any `json:"config,omitempty"`
}

// Edge connects the output of Source to the input of Target.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the full editable state of a workflow.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Validate checks that node and edge IDs are present and unique and that
// every edge joins two distinct existing nodes.
func (g Graph) Validate() error {
	nodes := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has no id", ErrInvalidGraph, i)
		}
		if nodes[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, n.ID)
		}
		nodes[n.ID] = true
	}

	edges := make(map[string]bool, len(g.Edges))
	for i, e := range g.Edges {
		if e.ID == "" {
			return fmt.Errorf("%w: edge %d has no id", ErrInvalidGraph, i)
		}
		if edges[e.ID] {
			return fmt.Errorf("%w: duplicate edge id %q", ErrInvalidGraph, e.ID)
		}
		edges[e.ID] = true
		if !nodes[e.Source] {
			return fmt.Errorf("%w: edge %q source %q does not exist", ErrInvalidGraph, e.ID, e.Source)
		}
		if !nodes[e.Target] {
			return fmt.Errorf("%w: edge %q target %q does not exist", ErrInvalidGraph, e.ID, e.Target)
		}
		if e.Source == e.Target {
			return fmt.Errorf("%w: edge %q loops on node %q", ErrInvalidGraph, e.ID, e.Source)
		}
	}
	return nil
}

// Clone returns a deep copy of g that shares no memory with it.
func (g Graph) Clone() Graph {
	out := Graph{}
	if g.Nodes != nil {
		out.Nodes = make([]Node, len(g.Nodes))
		for i, n := range g.Nodes {
			out.Nodes[i] = n
			if n.Config != nil {
				out.Nodes[i].Config = deepcopy.Copy(n.Config).(map[string]any)
			}
		}
	}
	if g.Edges != nil {
		out.Edges = make([]Edge, len(g.Edges))
		copy(out.Edges, g.Edges)
	}
	return out
}
