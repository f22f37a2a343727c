package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anaya-ai/watchtower/event"
)

// StepFunc performs a node's work and returns the payload to checkpoint.
// It must be side-effect free with respect to the Run it receives; all
// state mutation goes through the node's ApplyFunc so that replaying a
// checkpoint reproduces exactly the same Run.
type StepFunc func(ctx context.Context, run *Run) (json.RawMessage, error)

// ApplyFunc folds a checkpointed payload into the run. It runs both on
// fresh execution and on replay during resume.
type ApplyFunc func(run *Run, payload json.RawMessage) error

// EmitFunc produces extra events after a step's checkpoint commits.
// It is skipped on replay.
type EmitFunc func(run *Run, payload json.RawMessage) []event.Event

// Predicate gates an edge on the run's accumulated state.
type Predicate func(run *Run) bool

// Node is one step of a pipeline.
type Node struct {
	Name    string
	Execute StepFunc
	Apply   ApplyFunc
	Emit    EmitFunc
}

// Edge routes from one node to the next. A nil When is unconditional.
type Edge struct {
	From string
	To   string
	When Predicate
}

// Pipeline is an explicit directed graph of named steps. Routing is
// data-driven: after each step the first edge whose predicate accepts
// the run decides the successor, and a node with no accepting edge
// ends the run.
type Pipeline struct {
	name  string
	entry string
	nodes map[string]*Node
	order []string
	edges map[string][]Edge
}

// NewPipeline returns an empty pipeline with the given name.
func NewPipeline(name string) *Pipeline {
	return &Pipeline{
		name:  name,
		nodes: make(map[string]*Node),
		edges: make(map[string][]Edge),
	}
}

// Name returns the pipeline's name.
func (p *Pipeline) Name() string { return p.name }

// Node adds a step. The first node added becomes the entry point unless
// Entry overrides it. Adding a duplicate name replaces the node.
func (p *Pipeline) Node(n *Node) *Pipeline {
	if _, ok := p.nodes[n.Name]; !ok {
		p.order = append(p.order, n.Name)
	}
	p.nodes[n.Name] = n
	if p.entry == "" {
		p.entry = n.Name
	}
	return p
}

// Edge adds an unconditional edge.
func (p *Pipeline) Edge(from, to string) *Pipeline {
	return p.EdgeWhen(from, to, nil)
}

// EdgeWhen adds a predicate-gated edge. Edges are evaluated in the
// order they were added.
func (p *Pipeline) EdgeWhen(from, to string, when Predicate) *Pipeline {
	p.edges[from] = append(p.edges[from], Edge{From: from, To: to, When: when})
	return p
}

// Entry sets the entry node.
func (p *Pipeline) Entry(name string) *Pipeline {
	p.entry = name
	return p
}

// Validate checks that the graph is runnable: an entry exists, every
// edge endpoint is a defined node, and every node carries an Execute
// and Apply func.
func (p *Pipeline) Validate() error {
	if len(p.nodes) == 0 {
		return fmt.Errorf("pipeline %q: no nodes", p.name)
	}
	if _, ok := p.nodes[p.entry]; !ok {
		return fmt.Errorf("pipeline %q: entry %q is not a node", p.name, p.entry)
	}
	for _, name := range p.order {
		n := p.nodes[name]
		if n.Execute == nil {
			return fmt.Errorf("pipeline %q: node %q has no Execute", p.name, name)
		}
		if n.Apply == nil {
			return fmt.Errorf("pipeline %q: node %q has no Apply", p.name, name)
		}
	}
	for from, edges := range p.edges {
		if _, ok := p.nodes[from]; !ok {
			return fmt.Errorf("pipeline %q: edge from unknown node %q", p.name, from)
		}
		for _, e := range edges {
			if _, ok := p.nodes[e.To]; !ok {
				return fmt.Errorf("pipeline %q: edge %s -> unknown node %q", p.name, from, e.To)
			}
		}
	}
	return nil
}

// Next resolves the successor of from for the given run state. The
// second return is false when no edge accepts, meaning the run is done.
func (p *Pipeline) Next(from string, run *Run) (string, bool) {
	for _, e := range p.edges[from] {
		if e.When == nil || e.When(run) {
			return e.To, true
		}
	}
	return "", false
}

func (p *Pipeline) node(name string) (*Node, bool) {
	n, ok := p.nodes[name]
	return n, ok
}

// Steps returns node names in insertion order.
func (p *Pipeline) Steps() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}
