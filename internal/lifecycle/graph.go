package lifecycle

import (
	"fmt"

	"sipstate/internal/domain"
)

// Edge is one allowed (from, to) pair of the lifecycle graph.
type Edge struct {
	From domain.State `json:"from"`
	To   domain.State `json:"to"`
}

// Graph is the fixed transition graph. It is built once and never mutated;
// copies share the underlying tables.
//
// Every non-terminal state may move to domain.StateError regardless of the
// explicit edges. Terminal states have no outgoing edges at all.
type Graph struct {
	initial  domain.State
	terminal map[domain.State]bool
	edges    map[Edge]bool
}

// Definition is the declarative form of a graph, as found in configuration.
type Definition struct {
	Initial     string              `yaml:"initial"`
	Terminal    []string            `yaml:"terminal"`
	Transitions map[string][]string `yaml:"transitions"`
}

// DefaultDefinition is pending -> received -> validated -> transferred -> archived.
func DefaultDefinition() Definition {
	return Definition{
		Initial:  string(domain.StatePending),
		Terminal: []string{string(domain.StateArchived), string(domain.StateError)},
		Transitions: map[string][]string{
			string(domain.StatePending):     {string(domain.StateReceived)},
			string(domain.StateReceived):    {string(domain.StateValidated)},
			string(domain.StateValidated):   {string(domain.StateTransferred)},
			string(domain.StateTransferred): {string(domain.StateArchived)},
		},
	}
}

// DefaultGraph returns the graph of DefaultDefinition.
func DefaultGraph() Graph {
	g, err := NewGraph(DefaultDefinition())
	if err != nil {
		panic(err)
	}
	return g
}

// NewGraph validates def and builds the adjacency table.
func NewGraph(def Definition) (Graph, error) {
	initial, ok := domain.ParseState(def.Initial)
	if !ok {
		return Graph{}, fmt.Errorf("lifecycle.initial: unknown state %q", def.Initial)
	}
	g := Graph{
		initial:  initial,
		terminal: make(map[domain.State]bool),
		edges:    make(map[Edge]bool),
	}
	for _, name := range def.Terminal {
		st, ok := domain.ParseState(name)
		if !ok {
			return Graph{}, fmt.Errorf("lifecycle.terminal: unknown state %q", name)
		}
		g.terminal[st] = true
	}
	if !g.terminal[domain.StateError] {
		return Graph{}, fmt.Errorf("lifecycle.terminal must include %s", domain.StateError)
	}
	if g.terminal[initial] {
		return Graph{}, fmt.Errorf("lifecycle.initial %s cannot be terminal", initial)
	}
	for fromName, targets := range def.Transitions {
		from, ok := domain.ParseState(fromName)
		if !ok {
			return Graph{}, fmt.Errorf("lifecycle.transitions: unknown state %q", fromName)
		}
		if g.terminal[from] && len(targets) > 0 {
			return Graph{}, fmt.Errorf("lifecycle.transitions: terminal state %s has outgoing edges", from)
		}
		for _, toName := range targets {
			to, ok := domain.ParseState(toName)
			if !ok {
				return Graph{}, fmt.Errorf("lifecycle.transitions[%s]: unknown state %q", from, toName)
			}
			if to == initial {
				return Graph{}, fmt.Errorf("lifecycle.transitions[%s]: cannot return to initial state %s", from, initial)
			}
			if to == from {
				return Graph{}, fmt.Errorf("lifecycle.transitions[%s]: self edge", from)
			}
			g.edges[Edge{From: from, To: to}] = true
		}
	}
	return g, nil
}

// Initial is the state new records are created in.
func (g Graph) Initial() domain.State { return g.initial }

// Terminal reports whether s is a sink.
func (g Graph) Terminal(s domain.State) bool { return g.terminal[s] }

// Allowed reports whether from -> to is an edge of the graph.
func (g Graph) Allowed(from, to domain.State) bool {
	if g.terminal[from] {
		return false
	}
	if to == domain.StateError {
		return from.Valid()
	}
	return g.edges[Edge{From: from, To: to}]
}

// Edges lists every allowed edge, including the implicit error edges,
// in a stable order.
func (g Graph) Edges() []Edge {
	var out []Edge
	for _, from := range domain.States() {
		for _, to := range domain.States() {
			if g.Allowed(from, to) {
				out = append(out, Edge{From: from, To: to})
			}
		}
	}
	return out
}
