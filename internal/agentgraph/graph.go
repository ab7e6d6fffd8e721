// Package agentgraph validates communication graphs against a session's
// roster and answers predecessor/successor queries, treating bidirectional
// edges as contributing to both sets. Cycles are permitted; the graph is
// merely a reachability matrix.
package agentgraph

import "vibeforge/internal/simtypes"

// Validate checks that every edge endpoint is a member of agentIDs. It does
// not reject cycles.
func Validate(edges []simtypes.Edge, agentIDs []string) (bool, string) {
	known := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		known[id] = true
	}
	for _, e := range edges {
		if !known[e.From] {
			return false, "edge references unknown agent: " + e.From
		}
		if !known[e.To] {
			return false, "edge references unknown agent: " + e.To
		}
	}
	return true, ""
}

// Predecessors returns the set of agent ids with a directed edge into id,
// including the source of any bidirectional edge where id is the target.
func Predecessors(edges []simtypes.Edge, id string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, e := range edges {
		if e.To == id {
			add(e.From)
		}
		if e.Bidirectional && e.From == id {
			add(e.To)
		}
	}
	return out
}

// Successors returns the set of agent ids reachable from id via a directed
// edge, including the source of any bidirectional edge where id is the
// target.
func Successors(edges []simtypes.Edge, id string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, e := range edges {
		if e.From == id {
			add(e.To)
		}
		if e.Bidirectional && e.To == id {
			add(e.From)
		}
	}
	return out
}

// HasEdge reports whether a directed edge from -> to exists, treating a
// bidirectional to -> from edge as satisfying it too.
func HasEdge(edges []simtypes.Edge, from, to string) bool {
	for _, e := range edges {
		if e.From == from && e.To == to {
			return true
		}
		if e.Bidirectional && e.From == to && e.To == from {
			return true
		}
	}
	return false
}
