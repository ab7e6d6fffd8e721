package agentgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vibeforge/internal/simtypes"
)

func TestValidateRejectsUnknownEndpoint(t *testing.T) {
	edges := []simtypes.Edge{{From: "A", To: "Z"}}
	ok, reason := Validate(edges, []string{"A", "B"})
	assert.False(t, ok)
	assert.Contains(t, reason, "Z")
}

func TestValidateAllowsCycles(t *testing.T) {
	edges := []simtypes.Edge{{From: "A", To: "B"}, {From: "B", To: "A"}}
	ok, _ := Validate(edges, []string{"A", "B"})
	assert.True(t, ok)
}

func TestHasEdgeBidirectional(t *testing.T) {
	edges := []simtypes.Edge{{From: "O", To: "W1", Bidirectional: true}}
	assert.True(t, HasEdge(edges, "O", "W1"))
	assert.True(t, HasEdge(edges, "W1", "O"))
	assert.False(t, HasEdge(edges, "W1", "W2"))
}

func TestPredecessorsSuccessorsWithBidirectional(t *testing.T) {
	edges := []simtypes.Edge{
		{From: "A", To: "B"},
		{From: "O", To: "W1", Bidirectional: true},
	}
	assert.ElementsMatch(t, []string{"A"}, Predecessors(edges, "B"))
	assert.ElementsMatch(t, []string{"B"}, Successors(edges, "A"))
	assert.ElementsMatch(t, []string{"O"}, Predecessors(edges, "W1"))
	assert.ElementsMatch(t, []string{"W1"}, Successors(edges, "O"))
}
