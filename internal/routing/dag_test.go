package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortRespectsDataFlow(t *testing.T) {
	edges := NewEdges()
	edges.Add("A", "B")
	edges.Add("B", "C")
	routes := []RouteInfo{
		{ID: "A", RecEnabled: true, SignalOrder: 0},
		{ID: "B", RecEnabled: false, SignalOrder: 1},
		{ID: "C", RecEnabled: false, SignalOrder: 2},
	}

	order := Sort(routes, edges)
	require.Len(t, order, 3)
	pos := indexOf(order)
	assert.Less(t, pos["A"], pos["B"], "B depends on A")
	assert.Less(t, pos["B"], pos["C"], "C depends on B")
}

// TestSeedOrderPrefersNonRecEnabled: among roots with no
// incoming edges, non-rec-enabled routes schedule first.
func TestSeedOrderPrefersNonRecEnabled(t *testing.T) {
	edges := NewEdges()
	routes := []RouteInfo{
		{ID: "RecRoot", RecEnabled: true, SignalOrder: 0},
		{ID: "PlainRoot", RecEnabled: false, SignalOrder: 1},
	}

	order := Sort(routes, edges)
	require.Len(t, order, 2)
	assert.Equal(t, RouteID("PlainRoot"), order[0])
	assert.Equal(t, RouteID("RecRoot"), order[1])
}

func TestSortDetectsCycleAndReturnsBestEffort(t *testing.T) {
	edges := NewEdges()
	edges.Add("A", "B")
	edges.Add("B", "A")
	routes := []RouteInfo{
		{ID: "A", SignalOrder: 0},
		{ID: "B", SignalOrder: 1},
	}

	order := Sort(routes, edges)
	assert.Len(t, order, 2, "cycle must not lose routes from the schedule")
}

func TestEdgesRemoveRouteClearsBothDirections(t *testing.T) {
	edges := NewEdges()
	edges.Add("A", "B")
	edges.Add("B", "C")
	edges.RemoveRoute("B")

	assert.True(t, edges.HasNoneTo("B"))
	assert.Empty(t, edges.From("A"))
	assert.True(t, edges.HasNoneTo("C"))
}

func indexOf(order []RouteID) map[RouteID]int {
	m := make(map[RouteID]int, len(order))
	for i, r := range order {
		m[r] = i
	}
	return m
}
