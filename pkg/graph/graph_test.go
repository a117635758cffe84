package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklab/foreman/pkg/errdef"
)

func buildDiamond(t *testing.T) *DAG {
	t.Helper()
	g := New()
	// a -> b, a -> c, b -> d, c -> d
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("a", "c"))
	require.NoError(t, g.AddEdge("b", "d"))
	require.NoError(t, g.AddEdge("c", "d"))
	return g
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := buildDiamond(t)

	err := g.AddEdge("d", "a")
	require.Error(t, err)
	assert.Equal(t, errdef.KindValidation, errdef.KindOf(err))
	assert.False(t, g.HasEdge("d", "a"))

	// Graph must still be valid afterwards.
	_, err = g.TopoOrder()
	assert.NoError(t, err)
}

func TestAddEdgeRejectsSelfDependency(t *testing.T) {
	g := New()
	assert.Error(t, g.AddEdge("x", "x"))
}

func TestAddEdgeIdempotent(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("a", "b"))
	assert.Equal(t, []string{"b"}, g.Edges()["a"])
}

func TestTopoOrderDeterministic(t *testing.T) {
	g := buildDiamond(t)
	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestBatches(t *testing.T) {
	g := buildDiamond(t)
	g.AddNode("lone")

	batches, err := g.Batches()
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "lone"}, batches[0])
	assert.Equal(t, []string{"b", "c"}, batches[1])
	assert.Equal(t, []string{"d"}, batches[2])
}

func TestEmptyGraph(t *testing.T) {
	g := New()
	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Empty(t, order)

	batches, err := g.Batches()
	require.NoError(t, err)
	assert.Empty(t, batches)
}
