package graphs

import (
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func path(n int, label float32) *Graph {
	g := &Graph{
		NumNodes:    n,
		NumFeatures: 1,
		Features:    make([]float32, n),
		Label:       []float32{label},
	}
	for v := range n {
		g.Features[v] = float32(v)
		if v > 0 {
			g.Edges = append(g.Edges, [2]int32{int32(v - 1), int32(v)})
		}
	}
	return g
}

func TestValidate(t *testing.T) {
	require.NoError(t, path(3, 0).Validate())

	bad := path(3, 0)
	bad.Edges = append(bad.Edges, [2]int32{0, 3})
	require.Error(t, bad.Validate(), "out-of-range edge endpoint")

	bad = path(3, 0)
	bad.Features = bad.Features[:2]
	require.Error(t, bad.Validate())
}

func TestNewBatch(t *testing.T) {
	b, err := NewBatch([]*Graph{path(4, 1), path(2, 2), path(3, 3)})
	require.NoError(t, err)

	assert.Equal(t, 3, b.NumGraphs)
	assert.Equal(t, 9, b.TotalNodes)
	assert.Equal(t, 4, b.MaxNumNodes)
	assert.Equal(t, []int32{0, 4, 6}, b.Increments)
	assert.Equal(t, []int32{0, 0, 0, 0, 1, 1, 2, 2, 2}, b.BatchVector)
	assert.Equal(t, []float32{1, 2, 3}, b.Labels)
	require.NoError(t, b.CheckPartition())

	// Edge endpoints are globally offset and never cross graphs.
	for _, e := range b.Edges {
		assert.Equal(t, b.BatchVector[e[0]], b.BatchVector[e[1]])
	}
	assert.Equal(t, [2]int32{4, 5}, b.Edges[3], "first edge of graph #1 offset by its increment")
}

func TestCheckPartitionDetectsCorruption(t *testing.T) {
	b, err := NewBatch([]*Graph{path(2, 0), path(2, 0)})
	require.NoError(t, err)
	b.Increments[1] = 3
	require.Error(t, b.CheckPartition(), "gap in the index space")
}

func TestTensorViews(t *testing.T) {
	b, err := NewBatch([]*Graph{path(3, 0), path(2, 1)})
	require.NoError(t, err)

	features := b.PaddedFeatures().Value().([][][]float32)
	assert.Equal(t, [][]float32{{0}, {1}, {2}}, features[0])
	assert.Equal(t, [][]float32{{0}, {1}, {0}}, features[1], "padding rows are zero")

	mask := b.NodeMask().Value().([][]bool)
	assert.Equal(t, []bool{true, true, true}, mask[0])
	assert.Equal(t, []bool{true, true, false}, mask[1])

	adj := b.DenseAdjacency().Value().([][][]float32)
	assert.Equal(t, float32(1), adj[0][0][1])
	assert.Equal(t, float32(1), adj[0][1][2])
	assert.Equal(t, float32(0), adj[0][1][0], "directed: reverse edge absent")
	assert.Equal(t, float32(1), adj[1][0][1])

	b.EdgeWeights = []float32{0.5, 0.25, 0.125}
	adj = b.DenseAdjacency().Value().([][][]float32)
	assert.Equal(t, float32(0.25), adj[0][1][2])

	labels := b.LabelsTensor().Value().([][]float32)
	assert.Equal(t, [][]float32{{0}, {1}}, labels)
}

func TestHasMissingLabels(t *testing.T) {
	b, err := NewBatch([]*Graph{path(2, 0)})
	require.NoError(t, err)
	assert.False(t, b.HasMissingLabels())
	b.Labels[0] = float32(math.NaN())
	assert.True(t, b.HasMissingLabels())
}

func TestTransforms(t *testing.T) {
	g, err := ApplyTransforms(path(3, 0), ToUndirected, AddSelfLoops)
	require.NoError(t, err)
	assert.Len(t, g.Edges, 2*2+3)
	assert.Len(t, path(3, 0).Edges, 2, "transforms operate on a copy")

	// ToUndirected is idempotent.
	again, err := ApplyTransforms(g, ToUndirected)
	require.NoError(t, err)
	assert.Len(t, again.Edges, len(g.Edges))

	categorical := &Graph{
		NumNodes:    2,
		NumFeatures: 1,
		Features:    []float32{2, 0},
		Label:       []float32{0},
	}
	oneHot, err := ApplyTransforms(categorical, OneHotNodeAttr(3))
	require.NoError(t, err)
	assert.Equal(t, 3, oneHot.NumFeatures)
	assert.Equal(t, []float32{0, 0, 1, 1, 0, 0}, oneHot.Features)

	_, err = ApplyTransforms(categorical, OneHotNodeAttr(2))
	require.Error(t, err, "class out of range")
}

func TestLoader(t *testing.T) {
	members := []*Graph{path(2, 0), path(3, 1), path(4, 2), path(2, 3), path(3, 4)}
	loader, err := NewLoader("test", members, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, loader.NumGraphs())
	assert.Equal(t, 3, loader.NumBatches(), "last batch is partial")

	var sizes []int
	for {
		batch, err := loader.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, batch.NumGraphs)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	_, err = loader.Yield()
	assert.Equal(t, io.EOF, err, "exhausted loaders keep returning EOF until Reset")

	loader.Reset()
	batch, err := loader.Yield()
	require.NoError(t, err)
	assert.Equal(t, 2, batch.NumGraphs)
}

func TestLoaderShuffle(t *testing.T) {
	members := make([]*Graph, 16)
	for i := range members {
		members[i] = path(2, float32(i))
	}
	loader, err := NewLoader("shuffled", members, 16)
	require.NoError(t, err)
	loader.WithShuffle(3)

	batch, err := loader.Yield()
	require.NoError(t, err)
	first := append([]float32(nil), batch.Labels...)

	var inOrder int
	for i, l := range first {
		if l == float32(i) {
			inOrder++
		}
	}
	assert.Less(t, inOrder, len(first), "shuffle must permute the members")

	// Same seed, same order.
	other, err := NewLoader("shuffled2", members, 16)
	require.NoError(t, err)
	other.WithShuffle(3)
	batch, err = other.Yield()
	require.NoError(t, err)
	assert.Equal(t, first, batch.Labels)
}

func TestAlgebraicConnectivity(t *testing.T) {
	// A connected path has positive connectivity.
	undirected, err := ApplyTransforms(path(4, 0), ToUndirected)
	require.NoError(t, err)
	value, err := AlgebraicConnectivity(undirected)
	require.NoError(t, err)
	assert.Greater(t, value, 0.0)

	// Two disconnected components: exactly zero.
	split := &Graph{
		NumNodes:    4,
		NumFeatures: 1,
		Features:    make([]float32, 4),
		Edges:       [][2]int32{{0, 1}, {1, 0}, {2, 3}, {3, 2}},
		Label:       []float32{0},
	}
	value, err = AlgebraicConnectivity(split)
	require.NoError(t, err)
	assert.InDelta(t, 0, value, 1e-9)

	_, err = AlgebraicConnectivity(path(1, 0))
	require.Error(t, err)
}
