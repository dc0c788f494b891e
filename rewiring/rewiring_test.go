package rewiring

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/jeongwhanchoi/PR-MPNN/graphs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// pathGraph builds a directed path over n nodes with 1-dim features.
func pathGraph(n int, label float32) *graphs.Graph {
	g := &graphs.Graph{
		NumNodes:    n,
		NumFeatures: 1,
		Features:    make([]float32, n),
		Label:       []float32{label},
	}
	for v := range n {
		g.Features[v] = float32(v)
	}
	for v := range n - 1 {
		g.Edges = append(g.Edges, [2]int32{int32(v), int32(v + 1)})
	}
	return g
}

// fullMask builds an all-ones mask over every valid candidate pair of the
// batch, zero on padding pairs, for the given ensemble width.
func fullMask(b *graphs.Batch, width int) [][][]float32 {
	mask := make([][][]float32, b.NumGraphs)
	for i := range mask {
		mask[i] = make([][]float32, b.MaxNumNodes*b.MaxNumNodes)
		n := int(b.NumNodes[i])
		for p := range mask[i] {
			mask[i][p] = make([]float32, width)
			src, tgt := p/b.MaxNumNodes, p%b.MaxNumNodes
			if src < n && tgt < n {
				for e := range width {
					mask[i][p][e] = 1
				}
			}
		}
	}
	return mask
}

func edgeSet(b *graphs.Batch) [][2]int32 {
	edges := make([][2]int32, len(b.Edges))
	copy(edges, b.Edges)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}

func TestRewireKeepsOriginalEdges(t *testing.T) {
	// With width 1, no original block and a mask matching the original
	// edge set, rewiring at validation reproduces the batch exactly.
	batch, err := graphs.NewBatch([]*graphs.Graph{pathGraph(4, 1), pathGraph(3, 0)})
	require.NoError(t, err)

	mask := make([][][]float32, batch.NumGraphs)
	for i := range mask {
		mask[i] = make([][]float32, batch.MaxNumNodes*batch.MaxNumNodes)
		for p := range mask[i] {
			mask[i][p] = []float32{0}
		}
	}
	for _, e := range batch.Edges {
		gid := batch.BatchVector[e[0]]
		src := int(e[0] - batch.Increments[gid])
		tgt := int(e[1] - batch.Increments[gid])
		mask[gid][src*batch.MaxNumNodes+tgt][0] = 1
	}

	engine, err := New(1, false)
	require.NoError(t, err)
	rewired, err := engine.Rewire(batch, mask, 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, rewired.CheckPartition())
	assert.Equal(t, edgeSet(batch), edgeSet(rewired))
	assert.Equal(t, batch.Features, rewired.Features)
	assert.Equal(t, batch.Labels, rewired.Labels)
	for _, w := range rewired.EdgeWeights {
		assert.Equal(t, float32(1), w)
	}
}

func TestRewireTrainingKeepsZeroWeightEdges(t *testing.T) {
	batch, err := graphs.NewBatch([]*graphs.Graph{pathGraph(3, 1)})
	require.NoError(t, err)
	engine, err := New(1, false)
	require.NoError(t, err)

	mask := fullMask(batch, 1)
	mask[0][1][0] = 0 // pair (0, 1)

	rewired, err := engine.Rewire(batch, mask, 0, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 9, rewired.NumEdges(), "training keeps all candidate pairs, weighted")
	assert.Contains(t, rewired.EdgeWeights, float32(0))

	rewired, err = engine.Rewire(batch, mask, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 8, rewired.NumEdges(), "validation drops zero-weight edges")
	assert.NotContains(t, rewired.EdgeWeights, float32(0))
}

func TestRewireReplicationLayout(t *testing.T) {
	// Two graphs, width 2, original included: 3 blocks of 2 graphs, the
	// original block strictly last, increments exactly partitioning the
	// enlarged index space.
	batch, err := graphs.NewBatch([]*graphs.Graph{pathGraph(4, 1), pathGraph(2, 0)})
	require.NoError(t, err)
	engine, err := New(2, true)
	require.NoError(t, err)
	require.Equal(t, 3, engine.Blocks())

	rewired, err := engine.Rewire(batch, fullMask(batch, 2), 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, rewired.CheckPartition())
	require.Equal(t, 6, rewired.NumGraphs)
	assert.Equal(t, []int32{4, 2, 4, 2, 4, 2}, rewired.NumNodes)
	assert.Equal(t, 3*batch.TotalNodes, rewired.TotalNodes)
	assert.Equal(t, []float32{1, 0, 1, 0, 1, 0}, rewired.Labels)

	// Sampled blocks carry the complete pair grid, the original block
	// carries the path edges with unit weight.
	assert.Equal(t, 16+4+16+4+3+1, rewired.NumEdges())
	lastBlock := rewired.EdgeWeights[len(rewired.EdgeWeights)-4:]
	assert.Equal(t, []float32{1, 1, 1, 1}, lastBlock)

	// Every edge stays inside its member graph.
	for _, e := range rewired.Edges {
		assert.Equal(t, rewired.BatchVector[e[0]], rewired.BatchVector[e[1]])
	}
}

func TestRewireRejectsMisshapenMask(t *testing.T) {
	batch, err := graphs.NewBatch([]*graphs.Graph{pathGraph(3, 0)})
	require.NoError(t, err)
	engine, err := New(2, false)
	require.NoError(t, err)
	_, err = engine.Rewire(batch, fullMask(batch, 1), 0, 0, true)
	require.Error(t, err, "ensemble width mismatch must be fatal")
}

func TestAdjacencyBlocks(t *testing.T) {
	engine, err := New(2, true)
	require.NoError(t, err)
	graphtest.RunTestGraphFn(t, "adjacency replication with original last",
		func(g *Graph) (inputs, outputs []*Node) {
			// One graph, 2 nodes, 4 candidate pairs, 2 ensemble members.
			mask := Const(g, [][][]float32{{{1, 5}, {2, 6}, {3, 7}, {4, 8}}})
			original := Const(g, [][][]float32{{{0, 1}, {0, 0}}})
			inputs = []*Node{mask, original}
			outputs = []*Node{engine.Adjacency(mask, original)}
			return
		}, []any{[][][]float32{
			{{1, 2}, {3, 4}},
			{{5, 6}, {7, 8}},
			{{0, 1}, {0, 0}},
		}}, 0)
}

func TestTileAndPoolBlocks(t *testing.T) {
	engine, err := New(3, false)
	require.NoError(t, err)
	graphtest.RunTestGraphFn(t, "tile then pool round-trips",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][]float32{{1, 2}, {3, 4}})
			tiled := engine.TileBlocks(x)
			inputs = []*Node{x}
			outputs = []*Node{tiled, engine.PoolBlocks(tiled)}
			return
		}, []any{
			[][]float32{{1, 2}, {3, 4}, {1, 2}, {3, 4}, {1, 2}, {3, 4}},
			[][]float32{{1, 2}, {3, 4}},
		}, 0)
}

func TestDotPlotter(t *testing.T) {
	dir := t.TempDir()
	batch, err := graphs.NewBatch([]*graphs.Graph{pathGraph(4, 1)})
	require.NoError(t, err)
	engine, err := New(1, false)
	require.NoError(t, err)
	engine.WithPlot(DotPlotter(dir), 2, 0)

	// Wrong checkpoint: no files.
	_, err = engine.Rewire(batch, fullMask(batch, 1), 1, 0, false)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Matching checkpoint: one .dot file per graph.
	_, err = engine.Rewire(batch, fullMask(batch, 1), 2, 0, false)
	require.NoError(t, err)
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".dot", filepath.Ext(entries[0].Name()))
}
