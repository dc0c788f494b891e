package rewiring

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Adjacency is the in-graph counterpart of Rewire: it converts a sampled
// mask shaped [numGraphs, maxNumNodes^2, ensembleWidth] into the dense
// weighted adjacency [Blocks()*numGraphs, maxNumNodes, maxNumNodes] the
// weighted message passing consumes.
//
// Zero-weight candidate edges stay present with weight zero, so gradients
// flow through them. The block layout matches Rewire: one block of
// numGraphs adjacencies per ensemble member, and when the engine includes
// the original graphs, their adjacency (given as original, unit weights)
// is the last block.
func (e *Engine) Adjacency(mask, original *Node) *Node {
	if mask.Rank() != 3 || mask.Shape().Dimensions[2] != e.ensembleWidth {
		Panicf("adjacency wants mask shaped [graphs, pairs, %d], got %s", e.ensembleWidth, mask.Shape())
	}
	numGraphs := mask.Shape().Dimensions[0]
	numPairs := mask.Shape().Dimensions[1]
	if original.Rank() != 3 || original.Shape().Dimensions[0] != numGraphs ||
		original.Shape().Dimensions[1]*original.Shape().Dimensions[2] != numPairs {
		Panicf("original adjacency shaped %s does not cover %d candidate pairs of %d graphs",
			original.Shape(), numPairs, numGraphs)
	}
	maxNumNodes := original.Shape().Dimensions[1]

	adj := Reshape(mask, numGraphs, maxNumNodes, maxNumNodes, e.ensembleWidth)
	adj = TransposeAllAxes(adj, 3, 0, 1, 2)
	adj = Reshape(adj, e.ensembleWidth*numGraphs, maxNumNodes, maxNumNodes)
	if e.includeOriginal {
		adj = Concatenate([]*Node{adj, original}, 0)
	}
	return adj
}

// TileBlocks replicates a per-graph tensor shaped [numGraphs, ...] once per
// block along axis 0, yielding [Blocks()*numGraphs, ...], aligned with the
// block layout of Adjacency. Used for node features, node masks and labels
// of the rewired batch.
func (e *Engine) TileBlocks(x *Node) *Node {
	blocks := e.Blocks()
	if blocks == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	expanded := ExpandAxes(x, 0)
	broadcastDims := append([]int{blocks}, dims...)
	expanded = BroadcastToDims(expanded, broadcastDims...)
	outDims := append([]int{blocks * dims[0]}, dims[1:]...)
	return Reshape(expanded, outDims...)
}

// PoolBlocks averages a per-graph tensor of a rewired batch, shaped
// [Blocks()*numGraphs, ...], back to [numGraphs, ...]: predictions for the
// replicates of one original graph are pooled together.
func (e *Engine) PoolBlocks(x *Node) *Node {
	blocks := e.Blocks()
	if blocks == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	if dims[0]%blocks != 0 {
		Panicf("cannot pool %d rows into %d blocks", dims[0], blocks)
	}
	numGraphs := dims[0] / blocks
	stacked := Reshape(x, append([]int{blocks, numGraphs}, dims[1:]...)...)
	return ReduceMean(stacked, 0)
}
