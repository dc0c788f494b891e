// Package models holds the two neural networks of the rewiring pipeline:
// the upstream edge scorer producing logits over candidate node pairs, and
// the downstream weighted GNN consuming the rewired adjacency.
//
// Both take their hyperparameters from the context ("Param*" constants),
// and each is built under its own context scope so the trainer can step
// their variables with separate optimizers.
package models

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

const (
	// ParamScorerHiddenDim context hyperparameter defines the node
	// embedding dimension of the edge scorer. Default is 64.
	ParamScorerHiddenDim = "scorer_hidden_dim"

	// ParamScorerNumLayers context hyperparameter defines the number of
	// hidden layers of the scorer's node encoder. Default is 2.
	ParamScorerNumLayers = "scorer_num_layers"

	// ParamEnsembleWidth context hyperparameter defines how many
	// independent structural samples ("ensemble members") the scorer
	// produces logits for. Default is 1.
	ParamEnsembleWidth = "scorer_ensemble_width"
)

// EdgeScores builds the upstream scorer: it encodes each node and scores
// every directed candidate pair of every graph, once per ensemble member.
//
// features must be shaped [numGraphs, maxNumNodes, numFeatures] and
// nodeMask [numGraphs, maxNumNodes] (bool). It returns logits shaped
// [numGraphs, maxNumNodes^2, ensembleWidth] over the flattened pair grid,
// and the pair validity mask [numGraphs, maxNumNodes^2], true where both
// endpoints are real nodes.
func EdgeScores(ctx *context.Context, features, nodeMask *Node) (logits, validity *Node) {
	if features.Rank() != 3 || nodeMask.Rank() != 2 {
		Panicf("edge scorer wants features [graphs, nodes, dim] and mask [graphs, nodes], got %s and %s",
			features.Shape(), nodeMask.Shape())
	}
	numGraphs := features.Shape().Dimensions[0]
	numNodes := features.Shape().Dimensions[1]
	hiddenDim := context.GetParamOr(ctx, ParamScorerHiddenDim, 64)
	numLayers := context.GetParamOr(ctx, ParamScorerNumLayers, 2)
	width := context.GetParamOr(ctx, ParamEnsembleWidth, 1)

	hidden := fnn.New(ctx.In("encoder"), features, hiddenDim).
		NumHiddenLayers(numLayers, hiddenDim).
		Activation(activations.TypeRelu).
		Done()

	// Bilinear pair scoring: separate source and target projections, one
	// channel group per ensemble member.
	src := fnn.New(ctx.In("source"), hidden, width*hiddenDim).Done()
	tgt := fnn.New(ctx.In("target"), hidden, width*hiddenDim).Done()
	src = Reshape(src, numGraphs, numNodes, width, hiddenDim)
	tgt = Reshape(tgt, numGraphs, numNodes, width, hiddenDim)
	logits = Einsum("bied,bjed->bije", src, tgt)
	logits = Reshape(logits, numGraphs, numNodes*numNodes, width)

	maskF := ConvertDType(nodeMask, features.DType())
	pairMask := Mul(
		BroadcastToDims(ExpandAxes(maskF, -1), numGraphs, numNodes, numNodes),
		BroadcastToDims(ExpandAxes(maskF, 1), numGraphs, numNodes, numNodes))
	validity = Reshape(GreaterThan(pairMask, ZerosLike(pairMask)), numGraphs, numNodes*numNodes)
	return
}
