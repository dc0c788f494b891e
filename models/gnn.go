package models

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

const (
	// ParamGNNStateDim context hyperparameter defines the per-node hidden
	// state dimension of the downstream GNN. Default is 64.
	ParamGNNStateDim = "gnn_state_dim"

	// ParamGNNNumLayers context hyperparameter defines the number of
	// message-passing rounds. Default is 3.
	ParamGNNNumLayers = "gnn_num_layers"

	// ParamGNNResidual context hyperparameter toggles residual state
	// updates. Default is true.
	ParamGNNResidual = "gnn_residual"
)

// Predict builds the downstream weighted GNN.
//
// adjacency is the dense weighted adjacency [numGraphs, maxNumNodes,
// maxNumNodes] produced by the rewiring engine, features and nodeMask the
// matching padded node tensors, and numTargets the width of the output.
// Message passing respects the edge weights, so fractional (relaxed) masks
// modulate the messages and keep the scorer differentiable through the
// whole prediction. Returns one prediction row per graph, shaped
// [numGraphs, numTargets].
func Predict(ctx *context.Context, adjacency, features, nodeMask *Node, numTargets int) *Node {
	if adjacency.Rank() != 3 || features.Rank() != 3 || nodeMask.Rank() != 2 {
		Panicf("weighted GNN wants adjacency [graphs, nodes, nodes], features [graphs, nodes, dim] and mask [graphs, nodes], got %s, %s and %s",
			adjacency.Shape(), features.Shape(), nodeMask.Shape())
	}
	stateDim := context.GetParamOr(ctx, ParamGNNStateDim, 64)
	numLayers := context.GetParamOr(ctx, ParamGNNNumLayers, 3)
	residual := context.GetParamOr(ctx, ParamGNNResidual, true)

	maskF := ExpandAxes(ConvertDType(nodeMask, features.DType()), -1)
	hidden := fnn.New(ctx.In("input"), features, stateDim).
		Activation(activations.TypeRelu).
		Done()
	hidden = Mul(hidden, maskF)

	for layer := range numLayers {
		layerCtx := ctx.Inf("%03d_conv", layer)
		// Messages are pooled along incoming weighted edges.
		messages := Einsum("gij,gjd->gid", adjacency, hidden)
		update := fnn.New(layerCtx, Concatenate([]*Node{hidden, messages}, -1), stateDim).
			Activation(activations.TypeRelu).
			Done()
		if residual {
			update = Add(update, hidden)
		}
		hidden = Mul(update, maskF)
	}

	// Masked mean pooling over the real nodes of each graph.
	numNodes := ReduceSum(maskF, 1)
	pooled := Div(ReduceSum(hidden, 1), MaxScalar(numNodes, 1))
	return fnn.New(ctx.In("readout"), pooled, numTargets).
		NumHiddenLayers(1, stateDim).
		Activation(activations.TypeRelu).
		Done()
}
