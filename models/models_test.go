package models

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func TestEdgeScores(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamEnsembleWidth, 2)
	ctx.SetParam(ParamScorerHiddenDim, 8)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, features *Node) (*Node, *Node) {
		g := features.Graph()
		// Second graph has one padding node.
		nodeMask := Const(g, [][]bool{{true, true, true}, {true, true, false}})
		return EdgeScores(ctx.In("embd"), features, nodeMask)
	})

	features := [][][]float32{
		{{1, 0}, {0, 1}, {1, 1}},
		{{0.5, 0.5}, {1, 0}, {0, 0}},
	}
	results := exec.MustExec(features)
	logits, validity := results[0], results[1]

	assert.Equal(t, []int{2, 9, 2}, logits.Shape().Dimensions)
	assert.Equal(t, []int{2, 9}, validity.Shape().Dimensions)

	got := validity.Value().([][]bool)
	assert.Equal(t, []bool{true, true, true, true, true, true, true, true, true}, got[0])
	// Pairs touching node 2 of graph #1 are padding.
	assert.Equal(t, []bool{true, true, false, true, true, false, false, false, false}, got[1])

	// Same features, same variables: scoring is deterministic.
	again := exec.MustExec(features)[0]
	require.True(t, again.Equal(logits))
}

func TestPredict(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamGNNStateDim, 8)
	ctx.SetParam(ParamGNNNumLayers, 2)

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, adjacency, features *Node) *Node {
		g := features.Graph()
		nodeMask := Const(g, [][]bool{{true, true, true}, {true, true, false}})
		return Predict(ctx.In("model"), adjacency, features, nodeMask, 3)
	})

	adjacency := [][][]float32{
		{{0, 1, 0}, {0, 0, 1}, {0, 0, 0}},
		{{0, 0.5, 0}, {0.5, 0, 0}, {0, 0, 0}},
	}
	features := [][][]float32{
		{{1, 0}, {0, 1}, {1, 1}},
		{{0.5, 0.5}, {1, 0}, {0, 0}},
	}
	preds := exec.MustExec(adjacency, features)[0]
	assert.Equal(t, []int{2, 3}, preds.Shape().Dimensions)

	// Edge weights modulate the prediction: scaling the second graph's
	// adjacency must change its output row but not the first graph's.
	scaled := [][][]float32{
		adjacency[0],
		{{0, 1, 0}, {1, 0, 0}, {0, 0, 0}},
	}
	other := exec.MustExec(scaled, features)[0]
	first := preds.Value().([][]float32)
	second := other.Value().([][]float32)
	assert.Equal(t, first[0], second[0])
	assert.NotEqual(t, first[1], second[1])
}
