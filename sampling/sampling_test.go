package sampling

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func TestKindFromString(t *testing.T) {
	for name, want := range map[string]Kind{"imle": IMLE, "Gumbel": Gumbel, "SIMPLE": Simple} {
		got, err := KindFromString(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := KindFromString("reinforce")
	require.Error(t, err)
}

func TestBudget(t *testing.T) {
	require.NoError(t, Budget{K: 5}.validate())
	require.NoError(t, Budget{Ratio: 0.25}.validate())
	require.Error(t, Budget{}.validate(), "neither K nor ratio set")
	require.Error(t, Budget{K: 5, Ratio: 0.25}.validate(), "both K and ratio set")
	require.Error(t, Budget{K: -1}.validate())
	require.Error(t, Budget{Ratio: 1.5}.validate())

	assert.Equal(t, 5, Budget{K: 5}.For(100))
	assert.Equal(t, 100, Budget{K: 500}.For(100), "budget clamps at the candidate count")
	assert.Equal(t, 25, Budget{Ratio: 0.25}.For(100))
	assert.Equal(t, 3, Budget{Ratio: 0.25}.For(9), "fractional budgets round up")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Kind: Kind(17), Budget: Budget{K: 2}})
	require.Error(t, err)
	_, err = New(Config{Kind: IMLE})
	require.Error(t, err)

	s, err := New(Config{Kind: Gumbel, Budget: Budget{K: 2}})
	require.NoError(t, err)
	assert.Equal(t, Gumbel, s.Kind())
}

func TestSubsetMarginals(t *testing.T) {
	graphtest.RunTestGraphFn(t, "uniform weights, k=2 of 3",
		func(g *Graph) (inputs, outputs []*Node) {
			logits := Const(g, [][][]float32{{{0, 0, 0}}})
			inputs = []*Node{logits}
			outputs = []*Node{subsetMarginals(logits, 2)}
			return
		}, []any{[][][]float32{{{2.0 / 3.0, 2.0 / 3.0, 2.0 / 3.0}}}}, 1e-4)

	// Weights 1, 2, 3: e_1 = 6, e_2 = 11, marginals w_i*(e_1-w_i)/e_2.
	graphtest.RunTestGraphFn(t, "skewed weights, k=2 of 3",
		func(g *Graph) (inputs, outputs []*Node) {
			logits := Log(Const(g, [][][]float32{{{1, 2, 3}}}))
			inputs = []*Node{logits}
			outputs = []*Node{subsetMarginals(logits, 2)}
			return
		}, []any{[][][]float32{{{5.0 / 11.0, 8.0 / 11.0, 9.0 / 11.0}}}}, 1e-4)
}

func TestTopKMask(t *testing.T) {
	graphtest.RunTestGraphFn(t, "top-2 with tie broken by lowest index",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][]float32{{0.9, 0.1, 0.5, 0.9}, {-1, -2, -3, -4}})
			inputs = []*Node{x}
			outputs = []*Node{topKMask(x, 2)}
			return
		}, []any{[][]float32{{1, 0, 0, 1}, {1, 1, 0, 0}}}, 0)
}

// sampleExec builds an executor running the sampler on a fixed 1-graph,
// 4-candidate, 1-ensemble batch with the last candidate marked as padding.
func sampleExec(t *testing.T, s *Sampler, training bool) *context.Exec {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	return context.MustNewExec(backend, ctx, func(ctx *context.Context, logits *Node) *Node {
		g := logits.Graph()
		validity := Const(g, [][]bool{{true, true, true, false}})
		return s.Sample(ctx, logits, validity, training)
	})
}

func TestSampleValidation(t *testing.T) {
	s, err := New(Config{Kind: IMLE, Budget: Budget{K: 2}})
	require.NoError(t, err)
	exec := sampleExec(t, s, false)

	// The padding slot scores 5.0, higher than any real candidate, but
	// must never be picked.
	logits := [][][]float32{{{0.9}, {0.1}, {0.5}, {5.0}}}
	got := exec.MustExec(logits)[0].Value().([][][]float32)
	assert.Equal(t, [][][]float32{{{1}, {0}, {1}, {0}}}, got)
}

func TestSampleIdentityBudget(t *testing.T) {
	s, err := New(Config{Kind: Gumbel, Budget: Budget{K: 10}})
	require.NoError(t, err)
	exec := sampleExec(t, s, true)

	logits := [][][]float32{{{0.9}, {0.1}, {0.5}, {5.0}}}
	got := exec.MustExec(logits)[0].Value().([][][]float32)
	assert.Equal(t, [][][]float32{{{1}, {1}, {1}, {0}}}, got,
		"budget >= candidates selects exactly the valid slots")
}

func TestSampleTraining(t *testing.T) {
	logits := [][][]float32{{{3}, {2}, {1}, {0}}}
	for _, kind := range []Kind{IMLE, Gumbel, Simple} {
		t.Run(kind.String(), func(t *testing.T) {
			s, err := New(Config{Kind: kind, Budget: Budget{K: 2}})
			require.NoError(t, err)
			exec := sampleExec(t, s, true)

			mask := exec.MustExec(logits)[0].Value().([][][]float32)
			var total float32
			for i, row := range mask[0] {
				v := row[0]
				assert.GreaterOrEqual(t, v, float32(0))
				assert.LessOrEqual(t, v, float32(1.0001))
				if i == 3 {
					assert.Zero(t, v, "padding slot selected")
				}
				total += v
			}
			if kind == Gumbel {
				// Relaxed mask only approximately sums to the budget.
				assert.InDelta(t, 2, total, 0.75)
			} else {
				assert.InDelta(t, 2, total, 1e-4, "hard sample must select exactly k candidates")
			}
		})
	}
}

// Gradients must reach the logits through every training path. The payoff
// rewards candidate 1 heavily, so the IMLE target sample provably differs
// from the input sample and its finite-difference gradient is non-zero.
func TestSampleGradients(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logits := [][][]float32{{{5}, {-5}, {-5}, {-5}}}
	for _, kind := range []Kind{IMLE, Gumbel, Simple} {
		t.Run(kind.String(), func(t *testing.T) {
			s, err := New(Config{Kind: kind, Budget: Budget{K: 1}})
			require.NoError(t, err)
			ctx := context.New()
			ctx.SetRNGStateFromSeed(7)
			exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, logits *Node) *Node {
				g := logits.Graph()
				validity := Const(g, [][]bool{{true, true, true, true}})
				mask := s.Sample(ctx, logits, validity, true)
				payoff := Const(g, [][][]float32{{{0}, {-100}, {0}, {0}}})
				loss := ReduceAllSum(Mul(mask, payoff))
				return Gradient(loss, logits)[0]
			})

			grad := exec.MustExec(logits)[0]
			require.True(t, grad.Shape().Equal(tensors.FromValue(logits).Shape()))
			values := grad.Value().([][][]float32)
			var norm float32
			for _, row := range values[0] {
				norm += row[0] * row[0]
			}
			assert.Greater(t, norm, float32(0), "no gradient reached the logits")
		})
	}
}
