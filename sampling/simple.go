package sampling

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// simpleTrain is the exact-marginals path over logits [batch, ensemble,
// candidates]. Forward it draws a hard top-k sample of Gumbel-perturbed
// logits; backward it routes gradients through the exact "k of n" inclusion
// marginals (straight-through), so each candidate receives a gradient
// proportional to its probability of appearing in a uniformly weighted
// k-subset.
func (s *Sampler) simpleTrain(ctx *context.Context, logits *Node, k int) *Node {
	g := logits.Graph()
	marginals := subsetMarginals(logits, k)
	sample := topKMask(Add(logits, gumbelNoise(ctx, g, logits.Shape(), s.config.NoiseScale)), k)
	return Add(marginals, StopGradient(Sub(sample, marginals)))
}

// subsetMarginals computes, along the last axis, the probability that each
// candidate belongs to a random k-subset drawn with weights Exp(logits).
//
// With w_i = exp(theta_i) the marginal is mu_i = w_i * e_{k-1}(w \ i) /
// e_k(w), where e_j is the j-th elementary symmetric polynomial. The e_j
// are built from power sums via Newton's identities, and the leave-one-out
// values by the exclusion recurrence f_j(i) = e_j - w_i * f_{j-1}(i), all
// vectorized over candidates. Padding candidates carry weight exp(-1e10)
// and thus zero marginal.
func subsetMarginals(logits *Node, k int) *Node {
	// Shift by the row max so the exponentials stay in range. The shift
	// cancels in the marginal, so it is excluded from the gradient.
	shifted := Sub(logits, StopGradient(ReduceAndKeep(logits, ReduceMax, -1)))
	w := Exp(shifted)

	// Power sums p_m = sum_i w_i^m for m=1..k, each [batch, ensemble].
	powerSums := make([]*Node, k+1)
	wPow := w
	for m := 1; m <= k; m++ {
		powerSums[m] = ReduceSum(wPow, -1)
		if m < k {
			wPow = Mul(wPow, w)
		}
	}

	// Newton's identities: j*e_j = sum_{m=1..j} (-1)^(m-1) * p_m * e_{j-m}.
	elementary := make([]*Node, k+1)
	elementary[0] = OnesLike(powerSums[1])
	for j := 1; j <= k; j++ {
		var acc *Node
		sign := 1.0
		for m := 1; m <= j; m++ {
			term := MulScalar(Mul(powerSums[m], elementary[j-m]), sign)
			if acc == nil {
				acc = term
			} else {
				acc = Add(acc, term)
			}
			sign = -sign
		}
		elementary[j] = DivScalar(acc, float64(j))
	}

	// Exclusion recurrence, vectorized over the candidate axis.
	excluded := OnesLike(w)
	for j := 1; j < k; j++ {
		excluded = Sub(ExpandAxes(elementary[j], -1), Mul(w, excluded))
	}

	marginals := Div(Mul(w, excluded), ExpandAxes(elementary[k], -1))
	return ClipScalar(marginals, 0, 1)
}
