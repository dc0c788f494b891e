package sampling

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// imleTrain is the stochastic IMLE path over logits [batch, ensemble,
// candidates]. The forward pass is a hard top-k of Gumbel-perturbed logits.
// The backward pass approximates the gradient by implicit differentiation:
// a target sample is drawn at the perturbed logits shifted by beta times the
// incoming gradient, and the estimate is
//
//	(inputSample - targetSample) / beta
//
// which flows back into the logits unchanged in shape.
func (s *Sampler) imleTrain(ctx *context.Context, logits *Node, k int) *Node {
	g := logits.Graph()
	beta := s.config.Beta

	perturbed := Add(logits, gumbelNoise(ctx, g, logits.Shape(), s.config.NoiseScale))
	inputSample := topKMask(perturbed, k)

	// hook carries the perturbed logits forward as identity and installs
	// the finite-difference rule on the way back.
	hook := IdentityWithCustomGradient(perturbed, func(x, v *Node) *Node {
		target := Sub(x, MulScalar(v, beta))
		targetSample := topKMask(target, k)
		return DivScalar(Sub(inputSample, targetSample), beta)
	})

	// Forward value is exactly inputSample; the gradient reaches hook.
	return Add(StopGradient(inputSample), Sub(hook, StopGradient(hook)))
}
