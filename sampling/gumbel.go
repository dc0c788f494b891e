package sampling

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// gumbelTrain is the relaxed subset-sampling path over logits [batch,
// ensemble, candidates]: k rounds of temperature-scaled softmax, each round
// down-weighting mass already committed to the running k-hot vector. The
// result is a soft mask in [0, 1] that sums to roughly k per row and is
// differentiable end-to-end.
func (s *Sampler) gumbelTrain(ctx *context.Context, logits *Node, k int) *Node {
	g := logits.Graph()
	scores := Add(logits, gumbelNoise(ctx, g, logits.Shape(), 1))

	kHot := ZerosLike(scores)
	for range k {
		remaining := ClipScalar(OneMinus(kHot), uniformEpsilon, 1)
		adjusted := Add(scores, Log(remaining))
		kHot = Add(kHot, Softmax(DivScalar(adjusted, s.config.Tau), -1))
	}
	return kHot
}
