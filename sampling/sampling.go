// Package sampling implements differentiable structural samplers: given
// real-valued logits over candidate edges, they produce a 0/1 (or relaxed)
// selection mask under a top-k budget, with a stochastic training path and a
// deterministic validation path.
//
// Three interchangeable strategies are provided, all sharing the same
// two-mode contract:
//
//   - IMLE: perturb-and-map forward with an implicit-differentiation
//     backward rule (finite-difference of target vs. input samples).
//   - Gumbel: relaxed iterative softmax top-k, differentiable end-to-end.
//   - Simple: exact k-subset marginals with a straight-through estimator.
//
// Logits are shaped [batch, candidates, ensemble]; the validity mask
// [batch, candidates] marks real (non-padding) candidate slots.
package sampling

import (
	"math"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// LargeNumber is subtracted from the logits of padding candidates so no
// deterministic or stochastic selection can pick them.
const LargeNumber = 1e10

const uniformEpsilon = 1e-7

// Kind selects the sampling strategy. It is resolved once at construction,
// never re-branched from strings per call.
type Kind int

const (
	// IMLE draws noisy perturbations and estimates gradients by implicit
	// differentiation of a target-perturbation scheme.
	IMLE Kind = iota
	// Gumbel applies a relaxed, temperature-scaled top-k to
	// Gumbel-perturbed logits.
	Gumbel
	// Simple computes exact "choose k of n" marginal probabilities and
	// uses them as a straight-through gradient path.
	Simple
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case IMLE:
		return "imle"
	case Gumbel:
		return "gumbel"
	case Simple:
		return "simple"
	}
	return "invalid"
}

// KindFromString resolves a sampler kind by name. Unknown names are an
// error: there is no fallback sampler.
func KindFromString(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "imle":
		return IMLE, nil
	case "gumbel":
		return Gumbel, nil
	case "simple":
		return Simple, nil
	}
	return 0, errors.Errorf("unsupported sampler kind %q, valid values are \"imle\", \"gumbel\" and \"simple\"", name)
}

// Budget is the top-k constraint: either an absolute count K, or a Ratio of
// the candidate count (ceiling-rounded). Exactly one of the two must be set.
type Budget struct {
	K     int
	Ratio float64
}

// For resolves the budget for the given candidate count. A budget at or
// above the candidate count means "select everything".
func (b Budget) For(numCandidates int) int {
	k := b.K
	if b.Ratio > 0 {
		k = int(math.Ceil(b.Ratio * float64(numCandidates)))
	}
	if k > numCandidates {
		k = numCandidates
	}
	return k
}

func (b Budget) validate() error {
	if b.K < 0 {
		return errors.Errorf("budget K must be >= 0, got %d", b.K)
	}
	if b.Ratio < 0 || b.Ratio > 1 {
		return errors.Errorf("budget ratio must be in (0, 1], got %g", b.Ratio)
	}
	if (b.K == 0) == (b.Ratio == 0) {
		return errors.Errorf("exactly one of budget K or ratio must be set, got K=%d ratio=%g", b.K, b.Ratio)
	}
	return nil
}

// Config of a Sampler.
type Config struct {
	Kind   Kind
	Budget Budget

	// NoiseScale of the Gumbel perturbation used by the IMLE and Simple
	// training paths. Defaults to 1.
	NoiseScale float64

	// Beta is the IMLE target temperature: the target sample is resolved
	// at the perturbed logits shifted by Beta times the incoming
	// gradient. Defaults to 10.
	Beta float64

	// Tau is the Gumbel softmax relaxation temperature. Defaults to 1.
	Tau float64
}

// Sampler produces selection masks from logits under a top-k budget.
// Sampler is stateless apart from its configuration; the random state lives
// in the context, so it is safe to share across graphs.
type Sampler struct {
	config Config
}

// New validates the configuration and creates a Sampler. Unsupported kinds
// and malformed budgets fail here, before any sampling occurs.
func New(config Config) (*Sampler, error) {
	switch config.Kind {
	case IMLE, Gumbel, Simple:
	default:
		return nil, errors.Errorf("unsupported sampler kind %d", config.Kind)
	}
	if err := config.Budget.validate(); err != nil {
		return nil, err
	}
	if config.NoiseScale == 0 {
		config.NoiseScale = 1
	}
	if config.Beta == 0 {
		config.Beta = 10
	}
	if config.Tau == 0 {
		config.Tau = 1
	}
	return &Sampler{config: config}, nil
}

// Kind returns the configured strategy.
func (s *Sampler) Kind() Kind { return s.config.Kind }

// Budget returns the configured budget.
func (s *Sampler) Budget() Budget { return s.config.Budget }

// Sample builds the graph computation selecting candidates from logits.
//
// logits must be shaped [batch, candidates, ensemble] and validity
// [batch, candidates] (bool). In training mode the strategy's stochastic
// path is used and gradients flow back into logits; in validation mode the
// output is a deterministic function of the logits, with no randomness.
//
// The returned mask has the shape and dtype of logits, is zero on padding
// slots, and respects the budget per (graph, ensemble) pair wherever the
// selection is hard.
func (s *Sampler) Sample(ctx *context.Context, logits, validity *Node, training bool) *Node {
	if logits.Rank() != 3 {
		Panicf("sampler wants logits shaped [batch, candidates, ensemble], got %s", logits.Shape())
	}
	if validity.Rank() != 2 || validity.Shape().Dimensions[0] != logits.Shape().Dimensions[0] ||
		validity.Shape().Dimensions[1] != logits.Shape().Dimensions[1] {
		Panicf("validity mask shaped %s does not match logits shaped %s", validity.Shape(), logits.Shape())
	}
	numCandidates := logits.Shape().Dimensions[1]
	k := s.config.Budget.For(numCandidates)

	dtype := logits.DType()
	validityF := ConvertDType(validity, dtype)

	// Identity case: the budget covers every candidate, so the selection
	// is just the validity mask -- never routed through the stochastic
	// path, which would degenerate.
	if k >= numCandidates {
		return BroadcastToShape(ExpandAxes(validityF, -1), logits.Shape())
	}

	// Padding slots are pushed below any real logit.
	masked := Sub(logits, Mul(OneMinus(ExpandAxes(validityF, -1)), Scalar(logits.Graph(), dtype, LargeNumber)))

	// Samplers select over the last axis: [batch, ensemble, candidates].
	perEnsemble := TransposeAllAxes(masked, 0, 2, 1)

	var mask *Node
	if training {
		switch s.config.Kind {
		case IMLE:
			mask = s.imleTrain(ctx, perEnsemble, k)
		case Gumbel:
			mask = s.gumbelTrain(ctx, perEnsemble, k)
		case Simple:
			mask = s.simpleTrain(ctx, perEnsemble, k)
		}
	} else {
		mask = topKMask(perEnsemble, k)
	}
	mask = TransposeAllAxes(mask, 0, 2, 1)

	// A budget larger than a graph's real candidate count spills onto
	// padding slots; zero them so padding is never selected.
	return Mul(mask, ExpandAxes(validityF, -1))
}

// topKMask returns a 0/1 mask of the k largest entries along the last axis.
// Selection is by iterated ArgMax, so ties resolve deterministically by
// lowest index and exactly k entries are set.
func topKMask(x *Node, k int) *Node {
	g := x.Graph()
	dtype := x.DType()
	lastDim := x.Shape().Dimensions[x.Rank()-1]
	if k <= 0 || k > lastDim {
		Panicf("topKMask: k=%d out of range for last axis of %s", k, x.Shape())
	}

	working := StopGradient(x)
	selected := ZerosLike(working)
	minValue := Scalar(g, dtype, -math.MaxFloat32)
	for range k {
		idx := ArgMax(working, -1)
		oneHot := OneHot(idx, lastDim, dtype)
		selected = Add(selected, oneHot)
		working = Add(Mul(working, OneMinus(oneHot)), Mul(oneHot, minValue))
	}
	return selected
}

// gumbelNoise samples standard Gumbel noise of the given shape, scaled.
func gumbelNoise(ctx *context.Context, g *Graph, shape shapes.Shape, scale float64) *Node {
	u := ctx.RandomUniform(g, shape)
	u = ClipScalar(u, uniformEpsilon, 1-uniformEpsilon)
	noise := Neg(Log(Neg(Log(u))))
	if scale != 1 {
		noise = MulScalar(noise, scale)
	}
	return noise
}
