package training

import (
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// AuxKind selects the auxiliary mask regularizer.
type AuxKind int

const (
	// AuxNone disables the auxiliary loss.
	AuxNone AuxKind = iota
	// AuxBatch penalizes deviation of the sampled edge density from a
	// target density. Only valid with a single ensemble member, since it
	// assumes one structural hypothesis per graph.
	AuxBatch
	// AuxPair penalizes disagreement between ensemble members sampling
	// the same graph.
	AuxPair
)

// AuxKindFromString resolves an auxiliary-loss kind by name.
func AuxKindFromString(name string) (AuxKind, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return AuxNone, nil
	case "batch":
		return AuxBatch, nil
	case "pair":
		return AuxPair, nil
	}
	return 0, errors.Errorf("auxiliary loss type %q is not implemented, valid values are \"none\", \"batch\" and \"pair\"", name)
}

// AuxLoss is the configured auxiliary regularizer over sampled masks.
type AuxLoss struct {
	Kind AuxKind

	// Scale multiplies the penalty. A non-positive scale disables the
	// loss entirely.
	Scale float64

	// TargetDensity is the edge density the batch variant pulls the
	// sampled structure towards.
	TargetDensity float64
}

// Build adds the auxiliary penalty for a sampled mask shaped
// [numGraphs, candidates, ensembleWidth] with validity
// [numGraphs, candidates]. Returns nil when the loss is disabled, so it
// only ever contributes during training.
func (a AuxLoss) Build(mask, validity *Node) *Node {
	if a.Kind == AuxNone || a.Scale <= 0 {
		return nil
	}
	width := mask.Shape().Dimensions[2]
	validityF := ExpandAxes(ConvertDType(validity, mask.DType()), -1)
	masked := Mul(mask, validityF)
	validCount := MaxScalar(ReduceAllSum(validityF), 1)

	var penalty *Node
	switch a.Kind {
	case AuxBatch:
		if width != 1 {
			Panicf("batch auxiliary loss assumes a single ensemble member, got %d", width)
		}
		density := Div(ReduceAllSum(masked), validCount)
		penalty = Square(SubScalar(density, a.TargetDensity))
	case AuxPair:
		if width < 2 {
			Panicf("pair auxiliary loss needs at least 2 ensemble members, got %d", width)
		}
		// Disagreement is the per-candidate variance across members,
		// averaged over the valid slots.
		mean := ReduceAndKeep(mask, ReduceMean, -1)
		variance := ReduceMean(Square(Sub(mask, mean)), -1)
		variance = Mul(variance, Squeeze(validityF, -1))
		penalty = Div(ReduceAllSum(variance), validCount)
	}
	return MulScalar(penalty, a.Scale)
}
