package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Scheduler produces the learning rate of each successive epoch. Step is
// direction-agnostic: it takes no metric and is called exactly once per
// validation pass.
type Scheduler interface {
	Step() float64
}

// ScheduleConfig selects and parameterizes a Scheduler by name.
type ScheduleConfig struct {
	// Kind is one of "constant" (or empty), "multistep" and "cosine".
	Kind string

	// Gamma is the multiplicative decay of the multistep schedule at
	// each milestone. Defaults to 0.1.
	Gamma float64

	// Milestones are the epochs where the multistep schedule decays.
	Milestones []int

	// MinLR is the floor of the cosine schedule.
	MinLR float64

	// TotalEpochs is the period of the cosine schedule.
	TotalEpochs int
}

// NewScheduler builds a Scheduler from the configuration. Plateau-style
// schedulers are rejected outright: their stepping depends on a metric
// direction, which the Step contract does not carry.
func NewScheduler(baseLR float64, config ScheduleConfig) (Scheduler, error) {
	switch strings.ToLower(config.Kind) {
	case "", "constant":
		return NewConstant(baseLR), nil
	case "multistep":
		gamma := config.Gamma
		if gamma == 0 {
			gamma = 0.1
		}
		return NewMultiStep(baseLR, gamma, config.Milestones...), nil
	case "cosine":
		if config.TotalEpochs <= 0 {
			return nil, errors.Errorf("cosine schedule needs TotalEpochs > 0, got %d", config.TotalEpochs)
		}
		return NewCosine(baseLR, config.MinLR, config.TotalEpochs), nil
	case "plateau", "reduce_on_plateau", "reducelronplateau":
		return nil, errors.Errorf("plateau schedulers are unsupported: %q steps on a metric direction, the trainer requires a direction-agnostic schedule", config.Kind)
	}
	return nil, errors.Errorf("unknown scheduler kind %q", config.Kind)
}

type constantSchedule struct{ lr float64 }

// NewConstant returns a schedule holding the learning rate fixed.
func NewConstant(lr float64) Scheduler { return &constantSchedule{lr: lr} }

func (s *constantSchedule) Step() float64 { return s.lr }

type multiStepSchedule struct {
	lr         float64
	gamma      float64
	milestones []int
	epoch      int
}

// NewMultiStep returns a schedule multiplying the learning rate by gamma
// at each milestone epoch.
func NewMultiStep(baseLR, gamma float64, milestones ...int) Scheduler {
	return &multiStepSchedule{lr: baseLR, gamma: gamma, milestones: milestones}
}

func (s *multiStepSchedule) Step() float64 {
	s.epoch++
	for _, m := range s.milestones {
		if m == s.epoch {
			s.lr *= s.gamma
		}
	}
	return s.lr
}

type cosineSchedule struct {
	base  float64
	min   float64
	total int
	epoch int
}

// NewCosine returns a half-cosine annealing schedule from base to min over
// totalEpochs.
func NewCosine(baseLR, minLR float64, totalEpochs int) Scheduler {
	return &cosineSchedule{base: baseLR, min: minLR, total: totalEpochs}
}

func (s *cosineSchedule) Step() float64 {
	s.epoch++
	progress := float64(s.epoch) / float64(s.total)
	if progress > 1 {
		progress = 1
	}
	return s.min + (s.base-s.min)*(1+math.Cos(math.Pi*progress))/2
}
