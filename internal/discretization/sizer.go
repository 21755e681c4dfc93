package discretization

import (
	"fmt"
	"math"

	"github.com/inferloop/privtrace/internal/privacy"
	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
)

// level1Policy maps a noisy mass and a calibration constant to an unclamped
// resolution. Both policies aim at K proportional to sqrt(mass / c).
type level1Policy func(mass, c float64) float64

var level1Policies = map[privacy.SizingMode]level1Policy{
	// Published formula, fed with a noisy trajectory count.
	privacy.SizingModePaper: func(mass, c float64) float64 {
		return math.Round(math.Sqrt(mass / c))
	},
	// Formula of the reference code base, fed with a noisy total density.
	privacy.SizingModeRepository: func(mass, c float64) float64 {
		return math.Floor(math.Sqrt(mass / c))
	},
}

// Sizer chooses the level-1 resolution K and the per-cell level-2 resolution κ.
type Sizer struct {
	Mode           privacy.SizingMode
	Level1Constant float64
	Level2Constant float64
	// Population and PopulationNormalizer select the experimental level-2 policy
	// κ = ceil(sqrt(d·K·pop / normalizer)). The published normalizer is 2·10⁷; the
	// reference code evaluated `2 * 10^7` as (2*10) xor 7, which yields 19 and
	// explains the oversized κ it produced. Both values remain selectable.
	Population           float64
	PopulationNormalizer float64
	MaxLevel1            int
	MaxLevel2            int
}

// NewSizer builds a sizer from run parameters.
func NewSizer(p privacy.Parameters) *Sizer {
	return &Sizer{
		Mode:                 p.SizingMode,
		Level1Constant:       p.Level1Constant,
		Level2Constant:       p.Level2Constant,
		Population:           p.PopulationDensity,
		PopulationNormalizer: p.PopulationNormalizer,
		MaxLevel1:            p.MaxLevel1,
		MaxLevel2:            p.MaxLevel2,
	}
}

// Level1 returns K for a noisy mass: a trajectory count T in paper mode, a total
// density D in repository mode. A resolution of at most 1 is a DegenerateGridError;
// larger values are clamped to MaxLevel1.
func (s *Sizer) Level1(mass float64) (int, error) {
	policy, ok := level1Policies[s.Mode]
	if !ok {
		return 0, errors.NewConfigurationError(errors.CodeInvalidSizingMode,
			fmt.Sprintf("unknown sizing mode %q", s.Mode))
	}

	c := s.Level1Constant
	if c <= 0 {
		if s.Mode == privacy.SizingModePaper {
			return 0, errors.NewConfigurationError(errors.CodeMissingCalibration,
				"paper sizing mode requires a dataset calibration constant")
		}
		c = constants.DefaultLevel1Constant
	}

	if math.IsNaN(mass) || mass <= 0 {
		return 0, errors.NewDegenerateGridError(0, mass)
	}

	k := policy(mass, c)
	if !(k > 1) {
		return 0, errors.NewDegenerateGridError(k, mass)
	}

	limit := s.MaxLevel1
	if limit <= 0 {
		limit = constants.MaxLevel1Resolution
	}
	if k > float64(limit) {
		k = float64(limit)
	}
	return int(k), nil
}

// Level2 returns κ for a level-1 cell with noisy density d in a grid of resolution k.
// κ = 1 means the cell is not subdivided.
func (s *Sizer) Level2(density float64, k int) int {
	if math.IsNaN(density) || density <= 0 {
		return 1
	}

	var kappa float64
	if s.Population > 0 {
		kappa = math.Ceil(math.Sqrt(density * float64(k) * s.Population / s.populationNormalizer()))
	} else {
		c2 := s.Level2Constant
		if c2 <= 0 {
			c2 = constants.DefaultLevel2Constant
		}
		kappa = math.Ceil(math.Sqrt(density / c2))
	}

	limit := s.MaxLevel2
	if limit <= 0 {
		limit = constants.MaxLevel2Resolution
	}
	switch {
	case kappa < 1:
		return 1
	case kappa > float64(limit):
		return limit
	}
	return int(kappa)
}

func (s *Sizer) populationNormalizer() float64 {
	if s.PopulationNormalizer > 0 {
		return s.PopulationNormalizer
	}
	return constants.DefaultPopulationNormalizer
}
