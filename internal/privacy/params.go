package privacy

import (
	"fmt"
	"math"
	"strings"

	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
)

// SizingMode selects the level-1 grid sizing policy.
type SizingMode string

const (
	// SizingModePaper computes K = round(sqrt(T / c)) from a noisy trajectory count.
	SizingModePaper SizingMode = constants.SizingModePaper
	// SizingModeRepository computes K = floor(sqrt(D / c)) from a noisy total density.
	SizingModeRepository SizingMode = constants.SizingModeRepository
)

// Partition splits the total epsilon across the three noisy releases of a run.
type Partition struct {
	Density    float64 `json:"density" mapstructure:"density"`       // total mass for level-1 sizing
	Structure  float64 `json:"structure" mapstructure:"structure"`   // level-1 and level-2 cell densities
	Transition float64 `json:"transition" mapstructure:"transition"` // Markov transition counts
}

// DefaultPartition returns the partition used when none is configured.
func DefaultPartition() Partition {
	return Partition{
		Density:    constants.DefaultDensityShare,
		Structure:  constants.DefaultStructureShare,
		Transition: constants.DefaultTransitionShare,
	}
}

// PartitionFromSlice builds a partition from three shares in density, structure,
// transition order.
func PartitionFromSlice(shares []float64) (Partition, error) {
	if len(shares) != 3 {
		return Partition{}, errors.NewConfigurationError(errors.CodeInvalidPartition,
			fmt.Sprintf("epsilon partition needs exactly 3 shares, got %d", len(shares)))
	}
	return Partition{Density: shares[0], Structure: shares[1], Transition: shares[2]}, nil
}

// Sum returns the sum of the three shares.
func (p Partition) Sum() float64 {
	return p.Density + p.Structure + p.Transition
}

// Parameters holds the privacy budget and grid tuning constants of one run.
type Parameters struct {
	TotalEpsilon float64   `json:"total_epsilon" mapstructure:"total_epsilon"`
	Partition    Partition `json:"epsilon_partition" mapstructure:"epsilon_partition"`

	SizingMode SizingMode `json:"sizing_mode" mapstructure:"sizing_mode"`
	// Level1Constant is c. Zero selects the mode default, which only the repository
	// mode has.
	Level1Constant float64 `json:"level1_constant" mapstructure:"level1_constant"`
	Level2Constant float64 `json:"level2_constant" mapstructure:"level2_constant"`
	// PopulationDensity enables the experimental population-aware level-2 policy when
	// positive.
	PopulationDensity    float64 `json:"population_density" mapstructure:"population_density"`
	PopulationNormalizer float64 `json:"population_normalizer" mapstructure:"population_normalizer"`
	MaxLevel1            int     `json:"max_level1" mapstructure:"max_level1"`
	MaxLevel2            int     `json:"max_level2" mapstructure:"max_level2"`
	FallbackMinimumGrid  bool    `json:"fallback_minimum_grid" mapstructure:"fallback_minimum_grid"`
	MinCellMass          float64 `json:"min_cell_mass" mapstructure:"min_cell_mass"`

	// FilterMultiplier, when positive, fixes the filter threshold at FilterMultiplier
	// Laplace scales. Otherwise the threshold follows FilterTolerance.
	FilterMultiplier float64 `json:"filter_multiplier" mapstructure:"filter_multiplier"`
	FilterTolerance  float64 `json:"filter_tolerance" mapstructure:"filter_tolerance"`

	TrajectoriesToGenerate int   `json:"trajectory_number_to_generate" mapstructure:"trajectory_number_to_generate"`
	MaxGeneratedLength     int   `json:"max_generated_length" mapstructure:"max_generated_length"`
	GenerationWorkers      int   `json:"generation_workers" mapstructure:"generation_workers"`
	Seed                   int64 `json:"seed" mapstructure:"seed"`
	SecureNoise            bool  `json:"secure_noise" mapstructure:"secure_noise"`
}

// DefaultParameters returns the parameters of a run with every default applied.
func DefaultParameters() Parameters {
	return Parameters{
		TotalEpsilon:           constants.DefaultTotalEpsilon,
		Partition:              DefaultPartition(),
		SizingMode:             SizingModeRepository,
		Level2Constant:         constants.DefaultLevel2Constant,
		PopulationNormalizer:   constants.DefaultPopulationNormalizer,
		MaxLevel1:              constants.MaxLevel1Resolution,
		MaxLevel2:              constants.MaxLevel2Resolution,
		MinCellMass:            constants.DefaultMinCellMass,
		FilterTolerance:        constants.DefaultFilterTolerance,
		TrajectoriesToGenerate: constants.DefaultTrajectoryCount,
		MaxGeneratedLength:     constants.DefaultMaxGeneratedLength,
		GenerationWorkers:      constants.DefaultGenerationWorkers,
		SecureNoise:            constants.DefaultSecureNoise,
	}
}

// Validate checks the parameters and returns a configuration error describing every
// problem found.
func (p Parameters) Validate() error {
	ve := errors.NewValidationErrors()
	ve.Message = "invalid privacy parameters"

	if !(p.TotalEpsilon > 0) || math.IsInf(p.TotalEpsilon, 0) {
		ve.Add("total_epsilon", errors.CodeOutOfRange, "must be a positive finite number", p.TotalEpsilon)
	}

	shares := map[string]float64{
		"epsilon_partition.density":    p.Partition.Density,
		"epsilon_partition.structure":  p.Partition.Structure,
		"epsilon_partition.transition": p.Partition.Transition,
	}
	for field, share := range shares {
		if share < 0 || math.IsNaN(share) {
			ve.Add(field, errors.CodeInvalidPartition, "share must be non-negative", share)
		}
	}
	if math.Abs(p.Partition.Sum()-1) > constants.PartitionTolerance {
		ve.Add("epsilon_partition", errors.CodeInvalidPartition, "shares must sum to 1", p.Partition.Sum())
	}
	// A zero share would need Laplace noise of infinite scale for its release.
	if p.Partition.Density == 0 || p.Partition.Structure == 0 || p.Partition.Transition == 0 {
		ve.Add("epsilon_partition", errors.CodeInvalidPartition, "every share must be positive for its noisy release", p.Partition)
	}

	switch p.SizingMode {
	case SizingModePaper:
		if p.Level1Constant <= 0 {
			ve.Add("level1_constant", errors.CodeMissingCalibration, "paper sizing mode requires a dataset calibration constant", p.Level1Constant)
		}
	case SizingModeRepository:
		if p.Level1Constant < 0 {
			ve.Add("level1_constant", errors.CodeOutOfRange, "must not be negative", p.Level1Constant)
		}
	default:
		ve.Add("sizing_mode", errors.CodeInvalidSizingMode, "must be paper or repository", p.SizingMode)
	}

	if p.Level2Constant <= 0 {
		ve.Add("level2_constant", errors.CodeOutOfRange, "must be positive", p.Level2Constant)
	}
	if p.PopulationDensity < 0 {
		ve.Add("population_density", errors.CodeOutOfRange, "must not be negative", p.PopulationDensity)
	}
	if p.PopulationDensity > 0 && p.PopulationNormalizer <= 0 {
		ve.Add("population_normalizer", errors.CodeOutOfRange, "must be positive when a population density is set", p.PopulationNormalizer)
	}
	if p.MaxLevel1 < constants.MinimumLevel1Resolution {
		ve.Add("max_level1", errors.CodeOutOfRange, "must be at least 2", p.MaxLevel1)
	}
	if p.MaxLevel2 < 1 {
		ve.Add("max_level2", errors.CodeOutOfRange, "must be at least 1", p.MaxLevel2)
	}
	if p.MinCellMass < 0 {
		ve.Add("min_cell_mass", errors.CodeOutOfRange, "must not be negative", p.MinCellMass)
	}
	if p.FilterMultiplier < 0 {
		ve.Add("filter_multiplier", errors.CodeOutOfRange, "must not be negative", p.FilterMultiplier)
	}
	if p.FilterMultiplier == 0 && p.FilterTolerance <= 0 {
		ve.Add("filter_tolerance", errors.CodeOutOfRange, "must be positive when no filter multiplier is set", p.FilterTolerance)
	}
	if p.TrajectoriesToGenerate == 0 || p.TrajectoriesToGenerate < -1 {
		ve.Add("trajectory_number_to_generate", errors.CodeOutOfRange, "must be positive, or -1 for the input size", p.TrajectoriesToGenerate)
	}
	if p.MaxGeneratedLength < 1 {
		ve.Add("max_generated_length", errors.CodeOutOfRange, "must be positive", p.MaxGeneratedLength)
	}
	if p.GenerationWorkers < 1 {
		ve.Add("generation_workers", errors.CodeOutOfRange, "must be positive", p.GenerationWorkers)
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

// Level1ConstantOrDefault returns c, falling back to the repository default.
func (p Parameters) Level1ConstantOrDefault() float64 {
	if p.Level1Constant > 0 {
		return p.Level1Constant
	}
	return constants.DefaultLevel1Constant
}

// DensityEpsilon is the budget spent on the total mass that sizes the level-1 grid.
func (p Parameters) DensityEpsilon() float64 {
	return p.TotalEpsilon * p.Partition.Density
}

// StructureEpsilon is the budget spent on cell densities, shared evenly by the level-1
// and level-2 histograms.
func (p Parameters) StructureEpsilon() float64 {
	return p.TotalEpsilon * p.Partition.Structure
}

// TransitionEpsilon is the budget spent on the Markov transition counts.
func (p Parameters) TransitionEpsilon() float64 {
	return p.TotalEpsilon * p.Partition.Transition
}

// TargetCount resolves the number of trajectories to generate for an input of size n.
func (p Parameters) TargetCount(n int) int {
	if p.TrajectoriesToGenerate > 0 {
		return p.TrajectoriesToGenerate
	}
	return n
}

// CalibrationConstant returns the published level-1 constant of a known dataset.
func CalibrationConstant(dataset string) (float64, bool) {
	switch strings.ToUpper(dataset) {
	case "BRINKHOFF":
		return constants.CalibrationBrinkhoff, true
	case "PORTO":
		return constants.CalibrationPorto, true
	case "GEOLIFE":
		return constants.CalibrationGeoLife, true
	}
	return 0, false
}
