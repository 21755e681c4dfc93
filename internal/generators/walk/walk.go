// Package walk generates random-walk trajectory datasets for tests, benchmarks
// and the test data generator.
package walk

import (
	"math"
	"math/rand"

	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

// Config describes a random-walk dataset. Points lie in the square
// [Origin, Origin+Extent] on both axes.
type Config struct {
	Count     int          `json:"count" mapstructure:"count"`
	Origin    models.Point `json:"origin" mapstructure:"origin"`
	Extent    float64      `json:"extent" mapstructure:"extent"`
	MinLength int          `json:"min_length" mapstructure:"min_length"`
	MaxLength int          `json:"max_length" mapstructure:"max_length"`
	// Step is the standard deviation of each coordinate move.
	Step float64 `json:"step" mapstructure:"step"`
	// Hotspots above zero start every walk near one of that many centres, which
	// gives the dataset the skewed density of real mobility data.
	Hotspots int `json:"hotspots" mapstructure:"hotspots"`
}

// DefaultConfig returns 1000 walks of 3 to 8 points on a 100x100 square.
func DefaultConfig() Config {
	return Config{
		Count:     1000,
		Extent:    100,
		MinLength: 3,
		MaxLength: 8,
		Step:      5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	ve := errors.NewValidationErrors()
	if c.Count < 0 {
		ve.Add("count", errors.CodeOutOfRange, "count must not be negative", c.Count)
	}
	if !(c.Extent > 0) || math.IsInf(c.Extent, 0) {
		ve.Add("extent", errors.CodeOutOfRange, "extent must be positive and finite", c.Extent)
	}
	if c.MinLength < 1 {
		ve.Add("min_length", errors.CodeOutOfRange, "min_length must be at least 1", c.MinLength)
	}
	if c.MaxLength < c.MinLength {
		ve.Add("max_length", errors.CodeOutOfRange, "max_length must not be below min_length", c.MaxLength)
	}
	if c.Step < 0 {
		ve.Add("step", errors.CodeOutOfRange, "step must not be negative", c.Step)
	}
	if c.Hotspots < 0 {
		ve.Add("hotspots", errors.CodeOutOfRange, "hotspots must not be negative", c.Hotspots)
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// Generate draws a dataset from rng.
func Generate(rng *rand.Rand, cfg Config) (models.TrajectorySet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	centres := make([]models.Point, cfg.Hotspots)
	for i := range centres {
		centres[i] = models.Point{X: rng.Float64() * cfg.Extent, Y: rng.Float64() * cfg.Extent}
	}

	set := make(models.TrajectorySet, cfg.Count)
	for i := range set {
		var p models.Point
		if len(centres) > 0 {
			c := centres[rng.Intn(len(centres))]
			p = models.Point{
				X: clamp(c.X+rng.NormFloat64()*cfg.Extent/20, 0, cfg.Extent),
				Y: clamp(c.Y+rng.NormFloat64()*cfg.Extent/20, 0, cfg.Extent),
			}
		} else {
			p = models.Point{X: rng.Float64() * cfg.Extent, Y: rng.Float64() * cfg.Extent}
		}

		length := cfg.MinLength + rng.Intn(cfg.MaxLength-cfg.MinLength+1)
		t := make(models.Trajectory, 0, length)
		for j := 0; j < length; j++ {
			t = append(t, models.Point{X: cfg.Origin.X + p.X, Y: cfg.Origin.Y + p.Y})
			p.X = clamp(p.X+rng.NormFloat64()*cfg.Step, 0, cfg.Extent)
			p.Y = clamp(p.Y+rng.NormFloat64()*cfg.Step, 0, cfg.Extent)
		}
		set[i] = t
	}
	return set, nil
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
