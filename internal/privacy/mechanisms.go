package privacy

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/google/differential-privacy/go/v3/noise"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/privtrace/pkg/errors"
)

// NoiseSource perturbs a single released value so that it is epsilon-differentially
// private for the given L1 sensitivity.
type NoiseSource interface {
	GetName() string
	AddNoise(ctx context.Context, value float64, sensitivity float64, epsilon float64) (float64, error)
}

// ClampingConfig bounds noisy values after perturbation.
type ClampingConfig struct {
	Enabled    bool    `json:"enabled"`
	LowerBound float64 `json:"lower_bound"`
	UpperBound float64 `json:"upper_bound"`
}

// NonNegative clamps noisy counts at zero with no upper bound.
func NonNegative() *ClampingConfig {
	return &ClampingConfig{Enabled: true, LowerBound: 0, UpperBound: math.Inf(1)}
}

func (c *ClampingConfig) apply(value float64) float64 {
	if c == nil || !c.Enabled {
		return value
	}
	if value < c.LowerBound {
		return c.LowerBound
	}
	if value > c.UpperBound {
		return c.UpperBound
	}
	return value
}

// LaplaceMechanism implements the Laplace mechanism with a seeded source. It is
// reproducible and is what tests and seeded experiment runs use.
type LaplaceMechanism struct {
	randSource *rand.Rand
}

// NewLaplaceMechanism creates a new Laplace mechanism
func NewLaplaceMechanism(randSource *rand.Rand) *LaplaceMechanism {
	if randSource == nil {
		randSource = rand.New(rand.NewSource(42))
	}

	return &LaplaceMechanism{
		randSource: randSource,
	}
}

// GetName returns the mechanism name
func (lm *LaplaceMechanism) GetName() string {
	return "laplace"
}

// AddNoise adds Laplace noise to a single value
func (lm *LaplaceMechanism) AddNoise(ctx context.Context, value float64, sensitivity float64, epsilon float64) (float64, error) {
	scale, err := LaplaceScale(sensitivity, epsilon)
	if err != nil {
		return 0, err
	}
	if scale == 0 {
		return value, nil
	}

	dist := distuv.Laplace{Mu: 0, Scale: scale}
	return value + dist.Quantile(lm.sample()), nil
}

// sample draws p in the open interval (0, 1) so the quantile stays finite.
func (lm *LaplaceMechanism) sample() float64 {
	for {
		u := lm.randSource.Float64()
		if u > 0 {
			return u
		}
	}
}

// SecureLaplace adds Laplace noise with the geometric sampler of the Google
// differential privacy library, which is robust to floating point artifacts. It draws
// from a cryptographic source and cannot be seeded.
type SecureLaplace struct {
	noise noise.Noise
}

// NewSecureLaplace creates a secure Laplace noise source.
func NewSecureLaplace() *SecureLaplace {
	return &SecureLaplace{noise: noise.Laplace()}
}

// GetName returns the mechanism name
func (sl *SecureLaplace) GetName() string {
	return "secure-laplace"
}

// AddNoise adds Laplace noise to a single value
func (sl *SecureLaplace) AddNoise(ctx context.Context, value float64, sensitivity float64, epsilon float64) (float64, error) {
	if _, err := LaplaceScale(sensitivity, epsilon); err != nil {
		return 0, err
	}
	if sensitivity == 0 {
		return value, nil
	}

	noisy, err := sl.noise.AddNoiseFloat64(value, 1, sensitivity, epsilon, 0)
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrorTypePrivacy, errors.CodeNoiseFailed, "secure Laplace noise failed")
	}
	return noisy, nil
}

// NewNoiseSource picks the secure source, or a seeded mechanism when secure is false.
func NewNoiseSource(secure bool, seed int64) NoiseSource {
	if secure {
		return NewSecureLaplace()
	}
	return NewLaplaceMechanism(rand.New(rand.NewSource(seed)))
}

// LaplaceScale calculates the noise scale b = sensitivity / epsilon
func LaplaceScale(sensitivity, epsilon float64) (float64, error) {
	if !(epsilon > 0) || math.IsInf(epsilon, 0) {
		return 0, errors.WrapError(errors.ErrInvalidEpsilon, errors.ErrorTypePrivacy, errors.CodeNoiseFailed,
			fmt.Sprintf("epsilon must be positive and finite, got %f", epsilon))
	}
	if sensitivity < 0 || math.IsNaN(sensitivity) {
		return 0, errors.NewAppError(errors.ErrorTypePrivacy, errors.CodeNoiseFailed,
			fmt.Sprintf("sensitivity must be non-negative, got %f", sensitivity))
	}
	return sensitivity / epsilon, nil
}

// NoisyCount releases a single total.
func NoisyCount(ctx context.Context, src NoiseSource, value, sensitivity, epsilon float64) (float64, error) {
	return src.AddNoise(ctx, value, sensitivity, epsilon)
}

// NoisyHistogram perturbs every bin, zero bins included, and applies clamping. The bins
// are assumed disjoint so the whole histogram costs epsilon once.
func NoisyHistogram(ctx context.Context, src NoiseSource, data []float64, sensitivity, epsilon float64, clamp *ClampingConfig) ([]float64, error) {
	if len(data) == 0 {
		return []float64{}, nil
	}

	result := make([]float64, len(data))

	for i, value := range data {
		noisyValue, err := src.AddNoise(ctx, value, sensitivity, epsilon)
		if err != nil {
			return nil, fmt.Errorf("error adding noise at index %d: %w", i, err)
		}
		result[i] = clamp.apply(noisyValue)

		// Check for cancellation
		if i%1024 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
	}

	return result, nil
}
