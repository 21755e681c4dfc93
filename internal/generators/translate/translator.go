package translate

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/geo/r1"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/internal/discretization"
	"github.com/inferloop/privtrace/internal/generators"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

// Translator turns state trajectories back into coordinates of the grid's space.
type Translator struct {
	grid   *discretization.Grid
	logger *logrus.Logger
}

// NewTranslator creates a translator for a grid.
func NewTranslator(grid *discretization.Grid, logger *logrus.Logger) *Translator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Translator{grid: grid, logger: logger}
}

// Translate draws one uniform point inside the bounds of every non-terminal state.
// Repeated states are sampled independently.
func (t *Translator) Translate(states models.StateTrajectory, rng *rand.Rand) (models.Trajectory, error) {
	out := make(models.Trajectory, 0, len(states))
	for _, s := range states {
		if t.grid.IsTerminal(s) {
			continue
		}
		bounds, ok := t.grid.Bounds(s)
		if !ok {
			return nil, errors.NewGenerationError(errors.CodeGenerationFailed,
				fmt.Sprintf("state %d has no cell bounds", s))
		}
		out = append(out, models.Point{
			X: uniform(bounds.X, rng),
			Y: uniform(bounds.Y, rng),
		})
	}
	return out, nil
}

// TranslateAll translates every trajectory with its own stream derived from (seed, i).
func (t *Translator) TranslateAll(ctx context.Context, trajs []models.StateTrajectory, seed int64) (models.TrajectorySet, error) {
	out := make(models.TrajectorySet, len(trajs))
	for i, st := range trajs {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.WrapError(err, errors.ErrorTypeGeneration, errors.CodeGenerationCancelled,
					"translation cancelled")
			}
		}
		traj, err := t.Translate(st, generators.Stream(seed, generators.StageTranslation, i))
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeGeneration, errors.CodeGenerationFailed,
				fmt.Sprintf("translating trajectory %d", i))
		}
		out[i] = traj
	}

	t.logger.WithFields(logrus.Fields{
		"trajectories": len(out),
		"points":       out.PointCount(),
	}).Info("Translated state trajectories to locations")
	return out, nil
}

// uniform samples the open interval (Lo, Hi). Cell bounds are [Lo, Hi) while a
// point on an interior edge bins to the lower cell, so only the open interval
// locates back to the sampled cell under both conventions.
func uniform(iv r1.Interval, rng *rand.Rand) float64 {
	if !(iv.Hi > iv.Lo) {
		return iv.Lo
	}
	v := iv.Lo + rng.Float64()*iv.Length()
	if v <= iv.Lo {
		v = math.Nextafter(iv.Lo, iv.Hi)
	}
	if v >= iv.Hi {
		v = math.Nextafter(iv.Hi, iv.Lo)
	}
	return v
}
