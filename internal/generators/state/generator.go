package state

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/internal/generators"
	"github.com/inferloop/privtrace/internal/markov"
	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

// Config controls the state trajectory generator.
type Config struct {
	// MaxLength caps the number of non-terminal states of a trajectory.
	MaxLength int `json:"max_length" mapstructure:"max_length"`
	// Workers above 1 generate trajectories concurrently.
	Workers int `json:"workers" mapstructure:"workers"`
}

// Stats summarises one GenerateN call.
type Stats struct {
	Generated int           `json:"generated"`
	Truncated int           `json:"truncated"`
	Empty     int           `json:"empty"`
	Duration  time.Duration `json:"duration"`
}

// Generator samples state trajectories from a filtered Markov model.
type Generator struct {
	model  *markov.Model
	config Config
	logger *logrus.Logger
}

// NewGenerator creates a generator over an immutable model.
func NewGenerator(model *markov.Model, config Config, logger *logrus.Logger) *Generator {
	if logger == nil {
		logger = logrus.New()
	}
	if config.MaxLength <= 0 {
		config.MaxLength = constants.DefaultMaxGeneratedLength
	}
	if config.Workers <= 0 {
		config.Workers = constants.DefaultGenerationWorkers
	}
	return &Generator{model: model, config: config, logger: logger}
}

// Generate walks the chain from start until it reaches end. When MaxLength
// non-terminal states were produced and the next draw is not end, the partial
// sequence is returned without the end marker and truncated is true.
func (g *Generator) Generate(rng *rand.Rand) (traj models.StateTrajectory, truncated bool) {
	start, end := g.model.Start(), g.model.End()
	traj = models.StateTrajectory{start}

	current := start
	for n := 0; ; n++ {
		next, ok := g.model.Next(current, rng.Float64())
		if !ok || next == end {
			return append(traj, end), false
		}
		if n == g.config.MaxLength {
			return traj, true
		}
		traj = append(traj, next)
		current = next
	}
}

// GenerateN produces exactly n trajectories. Trajectory i draws from its own stream
// derived from (seed, i).
func (g *Generator) GenerateN(ctx context.Context, n int, seed int64) ([]models.StateTrajectory, Stats, error) {
	if n < 0 {
		return nil, Stats{}, errors.NewGenerationError(errors.CodeGenerationFailed,
			fmt.Sprintf("cannot generate %d trajectories", n))
	}

	began := time.Now()
	out := make([]models.StateTrajectory, n)
	truncated := make([]bool, n)

	one := func(i int) {
		out[i], truncated[i] = g.Generate(generators.Stream(seed, generators.StageGeneration, i))
		if truncated[i] {
			g.logger.WithFields(logrus.Fields{
				"index":      i,
				"max_length": g.config.MaxLength,
			}).Debug("Generated trajectory truncated")
		}
	}

	var err error
	if g.config.Workers <= 1 || n < 2 {
		for i := 0; i < n; i++ {
			if err = ctx.Err(); err != nil {
				break
			}
			one(i)
		}
	} else {
		err = g.parallel(ctx, n, one)
	}
	if err != nil {
		return nil, Stats{}, errors.WrapError(err, errors.ErrorTypeGeneration, errors.CodeGenerationCancelled,
			"state trajectory generation cancelled")
	}

	stats := Stats{Generated: n, Duration: time.Since(began)}
	for i, t := range out {
		if truncated[i] {
			stats.Truncated++
		} else if len(t) == 2 {
			stats.Empty++
		}
	}

	if stats.Truncated > 0 {
		g.logger.WithFields(logrus.Fields{
			"truncated":  stats.Truncated,
			"max_length": g.config.MaxLength,
			"error":      errors.ErrGenerationLengthExceeded,
		}).Warn("Some generated trajectories reached the maximum length")
	}
	g.logger.WithFields(logrus.Fields{
		"generated": stats.Generated,
		"empty":     stats.Empty,
		"workers":   g.config.Workers,
		"duration":  stats.Duration,
	}).Info("Generated state trajectories")

	return out, stats, nil
}

func (g *Generator) parallel(ctx context.Context, n int, one func(int)) error {
	workers := g.config.Workers
	if workers > n {
		workers = n
	}

	indices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				one(i)
			}
		}()
	}

	var err error
feed:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case indices <- i:
		}
	}
	close(indices)
	wg.Wait()
	return err
}
