package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/internal/discretization"
	"github.com/inferloop/privtrace/internal/generators/state"
	"github.com/inferloop/privtrace/internal/generators/translate"
	"github.com/inferloop/privtrace/internal/markov"
	"github.com/inferloop/privtrace/internal/observability/metrics"
	"github.com/inferloop/privtrace/internal/privacy"
	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

// Pipeline stage names, used as log fields and metric labels.
const (
	StageExtent     = "extent"
	StageSizing     = "sizing"
	StageLevel1     = "level1"
	StageLevel2     = "level2"
	StageDiscretize = "discretize"
	StageCounts     = "counts"
	StageFilter     = "filter"
	StageGenerate   = "generate"
	StageTranslate  = "translate"
)

// Stats describes one run.
type Stats struct {
	RunID             string                   `json:"run_id"`
	Seed              int64                    `json:"seed"`
	InputTrajectories int                      `json:"input_trajectories"`
	NoisyMass         float64                  `json:"noisy_mass"`
	Resolution        int                      `json:"resolution"`
	FallbackGrid      bool                     `json:"fallback_grid"`
	SubdividedCells   int                      `json:"subdivided_cells"`
	UsableStates      int                      `json:"usable_states"`
	ActiveStates      int                      `json:"active_states"`
	Threshold         float64                  `json:"threshold"`
	KeptTransitions   int                      `json:"kept_transitions"`
	DroppedNoise      int                      `json:"dropped_transitions"`
	EmptyRows         int                      `json:"empty_rows"`
	Generated         int                      `json:"generated"`
	Truncated         int                      `json:"truncated"`
	EmptyGenerated    int                      `json:"empty_generated"`
	EpsilonSpent      float64                  `json:"epsilon_spent"`
	StageDurations    map[string]time.Duration `json:"stage_durations"`
	Duration          time.Duration            `json:"duration"`
}

// Result carries every artefact of a run.
type Result struct {
	Grid         *discretization.Grid
	Model        *markov.Model
	FilterReport markov.FilterReport
	States       []models.StateTrajectory
	Trajectories models.TrajectorySet
	Budget       []privacy.BudgetTransaction
	Stats        Stats
}

// Synthesizer runs the discretize, model, generate and translate stages.
type Synthesizer struct {
	params  privacy.Parameters
	noise   privacy.NoiseSource
	metrics *metrics.PipelineMetrics
	logger  *logrus.Logger
}

// NewSynthesizer validates the parameters. A nil noise source selects the one
// configured by the parameters; metrics are optional.
func NewSynthesizer(params privacy.Parameters, noise privacy.NoiseSource, m *metrics.PipelineMetrics, logger *logrus.Logger) (*Synthesizer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	if params.Seed == 0 {
		params.Seed = time.Now().UnixNano()
	}
	if noise == nil {
		noise = privacy.NewNoiseSource(params.SecureNoise, params.Seed)
	}
	return &Synthesizer{params: params, noise: noise, metrics: m, logger: logger}, nil
}

// Parameters returns the effective parameters, seed included.
func (s *Synthesizer) Parameters() privacy.Parameters { return s.params }

// Run builds the private model of the dataset and samples synthetic trajectories from
// it.
func (s *Synthesizer) Run(ctx context.Context, set models.TrajectorySet) (*Result, error) {
	began := time.Now()
	res, err := s.run(ctx, set, true)
	s.finish(res, began, err)
	return res, err
}

// BuildModel stops after the filter stage. The result has no generated trajectories.
func (s *Synthesizer) BuildModel(ctx context.Context, set models.TrajectorySet) (*Result, error) {
	began := time.Now()
	res, err := s.run(ctx, set, false)
	s.finish(res, began, err)
	return res, err
}

func (s *Synthesizer) run(ctx context.Context, set models.TrajectorySet, generate bool) (*Result, error) {
	set = set.NonEmpty()
	res := &Result{
		Stats: Stats{
			RunID:             uuid.New().String(),
			Seed:              s.params.Seed,
			InputTrajectories: len(set),
			StageDurations:    make(map[string]time.Duration),
		},
	}
	log := s.logger.WithField("run_id", res.Stats.RunID)
	budget := privacy.NewBudget(s.params.TotalEpsilon)
	sizer := discretization.NewSizer(s.params)

	log.WithFields(logrus.Fields{
		"trajectories": len(set),
		"points":       set.PointCount(),
		"epsilon":      s.params.TotalEpsilon,
		"sizing_mode":  s.params.SizingMode,
		"noise":        s.noise.GetName(),
	}).Info("Starting synthesis run")

	var extent discretization.SpatialExtent
	if err := s.stage(ctx, res, StageExtent, func() (err error) {
		extent, err = discretization.BuildExtent(set)
		return err
	}); err != nil {
		return res, err
	}

	var k int
	if err := s.stage(ctx, res, StageSizing, func() error {
		eps := s.params.DensityEpsilon()
		mass, err := privacy.NoisyCount(ctx, s.noise, float64(len(set)), 1, eps)
		if err != nil {
			return err
		}
		if err := s.spend(budget, privacy.PurposeTotalMass, eps); err != nil {
			return err
		}
		res.Stats.NoisyMass = mass

		k, err = sizer.Level1(mass)
		if errors.IsDegenerateGrid(err) && s.params.FallbackMinimumGrid {
			log.WithFields(logrus.Fields{
				"noisy_mass": mass,
				"error":      err,
			}).Warn("Degenerate grid, falling back to the minimum resolution")
			k, err = constants.MinimumLevel1Resolution, nil
			res.Stats.FallbackGrid = true
		}
		return err
	}); err != nil {
		return res, err
	}
	res.Stats.Resolution = k

	var level1 *discretization.Grid
	var noisyLevel1 []float64
	if err := s.stage(ctx, res, StageLevel1, func() (err error) {
		level1, err = discretization.BuildLevel1Grid(extent, k)
		if err != nil {
			return err
		}
		eps := s.params.StructureEpsilon() / 2
		noisyLevel1, err = privacy.NoisyHistogram(ctx, s.noise, discretization.Level1Densities(set, level1), 1, eps, privacy.NonNegative())
		if err != nil {
			return err
		}
		return s.spend(budget, privacy.PurposeLevel1Density, eps)
	}); err != nil {
		return res, err
	}

	var grid *discretization.Grid
	if err := s.stage(ctx, res, StageLevel2, func() error {
		level2, err := discretization.BuildLevel2Grid(level1, noisyLevel1, sizer, s.logger)
		if err != nil {
			return err
		}
		eps := s.params.StructureEpsilon() / 2
		noisySub, err := s.noisySubcells(ctx, level2, discretization.SubcellDensities(set, level2), eps)
		if err != nil {
			return err
		}
		if err := s.spend(budget, privacy.PurposeLevel2Density, eps); err != nil {
			return err
		}
		grid, err = discretization.AssignStates(level2, noisySub, s.params.MinCellMass)
		return err
	}); err != nil {
		return res, err
	}
	res.Grid = grid
	res.Stats.SubdividedCells = grid.SubdividedCells()
	res.Stats.UsableStates = grid.NumUsable()

	log.WithFields(logrus.Fields{
		"resolution":       k,
		"subdivided_cells": res.Stats.SubdividedCells,
		"usable_states":    res.Stats.UsableStates,
	}).Info("Built two-level grid")

	var discretized []models.StateTrajectory
	if err := s.stage(ctx, res, StageDiscretize, func() error {
		discretized = discretization.AssignAll(set, grid)
		return nil
	}); err != nil {
		return res, err
	}

	var noisy *markov.Counts
	if err := s.stage(ctx, res, StageCounts, func() error {
		counts, err := markov.BuildCounts(grid, discretized)
		if err != nil {
			return err
		}
		eps := s.params.TransitionEpsilon()
		noisy, err = markov.AddNoise(ctx, counts, s.noise, eps)
		if err != nil {
			return err
		}
		return s.spend(budget, privacy.PurposeTransitionCounts, eps)
	}); err != nil {
		return res, err
	}
	res.Stats.ActiveStates = noisy.NumActive()

	if err := s.stage(ctx, res, StageFilter, func() error {
		scale, err := privacy.LaplaceScale(1, s.params.TransitionEpsilon())
		if err != nil {
			return err
		}
		threshold := markov.Threshold(scale, noisy.RowWidth(), s.params.FilterMultiplier, s.params.FilterTolerance)
		res.Model, res.FilterReport, err = markov.Filter(noisy, threshold, s.logger)
		return err
	}); err != nil {
		return res, err
	}
	res.Budget = budget.Transactions()
	res.Stats.EpsilonSpent = budget.Consumed()
	res.Stats.Threshold = res.FilterReport.Threshold
	res.Stats.KeptTransitions = res.FilterReport.Kept
	res.Stats.DroppedNoise = res.FilterReport.Dropped
	res.Stats.EmptyRows = len(res.FilterReport.EmptyRows)

	if !generate {
		return res, nil
	}

	if err := s.stage(ctx, res, StageGenerate, func() error {
		gen := state.NewGenerator(res.Model, state.Config{
			MaxLength: s.params.MaxGeneratedLength,
			Workers:   s.params.GenerationWorkers,
		}, s.logger)
		states, stats, err := gen.GenerateN(ctx, s.params.TargetCount(len(set)), s.params.Seed)
		if err != nil {
			return err
		}
		res.States = states
		res.Stats.Generated = stats.Generated
		res.Stats.Truncated = stats.Truncated
		res.Stats.EmptyGenerated = stats.Empty
		return nil
	}); err != nil {
		return res, err
	}

	if err := s.stage(ctx, res, StageTranslate, func() (err error) {
		res.Trajectories, err = translate.NewTranslator(grid, s.logger).TranslateAll(ctx, res.States, s.params.Seed)
		return err
	}); err != nil {
		return res, err
	}
	return res, nil
}

// noisySubcells perturbs the sub-cell histograms of subdivided cells. Undivided cells
// always keep their state and release nothing.
func (s *Synthesizer) noisySubcells(ctx context.Context, g *discretization.Grid, raw [][]float64, eps float64) ([][]float64, error) {
	var flat []float64
	for i, d := range raw {
		if g.Kappa(i) > 1 {
			flat = append(flat, d...)
		}
	}

	noisy, err := privacy.NoisyHistogram(ctx, s.noise, flat, 1, eps, privacy.NonNegative())
	if err != nil {
		return nil, err
	}

	out := make([][]float64, len(raw))
	offset := 0
	for i, d := range raw {
		if g.Kappa(i) > 1 {
			out[i] = noisy[offset : offset+len(d)]
			offset += len(d)
		} else {
			out[i] = make([]float64, len(d))
		}
	}
	return out, nil
}

func (s *Synthesizer) spend(b *privacy.Budget, purpose string, eps float64) error {
	if err := b.Spend(purpose, s.noise.GetName(), eps); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.AddEpsilon(purpose, eps)
	}
	return nil
}

func (s *Synthesizer) stage(ctx context.Context, res *Result, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeGeneration, errors.CodeGenerationCancelled,
			"run cancelled before stage "+name)
	}

	began := time.Now()
	err := fn()
	d := time.Since(began)

	res.Stats.StageDurations[name] = d
	if s.metrics != nil {
		s.metrics.ObserveStage(name, d)
	}
	s.logger.WithFields(logrus.Fields{
		"run_id":   res.Stats.RunID,
		"stage":    name,
		"duration": d,
	}).Debug("Stage finished")
	return err
}

func (s *Synthesizer) finish(res *Result, began time.Time, err error) {
	res.Stats.Duration = time.Since(began)
	log := s.logger.WithFields(logrus.Fields{
		"run_id":   res.Stats.RunID,
		"duration": res.Stats.Duration,
	})

	if s.metrics != nil {
		if err != nil {
			s.metrics.RecordRun(metrics.StatusFailure)
		} else {
			s.metrics.RecordRun(metrics.StatusSuccess)
			s.metrics.SetGrid(res.Stats.Resolution, res.Stats.UsableStates, res.Stats.ActiveStates)
			s.metrics.AddEmptyRows(res.Stats.EmptyRows)
			s.metrics.AddTruncated(res.Stats.Truncated)
			s.metrics.AddGenerated(res.Stats.Generated)
		}
	}

	if err != nil {
		log.WithError(err).Error("Synthesis run failed")
		return
	}
	log.WithFields(logrus.Fields{
		"resolution":    res.Stats.Resolution,
		"usable_states": res.Stats.UsableStates,
		"active_states": res.Stats.ActiveStates,
		"empty_rows":    res.Stats.EmptyRows,
		"generated":     res.Stats.Generated,
		"truncated":     res.Stats.Truncated,
	}).Info("Synthesis run completed")
}
