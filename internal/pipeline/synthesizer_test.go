package pipeline

import (
	"context"
	"math/rand"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/privtrace/internal/discretization"
	"github.com/inferloop/privtrace/internal/observability/metrics"
	"github.com/inferloop/privtrace/internal/privacy"
	"github.com/inferloop/privtrace/internal/testutil"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

func testParams() privacy.Parameters {
	p := privacy.DefaultParameters()
	p.TotalEpsilon = 20
	p.Level1Constant = 10
	p.Level2Constant = 5
	p.SecureNoise = false
	p.Seed = 2024
	return p
}

func TestRunProducesSyntheticTrajectories(t *testing.T) {
	set := testutil.Walks(t, 400, 1)
	pm, err := metrics.NewPipelineMetrics(nil, nil)
	require.NoError(t, err)

	s, err := NewSynthesizer(testParams(), nil, pm, logrus.New())
	require.NoError(t, err)

	res, err := s.Run(context.Background(), set)
	require.NoError(t, err)

	assert.NotEmpty(t, res.Stats.RunID)
	assert.Equal(t, 400, res.Stats.InputTrajectories)
	assert.Greater(t, res.Stats.Resolution, 1)
	assert.LessOrEqual(t, res.Stats.Resolution, 60)
	assert.Equal(t, res.Grid.NumUsable(), res.Stats.UsableStates)
	require.NoError(t, res.Model.Validate())

	require.Len(t, res.States, 400)
	require.Len(t, res.Trajectories, 400)
	assert.Equal(t, 400, res.Stats.Generated)

	extent := res.Grid.Extent().Rect()
	for i, traj := range res.Trajectories {
		st := res.States[i]
		nonTerminal := 0
		for _, s := range st {
			if !res.Grid.IsTerminal(s) {
				nonTerminal++
			}
		}
		assert.Len(t, traj, nonTerminal)
		for _, p := range traj {
			assert.True(t, extent.X.Contains(p.X) && extent.Y.Contains(p.Y))
		}
	}

	assert.InDelta(t, 20, res.Stats.EpsilonSpent, 1e-9)
	require.Len(t, res.Budget, 4)
	assert.Equal(t, privacy.PurposeTotalMass, res.Budget[0].Purpose)
	assert.Equal(t, privacy.PurposeTransitionCounts, res.Budget[3].Purpose)

	for _, stage := range []string{StageExtent, StageSizing, StageLevel1, StageLevel2, StageCounts, StageFilter, StageGenerate, StageTranslate} {
		assert.Contains(t, res.Stats.StageDurations, stage)
	}
	runs, err := promtest.GatherAndCount(pm.Registry(), "privtrace_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
}

func TestRunIsReproducibleWithSeededNoise(t *testing.T) {
	set := testutil.Walks(t, 300, 2)

	run := func() *Result {
		s, err := NewSynthesizer(testParams(), nil, nil, nil)
		require.NoError(t, err)
		res, err := s.Run(context.Background(), set)
		require.NoError(t, err)
		return res
	}

	first, second := run(), run()
	assert.Equal(t, first.Stats.Resolution, second.Stats.Resolution)
	assert.Equal(t, first.States, second.States)
	assert.Equal(t, first.Trajectories, second.Trajectories)
	assert.NotEqual(t, first.Stats.RunID, second.Stats.RunID)
}

func TestRunHonoursTrajectoryCount(t *testing.T) {
	p := testParams()
	p.TrajectoriesToGenerate = 57
	p.GenerationWorkers = 4

	s, err := NewSynthesizer(p, nil, nil, nil)
	require.NoError(t, err)
	res, err := s.Run(context.Background(), testutil.Walks(t, 300, 3))
	require.NoError(t, err)
	assert.Len(t, res.Trajectories, 57)
}

func TestRunDegenerateGrid(t *testing.T) {
	p := testParams()
	p.Level1Constant = 0
	set := testutil.Walks(t, 20, 4)

	s, err := NewSynthesizer(p, nil, nil, nil)
	require.NoError(t, err)
	_, err = s.Run(context.Background(), set)
	require.Error(t, err)
	assert.True(t, errors.IsDegenerateGrid(err))

	p.FallbackMinimumGrid = true
	s, err = NewSynthesizer(p, nil, nil, nil)
	require.NoError(t, err)
	res, err := s.Run(context.Background(), set)
	require.NoError(t, err)
	assert.True(t, res.Stats.FallbackGrid)
	assert.Equal(t, 2, res.Stats.Resolution)
}

func TestRunEmptyDataset(t *testing.T) {
	s, err := NewSynthesizer(testParams(), nil, nil, nil)
	require.NoError(t, err)

	_, err = s.Run(context.Background(), models.TrajectorySet{{}, {}})
	assert.ErrorIs(t, err, errors.ErrEmptyDataset)
}

func TestRunCancelled(t *testing.T) {
	s, err := NewSynthesizer(testParams(), nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx, testutil.Walks(t, 50, 5))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSynthesizerRejectsInvalidParameters(t *testing.T) {
	p := testParams()
	p.Partition = privacy.Partition{Density: 0.5, Structure: 0.5, Transition: 0.5}

	_, err := NewSynthesizer(p, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestBuildModelSkipsGeneration(t *testing.T) {
	s, err := NewSynthesizer(testParams(), nil, nil, nil)
	require.NoError(t, err)

	res, err := s.BuildModel(context.Background(), testutil.Walks(t, 300, 6))
	require.NoError(t, err)
	require.NotNil(t, res.Model)
	assert.Empty(t, res.Trajectories)
	assert.NotContains(t, res.Stats.StageDurations, StageGenerate)
	assert.Greater(t, res.Stats.ActiveStates, 2)
}

func TestNoisySubcellsReleasesOnlySubdividedCells(t *testing.T) {
	level1, err := discretization.BuildLevel1Grid(discretization.SpatialExtent{Top: 10, Right: 10}, 2)
	require.NoError(t, err)
	sizer := &discretization.Sizer{Level2Constant: 1}
	g, err := discretization.BuildLevel2Grid(level1, []float64{4, 0, 0, 0}, sizer, nil)
	require.NoError(t, err)

	s, err := NewSynthesizer(testParams(), privacy.NewLaplaceMechanism(rand.New(rand.NewSource(1))), nil, nil)
	require.NoError(t, err)

	raw := [][]float64{{1, 2, 3, 4}, {7}, {8}, {9}}
	out, err := s.noisySubcells(context.Background(), g, raw, 1)
	require.NoError(t, err)

	require.Len(t, out[0], 4)
	assert.Equal(t, []float64{0}, out[1])
	assert.Equal(t, []float64{0}, out[3])
}
