package discretization

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/privtrace/internal/privacy"
	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

func squareExtent() SpatialExtent {
	return SpatialExtent{Top: 10, Bottom: 0, Left: 0, Right: 10}
}

func TestBuildExtent(t *testing.T) {
	set := models.TrajectorySet{
		{{X: 1, Y: 2}, {X: -3, Y: 4}},
		{{X: 7, Y: -1}},
		{},
	}

	extent, err := BuildExtent(set)
	require.NoError(t, err)
	assert.Equal(t, SpatialExtent{Top: 4, Bottom: -1, Left: -3, Right: 7}, extent)
	assert.Equal(t, 10.0, extent.Width())
	assert.Equal(t, 5.0, extent.Height())
}

func TestBuildExtentEmpty(t *testing.T) {
	_, err := BuildExtent(models.TrajectorySet{{}, {}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrEmptyDataset)
}

func TestSizerLevel1(t *testing.T) {
	tests := []struct {
		name     string
		mode     privacy.SizingMode
		constant float64
		mass     float64
		want     int
	}{
		{"repository default constant", privacy.SizingModeRepository, 0, 1_000_000, 40},
		{"repository explicit constant", privacy.SizingModeRepository, 600, 1_000_000, 40},
		{"repository clamped", privacy.SizingModeRepository, 600, 1e9, 60},
		{"paper rounds down", privacy.SizingModePaper, constants.CalibrationGeoLife, 3000, 2},
		{"paper rounds up", privacy.SizingModePaper, constants.CalibrationGeoLife, 5000, 3},
		{"paper porto", privacy.SizingModePaper, constants.CalibrationPorto, 120_000, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Sizer{Mode: tt.mode, Level1Constant: tt.constant, MaxLevel1: constants.MaxLevel1Resolution}
			k, err := s.Level1(tt.mass)
			require.NoError(t, err)
			assert.Equal(t, tt.want, k)
		})
	}
}

func TestSizerLevel1Degenerate(t *testing.T) {
	for _, mass := range []float64{0, -10, math.NaN(), 1000} {
		s := &Sizer{Mode: privacy.SizingModeRepository}
		k, err := s.Level1(mass)
		require.Error(t, err, "mass %v", mass)
		assert.Zero(t, k)
		assert.ErrorIs(t, err, errors.ErrDegenerateGrid)
	}

	// Paper mode rounds 1.49 down to 1.
	s := &Sizer{Mode: privacy.SizingModePaper, Level1Constant: 1000}
	_, err := s.Level1(2200)
	assert.True(t, errors.IsDegenerateGrid(err))
}

func TestSizerLevel1IsDeterministic(t *testing.T) {
	for _, share := range []float64{0.1, 0.2, 0.5, 0.8} {
		p := privacy.DefaultParameters()
		p.Partition = privacy.Partition{Density: share, Structure: (1 - share) / 2, Transition: (1 - share) / 2}
		require.NoError(t, p.Validate())

		s := NewSizer(p)
		k1, err1 := s.Level1(12345)
		k2, err2 := s.Level1(12345)
		assert.Equal(t, k1, k2)
		assert.Equal(t, err1, err2)
		if err1 == nil {
			assert.Greater(t, k1, 1)
		}
	}
}

func TestSizerLevel1Configuration(t *testing.T) {
	_, err := (&Sizer{Mode: privacy.SizingModePaper}).Level1(5000)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))

	_, err = (&Sizer{Mode: "hexagonal"}).Level1(5000)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestSizerLevel2(t *testing.T) {
	s := &Sizer{Level2Constant: 200, MaxLevel2: constants.MaxLevel2Resolution}
	assert.Equal(t, 3, s.Level2(1000, 10))
	assert.Equal(t, 1, s.Level2(100, 10))
	assert.Equal(t, 1, s.Level2(0, 10))
	assert.Equal(t, 1, s.Level2(-4, 10))
	assert.Equal(t, 2, s.Level2(800, 10))
}

func TestSizerLevel2Population(t *testing.T) {
	s := &Sizer{
		Population:           5000,
		PopulationNormalizer: constants.DefaultPopulationNormalizer,
		MaxLevel2:            constants.MaxLevel2Resolution,
	}
	assert.Equal(t, 1, s.Level2(100, 10))
	assert.Equal(t, 4, s.Level2(2000, 20))

	// The legacy normalizer explodes and hits the cap.
	s.PopulationNormalizer = constants.LegacyPopulationNormalizer
	assert.Equal(t, constants.MaxLevel2Resolution, s.Level2(100, 10))
}

func TestSizerLevel2LegacyNormalizer(t *testing.T) {
	assert.Equal(t, 19.0, float64(constants.LegacyPopulationNormalizer))

	s := &Sizer{
		Population:           1,
		PopulationNormalizer: constants.LegacyPopulationNormalizer,
		MaxLevel2:            constants.MaxLevel2Resolution,
	}
	// ceil(sqrt(100 * 10 * 1 / 19)) = ceil(7.25)
	assert.Equal(t, 8, s.Level2(100, 10))
	// ceil(sqrt(19 * 1 * 1 / 19))
	assert.Equal(t, 1, s.Level2(19, 1))
	// ceil(sqrt(76 * 1 * 1 / 19))
	assert.Equal(t, 2, s.Level2(76, 1))
}

func TestBuildLevel1Grid(t *testing.T) {
	g, err := BuildLevel1Grid(squareExtent(), 2)
	require.NoError(t, err)

	assert.Equal(t, 2, g.Resolution())
	assert.Equal(t, 4, g.NumCells())
	assert.Equal(t, 4, g.NumUsable())
	assert.Equal(t, 6, g.NumStates())
	assert.Equal(t, 4, g.Start())
	assert.Equal(t, 5, g.End())
	assert.Equal(t, []float64{0, 5, 10}, g.XEdges())
	assert.Equal(t, []float64{0, 5, 10}, g.YEdges())

	for s := 0; s < 4; s++ {
		b, ok := g.Bounds(s)
		require.True(t, ok)
		assert.Equal(t, 5.0, b.X.Length())
		assert.Equal(t, 5.0, b.Y.Length())
	}

	_, ok := g.Bounds(g.Start())
	assert.False(t, ok)
}

func TestBuildLevel1GridRejectsSmallK(t *testing.T) {
	_, err := BuildLevel1Grid(squareExtent(), 1)
	assert.ErrorIs(t, err, errors.ErrDegenerateGrid)
}

func TestBuildLevel1GridNonSquareExtent(t *testing.T) {
	g, err := BuildLevel1Grid(SpatialExtent{Top: 4, Bottom: 0, Left: 0, Right: 20}, 4)
	require.NoError(t, err)

	b, ok := g.Bounds(0)
	require.True(t, ok)
	assert.Equal(t, 5.0, b.X.Length())
	assert.Equal(t, 1.0, b.Y.Length())
}

func TestBuildLevel1GridFlatExtent(t *testing.T) {
	g, err := BuildLevel1Grid(SpatialExtent{Top: 3, Bottom: 3, Left: 0, Right: 10}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, g.Extent().Height())
}

func TestAssignThreeQuadrants(t *testing.T) {
	g, err := BuildLevel1Grid(squareExtent(), 2)
	require.NoError(t, err)

	traj := models.Trajectory{{X: 2, Y: 2}, {X: 7, Y: 2}, {X: 7, Y: 7}}
	states := Assign(traj, g)

	require.Len(t, states, 5)
	assert.Equal(t, models.StateTrajectory{g.Start(), 0, 1, 3, g.End()}, states)
}

func TestAssignKeepsSelfTransitions(t *testing.T) {
	g, err := BuildLevel1Grid(squareExtent(), 2)
	require.NoError(t, err)

	states := Assign(models.Trajectory{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 8, Y: 8}}, g)
	assert.Equal(t, models.StateTrajectory{4, 0, 0, 3, 5}, states)
}

func TestAssignBoundaryGoesToLowerBin(t *testing.T) {
	g, err := BuildLevel1Grid(squareExtent(), 2)
	require.NoError(t, err)

	assert.Equal(t, 0, g.Locate(models.Point{X: 5, Y: 5}))
	assert.Equal(t, 0, g.Locate(models.Point{X: 0, Y: 0}))
	assert.Equal(t, 3, g.Locate(models.Point{X: 10, Y: 10}))
	assert.Equal(t, 1, g.Locate(models.Point{X: 5.0001, Y: 5}))
	// Outside the extent clamps to the border cells.
	assert.Equal(t, 3, g.Locate(models.Point{X: 11, Y: 12}))
}

func TestAssignIsIdempotent(t *testing.T) {
	g, err := BuildLevel1Grid(squareExtent(), 3)
	require.NoError(t, err)

	traj := models.Trajectory{{X: 0.3, Y: 9.1}, {X: 4.4, Y: 4.4}, {X: 9.9, Y: 0.1}, {X: 6.6, Y: 3.3}}
	first := Assign(traj, g)
	second := Assign(traj, g)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Assign not idempotent (-first +second):\n%s", diff)
	}
}

func TestLevel1Densities(t *testing.T) {
	g, err := BuildLevel1Grid(squareExtent(), 2)
	require.NoError(t, err)

	set := models.TrajectorySet{
		{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}, {X: 4, Y: 4}},
		{{X: 1, Y: 1}, {X: 9, Y: 9}},
		{},
	}
	d := Level1Densities(set, g)

	assert.InDeltaSlice(t, []float64{1.5, 0, 0, 0.5}, d, 1e-12)
}

func subdividedGrid(t *testing.T) *Grid {
	t.Helper()
	level1, err := BuildLevel1Grid(squareExtent(), 2)
	require.NoError(t, err)

	sizer := &Sizer{Level2Constant: 200, MaxLevel2: constants.MaxLevel2Resolution}
	g, err := BuildLevel2Grid(level1, []float64{1000, 0, 50, -3}, sizer, logrus.New())
	require.NoError(t, err)
	return g
}

func TestBuildLevel2Grid(t *testing.T) {
	g := subdividedGrid(t)

	assert.Equal(t, 3, g.Kappa(0))
	assert.Equal(t, 1, g.Kappa(1))
	assert.Equal(t, 1, g.SubdividedCells())
	// Before the mass rule every sub-cell is usable: 9 + 3 level-1 cells.
	assert.Equal(t, 12, g.NumUsable())

	_, ok := g.StateOf(CellID{Level1: 0, Level2: NoSubcell})
	assert.False(t, ok)
}

func TestBuildLevel2GridLengthMismatch(t *testing.T) {
	level1, err := BuildLevel1Grid(squareExtent(), 2)
	require.NoError(t, err)

	_, err = BuildLevel2Grid(level1, []float64{1, 2}, &Sizer{}, nil)
	require.Error(t, err)
}

func TestAssignStatesFallback(t *testing.T) {
	g := subdividedGrid(t)

	noisy := [][]float64{
		{5, 0, 0, 0, 5, 0, 0, 0, 0.5},
		{0},
		{0},
		{0},
	}
	g, err := AssignStates(g, noisy, 1)
	require.NoError(t, err)

	assert.Equal(t, 6, g.NumUsable())
	assert.Equal(t, 6, g.Start())
	assert.Equal(t, 7, g.End())

	cell, ok := g.CellOf(0)
	require.True(t, ok)
	assert.Equal(t, CellID{Level1: 0, Level2: NoSubcell}, cell)
	cell, _ = g.CellOf(1)
	assert.Equal(t, CellID{Level1: 0, Level2: 0}, cell)
	cell, _ = g.CellOf(2)
	assert.Equal(t, CellID{Level1: 0, Level2: 4}, cell)
	cell, _ = g.CellOf(3)
	assert.Equal(t, CellID{Level1: 1, Level2: NoSubcell}, cell)

	assert.Equal(t, 1, g.Locate(models.Point{X: 0.5, Y: 0.5}))
	assert.Equal(t, 2, g.Locate(models.Point{X: 2.5, Y: 2.5}))
	assert.Equal(t, 0, g.Locate(models.Point{X: 4, Y: 0.5}))
	assert.Equal(t, 3, g.Locate(models.Point{X: 7, Y: 1}))

	b, ok := g.Bounds(2)
	require.True(t, ok)
	assert.InDelta(t, 5.0/3, b.X.Lo, 1e-12)
	assert.InDelta(t, 10.0/3, b.X.Hi, 1e-12)

	b, ok = g.Bounds(0)
	require.True(t, ok)
	assert.Equal(t, 5.0, b.X.Hi)
	assert.Equal(t, 5.0, b.Y.Hi)

	state, ok := g.StateOf(CellID{Level1: 0, Level2: 8})
	require.True(t, ok)
	assert.Equal(t, 0, state)
}

func TestAssignStatesDoesNotMutateInput(t *testing.T) {
	g := subdividedGrid(t)
	before := g.NumUsable()

	noisy := [][]float64{make([]float64, 9), {0}, {0}, {0}}
	out, err := AssignStates(g, noisy, 1)
	require.NoError(t, err)

	assert.Equal(t, before, g.NumUsable())
	assert.Equal(t, 4, out.NumUsable())
}

func TestSubcellDensities(t *testing.T) {
	g := subdividedGrid(t)

	set := models.TrajectorySet{
		{{X: 0.5, Y: 0.5}, {X: 2.5, Y: 2.5}},
		{{X: 7, Y: 7}},
	}
	d := SubcellDensities(set, g)

	require.Len(t, d, 4)
	require.Len(t, d[0], 9)
	assert.InDelta(t, 0.5, d[0][0], 1e-12)
	assert.InDelta(t, 0.5, d[0][4], 1e-12)
	assert.Equal(t, []float64{1}, d[3])
}
