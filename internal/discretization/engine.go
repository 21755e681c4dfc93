package discretization

import (
	"fmt"
	"math"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

// BuildExtent returns the bounding box of every point of the dataset.
func BuildExtent(set models.TrajectorySet) (SpatialExtent, error) {
	rect := r2.EmptyRect()
	for _, t := range set {
		for _, p := range t {
			rect = rect.AddPoint(r2.Point{X: p.X, Y: p.Y})
		}
	}
	if rect.IsEmpty() {
		return SpatialExtent{}, errors.WrapError(errors.ErrEmptyDataset, errors.ErrorTypeValidation,
			errors.CodeEmptyDataset, "cannot compute the extent of a dataset without points")
	}
	return extentFromRect(rect), nil
}

// BuildLevel1Grid partitions the extent into K×K equal-area cells. An axis of zero
// length is widened by one unit around its coordinate so that cells keep a positive
// area. Every cell starts as its own usable state.
func BuildLevel1Grid(extent SpatialExtent, k int) (*Grid, error) {
	if k < 2 {
		return nil, errors.NewDegenerateGridError(float64(k), math.NaN())
	}

	if extent.Width() <= 0 {
		extent.Left -= 0.5
		extent.Right += 0.5
	}
	if extent.Height() <= 0 {
		extent.Bottom -= 0.5
		extent.Top += 0.5
	}

	g := &Grid{
		extent: extent,
		k:      k,
		xEdges: uniformEdges(extent.Left, extent.Right, k),
		yEdges: uniformEdges(extent.Bottom, extent.Top, k),
		cells:  make([]Cell, k*k),
	}

	for row := 0; row < k; row++ {
		for col := 0; col < k; col++ {
			i := row*k + col
			g.cells[i] = Cell{
				Index: i,
				Bounds: r2.Rect{
					X: r1.Interval{Lo: g.xEdges[col], Hi: g.xEdges[col+1]},
					Y: r1.Interval{Lo: g.yEdges[row], Hi: g.yEdges[row+1]},
				},
				Kappa: 1,
			}
		}
	}
	g.enumerate(func(int, int) bool { return true })
	return g, nil
}

// Level1Densities counts the mass of every level-1 cell. Each trajectory carries a
// total weight of 1 spread evenly over its points, so one trajectory changes the
// histogram by at most 1 in L1 norm.
func Level1Densities(set models.TrajectorySet, g *Grid) []float64 {
	densities := make([]float64, g.NumCells())
	for _, t := range set {
		if len(t) == 0 {
			continue
		}
		w := 1 / float64(len(t))
		for _, p := range t {
			densities[g.level1Index(p)] += w
		}
	}
	return densities
}

// BuildLevel2Grid subdivides every level-1 cell into κ_i×κ_i equal-area sub-cells,
// κ_i chosen by the sizer from the cell's noisy density. All sub-cells start as usable
// states; AssignStates applies the minimum-mass rule.
func BuildLevel2Grid(level1 *Grid, noisyDensities []float64, sizer *Sizer, logger *logrus.Logger) (*Grid, error) {
	if len(noisyDensities) != level1.NumCells() {
		return nil, errors.NewAppError(errors.ErrorTypeDiscretization, errors.CodeGridMismatch,
			fmt.Sprintf("expected %d level-1 densities, got %d", level1.NumCells(), len(noisyDensities)))
	}
	if logger == nil {
		logger = logrus.New()
	}

	g := level1.clone()
	for i := range g.cells {
		c := &g.cells[i]
		c.Kappa = sizer.Level2(noisyDensities[i], g.k)
		c.XEdges, c.YEdges = nil, nil
		if c.Kappa > 1 {
			c.XEdges = uniformEdges(c.Bounds.X.Lo, c.Bounds.X.Hi, c.Kappa)
			c.YEdges = uniformEdges(c.Bounds.Y.Lo, c.Bounds.Y.Hi, c.Kappa)
			logger.WithFields(logrus.Fields{
				"cell":    i,
				"density": noisyDensities[i],
				"kappa":   c.Kappa,
			}).Debug("Subdividing level-1 cell")
		}
	}
	g.enumerate(func(int, int) bool { return true })
	return g, nil
}

// SubcellDensities counts the mass of every sub-cell with the same per-trajectory
// weighting as Level1Densities. Cells with κ = 1 report a single entry.
func SubcellDensities(set models.TrajectorySet, g *Grid) [][]float64 {
	densities := make([][]float64, g.NumCells())
	for i, c := range g.cells {
		densities[i] = make([]float64, c.Kappa*c.Kappa)
	}
	for _, t := range set {
		if len(t) == 0 {
			continue
		}
		w := 1 / float64(len(t))
		for _, p := range t {
			id := g.locateCell(p)
			sub := id.Level2
			if sub == NoSubcell {
				sub = 0
			}
			densities[id.Level1][sub] += w
		}
	}
	return densities
}

// AssignStates fixes the canonical state enumeration. A sub-cell whose noisy mass is
// below minMass gets no state of its own; its traffic goes to the parent cell's
// fallback state.
func AssignStates(g *Grid, noisySubcell [][]float64, minMass float64) (*Grid, error) {
	if len(noisySubcell) != g.NumCells() {
		return nil, errors.NewAppError(errors.ErrorTypeDiscretization, errors.CodeGridMismatch,
			fmt.Sprintf("expected sub-cell densities for %d cells, got %d", g.NumCells(), len(noisySubcell)))
	}
	for i, c := range g.cells {
		if c.Kappa > 1 && len(noisySubcell[i]) != c.Kappa*c.Kappa {
			return nil, errors.NewAppError(errors.ErrorTypeDiscretization, errors.CodeGridMismatch,
				fmt.Sprintf("cell %d has %d sub-cells, got %d densities", i, c.Kappa*c.Kappa, len(noisySubcell[i])))
		}
	}

	out := g.clone()
	out.enumerate(func(cell, sub int) bool {
		return noisySubcell[cell][sub] >= minMass
	})
	return out, nil
}

// Assign maps every point of a trajectory to the state of its innermost cell, in time
// order, between the start and end states. Consecutive repeats are kept.
func Assign(t models.Trajectory, g *Grid) models.StateTrajectory {
	out := make(models.StateTrajectory, 0, len(t)+2)
	out = append(out, g.Start())
	for _, p := range t {
		out = append(out, g.Locate(p))
	}
	return append(out, g.End())
}

// AssignAll discretizes every trajectory of the set.
func AssignAll(set models.TrajectorySet, g *Grid) []models.StateTrajectory {
	out := make([]models.StateTrajectory, len(set))
	for i, t := range set {
		out[i] = Assign(t, g)
	}
	return out
}
