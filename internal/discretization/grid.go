package discretization

import (
	"sort"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"

	"github.com/inferloop/privtrace/pkg/models"
)

const (
	// NoSubcell marks a cell id that refers to a whole level-1 cell.
	NoSubcell = -1
	// NoState marks a level-1 cell that has no state of its own because every one of
	// its sub-cells is usable.
	NoState = -1
)

// SpatialExtent is the bounding box of a trajectory dataset.
type SpatialExtent struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
}

// Rect returns the extent as a planar rectangle.
func (e SpatialExtent) Rect() r2.Rect {
	return r2.Rect{
		X: r1.Interval{Lo: e.Left, Hi: e.Right},
		Y: r1.Interval{Lo: e.Bottom, Hi: e.Top},
	}
}

// Width returns the horizontal size of the extent.
func (e SpatialExtent) Width() float64 { return e.Right - e.Left }

// Height returns the vertical size of the extent.
func (e SpatialExtent) Height() float64 { return e.Top - e.Bottom }

func extentFromRect(r r2.Rect) SpatialExtent {
	return SpatialExtent{Top: r.Y.Hi, Bottom: r.Y.Lo, Left: r.X.Lo, Right: r.X.Hi}
}

// CellID identifies a level-1 cell, or one of its sub-cells when Level2 is not
// NoSubcell. Sub-cells are numbered row-major: Level2 = row*κ + column.
type CellID struct {
	Level1 int `json:"level1"`
	Level2 int `json:"level2"`
}

// Cell is one level-1 cell with its optional level-2 subdivision.
type Cell struct {
	Index  int
	Bounds r2.Rect
	Kappa  int
	// XEdges and YEdges hold the κ+1 level-2 bin edges; nil when κ is 1.
	XEdges []float64
	YEdges []float64
	// State is the state of the whole cell, used directly when κ is 1 and as the
	// fallback of unusable sub-cells otherwise. NoState when there is no fallback.
	State int
	// SubStates maps every sub-cell to its state, which is State for fallbacks.
	SubStates []int
}

// Grid is the discretization outcome of one run. It is immutable once built and may be
// shared by concurrent readers.
type Grid struct {
	extent SpatialExtent
	k      int
	xEdges []float64
	yEdges []float64
	cells  []Cell
	states []CellID
}

// Extent returns the bounding box the grid covers.
func (g *Grid) Extent() SpatialExtent { return g.extent }

// Resolution returns the level-1 resolution K.
func (g *Grid) Resolution() int { return g.k }

// NumCells returns the number of level-1 cells, K².
func (g *Grid) NumCells() int { return len(g.cells) }

// Cell returns a copy of level-1 cell i.
func (g *Grid) Cell(i int) Cell { return g.cells[i] }

// Kappa returns the level-2 resolution of level-1 cell i.
func (g *Grid) Kappa(i int) int { return g.cells[i].Kappa }

// XEdges returns the level-1 bin edges along x.
func (g *Grid) XEdges() []float64 { return append([]float64(nil), g.xEdges...) }

// YEdges returns the level-1 bin edges along y.
func (g *Grid) YEdges() []float64 { return append([]float64(nil), g.yEdges...) }

// NumUsable returns the number of usable cell states.
func (g *Grid) NumUsable() int { return len(g.states) }

// NumStates returns the size of the state space including start and end.
func (g *Grid) NumStates() int { return len(g.states) + 2 }

// Start returns the synthetic trajectory-start state.
func (g *Grid) Start() int { return len(g.states) }

// End returns the synthetic trajectory-end state.
func (g *Grid) End() int { return len(g.states) + 1 }

// IsTerminal reports whether s is the start or end state.
func (g *Grid) IsTerminal(s int) bool { return s == g.Start() || s == g.End() }

// SubdividedCells returns how many level-1 cells have κ > 1.
func (g *Grid) SubdividedCells() int {
	n := 0
	for _, c := range g.cells {
		if c.Kappa > 1 {
			n++
		}
	}
	return n
}

// StateOf returns the state id of a cell. Unusable sub-cells resolve to their parent.
func (g *Grid) StateOf(id CellID) (int, bool) {
	if id.Level1 < 0 || id.Level1 >= len(g.cells) {
		return 0, false
	}
	c := g.cells[id.Level1]
	if id.Level2 == NoSubcell {
		if c.State == NoState {
			return 0, false
		}
		return c.State, true
	}
	if id.Level2 < 0 || id.Level2 >= len(c.SubStates) {
		return 0, false
	}
	return c.SubStates[id.Level2], true
}

// CellOf returns the cell a usable state stands for.
func (g *Grid) CellOf(state int) (CellID, bool) {
	if state < 0 || state >= len(g.states) {
		return CellID{}, false
	}
	return g.states[state], true
}

// Bounds returns the geometric bounds of a usable state: the sub-cell for level-2
// states, the whole level-1 cell otherwise.
func (g *Grid) Bounds(state int) (r2.Rect, bool) {
	id, ok := g.CellOf(state)
	if !ok {
		return r2.EmptyRect(), false
	}
	c := g.cells[id.Level1]
	if id.Level2 == NoSubcell {
		return c.Bounds, true
	}
	row, col := id.Level2/c.Kappa, id.Level2%c.Kappa
	return r2.Rect{
		X: r1.Interval{Lo: c.XEdges[col], Hi: c.XEdges[col+1]},
		Y: r1.Interval{Lo: c.YEdges[row], Hi: c.YEdges[row+1]},
	}, true
}

// Locate returns the state of the innermost cell containing p.
func (g *Grid) Locate(p models.Point) int {
	id := g.locateCell(p)
	s, _ := g.StateOf(id)
	return s
}

// locateCell returns the innermost cell containing p.
func (g *Grid) locateCell(p models.Point) CellID {
	i := g.level1Index(p)
	c := g.cells[i]
	if c.Kappa == 1 {
		return CellID{Level1: i, Level2: NoSubcell}
	}
	return CellID{Level1: i, Level2: subIndex(c, p)}
}

func (g *Grid) level1Index(p models.Point) int {
	col := binIndex(g.xEdges, p.X)
	row := binIndex(g.yEdges, p.Y)
	return row*g.k + col
}

func subIndex(c Cell, p models.Point) int {
	col := binIndex(c.XEdges, p.X)
	row := binIndex(c.YEdges, p.Y)
	return row*c.Kappa + col
}

// binIndex returns the bin of v among len(edges)-1 bins. A value on an interior edge
// belongs to the lower-indexed bin; values outside the edges go to the border bins.
func binIndex(edges []float64, v float64) int {
	n := len(edges) - 1
	i := sort.SearchFloat64s(edges, v) - 1
	switch {
	case i < 0:
		return 0
	case i >= n:
		return n - 1
	}
	return i
}

// uniformEdges splits [lo, hi] into n equal bins, keeping both ends exact.
func uniformEdges(lo, hi float64, n int) []float64 {
	edges := make([]float64, n+1)
	step := (hi - lo) / float64(n)
	for i := 0; i < n; i++ {
		edges[i] = lo + float64(i)*step
	}
	edges[n] = hi
	return edges
}

func (g *Grid) clone() *Grid {
	out := &Grid{
		extent: g.extent,
		k:      g.k,
		xEdges: g.xEdges,
		yEdges: g.yEdges,
		cells:  make([]Cell, len(g.cells)),
	}
	for i, c := range g.cells {
		c.SubStates = append([]int(nil), c.SubStates...)
		out.cells[i] = c
	}
	return out
}

// enumerate assigns dense state ids in canonical order: level-1 cells row-major, and
// inside a subdivided cell its fallback state first, then usable sub-cells row-major.
func (g *Grid) enumerate(usable func(cell, sub int) bool) {
	g.states = g.states[:0]
	for i := range g.cells {
		c := &g.cells[i]
		if c.Kappa == 1 {
			c.State = len(g.states)
			c.SubStates = []int{c.State}
			g.states = append(g.states, CellID{Level1: i, Level2: NoSubcell})
			continue
		}

		n := c.Kappa * c.Kappa
		fallback := false
		for j := 0; j < n; j++ {
			if !usable(i, j) {
				fallback = true
				break
			}
		}

		c.State = NoState
		if fallback {
			c.State = len(g.states)
			g.states = append(g.states, CellID{Level1: i, Level2: NoSubcell})
		}

		c.SubStates = make([]int, n)
		for j := 0; j < n; j++ {
			if usable(i, j) {
				c.SubStates[j] = len(g.states)
				g.states = append(g.states, CellID{Level1: i, Level2: j})
			} else {
				c.SubStates[j] = c.State
			}
		}
	}
}
