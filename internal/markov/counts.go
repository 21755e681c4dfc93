package markov

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/privtrace/internal/discretization"
	"github.com/inferloop/privtrace/internal/privacy"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

// Counts holds weighted transition counts over the active states of a grid. Active
// states are the usable states that carry raw traffic, followed by start and end.
// The row of end and the column of start are always zero.
type Counts struct {
	states []int
	index  map[int]int
	start  int
	end    int
	matrix *mat.Dense
}

// BuildCounts accumulates the transitions of the discretized trajectories. A trajectory
// with m transitions adds 1/m to each of them, so its total contribution is 1.
func BuildCounts(g *discretization.Grid, trajs []models.StateTrajectory) (*Counts, error) {
	start, end := g.Start(), g.End()

	seen := make(map[int]bool)
	for i, t := range trajs {
		for _, s := range t {
			if s < 0 || s >= g.NumStates() {
				return nil, errors.NewAppError(errors.ErrorTypeModel, errors.CodeInvalidModel,
					fmt.Sprintf("trajectory %d references unknown state %d", i, s))
			}
			if !g.IsTerminal(s) {
				seen[s] = true
			}
		}
	}

	states := make([]int, 0, len(seen)+2)
	for s := range seen {
		states = append(states, s)
	}
	sort.Ints(states)
	states = append(states, start, end)

	c := newCounts(states, start, end)
	for _, t := range trajs {
		m := len(t) - 1
		if m < 1 {
			continue
		}
		w := 1 / float64(m)
		for i := 0; i < m; i++ {
			from, to := c.index[t[i]], c.index[t[i+1]]
			if !c.admissible(from, to) {
				continue
			}
			c.matrix.Set(from, to, c.matrix.At(from, to)+w)
		}
	}
	return c, nil
}

func newCounts(states []int, start, end int) *Counts {
	index := make(map[int]int, len(states))
	for i, s := range states {
		index[s] = i
	}
	return &Counts{
		states: states,
		index:  index,
		start:  start,
		end:    end,
		matrix: mat.NewDense(len(states), len(states), nil),
	}
}

// States returns the active state ids in matrix order.
func (c *Counts) States() []int { return append([]int(nil), c.states...) }

// NumActive returns the number of active states, start and end included.
func (c *Counts) NumActive() int { return len(c.states) }

// RowWidth returns the number of admissible destinations of a row: every active
// state except start.
func (c *Counts) RowWidth() int { return len(c.states) - 1 }

// Start returns the start state id.
func (c *Counts) Start() int { return c.start }

// End returns the end state id.
func (c *Counts) End() int { return c.end }

// Count returns the weight of the transition from → to, zero for inactive states.
func (c *Counts) Count(from, to int) float64 {
	i, ok := c.index[from]
	if !ok {
		return 0
	}
	j, ok := c.index[to]
	if !ok {
		return 0
	}
	return c.matrix.At(i, j)
}

// Total returns the sum of all counts.
func (c *Counts) Total() float64 { return mat.Sum(c.matrix) }

// Dense returns a copy of the count matrix.
func (c *Counts) Dense() *mat.Dense { return mat.DenseCopyOf(c.matrix) }

func (c *Counts) admissible(from, to int) bool {
	return c.states[from] != c.end && c.states[to] != c.start
}

// AddNoise returns a copy of the counts with Laplace noise of sensitivity 1 added to
// every admissible pair, zero pairs included. Negative results are clamped to zero.
func AddNoise(ctx context.Context, c *Counts, src privacy.NoiseSource, epsilon float64) (*Counts, error) {
	n := len(c.states)

	flat := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if c.admissible(i, j) {
				flat = append(flat, c.matrix.At(i, j))
			}
		}
	}

	noisy, err := privacy.NoisyHistogram(ctx, src, flat, 1, epsilon, privacy.NonNegative())
	if err != nil {
		return nil, err
	}

	out := newCounts(c.states, c.start, c.end)
	k := 0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if c.admissible(i, j) {
				out.matrix.Set(i, j, noisy[k])
				k++
			}
		}
	}
	return out, nil
}
