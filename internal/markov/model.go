package markov

import (
	"fmt"
	"math"
	"sort"

	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
)

// Transition is one outgoing edge of a model row.
type Transition struct {
	To          int     `json:"to"`
	Probability float64 `json:"probability"`
}

// Model is a first-order Markov chain over grid states. It is immutable once built and
// safe for concurrent sampling.
type Model struct {
	start      int
	end        int
	states     []int
	rows       map[int][]Transition
	cumulative map[int][]float64
}

// ModelStats summarises the shape of a model.
type ModelStats struct {
	Rows          int     `json:"rows"`
	Transitions   int     `json:"transitions"`
	SelfLoops     int     `json:"self_loops"`
	MaxOutDegree  int     `json:"max_out_degree"`
	MeanOutDegree float64 `json:"mean_out_degree"`
}

// NewModel normalises the given weighted rows into a model. Rows are keyed by source
// state; weights must be non-negative and every row must have positive total weight.
func NewModel(start, end int, weighted map[int][]Transition) (*Model, error) {
	m := &Model{
		start:      start,
		end:        end,
		rows:       make(map[int][]Transition, len(weighted)),
		cumulative: make(map[int][]float64, len(weighted)),
	}

	for from, row := range weighted {
		total := 0.0
		for _, t := range row {
			if t.Probability < 0 || math.IsNaN(t.Probability) {
				return nil, errors.NewAppError(errors.ErrorTypeModel, errors.CodeInvalidModel,
					fmt.Sprintf("negative weight %f on %d -> %d", t.Probability, from, t.To))
			}
			total += t.Probability
		}
		if total <= 0 {
			return nil, errors.NewAppError(errors.ErrorTypeModel, errors.CodeEmptyRow,
				fmt.Sprintf("state %d has no outgoing weight", from))
		}

		normalised := make([]Transition, 0, len(row))
		for _, t := range row {
			if t.Probability == 0 {
				continue
			}
			normalised = append(normalised, Transition{To: t.To, Probability: t.Probability / total})
		}
		sort.Slice(normalised, func(i, j int) bool { return normalised[i].To < normalised[j].To })

		cum := make([]float64, len(normalised))
		acc := 0.0
		for i, t := range normalised {
			acc += t.Probability
			cum[i] = acc
		}
		cum[len(cum)-1] = 1

		m.rows[from] = normalised
		m.cumulative[from] = cum
		m.states = append(m.states, from)
	}
	sort.Ints(m.states)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Start returns the start state id.
func (m *Model) Start() int { return m.start }

// End returns the end state id.
func (m *Model) End() int { return m.end }

// States returns the states that own a row, in ascending order.
func (m *Model) States() []int { return append([]int(nil), m.states...) }

// Row returns a copy of the outgoing transitions of a state, sorted by destination.
func (m *Model) Row(state int) []Transition {
	return append([]Transition(nil), m.rows[state]...)
}

// Probability returns P(to | from), zero when the edge does not exist.
func (m *Model) Probability(from, to int) float64 {
	for _, t := range m.rows[from] {
		if t.To == to {
			return t.Probability
		}
	}
	return 0
}

// Next maps u in [0, 1) to a destination of the row of state. The second result is
// false when the state has no row.
func (m *Model) Next(state int, u float64) (int, bool) {
	cum, ok := m.cumulative[state]
	if !ok {
		return 0, false
	}
	i := sort.Search(len(cum), func(i int) bool { return cum[i] > u })
	if i == len(cum) {
		i = len(cum) - 1
	}
	return m.rows[state][i].To, true
}

// Validate checks the chain invariants: start has a row, end has none, nothing enters
// start, every destination owns a row or is end, and rows sum to 1.
func (m *Model) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.NewAppError(errors.ErrorTypeModel, errors.CodeInvalidModel, fmt.Sprintf(format, args...))
	}

	if _, ok := m.rows[m.start]; !ok {
		return invalid("start state %d has no row", m.start)
	}
	if _, ok := m.rows[m.end]; ok {
		return invalid("end state %d has outgoing transitions", m.end)
	}

	for from, row := range m.rows {
		sum := 0.0
		for _, t := range row {
			if t.To == m.start {
				return invalid("state %d transitions into start", from)
			}
			if _, ok := m.rows[t.To]; !ok && t.To != m.end {
				return invalid("state %d transitions into state %d which has no row", from, t.To)
			}
			if t.Probability <= 0 || t.Probability > 1 {
				return invalid("probability %f out of range on %d -> %d", t.Probability, from, t.To)
			}
			sum += t.Probability
		}
		if math.Abs(sum-1) > constants.RowSumTolerance {
			return invalid("row %d sums to %.12f", from, sum)
		}
	}
	return nil
}

// Stats reports the row and edge counts of the model.
func (m *Model) Stats() ModelStats {
	s := ModelStats{Rows: len(m.rows)}
	for from, row := range m.rows {
		s.Transitions += len(row)
		if len(row) > s.MaxOutDegree {
			s.MaxOutDegree = len(row)
		}
		for _, t := range row {
			if t.To == from {
				s.SelfLoops++
			}
		}
	}
	if s.Rows > 0 {
		s.MeanOutDegree = float64(s.Transitions) / float64(s.Rows)
	}
	return s
}
