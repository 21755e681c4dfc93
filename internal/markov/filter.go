package markov

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
)

// FilterReport describes what the filter removed.
type FilterReport struct {
	Threshold float64 `json:"threshold"`
	Kept      int     `json:"kept"`
	Dropped   int     `json:"dropped"`
	// EmptyRows lists the states whose row had no surviving entry and now go to end
	// with probability 1.
	EmptyRows []int `json:"empty_rows"`
}

// Threshold returns the minimum noisy count an entry needs to survive. With an explicit
// multiplier m the threshold is m·b. Otherwise it is b·ln(S / 2t), at least b, which
// bounds the expected number of pure-noise entries surviving in a row of width S by t.
func Threshold(scale float64, rowWidth int, multiplier, tolerance float64) float64 {
	if multiplier > 0 {
		return multiplier * scale
	}
	if tolerance <= 0 {
		tolerance = constants.DefaultFilterTolerance
	}
	factor := math.Log(float64(rowWidth) / (2 * tolerance))
	return scale * math.Max(1, factor)
}

// Filter drops every noisy entry below threshold and normalises the remaining rows.
// Every active state except end gets a row; a row with no survivors becomes a single
// transition to end.
func Filter(noisy *Counts, threshold float64, logger *logrus.Logger) (*Model, FilterReport, error) {
	if logger == nil {
		logger = logrus.New()
	}

	report := FilterReport{Threshold: threshold}
	rows := make(map[int][]Transition, len(noisy.states))

	for i, from := range noisy.states {
		if from == noisy.end {
			continue
		}

		var row []Transition
		for j, to := range noisy.states {
			if !noisy.admissible(i, j) {
				continue
			}
			v := noisy.matrix.At(i, j)
			if v <= 0 {
				continue
			}
			if v < threshold {
				report.Dropped++
				continue
			}
			row = append(row, Transition{To: to, Probability: v})
		}

		if len(row) == 0 {
			logger.WithFields(logrus.Fields{
				"state":     from,
				"threshold": threshold,
				"error":     errors.ErrEmptyModelRow,
			}).Warn("Model row has no surviving transitions, routing to end")
			report.EmptyRows = append(report.EmptyRows, from)
			row = []Transition{{To: noisy.end, Probability: 1}}
		} else {
			report.Kept += len(row)
		}
		rows[from] = row
	}

	model, err := NewModel(noisy.start, noisy.end, rows)
	if err != nil {
		return nil, report, err
	}

	logger.WithFields(logrus.Fields{
		"threshold":  threshold,
		"kept":       report.Kept,
		"dropped":    report.Dropped,
		"empty_rows": len(report.EmptyRows),
	}).Info("Filtered noisy transition counts")

	return model, report, nil
}
