package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/inferloop/privtrace/pkg/models"
)

// CSVExporter writes one row per point: trajectory_id, seq, x, y.
type CSVExporter struct{}

// Name returns the exporter name
func (ce *CSVExporter) Name() string {
	return "csv"
}

// SupportedFormats returns supported formats
func (ce *CSVExporter) SupportedFormats() []ExportFormat {
	return []ExportFormat{FormatCSV}
}

// Export exports trajectories to CSV format
func (ce *CSVExporter) Export(ctx context.Context, writer io.Writer, data models.TrajectorySet, options ExportOptions) error {
	delimiter := options.CSVOptions.Delimiter
	if delimiter == "" {
		delimiter = ","
	}

	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rune(delimiter[0])

	if options.IncludeHeaders {
		if err := csvWriter.Write([]string{"trajectory_id", "seq", "x", "y"}); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for id, traj := range data {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for seq, p := range traj {
			row := []string{
				strconv.Itoa(id),
				strconv.Itoa(seq),
				formatCoordinate(p.X, options.Precision),
				formatCoordinate(p.Y, options.Precision),
			}
			if err := csvWriter.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// ValidateOptions validates CSV export options
func (ce *CSVExporter) ValidateOptions(options ExportOptions) error {
	if options.CSVOptions.Delimiter != "" && len(options.CSVOptions.Delimiter) != 1 {
		return fmt.Errorf("CSV delimiter must be a single character")
	}
	return nil
}
