package export

import (
	"context"
	"encoding/json"
	"io"

	"github.com/inferloop/privtrace/pkg/models"
)

// JSONExporter writes the set as an array of arrays of {x, y} objects.
type JSONExporter struct{}

// Name returns the exporter name
func (je *JSONExporter) Name() string {
	return "json"
}

// SupportedFormats returns supported formats
func (je *JSONExporter) SupportedFormats() []ExportFormat {
	return []ExportFormat{FormatJSON}
}

// Export exports trajectories to JSON format
func (je *JSONExporter) Export(ctx context.Context, writer io.Writer, data models.TrajectorySet, options ExportOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoder := json.NewEncoder(writer)
	if options.JSONOptions.Pretty {
		encoder.SetIndent("", "  ")
	}

	out := make([]models.Trajectory, len(data))
	for i, traj := range data {
		if traj == nil {
			traj = models.Trajectory{}
		}
		out[i] = traj
	}
	return encoder.Encode(out)
}

// ValidateOptions validates JSON export options
func (je *JSONExporter) ValidateOptions(options ExportOptions) error {
	return nil
}
