package export

import (
	"bufio"
	"context"
	"io"
	"strconv"

	"github.com/inferloop/privtrace/pkg/models"
)

// DatExporter writes the trajectory dataset format: a `#<id>:` header line followed
// by `>0:x1,y1;x2,y2;...;` per trajectory. Ids are renumbered from 0.
type DatExporter struct{}

// Name returns the exporter name
func (de *DatExporter) Name() string {
	return "dat"
}

// SupportedFormats returns supported formats
func (de *DatExporter) SupportedFormats() []ExportFormat {
	return []ExportFormat{FormatDat}
}

// Export exports trajectories in the dataset format
func (de *DatExporter) Export(ctx context.Context, writer io.Writer, data models.TrajectorySet, options ExportOptions) error {
	w := bufio.NewWriter(writer)

	for id, traj := range data {
		if id%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		w.WriteByte('#')
		w.WriteString(strconv.Itoa(id))
		w.WriteString(":\n>0:")
		for _, p := range traj {
			w.WriteString(formatCoordinate(p.X, options.Precision))
			w.WriteByte(',')
			w.WriteString(formatCoordinate(p.Y, options.Precision))
			w.WriteByte(';')
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ValidateOptions validates dat export options
func (de *DatExporter) ValidateOptions(options ExportOptions) error {
	return nil
}
