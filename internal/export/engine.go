package export

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

// ExportEngine writes trajectory sets in the registered formats.
type ExportEngine struct {
	logger    *logrus.Logger
	mu        sync.RWMutex
	exporters map[string]Exporter
}

// ExportFormat defines supported export formats
type ExportFormat string

const (
	FormatDat  ExportFormat = "dat"
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// CompressionType defines compression options
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
)

// ExportOptions contains export-specific options
type ExportOptions struct {
	IncludeHeaders bool `json:"include_headers"`
	// Precision is the number of decimals of coordinates; 0 keeps the shortest exact
	// representation.
	Precision int `json:"precision"`

	CSVOptions  CSVOptions  `json:"csv_options,omitempty"`
	JSONOptions JSONOptions `json:"json_options,omitempty"`
}

// CSVOptions contains CSV-specific options
type CSVOptions struct {
	Delimiter string `json:"delimiter"`
}

// JSONOptions contains JSON-specific options
type JSONOptions struct {
	Pretty bool `json:"pretty"`
}

// Exporter interface for format-specific exporters
type Exporter interface {
	Name() string
	SupportedFormats() []ExportFormat
	Export(ctx context.Context, writer io.Writer, data models.TrajectorySet, options ExportOptions) error
	ValidateOptions(options ExportOptions) error
}

// NewExportEngine creates an engine with the dat, CSV and JSON exporters registered.
func NewExportEngine(logger *logrus.Logger) *ExportEngine {
	if logger == nil {
		logger = logrus.New()
	}

	engine := &ExportEngine{
		logger:    logger,
		exporters: make(map[string]Exporter),
	}
	engine.RegisterExporter(&DatExporter{})
	engine.RegisterExporter(&CSVExporter{})
	engine.RegisterExporter(&JSONExporter{})
	return engine
}

// RegisterExporter registers a custom exporter
func (ee *ExportEngine) RegisterExporter(exporter Exporter) {
	ee.mu.Lock()
	defer ee.mu.Unlock()

	ee.exporters[exporter.Name()] = exporter
	ee.logger.WithField("exporter", exporter.Name()).Debug("Registered exporter")
}

// ExportTrajectories writes data to writer in the given format.
func (ee *ExportEngine) ExportTrajectories(ctx context.Context, data models.TrajectorySet, format ExportFormat, writer io.Writer, options ExportOptions) error {
	ee.mu.RLock()
	exporter, exists := ee.findExporterForFormat(format)
	ee.mu.RUnlock()

	if !exists {
		return errors.WrapError(errors.ErrInvalidFormat, errors.ErrorTypeValidation, errors.CodeInvalidFormat,
			fmt.Sprintf("no exporter found for format %s", format))
	}

	if err := exporter.ValidateOptions(options); err != nil {
		return fmt.Errorf("invalid export options: %w", err)
	}

	start := time.Now()
	err := exporter.Export(ctx, writer, data, options)

	ee.logger.WithFields(logrus.Fields{
		"format":       format,
		"trajectories": len(data),
		"duration":     time.Since(start),
	}).Debug("Export completed")

	return err
}

// ExportToFile creates path, including missing directories, and writes data to it.
func (ee *ExportEngine) ExportToFile(ctx context.Context, data models.TrajectorySet, format ExportFormat, path string, compression CompressionType, options ExportOptions) error {
	out, err := createOutputFile(path, compression)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create %s", path))
	}

	if err := ee.ExportTrajectories(ctx, data, format, out, options); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to close %s", path))
	}

	ee.logger.WithFields(logrus.Fields{
		"path":         path,
		"format":       format,
		"trajectories": len(data),
	}).Info("Wrote synthetic trajectories")
	return nil
}

// GetSupportedFormats returns all supported export formats, sorted.
func (ee *ExportEngine) GetSupportedFormats() []ExportFormat {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	formats := make(map[ExportFormat]bool)
	for _, exporter := range ee.exporters {
		for _, format := range exporter.SupportedFormats() {
			formats[format] = true
		}
	}

	result := make([]ExportFormat, 0, len(formats))
	for format := range formats {
		result = append(result, format)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// IsSupported reports whether an exporter is registered for format.
func (ee *ExportEngine) IsSupported(format ExportFormat) bool {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	_, ok := ee.findExporterForFormat(format)
	return ok
}

// FormatFromPath infers the format from a file extension, ignoring a trailing .gz.
func FormatFromPath(path string) (ExportFormat, bool) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ".gz")))
	switch ExportFormat(strings.TrimPrefix(ext, ".")) {
	case FormatDat:
		return FormatDat, true
	case FormatCSV:
		return FormatCSV, true
	case FormatJSON:
		return FormatJSON, true
	}
	return "", false
}

// ContentType returns the MIME type used when uploading a format.
func ContentType(format ExportFormat) string {
	switch format {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	}
	return "text/plain"
}

func (ee *ExportEngine) findExporterForFormat(format ExportFormat) (Exporter, bool) {
	for _, exporter := range ee.exporters {
		for _, supported := range exporter.SupportedFormats() {
			if supported == format {
				return exporter, true
			}
		}
	}
	return nil, false
}

func formatCoordinate(v float64, precision int) string {
	if precision <= 0 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}

func createOutputFile(path string, compression CompressionType) (io.WriteCloser, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	if compression == CompressionGzip || strings.EqualFold(filepath.Ext(path), ".gz") {
		return &gzipWriter{file: file, gzWriter: gzip.NewWriter(file)}, nil
	}
	return file, nil
}

// gzipWriter wraps gzip writer with file
type gzipWriter struct {
	file     *os.File
	gzWriter *gzip.Writer
}

func (gw *gzipWriter) Write(p []byte) (n int, err error) {
	return gw.gzWriter.Write(p)
}

func (gw *gzipWriter) Close() error {
	if err := gw.gzWriter.Close(); err != nil {
		gw.file.Close()
		return err
	}
	return gw.file.Close()
}
