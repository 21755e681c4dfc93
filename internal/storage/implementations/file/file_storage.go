package file

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/internal/export"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/interfaces"
	"github.com/inferloop/privtrace/pkg/models"
)

// FileStorageConfig contains configuration for file-based storage
type FileStorageConfig struct {
	BasePath    string `json:"base_path" yaml:"base_path"`
	Format      string `json:"format" yaml:"format"`           // "dat", "csv", "json"
	Compression bool   `json:"compression" yaml:"compression"` // gzip compression
	CreateDirs  bool   `json:"create_dirs" yaml:"create_dirs"` // auto-create directories
	Precision   int    `json:"precision" yaml:"precision"`
}

// FileStorage reads trajectory datasets from, and writes synthetic output to, a
// directory.
type FileStorage struct {
	config    *FileStorageConfig
	logger    *logrus.Logger
	engine    *export.ExportEngine
	mu        sync.RWMutex
	connected bool
}

// NewFileStorage creates a new file storage instance
func NewFileStorage(config *FileStorageConfig, logger *logrus.Logger) (*FileStorage, error) {
	if config == nil {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "FileStorageConfig cannot be nil")
	}

	if config.BasePath == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "BasePath is required")
	}

	if config.Format == "" {
		config.Format = string(export.FormatDat)
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &FileStorage{
		config: config,
		logger: logger,
		engine: export.NewExportEngine(logger),
	}, nil
}

// Connect initializes the file storage
func (fs *FileStorage) Connect(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.connected {
		return nil
	}

	if fs.config.CreateDirs {
		if err := os.MkdirAll(fs.config.BasePath, 0755); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
				fmt.Sprintf("Failed to create directory: %s", fs.config.BasePath))
		}
	}

	info, err := os.Stat(fs.config.BasePath)
	if err != nil || !info.IsDir() {
		return errors.NewStorageError(errors.CodeConnectionFailed, fmt.Sprintf("Base path is not a directory: %s", fs.config.BasePath))
	}

	fs.connected = true
	fs.logger.WithField("base_path", fs.config.BasePath).Info("File storage connected")
	return nil
}

// Close releases the storage
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.connected = false
	return nil
}

// Ping checks that the base directory is still there
func (fs *FileStorage) Ping(ctx context.Context) error {
	if _, err := os.Stat(fs.config.BasePath); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "file storage unavailable")
	}
	return nil
}

// GetInfo returns information about the file storage
func (fs *FileStorage) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	return &interfaces.StorageInfo{
		Type:        "file",
		Version:     "1.0",
		Name:        "File Storage",
		Description: "Trajectory datasets and synthetic output on the local file system",
		Features:    []string{"dat", "csv", "json", "gzip"},
	}, nil
}

// WriteTrajectories writes the output of a run to <base>/<runID>.<format>.
func (fs *FileStorage) WriteTrajectories(ctx context.Context, runID string, data models.TrajectorySet) error {
	name := runID + "." + fs.config.Format
	if fs.config.Compression {
		name += ".gz"
	}
	return fs.WriteFile(ctx, name, data)
}

// WriteFile writes data to a file below the base path. The format follows the file
// extension and falls back to the configured format.
func (fs *FileStorage) WriteFile(ctx context.Context, name string, data models.TrajectorySet) error {
	if err := fs.checkConnected(); err != nil {
		return err
	}

	format, ok := export.FormatFromPath(name)
	if !ok {
		format = export.ExportFormat(fs.config.Format)
	}
	compression := export.CompressionNone
	if fs.config.Compression {
		compression = export.CompressionGzip
	}

	return fs.engine.ExportToFile(ctx, data, format, fs.path(name), compression, export.ExportOptions{
		IncludeHeaders: true,
		Precision:      fs.config.Precision,
	})
}

// ReadTrajectories loads a dataset file, `.dat` or `.dat.gz`, below the base path.
func (fs *FileStorage) ReadTrajectories(ctx context.Context, name string) (models.TrajectorySet, error) {
	if err := fs.checkConnected(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := fs.path(name)
	set, err := ReadDatFile(path)
	if err != nil {
		return nil, err
	}

	fs.logger.WithFields(logrus.Fields{
		"path":         path,
		"trajectories": set.Len(),
		"points":       set.PointCount(),
	}).Info("Loaded trajectory dataset")
	return set, nil
}

// ReadDatFile parses a dataset file, transparently decompressing `.gz` files.
func ReadDatFile(path string) (models.TrajectorySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed,
			fmt.Sprintf("failed to open dataset %s", path))
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed,
				fmt.Sprintf("failed to decompress dataset %s", path))
		}
		defer gz.Close()
		r = gz
	}

	set, err := ParseDat(r)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidFormat,
			fmt.Sprintf("malformed dataset %s", path))
	}
	return set, nil
}

func (fs *FileStorage) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(fs.config.BasePath, name)
}

func (fs *FileStorage) checkConnected() error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if !fs.connected {
		return errors.WrapError(errors.ErrStorageConnectionFailed, errors.ErrorTypeStorage,
			errors.CodeConnectionFailed, "file storage not connected")
	}
	return nil
}
