package interfaces

import (
	"context"
	"time"

	"github.com/inferloop/privtrace/pkg/models"
)

// Storage defines the lifecycle shared by every storage backend
type Storage interface {
	// Connect establishes connection to the storage backend
	Connect(ctx context.Context) error

	// Close closes the connection and cleans up resources
	Close() error

	// Ping tests the connection
	Ping(ctx context.Context) error

	// GetInfo returns information about the storage backend
	GetInfo(ctx context.Context) (*StorageInfo, error)
}

// TrajectorySink receives the synthetic output of a run.
type TrajectorySink interface {
	Storage

	// WriteTrajectories stores the trajectories of a run under its run id
	WriteTrajectories(ctx context.Context, runID string, data models.TrajectorySet) error
}

// TrajectorySource reads back trajectory sets.
type TrajectorySource interface {
	// ReadTrajectories loads the set stored under key, a run id or a dataset name
	ReadTrajectories(ctx context.Context, key string) (models.TrajectorySet, error)
}

// StorageFactory creates storage instances
type StorageFactory interface {
	// CreateStorage creates a new sink instance
	CreateStorage(storageType string, config StorageConfig) (TrajectorySink, error)

	// GetSupportedTypes returns supported storage types
	GetSupportedTypes() []string

	// RegisterStorage registers a new storage type
	RegisterStorage(storageType string, createFunc StorageCreateFunc) error

	// IsSupported checks if a storage type is supported
	IsSupported(storageType string) bool
}

// StorageCreateFunc is a function that creates a storage instance
type StorageCreateFunc func(config StorageConfig) (TrajectorySink, error)

// StorageConfig contains storage configuration. ConnectionString is a directory for
// file storage, an address for Redis, a database path for SQLite and an optional
// endpoint for S3.
type StorageConfig struct {
	Type             string        `json:"type" mapstructure:"type"`
	ConnectionString string        `json:"connection_string" mapstructure:"connection_string"`
	Database         string        `json:"database,omitempty" mapstructure:"database"`
	Username         string        `json:"username,omitempty" mapstructure:"username"`
	Password         string        `json:"password,omitempty" mapstructure:"password"`
	Region           string        `json:"region,omitempty" mapstructure:"region"`
	Prefix           string        `json:"prefix,omitempty" mapstructure:"prefix"`
	Format           string        `json:"format,omitempty" mapstructure:"format"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	TTL              time.Duration `json:"ttl,omitempty" mapstructure:"ttl"`
	Compression      bool          `json:"compression" mapstructure:"compression"`
}

// StorageInfo contains information about the storage backend
type StorageInfo struct {
	Type        string   `json:"type"`
	Version     string   `json:"version"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Features    []string `json:"features"`
	// Metrics is set by sinks that count their own operations.
	Metrics *StorageMetrics `json:"metrics,omitempty"`
}

// StorageMetrics counts the operations of one sink since it was created.
type StorageMetrics struct {
	ReadOperations  int64 `json:"read_operations"`
	WriteOperations int64 `json:"write_operations"`
	ErrorCount      int64 `json:"error_count"`
	BytesRead       int64 `json:"bytes_read"`
	BytesWritten    int64 `json:"bytes_written"`
}
