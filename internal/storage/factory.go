package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/internal/observability/health"
	"github.com/inferloop/privtrace/internal/observability/metrics"
	"github.com/inferloop/privtrace/internal/storage/implementations/file"
	"github.com/inferloop/privtrace/internal/storage/implementations/redis"
	"github.com/inferloop/privtrace/internal/storage/implementations/s3"
	"github.com/inferloop/privtrace/internal/storage/implementations/sqlite"
	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/interfaces"
	"github.com/inferloop/privtrace/pkg/models"
)

// Factory implements the StorageFactory interface
type Factory struct {
	creators map[string]interfaces.StorageCreateFunc
	mu       sync.RWMutex
	logger   *logrus.Logger
}

// NewFactory creates a new storage factory
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		creators: make(map[string]interfaces.StorageCreateFunc),
		logger:   logger,
	}

	factory.registerDefaults()

	return factory
}

// CreateStorage creates a new sink instance. The instance is not connected.
func (f *Factory) CreateStorage(storageType string, config interfaces.StorageConfig) (interfaces.TrajectorySink, error) {
	f.mu.RLock()
	createFunc, exists := f.creators[storageType]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.WrapError(errors.ErrStorageNotFound, errors.ErrorTypeStorage, errors.CodeUnsupportedType,
			fmt.Sprintf("Storage type '%s' is not supported", storageType))
	}

	storage, err := createFunc(config)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError,
			fmt.Sprintf("Failed to create %s storage", storageType))
	}

	f.logger.WithFields(logrus.Fields{
		"storage_type": storageType,
	}).Debug("Created storage instance")

	return storage, nil
}

// GetSupportedTypes returns all supported storage types, sorted
func (f *Factory) GetSupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.creators))
	for storageType := range f.creators {
		types = append(types, storageType)
	}
	sort.Strings(types)

	return types
}

// RegisterStorage registers a new storage type
func (f *Factory) RegisterStorage(storageType string, createFunc interfaces.StorageCreateFunc) error {
	if storageType == "" {
		return errors.NewValidationError(errors.CodeMissingField, "Storage type cannot be empty")
	}

	if createFunc == nil {
		return errors.NewValidationError(errors.CodeInvalidInput, "Storage create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.creators[storageType] = createFunc

	f.logger.WithFields(logrus.Fields{
		"storage_type": storageType,
	}).Debug("Registered storage type")

	return nil
}

// IsSupported checks if a storage type is supported
func (f *Factory) IsSupported(storageType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, exists := f.creators[storageType]
	return exists
}

// registerDefaults registers the default storage implementations
func (f *Factory) registerDefaults() {
	f.RegisterStorage(constants.StorageTypeFile, func(config interfaces.StorageConfig) (interfaces.TrajectorySink, error) {
		return file.NewFileStorage(&file.FileStorageConfig{
			BasePath:    config.ConnectionString,
			Format:      config.Format,
			Compression: config.Compression,
			CreateDirs:  true,
		}, f.logger)
	})

	f.RegisterStorage(constants.StorageTypeRedis, func(config interfaces.StorageConfig) (interfaces.TrajectorySink, error) {
		redisConfig := &redis.RedisConfig{
			Addr:         config.ConnectionString,
			Password:     config.Password,
			DialTimeout:  config.Timeout,
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
			MaxRetries:   3,
			IdleTimeout:  5 * time.Minute,
			TTL:          config.TTL,
			KeyPrefix:    config.Prefix,
			StreamMaxLen: 10000,
		}

		// Comma separated addresses select cluster mode
		if strings.Contains(config.ConnectionString, ",") {
			redisConfig.UseClustering = true
			redisConfig.ClusterAddrs = strings.Split(config.ConnectionString, ",")
		}
		if redisConfig.Addr == "" {
			redisConfig.Addr = "localhost:6379"
		}
		if redisConfig.KeyPrefix == "" {
			redisConfig.KeyPrefix = constants.AppName
		}

		return redis.NewRedisStorage(redisConfig, f.logger)
	})

	f.RegisterStorage(constants.StorageTypeS3, func(config interfaces.StorageConfig) (interfaces.TrajectorySink, error) {
		s3Config := &s3.S3Config{
			Region:          config.Region,
			Bucket:          config.Database, // bucket name
			AccessKeyID:     config.Username,
			SecretAccessKey: config.Password,
			Endpoint:        config.ConnectionString,
			ForcePathStyle:  config.ConnectionString != "",
			Prefix:          config.Prefix,
			Format:          config.Format,
			Timeout:         config.Timeout,
			MaxRetries:      3,
			PartSize:        64 * 1024 * 1024,
			UseCompression:  config.Compression,
			StorageClass:    "STANDARD",
		}
		if s3Config.Region == "" {
			s3Config.Region = "us-east-1"
		}

		return s3.NewS3Storage(s3Config, f.logger)
	})

	f.RegisterStorage(constants.StorageTypeSQLite, func(config interfaces.StorageConfig) (interfaces.TrajectorySink, error) {
		return sqlite.NewSQLiteStorage(&sqlite.SQLiteConfig{
			Path:        config.ConnectionString,
			BusyTimeout: config.Timeout,
		}, f.logger)
	})
}

// MultiSink fans the output of a run out to several connected sinks.
type MultiSink struct {
	sinks   []interfaces.TrajectorySink
	logger  *logrus.Logger
	metrics *metrics.SinkMetrics
}

// Open creates and connects one sink per config. Sinks already connected are
// closed again when a later one fails.
func (f *Factory) Open(ctx context.Context, configs []interfaces.StorageConfig) (*MultiSink, error) {
	ms := &MultiSink{logger: f.logger}
	for _, config := range configs {
		sink, err := f.CreateStorage(config.Type, config)
		if err != nil {
			ms.Close()
			return nil, err
		}
		if err := sink.Connect(ctx); err != nil {
			ms.Close()
			return nil, err
		}
		ms.sinks = append(ms.sinks, sink)
	}
	return ms, nil
}

// NewMultiSink wraps sinks that are already connected.
func NewMultiSink(logger *logrus.Logger, sinks ...interfaces.TrajectorySink) *MultiSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &MultiSink{sinks: sinks, logger: logger}
}

// WithMetrics records every write in m.
func (ms *MultiSink) WithMetrics(m *metrics.SinkMetrics) *MultiSink {
	ms.metrics = m
	return ms
}

// Len returns the number of sinks.
func (ms *MultiSink) Len() int { return len(ms.sinks) }

// WriteTrajectories writes to every sink and returns the first error. A failing
// sink does not stop the others.
func (ms *MultiSink) WriteTrajectories(ctx context.Context, runID string, data models.TrajectorySet) error {
	var first error
	for _, sink := range ms.sinks {
		name := sinkType(ctx, sink)
		start := time.Now()
		err := sink.WriteTrajectories(ctx, runID, data)
		ms.metrics.RecordWrite(name, data.Len(), time.Since(start), err)
		if err != nil {
			ms.logger.WithError(err).WithFields(logrus.Fields{
				"run_id":  runID,
				"storage": name,
			}).Error("Failed to write run")
			if first == nil {
				first = err
			}
			continue
		}
		ms.logger.WithFields(logrus.Fields{
			"run_id":  runID,
			"storage": name,
		}).Info("Wrote run")
	}
	return first
}

// Close closes every sink.
func (ms *MultiSink) Close() error {
	var first error
	for _, sink := range ms.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	ms.sinks = nil
	return first
}

// HealthChecks returns one critical ping check per sink, named after the sink type.
func (ms *MultiSink) HealthChecks(timeout time.Duration) []health.HealthCheck {
	seen := make(map[string]int)
	checks := make([]health.HealthCheck, 0, len(ms.sinks))
	for _, sink := range ms.sinks {
		name := sinkType(context.Background(), sink)
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s-%d", name, n)
		}
		checks = append(checks, health.NewBasicHealthCheck(name, true, timeout, sink.Ping))
	}
	return checks
}

// SinkHealthObserver exports sink health checks as the sink up gauge.
type SinkHealthObserver struct {
	Metrics *metrics.SinkMetrics
}

// OnCheck implements health.HealthObserver.
func (o SinkHealthObserver) OnCheck(name string, result health.HealthResult) {
	o.Metrics.SetUp(name, result.Status == health.StatusHealthy)
}

func sinkType(ctx context.Context, sink interfaces.TrajectorySink) string {
	if info, err := sink.GetInfo(ctx); err == nil && info != nil {
		return info.Type
	}
	return "unknown"
}
