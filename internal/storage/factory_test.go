package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/privtrace/internal/observability/health"
	"github.com/inferloop/privtrace/internal/observability/metrics"
	"github.com/inferloop/privtrace/internal/storage/implementations/file"
	"github.com/inferloop/privtrace/internal/storage/implementations/redis"
	"github.com/inferloop/privtrace/internal/storage/implementations/s3"
	"github.com/inferloop/privtrace/internal/storage/implementations/sqlite"
	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/interfaces"
	"github.com/inferloop/privtrace/pkg/models"
)

func TestFactorySupportedTypes(t *testing.T) {
	factory := NewFactory(logrus.New())

	assert.Equal(t, []string{"file", "redis", "s3", "sqlite"}, factory.GetSupportedTypes())
	assert.True(t, factory.IsSupported("sqlite"))
	assert.False(t, factory.IsSupported("influxdb"))
}

func TestFactoryCreateStorage(t *testing.T) {
	factory := NewFactory(nil)

	tests := []struct {
		storageType string
		config      interfaces.StorageConfig
		check       func(t *testing.T, sink interfaces.TrajectorySink)
	}{
		{
			storageType: "file",
			config:      interfaces.StorageConfig{ConnectionString: t.TempDir()},
			check: func(t *testing.T, sink interfaces.TrajectorySink) {
				assert.IsType(t, &file.FileStorage{}, sink)
			},
		},
		{
			storageType: "redis",
			config:      interfaces.StorageConfig{ConnectionString: "a:7000,b:7001", TTL: time.Hour},
			check: func(t *testing.T, sink interfaces.TrajectorySink) {
				assert.IsType(t, &redis.RedisStorage{}, sink)
			},
		},
		{
			storageType: "s3",
			config:      interfaces.StorageConfig{Database: "bucket", Format: "csv"},
			check: func(t *testing.T, sink interfaces.TrajectorySink) {
				assert.IsType(t, &s3.S3Storage{}, sink)
			},
		},
		{
			storageType: "sqlite",
			config:      interfaces.StorageConfig{ConnectionString: filepath.Join(t.TempDir(), "runs.db")},
			check: func(t *testing.T, sink interfaces.TrajectorySink) {
				assert.IsType(t, &sqlite.SQLiteStorage{}, sink)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.storageType, func(t *testing.T) {
			sink, err := factory.CreateStorage(tt.storageType, tt.config)
			require.NoError(t, err)
			tt.check(t, sink)

			info, err := sink.GetInfo(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.storageType, info.Type)
		})
	}
}

func TestFactoryCreateStorageErrors(t *testing.T) {
	factory := NewFactory(nil)

	_, err := factory.CreateStorage("influxdb", interfaces.StorageConfig{})
	assert.ErrorIs(t, err, errors.ErrStorageNotFound)

	// S3 without a bucket
	_, err = factory.CreateStorage("s3", interfaces.StorageConfig{})
	assert.Error(t, err)

	// file storage without a directory
	_, err = factory.CreateStorage("file", interfaces.StorageConfig{})
	assert.Error(t, err)
}

func TestFactoryRegisterStorage(t *testing.T) {
	factory := NewFactory(nil)

	assert.Error(t, factory.RegisterStorage("", func(interfaces.StorageConfig) (interfaces.TrajectorySink, error) { return nil, nil }))
	assert.Error(t, factory.RegisterStorage("memory", nil))

	require.NoError(t, factory.RegisterStorage("memory", func(interfaces.StorageConfig) (interfaces.TrajectorySink, error) {
		return &memorySink{}, nil
	}))
	assert.True(t, factory.IsSupported("memory"))
}

func TestFactoryOpenMultiSink(t *testing.T) {
	factory := NewFactory(nil)
	dir := t.TempDir()

	sinks, err := factory.Open(context.Background(), []interfaces.StorageConfig{
		{Type: "file", ConnectionString: dir},
		{Type: "sqlite", ConnectionString: filepath.Join(dir, "runs.db")},
	})
	require.NoError(t, err)
	defer sinks.Close()
	require.Equal(t, 2, sinks.Len())

	set := models.TrajectorySet{{{X: 1, Y: 2}}}
	require.NoError(t, sinks.WriteTrajectories(context.Background(), "run-7", set))

	got, err := file.ReadDatFile(filepath.Join(dir, "run-7.dat"))
	require.NoError(t, err)
	assert.Equal(t, set, got)
}

func TestFactoryOpenFailureClosesOpened(t *testing.T) {
	factory := NewFactory(nil)
	mem := &memorySink{}
	require.NoError(t, factory.RegisterStorage("memory", func(interfaces.StorageConfig) (interfaces.TrajectorySink, error) {
		return mem, nil
	}))

	_, err := factory.Open(context.Background(), []interfaces.StorageConfig{
		{Type: "memory"},
		{Type: "unknown"},
	})
	require.Error(t, err)
	assert.True(t, mem.closed)
}

func TestMultiSinkContinuesAfterFailure(t *testing.T) {
	failing := &memorySink{fail: true}
	ok := &memorySink{}
	ms := NewMultiSink(nil, failing, ok)

	err := ms.WriteTrajectories(context.Background(), "run", models.TrajectorySet{{}})
	assert.ErrorIs(t, err, errors.ErrStorageWriteFailed)
	assert.Equal(t, []string{"run"}, ok.runs)

	require.NoError(t, ms.Close())
	assert.True(t, failing.closed)
	assert.True(t, ok.closed)
}

func TestMultiSinkMetricsAndHealth(t *testing.T) {
	pm, err := metrics.NewPipelineMetrics(nil, nil)
	require.NoError(t, err)

	failing := &memorySink{fail: true}
	ok := &memorySink{}
	ms := NewMultiSink(nil, ok, failing).WithMetrics(pm.Sinks())

	set := models.TrajectorySet{{{X: 1, Y: 1}}, {{X: 2, Y: 2}}}
	assert.Error(t, ms.WriteTrajectories(context.Background(), "run", set))

	n, err := testutil.GatherAndCount(pm.Registry(), "privtrace_sink_writes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	checks := ms.HealthChecks(time.Second)
	require.Len(t, checks, 2)
	assert.Equal(t, "memory", checks[0].Name())
	assert.Equal(t, "memory-2", checks[1].Name())

	monitor := health.NewHealthMonitor(nil, logrus.New())
	for _, check := range checks {
		monitor.RegisterCheck(check)
	}
	monitor.RegisterObserver(SinkHealthObserver{Metrics: pm.Sinks()})

	assert.Equal(t, health.StatusHealthy, monitor.RunChecks(context.Background()).OverallStatus)

	failing.closed = true
	status := monitor.RunChecks(context.Background())
	assert.Equal(t, health.StatusUnhealthy, status.OverallStatus)
	assert.Equal(t, []string{"memory-2"}, status.CriticalIssues)
	n, err = testutil.GatherAndCount(pm.Registry(), "privtrace_sink_up")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type memorySink struct {
	runs   []string
	fail   bool
	closed bool
}

func (m *memorySink) Connect(ctx context.Context) error { return nil }
func (m *memorySink) Close() error                      { m.closed = true; return nil }
func (m *memorySink) Ping(ctx context.Context) error {
	if m.closed {
		return errors.ErrStorageConnectionFailed
	}
	return nil
}
func (m *memorySink) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	return &interfaces.StorageInfo{Type: "memory"}, nil
}
func (m *memorySink) WriteTrajectories(ctx context.Context, runID string, data models.TrajectorySet) error {
	if m.fail {
		return errors.ErrStorageWriteFailed
	}
	m.runs = append(m.runs, runID)
	return nil
}
