package s3

import (
	"context"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/interfaces"
	"github.com/inferloop/privtrace/pkg/models"
)

func TestNewS3Storage(t *testing.T) {
	config := &S3Config{
		Region: "us-west-2",
		Bucket: "test-bucket",
	}

	logger := logrus.New()
	storage, err := NewS3Storage(config, logger)

	require.NoError(t, err)
	require.NotNil(t, storage)
	assert.Equal(t, config, storage.config)
	assert.Equal(t, logger, storage.logger)
	assert.Equal(t, "dat", storage.config.Format)
}

func TestNewS3StorageInvalidConfig(t *testing.T) {
	_, err := NewS3Storage(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewS3Storage(&S3Config{Region: "us-west-2"}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")

	_, err = NewS3Storage(&S3Config{Bucket: "b", Format: "parquet"}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestS3StorageGenerateKey(t *testing.T) {
	tests := []struct {
		name   string
		config S3Config
		want   string
	}{
		{"prefix", S3Config{Bucket: "b", Prefix: "synthetic"}, "synthetic/runs/run-1/trajectories.dat"},
		{"trailing slash", S3Config{Bucket: "b", Prefix: "synthetic/"}, "synthetic/runs/run-1/trajectories.dat"},
		{"no prefix", S3Config{Bucket: "b"}, "runs/run-1/trajectories.dat"},
		{"compressed csv", S3Config{Bucket: "b", Format: "csv", UseCompression: true}, "runs/run-1/trajectories.csv.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.config
			storage, err := NewS3Storage(&config, logrus.New())
			require.NoError(t, err)
			assert.Equal(t, tt.want, storage.generateKey("run-1"))
		})
	}
}

func TestS3StorageExtractRunIDFromKey(t *testing.T) {
	storage, err := NewS3Storage(&S3Config{Bucket: "b", Prefix: "synthetic"}, logrus.New())
	require.NoError(t, err)

	tests := map[string]string{
		"synthetic/runs/run-1/trajectories.dat":    "run-1",
		"synthetic/runs/run-2/trajectories.dat.gz": "run-2",
		"synthetic/runs/run-3/other.txt":           "",
		"synthetic/runs/a/b/trajectories.dat":      "",
		"elsewhere/runs/run-4/trajectories.dat":    "",
	}
	for key, want := range tests {
		assert.Equal(t, want, storage.extractRunIDFromKey(key), key)
	}

	assert.Equal(t, "run-1", storage.extractRunIDFromKey(storage.generateKey("run-1")))
}

func TestS3StorageDisconnectedOperations(t *testing.T) {
	storage, err := NewS3Storage(&S3Config{Bucket: "b"}, logrus.New())
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, storage.WriteTrajectories(ctx, "run", models.TrajectorySet{}), errors.ErrStorageConnectionFailed)
	_, err = storage.ReadTrajectories(ctx, "run")
	assert.ErrorIs(t, err, errors.ErrStorageConnectionFailed)
	_, err = storage.ListRuns(ctx)
	assert.ErrorIs(t, err, errors.ErrStorageConnectionFailed)
	assert.Error(t, storage.Ping(ctx))
	assert.NoError(t, storage.Close())
}

func TestS3StorageGetInfo(t *testing.T) {
	storage, err := NewS3Storage(&S3Config{Bucket: "b", UseCompression: true}, logrus.New())
	require.NoError(t, err)

	info, err := storage.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3", info.Type)
	assert.Contains(t, info.Features, "dat")
	assert.Contains(t, info.Features, "gzip")
}

func TestS3StorageCounters(t *testing.T) {
	storage, err := NewS3Storage(&S3Config{Bucket: "b"}, logrus.New())
	require.NoError(t, err)

	storage.incrementWriteOps(100)
	storage.incrementReadOps(40)
	storage.incrementErrorCount()

	info, err := storage.GetInfo(context.Background())
	require.NoError(t, err)
	require.NotNil(t, info.Metrics)
	assert.Equal(t, interfaces.StorageMetrics{
		ReadOperations:  1,
		WriteOperations: 1,
		ErrorCount:      1,
		BytesRead:       40,
		BytesWritten:    100,
	}, *info.Metrics)
}

// Requires an S3 compatible endpoint such as MinIO at PRIVTRACE_TEST_S3_ENDPOINT with
// an existing bucket privtrace-test.
func TestS3StorageIntegration(t *testing.T) {
	endpoint := os.Getenv("PRIVTRACE_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("Integration test - requires S3 compatible endpoint")
	}

	storage, err := NewS3Storage(&S3Config{
		Region:          "us-east-1",
		Bucket:          "privtrace-test",
		Endpoint:        endpoint,
		ForcePathStyle:  true,
		DisableSSL:      true,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Prefix:          "it",
		UseCompression:  true,
	}, logrus.New())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, storage.Connect(ctx))
	defer storage.Close()

	set := models.TrajectorySet{{{X: 1, Y: 2}, {X: 3.5, Y: -4}}}
	require.NoError(t, storage.WriteTrajectories(ctx, "it-run", set))

	got, err := storage.ReadTrajectories(ctx, "it-run")
	require.NoError(t, err)
	assert.Equal(t, set, got)

	runs, err := storage.ListRuns(ctx)
	require.NoError(t, err)
	assert.Contains(t, runs, "it-run")
}
