package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/models"
)

func TestNewRedisStorage(t *testing.T) {
	config := &RedisConfig{
		Addr: "localhost:6379",
		DB:   0,
	}

	logger := logrus.New()
	storage, err := NewRedisStorage(config, logger)

	require.NoError(t, err)
	require.NotNil(t, storage)
	assert.Equal(t, config, storage.config)
	assert.Equal(t, logger, storage.logger)
}

func TestNewRedisStorageInvalidConfig(t *testing.T) {
	_, err := NewRedisStorage(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewRedisStorage(&RedisConfig{}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address or cluster addresses are required")

	_, err = NewRedisStorage(&RedisConfig{ClusterAddrs: []string{"a:7000"}, UseClustering: true}, nil)
	assert.NoError(t, err)
}

func TestRedisStorageGenerateKeys(t *testing.T) {
	storage, err := NewRedisStorage(&RedisConfig{Addr: "localhost:6379", KeyPrefix: "privtrace"}, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "privtrace:run:abc:trajectories", storage.generateDataKey("abc"))
	assert.Equal(t, "privtrace:run:abc:meta", storage.generateMetadataKey("abc"))
	assert.Equal(t, "privtrace:runs", storage.generateStreamKey())
}

func TestRedisStorageGenerateKeysNoPrefix(t *testing.T) {
	storage, err := NewRedisStorage(&RedisConfig{Addr: "localhost:6379"}, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "run:abc:trajectories", storage.generateDataKey("abc"))
	assert.Equal(t, "run:abc:meta", storage.generateMetadataKey("abc"))
	assert.Equal(t, "runs", storage.generateStreamKey())
}

func TestRedisStorageNotConnected(t *testing.T) {
	storage, err := NewRedisStorage(&RedisConfig{Addr: "localhost:6379"}, logrus.New())
	require.NoError(t, err)

	err = storage.WriteTrajectories(context.Background(), "run", models.TrajectorySet{})
	assert.ErrorIs(t, err, errors.ErrStorageConnectionFailed)

	_, err = storage.ReadTrajectories(context.Background(), "run")
	assert.ErrorIs(t, err, errors.ErrStorageConnectionFailed)

	assert.Error(t, storage.Ping(context.Background()))
	assert.NoError(t, storage.Close())
}

func TestRedisStorageGetInfo(t *testing.T) {
	storage, err := NewRedisStorage(&RedisConfig{Addr: "localhost:6379", UseStreams: true}, logrus.New())
	require.NoError(t, err)

	info, err := storage.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "redis", info.Type)
	assert.Equal(t, "unknown", info.Version)
	assert.Contains(t, info.Features, "streams")
	assert.NotContains(t, info.Features, "clustering")
}

func TestParseInfoField(t *testing.T) {
	info := "# Server\r\nredis_version:6.2.6\r\nredis_mode:standalone\r\n"
	assert.Equal(t, "6.2.6", parseInfoField(info, "redis_version"))
	assert.Equal(t, "unknown", parseInfoField(info, "os"))
}

func TestRedisStorageCounters(t *testing.T) {
	storage, err := NewRedisStorage(&RedisConfig{Addr: "localhost:6379"}, logrus.New())
	require.NoError(t, err)

	storage.incrementReadOps()
	storage.incrementWriteOps()
	storage.incrementWriteOps()
	storage.incrementErrorCount()

	assert.Equal(t, map[string]string{"read_ops": "1", "write_ops": "2", "error_count": "1"}, storage.Stats())
}

// Requires a Redis instance at PRIVTRACE_TEST_REDIS_ADDR.
func TestRedisStorageIntegration(t *testing.T) {
	addr := os.Getenv("PRIVTRACE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires running Redis instance")
	}

	storage, err := NewRedisStorage(&RedisConfig{
		Addr:       addr,
		DB:         15,
		TTL:        time.Minute,
		KeyPrefix:  "privtrace-test",
		UseStreams: true,
	}, logrus.New())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, storage.Connect(ctx))
	defer storage.Close()

	set := models.TrajectorySet{
		{{X: 1, Y: 2}, {X: 3, Y: 4}},
		{},
	}
	require.NoError(t, storage.WriteTrajectories(ctx, "it-run", set))

	got, err := storage.ReadTrajectories(ctx, "it-run")
	require.NoError(t, err)
	assert.Equal(t, set, got)

	_, err = storage.ReadTrajectories(ctx, "missing-run")
	assert.ErrorIs(t, err, errors.ErrStorageReadFailed)
}
