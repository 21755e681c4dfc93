package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/interfaces"
	"github.com/inferloop/privtrace/pkg/models"
)

// RedisConfig holds configuration for Redis storage
type RedisConfig struct {
	Addr          string        `json:"addr"`
	Password      string        `json:"password"`
	DB            int           `json:"db"`
	DialTimeout   time.Duration `json:"dial_timeout"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	PoolSize      int           `json:"pool_size"`
	MinIdleConns  int           `json:"min_idle_conns"`
	MaxRetries    int           `json:"max_retries"`
	IdleTimeout   time.Duration `json:"idle_timeout"`
	TTL           time.Duration `json:"ttl"`
	KeyPrefix     string        `json:"key_prefix"`
	UseStreams    bool          `json:"use_streams"`
	StreamMaxLen  int64         `json:"stream_max_len"`
	UseClustering bool          `json:"use_clustering"`
	ClusterAddrs  []string      `json:"cluster_addrs"`
}

// RedisStorage keeps the synthetic trajectories of each run as a list of JSON
// encoded trajectories next to a metadata hash. With UseStreams set every completed
// write is also announced on the runs stream.
type RedisStorage struct {
	config  *RedisConfig
	client  redis.UniversalClient
	logger  *logrus.Logger
	mu      sync.RWMutex
	metrics *storageMetrics
	closed  bool
}

type storageMetrics struct {
	readOps    int64
	writeOps   int64
	errorCount int64
	mu         sync.Mutex
}

// NewRedisStorage creates a new Redis storage instance
func NewRedisStorage(config *RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfiguration, "Redis config cannot be nil")
	}

	if config.Addr == "" && len(config.ClusterAddrs) == 0 {
		return nil, errors.NewStorageError(errors.CodeInvalidConfiguration, "Redis address or cluster addresses are required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &RedisStorage{
		config:  config,
		logger:  logger,
		metrics: &storageMetrics{},
	}, nil
}

// Connect establishes connection to Redis
func (r *RedisStorage) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	var client redis.UniversalClient
	if r.config.UseClustering && len(r.config.ClusterAddrs) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        r.config.ClusterAddrs,
			Password:     r.config.Password,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MinIdleConns: r.config.MinIdleConns,
			MaxRetries:   r.config.MaxRetries,
			IdleTimeout:  r.config.IdleTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         r.config.Addr,
			Password:     r.config.Password,
			DB:           r.config.DB,
			DialTimeout:  r.config.DialTimeout,
			ReadTimeout:  r.config.ReadTimeout,
			WriteTimeout: r.config.WriteTimeout,
			PoolSize:     r.config.PoolSize,
			MinIdleConns: r.config.MinIdleConns,
			MaxRetries:   r.config.MaxRetries,
			IdleTimeout:  r.config.IdleTimeout,
		})
	}

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to Redis")
	}

	r.client = client
	r.closed = false

	r.logger.WithFields(logrus.Fields{
		"addr":       r.config.Addr,
		"db":         r.config.DB,
		"clustering": r.config.UseClustering,
	}).Info("Connected to Redis")

	return nil
}

// Close closes the Redis connection
func (r *RedisStorage) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	r.closed = true
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "Failed to close Redis connection")
	}

	r.logger.Info("Redis connection closed")
	return nil
}

// Ping tests the Redis connection
func (r *RedisStorage) Ping(ctx context.Context) error {
	client, err := r.connected()
	if err != nil {
		return err
	}

	if _, err := client.Ping(ctx).Result(); err != nil {
		r.incrementErrorCount()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Redis ping failed")
	}
	return nil
}

// GetInfo returns information about the Redis storage
func (r *RedisStorage) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	version := "unknown"
	if client, err := r.connected(); err == nil {
		if info, err := client.Info(ctx, "server").Result(); err == nil {
			version = parseInfoField(info, "redis_version")
		}
	}

	features := []string{"ttl", "pipelining"}
	if r.config.UseStreams {
		features = append(features, "streams")
	}
	if r.config.UseClustering {
		features = append(features, "clustering")
	}

	return &interfaces.StorageInfo{
		Type:        "redis",
		Version:     version,
		Name:        "Redis Storage",
		Description: "Synthetic trajectory runs cached in Redis lists",
		Features:    features,
	}, nil
}

// WriteTrajectories stores the run in one pipeline: the trajectory list is
// replaced, the metadata hash written and both keys given the configured TTL.
func (r *RedisStorage) WriteTrajectories(ctx context.Context, runID string, data models.TrajectorySet) error {
	client, err := r.connected()
	if err != nil {
		return err
	}
	if runID == "" {
		return errors.NewValidationError(errors.CodeMissingField, "run id is required")
	}

	start := time.Now()
	dataKey := r.generateDataKey(runID)
	metaKey := r.generateMetadataKey(runID)

	values := make([]interface{}, 0, len(data))
	for i, traj := range data {
		if traj == nil {
			traj = models.Trajectory{}
		}
		encoded, err := json.Marshal(traj)
		if err != nil {
			r.incrementErrorCount()
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
				fmt.Sprintf("failed to encode trajectory %d", i))
		}
		values = append(values, encoded)
	}

	pipe := client.TxPipeline()
	pipe.Del(ctx, dataKey)
	if len(values) > 0 {
		pipe.RPush(ctx, dataKey, values...)
	}
	pipe.HSet(ctx, metaKey, map[string]interface{}{
		"run_id":       runID,
		"trajectories": data.Len(),
		"points":       data.PointCount(),
		"written_at":   time.Now().UTC().Format(time.RFC3339),
	})
	if r.config.TTL > 0 {
		pipe.Expire(ctx, dataKey, r.config.TTL)
		pipe.Expire(ctx, metaKey, r.config.TTL)
	}
	if r.config.UseStreams {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.generateStreamKey(),
			MaxLen: r.config.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"run_id":       runID,
				"trajectories": data.Len(),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		r.incrementErrorCount()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to write to Redis")
	}

	r.incrementWriteOps()
	r.logger.WithFields(logrus.Fields{
		"run_id":       runID,
		"trajectories": data.Len(),
		"duration":     time.Since(start),
	}).Debug("Wrote run to Redis")
	return nil
}

// ReadTrajectories returns the trajectories stored for a run.
func (r *RedisStorage) ReadTrajectories(ctx context.Context, runID string) (models.TrajectorySet, error) {
	client, err := r.connected()
	if err != nil {
		return nil, err
	}

	metaKey := r.generateMetadataKey(runID)
	exists, err := client.Exists(ctx, metaKey).Result()
	if err != nil {
		r.incrementErrorCount()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read from Redis")
	}
	if exists == 0 {
		return nil, errors.WrapError(errors.ErrStorageReadFailed, errors.ErrorTypeStorage, errors.CodeReadFailed,
			fmt.Sprintf("run %s not found", runID))
	}

	raw, err := client.LRange(ctx, r.generateDataKey(runID), 0, -1).Result()
	if err != nil {
		r.incrementErrorCount()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read from Redis")
	}

	set := make(models.TrajectorySet, 0, len(raw))
	for i, item := range raw {
		var traj models.Trajectory
		if err := json.Unmarshal([]byte(item), &traj); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed,
				fmt.Sprintf("corrupt trajectory %d in run %s", i, runID))
		}
		set = append(set, traj)
	}

	r.incrementReadOps()
	return set, nil
}

func (r *RedisStorage) connected() (redis.UniversalClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed || r.client == nil {
		return nil, errors.WrapError(errors.ErrStorageConnectionFailed, errors.ErrorTypeStorage,
			errors.CodeConnectionFailed, "Redis not connected")
	}
	return r.client, nil
}

func (r *RedisStorage) key(parts ...string) string {
	if r.config.KeyPrefix != "" {
		parts = append([]string{r.config.KeyPrefix}, parts...)
	}
	return strings.Join(parts, ":")
}

func (r *RedisStorage) generateDataKey(runID string) string {
	return r.key("run", runID, "trajectories")
}

func (r *RedisStorage) generateMetadataKey(runID string) string {
	return r.key("run", runID, "meta")
}

func (r *RedisStorage) generateStreamKey() string {
	return r.key("runs")
}

func parseInfoField(info, field string) string {
	for _, line := range strings.Split(info, "\n") {
		if strings.HasPrefix(line, field+":") {
			return strings.TrimSpace(strings.TrimPrefix(line, field+":"))
		}
	}
	return "unknown"
}

// Stats returns the operation counters since creation.
func (r *RedisStorage) Stats() map[string]string {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()

	return map[string]string{
		"read_ops":    strconv.FormatInt(r.metrics.readOps, 10),
		"write_ops":   strconv.FormatInt(r.metrics.writeOps, 10),
		"error_count": strconv.FormatInt(r.metrics.errorCount, 10),
	}
}

func (r *RedisStorage) incrementReadOps() {
	r.metrics.mu.Lock()
	r.metrics.readOps++
	r.metrics.mu.Unlock()
}

func (r *RedisStorage) incrementWriteOps() {
	r.metrics.mu.Lock()
	r.metrics.writeOps++
	r.metrics.mu.Unlock()
}

func (r *RedisStorage) incrementErrorCount() {
	r.metrics.mu.Lock()
	r.metrics.errorCount++
	r.metrics.mu.Unlock()
}
