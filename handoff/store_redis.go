package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisContextKeyPrefix = "swarmlink:context:"
	redisContextIndexKey  = "swarmlink:contexts"
)

// RedisBackendConfig configures the Redis-backed store.
type RedisBackendConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	TTL          time.Duration `yaml:"ttl" json:"ttl"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// DefaultRedisBackendConfig returns defaults for a local Redis.
func DefaultRedisBackendConfig() RedisBackendConfig {
	return RedisBackendConfig{
		Addr:         "localhost:6379",
		TTL:          30 * time.Minute,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisBackend stores preserved contexts in Redis so handoffs survive
// process restarts and can be completed by another process.
type RedisBackend struct {
	client *redis.Client
	config RedisBackendConfig
	logger *zap.Logger
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(config RedisBackendConfig, logger *zap.Logger) (*RedisBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis context backend initialized",
		zap.String("addr", config.Addr),
		zap.Duration("ttl", config.TTL),
	)

	return &RedisBackend{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis_context_backend")),
	}, nil
}

func (b *RedisBackend) Put(ctx context.Context, rec PreservedContext) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal context record: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, redisContextKeyPrefix+rec.HandoffID, data, b.config.TTL)
	pipe.SAdd(ctx, redisContextIndexKey, rec.HandoffID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store context record: %w", err)
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, handoffID string) (PreservedContext, bool, error) {
	data, err := b.client.Get(ctx, redisContextKeyPrefix+handoffID).Bytes()
	if err == redis.Nil {
		// Expired records linger in the index until observed.
		b.client.SRem(ctx, redisContextIndexKey, handoffID)
		return PreservedContext{}, false, nil
	}
	if err != nil {
		return PreservedContext{}, false, fmt.Errorf("read context record: %w", err)
	}

	var rec PreservedContext
	if err := json.Unmarshal(data, &rec); err != nil {
		return PreservedContext{}, false, fmt.Errorf("unmarshal context record: %w", err)
	}
	return rec, true, nil
}

func (b *RedisBackend) Delete(ctx context.Context, handoffID string) (bool, error) {
	pipe := b.client.TxPipeline()
	del := pipe.Del(ctx, redisContextKeyPrefix+handoffID)
	pipe.SRem(ctx, redisContextIndexKey, handoffID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete context record: %w", err)
	}
	return del.Val() > 0, nil
}

func (b *RedisBackend) Stats(ctx context.Context) (BackendStats, error) {
	ids, err := b.client.SMembers(ctx, redisContextIndexKey).Result()
	if err != nil {
		return BackendStats{}, fmt.Errorf("read context index: %w", err)
	}

	stats := BackendStats{}
	now := time.Now()
	for _, id := range ids {
		rec, ok, err := b.Get(ctx, id)
		if err != nil {
			return BackendStats{}, err
		}
		if !ok {
			continue
		}
		stats.Count++
		stats.TotalSize += int64(rec.Size)
		if age := now.Sub(rec.CreatedAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats, nil
}

// Close releases the Redis connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
