package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"legalrag/metrics"
)

// EmbeddingCache stores vectors keyed by model and text.
type EmbeddingCache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool)
	Set(ctx context.Context, model, text string, vector []float32)
}

// RedisCache is an EmbeddingCache backed by Redis.
type RedisCache struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	logger    *slog.Logger
}

var _ EmbeddingCache = (*RedisCache)(nil)

type RedisCacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisCache(ctx context.Context, cfg RedisCacheConfig) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	cache := &RedisCache{
		client:    rdb,
		ttl:       cfg.TTL,
		keyPrefix: "legalrag:embedding:",
		logger:    slog.Default().With("component", "redis-cache"),
	}
	cache.logger.Info("redis cache initialized", "address", cfg.Addr, "db", cfg.DB)
	return cache, nil
}

func (rc *RedisCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	data, err := rc.client.Get(ctx, rc.key(model, text)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			rc.logger.Error("failed to get embedding from cache", "error", err)
		}
		metrics.EmbeddingCache.WithLabelValues("miss").Inc()
		return nil, false
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		rc.logger.Error("failed to unmarshal cached embedding", "error", err)
		metrics.EmbeddingCache.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.EmbeddingCache.WithLabelValues("hit").Inc()
	return vector, true
}

func (rc *RedisCache) Set(ctx context.Context, model, text string, vector []float32) {
	data, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := rc.client.Set(ctx, rc.key(model, text), data, rc.ttl).Err(); err != nil {
		rc.logger.Error("failed to cache embedding", "error", err)
	}
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

func (rc *RedisCache) key(model, text string) string {
	return rc.keyPrefix + cacheKey(model, text)
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + hex.EncodeToString(sum[:])
}
