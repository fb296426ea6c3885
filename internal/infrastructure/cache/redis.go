package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/domain/scan"
)

// RedisCache is the external Store backend: verdict reports are shared
// across gateway instances through Redis with TTL expiry handled server-side.
//
// Single-flight is process-local only. Two gateway processes may compute the
// same fingerprint concurrently; the second SET wins, which is harmless
// because reports for identical text are identical. Cross-process locking is
// deliberately not attempted.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]*flight

	hits   atomic.Uint64
	misses atomic.Uint64
}

type flight struct {
	done   chan struct{}
	report scan.Report
	err    error
}

// NewRedisCache creates a Redis-backed store. keyPrefix namespaces keys,
// e.g. "modelgate:scan:".
func NewRedisCache(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "modelgate:scan:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger.With(zap.String("component", "scan-cache-redis")),
		inflight:  make(map[string]*flight),
	}
}

// GetOrCompute implements scan.Cache over Redis with process-local
// single-flight. Compute failures are not stored.
func (c *RedisCache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (scan.Report, error)) (scan.Report, bool, error) {
	redisKey := c.keyPrefix + key

	// Fast path: settled value in Redis.
	if report, ok := c.get(ctx, redisKey); ok {
		c.hits.Add(1)
		return report, true, nil
	}

	c.mu.Lock()
	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			if f.err != nil {
				return scan.Report{}, false, f.err
			}
			c.hits.Add(1)
			return f.report, true, nil
		case <-ctx.Done():
			return scan.Report{}, false, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()
	c.misses.Add(1)

	report, err := compute(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	if err != nil {
		f.err = err
		close(f.done)
		return scan.Report{}, false, err
	}

	if data, merr := json.Marshal(report); merr == nil {
		if serr := c.client.Set(ctx, redisKey, data, c.ttl).Err(); serr != nil {
			// Redis being down degrades to compute-every-time, not failure.
			c.logger.Warn("Failed to store scan report", zap.Error(serr))
		}
	}

	f.report = report
	close(f.done)
	return report, false, nil
}

// get fetches and decodes a stored report, treating any error as a miss.
func (c *RedisCache) get(ctx context.Context, redisKey string) (scan.Report, bool) {
	data, err := c.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Redis GET failed", zap.Error(err))
		}
		return scan.Report{}, false
	}
	var report scan.Report
	if err := json.Unmarshal(data, &report); err != nil {
		c.logger.Warn("Corrupt cached scan report, ignoring", zap.Error(err))
		return scan.Report{}, false
	}
	return report, true
}

// Invalidate removes one fingerprint from Redis.
func (c *RedisCache) Invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil {
		c.logger.Warn("Redis DEL failed", zap.Error(err))
	}
}

// Clear removes every key under the prefix via SCAN+DEL.
func (c *RedisCache) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	iter := c.client.Scan(ctx, 0, c.keyPrefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			c.client.Del(ctx, keys...)
			keys = keys[:0]
		}
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("Redis SCAN failed during clear", zap.Error(err))
	}
}

// Stats reports process-local counters plus the current key count in Redis.
// Evictions are TTL-driven inside Redis and not observable per-key.
func (c *RedisCache) Stats() Stats {
	size := 0
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	iter := c.client.Scan(ctx, 0, c.keyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		size++
	}
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}
