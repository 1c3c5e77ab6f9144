package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/coinsentry/coinsentry-go/internal/errs"
)

// Key builders. One cache entry per symbol and data kind.
func MarketDataKey(symbol string) string { return "marketdata:" + symbol }
func OHLCVKey(symbol string) string      { return "ohlcv:" + symbol }
func AnalysisKey(symbol string) string   { return "analysis:" + symbol }

// LeaseKey names the mutual-exclusion lease for a pipeline stage on a symbol.
func LeaseKey(stage, symbol string) string {
	return fmt.Sprintf("lease:%s:%s", stage, symbol)
}

// Adapter wraps the shared key/value cache. The cache is a performance
// optimization only: reads degrade to a miss and writes are skipped when
// the cache is unavailable, so the pipeline never blocks on an outage.
type Adapter struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewAdapter creates a cache adapter over an existing Redis client.
func NewAdapter(client *redis.Client, logger *logrus.Logger) *Adapter {
	return &Adapter{client: client, logger: logger}
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(host string, port int, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return rdb, nil
}

// Get retrieves a value. A missing key and a cache outage both report
// found=false; the outage additionally carries ErrCacheUnavailable for
// callers that want to distinguish.
func (a *Adapter) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := a.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		a.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).
			Warn("Cache read failed, treating as miss")
		return "", false, fmt.Errorf("%w: %v", errs.ErrCacheUnavailable, err)
	}
	return value, true, nil
}

// Set stores a value with a TTL. Failures are logged and swallowed: the
// durable store remains the system of record.
func (a *Adapter) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := a.client.Set(ctx, key, value, ttl).Err(); err != nil {
		a.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).
			Warn("Cache write failed, proceeding without caching")
	}
}

// AcquireLease atomically claims the key for owner with the given TTL.
// It returns false when another owner holds the lease. A cache outage also
// returns false with ErrCacheUnavailable: without the lease no protected
// section runs, which fails safe against duplicate work.
func (a *Adapter) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	acquired, err := a.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		a.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).
			Warn("Lease acquisition failed")
		return false, fmt.Errorf("%w: %v", errs.ErrCacheUnavailable, err)
	}
	return acquired, nil
}

// ReleaseLease drops the lease if it is still held by owner. A lease that
// expired and was re-acquired by someone else is left alone.
func (a *Adapter) ReleaseLease(ctx context.Context, key, owner string) {
	current, err := a.client.Get(ctx, key).Result()
	if err != nil {
		return
	}
	if current == owner {
		if err := a.client.Del(ctx, key).Err(); err != nil {
			a.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).
				Debug("Lease release failed, letting TTL expire it")
		}
	}
}

// HealthCheck pings the cache engine.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}
