package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultKeyPrefix namespaces outbox lists.
	DefaultKeyPrefix = "courier:outbox:"
	// DefaultRetention bounds how long an undelivered list survives.
	DefaultRetention = 7 * 24 * time.Hour
)

var errMissingRedisClient = errors.New("outbox: redis client is required")

// RedisQueueConfig describes the dependencies of a RedisQueue.
type RedisQueueConfig struct {
	Client    *redis.Client
	KeyPrefix string
	Retention time.Duration
	Logger    *zap.Logger
}

// RedisQueue appends bundles as JSON onto a per-account Redis list consumed by the
// sending pipeline.
type RedisQueue struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
	logger    *zap.Logger
}

// NewRedisQueue constructs a RedisQueue.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{client: cfg.Client, keyPrefix: prefix, retention: retention, logger: logger}, nil
}

// Key returns the list key for account.
func (q *RedisQueue) Key(account wire.Address) string {
	return q.keyPrefix + account.String()
}

// Enqueue implements Queue. Failures are logged and the bundle is dropped.
func (q *RedisQueue) Enqueue(ctx context.Context, bundle Bundle) {
	payload, err := json.Marshal(bundle)
	if err != nil {
		q.logger.Error("outbox bundle encoding failed", zap.String("bundle_id", bundle.BundleID), zap.Error(err))
		return
	}
	key := q.Key(bundle.Account)
	if err := q.client.RPush(ctx, key, payload).Err(); err != nil {
		q.logger.Error("outbox enqueue failed",
			zap.String("bundle_id", bundle.BundleID),
			zap.String("key", key),
			zap.Error(err))
		return
	}
	q.client.Expire(ctx, key, q.retention)
}

// Pending returns up to limit queued bundles for account without removing them.
func (q *RedisQueue) Pending(ctx context.Context, account wire.Address, limit int64) ([]Bundle, error) {
	if limit <= 0 {
		limit = 100
	}
	values, err := q.client.LRange(ctx, q.Key(account), 0, limit-1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	bundles := make([]Bundle, 0, len(values))
	for _, value := range values {
		var bundle Bundle
		if err := json.Unmarshal([]byte(value), &bundle); err != nil {
			q.logger.Warn("skipping undecodable outbox entry", zap.String("key", q.Key(account)), zap.Error(err))
			continue
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}
