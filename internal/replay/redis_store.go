package replay

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore is the multi-replica guard. In a multi-pod deployment each
// pod runs its own admission pipeline; without a shared store a nonce seen by
// pod 1 would be accepted again by pod 2. SETNX with TTL gives the same
// first-writer-wins semantics as the in-memory store; capacity bounding is
// delegated to Redis key expiry.
type RedisNonceStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	timeout   time.Duration
	logger    *log.Logger
}

// NewRedisNonceStore creates a Redis-backed guard. keyPrefix namespaces the
// keys, e.g. "atp:nonce:".
func NewRedisNonceStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisNonceStore {
	if keyPrefix == "" {
		keyPrefix = "atp:nonce:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisNonceStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		timeout:   2 * time.Second,
		logger:    log.New(log.Writer(), "[REPLAY] ", log.LstdFlags),
	}
}

// CheckAndStore implements Guard. On Redis failure the nonce is admitted:
// replay protection degrades open rather than taking the data plane down.
func (rs *RedisNonceStore) CheckAndStore(nonce string, now time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), rs.timeout)
	defer cancel()

	ok, err := rs.client.SetNX(ctx, rs.keyPrefix+nonce, now.Unix(), rs.ttl).Result()
	if err != nil {
		rs.logger.Printf("redis SETNX failed, admitting nonce: %v", err)
		return true
	}
	return ok
}

// Ping verifies Redis connectivity.
func (rs *RedisNonceStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

var _ Guard = (*RedisNonceStore)(nil)
