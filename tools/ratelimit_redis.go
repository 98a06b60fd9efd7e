package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBucket implements Bucket on top of a shared Redis instance, for
// multi-process deployments where an in-memory MemoryBucket per process
// would let each process grant its own full quota. Uses INCR+EXPIRE over a
// fixed window rather than a true token bucket — a coarser but simpler
// approximation that's sufficient for per-(session,tool) throttling.
type RedisBucket struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRedisBucket builds a RedisBucket allowing at most limit calls per
// window for each key.
func NewRedisBucket(client *redis.Client, limit int, window time.Duration) *RedisBucket {
	return &RedisBucket{client: client, limit: limit, window: window}
}

// Allow increments the counter for key and reports whether it is still
// within limit for the current window.
func (b *RedisBucket) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("flowkit:ratelimit:%s", key)
	count, err := b.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := b.client.Expire(ctx, redisKey, b.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(b.limit), nil
}
