package tools

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/flowkit/engine/flowerr"
)

// Bucket is the rate-limit backend interface: Allow reports whether one
// call against key may proceed now. The default in-memory implementation
// below satisfies it; a host may supply a Redis-backed one for multi-process
// deployments (the spec's "rate-limiter policy knobs" are a host concern,
// consumed only through this interface).
type Bucket interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Limits configures the token bucket: capacity is the burst size, refill is
// the sustained rate. Sane defaults are used when either is zero.
type Limits struct {
	Capacity int
	Refill   rate.Limit // tokens per second
}

// DefaultLimits matches the spec's "sane defaults" phrasing: five calls per
// tool per session per second, bursting to ten.
var DefaultLimits = Limits{Capacity: 10, Refill: 5}

// MemoryBucket is an in-process token bucket per (sessionId, toolName) key,
// built on golang.org/x/time/rate the way the teacher's runtime leans on
// standard ecosystem primitives rather than hand-rolled limiting.
type MemoryBucket struct {
	limits Limits
	mu     sync.Mutex
	byKey  map[string]*rate.Limiter
}

// NewMemoryBucket builds a MemoryBucket using limits, falling back to
// DefaultLimits for any zero field.
func NewMemoryBucket(limits Limits) *MemoryBucket {
	if limits.Capacity <= 0 {
		limits.Capacity = DefaultLimits.Capacity
	}
	if limits.Refill <= 0 {
		limits.Refill = DefaultLimits.Refill
	}
	return &MemoryBucket{limits: limits, byKey: make(map[string]*rate.Limiter)}
}

// Allow reports whether the bucket for key has a token available, consuming
// one if so.
func (b *MemoryBucket) Allow(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	limiter, ok := b.byKey[key]
	if !ok {
		limiter = rate.NewLimiter(b.limits.Refill, b.limits.Capacity)
		b.byKey[key] = limiter
	}
	b.mu.Unlock()
	return limiter.Allow(), nil
}

// BucketKey builds the per-(session, tool) rate-limit key the spec's
// shared-resource policy describes.
func BucketKey(sessionID, toolName string) string {
	return sessionID + "\x00" + toolName
}

// checkRateLimit is the invoker's single entry point into the bucket,
// turning a false Allow into a flowerr.HTTPStatus error with no status code
// (the step evaluator's smart default answers it with the generic retry
// prompt, as for any HTTP status failure) and a bucket error into a
// flowerr.Internal. A nil bucket allows every call.
func checkRateLimit(ctx context.Context, b Bucket, sessionID, toolName string) error {
	if b == nil {
		return nil
	}
	allowed, err := b.Allow(ctx, BucketKey(sessionID, toolName))
	if err != nil {
		return flowerr.Wrap(flowerr.Internal, "rate limit check", err)
	}
	if !allowed {
		return flowerr.New(flowerr.HTTPStatus, "rate limit exceeded for tool "+toolName)
	}
	return nil
}
