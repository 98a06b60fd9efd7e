package tools

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryBucket_AllowsUpToCapacityThenBlocks(t *testing.T) {
	b := NewMemoryBucket(Limits{Capacity: 2, Refill: 0.0001})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := b.Allow(ctx, "s1\x00tool")
		if err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := b.Allow(ctx, "s1\x00tool")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Errorf("expected the bucket to be exhausted")
	}
}

func TestMemoryBucket_KeysAreIndependentPerSessionAndTool(t *testing.T) {
	b := NewMemoryBucket(Limits{Capacity: 1, Refill: 0.0001})
	ctx := context.Background()
	if ok, _ := b.Allow(ctx, BucketKey("s1", "toolA")); !ok {
		t.Fatalf("expected s1/toolA to be allowed")
	}
	if ok, _ := b.Allow(ctx, BucketKey("s1", "toolB")); !ok {
		t.Fatalf("expected a distinct bucket for toolB to be allowed")
	}
	if ok, _ := b.Allow(ctx, BucketKey("s2", "toolA")); !ok {
		t.Fatalf("expected a distinct bucket for s2 to be allowed")
	}
}

func TestRedisBucket_AllowsUpToLimitWithinWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewRedisBucket(client, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := b.Allow(ctx, "s1:tool")
		if err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := b.Allow(ctx, "s1:tool")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Errorf("expected the third call within the window to be blocked")
	}
}
