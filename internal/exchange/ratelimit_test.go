package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketAllowsBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 5 took %v, expected near-instant", elapsed)
	}
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // refills 1 token per 100ms
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second Wait returned after %v, expected ~100ms refill delay", elapsed)
	}
}

func TestTokenBucketRespectsContext(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(cancelled); err == nil {
		t.Error("Wait on empty bucket with cancelled context returned nil error")
	}
}

func TestNewRateLimiterCategories(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()
	if rl.Order == nil || rl.Cancel == nil || rl.Market == nil {
		t.Fatal("rate limiter has nil buckets")
	}
}
