package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenBucket_AllowDrainsCapacity(t *testing.T) {
	tb := NewTokenBucket(3, 1)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("Allow() #%d = false, want true", i+1)
		}
	}
	if tb.Allow() {
		t.Fatal("Allow() = true on empty bucket")
	}
	if got := tb.GetRemaining(); got != 0 {
		t.Fatalf("GetRemaining() = %d, want 0", got)
	}
}

func TestTokenBucket_WaitHonorsContext(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	if !tb.Allow() {
		t.Fatal("initial Allow() = false")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tb.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want deadline exceeded", err)
	}
}

func TestTokenBucket_RefillRestoresTokens(t *testing.T) {
	tb := NewTokenBucket(5, 5)
	for i := 0; i < 5; i++ {
		tb.Allow()
	}
	if got := tb.GetRemaining(); got != 0 {
		t.Fatalf("GetRemaining() = %d, want 0", got)
	}

	// 补充按整秒结算
	time.Sleep(1100 * time.Millisecond)
	if got := tb.GetRemaining(); got != 5 {
		t.Fatalf("GetRemaining() = %d, want 5 after refill", got)
	}
}

func TestTokenBucket_WaitSucceedsAfterRefill(t *testing.T) {
	tb := NewTokenBucket(1, 5)
	tb.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
}
