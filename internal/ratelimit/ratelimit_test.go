package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCounterIncrements(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, "login:a@example.com", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}

	// Keys count independently.
	got, err := c.Incr(ctx, "login:b@example.com", time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if got != 1 {
		t.Fatalf("count for fresh key = %d, want 1", got)
	}
}

func TestMemoryCounterWindowExpiry(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	if _, err := c.Incr(ctx, "k", 20*time.Millisecond); err != nil {
		t.Fatalf("incr: %v", err)
	}
	if _, err := c.Incr(ctx, "k", 20*time.Millisecond); err != nil {
		t.Fatalf("incr: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	got, err := c.Incr(ctx, "k", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if got != 1 {
		t.Fatalf("count after window = %d, want 1", got)
	}
}

func TestMemoryCounterReset(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	c.Incr(ctx, "k", time.Minute)
	c.Incr(ctx, "k", time.Minute)
	if err := c.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, err := c.Incr(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if got != 1 {
		t.Fatalf("count after reset = %d, want 1", got)
	}
}
