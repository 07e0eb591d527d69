package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l, err := NewLimiter(context.Background(), client)
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	return l, mr
}

func TestTryAdmitWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		admitted, err := l.TryAdmit(ctx, GlobalScope, 3)
		if err != nil {
			t.Fatalf("TryAdmit: %v", err)
		}
		if !admitted {
			t.Fatalf("expected admission %d to succeed", i)
		}
	}
}

func TestTryAdmitRejectsAtLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.TryAdmit(ctx, GlobalScope, 2); err != nil {
			t.Fatalf("TryAdmit: %v", err)
		}
	}

	admitted, err := l.TryAdmit(ctx, GlobalScope, 2)
	if err != nil {
		t.Fatalf("TryAdmit: %v", err)
	}
	if admitted {
		t.Fatal("expected third admission to be rejected at limit 2")
	}
}

func TestTryAdmitBothReleasesGlobalOnSenderReject(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	senderScope := SenderScope("sender-1")
	// Exhaust the sender's own ceiling first.
	if _, err := l.TryAdmit(ctx, senderScope, 1); err != nil {
		t.Fatalf("TryAdmit: %v", err)
	}

	admitted, err := l.TryAdmitBoth(ctx, 100, senderScope, 1)
	if err != nil {
		t.Fatalf("TryAdmitBoth: %v", err)
	}
	if admitted {
		t.Fatal("expected admission to fail when sender scope is exhausted")
	}

	// The global bucket should have been released back to 0, so an
	// unrelated sender can still be admitted against the same global limit.
	otherSender := SenderScope("sender-2")
	admitted, err = l.TryAdmitBoth(ctx, 1, otherSender, 10)
	if err != nil {
		t.Fatalf("TryAdmitBoth: %v", err)
	}
	if !admitted {
		t.Fatal("expected global bucket to have been released, allowing this admission")
	}
}

func TestRelease(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.TryAdmit(ctx, GlobalScope, 1); err != nil {
		t.Fatalf("TryAdmit: %v", err)
	}
	if admitted, _ := l.TryAdmit(ctx, GlobalScope, 1); admitted {
		t.Fatal("expected bucket to be exhausted")
	}

	if err := l.Release(ctx, GlobalScope); err != nil {
		t.Fatalf("Release: %v", err)
	}

	admitted, err := l.TryAdmit(ctx, GlobalScope, 1)
	if err != nil {
		t.Fatalf("TryAdmit: %v", err)
	}
	if !admitted {
		t.Fatal("expected admission after release to succeed")
	}
}
