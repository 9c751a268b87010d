package admission

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestController(t *testing.T, cap int) *Controller {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, cap, logger, nil)
}

func TestTryAcquireUnderCap(t *testing.T) {
	c := newTestController(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := c.TryAcquire(ctx, "u1")
		if err != nil {
			t.Fatalf("TryAcquire: %v", err)
		}
		if decision != Acquired {
			t.Errorf("attempt %d: got %q, want Acquired", i, decision)
		}
	}
}

func TestTryAcquireRejectsOverCap(t *testing.T) {
	c := newTestController(t, 1)
	ctx := context.Background()

	decision, err := c.TryAcquire(ctx, "u1")
	if err != nil || decision != Acquired {
		t.Fatalf("first TryAcquire: decision=%q err=%v", decision, err)
	}
	decision, err = c.TryAcquire(ctx, "u1")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if decision != Rejected {
		t.Errorf("second acquire got %q, want Rejected", decision)
	}
}

func TestTryAcquireReleasesOwnIncrementOnReject(t *testing.T) {
	c := newTestController(t, 1)
	ctx := context.Background()

	if _, err := c.TryAcquire(ctx, "u1"); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if decision, err := c.TryAcquire(ctx, "u1"); err != nil || decision != Rejected {
		t.Fatalf("decision=%q err=%v", decision, err)
	}

	// Rejecting must not leave the counter above cap: a subsequent release
	// of the first successful acquire should bring it back to zero, and a
	// fresh acquire should succeed again.
	c.Release(ctx, "u1")
	decision, err := c.TryAcquire(ctx, "u1")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if decision != Acquired {
		t.Errorf("got %q after release, want Acquired", decision)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	c := newTestController(t, 5)
	ctx := context.Background()

	// Two releases with no matching acquire must not drive the counter
	// negative.
	c.Release(ctx, "u1")
	c.Release(ctx, "u1")

	decision, err := c.TryAcquire(ctx, "u1")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if decision != Acquired {
		t.Errorf("got %q, want Acquired", decision)
	}
}

func TestTryAcquirePerUserIsolation(t *testing.T) {
	c := newTestController(t, 1)
	ctx := context.Background()

	if decision, err := c.TryAcquire(ctx, "u1"); err != nil || decision != Acquired {
		t.Fatalf("u1: decision=%q err=%v", decision, err)
	}
	if decision, err := c.TryAcquire(ctx, "u2"); err != nil || decision != Acquired {
		t.Fatalf("u2: decision=%q err=%v", decision, err)
	}
}
