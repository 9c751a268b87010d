// Package admission implements the per-user in-flight prompt counter: an
// atomic increment-then-read against a shared Redis counter, with a soft
// cap tolerated across a fleet of runners.
package admission

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	rediskeys "github.com/repobox/runner/internal/redis"
	"github.com/repobox/runner/internal/rerror"
)

// Decision is the result of TryAcquire.
type Decision string

const (
	Acquired Decision = "acquired"
	Rejected Decision = "rejected"
)

// Metrics is the narrow subset of the metrics registry the controller
// touches, kept as an interface so callers that don't wire Prometheus (unit
// tests) can pass a no-op.
type Metrics interface {
	ObserveRejection()
	SetInFlight(userID string, n float64)
}

// Controller guards MAX_JOBS_PER_USER concurrent prompt executions per
// user.
type Controller struct {
	rdb     *redis.Client
	cap     int
	logger  *slog.Logger
	metrics Metrics
}

func New(rdb *redis.Client, cap int, logger *slog.Logger, metrics Metrics) *Controller {
	return &Controller{rdb: rdb, cap: cap, logger: logger.With("component", "admission"), metrics: metrics}
}

// TryAcquire atomically increments the per-user counter and reads it back.
// If the observed count exceeds cap, it releases its own increment and
// returns Rejected. The check is non-transactional, so the effective cap is
// soft: a transient overshoot proportional to concurrent acquirers is
// accepted.
func (c *Controller) TryAcquire(ctx context.Context, userID string) (Decision, error) {
	key := rediskeys.AdmissionCounterKey(userID)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return Rejected, rerror.New(rerror.KindTransient, "admission.TryAcquire", err)
	}
	if c.metrics != nil {
		c.metrics.SetInFlight(userID, float64(n))
	}
	if int(n) > c.cap {
		c.release(ctx, key, userID)
		if c.metrics != nil {
			c.metrics.ObserveRejection()
		}
		return Rejected, nil
	}
	return Acquired, nil
}

// Release decrements the per-user counter. Idempotent from the caller's
// perspective: always issued exactly once per successful TryAcquire by the
// worker after the executor returns.
func (c *Controller) Release(ctx context.Context, userID string) {
	c.release(ctx, rediskeys.AdmissionCounterKey(userID), userID)
}

func (c *Controller) release(ctx context.Context, key, userID string) {
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		c.logger.Warn("failed to release admission slot", "user_id", userID, "error", err)
		return
	}
	if n < 0 {
		// Clamp: a double-release or counter drift must never go negative,
		// since that would let more than cap jobs run undetected.
		if resetErr := c.rdb.Set(ctx, key, 0, 0).Err(); resetErr != nil {
			c.logger.Warn("failed to clamp admission counter", "user_id", userID, "error", resetErr)
		}
		n = 0
	}
	if c.metrics != nil {
		c.metrics.SetInFlight(userID, float64(n))
	}
}
