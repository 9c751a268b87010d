// Package worker implements the runner's bounded worker pool: a fixed
// number of workers draining a bounded channel, each invoking the matching
// executor, recovering panics, and always acknowledging the source message
// afterward so poison messages never wedge a consumer group.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/repobox/runner/internal/admission"
)

// Metrics is the subset of the metrics registry the pool touches.
type Metrics interface {
	ObserveExecutorDuration(kind string, seconds float64)
	ObserveAck(stream, outcome string)
	SetQueueDepth(kind string, n float64)
}

// Job is one unit of work pulled off a stream and handed to a worker.
// Execute runs the matching executor; Stream/Group/MsgID identify the
// originating stream message so the worker can acknowledge it after Execute
// returns, success or failure.
type Job struct {
	Kind    string // "init" | "prompt" | "push" | "legacy"
	Stream  string
	Group   string
	MsgID   string
	UserID  string // non-empty only for admission-gated jobs (prompt)
	Execute func(ctx context.Context) error
}

// Pool is a fixed-size worker pool draining a bounded channel of Jobs.
type Pool struct {
	rdb         *redis.Client
	admission   *admission.Controller
	logger      *slog.Logger
	metrics     Metrics
	execTimeout time.Duration

	jobs chan Job
	n    int
}

// New builds a pool with n workers and a queue of the given capacity. Each
// executor invocation runs under execTimeout (zero means no deadline).
func New(rdb *redis.Client, adm *admission.Controller, logger *slog.Logger, metrics Metrics, n, queueCap int, execTimeout time.Duration) *Pool {
	if n <= 0 {
		n = 1
	}
	if queueCap <= 0 {
		queueCap = n * 4
	}
	return &Pool{
		rdb:         rdb,
		admission:   adm,
		logger:      logger.With("component", "worker-pool"),
		metrics:     metrics,
		execTimeout: execTimeout,
		jobs:        make(chan Job, queueCap),
		n:           n,
	}
}

// Submit enqueues j, blocking until a slot is free or ctx is cancelled. The
// dispatcher calls this after a successful (non-rejected) admission check.
func (p *Pool) Submit(ctx context.Context, j Job) error {
	select {
	case p.jobs <- j:
		if p.metrics != nil {
			p.metrics.SetQueueDepth(j.Kind, float64(len(p.jobs)))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts n worker goroutines and blocks until ctx is cancelled and every
// in-flight executor has returned.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.n)
	for i := 0; i < p.n; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			p.workerLoop(ctx, id)
		}(i)
	}
	<-ctx.Done()
	for i := 0; i < p.n; i++ {
		<-done
	}
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	log := p.logger.With("worker_id", id)
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.handle(ctx, log, j)
		}
	}
}

// handle runs one job's executor with panic recovery, then always
// acknowledges the source message and releases any admission slot. The
// ack-then-release pair must run on every path or the pending-entries list
// and the per-user counter drift.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, j Job) {
	start := time.Now()
	execErr := p.runRecovered(ctx, log, j)
	if p.metrics != nil {
		p.metrics.ObserveExecutorDuration(j.Kind, time.Since(start).Seconds())
	}

	// Executors run under the supervisor's root context; a cancelled root
	// context must still let Ack go through so crash-recovery state is
	// correct, so a short detached context is used here.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.rdb.XAck(ackCtx, j.Stream, j.Group, j.MsgID).Err(); err != nil {
		log.Warn("failed to ack message", "stream", j.Stream, "msg_id", j.MsgID, "error", err)
		if p.metrics != nil {
			p.metrics.ObserveAck(j.Stream, "ack_failed")
		}
	} else if p.metrics != nil {
		outcome := "success"
		if execErr != nil {
			outcome = "executor_failed"
		}
		p.metrics.ObserveAck(j.Stream, outcome)
	}

	if j.UserID != "" && p.admission != nil {
		p.admission.Release(ackCtx, j.UserID)
	}
}

func (p *Pool) runRecovered(ctx context.Context, log *slog.Logger, j Job) (execErr error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panicked, recovering", "kind", j.Kind, "panic", r)
			execErr = errPanic
		}
	}()
	if p.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.execTimeout)
		defer cancel()
	}
	execErr = j.Execute(ctx)
	if execErr != nil {
		log.Warn("executor returned error", "kind", j.Kind, "msg_id", j.MsgID, "error", execErr)
	}
	return execErr
}

var errPanic = panicError{}

type panicError struct{}

func (panicError) Error() string { return "executor panicked" }
