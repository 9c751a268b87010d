package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/repobox/runner/internal/admission"
	"github.com/repobox/runner/internal/executor"
	"github.com/repobox/runner/internal/messages"
	rediskeys "github.com/repobox/runner/internal/redis"
	"github.com/repobox/runner/internal/worker"
)

const (
	blockTimeout        = 5 * time.Second
	claimIdleThreshold  = 5 * time.Minute
	reclaimTick         = 1 * time.Minute
	admissionRetryDelay = 100 * time.Millisecond
)

// Dispatcher runs the stream-consumer loops: init, prompt, and push, plus
// the legacy single-shot jobs stream when enabled. Every loop reclaims its
// own pending entries on startup and on a periodic tick, so a crashed
// runner's unacknowledged messages are redelivered here.
type Dispatcher struct {
	rdb          *redis.Client
	pool         *worker.Pool
	admission    *admission.Controller
	consumer     string
	logger       *slog.Logger
	enableLegacy bool

	init   *executor.Init
	prompt *executor.Prompt
	push   *executor.Push
	legacy *executor.Legacy
}

// New builds a Dispatcher bound to one consumer identity (RUNNER_ID).
func New(rdb *redis.Client, pool *worker.Pool, adm *admission.Controller, consumer string, enableLegacy bool, init *executor.Init, prompt *executor.Prompt, push *executor.Push, legacy *executor.Legacy, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		rdb:          rdb,
		pool:         pool,
		admission:    adm,
		consumer:     consumer,
		enableLegacy: enableLegacy,
		init:         init,
		prompt:       prompt,
		push:         push,
		legacy:       legacy,
		logger:       logger.With("component", "dispatcher"),
	}
}

// Run blocks, running every enabled stream loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	done := make(chan struct{}, 4)
	n := 0

	start := func(stream, group string, handle handlerFunc, gated bool) {
		n++
		go func() {
			defer func() { done <- struct{}{} }()
			d.consumeLoop(ctx, stream, group, handle, gated)
		}()
	}

	start(rediskeys.InitStream, rediskeys.InitGroup, d.handleInit, false)
	start(rediskeys.PromptStream, rediskeys.PromptGroup, d.handlePrompt, true)
	start(rediskeys.PushStream, rediskeys.PushGroup, d.handlePush, false)
	if d.enableLegacy {
		start(rediskeys.LegacyJobsStream, rediskeys.LegacyJobsGroup, d.handleLegacy, false)
	}

	for i := 0; i < n; i++ {
		<-done
	}
}

// handlerFunc parses a raw field map and returns a worker.Job ready for
// submission, or an error if the envelope is malformed (poison message:
// the caller acks and drops it).
type handlerFunc func(fields map[string]string) (kind, userID string, execute func(ctx context.Context) error, err error)

func (d *Dispatcher) handleInit(fields map[string]string) (string, string, func(context.Context) error, error) {
	msg, err := messages.ParseInitMsg(fields)
	if err != nil {
		return "", "", nil, err
	}
	return "init", "", func(ctx context.Context) error { return d.init.Handle(ctx, msg) }, nil
}

func (d *Dispatcher) handlePrompt(fields map[string]string) (string, string, func(context.Context) error, error) {
	msg, err := messages.ParsePromptMsg(fields)
	if err != nil {
		return "", "", nil, err
	}
	return "prompt", msg.UserID, func(ctx context.Context) error { return d.prompt.Handle(ctx, msg) }, nil
}

func (d *Dispatcher) handlePush(fields map[string]string) (string, string, func(context.Context) error, error) {
	msg, err := messages.ParsePushMsg(fields)
	if err != nil {
		return "", "", nil, err
	}
	return "push", "", func(ctx context.Context) error { return d.push.Handle(ctx, msg) }, nil
}

func (d *Dispatcher) handleLegacy(fields map[string]string) (string, string, func(context.Context) error, error) {
	msg, err := messages.ParseLegacyJobMsg(fields)
	if err != nil {
		return "", "", nil, err
	}
	return "legacy", "", func(ctx context.Context) error { return d.legacy.Handle(ctx, msg) }, nil
}

// consumeLoop implements one stream's read-claim-dispatch cycle. When gated
// is true (the prompt stream only), each message must clear the admission
// controller before dispatch; a rejection leaves the message unacknowledged
// so it returns to the pending list for a later attempt.
func (d *Dispatcher) consumeLoop(ctx context.Context, stream, group string, handle handlerFunc, gated bool) {
	log := d.logger.With("stream", stream)

	if err := d.ensureGroup(ctx, stream, group); err != nil {
		log.Error("failed to ensure consumer group", "error", err)
		return
	}

	d.reclaim(ctx, stream, group, handle, gated, log)
	ticker := time.NewTicker(reclaimTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reclaim(ctx, stream, group, handle, gated, log)
		default:
		}

		res, err := d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: d.consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Warn("stream read failed", "error", err)
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				d.dispatch(ctx, stream, group, msg.ID, stringFields(msg.Values), handle, gated, log)
			}
		}
	}
}

// reclaim claims messages idle beyond claimIdleThreshold in this group's
// pending-entries list. Performed on every stream, so no stream's messages
// can be stranded by a dead consumer.
func (d *Dispatcher) reclaim(ctx context.Context, stream, group string, handle handlerFunc, gated bool, log *slog.Logger) {
	cursor := "0-0"
	for {
		msgs, next, err := d.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: d.consumer,
			MinIdle:  claimIdleThreshold,
			Start:    cursor,
			Count:    50,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Warn("reclaim failed", "error", err)
			}
			return
		}
		for _, msg := range msgs {
			d.dispatch(ctx, stream, group, msg.ID, stringFields(msg.Values), handle, gated, log)
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		cursor = next
	}
}

// dispatch parses one message and, if valid, submits it to the worker pool.
// Poison messages are acked and dropped immediately; a rejected admission
// check leaves the message unacked for later redelivery.
func (d *Dispatcher) dispatch(ctx context.Context, stream, group, msgID string, fields map[string]string, handle handlerFunc, gated bool, log *slog.Logger) {
	kind, userID, execute, err := handle(fields)
	if err != nil {
		log.Warn("dropping poison message", "msg_id", msgID, "error", err)
		if ackErr := d.rdb.XAck(ctx, stream, group, msgID).Err(); ackErr != nil {
			log.Warn("failed to ack poison message", "msg_id", msgID, "error", ackErr)
		}
		return
	}

	if gated {
		decision, admErr := d.admission.TryAcquire(ctx, userID)
		if admErr != nil {
			log.Warn("admission check failed", "msg_id", msgID, "error", admErr)
			return
		}
		if decision == admission.Rejected {
			time.Sleep(admissionRetryDelay)
			return
		}
	}

	job := worker.Job{Kind: kind, Stream: stream, Group: group, MsgID: msgID, Execute: execute}
	if gated {
		job.UserID = userID
	}
	if err := d.pool.Submit(ctx, job); err != nil {
		// Submission only fails on context cancellation (shutdown); release
		// the admission slot we just took so it isn't stranded, leaving the
		// message unacked for the next runner to pick up.
		if gated {
			d.admission.Release(ctx, userID)
		}
	}
}

func (d *Dispatcher) ensureGroup(ctx context.Context, stream, group string) error {
	err := d.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return err
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func stringFields(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
