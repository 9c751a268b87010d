package output

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	rediskeys "github.com/repobox/runner/internal/redis"
)

func newTestSink(t *testing.T) (*Sink, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSink(rdb, logger), mr, rdb
}

func TestAppendWritesRunnerLine(t *testing.T) {
	sink, mr, rdb := newTestSink(t)
	ctx := context.Background()

	sink.Append(ctx, "s1", Stdout, "hello world")

	key := rediskeys.WorkSessionOutputKey("s1")
	vals, err := rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(vals) != 1 {
		t.Fatalf("got %d lines, want 1", len(vals))
	}

	var got Line
	if err := json.Unmarshal([]byte(vals[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Stream != Stdout || got.Source != SourceRunner || got.Line != "hello world" {
		t.Errorf("unexpected line: %+v", got)
	}

	ttl := mr.TTL(key)
	if ttl <= 0 {
		t.Errorf("expected TTL to be set on output key, got %v", ttl)
	}
}

func TestAppendAgentWritesAgentSource(t *testing.T) {
	sink, _, rdb := newTestSink(t)
	ctx := context.Background()

	sink.AppendAgent(ctx, "s1", Stderr, "agent output")

	key := rediskeys.WorkSessionOutputKey("s1")
	vals, err := rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	var got Line
	if err := json.Unmarshal([]byte(vals[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Source != SourceAgent || got.Stream != Stderr {
		t.Errorf("unexpected line: %+v", got)
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	sink, _, rdb := newTestSink(t)
	ctx := context.Background()

	sink.Append(ctx, "s1", Stdout, "first")
	sink.Append(ctx, "s1", Stdout, "second")
	sink.Append(ctx, "s1", Stdout, "third")

	key := rediskeys.WorkSessionOutputKey("s1")
	vals, err := rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(vals) != 3 {
		t.Fatalf("got %d lines, want 3", len(vals))
	}
	for i, want := range []string{"first", "second", "third"} {
		var got Line
		if err := json.Unmarshal([]byte(vals[i]), &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Line != want {
			t.Errorf("line %d = %q, want %q", i, got.Line, want)
		}
	}
}

func TestAppendRefreshesTTLOnEachCall(t *testing.T) {
	sink, mr, _ := newTestSink(t)
	ctx := context.Background()
	key := rediskeys.WorkSessionOutputKey("s1")

	sink.Append(ctx, "s1", Stdout, "one")
	mr.FastForward(TTL / 2)
	sink.Append(ctx, "s1", Stdout, "two")

	ttl := mr.TTL(key)
	if ttl < TTL/2 {
		t.Errorf("expected TTL refreshed close to %v, got %v", TTL, ttl)
	}
}

func TestAppendIsolatesSessions(t *testing.T) {
	sink, _, rdb := newTestSink(t)
	ctx := context.Background()

	sink.Append(ctx, "s1", Stdout, "for s1")
	sink.Append(ctx, "s2", Stdout, "for s2")

	n1, err := rdb.LLen(ctx, rediskeys.WorkSessionOutputKey("s1")).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	n2, err := rdb.LLen(ctx, rediskeys.WorkSessionOutputKey("s2")).Result()
	if err != nil {
		t.Fatalf("LLen: %v", err)
	}
	if n1 != 1 || n2 != 1 {
		t.Errorf("n1=%d n2=%d, want 1 and 1", n1, n2)
	}
}
