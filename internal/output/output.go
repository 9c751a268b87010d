// Package output implements the append-only per-session output list: one
// JSON line per event, TTL-refreshed on every append, best-effort so a
// store hiccup never fails an executor.
package output

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	rediskeys "github.com/repobox/runner/internal/redis"
)

// TTL is refreshed on every append; the list expires 7 days after the last
// one.
const TTL = 7 * 24 * time.Hour

// Stream is the output channel an OutputLine belongs to.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Source distinguishes runner-emitted narration from AI-agent output.
type Source string

const (
	SourceRunner Source = "runner"
	SourceAgent  Source = "agent"
)

// Line is the wire shape of one output record.
type Line struct {
	Timestamp int64  `json:"timestamp"`
	Stream    Stream `json:"stream"`
	Source    Source `json:"source"`
	Line      string `json:"line"`
}

// Sink appends OutputLine records to a session's output list.
type Sink struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewSink(rdb *redis.Client, logger *slog.Logger) *Sink {
	return &Sink{rdb: rdb, logger: logger.With("component", "output-sink")}
}

// Append writes one line as source=runner. Failures are logged and
// swallowed; an append must never fail an executor.
func (s *Sink) Append(ctx context.Context, sessionID string, stream Stream, line string) {
	s.append(ctx, sessionID, stream, SourceRunner, line)
}

// AppendAgent writes one line as source=agent, used by the AI agent
// adapter's stdout/stderr scanners.
func (s *Sink) AppendAgent(ctx context.Context, sessionID string, stream Stream, line string) {
	s.append(ctx, sessionID, stream, SourceAgent, line)
}

func (s *Sink) append(ctx context.Context, sessionID string, stream Stream, source Source, line string) {
	rec := Line{
		Timestamp: time.Now().UnixMilli(),
		Stream:    stream,
		Source:    source,
		Line:      line,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("failed to marshal output line", "session_id", sessionID, "error", err)
		return
	}

	key := rediskeys.WorkSessionOutputKey(sessionID)
	if err := s.rdb.RPush(ctx, key, string(data)).Err(); err != nil {
		s.logger.Warn("failed to append output line", "session_id", sessionID, "error", err)
		return
	}
	if err := s.rdb.Expire(ctx, key, TTL).Err(); err != nil {
		s.logger.Warn("failed to refresh output TTL", "session_id", sessionID, "error", err)
	}
}
