// Package store implements the session/job/provider store over Redis
// hashes, with one parse function per entity turning raw string maps into
// typed records: malformed records are reported as errors, never crashed
// on.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	rediskeys "github.com/repobox/runner/internal/redis"
	"github.com/repobox/runner/internal/rerror"
)

// Status is a session's place in its lifecycle state machine.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusPushed       Status = "pushed"
	StatusArchived     Status = "archived"
	StatusFailed       Status = "failed"
)

// Terminal reports whether status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusPushed || s == StatusArchived || s == StatusFailed
}

// Session mirrors the work_session:{id} hash.
type Session struct {
	ID              string `validate:"required"`
	UserID          string `validate:"required"`
	ProviderID      string `validate:"required"`
	RepoURL         string `validate:"required"`
	RepoName        string
	BaseBranch      string `validate:"required"`
	WorkBranch      string

	Status Status `validate:"required"`

	JobCount          int
	TotalLinesAdded   int
	TotalLinesRemoved int

	MRURL        string
	MRWarning    string
	ErrorMessage string
	LastJobStatus string

	CreatedAt      int64
	LastActivityAt int64
	PushedAt       int64
}

// SessionStore reads and updates session hashes.
type SessionStore struct {
	rdb      *redis.Client
	validate *validator.Validate
}

// NewSessionStore wires a store over an existing Redis client. The client
// itself (lifetime, pool size, TLS) is owned by the supervisor.
func NewSessionStore(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb, validate: validator.New()}
}

// Get loads and parses a session. Returns rerror.KindPoison if the hash is
// malformed rather than panicking on a bad numeric field.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.rdb.HGetAll(ctx, rediskeys.WorkSessionKey(sessionID)).Result()
	if err != nil {
		return nil, rerror.New(rerror.KindTransient, "store.Session.Get", err)
	}
	if len(data) == 0 {
		return nil, rerror.New(rerror.KindPoison, "store.Session.Get", fmt.Errorf("session not found: %s", sessionID))
	}
	return s.parse(sessionID, data)
}

func (s *SessionStore) parse(id string, data map[string]string) (*Session, error) {
	sess := &Session{
		ID:                id,
		UserID:            data["user_id"],
		ProviderID:        data["provider_id"],
		RepoURL:           data["repo_url"],
		RepoName:          data["repo_name"],
		BaseBranch:        data["base_branch"],
		WorkBranch:        data["work_branch"],
		Status:            Status(data["status"]),
		MRURL:             data["mr_url"],
		MRWarning:         data["mr_warning"],
		ErrorMessage:      data["error_message"],
		LastJobStatus:     data["last_job_status"],
		JobCount:          atoiDefault(data["job_count"], 0),
		TotalLinesAdded:   atoiDefault(data["total_lines_added"], 0),
		TotalLinesRemoved: atoiDefault(data["total_lines_removed"], 0),
		CreatedAt:         atoi64Default(data["created_at"], 0),
		LastActivityAt:    atoi64Default(data["last_activity_at"], 0),
		PushedAt:          atoi64Default(data["pushed_at"], 0),
	}
	if err := s.validate.Struct(sess); err != nil {
		return nil, rerror.New(rerror.KindPoison, "store.Session.parse", err)
	}
	return sess, nil
}

// UpdateStatus performs a blind merge of the patch plus the new status.
// The session lifecycle guarantees a single writer per session at any
// instant, so no CAS is needed. last_activity_at is always refreshed.
func (s *SessionStore) UpdateStatus(ctx context.Context, sessionID string, status Status, patch map[string]any) error {
	updates := map[string]any{
		"status":           string(status),
		"last_activity_at": time.Now().UnixMilli(),
	}
	for k, v := range patch {
		updates[k] = v
	}
	if err := s.rdb.HSet(ctx, rediskeys.WorkSessionKey(sessionID), updates).Err(); err != nil {
		return rerror.New(rerror.KindTransient, "store.Session.UpdateStatus", err)
	}
	return nil
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func atoi64Default(s string, def int64) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
