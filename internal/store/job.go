package store

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	rediskeys "github.com/repobox/runner/internal/redis"
	"github.com/repobox/runner/internal/rerror"
)

// JobStatus is a job's place in its own small lifecycle.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job mirrors the job:{id} hash. SessionID is empty for jobs created by
// the legacy single-shot dispatcher, which never persists a session record;
// RepoURL/RepoName/BaseBranch are populated only in that path, where the
// job hash itself carries the repo coordinates a session hash would
// otherwise hold.
type Job struct {
	ID           string `validate:"required"`
	SessionID    string
	UserID       string `validate:"required"`
	Prompt       string
	Environment  string
	Status       JobStatus `validate:"required"`
	StartedAt    int64
	FinishedAt   int64
	LinesAdded   int
	LinesRemoved int
	ErrorMessage string

	RepoURL    string
	RepoName   string
	BaseBranch string
}

// JobStore reads and updates job hashes.
type JobStore struct {
	rdb      *redis.Client
	validate *validator.Validate
}

func NewJobStore(rdb *redis.Client) *JobStore {
	return &JobStore{rdb: rdb, validate: validator.New()}
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.rdb.HGetAll(ctx, rediskeys.JobKey(jobID)).Result()
	if err != nil {
		return nil, rerror.New(rerror.KindTransient, "store.Job.Get", err)
	}
	if len(data) == 0 {
		return nil, rerror.New(rerror.KindPoison, "store.Job.Get", fmt.Errorf("job not found: %s", jobID))
	}

	j := &Job{
		ID:           jobID,
		SessionID:    data["session_id"],
		UserID:       data["user_id"],
		Prompt:       data["prompt"],
		Environment:  data["environment"],
		Status:       JobStatus(data["status"]),
		ErrorMessage: data["error_message"],
		StartedAt:    atoi64Default(data["started_at"], 0),
		FinishedAt:   atoi64Default(data["finished_at"], 0),
		LinesAdded:   atoiDefault(data["lines_added"], 0),
		LinesRemoved: atoiDefault(data["lines_removed"], 0),
		RepoURL:      data["repo_url"],
		RepoName:     data["repo_name"],
		BaseBranch:   data["base_branch"],
	}
	if err := s.validate.Struct(j); err != nil {
		return nil, rerror.New(rerror.KindPoison, "store.Job.Get", err)
	}
	return j, nil
}

// UpdateStatus is the job-side analogue of SessionStore.UpdateStatus.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID string, status JobStatus, patch map[string]any) error {
	updates := map[string]any{"status": string(status)}
	for k, v := range patch {
		updates[k] = v
	}
	if err := s.rdb.HSet(ctx, rediskeys.JobKey(jobID), updates).Err(); err != nil {
		return rerror.New(rerror.KindTransient, "store.Job.UpdateStatus", err)
	}
	return nil
}

