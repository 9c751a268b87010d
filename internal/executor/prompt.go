package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/repobox/runner/internal/agent"
	"github.com/repobox/runner/internal/git"
	"github.com/repobox/runner/internal/messages"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/store"
	"github.com/repobox/runner/internal/workspace"
)

// Prompt runs one AI prompt inside an existing session workspace. The
// session is expected to be `ready` on entry; a stale `running` status left
// by a crashed runner is treated as re-entry and the prompt proceeds. The
// executor commits the working tree after every successful agent invocation
// (commit-per-prompt, see README); the reported line counts are the stats
// of that commit.
type Prompt struct{ Deps *Deps }

// Handle runs one prompt against an existing, ready session.
func (e *Prompt) Handle(ctx context.Context, msg *messages.PromptMsg) error {
	d := e.Deps
	repoDir := workspace.RepoDir(d.TempDir, msg.SessionID)

	if !workspace.Exists(repoDir) {
		return e.failJob(ctx, msg, "session workdir not found")
	}

	if err := d.Sessions.UpdateStatus(ctx, msg.SessionID, store.StatusRunning, nil); err != nil {
		return err
	}
	if err := d.Jobs.UpdateStatus(ctx, msg.JobID, store.JobStatusRunning, map[string]any{
		"started_at": nowMillis(),
	}); err != nil {
		return err
	}
	d.Sink.Append(ctx, msg.SessionID, output.Stdout, "Running prompt: "+truncate(msg.Prompt, 100))

	execErr := d.Agent.Execute(ctx, agent.ExecuteOptions{
		WorkDir:     repoDir,
		Prompt:      msg.Prompt,
		Environment: msg.Environment,
		SessionID:   msg.SessionID,
		JobID:       msg.JobID,
		Sink:        d.Sink,
	})
	if execErr != nil {
		return e.failJob(ctx, msg, agentErrorMessage(execErr))
	}

	driver := d.gitDriver("")
	added, removed, err := driver.Commit(ctx, repoDir, "repobox: "+truncate(msg.Prompt, 72))
	if err != nil && !errors.Is(err, git.ErrNoChanges) {
		return e.failJob(ctx, msg, maskedError(driver.Masker(), err))
	}
	if errors.Is(err, git.ErrNoChanges) {
		d.Sink.Append(ctx, msg.SessionID, output.Stdout, "Prompt completed: no changes to commit")
		added, removed = 0, 0
	} else {
		d.Sink.Append(ctx, msg.SessionID, output.Stdout, fmt.Sprintf("Prompt completed: +%d -%d", added, removed))
	}

	if err := d.Jobs.UpdateStatus(ctx, msg.JobID, store.JobStatusSuccess, map[string]any{
		"finished_at":   nowMillis(),
		"lines_added":   added,
		"lines_removed": removed,
	}); err != nil {
		return err
	}

	session, err := d.Sessions.Get(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	d.observeResult("prompt", string(store.JobStatusSuccess))
	return d.Sessions.UpdateStatus(ctx, msg.SessionID, store.StatusReady, map[string]any{
		"job_count":           session.JobCount + 1,
		"total_lines_added":   session.TotalLinesAdded + added,
		"total_lines_removed": session.TotalLinesRemoved + removed,
		"error_message":       "",
		"last_job_status":     string(store.JobStatusSuccess),
	})
}

// failJob marks the job failed and rolls the session back to ready with the
// error surfaced, so the user may retry.
func (e *Prompt) failJob(ctx context.Context, msg *messages.PromptMsg, message string) error {
	d := e.Deps
	d.observeResult("prompt", string(store.JobStatusFailed))
	d.Sink.Append(ctx, msg.SessionID, output.Stderr, "Error: "+message)
	if err := d.Jobs.UpdateStatus(ctx, msg.JobID, store.JobStatusFailed, map[string]any{
		"finished_at":   nowMillis(),
		"error_message": message,
	}); err != nil {
		return err
	}
	return d.Sessions.UpdateStatus(ctx, msg.SessionID, store.StatusReady, map[string]any{
		"error_message":   message,
		"last_job_status": string(store.JobStatusFailed),
	})
}

// agentErrorMessage renders an agent.ExecutionError in the form surfaced on
// the job record, e.g. "agent exited with code 1".
func agentErrorMessage(err error) string {
	var execErr *agent.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Error()
	}
	return err.Error()
}
