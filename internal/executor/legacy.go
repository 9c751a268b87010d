package executor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/repobox/runner/internal/agent"
	"github.com/repobox/runner/internal/git"
	"github.com/repobox/runner/internal/mergerequest"
	"github.com/repobox/runner/internal/messages"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/store"
	"github.com/repobox/runner/internal/workspace"
)

// Legacy implements the single-shot `jobs:stream` handler kept for
// pre-session producers. It loads the full job record, then drives an
// inline init-prompt-push sequence against a synthetic, non-persisted
// session scoped to that one job: no work_session hash is ever written.
type Legacy struct{ Deps *Deps }

// Handle runs the legacy sequence for one LegacyJobMsg.
func (e *Legacy) Handle(ctx context.Context, msg *messages.LegacyJobMsg) error {
	d := e.Deps
	job, err := d.Jobs.Get(ctx, msg.JobID)
	if err != nil {
		return err
	}

	// Synthetic session id: not persisted, used only to key the workspace
	// directory and output sink.
	sessionID := job.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	if err := d.Jobs.UpdateStatus(ctx, msg.JobID, store.JobStatusRunning, map[string]any{
		"started_at": nowMillis(),
	}); err != nil {
		return err
	}

	provider, err := d.Credentials.GetProvider(ctx, job.UserID, msg.ProviderID)
	if err != nil {
		return e.fail(ctx, msg.JobID, sessionID, fmt.Sprintf("failed to resolve provider credential: %v", err))
	}

	repoDir := workspace.RepoDir(d.TempDir, sessionID)
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return e.fail(ctx, msg.JobID, sessionID, fmt.Sprintf("failed to create workspace: %v", err))
	}

	driver := d.gitDriver(provider.Token)
	d.Sink.Append(ctx, sessionID, output.Stdout, fmt.Sprintf("Cloning %s...", job.RepoURL))
	if err := driver.Clone(ctx, job.RepoURL, repoDir); err != nil {
		return e.fail(ctx, msg.JobID, sessionID, maskedError(driver.Masker(), err))
	}
	branch := featureBranch(sessionID)
	if err := driver.CreateBranch(ctx, repoDir, branch); err != nil {
		return e.fail(ctx, msg.JobID, sessionID, maskedError(driver.Masker(), err))
	}

	d.Sink.Append(ctx, sessionID, output.Stdout, "Running prompt: "+truncate(job.Prompt, 100))
	execErr := d.Agent.Execute(ctx, agent.ExecuteOptions{
		WorkDir:     repoDir,
		Prompt:      job.Prompt,
		Environment: job.Environment,
		SessionID:   sessionID,
		JobID:       msg.JobID,
		Sink:        d.Sink,
	})
	if execErr != nil {
		return e.fail(ctx, msg.JobID, sessionID, agentErrorMessage(execErr))
	}

	added, removed, err := driver.Commit(ctx, repoDir, "repobox: "+truncate(job.Prompt, 72))
	if err != nil && !errors.Is(err, git.ErrNoChanges) {
		return e.fail(ctx, msg.JobID, sessionID, maskedError(driver.Masker(), err))
	}
	if errors.Is(err, git.ErrNoChanges) {
		added, removed = 0, 0
	}
	d.Sink.Append(ctx, sessionID, output.Stdout, fmt.Sprintf("Prompt completed: +%d -%d", added, removed))

	baseBranch := job.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	d.Sink.Append(ctx, sessionID, output.Stdout, fmt.Sprintf("Pushing branch %s...", branch))
	if err := driver.Push(ctx, repoDir, branch); err != nil {
		return e.fail(ctx, msg.JobID, sessionID, maskedError(driver.Masker(), err))
	}

	patch := map[string]any{
		"finished_at":   nowMillis(),
		"lines_added":   added,
		"lines_removed": removed,
	}
	client, ok := d.MRClients[provider.Type]
	if !ok {
		d.Sink.Append(ctx, sessionID, output.Stderr, fmt.Sprintf("Warning: no merge-request client configured for provider type %q", provider.Type))
		return e.succeed(ctx, msg.JobID, patch)
	}

	projectID, err := mergerequest.ExtractProjectID(job.RepoURL)
	if err != nil {
		d.Sink.Append(ctx, sessionID, output.Stderr, "Warning: "+err.Error())
		return e.succeed(ctx, msg.JobID, patch)
	}

	title := mergerequest.GenerateTitle(job.Prompt)
	description := mergerequest.GenerateDescription(mergerequest.TemplateParams{
		Prompt:       job.Prompt,
		LinesAdded:   added,
		LinesRemoved: removed,
		BranchName:   branch,
		JobID:        msg.JobID,
	})
	result, err := client.Create(ctx, mergerequest.CreateParams{
		Token:        provider.Token,
		BaseURL:      provider.BaseURL,
		ProjectID:    projectID,
		Title:        title,
		Description:  description,
		SourceBranch: branch,
		TargetBranch: baseBranch,
	})
	if err != nil {
		d.Sink.Append(ctx, sessionID, output.Stderr, "Warning: "+err.Error())
		return e.succeed(ctx, msg.JobID, patch)
	}

	d.Sink.Append(ctx, sessionID, output.Stdout, "Merge request created: "+result.URL)
	return e.succeed(ctx, msg.JobID, patch)
}

func (e *Legacy) succeed(ctx context.Context, jobID string, patch map[string]any) error {
	e.Deps.observeResult("legacy", string(store.JobStatusSuccess))
	return e.Deps.Jobs.UpdateStatus(ctx, jobID, store.JobStatusSuccess, patch)
}

func (e *Legacy) fail(ctx context.Context, jobID, sessionID, message string) error {
	d := e.Deps
	d.observeResult("legacy", string(store.JobStatusFailed))
	d.Sink.Append(ctx, sessionID, output.Stderr, "Error: "+message)
	return d.Jobs.UpdateStatus(ctx, jobID, store.JobStatusFailed, map[string]any{
		"finished_at":   nowMillis(),
		"error_message": message,
	})
}
