package executor

import (
	"context"
	"fmt"
	"os"

	"github.com/repobox/runner/internal/messages"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/store"
	"github.com/repobox/runner/internal/workspace"
)

// Init creates the workspace, clones the repo, and cuts the feature branch.
// Idempotent: a session whose workspace already has a .git directory is
// treated as already initialized.
type Init struct{ Deps *Deps }

// Handle runs the init sequence for one InitMsg.
func (e *Init) Handle(ctx context.Context, msg *messages.InitMsg) error {
	d := e.Deps
	repoDir := workspace.RepoDir(d.TempDir, msg.SessionID)

	if workspace.Exists(repoDir) {
		d.Sink.Append(ctx, msg.SessionID, output.Stdout, "skipping clone: workspace already initialized")
		return d.Sessions.UpdateStatus(ctx, msg.SessionID, store.StatusReady, nil)
	}

	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return e.fail(ctx, msg.SessionID, fmt.Sprintf("failed to create workspace: %v", err))
	}

	provider, err := d.Credentials.GetProvider(ctx, msg.UserID, msg.ProviderID)
	if err != nil {
		return e.fail(ctx, msg.SessionID, fmt.Sprintf("failed to resolve provider credential: %v", err))
	}

	driver := d.gitDriver(provider.Token)
	d.Sink.Append(ctx, msg.SessionID, output.Stdout, fmt.Sprintf("Cloning %s...", msg.RepoURL))
	if err := driver.Clone(ctx, msg.RepoURL, repoDir); err != nil {
		return e.fail(ctx, msg.SessionID, maskedError(driver.Masker(), err))
	}

	branch := featureBranch(msg.SessionID)
	if err := driver.CreateBranch(ctx, repoDir, branch); err != nil {
		return e.fail(ctx, msg.SessionID, maskedError(driver.Masker(), err))
	}

	d.Sink.Append(ctx, msg.SessionID, output.Stdout, fmt.Sprintf("Workspace ready on branch %s", branch))
	d.observeResult("init", "success")
	return d.Sessions.UpdateStatus(ctx, msg.SessionID, store.StatusReady, map[string]any{
		"work_branch": branch,
		"repo_name":   msg.RepoName,
	})
}

func (e *Init) fail(ctx context.Context, sessionID, maskedMsg string) error {
	d := e.Deps
	d.observeResult("init", "failed")
	d.Sink.Append(ctx, sessionID, output.Stderr, "Error: "+maskedMsg)
	return d.Sessions.UpdateStatus(ctx, sessionID, store.StatusFailed, map[string]any{
		"error_message": maskedMsg,
	})
}
