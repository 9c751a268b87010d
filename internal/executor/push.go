package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/repobox/runner/internal/mergerequest"
	"github.com/repobox/runner/internal/messages"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/safety"
	"github.com/repobox/runner/internal/store"
	"github.com/repobox/runner/internal/workspace"
)

// Push pushes the work branch and opens a merge/pull request. A push may
// only be enqueued for a `ready` session with at least one completed job;
// this executor itself only checks that a workspace still exists.
//
// Commit semantics: every successful prompt already committed its own
// changes (see Prompt), so Push never commits. It pushes whatever commits
// the branch carries; an unexpectedly dirty tree is left dirty and those
// changes do not reach the remote.
type Push struct{ Deps *Deps }

// Handle pushes the session's branch and opens a merge/pull request.
func (e *Push) Handle(ctx context.Context, msg *messages.PushMsg) error {
	d := e.Deps
	session, err := d.Sessions.Get(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	repoDir := workspace.RepoDir(d.TempDir, msg.SessionID)
	if !workspace.Exists(repoDir) {
		return e.backToReady(ctx, msg.SessionID, "session workdir not found")
	}

	provider, err := d.Credentials.GetProvider(ctx, msg.UserID, session.ProviderID)
	if err != nil {
		return e.backToReady(ctx, msg.SessionID, fmt.Sprintf("failed to resolve provider credential: %v", err))
	}

	driver := d.gitDriver(provider.Token)

	var warnings []string
	if issues, scanErr := safety.Scan(ctx, repoDir, session.BaseBranch, session.WorkBranch); scanErr == nil {
		for _, issue := range issues {
			msgLine := fmt.Sprintf("safety scan: %s (%s): %s", issue.File, issue.Kind, issue.Detail)
			d.Sink.Append(ctx, msg.SessionID, output.Stderr, "Warning: "+msgLine)
			warnings = append(warnings, msgLine)
		}
	}

	d.Sink.Append(ctx, msg.SessionID, output.Stdout, fmt.Sprintf("Pushing branch %s...", session.WorkBranch))
	if err := driver.Push(ctx, repoDir, session.WorkBranch); err != nil {
		maskedMsg := maskedError(driver.Masker(), err)
		d.Sink.Append(ctx, msg.SessionID, output.Stderr, "Warning: "+maskedMsg)
		return e.backToReady(ctx, msg.SessionID, maskedMsg)
	}

	client, ok := d.MRClients[store.ProviderType(provider.Type)]
	if !ok {
		warning := fmt.Sprintf("no merge-request client configured for provider type %q", provider.Type)
		d.Sink.Append(ctx, msg.SessionID, output.Stderr, "Warning: "+warning)
		return e.finishPushed(ctx, msg.SessionID, map[string]any{
			"mr_warning": joinWarnings(warnings, warning),
		})
	}

	title := msg.Title
	if title == "" {
		title = fmt.Sprintf("repobox: Work session %s", shortID(session.ID))
	}
	description := msg.Description
	if description == "" {
		description = mergerequest.GenerateDescription(mergerequest.TemplateParams{
			Prompt:       title,
			LinesAdded:   session.TotalLinesAdded,
			LinesRemoved: session.TotalLinesRemoved,
			BranchName:   session.WorkBranch,
			JobID:        fmt.Sprintf("%d jobs", session.JobCount),
		})
	}

	projectID, err := mergerequest.ExtractProjectID(session.RepoURL)
	if err != nil {
		warning := fmt.Sprintf("failed to derive project id: %v", err)
		d.Sink.Append(ctx, msg.SessionID, output.Stderr, "Warning: "+warning)
		return e.finishPushed(ctx, msg.SessionID, map[string]any{
			"mr_warning": joinWarnings(warnings, warning),
		})
	}

	result, err := client.Create(ctx, mergerequest.CreateParams{
		Token:        provider.Token,
		BaseURL:      provider.BaseURL,
		ProjectID:    projectID,
		Title:        title,
		Description:  description,
		SourceBranch: session.WorkBranch,
		TargetBranch: session.BaseBranch,
	})
	if err != nil {
		warning := errorMessage(err)
		d.Sink.Append(ctx, msg.SessionID, output.Stderr, "Warning: "+warning)
		return e.finishPushed(ctx, msg.SessionID, map[string]any{
			"mr_warning": joinWarnings(warnings, warning),
		})
	}

	d.Sink.Append(ctx, msg.SessionID, output.Stdout, "Merge request created: "+result.URL)
	patch := map[string]any{"mr_url": result.URL}
	if len(warnings) > 0 {
		patch["mr_warning"] = strings.Join(warnings, "; ")
	}
	return e.finishPushed(ctx, msg.SessionID, patch)
}

// backToReady rolls the session back to ready with a push warning, so the
// user can retry.
func (e *Push) backToReady(ctx context.Context, sessionID, warning string) error {
	e.Deps.observeResult("push", "failed")
	return e.Deps.Sessions.UpdateStatus(ctx, sessionID, store.StatusReady, map[string]any{
		"mr_warning": warning,
	})
}

// finishPushed marks the session pushed. The branch itself made it to the
// remote on every path that lands here, so the result counts as a success
// even when the MR step only produced a warning.
func (e *Push) finishPushed(ctx context.Context, sessionID string, patch map[string]any) error {
	e.Deps.observeResult("push", "success")
	patch["pushed_at"] = nowMillis()
	return e.Deps.Sessions.UpdateStatus(ctx, sessionID, store.StatusPushed, patch)
}

func joinWarnings(warnings []string, extra string) string {
	if len(warnings) == 0 {
		return extra
	}
	return strings.Join(append(append([]string{}, warnings...), extra), "; ")
}
