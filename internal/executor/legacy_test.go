package executor

import (
	"context"
	"testing"

	"github.com/repobox/runner/internal/mergerequest"
	"github.com/repobox/runner/internal/messages"
	"github.com/repobox/runner/internal/store"
)

func TestLegacyHandleFullSequence(t *testing.T) {
	h := newTestHarness(t)
	remoteURL := initBareRemote(t, "main")
	h.seedProvider(t, "u1", "p1", "tok123")
	tempDir := t.TempDir()

	h.seedJob(t, "legacy1", map[string]any{
		"user_id": "u1", "prompt": "fix the bug",
		"repo_url": remoteURL, "base_branch": "main",
	})

	deps := h.newDeps(tempDir)
	creator := &fakeCreator{result: &mergerequest.Result{URL: "https://github.com/x/y/pull/9"}}
	deps.MRClients[store.ProviderGitHub] = creator

	ex := &Legacy{Deps: deps}
	msg := &messages.LegacyJobMsg{JobID: "legacy1", ProviderID: "p1"}
	if err := ex.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	gotJob, err := h.jobs.Get(context.Background(), "legacy1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotJob.Status != store.JobStatusSuccess {
		t.Errorf("status = %q, want success", gotJob.Status)
	}
	if len(creator.calls) != 1 {
		t.Fatalf("expected exactly one Create call, got %d", len(creator.calls))
	}
	if creator.calls[0].TargetBranch != "main" {
		t.Errorf("target branch = %q, want main", creator.calls[0].TargetBranch)
	}
}

func TestLegacyHandleFailsOnUnresolvedCredential(t *testing.T) {
	h := newTestHarness(t)
	tempDir := t.TempDir()

	h.seedJob(t, "legacy1", map[string]any{"user_id": "u1", "prompt": "fix"})

	deps := h.newDeps(tempDir)
	ex := &Legacy{Deps: deps}
	msg := &messages.LegacyJobMsg{JobID: "legacy1", ProviderID: "missing"}
	if err := ex.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	gotJob, err := h.jobs.Get(context.Background(), "legacy1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotJob.Status != store.JobStatusFailed {
		t.Errorf("status = %q, want failed", gotJob.Status)
	}
	if gotJob.ErrorMessage == "" {
		t.Error("expected error_message to be set")
	}
}

func TestLegacyHandleSkipsMRWhenNoClientConfigured(t *testing.T) {
	h := newTestHarness(t)
	remoteURL := initBareRemote(t, "main")
	h.seedProvider(t, "u1", "p1", "tok123")
	tempDir := t.TempDir()

	h.seedJob(t, "legacy1", map[string]any{
		"user_id": "u1", "prompt": "fix the bug", "repo_url": remoteURL,
	})

	deps := h.newDeps(tempDir) // no MRClients registered
	ex := &Legacy{Deps: deps}
	msg := &messages.LegacyJobMsg{JobID: "legacy1", ProviderID: "p1"}
	if err := ex.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	gotJob, err := h.jobs.Get(context.Background(), "legacy1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotJob.Status != store.JobStatusSuccess {
		t.Errorf("status = %q, want success (MR client absence is non-fatal)", gotJob.Status)
	}
}
