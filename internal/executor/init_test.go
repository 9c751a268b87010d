package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/repobox/runner/internal/messages"
	"github.com/repobox/runner/internal/store"
	"github.com/repobox/runner/internal/workspace"
)

func TestInitHandleClonesAndCreatesBranch(t *testing.T) {
	h := newTestHarness(t)
	remoteURL := initBareRemote(t, "main")
	h.seedProvider(t, "u1", "p1", "tok123")

	deps := h.newDeps(t.TempDir())
	ex := &Init{Deps: deps}

	msg := &messages.InitMsg{
		SessionID:  "s1",
		UserID:     "u1",
		ProviderID: "p1",
		RepoURL:    remoteURL,
		RepoName:   "myrepo",
		BaseBranch: "main",
	}
	if err := h.sessions.UpdateStatus(context.Background(), "s1", store.StatusInitializing, map[string]any{
		"user_id": "u1", "provider_id": "p1", "repo_url": remoteURL, "base_branch": "main",
	}); err != nil {
		t.Fatal(err)
	}

	if err := ex.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sess, err := h.sessions.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Status != store.StatusReady {
		t.Errorf("status = %q, want ready", sess.Status)
	}
	if sess.WorkBranch != "repobox/s1" {
		t.Errorf("work_branch = %q, want repobox/s1", sess.WorkBranch)
	}
	if sess.RepoName != "myrepo" {
		t.Errorf("repo_name = %q, want myrepo", sess.RepoName)
	}

	repoDir := workspace.RepoDir(deps.TempDir, "s1")
	if _, err := os.Stat(filepath.Join(repoDir, "README.md")); err != nil {
		t.Errorf("expected cloned README.md: %v", err)
	}
}

func TestInitHandleIdempotentWhenAlreadyCloned(t *testing.T) {
	h := newTestHarness(t)
	tempDir := t.TempDir()
	deps := h.newDeps(tempDir)

	repoDir := workspace.RepoDir(tempDir, "s1")
	if err := os.MkdirAll(filepath.Join(repoDir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := h.sessions.UpdateStatus(context.Background(), "s1", store.StatusInitializing, map[string]any{
		"user_id": "u1", "provider_id": "p1", "repo_url": "https://example.com/x/y", "base_branch": "main",
	}); err != nil {
		t.Fatal(err)
	}

	ex := &Init{Deps: deps}
	msg := &messages.InitMsg{SessionID: "s1", UserID: "u1", ProviderID: "p1", RepoURL: "https://example.com/x/y", BaseBranch: "main"}
	if err := ex.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sess, err := h.sessions.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Status != store.StatusReady {
		t.Errorf("status = %q, want ready", sess.Status)
	}
}

func TestInitHandleFailsOnUnresolvedCredential(t *testing.T) {
	h := newTestHarness(t)
	deps := h.newDeps(t.TempDir())

	if err := h.sessions.UpdateStatus(context.Background(), "s1", store.StatusInitializing, map[string]any{
		"user_id": "u1", "provider_id": "missing", "repo_url": "https://example.com/x/y", "base_branch": "main",
	}); err != nil {
		t.Fatal(err)
	}

	ex := &Init{Deps: deps}
	msg := &messages.InitMsg{SessionID: "s1", UserID: "u1", ProviderID: "missing", RepoURL: "https://example.com/x/y", BaseBranch: "main"}
	if err := ex.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sess, err := h.sessions.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", sess.Status)
	}
	if sess.ErrorMessage == "" {
		t.Error("expected error_message to be set")
	}
}

func TestInitHandleFailsOnBadRepoURL(t *testing.T) {
	h := newTestHarness(t)
	h.seedProvider(t, "u1", "p1", "tok123")
	deps := h.newDeps(t.TempDir())

	if err := h.sessions.UpdateStatus(context.Background(), "s1", store.StatusInitializing, map[string]any{
		"user_id": "u1", "provider_id": "p1", "repo_url": "://bad", "base_branch": "main",
	}); err != nil {
		t.Fatal(err)
	}

	ex := &Init{Deps: deps}
	msg := &messages.InitMsg{SessionID: "s1", UserID: "u1", ProviderID: "p1", RepoURL: "://bad", BaseBranch: "main"}
	if err := ex.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sess, err := h.sessions.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", sess.Status)
	}
}
