package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/repobox/runner/internal/agent"
	"github.com/repobox/runner/internal/crypto"
	"github.com/repobox/runner/internal/mergerequest"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/store"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...) //nolint:gosec // test helper with controlled args
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}

// initBareRemote creates a bare repo with one commit on baseBranch and
// returns its file:// URL. Credential embedding is an http(s)-only concern,
// so the driver passes file:// remotes through untouched.
func initBareRemote(t *testing.T, baseBranch string) string {
	t.Helper()
	dir := t.TempDir()
	bare := filepath.Join(dir, "remote.git")
	seed := filepath.Join(dir, "seed")

	runGit(t, "", "init", "--bare", bare)
	runGit(t, "", "init", seed)
	runGit(t, seed, "config", "user.name", "Seed")
	runGit(t, seed, "config", "user.email", "seed@test.com")
	runGit(t, seed, "checkout", "-b", baseBranch)
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	runGit(t, seed, "add", ".")
	runGit(t, seed, "commit", "-m", "init")
	runGit(t, seed, "remote", "add", "origin", "file://"+bare)
	runGit(t, seed, "push", "-u", "origin", baseBranch)
	return "file://" + bare
}

// testHarness bundles the miniredis-backed stores executor tests need.
type testHarness struct {
	rdb         *redis.Client
	sessions    *store.SessionStore
	jobs        *store.JobStore
	credentials *store.CredentialStore
	decryptor   *crypto.Decryptor
	sink        *output.Sink
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dec, err := crypto.NewDecryptor("01234567890123456789012345678901")
	if err != nil {
		t.Fatalf("NewDecryptor: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testHarness{
		rdb:         rdb,
		sessions:    store.NewSessionStore(rdb),
		jobs:        store.NewJobStore(rdb),
		credentials: store.NewCredentialStore(rdb, dec),
		decryptor:   dec,
		sink:        output.NewSink(rdb, logger),
	}
}

// seedJob writes a pending job hash the way the external API does; the
// runner itself only reads and patches job records.
func (h *testHarness) seedJob(t *testing.T, jobID string, fields map[string]any) {
	t.Helper()
	merged := map[string]any{"status": "pending"}
	for k, v := range fields {
		merged[k] = v
	}
	if err := h.rdb.HSet(context.Background(), "job:"+jobID, merged).Err(); err != nil {
		t.Fatal(err)
	}
}

// seedProvider writes an encrypted provider credential readable via h.credentials.
func (h *testHarness) seedProvider(t *testing.T, userID, providerID, token string) {
	t.Helper()
	envelope, err := h.decryptor.Encrypt(token, []byte("123456789012"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	err = h.rdb.HSet(context.Background(), "git_provider:"+userID+":"+providerID, map[string]any{
		"type":     "github",
		"url":      "",
		"token":    envelope,
		"verified": "true",
	}).Err()
	if err != nil {
		t.Fatal(err)
	}
}

func (h *testHarness) newDeps(tempDir string) *Deps {
	return &Deps{
		Sessions:       h.sessions,
		Jobs:           h.jobs,
		Credentials:    h.credentials,
		Sink:           h.sink,
		Agent:          agent.New(agent.Config{Enabled: false}),
		MRClients:      map[store.ProviderType]mergerequest.Creator{},
		TempDir:        tempDir,
		GitAuthorName:  "Runner",
		GitAuthorEmail: "runner@test.com",
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// agentThatFails builds an Adapter that always returns a spawn failure, for
// exercising an executor's agent-error path without a real CLI.
func agentThatFails(t *testing.T) *agent.Adapter {
	t.Helper()
	return agent.New(agent.Config{Enabled: true, APIKey: "key", CLIPath: filepath.Join(t.TempDir(), "missing-cli")})
}

func (h *testHarness) outputLines(t *testing.T, sessionID string) []string {
	t.Helper()
	vals, err := h.rdb.LRange(context.Background(), "work_session:"+sessionID+":output", 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	return vals
}
