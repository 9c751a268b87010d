package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/repobox/runner/internal/output"
	rediskeys "github.com/repobox/runner/internal/redis"
)

func newTestSink(t *testing.T) (*output.Sink, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return output.NewSink(rdb, slog.New(slog.NewTextHandler(io.Discard, nil))), rdb
}

func readOutputLines(t *testing.T, rdb *redis.Client, sessionID string) []output.Line {
	t.Helper()
	raw, err := rdb.LRange(context.Background(), rediskeys.WorkSessionOutputKey(sessionID), 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	var lines []output.Line
	for _, r := range raw {
		var l output.Line
		if err := json.Unmarshal([]byte(r), &l); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		lines = append(lines, l)
	}
	return lines
}

func TestExecuteMockModeWhenDisabled(t *testing.T) {
	a := New(Config{Enabled: false})
	dir := t.TempDir()

	err := a.Execute(context.Background(), ExecuteOptions{WorkDir: dir, Prompt: "add a README", JobID: "j1", Environment: "default"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".repobox-mock-agent"))
	if err != nil {
		t.Fatalf("expected mock sentinel file: %v", err)
	}
	if !strings.Contains(string(data), "job_id=j1") || !strings.Contains(string(data), "add a README") {
		t.Errorf("unexpected sentinel content: %s", data)
	}
}

func TestExecuteMockModeWhenAPIKeyMissing(t *testing.T) {
	a := New(Config{Enabled: true, APIKey: "", CLIPath: "/does/not/exist"})
	dir := t.TempDir()
	if err := a.Execute(context.Background(), ExecuteOptions{WorkDir: dir, Prompt: "p", JobID: "j1"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".repobox-mock-agent")); err != nil {
		t.Errorf("expected mock execution since api key is empty: %v", err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecuteStreamsStdoutLines(t *testing.T) {
	script := writeScript(t, "echo line-one\necho line-two\nexit 0\n")
	a := New(Config{Enabled: true, APIKey: "key", CLIPath: script})
	sink, rdb := newTestSink(t)

	err := a.Execute(context.Background(), ExecuteOptions{
		WorkDir: t.TempDir(), Prompt: "p", SessionID: "s1", JobID: "j1", Sink: sink,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	lines := readOutputLines(t, rdb, "s1")
	var stdoutLines []string
	for _, l := range lines {
		if l.Source == output.SourceAgent && l.Stream == output.Stdout {
			stdoutLines = append(stdoutLines, l.Line)
		}
	}
	if len(stdoutLines) != 2 || stdoutLines[0] != "line-one" || stdoutLines[1] != "line-two" {
		t.Errorf("unexpected stdout lines: %v", stdoutLines)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	script := writeScript(t, "exit 3\n")
	a := New(Config{Enabled: true, APIKey: "key", CLIPath: script})

	err := a.Execute(context.Background(), ExecuteOptions{WorkDir: t.TempDir(), Prompt: "p", JobID: "j1"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %v", err)
	}
	if execErr.Kind != NonZeroExit || execErr.ExitCode != 3 {
		t.Errorf("unexpected error: %+v", execErr)
	}
}

func TestExecuteSpawnFailure(t *testing.T) {
	a := New(Config{Enabled: true, APIKey: "key", CLIPath: filepath.Join(t.TempDir(), "missing-binary")})
	err := a.Execute(context.Background(), ExecuteOptions{WorkDir: t.TempDir(), Prompt: "p", JobID: "j1"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %v", err)
	}
	if execErr.Kind != SpawnFailure {
		t.Errorf("kind = %v, want SpawnFailure", execErr.Kind)
	}
}

func TestExecuteTimeout(t *testing.T) {
	script := writeScript(t, "sleep 5\n")
	a := New(Config{Enabled: true, APIKey: "key", CLIPath: script, Timeout: 50 * time.Millisecond})

	err := a.Execute(context.Background(), ExecuteOptions{WorkDir: t.TempDir(), Prompt: "p", JobID: "j1"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %v", err)
	}
	if execErr.Kind != Timeout {
		t.Errorf("kind = %v, want Timeout", execErr.Kind)
	}
}

func TestExecuteCancelled(t *testing.T) {
	script := writeScript(t, "sleep 5\n")
	a := New(Config{Enabled: true, APIKey: "key", CLIPath: script})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := a.Execute(ctx, ExecuteOptions{WorkDir: t.TempDir(), Prompt: "p", JobID: "j1"})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %v", err)
	}
	if execErr.Kind != Cancelled {
		t.Errorf("kind = %v, want Cancelled", execErr.Kind)
	}
}

func TestExecuteTruncatesOutputAtLineCap(t *testing.T) {
	script := writeScript(t, "for i in $(seq 1 10); do echo line$i; done\n")
	a := New(Config{Enabled: true, APIKey: "key", CLIPath: script, MaxOutputLines: 3})
	sink, rdb := newTestSink(t)

	err := a.Execute(context.Background(), ExecuteOptions{WorkDir: t.TempDir(), Prompt: "p", SessionID: "s1", JobID: "j1", Sink: sink})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	lines := readOutputLines(t, rdb, "s1")
	var agentLines, truncationNotices int
	for _, l := range lines {
		if l.Source == output.SourceAgent {
			agentLines++
		} else if strings.Contains(l.Line, "output truncated") {
			truncationNotices++
		}
	}
	if agentLines != 3 {
		t.Errorf("agent lines = %d, want 3", agentLines)
	}
	if truncationNotices != 1 {
		t.Errorf("truncation notices = %d, want 1", truncationNotices)
	}
}

func TestEnvKeyFor(t *testing.T) {
	cases := map[string]string{
		"":          "ANTHROPIC_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"claude":    "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	for provider, want := range cases {
		if got := envKeyFor(provider); got != want {
			t.Errorf("envKeyFor(%q) = %q, want %q", provider, got, want)
		}
	}
}
