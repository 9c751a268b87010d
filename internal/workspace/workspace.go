// Package workspace centralizes the on-disk layout of a session's clone,
// TEMP_DIR/sessions/<sessionId>/repo, so the init executor and janitor
// agree on the exact paths.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// SessionDir is the root directory for one session's on-disk state.
func SessionDir(tempDir, sessionID string) string {
	return filepath.Join(tempDir, "sessions", sessionID)
}

// RepoDir is the git clone directory inside a session's workspace.
func RepoDir(tempDir, sessionID string) string {
	return filepath.Join(SessionDir(tempDir, sessionID), "repo")
}

// Exists reports whether repoDir already holds a git clone.
func Exists(repoDir string) bool {
	info, err := os.Stat(filepath.Join(repoDir, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

// List enumerates session IDs that currently have a workspace directory on
// disk, for the janitor's per-workspace sweep.
func List(tempDir string) ([]string, error) {
	root := filepath.Join(tempDir, "sessions")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// DiskUsageBytes walks dir and sums file sizes. Best-effort: a disappearing
// file mid-walk is skipped, not an error.
func DiskUsageBytes(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort walk; a vanishing file is not an error.
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

// Remove best-effort deletes a session's workspace directory. Callers must
// never let this block or fail the runner.
func Remove(_ context.Context, dir string) error {
	return os.RemoveAll(dir)
}

// ModTime returns dir's modification time, used by the janitor as a disk
// fallback ordering key when a session's last_activity_at is unavailable
// (e.g. an orphaned workspace with no store record).
func ModTime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
