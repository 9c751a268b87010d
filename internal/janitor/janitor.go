// Package janitor implements periodic workspace garbage collection:
// timeout-based, disk-quota-based, and orphan-based cleanup, always
// best-effort so a slow or failing delete never blocks the runner.
package janitor

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/maruel/ksid"

	"github.com/repobox/runner/internal/store"
	"github.com/repobox/runner/internal/workspace"
)

// Metrics is the subset of the metrics registry the janitor touches.
type Metrics interface {
	ObserveJanitorDeletion(reason string)
}

// Janitor periodically sweeps TEMP_DIR/sessions for stale, orphaned, or
// over-quota workspaces.
type Janitor struct {
	Sessions *store.SessionStore
	TempDir  string
	MaxAge   time.Duration
	MaxDiskMB int64
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  Metrics
}

// Run executes one sweep immediately if runOnStartup, then one sweep per
// Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context, runOnStartup bool) {
	if runOnStartup {
		j.sweep(ctx)
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	runID := ksid.NewID().String()
	log := j.Logger.With("component", "janitor", "run_id", runID)

	ids, err := workspace.List(j.TempDir)
	if err != nil {
		log.Warn("failed to list workspaces", "error", err)
		return
	}

	type candidate struct {
		sessionID      string
		dir            string
		lastActivityAt time.Time
		diskBytes      int64
	}
	var kept []candidate

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		dir := workspace.SessionDir(j.TempDir, id)
		sess, getErr := j.Sessions.Get(ctx, id)

		switch {
		case getErr != nil:
			// No session record: orphan workspace.
			j.delete(ctx, log, id, dir, "orphan")
			continue
		case sess.Status.Terminal():
			// pushed/archived/failed: delete directory, keep metadata.
			j.delete(ctx, log, id, dir, "terminal")
			continue
		}

		lastActivity := time.UnixMilli(sess.LastActivityAt)
		if sess.LastActivityAt == 0 {
			if mt, mtErr := workspace.ModTime(dir); mtErr == nil {
				lastActivity = mt
			}
		}
		if time.Since(lastActivity) > j.MaxAge {
			j.archiveAndDelete(ctx, log, id, dir, "timeout")
			continue
		}

		size, _ := workspace.DiskUsageBytes(dir)
		kept = append(kept, candidate{sessionID: id, dir: dir, lastActivityAt: lastActivity, diskBytes: size})
	}

	if j.MaxDiskMB <= 0 {
		return
	}
	var total int64
	for _, c := range kept {
		total += c.diskBytes
	}
	limitBytes := j.MaxDiskMB * 1024 * 1024
	if total <= limitBytes {
		return
	}

	sort.Slice(kept, func(a, b int) bool { return kept[a].lastActivityAt.Before(kept[b].lastActivityAt) })
	for _, c := range kept {
		if total <= limitBytes {
			break
		}
		j.archiveAndDelete(ctx, log, c.sessionID, c.dir, "disk_quota")
		total -= c.diskBytes
	}
}

// archiveAndDelete transitions a session to archived, then deletes its
// workspace directory. The session hash stays readable after the directory
// is gone.
func (j *Janitor) archiveAndDelete(ctx context.Context, log *slog.Logger, sessionID, dir, reason string) {
	if err := j.Sessions.UpdateStatus(ctx, sessionID, store.StatusArchived, nil); err != nil {
		log.Warn("failed to archive session", "session_id", sessionID, "error", err)
		return
	}
	j.delete(ctx, log, sessionID, dir, reason)
}

func (j *Janitor) delete(ctx context.Context, log *slog.Logger, sessionID, dir, reason string) {
	if err := workspace.Remove(ctx, dir); err != nil {
		log.Warn("failed to remove workspace", "session_id", sessionID, "dir", dir, "reason", reason, "error", err)
		return
	}
	log.Info("removed workspace", "session_id", sessionID, "reason", reason)
	if j.Metrics != nil {
		j.Metrics.ObserveJanitorDeletion(reason)
	}
}
