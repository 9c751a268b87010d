// Command runner is the repobox control-plane entrypoint: it loads
// configuration, wires every component via internal/supervisor, and blocks
// until shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/repobox/runner/internal/config"
	"github.com/repobox/runner/internal/logging"
	"github.com/repobox/runner/internal/supervisor"
)

func main() {
	os.Exit(int(run()))
}

func run() supervisor.ExitCode {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "repobox-runner: fatal configuration error:", err)
		return supervisor.ExitStartupError
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	sup, err := supervisor.Build(cfg, logger)
	if err != nil {
		logger.Error("fatal startup error", "error", err)
		return supervisor.ExitStartupError
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Healthcheck(startupCtx); err != nil {
		logger.Error("fatal startup error: redis unreachable", "error", err)
		return supervisor.ExitStartupError
	}

	logger.Info("repobox runner starting",
		"runner_id", cfg.RunnerID,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs,
		"max_jobs_per_user", cfg.MaxJobsPerUser,
		"ai_enabled", cfg.AIEnabled,
	)

	return sup.Run(context.Background())
}
