// Package supervisor wires the dispatcher, worker pool, janitor, and health
// server together, owns the shutdown signal, and bounds each goroutine
// group's lifetime. It is the only place a *redis.Client and the process
// logger are constructed; everything downstream receives them by reference.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/repobox/runner/internal/admission"
	"github.com/repobox/runner/internal/agent"
	"github.com/repobox/runner/internal/config"
	"github.com/repobox/runner/internal/crypto"
	"github.com/repobox/runner/internal/dispatcher"
	"github.com/repobox/runner/internal/executor"
	"github.com/repobox/runner/internal/healthserver"
	"github.com/repobox/runner/internal/janitor"
	"github.com/repobox/runner/internal/mergerequest"
	"github.com/repobox/runner/internal/metrics"
	"github.com/repobox/runner/internal/output"
	"github.com/repobox/runner/internal/store"
	"github.com/repobox/runner/internal/worker"
)

// ExitCode is the process exit status: 0 after a graceful drain, 1 on a
// fatal startup error, 130 on SIGINT.
type ExitCode int

const (
	ExitOK           ExitCode = 0
	ExitStartupError ExitCode = 1
	ExitInterrupted  ExitCode = 130
)

// Supervisor owns every long-lived goroutine group and the shared Redis
// client / logger pair.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	rdb    *redis.Client

	health *healthserver.Server
	pool   *worker.Pool
	disp   *dispatcher.Dispatcher
	jan    *janitor.Janitor
}

// Build constructs the full dependency graph from cfg. Any error here is
// startup-fatal and exits 1.
func Build(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	rdb, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("supervisor: redis client: %w", err)
	}

	decryptor, err := crypto.NewDecryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("supervisor: encryption key: %w", err)
	}

	reg := metrics.New(prometheus.DefaultRegisterer)

	sessions := store.NewSessionStore(rdb)
	jobs := store.NewJobStore(rdb)
	credentials := store.NewCredentialStore(rdb, decryptor)
	sink := output.NewSink(rdb, logger)

	agentAdapter := agent.New(agent.Config{
		Enabled:        cfg.AIEnabled,
		CLIPath:        cfg.AICLIPath,
		Provider:       cfg.AIProvider,
		APIKey:         cfg.AIAPIKey,
		Timeout:        cfg.AITimeout,
		MaxOutputLines: cfg.AIMaxOutputLines,
	})

	deps := &executor.Deps{
		Sessions:    sessions,
		Jobs:        jobs,
		Credentials: credentials,
		Sink:        sink,
		Agent:       agentAdapter,
		MRClients: map[store.ProviderType]mergerequest.Creator{
			store.ProviderGitHub: mergerequest.NewGitHubClient(),
			store.ProviderGitLab: mergerequest.NewGitLabClient(),
		},
		TempDir:        cfg.TempDir,
		GitAuthorName:  cfg.GitAuthorName,
		GitAuthorEmail: cfg.GitAuthorEmail,
		Logger:         logger,
		Metrics:        reg,
	}

	adm := admission.New(rdb, cfg.MaxJobsPerUser, logger, reg)
	pool := worker.New(rdb, adm, logger, reg, cfg.MaxConcurrentJobs, cfg.MaxConcurrentJobs*4, cfg.JobTimeout)

	disp := dispatcher.New(rdb, pool, adm, cfg.RunnerID, cfg.EnableLegacyJobsStream,
		&executor.Init{Deps: deps},
		&executor.Prompt{Deps: deps},
		&executor.Push{Deps: deps},
		&executor.Legacy{Deps: deps},
		logger,
	)

	jan := &janitor.Janitor{
		Sessions:  sessions,
		TempDir:   cfg.TempDir,
		MaxAge:    cfg.CleanupMaxAge,
		MaxDiskMB: cfg.CleanupMaxDiskMB,
		Interval:  cfg.CleanupInterval,
		Logger:    logger,
		Metrics:   reg,
	}

	return &Supervisor{
		cfg:    cfg,
		logger: logger,
		rdb:    rdb,
		health: healthserver.New(rdb, logger),
		pool:   pool,
		disp:   disp,
		jan:    jan,
	}, nil
}

// Run blocks until SIGINT/SIGTERM or a fatal component error, then drains
// running work before returning: SIGTERM yields a normal exit (0), SIGINT
// yields 130. Running workers always complete before Run returns.
func (s *Supervisor) Run(ctx context.Context) ExitCode {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.disp.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.jan.Run(gctx, s.cfg.CleanupOnStartup)
		return nil
	})
	g.Go(func() error {
		if err := s.health.ListenAndServe(gctx, s.cfg.HealthAddr); err != nil {
			s.logger.Warn("health server exited", "error", err)
		}
		return nil
	})

	var sig os.Signal
	select {
	case sig = <-sigCh:
		s.logger.Info("shutdown signal received, draining", "signal", sig.String())
	case <-gctx.Done():
	}
	s.health.SetDraining(true)
	cancel()

	_ = g.Wait()

	if closeErr := s.rdb.Close(); closeErr != nil {
		s.logger.Warn("failed to close redis client", "error", closeErr)
	}

	if sig == os.Interrupt {
		return ExitInterrupted
	}
	return ExitOK
}

func newRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Healthcheck verifies Redis is reachable at startup, distinct from the
// ongoing /readyz probe.
func (s *Supervisor) Healthcheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
