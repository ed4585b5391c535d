// Package agent assembles the sync agent shared by the binaries.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"fieldsync/internal/archive"
	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/identity"
	"fieldsync/internal/kvstore"
	"fieldsync/internal/queue"
	"fieldsync/internal/remote"
	"fieldsync/internal/resolver"
	"fieldsync/internal/scheduler"
	"fieldsync/internal/worker"
)

// Agent owns every long-lived component of one device's sync agent.
type Agent struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     kvstore.Store
	Remote    *remote.Postgres
	Repo      *queue.Repository
	Processor *worker.Processor
	Monitor   *connectivity.Monitor
	Prober    *connectivity.Prober
	Scheduler *scheduler.Scheduler

	wg sync.WaitGroup
}

// New opens the stores and wires the components. The remote is not contacted; the agent
// starts offline until the first probe succeeds.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Agent, error) {
	st, err := kvstore.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.KVBackend, err)
	}
	pg, err := remote.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	arch, err := archive.New(ctx, cfg)
	if err != nil {
		pg.Close()
		_ = st.Close()
		return nil, err
	}

	repo := queue.NewRepository(st, cfg.MaxRetries)
	proc := worker.NewProcessor(cfg, repo, logger.With("component", "processor"))
	actions := worker.NewActions(pg,
		resolver.New(pg, logger.With("component", "resolver")),
		identity.Chain{Fallback: identity.Static(cfg.ActorID)},
		worker.ActionsConfig{VisitDedupWindow: cfg.VisitDedupWindow},
		logger.With("component", "actions"))
	actions.RegisterAll(proc)

	mon := connectivity.NewMonitor(logger.With("component", "connectivity"))
	prober := connectivity.NewProber(cfg, pg.Ping, mon, logger.With("component", "prober"))
	sched := scheduler.New(cfg, repo, proc, mon, arch, logger.With("component", "scheduler"))

	return &Agent{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Remote:    pg,
		Repo:      repo,
		Processor: proc,
		Monitor:   mon,
		Prober:    prober,
		Scheduler: sched,
	}, nil
}

// Start launches the prober and the scheduler loops.
func (a *Agent) Start(ctx context.Context) {
	a.Scheduler.Start(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Prober.Run(ctx)
	}()
}

// Close stops the loops, waiting for an in-flight pass, and releases the stores. ctx passed to
// Start should be cancelled first.
func (a *Agent) Close() {
	a.wg.Wait()
	a.Scheduler.Stop()
	a.Remote.Close()
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("close store", "err", err)
	}
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h).With("env", cfg.Env)
}
