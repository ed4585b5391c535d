package connectivity

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"fieldsync/internal/config"
)

// CheckFunc reports nil when the remote store answered.
type CheckFunc func(ctx context.Context) error

// Prober turns periodic reachability checks into connectivity signals.
type Prober struct {
	check          CheckFunc
	monitor        *Monitor
	interval       time.Duration
	timeout        time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	logger         *slog.Logger
}

func NewProber(cfg config.Config, check CheckFunc, monitor *Monitor, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		check:          check,
		monitor:        monitor,
		interval:       cfg.ProbeInterval,
		timeout:        cfg.ProbeTimeout,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		logger:         logger,
	}
}

// Probe runs one check and feeds the outcome into the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	checkCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	err := p.check(checkCtx)
	if err != nil {
		p.logger.Debug("remote probe failed", "err", err)
	}
	online := err == nil
	p.monitor.Set(online)
	return online
}

// Run probes until ctx is cancelled. Offline probes back off with jitter.
func (p *Prober) Run(ctx context.Context) {
	failures := 0
	for {
		if p.Probe(ctx) {
			failures = 0
		} else {
			failures++
		}
		if ctx.Err() != nil {
			return
		}

		wait := p.interval
		if failures > 0 {
			wait = backoffWithJitter(p.backoffInitial, p.backoffMax, failures)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
