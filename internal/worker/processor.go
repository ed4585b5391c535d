package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/identity"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/telemetry"
)

var (
	// ErrPassInProgress is returned when a pass is triggered while another one runs.
	ErrPassInProgress = errors.New("sync pass already in progress")
	// ErrCoolingDown is returned when an automatic trigger arrives within the cooldown window.
	ErrCoolingDown = errors.New("sync pass throttled by cooldown")
)

// Handler executes a queued mutation for a given action.
type Handler func(ctx context.Context, item models.QueueItem) error

// Processor drains the queue, one pass at a time.
type Processor struct {
	repo           *queue.Repository
	handlers       map[models.Action]Handler
	handlerTimeout time.Duration
	cooldown       time.Duration
	logger         *slog.Logger
	now            func() time.Time

	running  atomic.Bool
	mu       sync.Mutex
	lastDone time.Time
}

func NewProcessor(cfg config.Config, repo *queue.Repository, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		repo:           repo,
		handlers:       make(map[models.Action]Handler),
		handlerTimeout: cfg.HandlerTimeout,
		cooldown:       cfg.SyncCooldown,
		logger:         logger,
		now:            time.Now,
	}
}

// RegisterHandler binds a handler to an action.
func (p *Processor) RegisterHandler(action models.Action, handler Handler) {
	if action == "" || handler == nil {
		return
	}
	p.handlers[action] = handler
}

// Running reports whether a pass is in flight.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// LastCompleted returns when the last pass finished, zero if none has.
func (p *Processor) LastCompleted() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDone
}

// Drain runs one sync pass. Concurrent calls while a pass is running return ErrPassInProgress;
// non-manual triggers within the cooldown of the last pass return ErrCoolingDown. Item failures
// never abort the pass.
func (p *Processor) Drain(ctx context.Context, trigger models.Trigger) (models.SyncResult, error) {
	result := models.SyncResult{Trigger: trigger}
	if !p.running.CompareAndSwap(false, true) {
		telemetry.DroppedTriggers.WithLabelValues("in_progress").Inc()
		return result, ErrPassInProgress
	}
	defer p.running.Store(false)

	if trigger != models.TriggerManual && p.coolingDown() {
		telemetry.DroppedTriggers.WithLabelValues("cooldown").Inc()
		return result, ErrCoolingDown
	}

	result.StartedAt = p.now()
	telemetry.SyncPasses.WithLabelValues(string(trigger)).Inc()

	items, err := p.repo.List(ctx)
	if err != nil {
		return result, fmt.Errorf("list queue: %w", err)
	}

	maxRetries := p.repo.MaxRetries()
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if item.Exhausted(maxRetries) {
			result.Skipped++
			telemetry.ItemsSkipped.Inc()
			continue
		}

		err := p.runItem(ctx, item)
		if err == nil {
			if rmErr := p.repo.Remove(ctx, item.ID); rmErr != nil {
				p.logger.Error("remove synced item", "item_id", item.ID, "err", rmErr)
			}
			result.Processed++
			telemetry.ItemsProcessed.WithLabelValues(string(item.Action)).Inc()
			continue
		}
		if ctx.Err() != nil {
			// Shutdown interrupted the handler; not the item's fault.
			break
		}

		result.Failed++
		telemetry.ItemsFailed.WithLabelValues(string(item.Action)).Inc()
		p.logger.Warn("queue item failed",
			"item_id", item.ID,
			"action", item.Action,
			"attempt", item.RetryCount+1,
			"max_retries", maxRetries,
			"err", err)
		if upErr := p.repo.UpdateFailure(ctx, item.ID, err.Error()); upErr != nil {
			p.logger.Error("record item failure", "item_id", item.ID, "err", upErr)
		}
	}

	if left, err := p.repo.List(ctx); err == nil {
		result.Remaining = len(left)
	} else {
		result.Remaining = len(items) - result.Processed
	}
	done := p.now()
	result.Duration = done.Sub(result.StartedAt)

	p.mu.Lock()
	p.lastDone = done
	p.mu.Unlock()

	p.logger.Info("sync pass completed",
		"trigger", trigger,
		"processed", result.Processed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"remaining", result.Remaining,
		"duration", result.Duration)
	return result, nil
}

func (p *Processor) coolingDown() bool {
	if p.cooldown <= 0 {
		return false
	}
	last := p.LastCompleted()
	return !last.IsZero() && p.now().Sub(last) < p.cooldown
}

// runItem executes the item's handler under the per-invocation timeout.
func (p *Processor) runItem(ctx context.Context, item models.QueueItem) (err error) {
	handler, ok := p.handlers[item.Action]
	if !ok {
		return fmt.Errorf("no handler registered for action %q", item.Action)
	}
	// The actor recorded at enqueue time outranks whoever is signed in now.
	if actor, ok := item.Data["actor_id"].(string); ok && actor != "" {
		ctx = identity.WithActor(ctx, actor)
	}
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		telemetry.HandlerDuration.WithLabelValues(string(item.Action)).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, item)
}
