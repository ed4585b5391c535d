// Package scheduler drives sync passes in the background and exposes the queue operations the
// driver UI calls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fieldsync/internal/archive"
	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/telemetry"
	"fieldsync/internal/worker"
)

// Drainer runs one sync pass.
type Drainer interface {
	Drain(ctx context.Context, trigger models.Trigger) (models.SyncResult, error)
}

// EventType names a transient notification for the UI.
type EventType string

const (
	EventOnline        EventType = "online"
	EventOffline       EventType = "offline"
	EventSyncCompleted EventType = "sync_completed"
)

// Event is pushed to subscribers; Result is set for sync_completed.
type Event struct {
	Type   EventType          `json:"type"`
	At     time.Time          `json:"at"`
	Result *models.SyncResult `json:"result,omitempty"`
}

// Scheduler owns the periodic loops around a Drainer.
type Scheduler struct {
	repo          *queue.Repository
	drainer       Drainer
	monitor       *connectivity.Monitor
	archiver      archive.Archiver
	syncInterval  time.Duration
	statsInterval time.Duration
	logger        *slog.Logger

	// life bounds every pass the scheduler starts on its own; Stop cancels it.
	life       context.Context
	cancelLife context.CancelFunc

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	stats     models.QueueStats

	subMu       sync.Mutex
	nextSub     int
	subscribers map[int]func(Event)
}

func New(cfg config.Config, repo *queue.Repository, drainer Drainer, monitor *connectivity.Monitor, archiver archive.Archiver, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	life, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		life:          life,
		cancelLife:    cancel,
		repo:          repo,
		drainer:       drainer,
		monitor:       monitor,
		archiver:      archiver,
		syncInterval:  cfg.SyncInterval,
		statsInterval: cfg.StatsInterval,
		logger:        logger,
		subscribers:   make(map[int]func(Event)),
	}
	monitor.Subscribe(func(online bool) {
		if online {
			s.publish(Event{Type: EventOnline, At: time.Now().UTC()})
			return
		}
		s.publish(Event{Type: EventOffline, At: time.Now().UTC()})
	})
	monitor.OnReconnect(func() {
		s.runPass(s.life, models.TriggerReconnect)
	})
	return s
}

// Start launches the periodic sync and stats loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	context.AfterFunc(ctx, s.cancelLife)
	s.refreshStats(ctx)
	s.wg.Add(2)
	go s.periodicSyncLoop(s.life)
	go s.statsLoop(s.life)
	s.logger.Info("sync scheduler started", "sync_interval", s.syncInterval, "stats_interval", s.statsInterval)
}

// Stop ends the loops, cancels any pass the scheduler started and waits for them to return.
// A stopped scheduler is not restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.cancelLife()
	s.wg.Wait()
	s.monitor.Close()
	s.logger.Info("sync scheduler stopped")
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.syncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runPass(ctx, models.TriggerTimer)
		}
	}
}

func (s *Scheduler) statsLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.statsInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refreshStats(ctx)
		}
	}
}

// runPass is used by automatic triggers; guard rejections are expected and only logged.
func (s *Scheduler) runPass(ctx context.Context, trigger models.Trigger) {
	if !s.monitor.Online() {
		return
	}
	result, err := s.drainer.Drain(ctx, trigger)
	switch {
	case errors.Is(err, worker.ErrPassInProgress), errors.Is(err, worker.ErrCoolingDown):
		s.logger.Debug("sync trigger dropped", "trigger", trigger, "reason", err)
		return
	case err != nil:
		s.logger.Error("sync pass failed", "trigger", trigger, "err", err)
		return
	}
	s.publish(Event{Type: EventSyncCompleted, At: time.Now().UTC(), Result: &result})
	s.refreshStats(ctx)
}

func (s *Scheduler) refreshStats(ctx context.Context) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		s.logger.Warn("refresh queue stats", "err", err)
		return
	}
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
	telemetry.SetQueueDepth(stats.Pending, stats.Retrying, stats.Failed)
}

// Subscribe registers fn for scheduler events and returns a func that removes it. fn must not
// block.
func (s *Scheduler) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Scheduler) publish(ev Event) {
	s.subMu.Lock()
	subs := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Enqueue records a mutation for later sync.
func (s *Scheduler) Enqueue(ctx context.Context, action models.Action, data map[string]any) (string, error) {
	id, err := s.repo.Enqueue(ctx, action, data)
	if err != nil {
		return "", err
	}
	telemetry.EnqueueCounter.WithLabelValues(string(action)).Inc()
	s.refreshStats(ctx)
	return id, nil
}

// Items lists the queue in insertion order.
func (s *Scheduler) Items(ctx context.Context) ([]models.QueueItem, error) {
	return s.repo.List(ctx)
}

// Stats returns the last computed snapshot.
func (s *Scheduler) Stats() models.QueueStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Online reports the connectivity flag.
func (s *Scheduler) Online() bool {
	return s.monitor.Online()
}

// SetOnline applies a platform connectivity signal.
func (s *Scheduler) SetOnline(online bool) {
	s.monitor.Set(online)
}

// SyncNow runs a manual pass. It reports true only when the pass ran and left the queue empty;
// offline or busy agents return false without touching the queue.
func (s *Scheduler) SyncNow(ctx context.Context) (bool, models.SyncResult, error) {
	if !s.monitor.Online() {
		return false, models.SyncResult{Trigger: models.TriggerManual}, nil
	}
	result, err := s.drainer.Drain(ctx, models.TriggerManual)
	if errors.Is(err, worker.ErrPassInProgress) {
		return false, result, nil
	}
	if err != nil {
		return false, result, err
	}
	s.publish(Event{Type: EventSyncCompleted, At: time.Now().UTC(), Result: &result})
	s.refreshStats(ctx)
	return result.Drained(), result, nil
}

// ResetRetries makes every item eligible again and returns how many had been exhausted.
func (s *Scheduler) ResetRetries(ctx context.Context) (int, error) {
	n, err := s.repo.ResetAllRetries(ctx)
	if err != nil {
		return 0, err
	}
	s.refreshStats(ctx)
	return n, nil
}

// ClearFailed archives and drops exhausted items. Nothing is dropped if the archive fails.
func (s *Scheduler) ClearFailed(ctx context.Context) (int, string, error) {
	var location string
	dropped, err := s.repo.DropExhaustedWith(ctx, func(ctx context.Context, items []models.QueueItem) error {
		if s.archiver == nil {
			return nil
		}
		loc, err := s.archiver.Archive(ctx, items)
		if err != nil {
			return fmt.Errorf("archive failed items: %w", err)
		}
		location = loc
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	if len(dropped) > 0 {
		s.logger.Info("cleared failed items", "count", len(dropped), "archive", location)
	}
	s.refreshStats(ctx)
	return len(dropped), location, nil
}
