// Package connectivity tracks whether the remote store is reachable and reacts to transitions.
package connectivity

import (
	"log/slog"
	"sync"

	"fieldsync/internal/telemetry"
)

// Monitor holds the online flag for one agent.
type Monitor struct {
	logger *slog.Logger

	mu          sync.Mutex
	online      bool
	known       bool
	nextID      int
	subscribers map[int]func(bool)
	onReconnect func()
	closed      bool

	wg sync.WaitGroup
}

func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger, subscribers: make(map[int]func(bool))}
}

// Online reports the last known connectivity state. The agent starts offline until a signal
// arrives.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for connectivity transitions and returns a func that removes it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// OnReconnect sets the hook run in the background every time the agent comes back online.
// The hook owns its context; the signal's context may end as soon as Set returns.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// Set applies a platform connectivity signal and reports whether it changed the state.
// Repeated signals with the same value are ignored.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return false
	}
	m.known = true
	m.online = online
	subs := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	hook := m.onReconnect
	if online && hook != nil && !m.closed {
		m.wg.Add(1)
	} else {
		hook = nil
	}
	m.mu.Unlock()

	telemetry.SetOnline(online)
	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}

	if hook != nil {
		go func() {
			defer m.wg.Done()
			hook()
		}()
	}
	return true
}

// Wait blocks until every reconnect hook started by Set has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Close stops starting reconnect hooks and waits for running ones. Signals still update the
// flag afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}
