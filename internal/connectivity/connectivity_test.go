package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/config"
)

func TestMonitorNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(nil)
	var mu sync.Mutex
	var seen []bool
	unsubscribe := m.Subscribe(func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})
	if !m.Set(true) {
		t.Fatalf("first signal should be a transition")
	}
	if m.Set(true) {
		t.Fatalf("repeated signal should be ignored")
	}
	m.Set(false)
	unsubscribe()
	m.Set(true)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != true || seen[1] != false {
		t.Fatalf("unexpected notifications %v", seen)
	}
	if !m.Online() {
		t.Fatalf("expected online")
	}
}

func TestMonitorRunsReconnectHookOnlyWhenComingOnline(t *testing.T) {
	m := NewMonitor(nil)
	var runs atomic.Int32
	m.OnReconnect(func() { runs.Add(1) })

	m.Set(true)
	m.Wait()
	m.Set(false)
	m.Wait()
	m.Set(true)
	m.Wait()

	if n := runs.Load(); n != 2 {
		t.Fatalf("expected 2 reconnect runs, got %d", n)
	}
}

func TestMonitorCloseRefusesNewHooks(t *testing.T) {
	m := NewMonitor(nil)
	release := make(chan struct{})
	var runs atomic.Int32
	m.OnReconnect(func() {
		runs.Add(1)
		<-release
	})

	m.Set(true)
	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("close must wait for the running hook")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed

	m.Set(false)
	if !m.Set(true) {
		t.Fatalf("signals still apply after close")
	}
	m.Wait()
	if n := runs.Load(); n != 1 {
		t.Fatalf("no hook may start after close, got %d runs", n)
	}
	if !m.Online() {
		t.Fatalf("expected online")
	}
}

func TestProberFeedsMonitor(t *testing.T) {
	m := NewMonitor(nil)
	var fail atomic.Bool
	p := NewProber(config.Config{ProbeTimeout: time.Second}, func(context.Context) error {
		if fail.Load() {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}, m, nil)

	if !p.Probe(context.Background()) || !m.Online() {
		t.Fatalf("expected online after successful probe")
	}
	fail.Store(true)
	if p.Probe(context.Background()) || m.Online() {
		t.Fatalf("expected offline after failed probe")
	}
}

func TestProberRunStopsOnCancel(t *testing.T) {
	m := NewMonitor(nil)
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	p := NewProber(config.Config{
		ProbeInterval:  time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}, func(context.Context) error {
		if calls.Add(1) >= 5 {
			cancel()
		}
		return errors.New("unreachable")
	}, m, nil)

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("prober did not stop")
	}
	if calls.Load() < 5 {
		t.Fatalf("expected at least 5 probes, got %d", calls.Load())
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff should cap at %s, got %s", max, b10)
	}
}
