package agent

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger(config.Config{LogLevel: "warn", LogFormat: "json"})
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should be disabled at warn level")
	}
	if !NewLogger(config.Config{LogLevel: "bogus"}).Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("invalid level should fall back to info")
	}
}

func TestAgentStartsOfflineWithUnreachableRemote(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		KVBackend:      "sqlite",
		SQLitePath:     filepath.Join(dir, "agent.db"),
		PostgresDSN:    "postgres://fieldsync@127.0.0.1:1/erp?sslmode=disable&connect_timeout=1",
		ArchiveDir:     filepath.Join(dir, "archive"),
		MaxRetries:     3,
		ProbeInterval:  time.Hour,
		ProbeTimeout:   200 * time.Millisecond,
		BackoffInitial: time.Hour,
		BackoffMax:     time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, slog.Default())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	a.Start(ctx)

	id, err := a.Scheduler.Enqueue(ctx, models.ActionSaveLocation, map[string]any{"latitude": 1, "longitude": 2})
	if err != nil || id == "" {
		t.Fatalf("enqueue while offline: %v", err)
	}
	ok, _, err := a.Scheduler.SyncNow(ctx)
	if err != nil || ok {
		t.Fatalf("expected offline no-op, got ok=%v err=%v", ok, err)
	}

	cancel()
	a.Close()
	if a.Monitor.Online() {
		t.Fatalf("unreachable remote must leave the agent offline")
	}
}
