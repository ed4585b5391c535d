package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"fieldsync/internal/kvstore"
	"fieldsync/internal/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	st, err := kvstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRepository(st, 3)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (brokenStore) Set(context.Context, string, []byte) error        { return errors.New("disk full") }
func (brokenStore) Close() error                                     { return nil }

func TestEnqueueAndList(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	items, err := repo.List(ctx)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty queue, got %d err=%v", len(items), err)
	}

	first, err := repo.Enqueue(ctx, models.ActionCreateTrip, map[string]any{"id": "trip-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := repo.Enqueue(ctx, models.ActionSaveLocation, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.HasPrefix(first, "create_trip_") || first == second {
		t.Fatalf("unexpected ids %q %q", first, second)
	}
	if parts := strings.Split(strings.TrimPrefix(first, "create_trip_"), "_"); len(parts) != 2 {
		t.Fatalf("expected {action}_{timestamp}_{random}, got %q", first)
	}

	items, err = repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != first || items[1].ID != second {
		t.Fatalf("expected insertion order, got %+v", items)
	}
	if items[0].RetryCount != 0 || items[0].Data["id"] != "trip-1" {
		t.Fatalf("unexpected first item %+v", items[0])
	}
}

func TestEnqueueRejectsUnknownAction(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Enqueue(context.Background(), models.Action("drop_tables"), nil)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestEnqueuePropagatesStoreErrors(t *testing.T) {
	repo := NewRepository(brokenStore{}, 3)
	if _, err := repo.Enqueue(context.Background(), models.ActionSaveLocation, nil); err == nil {
		t.Fatalf("expected persistence error")
	}
}

func TestEnqueueCopiesPayload(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	data := map[string]any{"latitude": 1.5}
	if _, err := repo.Enqueue(ctx, models.ActionSaveLocation, data); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	data["latitude"] = 99.0
	items, _ := repo.List(ctx)
	if items[0].Data["latitude"] != 1.5 {
		t.Fatalf("queue item should own its payload, got %v", items[0].Data["latitude"])
	}
}

func TestRemoveAndUpdateFailure(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	a, _ := repo.Enqueue(ctx, models.ActionUpdateOdometer, nil)
	b, _ := repo.Enqueue(ctx, models.ActionUpdateOdometer, nil)

	if err := repo.UpdateFailure(ctx, b, "timeout"); err != nil {
		t.Fatalf("update failure: %v", err)
	}
	if err := repo.UpdateFailure(ctx, b, "connection reset"); err != nil {
		t.Fatalf("update failure: %v", err)
	}
	if err := repo.UpdateFailure(ctx, "missing", "x"); err != nil {
		t.Fatalf("update of absent id should be a no-op, got %v", err)
	}
	if err := repo.Remove(ctx, a); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := repo.Remove(ctx, a); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}

	items, _ := repo.List(ctx)
	if len(items) != 1 || items[0].ID != b {
		t.Fatalf("expected only %s left, got %+v", b, items)
	}
	if items[0].RetryCount != 2 || items[0].LastError != "connection reset" {
		t.Fatalf("unexpected failure state %+v", items[0])
	}
}

func TestResetAndDropExhausted(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	ok, _ := repo.Enqueue(ctx, models.ActionSaveLocation, nil)
	retrying, _ := repo.Enqueue(ctx, models.ActionSaveLocation, nil)
	dead, _ := repo.Enqueue(ctx, models.ActionSaveLocation, nil)

	_ = repo.UpdateFailure(ctx, retrying, "boom")
	for i := 0; i < 3; i++ {
		_ = repo.UpdateFailure(ctx, dead, "boom")
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := models.QueueStats{Total: 3, Pending: 1, Retrying: 1, Failed: 1}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}

	dropped, err := repo.DropExhausted(ctx)
	if err != nil {
		t.Fatalf("drop exhausted: %v", err)
	}
	if len(dropped) != 1 || dropped[0].ID != dead {
		t.Fatalf("expected %s dropped, got %+v", dead, dropped)
	}

	_ = repo.UpdateFailure(ctx, ok, "boom")
	_ = repo.UpdateFailure(ctx, ok, "boom")
	_ = repo.UpdateFailure(ctx, ok, "boom")
	n, err := repo.ResetAllRetries(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 previously exhausted item, got %d", n)
	}
	items, _ := repo.List(ctx)
	for _, item := range items {
		if item.RetryCount != 0 {
			t.Fatalf("expected retry count reset, got %+v", item)
		}
	}
}

func TestDropExhaustedWithAbortsOnHookError(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	dead, _ := repo.Enqueue(ctx, models.ActionCreatePosSale, nil)
	for i := 0; i < 3; i++ {
		_ = repo.UpdateFailure(ctx, dead, "boom")
	}

	_, err := repo.DropExhaustedWith(ctx, func(context.Context, []models.QueueItem) error {
		return errors.New("archive unavailable")
	})
	if err == nil {
		t.Fatalf("expected hook error")
	}
	if items, _ := repo.List(ctx); len(items) != 1 {
		t.Fatalf("item must survive a failed hook, got %d items", len(items))
	}

	var seen []string
	dropped, err := repo.DropExhaustedWith(ctx, func(_ context.Context, items []models.QueueItem) error {
		for _, item := range items {
			seen = append(seen, item.ID)
		}
		return nil
	})
	if err != nil || len(dropped) != 1 || len(seen) != 1 || seen[0] != dead {
		t.Fatalf("unexpected drop: dropped=%v seen=%v err=%v", dropped, seen, err)
	}
	if items, _ := repo.List(ctx); len(items) != 0 {
		t.Fatalf("expected empty queue, got %d", len(items))
	}
}

func TestLargeIntegersSurviveReload(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	_, err := repo.Enqueue(ctx, models.ActionCreatePosSale, map[string]any{
		"customer_id": json.Number("9007199254740993"),
		"location_id": int64(-9007199254740995),
		"total":       12.5,
		"items":       []any{map[string]any{"quantity": 2}},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items, err := repo.List(ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %d items, err=%v", len(items), err)
	}
	data := items[0].Data
	if data["customer_id"] != int64(9007199254740993) {
		t.Fatalf("customer_id lost precision: %#v", data["customer_id"])
	}
	if data["location_id"] != int64(-9007199254740995) {
		t.Fatalf("location_id lost precision: %#v", data["location_id"])
	}
	if data["total"] != 12.5 {
		t.Fatalf("expected float total, got %#v", data["total"])
	}
	line := data["items"].([]any)[0].(map[string]any)
	if line["quantity"] != 2.0 {
		t.Fatalf("expected nested number as float64, got %#v", line["quantity"])
	}
}
