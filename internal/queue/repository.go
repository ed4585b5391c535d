// Package queue persists the device's ordered list of pending mutations.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldsync/internal/kvstore"
	"fieldsync/internal/models"
)

// QueueKey is the store key holding the serialized queue list.
const QueueKey = "fieldsync:queue"

// ErrUnknownAction is returned when enqueueing an action outside the known set.
var ErrUnknownAction = errors.New("unknown queue action")

// Repository offers CRUD over the queue list. Every operation reads the whole list,
// mutates it and writes it back; the mutex serializes those cycles within the process.
type Repository struct {
	store      kvstore.Store
	maxRetries int
	now        func() time.Time

	mu sync.Mutex
}

// NewRepository builds a repository over st. maxRetries <= 0 uses models.DefaultMaxRetries.
func NewRepository(st kvstore.Store, maxRetries int) *Repository {
	if maxRetries <= 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return &Repository{
		store:      st,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// MaxRetries returns the retry cap the repository classifies items with.
func (r *Repository) MaxRetries() int {
	return r.maxRetries
}

// Enqueue appends a new item and returns its generated id.
func (r *Repository) Enqueue(ctx context.Context, action models.Action, data map[string]any) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if data == nil {
		data = map[string]any{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	items, err := r.load(ctx)
	if err != nil {
		return "", err
	}
	now := r.now()
	item := models.QueueItem{
		ID:        newItemID(action, now),
		Action:    action,
		Data:      maps.Clone(data),
		Timestamp: now.UnixMilli(),
	}
	items = append(items, item)
	if err := r.save(ctx, items); err != nil {
		return "", err
	}
	return item.ID, nil
}

// List returns the full queue in insertion order.
func (r *Repository) List(ctx context.Context) ([]models.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

// Remove deletes the item with the given id. Absent ids are a no-op.
func (r *Repository) Remove(ctx context.Context, id string) error {
	return r.mutate(ctx, func(items []models.QueueItem) ([]models.QueueItem, bool) {
		for i := range items {
			if items[i].ID == id {
				return append(items[:i], items[i+1:]...), true
			}
		}
		return items, false
	})
}

// UpdateFailure bumps the retry count of id and records msg. Absent ids are a no-op.
func (r *Repository) UpdateFailure(ctx context.Context, id string, msg string) error {
	return r.mutate(ctx, func(items []models.QueueItem) ([]models.QueueItem, bool) {
		for i := range items {
			if items[i].ID == id {
				items[i].RetryCount++
				items[i].LastError = msg
				return items, true
			}
		}
		return items, false
	})
}

// ResetAllRetries zeroes every retry count and returns how many items were exhausted before.
func (r *Repository) ResetAllRetries(ctx context.Context) (int, error) {
	var exhausted int
	err := r.mutate(ctx, func(items []models.QueueItem) ([]models.QueueItem, bool) {
		changed := false
		for i := range items {
			if items[i].Exhausted(r.maxRetries) {
				exhausted++
			}
			if items[i].RetryCount != 0 {
				items[i].RetryCount = 0
				changed = true
			}
		}
		return items, changed
	})
	return exhausted, err
}

// DropExhausted removes every exhausted item and returns the removed items.
func (r *Repository) DropExhausted(ctx context.Context) ([]models.QueueItem, error) {
	return r.DropExhaustedWith(ctx, nil)
}

// DropExhaustedWith hands the exhausted items to before while holding the queue, and drops
// them only if before succeeds.
func (r *Repository) DropExhaustedWith(ctx context.Context, before func(context.Context, []models.QueueItem) error) ([]models.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	var dropped, kept []models.QueueItem
	for _, item := range items {
		if item.Exhausted(r.maxRetries) {
			dropped = append(dropped, item)
			continue
		}
		kept = append(kept, item)
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	if before != nil {
		if err := before(ctx, dropped); err != nil {
			return nil, err
		}
	}
	if kept == nil {
		kept = []models.QueueItem{}
	}
	if err := r.save(ctx, kept); err != nil {
		return nil, err
	}
	return dropped, nil
}

// Stats classifies the current queue by retry state.
func (r *Repository) Stats(ctx context.Context) (models.QueueStats, error) {
	items, err := r.List(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	return Summarize(items, r.maxRetries), nil
}

// Summarize computes stats for items under the given retry cap.
func Summarize(items []models.QueueItem, maxRetries int) models.QueueStats {
	stats := models.QueueStats{Total: len(items)}
	for _, item := range items {
		switch {
		case item.RetryCount == 0:
			stats.Pending++
		case item.RetryCount < maxRetries:
			stats.Retrying++
		default:
			stats.Failed++
		}
	}
	return stats
}

func (r *Repository) mutate(ctx context.Context, fn func([]models.QueueItem) ([]models.QueueItem, bool)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	items, err := r.load(ctx)
	if err != nil {
		return err
	}
	items, changed := fn(items)
	if !changed {
		return nil
	}
	return r.save(ctx, items)
}

func (r *Repository) load(ctx context.Context) ([]models.QueueItem, error) {
	raw, found, err := r.store.Get(ctx, QueueKey)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if !found || len(raw) == 0 {
		return []models.QueueItem{}, nil
	}
	var items []models.QueueItem
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	for i := range items {
		for k, v := range items[i].Data {
			items[i].Data[k] = normalizeNumber(v)
		}
	}
	return items, nil
}

// maxExactFloat is the largest integer a float64 holds without rounding.
const maxExactFloat = 1 << 53

// normalizeNumber turns decoded json.Number values back into float64, except integers
// beyond float64 precision, which stay int64 so ids like bigint keys survive a reload.
func normalizeNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil && (i > maxExactFloat || i < -maxExactFloat) {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumber(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumber(e)
		}
		return t
	}
	return v
}

func (r *Repository) save(ctx context.Context, items []models.QueueItem) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := r.store.Set(ctx, QueueKey, raw); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

func newItemID(action models.Action, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", action, now.UnixMilli(), random)
}
