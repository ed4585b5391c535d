package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/redis/go-redis/v9"

	"fieldsync/internal/archive"
	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/kvstore"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/ratelimit"
	"fieldsync/internal/scheduler"
	"fieldsync/internal/worker"
)

type testAPI struct {
	srv   *httptest.Server
	repo  *queue.Repository
	mon   *connectivity.Monitor
	sched *scheduler.Scheduler
}

func newTestAPI(t *testing.T, limiter Limiter) *testAPI {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	st := kvstore.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "fieldsync:")

	cfg := config.Config{}
	repo := queue.NewRepository(st, 3)
	proc := worker.NewProcessor(cfg, repo, nil)
	proc.RegisterHandler(models.ActionSaveLocation, func(context.Context, models.QueueItem) error { return nil })
	mon := connectivity.NewMonitor(nil)
	sched := scheduler.New(cfg, repo, proc, mon, &archive.FileArchiver{Dir: t.TempDir()}, nil)

	srv := httptest.NewServer(New(cfg, sched, limiter, nil).Router())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, repo: repo, mon: mon, sched: sched}
}

func (a *testAPI) do(t *testing.T, method, path, actor string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, a.srv.URL+path, &buf)
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestEnqueueStampsActor(t *testing.T) {
	a := newTestAPI(t, nil)
	resp := a.do(t, http.MethodPost, "/queue", "auth-7", map[string]any{
		"action": "save_location",
		"data":   map[string]any{"latitude": 1.5, "longitude": 2.5},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	out := decode[map[string]string](t, resp)
	if !strings.HasPrefix(out["id"], "save_location_") {
		t.Fatalf("unexpected id %q", out["id"])
	}

	items, _ := a.repo.List(context.Background())
	if len(items) != 1 || items[0].Data["actor_id"] != "auth-7" {
		t.Fatalf("expected actor stamped, got %+v", items)
	}

	stats := decode[models.QueueStats](t, a.do(t, http.MethodGet, "/queue/stats", "", nil))
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEnqueueKeepsLargeIntegers(t *testing.T) {
	a := newTestAPI(t, nil)
	resp := a.do(t, http.MethodPost, "/queue", "", map[string]any{
		"action": "create_pos_sale",
		"data":   map[string]any{"customer_id": json.Number("9007199254740993")},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	items, _ := a.repo.List(context.Background())
	if len(items) != 1 || items[0].Data["customer_id"] != int64(9007199254740993) {
		t.Fatalf("customer_id lost precision: %+v", items)
	}
}

func TestEnqueueRejectsUnknownAction(t *testing.T) {
	a := newTestAPI(t, nil)
	resp := a.do(t, http.MethodPost, "/queue", "", map[string]any{"action": "drop_tables"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestEnqueueRateLimitedPerActor(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	bucket := ratelimit.NewTokenBucket(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", 1, 0.5, time.Minute)
	a := newTestAPI(t, bucket)

	body := map[string]any{"action": "save_location", "data": map[string]any{}}
	if resp := a.do(t, http.MethodPost, "/queue", "drv-1", body); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	resp := a.do(t, http.MethodPost, "/queue", "drv-1", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", resp.Header.Get("Retry-After"))
	}
	if resp := a.do(t, http.MethodPost, "/queue", "drv-2", body); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other actor should not be limited, got %d", resp.StatusCode)
	}
}

func TestSyncOfflineThenOnline(t *testing.T) {
	a := newTestAPI(t, nil)
	a.do(t, http.MethodPost, "/queue", "", map[string]any{"action": "save_location"})

	out := decode[syncResponse](t, a.do(t, http.MethodPost, "/sync", "", nil))
	if out.Synced {
		t.Fatalf("offline sync must report false")
	}
	if items, _ := a.repo.List(context.Background()); len(items) != 1 {
		t.Fatalf("queue must be unchanged while offline")
	}

	if resp := a.do(t, http.MethodPut, "/status", "", map[string]any{"online": false}); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	status := decode[statusBody](t, a.do(t, http.MethodGet, "/status", "", nil))
	if status.Online == nil || *status.Online {
		t.Fatalf("expected offline status")
	}

	a.sched.SetOnline(true)
	a.mon.Wait()
	out = decode[syncResponse](t, a.do(t, http.MethodPost, "/sync", "", nil))
	if !out.Synced {
		t.Fatalf("expected synced once online, got %+v", out.Result)
	}
	if items, _ := a.repo.List(context.Background()); len(items) != 0 {
		t.Fatalf("expected queue drained once online, got %d items", len(items))
	}
}

func TestPutStatusRequiresOnline(t *testing.T) {
	a := newTestAPI(t, nil)
	if resp := a.do(t, http.MethodPut, "/status", "", map[string]any{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestResetAndClearFailed(t *testing.T) {
	a := newTestAPI(t, nil)
	ctx := context.Background()
	id, _ := a.repo.Enqueue(ctx, models.ActionCreatePosSale, nil)
	for i := 0; i < 3; i++ {
		_ = a.repo.UpdateFailure(ctx, id, "check constraint")
	}

	reset := decode[map[string]int](t, a.do(t, http.MethodPost, "/queue/reset-retries", "", nil))
	if reset["reset"] != 1 {
		t.Fatalf("expected 1 reset, got %v", reset)
	}
	for i := 0; i < 3; i++ {
		_ = a.repo.UpdateFailure(ctx, id, "check constraint")
	}

	cleared := decode[map[string]any](t, a.do(t, http.MethodPost, "/queue/clear-failed", "", nil))
	if cleared["cleared"] != 1.0 || cleared["archive"] == "" {
		t.Fatalf("unexpected clear response %v", cleared)
	}
	list := decode[map[string][]models.QueueItem](t, a.do(t, http.MethodGet, "/queue", "", nil))
	if len(list["items"]) != 0 {
		t.Fatalf("expected empty queue, got %+v", list)
	}
}

func TestEventsStream(t *testing.T) {
	a := newTestAPI(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	a.do(t, http.MethodPut, "/status", "", map[string]any{"online": true})

	var ev scheduler.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != scheduler.EventOnline {
		t.Fatalf("expected online event, got %+v", ev)
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != scheduler.EventSyncCompleted || ev.Result == nil || ev.Result.Trigger != models.TriggerReconnect {
		t.Fatalf("expected reconnect sync event, got %+v", ev)
	}
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, nil)
	if resp := a.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
