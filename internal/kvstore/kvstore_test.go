package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if _, found, err := st.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("expected missing key, found=%v err=%v", found, err)
	}
	if err := st.Set(ctx, "queue", []byte(`[1]`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.Set(ctx, "queue", []byte(`[1,2]`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	val, found, err := st.Get(ctx, "queue")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(val) != `[1,2]` {
		t.Fatalf("expected latest value, got %s", val)
	}
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisStoreWithClient(client, "device-7:")
	defer st.Close()

	exerciseStore(t, st)
	if !mr.Exists("device-7:queue") {
		t.Fatalf("expected prefixed key in redis")
	}
}

func TestSQLiteStore(t *testing.T) {
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	st, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := st.Set(ctx, "queue", []byte("persisted")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.Close()
	val, found, err := reopened.Get(ctx, "queue")
	if err != nil || !found || string(val) != "persisted" {
		t.Fatalf("expected value after reopen, got %q found=%v err=%v", val, found, err)
	}
}
