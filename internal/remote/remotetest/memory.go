// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"fieldsync/internal/remote"
)

// Procedure is a fake remote procedure.
type Procedure func(m *Memory, args remote.Row) (any, error)

// Memory is a thread-safe fake remote store. Tables spring into existence on first insert
// unless marked missing with DropTable.
type Memory struct {
	mu      sync.Mutex
	tables  map[string][]remote.Row
	missing map[string]bool
	procs   map[string]Procedure
	fail    map[string]error
	calls   []string
	seq     int
}

var _ remote.Client = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tables:  make(map[string][]remote.Row),
		missing: make(map[string]bool),
		procs:   make(map[string]Procedure),
		fail:    make(map[string]error),
	}
}

// Seed inserts rows without recording calls.
func (m *Memory) Seed(table string, rows ...remote.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], m.withID(table, r))
	}
}

// Rows returns copies of every row in table.
func (m *Memory) Rows(table string) []remote.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]remote.Row, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, maps.Clone(r))
	}
	return out
}

// DropTable makes every operation on table fail as not implemented.
func (m *Memory) DropTable(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missing[table] = true
}

// Register installs a remote procedure.
func (m *Memory) Register(fn string, proc Procedure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[fn] = proc
}

// FailOp makes every op ("select", "insert", "update", "call") on target return err until
// cleared with a nil err.
func (m *Memory) FailOp(op, target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + ":" + target
	if err == nil {
		delete(m.fail, key)
		return
	}
	m.fail[key] = err
}

// Calls returns the log of attempted operations as "op:target".
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Called reports whether op:target was attempted.
func (m *Memory) Called(op, target string) bool {
	for _, c := range m.Calls() {
		if c == op+":"+target {
			return true
		}
	}
	return false
}

func (m *Memory) Select(_ context.Context, q remote.Query) ([]remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("select", q.Table); err != nil {
		return nil, err
	}
	var out []remote.Row
	for _, r := range m.tables[q.Table] {
		if !matches(r, q) {
			continue
		}
		out = append(out, project(r, q.Columns))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Insert(_ context.Context, table string, row remote.Row) (remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("insert", table); err != nil {
		return nil, err
	}
	stored := m.withID(table, row)
	m.tables[table] = append(m.tables[table], stored)
	return maps.Clone(stored), nil
}

func (m *Memory) InsertMany(_ context.Context, table string, rows []remote.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("insert", table); err != nil {
		return err
	}
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], m.withID(table, r))
	}
	return nil
}

func (m *Memory) Update(_ context.Context, table string, id any, fields remote.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("update", table); err != nil {
		return err
	}
	want := remote.AsString(id)
	for _, r := range m.tables[table] {
		if remote.AsString(r["id"]) == want {
			for k, v := range fields {
				r[k] = v
			}
		}
	}
	return nil
}

func (m *Memory) Call(_ context.Context, fn string, args remote.Row) (any, error) {
	m.mu.Lock()
	if err := m.check("call", fn); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	proc, ok := m.procs[fn]
	m.mu.Unlock()
	if !ok {
		return nil, remote.NotImplemented("call "+fn, fmt.Errorf("function %s does not exist", fn))
	}
	return proc(m, args)
}

// check records the call and returns any configured failure. Callers hold m.mu.
func (m *Memory) check(op, target string) error {
	m.calls = append(m.calls, op+":"+target)
	if err, ok := m.fail[op+":"+target]; ok {
		return err
	}
	if m.missing[target] {
		return remote.NotImplemented(op+" "+target, fmt.Errorf("relation %q does not exist", target))
	}
	return nil
}

func (m *Memory) withID(table string, row remote.Row) remote.Row {
	stored := maps.Clone(row)
	if stored == nil {
		stored = remote.Row{}
	}
	if remote.AsString(stored["id"]) == "" {
		m.seq++
		stored["id"] = table + "-" + strconv.Itoa(m.seq)
	}
	return stored
}

func matches(r remote.Row, q remote.Query) bool {
	for _, f := range q.Where {
		if !compare(r[f.Column], f) {
			return false
		}
	}
	if len(q.AnyOf) == 0 {
		return true
	}
	for _, f := range q.AnyOf {
		if compare(r[f.Column], f) {
			return true
		}
	}
	return false
}

func compare(have any, f remote.Filter) bool {
	switch f.Op {
	case remote.OpGte:
		if ht, ok := asTime(have); ok {
			if wt, ok := asTime(f.Value); ok {
				return !ht.Before(wt)
			}
		}
		if hf, err := strconv.ParseFloat(remote.AsString(have), 64); err == nil {
			if wf, err := strconv.ParseFloat(remote.AsString(f.Value), 64); err == nil {
				return hf >= wf
			}
		}
		return remote.AsString(have) >= remote.AsString(f.Value)
	default:
		if have == nil {
			return f.Value == nil
		}
		return remote.AsString(have) == remote.AsString(f.Value)
	}
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func project(r remote.Row, cols []string) remote.Row {
	if len(cols) == 0 {
		return maps.Clone(r)
	}
	out := remote.Row{}
	for _, c := range cols {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// ErrUnavailable is a ready-made transient failure.
var ErrUnavailable = remote.Transient("memory", errors.New("connection refused"))
