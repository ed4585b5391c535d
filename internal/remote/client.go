// Package remote is the narrow interface to the hosted relational store the queue reconciles into.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Row is a record passed to or returned from the remote store, keyed by column name.
type Row map[string]any

// String returns the column as a string, formatting non-string scalars.
func (r Row) String(col string) string {
	return AsString(r[col])
}

// Op is a filter comparison.
type Op string

const (
	OpEq  Op = "="
	OpGte Op = ">="
)

// Filter is a single column comparison.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Eq builds an equality filter.
func Eq(col string, v any) Filter { return Filter{Column: col, Op: OpEq, Value: v} }

// Gte builds a greater-or-equal filter.
func Gte(col string, v any) Filter { return Filter{Column: col, Op: OpGte, Value: v} }

// Query selects rows from one table. Where filters are AND-ed; AnyOf, when set, adds one
// OR-ed group of filters.
type Query struct {
	Table   string
	Columns []string
	Where   []Filter
	AnyOf   []Filter
	Limit   int
}

// Client is the remote store as consumed by the resolver and action handlers.
type Client interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	// Insert adds a row and returns it as stored, including generated columns.
	Insert(ctx context.Context, table string, row Row) (Row, error)
	// InsertMany adds rows atomically: either all are stored or none.
	InsertMany(ctx context.Context, table string, rows []Row) error
	// Update applies fields to the row whose primary key "id" equals id.
	Update(ctx context.Context, table string, id any, fields Row) error
	// Call invokes a named remote procedure with named arguments.
	Call(ctx context.Context, fn string, args Row) (any, error)
}

// SelectOne returns the first matching row, if any.
func SelectOne(ctx context.Context, c Client, q Query) (Row, bool, error) {
	q.Limit = 1
	rows, err := c.Select(ctx, q)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// Exists reports whether any row matches q.
func Exists(ctx context.Context, c Client, q Query) (bool, error) {
	if len(q.Columns) == 0 {
		q.Columns = []string{"id"}
	}
	_, found, err := SelectOne(ctx, c, q)
	return found, err
}

// AsString renders scalar column values the way ids travel between tables.
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
