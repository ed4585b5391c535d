package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Client directly against the hosted Postgres database.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Client = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping checks that the remote is reachable. Used as the connectivity probe.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (p *Postgres) Select(ctx context.Context, q Query) ([]Row, error) {
	sql, args := buildSelect(q)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("select "+q.Table, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify("select "+q.Table, err)
	}
	out := make([]Row, 0, len(maps))
	for _, m := range maps {
		out = append(out, Row(m))
	}
	return out, nil
}

func (p *Postgres) Insert(ctx context.Context, table string, row Row) (Row, error) {
	sql, args := buildInsert(table, row)
	rows, err := p.pool.Query(ctx, sql+" RETURNING *", args...)
	if err != nil {
		return nil, classify("insert "+table, err)
	}
	m, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, classify("insert "+table, err)
	}
	return Row(m), nil
}

func (p *Postgres) InsertMany(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, row := range rows {
		sql, args := buildInsert(table, row)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return classify("insert "+table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, table string, id any, fields Row) error {
	if len(fields) == 0 {
		return nil
	}
	cols := sortedColumns(fields)
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(col), i+1))
		args = append(args, fields[col])
	}
	args = append(args, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", ident(table), strings.Join(sets, ", "), len(args))
	if _, err := p.pool.Exec(ctx, sql, args...); err != nil {
		return classify("update "+table, err)
	}
	return nil
}

func (p *Postgres) Call(ctx context.Context, fn string, args Row) (any, error) {
	cols := sortedColumns(args)
	named := make([]string, 0, len(cols))
	values := make([]any, 0, len(cols))
	for i, col := range cols {
		named = append(named, fmt.Sprintf("%s => $%d", ident(col), i+1))
		values = append(values, args[col])
	}
	sql := fmt.Sprintf("SELECT %s(%s)", ident(fn), strings.Join(named, ", "))
	var result any
	if err := p.pool.QueryRow(ctx, sql, values...).Scan(&result); err != nil {
		return nil, classify("call "+fn, err)
	}
	return result, nil
}

func buildSelect(q Query) (string, []any) {
	cols := "*"
	if len(q.Columns) > 0 {
		quoted := make([]string, 0, len(q.Columns))
		for _, c := range q.Columns {
			quoted = append(quoted, ident(c))
		}
		cols = strings.Join(quoted, ", ")
	}

	var (
		clauses []string
		args    []any
	)
	cond := func(f Filter) string {
		args = append(args, f.Value)
		op := f.Op
		if op == "" {
			op = OpEq
		}
		return fmt.Sprintf("%s %s $%d", ident(f.Column), op, len(args))
	}
	for _, f := range q.Where {
		clauses = append(clauses, cond(f))
	}
	if len(q.AnyOf) > 0 {
		ors := make([]string, 0, len(q.AnyOf))
		for _, f := range q.AnyOf {
			ors = append(ors, cond(f))
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", cols, ident(q.Table))
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return sql, args
}

func buildInsert(table string, row Row) (string, []any) {
	cols := sortedColumns(row)
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", ident(table)), nil
	}
	quoted := make([]string, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		quoted = append(quoted, ident(col))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, row[col])
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ident(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", ")), args
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// classify maps a pgx error onto a remote.Error using the SQLSTATE code when present.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{Kind: kindForSQLState(pgErr.Code), Op: op, Code: pgErr.Code, Err: err}
	}
	return Transient(op, err)
}

func kindForSQLState(code string) Kind {
	switch code {
	case "42883", // undefined_function
		"42P01", // undefined_table
		"42703", // undefined_column
		"42P02": // undefined_parameter
		return KindNotImplemented
	}
	if len(code) < 2 {
		return KindTransient
	}
	switch code[:2] {
	case "22", "23", "42", "P0":
		return KindPermanent
	}
	return KindTransient
}
