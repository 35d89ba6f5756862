// Package rowstore provides the durable backends for the synchronized
// row: Postgres for shared deployments and bbolt for single-node or
// offline use. Both implement syncstate.RowStore.
package rowstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonathanhooker/rivesync/syncstate"
)

// pgUniqueViolation is the SQLSTATE for a duplicate primary key.
const pgUniqueViolation = "23505"

// DefaultTable is the table the original deployment used. Expected
// schema (provisioning is out of scope, apply it yourself):
//
//	CREATE TABLE rive_state (
//	    id         bigint PRIMARY KEY,
//	    created_at timestamptz NOT NULL DEFAULT now(),
//	    mode       integer NOT NULL DEFAULT 0,
//	    slider_1   double precision NOT NULL DEFAULT 0,
//	    ...
//	    slider_16  double precision NOT NULL DEFAULT 0
//	);
const DefaultTable = "rive_state"

// Postgres stores rows in a Postgres table through a pgx pool. The pool
// may be shared process-wide; every call is independent.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgres connects a pool to databaseURL and pings it.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool, table: DefaultTable}, nil
}

// NewPostgresPool wraps an existing pool, writing to the given table
// (empty means DefaultTable).
func NewPostgresPool(pool *pgxpool.Pool, table string) *Postgres {
	if table == "" {
		table = DefaultTable
	}
	return &Postgres{pool: pool, table: table}
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// columns is the fixed scan order: id, created_at, mode, sliders 1..16.
func columns() []string {
	cols := []string{"id", "created_at", syncstate.FieldMode}
	for i := 1; i <= syncstate.NumSliders; i++ {
		cols = append(cols, syncstate.SliderField(i))
	}
	return cols
}

func scanDest(row *syncstate.Row) []any {
	dest := []any{&row.ID, &row.CreatedAt, &row.Mode}
	for i := range row.Sliders {
		dest = append(dest, &row.Sliders[i])
	}
	return dest
}

func (p *Postgres) Get(ctx context.Context, id int64) (*syncstate.Row, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`,
		strings.Join(columns(), ", "), p.table)

	row := &syncstate.Row{}
	err := p.pool.QueryRow(ctx, q, id).Scan(scanDest(row)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, syncstate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch row %d: %w", id, err)
	}
	return row, nil
}

func (p *Postgres) Insert(ctx context.Context, row *syncstate.Row) (*syncstate.Row, error) {
	cols := []string{"id", syncstate.FieldMode}
	args := []any{row.ID, row.Mode}
	for i, v := range row.Sliders {
		cols = append(cols, syncstate.SliderField(i+1))
		args = append(args, v)
	}
	ph := make([]string, len(args))
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING created_at`,
		p.table, strings.Join(cols, ", "), strings.Join(ph, ", "))

	inserted := row.Clone()
	err := p.pool.QueryRow(ctx, q, args...).Scan(&inserted.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return nil, syncstate.ErrExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert row %d: %w", row.ID, err)
	}
	return inserted, nil
}

func (p *Postgres) Update(ctx context.Context, id int64, fields syncstate.Update) error {
	if len(fields) == 0 {
		return nil
	}
	set := make([]string, 0, len(fields))
	args := []any{id}
	for field, v := range fields {
		// Field names end up in SQL; only the known columns pass.
		if !syncstate.ValidField(field) {
			return fmt.Errorf("unknown field %q", field)
		}
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", field, len(args)))
	}
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, p.table, strings.Join(set, ", "))
	if _, err := p.pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("update row %d: %w", id, err)
	}
	return nil
}
