package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pashagolub/pgxmock/v4"
)

// The store talks to these narrow interfaces instead of *pgxpool.Pool so
// tests can substitute pgxmock without a running server.

type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

type Row interface {
	Scan(dest ...any) error
}

type Result interface {
	RowsAffected() (int64, error)
}

type Tx interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Exec(ctx context.Context, query string, args ...any) (Result, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Pool interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Exec(ctx context.Context, query string, args ...any) (Result, error)
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type pgxRows struct{ pgx.Rows }

func (r pgxRows) Scan(dest ...any) error { return r.Rows.Scan(dest...) }
func (r pgxRows) Close()                 { r.Rows.Close() }
func (r pgxRows) Err() error             { return r.Rows.Err() }
func (r pgxRows) Next() bool             { return r.Rows.Next() }

type pgxRow struct{ pgx.Row }

type pgxResult struct{ pgconn.CommandTag }

func (r pgxResult) RowsAffected() (int64, error) { return r.CommandTag.RowsAffected(), nil }

type pgxTx struct{ tx pgx.Tx }

func (t pgxTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{Rows: rows}, nil
}

func (t pgxTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return pgxRow{Row: t.tx.QueryRow(ctx, query, args...)}
}

func (t pgxTx) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgxResult{CommandTag: tag}, nil
}

func (t pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// PgxPool adapts a live *pgxpool.Pool to the Pool interface.
type PgxPool struct{ pool *pgxpool.Pool }

func WrapPool(pool *pgxpool.Pool) Pool { return &PgxPool{pool: pool} }

func (p *PgxPool) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{Rows: rows}, nil
}

func (p *PgxPool) QueryRow(ctx context.Context, query string, args ...any) Row {
	return pgxRow{Row: p.pool.QueryRow(ctx, query, args...)}
}

func (p *PgxPool) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgxResult{CommandTag: tag}, nil
}

func (p *PgxPool) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxTx{tx: tx}, nil
}

func (p *PgxPool) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p *PgxPool) Close()                         { p.pool.Close() }

// MockPool adapts a pgxmock pool so store tests run against scripted
// expectations.
type MockPool struct{ mock pgxmock.PgxPoolIface }

func NewMockPool() (Pool, pgxmock.PgxPoolIface, error) {
	mockPool, err := pgxmock.NewPool()
	if err != nil {
		return nil, nil, err
	}
	return &MockPool{mock: mockPool}, mockPool, nil
}

func (m *MockPool) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := m.mock.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{Rows: rows}, nil
}

func (m *MockPool) QueryRow(ctx context.Context, query string, args ...any) Row {
	return pgxRow{Row: m.mock.QueryRow(ctx, query, args...)}
}

func (m *MockPool) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	tag, err := m.mock.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgxResult{CommandTag: tag}, nil
}

func (m *MockPool) Begin(ctx context.Context) (Tx, error) {
	tx, err := m.mock.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxTx{tx: tx}, nil
}

func (m *MockPool) Ping(ctx context.Context) error { return m.mock.Ping(ctx) }
func (m *MockPool) Close()                         { m.mock.Close() }
