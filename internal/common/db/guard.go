package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BreakerDep is the circuit name the guarded store reports under.
const BreakerDep = "postgres"

type Breaker interface {
	Do(ctx context.Context, dep string, fn func() error) error
}

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ Querier = (*pgxpool.Pool)(nil)

// GuardedPool routes every store call through the circuit breaker, so a
// melting Postgres short-circuits on all instances and shows up on /health.
// An empty result (pgx.ErrNoRows) is a healthy response and never counts as
// a failure.
type GuardedPool struct {
	db      Querier
	breaker Breaker
}

func NewGuardedPool(db Querier, breaker Breaker) *GuardedPool {
	return &GuardedPool{db: db, breaker: breaker}
}

func (g *GuardedPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := g.breaker.Do(ctx, BreakerDep, func() error {
		var execErr error
		tag, execErr = g.db.Exec(ctx, sql, args...)
		return execErr
	})
	return tag, err
}

func (g *GuardedPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := g.breaker.Do(ctx, BreakerDep, func() error {
		var queryErr error
		rows, queryErr = g.db.Query(ctx, sql, args...)
		return queryErr
	})
	return rows, err
}

// QueryRow defers the breaker decision to Scan, where pgx surfaces the
// actual error.
func (g *GuardedPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &guardedRow{g: g, ctx: ctx, sql: sql, args: args}
}

type guardedRow struct {
	g    *GuardedPool
	ctx  context.Context
	sql  string
	args []any
}

func (r *guardedRow) Scan(dest ...any) error {
	var scanErr error
	err := r.g.breaker.Do(r.ctx, BreakerDep, func() error {
		scanErr = r.g.db.QueryRow(r.ctx, r.sql, r.args...).Scan(dest...)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil
		}
		return scanErr
	})
	if err != nil {
		return err
	}
	return scanErr
}
