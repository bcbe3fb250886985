package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is what NewPostgres needs from a connection pool.
type Pool interface {
	Querier
	Beginner
}

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	q    Querier
	pool Beginner // nil when q is a transaction
}

// NewPostgres creates a Store backed by pool.
func NewPostgres(pool Pool) *Postgres {
	return &Postgres{q: pool, pool: pool}
}

// InTx runs fn in a database transaction.
func (p *Postgres) InTx(ctx context.Context, fn func(tx Store) error) error {
	if p.pool == nil {
		return fn(p)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Rollback after a successful Commit is a no-op
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Postgres{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
