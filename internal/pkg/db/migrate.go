package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Tables lists the application tables in dependency order.
var Tables = []string{"users", "current_scores", "remaining_points", "history_scores", "transactions"}

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "users table",
		sql: `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			external_id VARCHAR(64) NOT NULL UNIQUE,
			handle VARCHAR(255) NOT NULL,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT 'ACTIVE',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_users_handle ON users(handle);
	`,
	},
	{
		name: "current_scores table",
		sql: `
		CREATE TABLE IF NOT EXISTS current_scores (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			score BIGINT NOT NULL DEFAULT 0 CHECK (score >= 0),
			month INTEGER NOT NULL,
			year INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, month, year)
		);
		CREATE INDEX IF NOT EXISTS idx_current_scores_cycle ON current_scores(year, month, score DESC);
	`,
	},
	{
		name: "remaining_points table",
		sql: `
		CREATE TABLE IF NOT EXISTS remaining_points (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			remaining_points BIGINT NOT NULL CHECK (remaining_points >= 0),
			month INTEGER NOT NULL,
			year INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, month, year)
		);
	`,
	},
	{
		name: "history_scores table",
		sql: `
		CREATE TABLE IF NOT EXISTS history_scores (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			display_name VARCHAR(255) NOT NULL,
			score BIGINT NOT NULL,
			month INTEGER NOT NULL,
			year INTEGER NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, month, year)
		);
		CREATE INDEX IF NOT EXISTS idx_history_scores_cycle ON history_scores(year, month);
		CREATE INDEX IF NOT EXISTS idx_history_scores_user ON history_scores(user_id);
	`,
	},
	{
		name: "transactions table",
		sql: `
		CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			sender_id UUID NOT NULL REFERENCES users(id),
			recipient_id UUID NOT NULL REFERENCES users(id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (sender_id <> recipient_id)
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_sender_time ON transactions(sender_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_recipient_time ON transactions(recipient_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_time ON transactions(created_at DESC);
	`,
	},
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db Execer) error {
	log.Info().Msg("Running database migrations...")

	for i, m := range migrations {
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", i+1, m.name, err)
		}
		log.Info().Int("migration", i+1).Msgf("Migration %d: %s created", i+1, m.name)
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}
