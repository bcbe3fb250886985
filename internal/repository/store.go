// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"kudos-bot/internal/model"
)

// Common errors for repository operations.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrAllowanceNotFound   = errors.New("remaining allowance not found")
	ErrInsufficientBalance = errors.New("insufficient remaining allowance")
	ErrInvalidPoints       = errors.New("points must be positive")
)

// UserStore persists workspace members.
type UserStore interface {
	// GetOrCreateUser returns the user for identity.ExternalID, inserting an ACTIVE
	// record if none exists. The bool reports whether a row was created.
	GetOrCreateUser(ctx context.Context, identity model.Identity) (*model.User, bool, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error)
	UpdateUserProfile(ctx context.Context, id, handle, displayName string) (*model.User, error)
	SetUserStatus(ctx context.Context, id string, status model.UserStatus) error
	ListUsers(ctx context.Context) ([]*model.User, error)
}

// ScoreStore persists per-cycle scores, allowances and archived history.
type ScoreStore interface {
	// EnsureCurrentScore returns the score row for (user, cycle), creating it at 0.
	EnsureCurrentScore(ctx context.Context, userID string, c model.Cycle) (*model.CurrentScore, error)
	// AddScore increments the score row for (user, cycle), creating it if needed.
	AddScore(ctx context.Context, userID string, c model.Cycle, points int64) (*model.CurrentScore, error)
	// EnsureRemaining returns the allowance row for (user, cycle), creating it at initial.
	// An existing row is never modified.
	EnsureRemaining(ctx context.Context, userID string, c model.Cycle, initial int64) (*model.RemainingAllowance, error)
	// DeductRemaining decrements the allowance. It fails with ErrInsufficientBalance
	// and leaves the row untouched when fewer than points remain.
	DeductRemaining(ctx context.Context, userID string, c model.Cycle, points int64) (*model.RemainingAllowance, error)
	TopScores(ctx context.Context, c model.Cycle, limit int) ([]*model.RankedScore, error)
	ScoresByCycle(ctx context.Context, c model.Cycle) ([]*model.RankedScore, error)
	// CreateHistory stores a snapshot. A second snapshot for the same (user, cycle)
	// is ignored and reported with created=false.
	CreateHistory(ctx context.Context, h *model.HistoryScore) (*model.HistoryScore, bool, error)
	HistoryByCycle(ctx context.Context, c model.Cycle) ([]*model.HistoryScore, error)
	HistoryByUser(ctx context.Context, userID string) ([]*model.HistoryScore, error)
}

// TransactionStore persists the append-only transfer log.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error)
	CountTransactionsBySenderSince(ctx context.Context, senderID string, since time.Time) (int, error)
	ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]*model.Transaction, error)
}

// Store is the single shared mutable resource of the bot.
type Store interface {
	UserStore
	ScoreStore
	TransactionStore

	// InTx runs fn inside one transaction. fn's Store must be used for all
	// work that belongs to the transaction. A nil return commits; anything
	// else rolls back and is returned unchanged. Calling InTx on a Store that
	// is already transactional joins the outer transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error
}
