// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"kudos-bot/internal/model"
	"kudos-bot/internal/repository"
)

// Ledger owns per-user, per-cycle scores and allowances.
type Ledger struct {
	store       repository.Store
	maxPerCycle int64
	calendar    Calendar
}

// NewLedger creates a Ledger. maxPerCycle is the allowance every user starts a cycle with.
func NewLedger(store repository.Store, maxPerCycle int64, calendar Calendar) *Ledger {
	return &Ledger{
		store:       store,
		maxPerCycle: maxPerCycle,
		calendar:    calendar,
	}
}

// WithStore returns a Ledger bound to store, typically a transaction.
func (l *Ledger) WithStore(store repository.Store) *Ledger {
	cp := *l
	cp.store = store
	return &cp
}

// MaxPerCycle returns the configured allowance.
func (l *Ledger) MaxPerCycle() int64 {
	return l.maxPerCycle
}

// GetCurrentScore returns the user's score for the current cycle, creating it at 0.
func (l *Ledger) GetCurrentScore(ctx context.Context, userID string) (*model.CurrentScore, error) {
	score, err := l.store.EnsureCurrentScore(ctx, userID, l.calendar.Current())
	if err != nil {
		return nil, fmt.Errorf("failed to get current score: %w", err)
	}
	return score, nil
}

// GetRemainingAllowance returns the user's allowance for the current cycle,
// creating it at the configured maximum.
func (l *Ledger) GetRemainingAllowance(ctx context.Context, userID string) (*model.RemainingAllowance, error) {
	remaining, err := l.store.EnsureRemaining(ctx, userID, l.calendar.Current(), l.maxPerCycle)
	if err != nil {
		return nil, fmt.Errorf("failed to get remaining allowance: %w", err)
	}
	return remaining, nil
}

// Credit adds points to the user's current score.
func (l *Ledger) Credit(ctx context.Context, userID string, points int64) (*model.CurrentScore, error) {
	if points <= 0 {
		return nil, ErrInvalidAmount
	}

	log.Debug().Str("user_id", userID).Int64("points", points).Msg("Crediting points")

	score, err := l.store.AddScore(ctx, userID, l.calendar.Current(), points)
	if err != nil {
		return nil, fmt.Errorf("failed to credit points: %w", err)
	}
	return score, nil
}

// Debit spends points from the user's current allowance.
// Returns ErrInsufficientBalance without changing anything if fewer than points remain.
func (l *Ledger) Debit(ctx context.Context, userID string, points int64) (*model.RemainingAllowance, error) {
	if points <= 0 {
		return nil, ErrInvalidAmount
	}

	log.Debug().Str("user_id", userID).Int64("points", points).Msg("Debiting points")

	cycle := l.calendar.Current()
	var remaining *model.RemainingAllowance
	err := l.store.InTx(ctx, func(tx repository.Store) error {
		if _, err := tx.EnsureRemaining(ctx, userID, cycle, l.maxPerCycle); err != nil {
			return err
		}
		var err error
		remaining, err = tx.DeductRemaining(ctx, userID, cycle, points)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("failed to debit points: %w", err)
	}
	return remaining, nil
}

// TopN returns up to n scores of cycle c, highest first. Ties have no guaranteed order.
func (l *Ledger) TopN(ctx context.Context, n int, c model.Cycle) ([]*model.RankedScore, error) {
	if n <= 0 {
		return nil, nil
	}
	scores, err := l.store.TopScores(ctx, c, n)
	if err != nil {
		return nil, fmt.Errorf("failed to get top scores: %w", err)
	}
	return scores, nil
}
