package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"kudos-bot/internal/model"
	"kudos-bot/internal/pkg/metrics"
	"kudos-bot/internal/repository"
)

// RolloverResult summarizes one rollover run.
type RolloverResult struct {
	Closed      model.Cycle
	Opened      model.Cycle
	Archived    int
	Provisioned int
}

// CycleManager moves the system from one monthly cycle to the next.
type CycleManager struct {
	store       repository.Store
	maxPerCycle int64
	calendar    Calendar
}

// NewCycleManager creates a CycleManager.
func NewCycleManager(store repository.Store, maxPerCycle int64, calendar Calendar) *CycleManager {
	return &CycleManager{
		store:       store,
		maxPerCycle: maxPerCycle,
		calendar:    calendar,
	}
}

// Rollover archives the previous cycle's scores and provisions allowances
// for the current cycle. Running it again for the same cycle changes nothing.
func (m *CycleManager) Rollover(ctx context.Context) (*RolloverResult, error) {
	current := m.calendar.Current()
	result := &RolloverResult{Closed: current.Previous(), Opened: current}

	log.Info().
		Str("closed", result.Closed.String()).
		Str("opened", result.Opened.String()).
		Msg("Starting monthly rollover")

	err := m.store.InTx(ctx, func(tx repository.Store) error {
		archived, err := archive(ctx, tx, result.Closed, m.calendar)
		if err != nil {
			return err
		}
		provisioned, err := provision(ctx, tx, result.Opened, m.maxPerCycle)
		if err != nil {
			return err
		}
		result.Archived, result.Provisioned = archived, provisioned
		return nil
	})
	if err != nil {
		metrics.ObserveRollover("error", 0)
		return nil, fmt.Errorf("rollover to %s failed: %w", current, err)
	}

	metrics.ObserveRollover("ok", result.Archived)
	log.Info().
		Int("archived", result.Archived).
		Int("provisioned", result.Provisioned).
		Msg("Monthly rollover completed")
	return result, nil
}

// Archive snapshots every score of cycle c into history.
// It returns the number of snapshots created; already archived scores are skipped.
func (m *CycleManager) Archive(ctx context.Context, c model.Cycle) (int, error) {
	var archived int
	err := m.store.InTx(ctx, func(tx repository.Store) error {
		var err error
		archived, err = archive(ctx, tx, c, m.calendar)
		return err
	})
	return archived, err
}

// Provision makes sure every known user has an allowance for cycle c.
// Existing allowances are left untouched. It returns the number of users covered.
func (m *CycleManager) Provision(ctx context.Context, c model.Cycle) (int, error) {
	var provisioned int
	err := m.store.InTx(ctx, func(tx repository.Store) error {
		var err error
		provisioned, err = provision(ctx, tx, c, m.maxPerCycle)
		return err
	})
	return provisioned, err
}

// History returns a user's archived scores, newest cycle first.
func (m *CycleManager) History(ctx context.Context, userID string) ([]*model.HistoryScore, error) {
	history, err := m.store.HistoryByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get score history: %w", err)
	}
	return history, nil
}

func archive(ctx context.Context, store repository.Store, c model.Cycle, calendar Calendar) (int, error) {
	log.Info().Int("month", c.Month).Int("year", c.Year).Msg("Archiving scores")

	scores, err := store.ScoresByCycle(ctx, c)
	if err != nil {
		return 0, fmt.Errorf("failed to load scores: %w", err)
	}

	archivedAt := calendar.Now()
	created := 0
	for _, score := range scores {
		_, ok, err := store.CreateHistory(ctx, &model.HistoryScore{
			UserID:      score.UserID,
			DisplayName: score.User.Name(),
			Score:       score.Score,
			Month:       score.Month,
			Year:        score.Year,
			ArchivedAt:  archivedAt,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to archive score for user %s: %w", score.UserID, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func provision(ctx context.Context, store repository.Store, c model.Cycle, initial int64) (int, error) {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	for _, user := range users {
		if _, err := store.EnsureRemaining(ctx, user.ID, c, initial); err != nil {
			return 0, fmt.Errorf("failed to provision allowance for user %s: %w", user.ID, err)
		}
	}
	return len(users), nil
}
