package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"kudos-bot/internal/model"
)

const (
	scoreColumns     = `id, user_id, score, month, year, created_at, updated_at`
	remainingColumns = `id, user_id, remaining_points, month, year, created_at, updated_at`
	historyColumns   = `id, user_id, display_name, score, month, year, archived_at`
)

func scanScore(row pgx.Row) (*model.CurrentScore, error) {
	var s model.CurrentScore
	if err := row.Scan(&s.ID, &s.UserID, &s.Score, &s.Month, &s.Year, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanRemaining(row pgx.Row) (*model.RemainingAllowance, error) {
	var r model.RemainingAllowance
	if err := row.Scan(&r.ID, &r.UserID, &r.Remaining, &r.Month, &r.Year, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanHistory(row pgx.Row) (*model.HistoryScore, error) {
	var h model.HistoryScore
	if err := row.Scan(&h.ID, &h.UserID, &h.DisplayName, &h.Score, &h.Month, &h.Year, &h.ArchivedAt); err != nil {
		return nil, err
	}
	return &h, nil
}

// EnsureCurrentScore returns the (user, cycle) score, creating it at 0.
// The unique (user_id, month, year) constraint with ON CONFLICT DO NOTHING keeps
// concurrent first access from producing a second row.
func (p *Postgres) EnsureCurrentScore(ctx context.Context, userID string, c model.Cycle) (*model.CurrentScore, error) {
	const insert = `
		INSERT INTO current_scores (user_id, score, month, year, created_at, updated_at)
		VALUES ($1, 0, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id, month, year) DO NOTHING
	`
	if _, err := p.q.Exec(ctx, insert, userID, c.Month, c.Year); err != nil {
		return nil, fmt.Errorf("failed to create current score: %w", err)
	}

	const query = `SELECT ` + scoreColumns + ` FROM current_scores WHERE user_id = $1 AND month = $2 AND year = $3`
	score, err := scanScore(p.q.QueryRow(ctx, query, userID, c.Month, c.Year))
	if err != nil {
		return nil, fmt.Errorf("failed to get current score: %w", err)
	}
	return score, nil
}

// AddScore increments the (user, cycle) score by points.
func (p *Postgres) AddScore(ctx context.Context, userID string, c model.Cycle, points int64) (*model.CurrentScore, error) {
	if points <= 0 {
		return nil, ErrInvalidPoints
	}

	const query = `
		INSERT INTO current_scores (user_id, score, month, year, created_at, updated_at)
		VALUES ($1, $4, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id, month, year)
		DO UPDATE SET score = current_scores.score + EXCLUDED.score, updated_at = NOW()
		RETURNING ` + scoreColumns

	score, err := scanScore(p.q.QueryRow(ctx, query, userID, c.Month, c.Year, points))
	if err != nil {
		return nil, fmt.Errorf("failed to add score: %w", err)
	}
	return score, nil
}

// EnsureRemaining returns the (user, cycle) allowance, creating it at initial.
func (p *Postgres) EnsureRemaining(ctx context.Context, userID string, c model.Cycle, initial int64) (*model.RemainingAllowance, error) {
	const insert = `
		INSERT INTO remaining_points (user_id, remaining_points, month, year, created_at, updated_at)
		VALUES ($1, $4, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id, month, year) DO NOTHING
	`
	if _, err := p.q.Exec(ctx, insert, userID, c.Month, c.Year, initial); err != nil {
		return nil, fmt.Errorf("failed to create remaining points: %w", err)
	}

	return p.getRemaining(ctx, userID, c)
}

func (p *Postgres) getRemaining(ctx context.Context, userID string, c model.Cycle) (*model.RemainingAllowance, error) {
	const query = `SELECT ` + remainingColumns + ` FROM remaining_points WHERE user_id = $1 AND month = $2 AND year = $3`

	r, err := scanRemaining(p.q.QueryRow(ctx, query, userID, c.Month, c.Year))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAllowanceNotFound
		}
		return nil, fmt.Errorf("failed to get remaining points: %w", err)
	}
	return r, nil
}

// DeductRemaining decrements the (user, cycle) allowance only if enough points remain.
func (p *Postgres) DeductRemaining(ctx context.Context, userID string, c model.Cycle, points int64) (*model.RemainingAllowance, error) {
	if points <= 0 {
		return nil, ErrInvalidPoints
	}

	const query = `
		UPDATE remaining_points
		SET remaining_points = remaining_points - $4, updated_at = NOW()
		WHERE user_id = $1 AND month = $2 AND year = $3 AND remaining_points >= $4
		RETURNING ` + remainingColumns

	r, err := scanRemaining(p.q.QueryRow(ctx, query, userID, c.Month, c.Year, points))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to deduct remaining points: %w", err)
	}

	// No row updated: either the row is missing or the guard rejected it
	if _, err := p.getRemaining(ctx, userID, c); err != nil {
		return nil, err
	}
	return nil, ErrInsufficientBalance
}

// TopScores returns the highest scores of a cycle joined with their users.
func (p *Postgres) TopScores(ctx context.Context, c model.Cycle, limit int) ([]*model.RankedScore, error) {
	const query = `
		SELECT s.id, s.user_id, s.score, s.month, s.year, s.created_at, s.updated_at,
		       u.id, u.external_id, u.handle, u.display_name, u.status, u.created_at, u.updated_at
		FROM current_scores s
		JOIN users u ON u.id = s.user_id
		WHERE s.month = $1 AND s.year = $2
		ORDER BY s.score DESC, s.id
		LIMIT $3
	`
	return p.queryRanked(ctx, query, c.Month, c.Year, limit)
}

// ScoresByCycle returns every score row of a cycle joined with its user.
func (p *Postgres) ScoresByCycle(ctx context.Context, c model.Cycle) ([]*model.RankedScore, error) {
	const query = `
		SELECT s.id, s.user_id, s.score, s.month, s.year, s.created_at, s.updated_at,
		       u.id, u.external_id, u.handle, u.display_name, u.status, u.created_at, u.updated_at
		FROM current_scores s
		JOIN users u ON u.id = s.user_id
		WHERE s.month = $1 AND s.year = $2
		ORDER BY s.id
	`
	return p.queryRanked(ctx, query, c.Month, c.Year)
}

func (p *Postgres) queryRanked(ctx context.Context, query string, args ...any) ([]*model.RankedScore, error) {
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get scores: %w", err)
	}
	defer rows.Close()

	var scores []*model.RankedScore
	for rows.Next() {
		var r model.RankedScore
		err := rows.Scan(
			&r.ID, &r.UserID, &r.Score, &r.Month, &r.Year, &r.CreatedAt, &r.UpdatedAt,
			&r.User.ID, &r.User.ExternalID, &r.User.Handle, &r.User.DisplayName,
			&r.User.Status, &r.User.CreatedAt, &r.User.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan score: %w", err)
		}
		scores = append(scores, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scores: %w", err)
	}

	return scores, nil
}

// CreateHistory stores an archived score snapshot.
func (p *Postgres) CreateHistory(ctx context.Context, h *model.HistoryScore) (*model.HistoryScore, bool, error) {
	const query = `
		INSERT INTO history_scores (user_id, display_name, score, month, year, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, month, year) DO NOTHING
		RETURNING ` + historyColumns

	created, err := scanHistory(p.q.QueryRow(ctx, query, h.UserID, h.DisplayName, h.Score, h.Month, h.Year, h.ArchivedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to create history score: %w", err)
	}
	return created, true, nil
}

// HistoryByCycle returns every archived score of a cycle.
func (p *Postgres) HistoryByCycle(ctx context.Context, c model.Cycle) ([]*model.HistoryScore, error) {
	const query = `SELECT ` + historyColumns + ` FROM history_scores WHERE month = $1 AND year = $2 ORDER BY score DESC, id`
	return p.queryHistory(ctx, query, c.Month, c.Year)
}

// HistoryByUser returns a user's archived scores, newest cycle first.
func (p *Postgres) HistoryByUser(ctx context.Context, userID string) ([]*model.HistoryScore, error) {
	const query = `SELECT ` + historyColumns + ` FROM history_scores WHERE user_id = $1 ORDER BY year DESC, month DESC`
	return p.queryHistory(ctx, query, userID)
}

func (p *Postgres) queryHistory(ctx context.Context, query string, args ...any) ([]*model.HistoryScore, error) {
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get history scores: %w", err)
	}
	defer rows.Close()

	var history []*model.HistoryScore
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history score: %w", err)
		}
		history = append(history, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history scores: %w", err)
	}

	return history, nil
}
