package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kudos-bot/internal/model"
)

const userColumns = `id, external_id, handle, display_name, status, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.ExternalID,
		&user.Handle,
		&user.DisplayName,
		&user.Status,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetOrCreateUser retrieves a user by external ID, creating an ACTIVE one if it doesn't exist.
func (p *Postgres) GetOrCreateUser(ctx context.Context, identity model.Identity) (*model.User, bool, error) {
	user, err := p.GetUserByExternalID(ctx, identity.ExternalID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, false, err
	}

	// A concurrent caller may insert the same external ID first; DO NOTHING
	// returns no row in that case and we read the winner's record.
	const query = `
		INSERT INTO users (id, external_id, handle, display_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'ACTIVE', NOW(), NOW())
		ON CONFLICT (external_id) DO NOTHING
		RETURNING ` + userColumns

	user, err = scanUser(p.q.QueryRow(ctx, query,
		uuid.NewString(), identity.ExternalID, identity.Handle, identity.DisplayName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			user, err = p.GetUserByExternalID(ctx, identity.ExternalID)
			if err != nil {
				return nil, false, err
			}
			return user, false, nil
		}
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	return user, true, nil
}

// GetUserByID retrieves a user by internal ID.
// Returns ErrUserNotFound if the user does not exist.
func (p *Postgres) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(p.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByExternalID retrieves a user by Slack ID.
// Returns ErrUserNotFound if the user does not exist.
func (p *Postgres) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE external_id = $1`

	user, err := scanUser(p.q.QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateUserProfile updates the handle and display name of a user.
func (p *Postgres) UpdateUserProfile(ctx context.Context, id, handle, displayName string) (*model.User, error) {
	const query = `
		UPDATE users
		SET handle = $2, display_name = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns

	user, err := scanUser(p.q.QueryRow(ctx, query, id, handle, displayName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to update user profile: %w", err)
	}
	return user, nil
}

// SetUserStatus activates or deactivates a user.
func (p *Postgres) SetUserStatus(ctx context.Context, id string, status model.UserStatus) error {
	const query = `UPDATE users SET status = $2, updated_at = NOW() WHERE id = $1`

	result, err := p.q.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set user status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListUsers returns every known user in creation order.
func (p *Postgres) ListUsers(ctx context.Context) ([]*model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users ORDER BY created_at, id`

	rows, err := p.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}
