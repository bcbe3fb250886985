// Package model defines the data models for the kudos bot.
package model

import (
	"fmt"
	"time"
)

// UserStatus is the lifecycle state of a local user record.
type UserStatus string

// User statuses. Users are never hard-deleted; deactivation is a status flip.
const (
	UserStatusActive      UserStatus = "ACTIVE"
	UserStatusDeactivated UserStatus = "DEACTIVATED"
)

// User represents a workspace member known to the bot.
type User struct {
	ID          string     `db:"id"`
	ExternalID  string     `db:"external_id"`
	Handle      string     `db:"handle"`
	DisplayName string     `db:"display_name"`
	Status      UserStatus `db:"status"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// IsActive reports whether the user may take part in donations.
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// Name returns the display name, falling back to the handle.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Handle
}

// Identity is a workspace member as reported by the chat platform.
type Identity struct {
	ExternalID  string
	Handle      string
	DisplayName string
	IsBot       bool
	Deleted     bool
}

// Cycle identifies one accounting period (a calendar month).
type Cycle struct {
	Month int
	Year  int
}

// CycleOf returns the cycle containing t.
func CycleOf(t time.Time) Cycle {
	return Cycle{Month: int(t.Month()), Year: t.Year()}
}

// Previous returns the cycle immediately before c.
func (c Cycle) Previous() Cycle {
	if c.Month == 1 {
		return Cycle{Month: 12, Year: c.Year - 1}
	}
	return Cycle{Month: c.Month - 1, Year: c.Year}
}

// String formats the cycle as "January 2026".
func (c Cycle) String() string {
	return fmt.Sprintf("%s %d", time.Month(c.Month), c.Year)
}

// CurrentScore is the number of points a user received within a cycle.
type CurrentScore struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"user_id"`
	Score     int64     `db:"score"`
	Month     int       `db:"month"`
	Year      int       `db:"year"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Cycle returns the cycle the score belongs to.
func (s *CurrentScore) Cycle() Cycle {
	return Cycle{Month: s.Month, Year: s.Year}
}

// RankedScore is a CurrentScore joined with its owner.
type RankedScore struct {
	CurrentScore
	User User
}

// RemainingAllowance is the number of points a user may still give within a cycle.
type RemainingAllowance struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"user_id"`
	Remaining int64     `db:"remaining_points"`
	Month     int       `db:"month"`
	Year      int       `db:"year"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// HistoryScore is an immutable snapshot of a CurrentScore taken at cycle close.
type HistoryScore struct {
	ID          int64     `db:"id"`
	UserID      string    `db:"user_id"`
	DisplayName string    `db:"display_name"`
	Score       int64     `db:"score"`
	Month       int       `db:"month"`
	Year        int       `db:"year"`
	ArchivedAt  time.Time `db:"archived_at"`
}

// Transaction is an append-only record of one point transfer.
type Transaction struct {
	ID          int64     `db:"id"`
	SenderID    string    `db:"sender_id"`
	RecipientID string    `db:"recipient_id"`
	Amount      int64     `db:"amount"`
	Message     string    `db:"message"`
	CreatedAt   time.Time `db:"created_at"`
}

// TransactionFilter narrows transaction history queries. Zero values are ignored.
type TransactionFilter struct {
	SenderID    string
	RecipientID string
	From        time.Time // inclusive
	To          time.Time // exclusive
	Limit       int
	Offset      int
}
