package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kudos-bot/internal/model"
)

const transactionColumns = `id, sender_id, recipient_id, amount, message, created_at`

// CreateTransaction appends a transfer record. tx.CreatedAt is stored as given.
func (p *Postgres) CreateTransaction(ctx context.Context, tx *model.Transaction) (*model.Transaction, error) {
	if tx.Amount <= 0 {
		return nil, ErrInvalidPoints
	}

	const query = `
		INSERT INTO transactions (sender_id, recipient_id, amount, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + transactionColumns

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var created model.Transaction
	err := p.q.QueryRow(ctx, query, tx.SenderID, tx.RecipientID, tx.Amount, tx.Message, createdAt).Scan(
		&created.ID,
		&created.SenderID,
		&created.RecipientID,
		&created.Amount,
		&created.Message,
		&created.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	return &created, nil
}

// CountTransactionsBySenderSince counts transfers sent by senderID at or after since.
func (p *Postgres) CountTransactionsBySenderSince(ctx context.Context, senderID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM transactions WHERE sender_id = $1 AND created_at >= $2`

	var count int
	if err := p.q.QueryRow(ctx, query, senderID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// ListTransactions returns transfers matching filter, newest first.
func (p *Postgres) ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]*model.Transaction, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.SenderID != "" {
		where = append(where, "sender_id = "+arg(filter.SenderID))
	}
	if filter.RecipientID != "" {
		where = append(where, "recipient_id = "+arg(filter.RecipientID))
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at < "+arg(filter.To))
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + transactionColumns + ` FROM transactions`)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY created_at DESC, id DESC")
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(filter.Limit))
	}
	if filter.Offset > 0 {
		sb.WriteString(" OFFSET " + arg(filter.Offset))
	}

	rows, err := p.q.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*model.Transaction
	for rows.Next() {
		var tx model.Transaction
		if err := rows.Scan(&tx.ID, &tx.SenderID, &tx.RecipientID, &tx.Amount, &tx.Message, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, &tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, nil
}
