package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"kudos-bot/internal/model"
	"kudos-bot/internal/repository"
)

// DefaultPageSize is used when a Page has no size.
const DefaultPageSize = 20

// Page selects one slice of a newest-first listing. Number is zero based.
type Page struct {
	Number int
	Size   int
}

func (p Page) apply(f *model.TransactionFilter) {
	size := p.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	number := p.Number
	if number < 0 {
		number = 0
	}
	f.Limit = size
	f.Offset = number * size
}

// TransactionLog is the append-only transfer history.
// It trusts its caller: Record performs no business validation.
type TransactionLog struct {
	store    repository.Store
	calendar Calendar
}

// NewTransactionLog creates a TransactionLog.
func NewTransactionLog(store repository.Store, calendar Calendar) *TransactionLog {
	return &TransactionLog{store: store, calendar: calendar}
}

// WithStore returns a TransactionLog bound to store, typically a transaction.
func (t *TransactionLog) WithStore(store repository.Store) *TransactionLog {
	cp := *t
	cp.store = store
	return &cp
}

// Record appends one transfer stamped with the current time.
func (t *TransactionLog) Record(ctx context.Context, senderID, recipientID string, amount int64, message string) (*model.Transaction, error) {
	log.Debug().
		Str("sender_id", senderID).
		Str("recipient_id", recipientID).
		Int64("amount", amount).
		Msg("Recording transaction")

	tx, err := t.store.CreateTransaction(ctx, &model.Transaction{
		SenderID:    senderID,
		RecipientID: recipientID,
		Amount:      amount,
		Message:     message,
		CreatedAt:   t.calendar.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	return tx, nil
}

// CountRecentBySender counts transfers sent by senderID at or after since.
func (t *TransactionLog) CountRecentBySender(ctx context.Context, senderID string, since time.Time) (int, error) {
	count, err := t.store.CountTransactionsBySenderSince(ctx, senderID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent transactions: %w", err)
	}
	return count, nil
}

// BySender lists transfers sent by senderID, newest first.
func (t *TransactionLog) BySender(ctx context.Context, senderID string, page Page) ([]*model.Transaction, error) {
	return t.list(ctx, model.TransactionFilter{SenderID: senderID}, page)
}

// ByRecipient lists transfers received by recipientID, newest first.
func (t *TransactionLog) ByRecipient(ctx context.Context, recipientID string, page Page) ([]*model.Transaction, error) {
	return t.list(ctx, model.TransactionFilter{RecipientID: recipientID}, page)
}

// Between lists transfers created in [from, to), newest first. A non-empty
// senderID or recipientID narrows the window to that party.
func (t *TransactionLog) Between(ctx context.Context, from, to time.Time, senderID, recipientID string, page Page) ([]*model.Transaction, error) {
	return t.list(ctx, model.TransactionFilter{
		SenderID:    senderID,
		RecipientID: recipientID,
		From:        from,
		To:          to,
	}, page)
}

func (t *TransactionLog) list(ctx context.Context, filter model.TransactionFilter, page Page) ([]*model.Transaction, error) {
	page.apply(&filter)
	txs, err := t.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}
