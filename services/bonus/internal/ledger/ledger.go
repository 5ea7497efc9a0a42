// Package ledger records bonus money movements as double-entry transfers.
// Every transfer is keyed by bonus and operation, so repeating it is a no-op.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/promo-platform/pkg/money"
	"github.com/promo-platform/services/bonus/internal/domain"
)

// Operations
const (
	OpConversion = "conversion"
	OpForfeit    = "forfeit"
)

// Entry types
const (
	EntryDebit  = "debit"
	EntryCredit = "credit"
)

// Errors
var (
	ErrInvalidTransfer = errors.New("invalid ledger transfer")
)

// Entry is one side of a transfer. Amount is in minor currency units.
type Entry struct {
	ID             uuid.UUID `db:"id"`
	TransferID     uuid.UUID `db:"transfer_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	Account        string    `db:"account"`
	EntryType      string    `db:"entry_type"`
	Amount         int64     `db:"amount"`
	Currency       string    `db:"currency"`
	UserID         string    `db:"user_id"`
	TenantID       string    `db:"tenant_id"`
	BonusID        uuid.UUID `db:"bonus_id"`
	Reason         string    `db:"reason"`
	Description    string    `db:"description"`
	CreatedAt      time.Time `db:"created_at"`
}

// IdempotencyKey identifies the transfer of op for a bonus
func IdempotencyKey(op string, bonusID uuid.UUID) string {
	return fmt.Sprintf("bonus:%s:%s", op, bonusID)
}

// BonusAccount holds a user's unconverted bonus value
func BonusAccount(tenantID, userID string, currency money.Currency) string {
	return fmt.Sprintf("bonus:%s:%s:%s", tenantID, userID, currency)
}

// WalletAccount receives converted bonus value. Falls back to the user
// when the bonus has no wallet.
func WalletAccount(t domain.LedgerTransfer, currency money.Currency) string {
	owner := t.WalletID
	if owner == "" {
		owner = t.UserID
	}
	return fmt.Sprintf("wallet:%s:%s:%s", t.TenantID, owner, currency)
}

// ForfeitAccount collects forfeited bonus value
func ForfeitAccount(tenantID string, currency money.Currency) string {
	return fmt.Sprintf("house:forfeits:%s:%s", tenantID, currency)
}

// buildTransfer returns the debit and credit entries of a transfer
func buildTransfer(op string, t domain.LedgerTransfer, now time.Time) ([]Entry, error) {
	if t.BonusID == uuid.Nil || t.UserID == "" {
		return nil, fmt.Errorf("%w: bonus and user are required", ErrInvalidTransfer)
	}
	currency, err := money.ParseCurrency(t.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	amount, err := money.FromDecimal(t.Amount, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	units := amount.MinorUnits()
	if units <= 0 {
		return nil, fmt.Errorf("%w: amount %s below one minor unit", ErrInvalidTransfer, amount)
	}

	var credit string
	switch op {
	case OpConversion:
		credit = WalletAccount(t, currency)
	case OpForfeit:
		credit = ForfeitAccount(t.TenantID, currency)
	default:
		return nil, fmt.Errorf("%w: unknown operation %s", ErrInvalidTransfer, op)
	}

	transferID := uuid.New()
	key := IdempotencyKey(op, t.BonusID)
	entry := func(account, entryType string) Entry {
		return Entry{
			ID:             uuid.New(),
			TransferID:     transferID,
			IdempotencyKey: key,
			Account:        account,
			EntryType:      entryType,
			Amount:         units,
			Currency:       string(currency),
			UserID:         t.UserID,
			TenantID:       t.TenantID,
			BonusID:        t.BonusID,
			Reason:         t.Reason,
			Description:    t.Description,
			CreatedAt:      now,
		}
	}

	return []Entry{
		entry(BonusAccount(t.TenantID, t.UserID, currency), EntryDebit),
		entry(credit, EntryCredit),
	}, nil
}
