package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/promo-platform/services/bonus/internal/domain"
)

// Schema creates the ledger table
const Schema = `
CREATE TABLE IF NOT EXISTS bonus_ledger_entries (
	id              UUID PRIMARY KEY,
	transfer_id     UUID NOT NULL,
	idempotency_key TEXT NOT NULL,
	account         TEXT NOT NULL,
	entry_type      TEXT NOT NULL CHECK (entry_type IN ('debit', 'credit')),
	amount          BIGINT NOT NULL CHECK (amount > 0),
	currency        TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	tenant_id       TEXT NOT NULL DEFAULT '',
	bonus_id        UUID NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (idempotency_key, entry_type)
);

CREATE INDEX IF NOT EXISTS bonus_ledger_entries_account_idx ON bonus_ledger_entries (account);
`

// PostgresLedger writes transfers to a double-entry table
type PostgresLedger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresLedger creates ledger adapter
func NewPostgresLedger(db *sqlx.DB, logger *slog.Logger) *PostgresLedger {
	return &PostgresLedger{db: db, logger: logger}
}

// Migrate applies Schema
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}

// RecordBonusConversionTransfer moves bonus value to the user's wallet
func (l *PostgresLedger) RecordBonusConversionTransfer(ctx context.Context, t domain.LedgerTransfer) error {
	return l.record(ctx, OpConversion, t)
}

// RecordBonusForfeitTransfer moves bonus value to the house
func (l *PostgresLedger) RecordBonusForfeitTransfer(ctx context.Context, t domain.LedgerTransfer) error {
	return l.record(ctx, OpForfeit, t)
}

// Balance calculates an account balance from its entries
func (l *PostgresLedger) Balance(ctx context.Context, account string) (int64, error) {
	var balance int64
	query := `
		SELECT COALESCE(
			SUM(CASE WHEN entry_type = 'credit' THEN amount ELSE -amount END),
			0
		) FROM bonus_ledger_entries WHERE account = $1
	`
	if err := l.db.GetContext(ctx, &balance, query, account); err != nil {
		return 0, fmt.Errorf("failed to get ledger balance: %w", err)
	}
	return balance, nil
}

func (l *PostgresLedger) record(ctx context.Context, op string, t domain.LedgerTransfer) error {
	entries, err := buildTransfer(op, t, time.Now().UTC())
	if err != nil {
		return err
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO bonus_ledger_entries
		(id, transfer_id, idempotency_key, account, entry_type, amount, currency,
		 user_id, tenant_id, bonus_id, reason, description, created_at)
		VALUES (:id, :transfer_id, :idempotency_key, :account, :entry_type, :amount, :currency,
		 :user_id, :tenant_id, :bonus_id, :reason, :description, :created_at)
		ON CONFLICT (idempotency_key, entry_type) DO NOTHING
	`
	for i, entry := range entries {
		result, err := tx.NamedExecContext(ctx, query, entry)
		if err != nil {
			return fmt.Errorf("failed to write ledger entry: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 && i == 0 {
			// Already recorded by an earlier attempt
			l.logger.Info("ledger transfer already recorded",
				"idempotency_key", entry.IdempotencyKey,
				"bonus_id", t.BonusID,
			)
			return nil
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transfer: %w", err)
	}
	return nil
}
