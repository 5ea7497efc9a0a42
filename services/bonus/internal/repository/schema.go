package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema creates the bonus tables. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS bonus_templates (
	id                 TEXT PRIMARY KEY,
	code               TEXT NOT NULL UNIQUE,
	type               TEXT NOT NULL,
	tenant_id          TEXT NOT NULL DEFAULT '',
	is_active          BOOLEAN NOT NULL DEFAULT TRUE,
	priority           INTEGER NOT NULL DEFAULT 0,
	max_uses_total     INTEGER,
	current_uses_total INTEGER NOT NULL DEFAULT 0,
	document           JSONB NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_bonuses (
	id                UUID PRIMARY KEY,
	user_id           TEXT NOT NULL,
	tenant_id         TEXT NOT NULL DEFAULT '',
	template_id       TEXT NOT NULL REFERENCES bonus_templates (id),
	template_code     TEXT NOT NULL,
	type              TEXT NOT NULL,
	wallet_id         TEXT NOT NULL DEFAULT '',
	wallet_category   TEXT NOT NULL DEFAULT '',
	claim_key         TEXT NOT NULL DEFAULT '',
	original_value    NUMERIC(20, 8) NOT NULL,
	current_value     NUMERIC(20, 8) NOT NULL,
	currency          TEXT NOT NULL,
	turnover_required NUMERIC(20, 8) NOT NULL DEFAULT 0,
	turnover_progress NUMERIC(20, 8) NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	claimed_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ,
	converted_at      TIMESTAMPTZ,
	forfeited_at      TIMESTAMPTZ,
	expired_at        TIMESTAMPTZ,
	cancelled_at      TIMESTAMPTZ,
	forfeit_reason    TEXT NOT NULL DEFAULT '',
	metadata          JSONB NOT NULL DEFAULT '{}',
	history           JSONB NOT NULL DEFAULT '[]',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS user_bonuses_claim_key_idx
	ON user_bonuses (user_id, template_id, claim_key) WHERE claim_key <> '';
CREATE INDEX IF NOT EXISTS user_bonuses_user_idx ON user_bonuses (user_id, claimed_at DESC);
CREATE INDEX IF NOT EXISTS user_bonuses_expiry_idx ON user_bonuses (expires_at)
	WHERE status IN ('pending', 'active', 'in_progress', 'requirements_met');

CREATE TABLE IF NOT EXISTS bonus_transactions (
	id                      UUID PRIMARY KEY,
	bonus_id                UUID NOT NULL REFERENCES user_bonuses (id),
	user_id                 TEXT NOT NULL,
	tenant_id               TEXT NOT NULL DEFAULT '',
	type                    TEXT NOT NULL,
	amount                  NUMERIC(20, 8) NOT NULL,
	currency                TEXT NOT NULL,
	balance_before          NUMERIC(20, 8) NOT NULL,
	balance_after           NUMERIC(20, 8) NOT NULL,
	turnover_before         NUMERIC(20, 8) NOT NULL,
	turnover_after          NUMERIC(20, 8) NOT NULL,
	contribution_rate       INTEGER NOT NULL DEFAULT 100,
	activity_category       TEXT NOT NULL DEFAULT '',
	external_transaction_id TEXT NOT NULL DEFAULT '',
	created_at              TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS bonus_transactions_bonus_idx ON bonus_transactions (bonus_id, created_at);
`

// Migrate applies Schema
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply bonus schema: %w", err)
	}
	return nil
}
