package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/promo-platform/services/bonus/internal/domain"
)

const uniqueViolation = "23505"

// PostgresTemplateStore stores templates as JSONB documents. The usage
// counter lives in its own column so awards can reserve uses atomically.
type PostgresTemplateStore struct {
	db *sqlx.DB
}

// NewPostgresTemplateStore creates new repository
func NewPostgresTemplateStore(db *sqlx.DB) *PostgresTemplateStore {
	return &PostgresTemplateStore{db: db}
}

type templateRow struct {
	Document         []byte `db:"document"`
	CurrentUsesTotal int    `db:"current_uses_total"`
}

func (r templateRow) decode() (*domain.BonusTemplate, error) {
	var t domain.BonusTemplate
	if err := json.Unmarshal(r.Document, &t); err != nil {
		return nil, fmt.Errorf("failed to decode template: %w", err)
	}
	t.CurrentUsesTotal = r.CurrentUsesTotal
	return &t, nil
}

// Upsert inserts or replaces a template, keeping its usage counter
func (r *PostgresTemplateStore) Upsert(ctx context.Context, t *domain.BonusTemplate) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}

	query := `
		INSERT INTO bonus_templates (id, code, type, tenant_id, is_active, priority, max_uses_total, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET code = EXCLUDED.code, type = EXCLUDED.type, tenant_id = EXCLUDED.tenant_id,
			is_active = EXCLUDED.is_active, priority = EXCLUDED.priority,
			max_uses_total = EXCLUDED.max_uses_total, document = EXCLUDED.document,
			updated_at = NOW()
	`
	_, err = r.db.ExecContext(ctx, query,
		t.ID,
		t.Code,
		t.Type,
		t.TenantID,
		t.IsActive,
		t.Priority,
		t.MaxUsesTotal,
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert template %s: %w", t.ID, err)
	}
	return nil
}

// FindActive returns active templates ordered by priority, highest first
func (r *PostgresTemplateStore) FindActive(ctx context.Context) ([]*domain.BonusTemplate, error) {
	var rows []templateRow
	query := `
		SELECT document, current_uses_total FROM bonus_templates
		WHERE is_active
		ORDER BY priority DESC, code
	`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	templates := make([]*domain.BonusTemplate, 0, len(rows))
	for _, row := range rows {
		t, err := row.decode()
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// FindByID retrieves template by ID
func (r *PostgresTemplateStore) FindByID(ctx context.Context, id string) (*domain.BonusTemplate, error) {
	return r.findOne(ctx, `SELECT document, current_uses_total FROM bonus_templates WHERE id = $1`, id)
}

// FindByCode retrieves template by code, ignoring case
func (r *PostgresTemplateStore) FindByCode(ctx context.Context, code string) (*domain.BonusTemplate, error) {
	return r.findOne(ctx, `SELECT document, current_uses_total FROM bonus_templates WHERE LOWER(code) = LOWER($1)`, code)
}

func (r *PostgresTemplateStore) findOne(ctx context.Context, query string, arg interface{}) (*domain.BonusTemplate, error) {
	var row templateRow
	err := r.db.GetContext(ctx, &row, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return row.decode()
}

// PostgresBonusStore implements the user bonus store
type PostgresBonusStore struct {
	db *sqlx.DB
}

// NewPostgresBonusStore creates new repository
func NewPostgresBonusStore(db *sqlx.DB) *PostgresBonusStore {
	return &PostgresBonusStore{db: db}
}

const bonusColumns = `
	id, user_id, tenant_id, template_id, template_code, type, wallet_id, wallet_category,
	claim_key, original_value, current_value, currency, turnover_required, turnover_progress,
	status, claimed_at, expires_at, converted_at, forfeited_at, expired_at, cancelled_at,
	forfeit_reason, metadata, history`

type bonusRow struct {
	domain.UserBonus
	MetadataJSON []byte `db:"metadata"`
	HistoryJSON  []byte `db:"history"`
}

func (r *bonusRow) decode() (*domain.UserBonus, error) {
	b := r.UserBonus
	if len(r.MetadataJSON) > 0 {
		if err := json.Unmarshal(r.MetadataJSON, &b.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode bonus metadata: %w", err)
		}
	}
	if len(r.HistoryJSON) > 0 {
		if err := json.Unmarshal(r.HistoryJSON, &b.History); err != nil {
			return nil, fmt.Errorf("failed to decode bonus history: %w", err)
		}
	}
	return &b, nil
}

// Create inserts new bonus and reserves a template use in one transaction
func (r *PostgresBonusStore) Create(ctx context.Context, bonus *domain.UserBonus) error {
	metadata, err := json.Marshal(bonus.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode bonus metadata: %w", err)
	}
	if bonus.Metadata == nil {
		metadata = []byte("{}")
	}
	history, err := json.Marshal(bonus.History)
	if err != nil {
		return fmt.Errorf("failed to encode bonus history: %w", err)
	}
	if bonus.History == nil {
		history = []byte("[]")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. Reserve a use; a missing or exhausted template affects no rows
	result, err := tx.ExecContext(ctx, `
		UPDATE bonus_templates
		SET current_uses_total = current_uses_total + 1, updated_at = NOW()
		WHERE id = $1 AND (max_uses_total IS NULL OR current_uses_total < max_uses_total)
	`, bonus.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to reserve template use: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: template %s", domain.ErrUsageLimitReached, bonus.TemplateID)
	}

	// 2. Insert the bonus
	query := `
		INSERT INTO user_bonuses (` + bonusColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24)
	`
	_, err = tx.ExecContext(ctx, query,
		bonus.ID,
		bonus.UserID,
		bonus.TenantID,
		bonus.TemplateID,
		bonus.TemplateCode,
		bonus.Type,
		bonus.WalletID,
		bonus.WalletCategory,
		bonus.ClaimKey,
		bonus.OriginalValue,
		bonus.CurrentValue,
		bonus.Currency,
		bonus.TurnoverRequired,
		bonus.TurnoverProgress,
		bonus.Status,
		bonus.ClaimedAt,
		bonus.ExpiresAt,
		bonus.ConvertedAt,
		bonus.ForfeitedAt,
		bonus.ExpiredAt,
		bonus.CancelledAt,
		bonus.ForfeitReason,
		string(metadata),
		string(history),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: claim key %s", domain.ErrDuplicateClaim, bonus.ClaimKey)
		}
		return fmt.Errorf("failed to create bonus: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bonus: %w", err)
	}
	return nil
}

// FindByID retrieves bonus by ID
func (r *PostgresBonusStore) FindByID(ctx context.Context, id uuid.UUID) (*domain.UserBonus, error) {
	var row bonusRow
	query := `SELECT ` + bonusColumns + ` FROM user_bonuses WHERE id = $1`
	err := r.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBonusNotFound
		}
		return nil, fmt.Errorf("failed to get bonus: %w", err)
	}
	return row.decode()
}

// FindByUserID retrieves bonuses of a user, most recently claimed first
func (r *PostgresBonusStore) FindByUserID(ctx context.Context, userID string, filter domain.BonusFilter) ([]*domain.UserBonus, error) {
	conditions := []string{"user_id = $1"}
	args := []interface{}{userID}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", pq.Array(types))
	}
	if filter.TemplateID != "" {
		add("template_id = $%d", filter.TemplateID)
	}
	if filter.ClaimKey != "" {
		add("claim_key = $%d", filter.ClaimKey)
	}
	if filter.ClaimedAfter != nil {
		add("claimed_at > $%d", *filter.ClaimedAfter)
	}
	if filter.HasTurnover {
		conditions = append(conditions, "turnover_required > 0")
	}

	query := `SELECT ` + bonusColumns + ` FROM user_bonuses WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY claimed_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []*bonusRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list bonuses: %w", err)
	}
	return decodeBonuses(rows)
}

// UpdateStatus applies a conditional status change
func (r *PostgresBonusStore) UpdateStatus(ctx context.Context, upd domain.StatusUpdate) error {
	entry, err := json.Marshal([]domain.HistoryEntry{upd.Entry})
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}

	from := make([]string, len(upd.From))
	for i, s := range upd.From {
		from[i] = string(s)
	}

	set := "status = $1, history = history || $2::jsonb, current_value = COALESCE($3::numeric, current_value), " +
		"forfeit_reason = CASE WHEN $4 = '' THEN forfeit_reason ELSE $4 END, updated_at = $5"
	if column := statusTimestampColumn(upd.To); column != "" {
		set += ", " + column + " = $5"
	}
	query := `UPDATE user_bonuses SET ` + set + ` WHERE id = $6 AND status = ANY($7)`
	if upd.RequireNoTurnover {
		query += ` AND turnover_progress = 0`
	}

	result, err := r.db.ExecContext(ctx, query,
		upd.To,
		string(entry),
		upd.CurrentValue,
		upd.ForfeitReason,
		upd.At,
		upd.ID,
		pq.Array(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update bonus status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return r.explainMiss(ctx, upd)
	}
	return nil
}

// UpdateTurnover applies a compare-and-set on turnover progress
func (r *PostgresBonusStore) UpdateTurnover(ctx context.Context, upd domain.TurnoverUpdate) error {
	entry, err := json.Marshal([]domain.HistoryEntry{upd.Entry})
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}

	query := `
		UPDATE user_bonuses
		SET turnover_progress = $1, status = $2, history = history || $3::jsonb, updated_at = NOW()
		WHERE id = $4 AND turnover_progress = $5 AND status IN ('active', 'in_progress')
	`
	result, err := r.db.ExecContext(ctx, query,
		upd.NewProgress,
		upd.NewStatus,
		string(entry),
		upd.ID,
		upd.ExpectedProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to update turnover: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

// FindExpiring returns live bonuses whose expiry is at or before now,
// oldest expiry first
func (r *PostgresBonusStore) FindExpiring(ctx context.Context, now time.Time, limit int) ([]*domain.UserBonus, error) {
	query := `
		SELECT ` + bonusColumns + ` FROM user_bonuses
		WHERE status IN ('pending', 'active', 'in_progress', 'requirements_met')
		AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	var rows []*bonusRow
	if err := r.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to find expiring bonuses: %w", err)
	}
	return decodeBonuses(rows)
}

// explainMiss maps an update that matched no rows to the reason
func (r *PostgresBonusStore) explainMiss(ctx context.Context, upd domain.StatusUpdate) error {
	var current domain.Status
	err := r.db.GetContext(ctx, &current, `SELECT status FROM user_bonuses WHERE id = $1`, upd.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrBonusNotFound
		}
		return fmt.Errorf("failed to get bonus status: %w", err)
	}
	if !current.In(upd.From...) {
		return fmt.Errorf("%w: bonus %s is %s", domain.ErrInvalidStatus, upd.ID, current)
	}
	return domain.ErrTurnoverNotZero
}

// PostgresTransactionStore implements the bonus transaction store
type PostgresTransactionStore struct {
	db *sqlx.DB
}

// NewPostgresTransactionStore creates new repository
func NewPostgresTransactionStore(db *sqlx.DB) *PostgresTransactionStore {
	return &PostgresTransactionStore{db: db}
}

// Create inserts new transaction
func (r *PostgresTransactionStore) Create(ctx context.Context, tx *domain.BonusTransaction) error {
	query := `
		INSERT INTO bonus_transactions
		(id, bonus_id, user_id, tenant_id, type, amount, currency, balance_before, balance_after,
		 turnover_before, turnover_after, contribution_rate, activity_category, external_transaction_id, created_at)
		VALUES (:id, :bonus_id, :user_id, :tenant_id, :type, :amount, :currency, :balance_before, :balance_after,
		 :turnover_before, :turnover_after, :contribution_rate, :activity_category, :external_transaction_id, :created_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, tx); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("duplicate bonus transaction %s: %w", tx.ID, err)
		}
		return fmt.Errorf("failed to create bonus transaction: %w", err)
	}
	return nil
}

// ListByBonus returns transactions of a bonus, oldest first
func (r *PostgresTransactionStore) ListByBonus(ctx context.Context, bonusID uuid.UUID) ([]*domain.BonusTransaction, error) {
	var txs []*domain.BonusTransaction
	query := `
		SELECT id, bonus_id, user_id, tenant_id, type, amount, currency, balance_before, balance_after,
			turnover_before, turnover_after, contribution_rate, activity_category, external_transaction_id, created_at
		FROM bonus_transactions
		WHERE bonus_id = $1
		ORDER BY created_at
	`
	if err := r.db.SelectContext(ctx, &txs, query, bonusID); err != nil {
		return nil, fmt.Errorf("failed to list bonus transactions: %w", err)
	}
	return txs, nil
}

// Helper functions

func decodeBonuses(rows []*bonusRow) ([]*domain.UserBonus, error) {
	bonuses := make([]*domain.UserBonus, 0, len(rows))
	for _, row := range rows {
		b, err := row.decode()
		if err != nil {
			return nil, err
		}
		bonuses = append(bonuses, b)
	}
	return bonuses, nil
}

func statusTimestampColumn(s domain.Status) string {
	switch s {
	case domain.StatusConverted:
		return "converted_at"
	case domain.StatusForfeited:
		return "forfeited_at"
	case domain.StatusExpired:
		return "expired_at"
	case domain.StatusCancelled:
		return "cancelled_at"
	}
	return ""
}

func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
