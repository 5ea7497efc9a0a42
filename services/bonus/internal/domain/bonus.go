package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// History actions
const (
	ActionAwarded         = "awarded"
	ActionActivated       = "activated"
	ActionTurnover        = "turnover"
	ActionRequirementsMet = "requirements_met"
	ActionConverted       = "converted"
	ActionForfeited       = "forfeited"
	ActionCancelled       = "cancelled"
	ActionExpired         = "expired"
	ActorSystem           = "system"
)

// HistoryEntry is an append-only record of a state change
type HistoryEntry struct {
	Timestamp     time.Time        `json:"timestamp"`
	Action        string           `json:"action"`
	Status        Status           `json:"status"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	TurnoverDelta *decimal.Decimal `json:"turnover_delta,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Actor         string           `json:"actor"`
}

// UserBonus is a bonus awarded to one user
type UserBonus struct {
	ID             uuid.UUID `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	TemplateID     string    `json:"template_id" db:"template_id"`
	TemplateCode   string    `json:"template_code" db:"template_code"`
	Type           BonusType `json:"type" db:"type"`
	WalletID       string    `json:"wallet_id,omitempty" db:"wallet_id"`
	WalletCategory string    `json:"wallet_category,omitempty" db:"wallet_category"`

	// ClaimKey scopes uniqueness of a claim per user and template
	ClaimKey string `json:"claim_key" db:"claim_key"`

	// Monetary state
	OriginalValue decimal.Decimal `json:"original_value" db:"original_value"`
	CurrentValue  decimal.Decimal `json:"current_value" db:"current_value"`
	Currency      string          `json:"currency" db:"currency"`

	// Turnover state
	TurnoverRequired decimal.Decimal `json:"turnover_required" db:"turnover_required"`
	TurnoverProgress decimal.Decimal `json:"turnover_progress" db:"turnover_progress"`

	Status Status `json:"status" db:"status"`

	// Timestamps
	ClaimedAt   time.Time  `json:"claimed_at" db:"claimed_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	ConvertedAt *time.Time `json:"converted_at,omitempty" db:"converted_at"`
	ForfeitedAt *time.Time `json:"forfeited_at,omitempty" db:"forfeited_at"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty" db:"expired_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`

	ForfeitReason string                 `json:"forfeit_reason,omitempty" db:"forfeit_reason"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" db:"-"`
	History       []HistoryEntry         `json:"history" db:"-"`
}

// IsExpired reports whether the bonus has passed its expiry at now
func (b *UserBonus) IsExpired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// HasTurnoverRequirement returns true when the bonus must be wagered
func (b *UserBonus) HasTurnoverRequirement() bool {
	return b.TurnoverRequired.IsPositive()
}

// RequirementsReached reports whether progress covers the requirement
func (b *UserBonus) RequirementsReached() bool {
	return b.TurnoverProgress.GreaterThanOrEqual(b.TurnoverRequired)
}

// StatusUpdate is a conditional status change. The update only applies
// while the stored status is one of From.
type StatusUpdate struct {
	ID            uuid.UUID
	From          []Status
	To            Status
	Entry         HistoryEntry
	CurrentValue  *decimal.Decimal
	ForfeitReason string
	At            time.Time

	// RequireNoTurnover additionally requires zero turnover progress
	RequireNoTurnover bool
}

// TurnoverUpdate is a compare-and-set on turnover progress
type TurnoverUpdate struct {
	ID               uuid.UUID
	ExpectedProgress decimal.Decimal
	NewProgress      decimal.Decimal
	NewStatus        Status
	Entry            HistoryEntry
}

// BonusFilter narrows user bonus queries. Zero fields do not filter.
type BonusFilter struct {
	Statuses     []Status
	Types        []BonusType
	TemplateID   string
	ClaimKey     string
	ClaimedAfter *time.Time
	HasTurnover  bool
	Limit        int
}

// TransactionType of a bonus transaction
type TransactionType string

const (
	TxTurnover   TransactionType = "turnover"
	TxConversion TransactionType = "conversion"
	TxForfeit    TransactionType = "forfeit"
)

// BonusTransaction is an append-only audit record tied to a user bonus
type BonusTransaction struct {
	ID                    uuid.UUID       `json:"id" db:"id"`
	BonusID               uuid.UUID       `json:"bonus_id" db:"bonus_id"`
	UserID                string          `json:"user_id" db:"user_id"`
	TenantID              string          `json:"tenant_id" db:"tenant_id"`
	Type                  TransactionType `json:"type" db:"type"`
	Amount                decimal.Decimal `json:"amount" db:"amount"`
	Currency              string          `json:"currency" db:"currency"`
	BalanceBefore         decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter          decimal.Decimal `json:"balance_after" db:"balance_after"`
	TurnoverBefore        decimal.Decimal `json:"turnover_before" db:"turnover_before"`
	TurnoverAfter         decimal.Decimal `json:"turnover_after" db:"turnover_after"`
	ContributionRate      int             `json:"contribution_rate" db:"contribution_rate"`
	ActivityCategory      string          `json:"activity_category,omitempty" db:"activity_category"`
	ExternalTransactionID string          `json:"external_transaction_id,omitempty" db:"external_transaction_id"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
}

// LedgerTransfer moves bonus value in the external ledger. Reason is set
// for forfeits only.
type LedgerTransfer struct {
	BonusID     uuid.UUID
	UserID      string
	TenantID    string
	WalletID    string
	Amount      decimal.Decimal
	Currency    string
	Reason      string
	Description string
}
