package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Selection is one pick of a combo, selection or bundle bonus
type Selection struct {
	ID    string          `json:"id"`
	Value decimal.Decimal `json:"value"`
}

// EligibilityContext is the per-evaluation input. It is built fresh for
// each call and never persisted.
type EligibilityContext struct {
	UserID         string
	TenantID       string
	Currency       string
	Tier           string
	Country        string
	KYCTier        KYCTier
	IsVerified     bool
	AccountCreated *time.Time

	// Template selection; empty means any active template of the type
	TemplateID   string
	TemplateCode string

	// Amounts
	DepositAmount  *decimal.Decimal
	PurchaseAmount *decimal.Decimal
	ActivityAmount *decimal.Decimal
	LossAmount     *decimal.Decimal
	BundleAmount   *decimal.Decimal

	ActivityCategory string
	IsFirstDeposit   bool
	IsFirstPurchase  bool

	// Selection data
	Selections []Selection
	ActionIDs  []string

	ConsecutiveDays int
	LastActivityAt  *time.Time

	// Type-specific keys
	AchievementCode string
	PromoCode       string
	ReferredUserID  string
	ReferrerID      string
	CompetitionID   string
	Rank            int

	// Origin
	TransactionID  string
	WalletID       string
	WalletCategory string

	Now time.Time
}

// BaseAmount returns the amount a percentage bonus applies to: the deposit
// when present, otherwise the activity amount.
func (c *EligibilityContext) BaseAmount() (decimal.Decimal, bool) {
	if c.DepositAmount != nil {
		return *c.DepositAmount, true
	}
	if c.ActivityAmount != nil {
		return *c.ActivityAmount, true
	}
	return decimal.Zero, false
}

// AccountAgeDays returns whole days since account creation, -1 if unknown
func (c *EligibilityContext) AccountAgeDays() int {
	if c.AccountCreated == nil {
		return -1
	}
	return int(c.Now.Sub(*c.AccountCreated).Hours() / 24)
}

// Decimal is a helper for optional amounts
func Decimal(d decimal.Decimal) *decimal.Decimal {
	return &d
}
