package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BonusTemplate is an administrator-defined bonus configuration.
// Templates are immutable per version and read-only to the engine.
type BonusTemplate struct {
	ID       string    `json:"id" yaml:"id"`
	Code     string    `json:"code" yaml:"code"`
	Name     string    `json:"name" yaml:"name"`
	Type     BonusType `json:"type" yaml:"type"`
	Domain   string    `json:"domain,omitempty" yaml:"domain,omitempty"`
	TenantID string    `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	IsActive bool      `json:"is_active" yaml:"is_active"`
	Priority int       `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Value model
	ValueType           ValueType        `json:"value_type" yaml:"value_type"`
	Value               decimal.Decimal  `json:"value" yaml:"value"`
	Currency            string           `json:"currency" yaml:"currency"`
	SupportedCurrencies []string         `json:"supported_currencies,omitempty" yaml:"supported_currencies,omitempty"`
	MaxValue            *decimal.Decimal `json:"max_value,omitempty" yaml:"max_value,omitempty"`
	MinDeposit          *decimal.Decimal `json:"min_deposit,omitempty" yaml:"min_deposit,omitempty"`

	// Turnover model. A nil ActivityContributions means every category contributes 100%,
	// an empty one means none does, so the field is never omitted.
	TurnoverMultiplier    decimal.Decimal `json:"turnover_multiplier" yaml:"turnover_multiplier"`
	ActivityContributions map[string]int  `json:"activity_contributions" yaml:"activity_contributions"`

	// Validity
	ValidFrom      *time.Time `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	ExpirationDays int        `json:"expiration_days,omitempty" yaml:"expiration_days,omitempty"`

	// Usage limits
	MaxUsesTotal     *int `json:"max_uses_total,omitempty" yaml:"max_uses_total,omitempty"`
	MaxUsesPerUser   *int `json:"max_uses_per_user,omitempty" yaml:"max_uses_per_user,omitempty"`
	CurrentUsesTotal int  `json:"current_uses_total" yaml:"current_uses_total"`

	// Eligibility constraints
	EligibleTiers        []string `json:"eligible_tiers,omitempty" yaml:"eligible_tiers,omitempty"`
	AllowedCountries     []string `json:"allowed_countries,omitempty" yaml:"allowed_countries,omitempty"`
	ExcludedCountries    []string `json:"excluded_countries,omitempty" yaml:"excluded_countries,omitempty"`
	MinKYCTier           KYCTier  `json:"min_kyc_tier,omitempty" yaml:"min_kyc_tier,omitempty"`
	MinAccountAgeDays    int      `json:"min_account_age_days,omitempty" yaml:"min_account_age_days,omitempty"`
	RequiresVerification bool     `json:"requires_verification,omitempty" yaml:"requires_verification,omitempty"`
	AllowedCategories    []string `json:"allowed_categories,omitempty" yaml:"allowed_categories,omitempty"`

	// Stacking
	Stackable          bool        `json:"stackable" yaml:"stackable"`
	ExcludedBonusTypes []BonusType `json:"excluded_bonus_types,omitempty" yaml:"excluded_bonus_types,omitempty"`

	// Lifecycle
	RequiresActivation bool `json:"requires_activation,omitempty" yaml:"requires_activation,omitempty"`

	// Type-specific extensions
	MinSelections     int                     `json:"min_selections,omitempty" yaml:"min_selections,omitempty"`
	MaxSelections     int                     `json:"max_selections,omitempty" yaml:"max_selections,omitempty"`
	MinSelectionValue *decimal.Decimal        `json:"min_selection_value,omitempty" yaml:"min_selection_value,omitempty"`
	MaxSelectionValue *decimal.Decimal        `json:"max_selection_value,omitempty" yaml:"max_selection_value,omitempty"`
	MinTotalValue     *decimal.Decimal        `json:"min_total_value,omitempty" yaml:"min_total_value,omitempty"`
	MaxTotalValue     *decimal.Decimal        `json:"max_total_value,omitempty" yaml:"max_total_value,omitempty"`
	ComboMultiplier   *decimal.Decimal        `json:"combo_multiplier,omitempty" yaml:"combo_multiplier,omitempty"`
	ComboMultipliers  map[int]decimal.Decimal `json:"combo_multipliers,omitempty" yaml:"combo_multipliers,omitempty"`
	RequiredActions   []string                `json:"required_actions,omitempty" yaml:"required_actions,omitempty"`
	CooldownHours     int                     `json:"cooldown_hours,omitempty" yaml:"cooldown_hours,omitempty"`
	MinStreakDays     int                     `json:"min_streak_days,omitempty" yaml:"min_streak_days,omitempty"`
	MinLossAmount     *decimal.Decimal        `json:"min_loss_amount,omitempty" yaml:"min_loss_amount,omitempty"`
	MinBundleAmount   *decimal.Decimal        `json:"min_bundle_amount,omitempty" yaml:"min_bundle_amount,omitempty"`
	InactivityDays    int                     `json:"inactivity_days,omitempty" yaml:"inactivity_days,omitempty"`
	RankPrizes        map[int]decimal.Decimal `json:"rank_prizes,omitempty" yaml:"rank_prizes,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// SupportsCurrency reports whether the template can be awarded in currency.
// A template with no explicit list supports only its own currency, or any when unset.
func (t *BonusTemplate) SupportsCurrency(currency string) bool {
	if currency == "" {
		return true
	}
	if len(t.SupportedCurrencies) == 0 {
		return t.Currency == "" || t.Currency == currency
	}
	for _, c := range t.SupportedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

// UsesRemaining returns false once the global usage cap is exhausted
func (t *BonusTemplate) UsesRemaining() bool {
	return t.MaxUsesTotal == nil || t.CurrentUsesTotal < *t.MaxUsesTotal
}
