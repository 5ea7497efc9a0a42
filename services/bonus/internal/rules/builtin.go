package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/promo-platform/services/bonus/internal/domain"
)

// Built-in rule names
const (
	RuleActive           = "active"
	RuleValidityWindow   = "validity_window"
	RuleCurrency         = "currency"
	RuleMinDeposit       = "min_deposit"
	RuleTier             = "tier"
	RuleKYC              = "kyc_tier"
	RuleCountry          = "country"
	RuleVerification     = "verification"
	RuleAccountAge       = "account_age"
	RuleFirstDeposit     = "first_deposit"
	RuleFirstPurchase    = "first_purchase"
	RuleSelectionCount   = "selection_count"
	RuleSelectionValue   = "selection_value"
	RuleSelectionTotal   = "selection_total"
	RuleActivityCategory = "activity_category"
	RuleUsesRemaining    = "uses_remaining"
)

// Builtin returns the built-in rules in evaluation order
func Builtin() []Rule {
	return []Rule{
		{
			Name:  RuleActive,
			Check: func(t *domain.BonusTemplate, _ *domain.EligibilityContext) bool { return t.IsActive },
			Message: func(t *domain.BonusTemplate, _ *domain.EligibilityContext) string {
				return fmt.Sprintf("bonus %s is not active", t.Code)
			},
		},
		{
			Name:    RuleValidityWindow,
			Check:   withinValidity,
			Message: validityMessage,
		},
		{
			Name: RuleCurrency,
			Check: func(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
				return t.SupportsCurrency(c.Currency)
			},
			Message: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
				return fmt.Sprintf("currency %s is not supported", c.Currency)
			},
		},
		{
			// Only checked when the context carries a deposit
			Name: RuleMinDeposit,
			Check: func(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
				if t.MinDeposit == nil || c.DepositAmount == nil {
					return true
				}
				return c.DepositAmount.GreaterThanOrEqual(*t.MinDeposit)
			},
			Message: func(t *domain.BonusTemplate, _ *domain.EligibilityContext) string {
				return fmt.Sprintf("minimum deposit of %s %s required", t.MinDeposit.String(), t.Currency)
			},
		},
		{
			Name: RuleTier,
			Check: func(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
				return len(t.EligibleTiers) == 0 || containsFold(t.EligibleTiers, c.Tier)
			},
			Message: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
				return fmt.Sprintf("tier %q is not eligible", c.Tier)
			},
		},
		{
			Name: RuleKYC,
			Check: func(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
				return t.MinKYCTier == "" || c.KYCTier.AtLeast(t.MinKYCTier)
			},
			Message: func(t *domain.BonusTemplate, _ *domain.EligibilityContext) string {
				return fmt.Sprintf("KYC tier %s or higher required", t.MinKYCTier)
			},
		},
		{
			Name:    RuleCountry,
			Check:   countryAllowed,
			Message: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
				return fmt.Sprintf("country %q is not allowed", c.Country)
			},
		},
		{
			Name: RuleVerification,
			Check: func(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
				return !t.RequiresVerification || c.IsVerified
			},
			Message: func(_ *domain.BonusTemplate, _ *domain.EligibilityContext) string {
				return "account verification required"
			},
		},
		{
			Name: RuleAccountAge,
			Check: func(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
				return t.MinAccountAgeDays <= 0 || c.AccountAgeDays() >= t.MinAccountAgeDays
			},
			Message: func(t *domain.BonusTemplate, _ *domain.EligibilityContext) string {
				return fmt.Sprintf("account must be at least %d days old", t.MinAccountAgeDays)
			},
		},
		{
			Name: RuleFirstDeposit,
			Check: func(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
				if t.Type != domain.TypeFirstDeposit && t.Type != domain.TypeWelcome {
					return true
				}
				return c.IsFirstDeposit
			},
			Message: func(_ *domain.BonusTemplate, _ *domain.EligibilityContext) string {
				return "bonus is only available on the first deposit"
			},
		},
		{
			Name: RuleFirstPurchase,
			Check: func(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
				return t.Type != domain.TypeFirstPurchase || c.IsFirstPurchase
			},
			Message: func(_ *domain.BonusTemplate, _ *domain.EligibilityContext) string {
				return "bonus is only available on the first purchase"
			},
		},
		{
			Name:    RuleSelectionCount,
			Check:   selectionCountInRange,
			Message: selectionCountMessage,
		},
		{
			Name:  RuleSelectionValue,
			Check: selectionValuesInRange,
			Message: func(_ *domain.BonusTemplate, _ *domain.EligibilityContext) string {
				return "one or more selections are outside the allowed value range"
			},
		},
		{
			Name:  RuleSelectionTotal,
			Check: selectionTotalInRange,
			Message: func(t *domain.BonusTemplate, c *domain.EligibilityContext) string {
				return fmt.Sprintf("selection total %s is outside the allowed range", SelectionTotal(t.Type, c.Selections).String())
			},
		},
		{
			Name: RuleActivityCategory,
			Check: func(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
				if len(t.AllowedCategories) == 0 || c.ActivityCategory == "" {
					return true
				}
				return containsFold(t.AllowedCategories, c.ActivityCategory)
			},
			Message: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
				return fmt.Sprintf("activity category %q is not eligible", c.ActivityCategory)
			},
		},
		{
			Name:  RuleUsesRemaining,
			Check: func(t *domain.BonusTemplate, _ *domain.EligibilityContext) bool { return t.UsesRemaining() },
			Message: func(_ *domain.BonusTemplate, _ *domain.EligibilityContext) string {
				return "bonus usage limit reached"
			},
		},
	}
}

func withinValidity(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
	if t.ValidFrom != nil && c.Now.Before(*t.ValidFrom) {
		return false
	}
	if t.ValidUntil != nil && c.Now.After(*t.ValidUntil) {
		return false
	}
	return true
}

func validityMessage(t *domain.BonusTemplate, c *domain.EligibilityContext) string {
	if t.ValidFrom != nil && c.Now.Before(*t.ValidFrom) {
		return fmt.Sprintf("bonus is not valid until %s", t.ValidFrom.UTC().Format("2006-01-02 15:04"))
	}
	return "bonus validity period has ended"
}

// countryAllowed applies the deny list before the allow list
func countryAllowed(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
	if containsFold(t.ExcludedCountries, c.Country) {
		return false
	}
	if len(t.AllowedCountries) > 0 {
		return containsFold(t.AllowedCountries, c.Country)
	}
	return true
}

func usesSelections(bt domain.BonusType) bool {
	return bt == domain.TypeCombo || bt == domain.TypeSelection || bt == domain.TypeBundle
}

func selectionCountInRange(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
	if !usesSelections(t.Type) {
		return true
	}
	n := len(c.Selections)
	if t.MinSelections > 0 && n < t.MinSelections {
		return false
	}
	if t.MaxSelections > 0 && n > t.MaxSelections {
		return false
	}
	return true
}

func selectionCountMessage(t *domain.BonusTemplate, c *domain.EligibilityContext) string {
	n := len(c.Selections)
	if t.MinSelections > 0 && n < t.MinSelections {
		return fmt.Sprintf("at least %d selections required, got %d", t.MinSelections, n)
	}
	return fmt.Sprintf("at most %d selections allowed, got %d", t.MaxSelections, n)
}

func selectionValuesInRange(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
	if !usesSelections(t.Type) {
		return true
	}
	for _, s := range c.Selections {
		if t.MinSelectionValue != nil && s.Value.LessThan(*t.MinSelectionValue) {
			return false
		}
		if t.MaxSelectionValue != nil && s.Value.GreaterThan(*t.MaxSelectionValue) {
			return false
		}
	}
	return true
}

func selectionTotalInRange(t *domain.BonusTemplate, c *domain.EligibilityContext) bool {
	if !usesSelections(t.Type) || len(c.Selections) == 0 {
		return true
	}
	if t.MinTotalValue == nil && t.MaxTotalValue == nil {
		return true
	}
	total := SelectionTotal(t.Type, c.Selections)
	if t.MinTotalValue != nil && total.LessThan(*t.MinTotalValue) {
		return false
	}
	if t.MaxTotalValue != nil && total.GreaterThan(*t.MaxTotalValue) {
		return false
	}
	return true
}

// SelectionTotal aggregates selection values: a product for combo bonuses
// (combined odds), a sum for every other type.
func SelectionTotal(bt domain.BonusType, selections []domain.Selection) decimal.Decimal {
	if bt == domain.TypeCombo {
		total := decimal.NewFromInt(1)
		for _, s := range selections {
			total = total.Mul(s.Value)
		}
		return total
	}
	total := decimal.Zero
	for _, s := range selections {
		total = total.Add(s.Value)
	}
	return total
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
