// Package calc implements bonus value, turnover and expiration calculation
package calc

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/promo-platform/services/bonus/internal/domain"
)

// DefaultExpirationDays applies when a template has no expiration
const DefaultExpirationDays = 30

// FullContribution is the contribution rate of an unmapped category
const FullContribution = 100

var hundred = decimal.NewFromInt(100)

// tierMultipliers for tiered templates, keyed by lower-case tier name
var tierMultipliers = map[string]decimal.Decimal{
	"bronze":   decimal.NewFromFloat(1.0),
	"silver":   decimal.NewFromFloat(1.25),
	"gold":     decimal.NewFromFloat(1.5),
	"platinum": decimal.NewFromFloat(2.0),
	"diamond":  decimal.NewFromFloat(2.5),
}

// maxStreakDays caps the dynamic streak multiplier
const maxStreakDays = 7

// TierMultiplier returns the multiplier for tier, 1.0 when unrecognised
func TierMultiplier(tier string) decimal.Decimal {
	if m, ok := tierMultipliers[strings.ToLower(tier)]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

// CalculateValue returns the monetary value of a bonus awarded from t
func CalculateValue(t *domain.BonusTemplate, c *domain.EligibilityContext) decimal.Decimal {
	var value decimal.Decimal

	switch t.ValueType {
	case domain.ValuePercentage:
		base, ok := c.BaseAmount()
		if !ok {
			return decimal.Zero
		}
		value = base.Mul(t.Value).Div(hundred)

	case domain.ValueTiered:
		value = t.Value.Mul(TierMultiplier(c.Tier))

	case domain.ValueDynamic:
		value = dynamicValue(t, c)

	default:
		value = t.Value
	}

	return Cap(value, t.MaxValue)
}

// dynamicValue is type specific: combo grows geometrically with every
// selection beyond the minimum, streak scales linearly up to a week.
func dynamicValue(t *domain.BonusTemplate, c *domain.EligibilityContext) decimal.Decimal {
	switch t.Type {
	case domain.TypeCombo:
		growth := decimal.NewFromInt(1)
		if t.ComboMultiplier != nil {
			growth = *t.ComboMultiplier
		}
		extra := len(c.Selections) - t.MinSelections
		if extra <= 0 {
			return t.Value
		}
		return t.Value.Mul(growth.Pow(decimal.NewFromInt(int64(extra))))

	case domain.TypeStreak:
		days := c.ConsecutiveDays
		if days > maxStreakDays {
			days = maxStreakDays
		}
		if days < 0 {
			days = 0
		}
		return t.Value.Mul(decimal.NewFromInt(int64(days)))

	default:
		return t.Value
	}
}

// CalculateTurnover returns the turnover requirement for a bonus of value
func CalculateTurnover(t *domain.BonusTemplate, value decimal.Decimal) decimal.Decimal {
	return value.Mul(t.TurnoverMultiplier)
}

// CalculateExpiration returns when a bonus awarded at now expires. A template
// validity end earlier than the computed expiry wins.
func CalculateExpiration(t *domain.BonusTemplate, now time.Time, defaultDays int) time.Time {
	days := t.ExpirationDays
	if days <= 0 {
		days = defaultDays
	}
	if days <= 0 {
		days = DefaultExpirationDays
	}
	expires := now.AddDate(0, 0, days)
	if t.ValidUntil != nil && t.ValidUntil.Before(expires) && t.ValidUntil.After(now) {
		return *t.ValidUntil
	}
	return expires
}

// ContributionRate returns the turnover contribution percentage of category.
// Without a contribution map every category contributes fully; with a map
// an unlisted category contributes nothing.
func ContributionRate(t *domain.BonusTemplate, category string) int {
	if t.ActivityContributions == nil {
		return FullContribution
	}
	rate, ok := t.ActivityContributions[category]
	if !ok {
		return 0
	}
	return rate
}

// Contribution returns floor(amount * rate / 100)
func Contribution(amount decimal.Decimal, rate int) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(rate))).Div(hundred).Floor()
}

// Percent returns amount * pct / 100
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// Cap clamps value to limit when limit is set
func Cap(value decimal.Decimal, limit *decimal.Decimal) decimal.Decimal {
	if limit != nil && value.GreaterThan(*limit) {
		return *limit
	}
	return value
}
