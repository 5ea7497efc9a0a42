package calc

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/promo-platform/services/bonus/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func TestCalculateValue(t *testing.T) {
	deposit := domain.Decimal(dec("2000"))

	tests := []struct {
		name string
		tpl  domain.BonusTemplate
		ctx  domain.EligibilityContext
		want string
	}{
		{
			name: "fixed",
			tpl:  domain.BonusTemplate{ValueType: domain.ValueFixed, Value: dec("25")},
			want: "25",
		},
		{
			name: "percentage capped",
			tpl:  domain.BonusTemplate{ValueType: domain.ValuePercentage, Value: dec("100"), MaxValue: domain.Decimal(dec("100"))},
			ctx:  domain.EligibilityContext{DepositAmount: deposit},
			want: "100",
		},
		{
			name: "percentage of deposit",
			tpl:  domain.BonusTemplate{ValueType: domain.ValuePercentage, Value: dec("10")},
			ctx:  domain.EligibilityContext{DepositAmount: deposit},
			want: "200",
		},
		{
			name: "percentage without base",
			tpl:  domain.BonusTemplate{ValueType: domain.ValuePercentage, Value: dec("10")},
			want: "0",
		},
		{
			name: "tiered gold",
			tpl:  domain.BonusTemplate{ValueType: domain.ValueTiered, Value: dec("10")},
			ctx:  domain.EligibilityContext{Tier: "Gold"},
			want: "15",
		},
		{
			name: "tiered unknown tier",
			tpl:  domain.BonusTemplate{ValueType: domain.ValueTiered, Value: dec("10")},
			ctx:  domain.EligibilityContext{Tier: "wood"},
			want: "10",
		},
		{
			name: "dynamic streak capped at a week",
			tpl:  domain.BonusTemplate{Type: domain.TypeStreak, ValueType: domain.ValueDynamic, Value: dec("2")},
			ctx:  domain.EligibilityContext{ConsecutiveDays: 12},
			want: "14",
		},
		{
			name: "dynamic combo",
			tpl: domain.BonusTemplate{
				Type:            domain.TypeCombo,
				ValueType:       domain.ValueDynamic,
				Value:           dec("10"),
				MinSelections:   2,
				ComboMultiplier: domain.Decimal(dec("2")),
			},
			ctx: domain.EligibilityContext{Selections: make([]domain.Selection, 4)},
			want: "40",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertDecimal(t, tt.want, CalculateValue(&tt.tpl, &tt.ctx))
		})
	}
}

func TestCalculateTurnover(t *testing.T) {
	tpl := &domain.BonusTemplate{TurnoverMultiplier: dec("35")}
	assertDecimal(t, "3500", CalculateTurnover(tpl, dec("100")))

	assert.True(t, CalculateTurnover(&domain.BonusTemplate{}, dec("100")).IsZero())
}

func TestCalculateExpiration(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, now.AddDate(0, 0, 7), CalculateExpiration(&domain.BonusTemplate{ExpirationDays: 7}, now, 30))
	assert.Equal(t, now.AddDate(0, 0, 30), CalculateExpiration(&domain.BonusTemplate{}, now, 30))
	assert.Equal(t, now.AddDate(0, 0, DefaultExpirationDays), CalculateExpiration(&domain.BonusTemplate{}, now, 0))

	until := now.AddDate(0, 0, 3)
	assert.Equal(t, until, CalculateExpiration(&domain.BonusTemplate{ValidUntil: &until}, now, 30))
}

func TestContributionRate(t *testing.T) {
	open := &domain.BonusTemplate{}
	assert.Equal(t, 100, ContributionRate(open, "slots"))
	assert.Equal(t, 100, ContributionRate(open, ""))

	mapped := &domain.BonusTemplate{ActivityContributions: map[string]int{"slots": 100, "table": 10}}
	assert.Equal(t, 10, ContributionRate(mapped, "table"))
	assert.Equal(t, 0, ContributionRate(mapped, "live"))
}

func TestContributionFloors(t *testing.T) {
	assertDecimal(t, "15", Contribution(dec("15"), 100))
	assertDecimal(t, "1", Contribution(dec("15"), 10))
	assertDecimal(t, "0", Contribution(dec("9.99"), 10))
}

func TestCap(t *testing.T) {
	assertDecimal(t, "50", Cap(dec("50"), nil))
	assertDecimal(t, "20", Cap(dec("50"), domain.Decimal(dec("20"))))
	assertDecimal(t, "10", Cap(dec("10"), domain.Decimal(dec("20"))))
}
