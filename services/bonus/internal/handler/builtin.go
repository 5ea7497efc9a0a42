package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/promo-platform/services/bonus/internal/calc"
	"github.com/promo-platform/services/bonus/internal/domain"
	"github.com/promo-platform/services/bonus/internal/rules"
)

// Policy defaults
const (
	DefaultMinStreakDays       = 3
	DefaultConsolationCooldown = 24
	DefaultInactivityDays      = 30
	WinbackLookbackDays        = 30
	TrialExpirationDays        = 7
)

// DefaultComboMultipliers maps the number of completed actions to a value multiplier
var DefaultComboMultipliers = map[int]decimal.Decimal{
	2: decimal.NewFromFloat(1.0),
	3: decimal.NewFromFloat(1.5),
	4: decimal.NewFromFloat(2.0),
	5: decimal.NewFromFloat(3.0),
}

type keyFunc = func(t *domain.BonusTemplate, c *domain.EligibilityContext) string

func staticKey(key string) keyFunc {
	return func(*domain.BonusTemplate, *domain.EligibilityContext) string { return key }
}

func dayKey(prefix string) keyFunc {
	return func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
		return prefix + ":" + c.Now.UTC().Format("2006-01-02")
	}
}

func yearKey(prefix string) keyFunc {
	return func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
		return fmt.Sprintf("%s:%d", prefix, c.Now.UTC().Year())
	}
}

func weekKey(prefix string) keyFunc {
	return func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
		year, week := c.Now.UTC().ISOWeek()
		return fmt.Sprintf("%s:%d-W%02d", prefix, year, week)
	}
}

func transactionKey(prefix string) keyFunc {
	return func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
		if c.TransactionID == "" {
			return ""
		}
		return prefix + ":" + c.TransactionID
	}
}

func required(field, value string) string {
	if strings.TrimSpace(value) == "" {
		return field + " required"
	}
	return ""
}

// Builtin returns a handler for every built-in bonus type
func Builtin() []*Handler {
	var hs []*Handler
	hs = append(hs, depositHandlers()...)
	hs = append(hs, referralHandlers()...)
	hs = append(hs, loyaltyHandlers()...)
	hs = append(hs, achievementHandlers()...)
	hs = append(hs, activityHandlers()...)
	hs = append(hs, promotionalHandlers()...)
	hs = append(hs, competitionHandlers()...)
	hs = append(hs, selectionHandlers()...)
	return hs
}

func depositHandlers() []*Handler {
	firstDeposit := func(bt domain.BonusType) *Handler {
		return &Handler{
			Type:     bt,
			Validate: oncePerType("first deposit bonus already claimed"),
			ClaimKey: staticKey("first_deposit"),
		}
	}
	reload := func(bt domain.BonusType) *Handler {
		key := transactionKey("deposit")
		return &Handler{
			Type: bt,
			Validate: func(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
				if c.TransactionID == "" {
					return "", nil
				}
				return uniqueClaim(key, "bonus already awarded for this deposit")(ctx, env, t, c)
			},
			ClaimKey: key,
		}
	}

	return []*Handler{
		firstDeposit(domain.TypeFirstDeposit),
		firstDeposit(domain.TypeWelcome),
		reload(domain.TypeReload),
		reload(domain.TypeTopUp),
		{
			Type:     domain.TypeFirstPurchase,
			Validate: oncePerType("first purchase bonus already claimed"),
			Value: func(t *domain.BonusTemplate, c *domain.EligibilityContext) decimal.Decimal {
				if t.ValueType != domain.ValuePercentage || c.PurchaseAmount == nil {
					return calc.CalculateValue(t, c)
				}
				return calc.Cap(calc.Percent(*c.PurchaseAmount, t.Value), t.MaxValue)
			},
			ClaimKey: staticKey("first_purchase"),
		},
	}
}

func referralHandlers() []*Handler {
	referrerKey := func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
		return "referrer:" + c.ReferredUserID
	}
	refereeKey := staticKey("referee")

	return []*Handler{
		{
			Type:  domain.TypeReferral,
			Guard: func(c *domain.EligibilityContext) string { return required("referred user", c.ReferredUserID) },
			Validate: all(
				notSelfReferral,
				uniqueClaim(referrerKey, "referral bonus already awarded for this user"),
			),
			ClaimKey: referrerKey,
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"referral_side": domain.SideReferrer, "referred_user_id": c.ReferredUserID}
			},
		},
		{
			Type:  domain.TypeReferee,
			Guard: func(c *domain.EligibilityContext) string { return required("referrer", c.ReferrerID) },
			Validate: all(
				notSelfReferral,
				oncePerType("referee bonus already claimed"),
			),
			ClaimKey: refereeKey,
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"referral_side": domain.SideReferee, "referrer_id": c.ReferrerID}
			},
		},
		{
			Type: domain.TypeCommission,
			Guard: func(c *domain.EligibilityContext) string {
				if reason := required("referred user", c.ReferredUserID); reason != "" {
					return reason
				}
				if c.ActivityAmount == nil && c.DepositAmount == nil {
					return "qualifying amount required"
				}
				return ""
			},
			Validate: notSelfReferral,
			ClaimKey: transactionKey("commission"),
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"referral_side": domain.SideReferrer, "referred_user_id": c.ReferredUserID}
			},
		},
	}
}

func notSelfReferral(_ context.Context, _ Env, _ *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
	if c.ReferredUserID == c.UserID || c.ReferrerID == c.UserID {
		return "self-referral is not allowed", nil
	}
	return "", nil
}

func loyaltyHandlers() []*Handler {
	tierKey := func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
		return "tier:" + strings.ToLower(c.Tier)
	}
	birthdayKey := yearKey("birthday")
	anniversaryKey := yearKey("anniversary")
	loyaltyKey := weekKey("loyalty")

	return []*Handler{
		{
			Type:     domain.TypeLoyalty,
			Validate: uniqueClaim(loyaltyKey, "loyalty bonus already claimed this week"),
			ClaimKey: loyaltyKey,
		},
		{Type: domain.TypeVIP},
		{
			Type:     domain.TypeTierUpgrade,
			Guard:    func(c *domain.EligibilityContext) string { return required("tier", c.Tier) },
			Validate: uniqueClaim(tierKey, "tier upgrade bonus already claimed for this tier"),
			ClaimKey: tierKey,
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"tier": c.Tier}
			},
		},
		{
			Type:     domain.TypeBirthday,
			Validate: uniqueClaim(birthdayKey, "birthday bonus already claimed this year"),
			ClaimKey: birthdayKey,
		},
		{
			Type: domain.TypeAnniversary,
			Validate: all(
				func(_ context.Context, _ Env, _ *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
					if c.AccountAgeDays() < 365 {
						return "account anniversary not reached", nil
					}
					return "", nil
				},
				uniqueClaim(anniversaryKey, "anniversary bonus already claimed this year"),
			),
			ClaimKey: anniversaryKey,
		},
	}
}

func achievementHandlers() []*Handler {
	coded := func(bt domain.BonusType, label, prefix string) *Handler {
		key := func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
			return prefix + ":" + c.AchievementCode
		}
		return &Handler{
			Type:     bt,
			Guard:    func(c *domain.EligibilityContext) string { return required(label+" code", c.AchievementCode) },
			Validate: uniqueClaim(key, label+" already claimed"),
			ClaimKey: key,
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"achievement_code": c.AchievementCode}
			},
		}
	}
	return []*Handler{
		coded(domain.TypeAchievement, "achievement", "achievement"),
		coded(domain.TypeMilestone, "milestone", "milestone"),
		coded(domain.TypeTaskCompletion, "task", "task"),
	}
}

// StreakMultiplier steps the streak value at 7, 14 and 30 days
func StreakMultiplier(days int) decimal.Decimal {
	switch {
	case days >= 30:
		return decimal.NewFromInt(3)
	case days >= 14:
		return decimal.NewFromInt(2)
	case days >= 7:
		return decimal.NewFromFloat(1.5)
	default:
		return decimal.NewFromInt(1)
	}
}

func lossPercent(t *domain.BonusTemplate, c *domain.EligibilityContext) decimal.Decimal {
	if c.LossAmount == nil {
		return decimal.Zero
	}
	if t.ValueType == domain.ValueFixed {
		return calc.Cap(t.Value, t.MaxValue)
	}
	return calc.Cap(calc.Percent(*c.LossAmount, t.Value), t.MaxValue)
}

func activityHandlers() []*Handler {
	streakKey := dayKey("streak")
	loginKey := dayKey("login")
	cashbackKey := weekKey("cashback")

	return []*Handler{
		{
			Type: domain.TypeStreak,
			Validate: func(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
				minDays := t.MinStreakDays
				if minDays <= 0 {
					minDays = DefaultMinStreakDays
				}
				if c.ConsecutiveDays < minDays {
					return fmt.Sprintf("streak of %d days required, current streak is %d", minDays, c.ConsecutiveDays), nil
				}
				return uniqueClaim(streakKey, "streak bonus already claimed today")(ctx, env, t, c)
			},
			Value: func(t *domain.BonusTemplate, c *domain.EligibilityContext) decimal.Decimal {
				if t.ValueType == domain.ValueDynamic {
					return calc.CalculateValue(t, c)
				}
				return calc.Cap(calc.CalculateValue(t, c).Mul(StreakMultiplier(c.ConsecutiveDays)), t.MaxValue)
			},
			ClaimKey: streakKey,
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"consecutive_days": c.ConsecutiveDays}
			},
		},
		{
			Type:     domain.TypeDailyLogin,
			Validate: uniqueClaim(loginKey, "daily login bonus already claimed today"),
			ClaimKey: loginKey,
		},
		{
			Type: domain.TypeCashback,
			Guard: func(c *domain.EligibilityContext) string {
				if c.LossAmount == nil || !c.LossAmount.IsPositive() {
					return "no qualifying losses"
				}
				return ""
			},
			Validate: uniqueClaim(cashbackKey, "cashback already claimed this week"),
			Value:    lossPercent,
			ClaimKey: cashbackKey,
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"loss_amount": c.LossAmount.String()}
			},
		},
		{
			Type: domain.TypeConsolation,
			Guard: func(c *domain.EligibilityContext) string {
				if c.LossAmount == nil {
					return "loss amount required"
				}
				return ""
			},
			Validate: all(
				func(_ context.Context, _ Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
					if t.MinLossAmount != nil && c.LossAmount.LessThan(*t.MinLossAmount) {
						return fmt.Sprintf("minimum loss of %s required", t.MinLossAmount.String()), nil
					}
					if !c.LossAmount.IsPositive() {
						return "no qualifying losses", nil
					}
					return "", nil
				},
				cooldown(DefaultConsolationCooldown),
			),
			Value: lossPercent,
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"loss_amount": c.LossAmount.String()}
			},
		},
		{
			Type: domain.TypeWinback,
			Validate: func(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
				if c.LastActivityAt == nil {
					return "last activity unknown", nil
				}
				days := t.InactivityDays
				if days <= 0 {
					days = DefaultInactivityDays
				}
				inactive := int(c.Now.Sub(*c.LastActivityAt).Hours() / 24)
				if inactive < days {
					return fmt.Sprintf("inactivity of %d days required, user inactive for %d", days, inactive), nil
				}
				last, err := lastClaimSince(ctx, env, c.UserID, domain.TypeWinback, c.Now.AddDate(0, 0, -WinbackLookbackDays))
				if err != nil {
					return "", err
				}
				if last != nil {
					return fmt.Sprintf("winback bonus already claimed in the last %d days", WinbackLookbackDays), nil
				}
				return "", nil
			},
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"last_activity_at": c.LastActivityAt.UTC().Format(time.RFC3339)}
			},
		},
		{Type: domain.TypeActivity},
	}
}

func promotionalHandlers() []*Handler {
	promoKey := func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
		return "promo:" + strings.ToUpper(c.PromoCode)
	}

	return []*Handler{
		{
			Type:         domain.TypePromoCode,
			Guard:        func(c *domain.EligibilityContext) string { return required("promo code", c.PromoCode) },
			TemplateCode: func(c *domain.EligibilityContext) string { return c.PromoCode },
			Validate:     uniqueClaim(promoKey, "promo code already used"),
			ClaimKey:     promoKey,
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"promo_code": c.PromoCode}
			},
		},
		{
			// One claim per cooldown window, or one per lifetime without a window
			Type: domain.TypeFreeCredit,
			Validate: func(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
				if t.CooldownHours > 0 {
					return cooldown(t.CooldownHours)(ctx, env, t, c)
				}
				return oncePerType("free credit already claimed")(ctx, env, t, c)
			},
		},
		{
			Type:     domain.TypeTrial,
			Validate: oncePerType("trial bonus already claimed"),
			ClaimKey: staticKey("trial"),
			Expiration: func(t *domain.BonusTemplate, c *domain.EligibilityContext, _ int) time.Time {
				return calc.CalculateExpiration(t, c.Now, TrialExpirationDays)
			},
		},
		{Type: domain.TypeSeasonal},
		{Type: domain.TypeFlash},
		{Type: domain.TypeCustom},
	}
}

func competitionHandlers() []*Handler {
	key := func(_ *domain.BonusTemplate, c *domain.EligibilityContext) string {
		return "competition:" + c.CompetitionID
	}
	competition := func(bt domain.BonusType) *Handler {
		return &Handler{
			Type: bt,
			Guard: func(c *domain.EligibilityContext) string {
				if reason := required("competition", c.CompetitionID); reason != "" {
					return reason
				}
				if c.Rank <= 0 {
					return "final rank required"
				}
				return ""
			},
			Validate: uniqueClaim(key, "prize already awarded for this competition"),
			Value: func(t *domain.BonusTemplate, c *domain.EligibilityContext) decimal.Decimal {
				if t.RankPrizes == nil {
					return calc.CalculateValue(t, c)
				}
				return calc.Cap(t.RankPrizes[c.Rank], t.MaxValue)
			},
			ClaimKey: key,
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{"competition_id": c.CompetitionID, "rank": c.Rank}
			},
		}
	}
	return []*Handler{
		competition(domain.TypeTournament),
		competition(domain.TypeLeaderboard),
	}
}

// ComboMultiplier returns the multiplier for length completed actions. Lengths
// above the largest key use the largest key; lengths below the smallest use 1.
func ComboMultiplier(table map[int]decimal.Decimal, length int) decimal.Decimal {
	if len(table) == 0 {
		table = DefaultComboMultipliers
	}
	keys := make([]int, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	multiplier := decimal.NewFromInt(1)
	for _, k := range keys {
		if length >= k {
			multiplier = table[k]
		}
	}
	return multiplier
}

func selectionIDs(c *domain.EligibilityContext) []string {
	ids := make([]string, len(c.Selections))
	for i, s := range c.Selections {
		ids[i] = s.ID
	}
	return ids
}

func selectionHandlers() []*Handler {
	return []*Handler{
		{
			Type: domain.TypeCombo,
			Validate: func(_ context.Context, _ Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
				if len(t.RequiredActions) == 0 {
					return "", nil
				}
				done := make(map[string]bool, len(c.ActionIDs))
				for _, id := range c.ActionIDs {
					done[id] = true
				}
				var missing []string
				for _, id := range t.RequiredActions {
					if !done[id] {
						missing = append(missing, id)
					}
				}
				if len(missing) > 0 {
					return "missing required actions: " + strings.Join(missing, ", "), nil
				}
				return "", nil
			},
			Value: func(t *domain.BonusTemplate, c *domain.EligibilityContext) decimal.Decimal {
				if t.ValueType == domain.ValueDynamic || len(c.ActionIDs) == 0 {
					return calc.CalculateValue(t, c)
				}
				value := calc.CalculateValue(t, c).Mul(ComboMultiplier(t.ComboMultipliers, len(c.ActionIDs)))
				return calc.Cap(value, t.MaxValue)
			},
			Metadata: func(t *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				length := len(c.ActionIDs)
				if length == 0 {
					length = len(c.Selections)
				}
				return map[string]interface{}{
					"action_ids":    c.ActionIDs,
					"selection_ids": selectionIDs(c),
					"combo_length":  length,
				}
			},
		},
		{
			Type: domain.TypeSelection,
			Metadata: func(t *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{
					"selection_ids":   selectionIDs(c),
					"selection_total": rules.SelectionTotal(t.Type, c.Selections).String(),
				}
			},
		},
		{
			Type: domain.TypeBundle,
			Guard: func(c *domain.EligibilityContext) string {
				if c.BundleAmount == nil {
					return "bundle amount required"
				}
				return ""
			},
			Validate: func(_ context.Context, _ Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
				if t.MinBundleAmount != nil && c.BundleAmount.LessThan(*t.MinBundleAmount) {
					return fmt.Sprintf("minimum bundle of %s required", t.MinBundleAmount.String()), nil
				}
				return "", nil
			},
			Value: func(t *domain.BonusTemplate, c *domain.EligibilityContext) decimal.Decimal {
				if t.ValueType == domain.ValueFixed {
					return calc.Cap(t.Value, t.MaxValue)
				}
				return calc.Cap(calc.Percent(*c.BundleAmount, t.Value), t.MaxValue)
			},
			Metadata: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
				return map[string]interface{}{
					"bundle_amount": c.BundleAmount.String(),
					"selection_ids": selectionIDs(c),
				}
			},
		},
	}
}
