// Package domain contains core business entities for the Bonus Service
package domain

import "strings"

// BonusType identifies a concrete bonus type
type BonusType string

const (
	// Deposit family
	TypeFirstDeposit  BonusType = "first_deposit"
	TypeWelcome       BonusType = "welcome"
	TypeReload        BonusType = "reload"
	TypeTopUp         BonusType = "top_up"
	TypeFirstPurchase BonusType = "first_purchase"

	// Referral family
	TypeReferral   BonusType = "referral"
	TypeReferee    BonusType = "referee"
	TypeCommission BonusType = "commission"

	// Loyalty family
	TypeLoyalty     BonusType = "loyalty"
	TypeVIP         BonusType = "vip"
	TypeTierUpgrade BonusType = "tier_upgrade"
	TypeBirthday    BonusType = "birthday"
	TypeAnniversary BonusType = "anniversary"

	// Achievement family
	TypeAchievement    BonusType = "achievement"
	TypeMilestone      BonusType = "milestone"
	TypeTaskCompletion BonusType = "task_completion"

	// Activity family
	TypeStreak      BonusType = "streak"
	TypeDailyLogin  BonusType = "daily_login"
	TypeCashback    BonusType = "cashback"
	TypeConsolation BonusType = "consolation"
	TypeWinback     BonusType = "winback"
	TypeActivity    BonusType = "activity"

	// Promotional family
	TypePromoCode  BonusType = "promo_code"
	TypeFreeCredit BonusType = "free_credit"
	TypeTrial      BonusType = "trial"
	TypeSeasonal   BonusType = "seasonal"
	TypeFlash      BonusType = "flash"
	TypeCustom     BonusType = "custom"

	// Competition family
	TypeTournament  BonusType = "tournament"
	TypeLeaderboard BonusType = "leaderboard"

	// Selection family
	TypeCombo     BonusType = "combo"
	TypeSelection BonusType = "selection"
	TypeBundle    BonusType = "bundle"
)

// Family groups bonus types sharing a policy
type Family string

const (
	FamilyDeposit     Family = "deposit"
	FamilyReferral    Family = "referral"
	FamilyLoyalty     Family = "loyalty"
	FamilyAchievement Family = "achievement"
	FamilyActivity    Family = "activity"
	FamilyPromotional Family = "promotional"
	FamilyCompetition Family = "competition"
	FamilySelection   Family = "selection"
)

var families = map[BonusType]Family{
	TypeFirstDeposit:   FamilyDeposit,
	TypeWelcome:        FamilyDeposit,
	TypeReload:         FamilyDeposit,
	TypeTopUp:          FamilyDeposit,
	TypeFirstPurchase:  FamilyDeposit,
	TypeReferral:       FamilyReferral,
	TypeReferee:        FamilyReferral,
	TypeCommission:     FamilyReferral,
	TypeLoyalty:        FamilyLoyalty,
	TypeVIP:            FamilyLoyalty,
	TypeTierUpgrade:    FamilyLoyalty,
	TypeBirthday:       FamilyLoyalty,
	TypeAnniversary:    FamilyLoyalty,
	TypeAchievement:    FamilyAchievement,
	TypeMilestone:      FamilyAchievement,
	TypeTaskCompletion: FamilyAchievement,
	TypeStreak:         FamilyActivity,
	TypeDailyLogin:     FamilyActivity,
	TypeCashback:       FamilyActivity,
	TypeConsolation:    FamilyActivity,
	TypeWinback:        FamilyActivity,
	TypeActivity:       FamilyActivity,
	TypePromoCode:      FamilyPromotional,
	TypeFreeCredit:     FamilyPromotional,
	TypeTrial:          FamilyPromotional,
	TypeSeasonal:       FamilyPromotional,
	TypeFlash:          FamilyPromotional,
	TypeCustom:         FamilyPromotional,
	TypeTournament:     FamilyCompetition,
	TypeLeaderboard:    FamilyCompetition,
	TypeCombo:          FamilySelection,
	TypeSelection:      FamilySelection,
	TypeBundle:         FamilySelection,
}

// Family returns the family of a bonus type, empty for unknown types
func (t BonusType) Family() Family {
	return families[t]
}

// AllTypes returns every built-in bonus type
func AllTypes() []BonusType {
	types := make([]BonusType, 0, len(families))
	for t := range families {
		types = append(types, t)
	}
	return types
}

// ValueType selects how a template computes its monetary value
type ValueType string

const (
	ValueFixed      ValueType = "fixed"
	ValuePercentage ValueType = "percentage"
	ValueTiered     ValueType = "tiered"
	ValueDynamic    ValueType = "dynamic"
)

// KYCTier is the verification level of a user
type KYCTier string

const (
	KYCNone         KYCTier = "none"
	KYCBasic        KYCTier = "basic"
	KYCStandard     KYCTier = "standard"
	KYCEnhanced     KYCTier = "enhanced"
	KYCFull         KYCTier = "full"
	KYCProfessional KYCTier = "professional"
)

var kycOrder = map[KYCTier]int{
	KYCNone:         0,
	KYCBasic:        1,
	KYCStandard:     2,
	KYCEnhanced:     3,
	KYCFull:         4,
	KYCProfessional: 5,
}

// Level returns the ordinal of the tier; unknown and empty tiers rank as none
func (k KYCTier) Level() int {
	return kycOrder[KYCTier(strings.ToLower(string(k)))]
}

// AtLeast reports whether k ranks at or above min
func (k KYCTier) AtLeast(min KYCTier) bool {
	return k.Level() >= min.Level()
}

// ReferralSide marks which party of a referral pair is rewarded
type ReferralSide string

const (
	SideReferrer ReferralSide = "referrer"
	SideReferee  ReferralSide = "referee"
)
