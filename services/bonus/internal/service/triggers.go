package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/promo-platform/pkg/events"
	"github.com/promo-platform/services/bonus/internal/domain"
)

// ErrUnknownAction is returned for an action event that maps to no bonus type
var ErrUnknownAction = errors.New("unknown action")

// UserProfile is the user snapshot carried by upstream events
type UserProfile struct {
	Tier             string         `json:"tier,omitempty"`
	Country          string         `json:"country,omitempty"`
	KYCTier          domain.KYCTier `json:"kycTier,omitempty"`
	IsVerified       bool           `json:"isVerified,omitempty"`
	AccountCreatedAt *time.Time     `json:"accountCreatedAt,omitempty"`
	LastActivityAt   *time.Time     `json:"lastActivityAt,omitempty"`
}

// DepositEvent is a completed deposit
type DepositEvent struct {
	TransactionID  string          `json:"transactionId"`
	UserID         string          `json:"userId"`
	TenantID       string          `json:"tenantId,omitempty"`
	WalletID       string          `json:"walletId,omitempty"`
	WalletCategory string          `json:"walletCategory,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IsFirstDeposit bool            `json:"isFirstDeposit"`
	ReferredBy     string          `json:"referredBy,omitempty"`
	Profile        UserProfile     `json:"profile"`
	OccurredAt     time.Time       `json:"occurredAt,omitempty"`
}

// PurchaseEvent is a completed purchase
type PurchaseEvent struct {
	TransactionID   string             `json:"transactionId"`
	UserID          string             `json:"userId"`
	TenantID        string             `json:"tenantId,omitempty"`
	WalletID        string             `json:"walletId,omitempty"`
	WalletCategory  string             `json:"walletCategory,omitempty"`
	Amount          decimal.Decimal    `json:"amount"`
	Currency        string             `json:"currency"`
	IsFirstPurchase bool               `json:"isFirstPurchase"`
	BundleAmount    *decimal.Decimal   `json:"bundleAmount,omitempty"`
	Selections      []domain.Selection `json:"selections,omitempty"`
	Profile         UserProfile        `json:"profile"`
	OccurredAt      time.Time          `json:"occurredAt,omitempty"`
}

// Actions carried by action events
const (
	ActionAchievementUnlocked = "achievement_unlocked"
	ActionMilestoneReached    = "milestone_reached"
	ActionTaskCompleted       = "task_completed"
	ActionLogin               = "login"
	ActionComboCompleted      = "combo_completed"
	ActionTierUpgraded        = "tier_upgraded"
	ActionPromoRedeemed       = "promo_redeemed"
	ActionCompetitionFinished = "competition_finished"
	ActionLossSettled         = "loss_settled"
	ActionReturned            = "returned"
	ActionBirthday            = "birthday"
	ActionAnniversary         = "anniversary"
)

var actionTypes = map[string][]domain.BonusType{
	ActionAchievementUnlocked: {domain.TypeAchievement},
	ActionMilestoneReached:    {domain.TypeMilestone},
	ActionTaskCompleted:       {domain.TypeTaskCompletion},
	ActionLogin:               {domain.TypeDailyLogin, domain.TypeStreak},
	ActionComboCompleted:      {domain.TypeCombo},
	ActionTierUpgraded:        {domain.TypeTierUpgrade},
	ActionPromoRedeemed:       {domain.TypePromoCode},
	ActionCompetitionFinished: {domain.TypeTournament, domain.TypeLeaderboard},
	ActionLossSettled:         {domain.TypeCashback, domain.TypeConsolation},
	ActionReturned:            {domain.TypeWinback},
	ActionBirthday:            {domain.TypeBirthday},
	ActionAnniversary:         {domain.TypeAnniversary},
}

// ActionEvent is a completed user action. BonusType, when set, restricts
// the attempt to that type.
type ActionEvent struct {
	EventID         string           `json:"eventId"`
	Action          string           `json:"action"`
	BonusType       domain.BonusType `json:"bonusType,omitempty"`
	TemplateID      string           `json:"templateId,omitempty"`
	UserID          string           `json:"userId"`
	TenantID        string           `json:"tenantId,omitempty"`
	WalletID        string           `json:"walletId,omitempty"`
	WalletCategory  string           `json:"walletCategory,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	Code            string           `json:"code,omitempty"`
	ActionIDs       []string         `json:"actionIds,omitempty"`
	ConsecutiveDays int              `json:"consecutiveDays,omitempty"`
	CompetitionID   string           `json:"competitionId,omitempty"`
	Rank            int              `json:"rank,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	LossAmount      *decimal.Decimal `json:"lossAmount,omitempty"`
	Category        string           `json:"category,omitempty"`
	Profile         UserProfile      `json:"profile"`
	OccurredAt      time.Time        `json:"occurredAt,omitempty"`
}

// HandleDeposit attempts first-deposit and reload bonuses, plus the referral
// pair when the depositor was referred. Failed attempts do not stop the others.
func (e *BonusEngine) HandleDeposit(ctx context.Context, ev DepositEvent) ([]*domain.UserBonus, error) {
	amount := ev.Amount
	c := domain.EligibilityContext{
		UserID:         ev.UserID,
		TenantID:       ev.TenantID,
		Currency:       ev.Currency,
		DepositAmount:  &amount,
		IsFirstDeposit: ev.IsFirstDeposit,
		TransactionID:  ev.TransactionID,
		WalletID:       ev.WalletID,
		WalletCategory: ev.WalletCategory,
		Now:            e.eventTime(ev.OccurredAt),
	}
	ev.Profile.apply(&c)
	e.touch(ctx, c.UserID, c.Now)

	created, err := e.awardAll(ctx, []domain.BonusType{domain.TypeFirstDeposit, domain.TypeReload}, c)
	if ev.ReferredBy == "" || ev.ReferredBy == ev.UserID {
		return created, err
	}
	errs := []error{err}

	// Referee side: the depositing user
	referee := c
	referee.ReferrerID = ev.ReferredBy
	more, err := e.awardAll(ctx, []domain.BonusType{domain.TypeReferee}, referee)
	created = append(created, more...)
	errs = append(errs, err)

	// Referrer side: no wallet or profile of the referrer is known here
	referrer := domain.EligibilityContext{
		UserID:         ev.ReferredBy,
		TenantID:       ev.TenantID,
		Currency:       ev.Currency,
		DepositAmount:  &amount,
		ReferredUserID: ev.UserID,
		TransactionID:  ev.TransactionID,
		Now:            c.Now,
	}
	more, err = e.awardAll(ctx, []domain.BonusType{domain.TypeReferral, domain.TypeCommission}, referrer)
	created = append(created, more...)
	errs = append(errs, err)

	return created, errors.Join(errs...)
}

// HandlePurchase attempts first-purchase, bundle and selection bonuses
func (e *BonusEngine) HandlePurchase(ctx context.Context, ev PurchaseEvent) ([]*domain.UserBonus, error) {
	amount := ev.Amount
	c := domain.EligibilityContext{
		UserID:          ev.UserID,
		TenantID:        ev.TenantID,
		Currency:        ev.Currency,
		PurchaseAmount:  &amount,
		BundleAmount:    ev.BundleAmount,
		IsFirstPurchase: ev.IsFirstPurchase,
		Selections:      ev.Selections,
		TransactionID:   ev.TransactionID,
		WalletID:        ev.WalletID,
		WalletCategory:  ev.WalletCategory,
		Now:             e.eventTime(ev.OccurredAt),
	}
	ev.Profile.apply(&c)
	e.touch(ctx, c.UserID, c.Now)

	types := []domain.BonusType{domain.TypeFirstPurchase}
	if ev.BundleAmount != nil {
		types = append(types, domain.TypeBundle)
	}
	if len(ev.Selections) > 0 {
		types = append(types, domain.TypeSelection)
	}
	return e.awardAll(ctx, types, c)
}

// HandleAction attempts the bonus types mapped to the action
func (e *BonusEngine) HandleAction(ctx context.Context, ev ActionEvent) ([]*domain.UserBonus, error) {
	types := actionTypes[ev.Action]
	if ev.BonusType != "" {
		types = []domain.BonusType{ev.BonusType}
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, ev.Action)
	}

	c := domain.EligibilityContext{
		UserID:           ev.UserID,
		TenantID:         ev.TenantID,
		Currency:         ev.Currency,
		TemplateID:       ev.TemplateID,
		ActivityAmount:   ev.Amount,
		ActivityCategory: ev.Category,
		LossAmount:       ev.LossAmount,
		ActionIDs:        ev.ActionIDs,
		ConsecutiveDays:  ev.ConsecutiveDays,
		AchievementCode:  ev.Code,
		PromoCode:        ev.Code,
		CompetitionID:    ev.CompetitionID,
		Rank:             ev.Rank,
		TransactionID:    ev.EventID,
		WalletID:         ev.WalletID,
		WalletCategory:   ev.WalletCategory,
		Now:              e.eventTime(ev.OccurredAt),
	}
	ev.Profile.apply(&c)
	e.enrich(ctx, ev.Action, &c)

	return e.awardAll(ctx, types, c)
}

// HandleEvent routes an upstream event to its handler. Each event is
// processed once per transaction; a failed attempt releases its claim so
// redelivery can retry.
func (e *BonusEngine) HandleEvent(ctx context.Context, ev *events.Event) error {
	switch ev.Type {
	case events.EventDepositCompleted:
		var d DepositEvent
		if err := ev.Decode(&d); err != nil {
			return fmt.Errorf("%w: %v", events.ErrDiscard, err)
		}
		return e.once(ctx, ev, d.TransactionID, func() error {
			_, err := e.HandleDeposit(ctx, d)
			return err
		})

	case events.EventPurchaseCompleted:
		var p PurchaseEvent
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", events.ErrDiscard, err)
		}
		return e.once(ctx, ev, p.TransactionID, func() error {
			_, err := e.HandlePurchase(ctx, p)
			return err
		})

	case events.EventActionCompleted:
		var a ActionEvent
		if err := ev.Decode(&a); err != nil {
			return fmt.Errorf("%w: %v", events.ErrDiscard, err)
		}
		if a.EventID == "" {
			a.EventID = ev.ID
		}
		return e.once(ctx, ev, a.EventID, func() error {
			_, err := e.HandleAction(ctx, a)
			if errors.Is(err, ErrUnknownAction) {
				return fmt.Errorf("%w: %v", events.ErrDiscard, err)
			}
			return err
		})

	case events.EventActivityRecorded:
		var a ActivityEvent
		if err := ev.Decode(&a); err != nil {
			return fmt.Errorf("%w: %v", events.ErrDiscard, err)
		}
		return e.once(ctx, ev, a.TransactionID, func() error {
			_, err := e.HandleActivity(ctx, a)
			return err
		})

	default:
		return fmt.Errorf("%w: unsupported event type %s", events.ErrDiscard, ev.Type)
	}
}

func (e *BonusEngine) once(ctx context.Context, ev *events.Event, id string, fn func() error) error {
	if e.deduper == nil {
		return fn()
	}
	if id == "" {
		id = ev.ID
	}
	key := ev.Type + ":" + id

	claimed, err := e.deduper.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to claim event %s: %w", key, err)
	}
	if !claimed {
		e.metrics.RecordDuplicateEvent()
		e.logger.Debug("duplicate event skipped", "key", key, "event_id", ev.ID)
		return nil
	}

	if err := fn(); err != nil {
		if errors.Is(err, events.ErrDiscard) {
			return err
		}
		if rerr := e.deduper.Release(ctx, key); rerr != nil {
			e.logger.Warn("failed to release event claim", "key", key, "error", rerr)
		}
		return err
	}
	return nil
}

func (e *BonusEngine) awardAll(ctx context.Context, types []domain.BonusType, c domain.EligibilityContext) ([]*domain.UserBonus, error) {
	var created []*domain.UserBonus
	var errs []error

	for _, bt := range types {
		result, err := e.Award(ctx, bt, c)
		if err != nil {
			e.logger.Error("bonus award attempt failed",
				"type", bt,
				"user_id", c.UserID,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		if result.Awarded() {
			created = append(created, result.Bonus)
		}
	}

	return created, errors.Join(errs...)
}

func (e *BonusEngine) eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return e.now()
	}
	return t.UTC()
}

// enrich fills the last activity and, for logins, the streak from the
// tracker when the event does not carry them
func (e *BonusEngine) enrich(ctx context.Context, action string, c *domain.EligibilityContext) {
	if e.tracker == nil {
		return
	}
	prev := e.touch(ctx, c.UserID, c.Now)
	if c.LastActivityAt == nil {
		c.LastActivityAt = prev
	}
	if action != ActionLogin || c.ConsecutiveDays > 0 {
		return
	}
	days, err := e.tracker.RecordLogin(ctx, c.UserID, c.Now)
	if err != nil {
		e.logger.Warn("failed to record login streak", "user_id", c.UserID, "error", err)
		return
	}
	c.ConsecutiveDays = days
}

// touch records activity at and returns the previous activity time
func (e *BonusEngine) touch(ctx context.Context, userID string, at time.Time) *time.Time {
	if e.tracker == nil {
		return nil
	}
	prev, err := e.tracker.Touch(ctx, userID, at)
	if err != nil {
		e.logger.Warn("failed to record activity", "user_id", userID, "error", err)
		return nil
	}
	return prev
}

func (p UserProfile) apply(c *domain.EligibilityContext) {
	c.Tier = p.Tier
	c.Country = p.Country
	c.KYCTier = p.KYCTier
	c.IsVerified = p.IsVerified
	c.AccountCreated = p.AccountCreatedAt
	c.LastActivityAt = p.LastActivityAt
}
