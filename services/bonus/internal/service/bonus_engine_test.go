package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promo-platform/pkg/events"
	"github.com/promo-platform/pkg/money"
	"github.com/promo-platform/services/bonus/internal/activity"
	"github.com/promo-platform/services/bonus/internal/domain"
	"github.com/promo-platform/services/bonus/internal/ledger"
	"github.com/promo-platform/services/bonus/internal/repository"
	"github.com/promo-platform/services/bonus/internal/rules"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, ev *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func (p *recordingPublisher) last() *events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

type fixture struct {
	engine    *BonusEngine
	templates *repository.MemoryTemplateStore
	bonuses   *repository.MemoryBonusStore
	txs       *repository.MemoryTransactionStore
	ledger    *ledger.MemoryLedger
	events    *recordingPublisher
	now       time.Time
}

func newFixture(t *testing.T, templates ...*domain.BonusTemplate) *fixture {
	t.Helper()

	f := &fixture{
		templates: repository.NewMemoryTemplateStore(templates...),
		txs:       repository.NewMemoryTransactionStore(),
		ledger:    ledger.NewMemoryLedger(),
		events:    &recordingPublisher{},
		now:       time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
	}
	f.bonuses = repository.NewMemoryBonusStore(f.templates)

	cfg := DefaultConfig()
	cfg.Clock = func() time.Time { return f.now }

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = NewBonusEngine(f.templates, f.bonuses, f.txs, f.ledger, f.events, repository.NewMemoryDeduper(time.Hour), nil, logger, cfg)
	return f
}

func reloadTemplate() *domain.BonusTemplate {
	return &domain.BonusTemplate{
		ID:                 "tpl-reload",
		Code:               "RELOAD10",
		Type:               domain.TypeReload,
		IsActive:           true,
		ValueType:          domain.ValueFixed,
		Value:              decimal.NewFromInt(10),
		TurnoverMultiplier: decimal.NewFromInt(10),
		ExpirationDays:     7,
		Currency:           "EUR",
		Stackable:          true,
	}
}

func (f *fixture) award(t *testing.T, tx string) *domain.UserBonus {
	t.Helper()
	result, err := f.engine.Award(context.Background(), domain.TypeReload, domain.EligibilityContext{
		UserID:        "user-1",
		Currency:      "EUR",
		DepositAmount: domain.Decimal(decimal.NewFromInt(50)),
		TransactionID: tx,
	})
	require.NoError(t, err)
	require.True(t, result.Awarded(), result.Eligibility.Reason())
	return result.Bonus
}

func (f *fixture) activity(t *testing.T, tx string, amount int64) ActivityResult {
	t.Helper()
	result, err := f.engine.HandleActivity(context.Background(), ActivityEvent{
		TransactionID: tx,
		UserID:        "user-1",
		Amount:        decimal.NewFromInt(amount),
		Currency:      "EUR",
		Category:      "slots",
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) reload(t *testing.T, b *domain.UserBonus) *domain.UserBonus {
	t.Helper()
	stored, err := f.bonuses.FindByID(context.Background(), b.ID)
	require.NoError(t, err)
	return stored
}

func TestTurnoverReachesRequirement(t *testing.T) {
	f := newFixture(t, reloadTemplate())
	bonus := f.award(t, "dep-1")
	assert.Equal(t, domain.StatusActive, bonus.Status)
	assert.True(t, decimal.NewFromInt(100).Equal(bonus.TurnoverRequired))

	result := f.activity(t, "bet-1", 90)
	assert.Equal(t, 1, result.Applied)
	assert.Empty(t, result.RequirementsMet)
	stored := f.reload(t, bonus)
	assert.Equal(t, domain.StatusInProgress, stored.Status)
	assert.True(t, decimal.NewFromInt(90).Equal(stored.TurnoverProgress))

	result = f.activity(t, "bet-2", 15)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, []uuid.UUID{bonus.ID}, result.RequirementsMet)
	stored = f.reload(t, bonus)
	assert.Equal(t, domain.StatusRequirementsMet, stored.Status)
	assert.True(t, decimal.NewFromInt(105).Equal(stored.TurnoverProgress))

	// No longer accruing
	result = f.activity(t, "bet-3", 50)
	assert.Equal(t, 0, result.Applied)

	assert.Equal(t, []string{events.EventBonusAwarded, events.EventBonusRequirementsMet}, f.events.types())

	txs, err := f.txs.ListByBonus(context.Background(), bonus.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestActivityFiltering(t *testing.T) {
	tpl := reloadTemplate()
	tpl.ActivityContributions = map[string]int{"slots": 100, "table": 10}
	f := newFixture(t, tpl)
	bonus := f.award(t, "dep-1")

	res, err := f.engine.HandleActivity(context.Background(), ActivityEvent{UserID: "user-1", Amount: decimal.NewFromInt(50), Currency: "USD", Category: "slots"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)

	res, err = f.engine.HandleActivity(context.Background(), ActivityEvent{UserID: "user-1", Amount: decimal.NewFromInt(50), Currency: "EUR", Category: "live"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)

	res, err = f.engine.HandleActivity(context.Background(), ActivityEvent{UserID: "user-1", Amount: decimal.NewFromInt(50), Currency: "EUR", Category: "table"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.True(t, decimal.NewFromInt(5).Equal(f.reload(t, bonus).TurnoverProgress))

	res, err = f.engine.HandleActivity(context.Background(), ActivityEvent{UserID: "user-1", Amount: decimal.NewFromInt(-5)})
	require.NoError(t, err)
	assert.Equal(t, ActivityResult{}, res)
}

func TestConvert(t *testing.T) {
	f := newFixture(t, reloadTemplate())
	bonus := f.award(t, "dep-1")

	_, err := f.engine.Convert(context.Background(), bonus.ID, "user-1")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	f.activity(t, "bet-1", 100)

	_, err = f.engine.Convert(context.Background(), bonus.ID, "user-2")
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	converted, err := f.engine.Convert(context.Background(), bonus.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConverted, converted.Status)
	require.NotNil(t, converted.ConvertedAt)
	assert.Equal(t, 1, f.ledger.Calls())
	assert.Equal(t, int64(1000), f.ledger.Balance(ledger.WalletAccount(domain.LedgerTransfer{UserID: "user-1"}, money.Currency("EUR"))))

	last := f.events.last()
	require.NotNil(t, last)
	assert.Equal(t, events.EventBonusConverted, last.Type)
	assert.Equal(t, "10.00", last.Data["amount"])

	// Second conversion is rejected before the ledger
	_, err = f.engine.Convert(context.Background(), bonus.ID, "user-1")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
	assert.Equal(t, 1, f.ledger.Calls())
}

func TestConvertLedgerFailure(t *testing.T) {
	tpl := reloadTemplate()
	tpl.TurnoverMultiplier = decimal.Zero
	f := newFixture(t, tpl)
	bonus := f.award(t, "dep-1")
	require.Equal(t, domain.StatusRequirementsMet, bonus.Status)

	f.ledger.Fail = func(string, domain.LedgerTransfer) error { return errors.New("ledger unavailable") }

	_, err := f.engine.Convert(context.Background(), bonus.ID, "user-1")
	assert.ErrorIs(t, err, domain.ErrLedger)
	assert.Equal(t, domain.StatusRequirementsMet, f.reload(t, bonus).Status)
	assert.Equal(t, []string{events.EventBonusAwarded}, f.events.types())

	f.ledger.Fail = nil
	converted, err := f.engine.Convert(context.Background(), bonus.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConverted, converted.Status)
	assert.Equal(t, 2, f.ledger.Calls())
}

func TestForfeit(t *testing.T) {
	f := newFixture(t, reloadTemplate())
	bonus := f.award(t, "dep-1")

	forfeited, err := f.engine.Forfeit(context.Background(), bonus.ID, "user-1", "abuse")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusForfeited, forfeited.Status)
	assert.True(t, forfeited.CurrentValue.IsZero())
	assert.Equal(t, "abuse", forfeited.ForfeitReason)

	stored := f.reload(t, bonus)
	assert.Equal(t, domain.StatusForfeited, stored.Status)
	assert.True(t, stored.CurrentValue.IsZero())
	assert.True(t, decimal.NewFromInt(10).Equal(stored.OriginalValue))
	assert.Equal(t, int64(1000), f.ledger.Balance(ledger.ForfeitAccount("", money.Currency("EUR"))))

	last := f.events.last()
	assert.Equal(t, events.EventBonusForfeited, last.Type)
	assert.Equal(t, "10.00", last.Data["forfeitedValue"])
	assert.Equal(t, "abuse", last.Data["reason"])

	_, err = f.engine.Forfeit(context.Background(), bonus.ID, "user-1", "abuse")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
	assert.Equal(t, 1, f.ledger.Calls())
}

func TestExpireOldBonuses(t *testing.T) {
	f := newFixture(t, reloadTemplate())
	bonus := f.award(t, "dep-1")

	count, err := f.engine.ExpireOldBonuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	f.now = f.now.AddDate(0, 0, 8)
	count, err = f.engine.ExpireOldBonuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored := f.reload(t, bonus)
	assert.Equal(t, domain.StatusExpired, stored.Status)
	assert.True(t, stored.CurrentValue.IsZero())
	assert.Equal(t, ReasonExpired, stored.ForfeitReason)
	require.NotNil(t, stored.ExpiredAt)

	last := f.events.last()
	assert.Equal(t, events.EventBonusExpired, last.Type)
	assert.Equal(t, "10.00", last.Data["forfeitedValue"])

	count, err = f.engine.ExpireOldBonuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 1, f.ledger.Calls())
}

func TestExpirySkipsLedgerFailures(t *testing.T) {
	f := newFixture(t, reloadTemplate())
	first := f.award(t, "dep-1")
	second := f.award(t, "dep-2")

	f.ledger.Fail = func(_ string, tr domain.LedgerTransfer) error {
		if tr.BonusID == first.ID {
			return errors.New("ledger unavailable")
		}
		return nil
	}
	f.now = f.now.AddDate(0, 0, 8)

	count, err := f.engine.ExpireOldBonuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, domain.StatusActive, f.reload(t, first).Status)
	assert.Equal(t, domain.StatusExpired, f.reload(t, second).Status)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, reloadTemplate())
	played := f.award(t, "dep-1")
	f.activity(t, "bet-1", 10)

	_, err := f.engine.Cancel(context.Background(), played.ID, "user-1")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	fresh := f.award(t, "dep-2")
	cancelled, err := f.engine.Cancel(context.Background(), fresh.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.True(t, decimal.NewFromInt(10).Equal(f.reload(t, fresh).CurrentValue))
	assert.Equal(t, 0, f.ledger.Calls())
	assert.Equal(t, events.EventBonusCancelled, f.events.last().Type)

	_, err = f.engine.Cancel(context.Background(), fresh.ID, "user-1")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestActivatePending(t *testing.T) {
	tpl := reloadTemplate()
	tpl.RequiresActivation = true
	tpl.TurnoverMultiplier = decimal.Zero
	f := newFixture(t, tpl)
	bonus := f.award(t, "dep-1")
	require.Equal(t, domain.StatusPending, bonus.Status)

	// Pending bonuses do not accrue turnover
	assert.Equal(t, 0, f.activity(t, "bet-1", 100).Applied)

	activated, err := f.engine.Activate(context.Background(), bonus.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequirementsMet, activated.Status)
	assert.Equal(t, events.EventBonusRequirementsMet, f.events.last().Type)

	_, err = f.engine.Activate(context.Background(), bonus.ID, "user-1")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestAwardUsageLimit(t *testing.T) {
	limit := 1
	tpl := reloadTemplate()
	tpl.MaxUsesTotal = &limit
	f := newFixture(t, tpl)
	f.award(t, "dep-1")

	result, err := f.engine.Award(context.Background(), domain.TypeReload, domain.EligibilityContext{
		UserID:        "user-2",
		Currency:      "EUR",
		TransactionID: "dep-9",
	})
	require.NoError(t, err)
	assert.False(t, result.Awarded())
	assert.Equal(t, "bonus usage limit reached", result.Eligibility.Reason())
}

func TestAwardUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Award(context.Background(), "lottery", domain.EligibilityContext{UserID: "user-1"})
	assert.ErrorIs(t, err, domain.ErrUnknownBonusType)
}

func TestAwardSurvivesPublishFailure(t *testing.T) {
	f := newFixture(t, reloadTemplate())
	f.events.err = errors.New("broker down")

	bonus := f.award(t, "dep-1")
	assert.Equal(t, domain.StatusActive, f.reload(t, bonus).Status)
}

func TestHandleDepositWithReferral(t *testing.T) {
	referee := &domain.BonusTemplate{
		ID: "tpl-referee", Code: "FRIEND", Type: domain.TypeReferee, IsActive: true,
		ValueType: domain.ValueFixed, Value: decimal.NewFromInt(5), Currency: "EUR", Stackable: true,
	}
	referral := &domain.BonusTemplate{
		ID: "tpl-referral", Code: "REFER", Type: domain.TypeReferral, IsActive: true,
		ValueType: domain.ValueFixed, Value: decimal.NewFromInt(20), Currency: "EUR", Stackable: true,
	}
	f := newFixture(t, reloadTemplate(), referee, referral)

	created, err := f.engine.HandleDeposit(context.Background(), DepositEvent{
		TransactionID: "dep-1",
		UserID:        "user-1",
		Amount:        decimal.NewFromInt(50),
		Currency:      "EUR",
		ReferredBy:    "user-9",
	})
	require.NoError(t, err)
	require.Len(t, created, 3)

	byType := make(map[domain.BonusType]*domain.UserBonus)
	for _, b := range created {
		byType[b.Type] = b
	}
	assert.Equal(t, "user-1", byType[domain.TypeReload].UserID)
	assert.Equal(t, "user-1", byType[domain.TypeReferee].UserID)
	assert.Equal(t, "user-9", byType[domain.TypeReferral].UserID)
}

func TestHandleEvent(t *testing.T) {
	f := newFixture(t, reloadTemplate())

	deposit := events.NewEvent(events.EventDepositCompleted, "payments", "dep-1", map[string]interface{}{
		"transactionId": "dep-1",
		"userId":        "user-1",
		"amount":        "50",
		"currency":      "EUR",
	})
	require.NoError(t, f.engine.HandleEvent(context.Background(), deposit))

	bonuses, err := f.engine.ListUserBonuses(context.Background(), "user-1", domain.BonusFilter{})
	require.NoError(t, err)
	require.Len(t, bonuses, 1)

	activity := func() *events.Event {
		return events.NewEvent(events.EventActivityRecorded, "games", "bet-1", map[string]interface{}{
			"transactionId": "bet-1",
			"userId":        "user-1",
			"amount":        "40",
			"currency":      "EUR",
		})
	}
	require.NoError(t, f.engine.HandleEvent(context.Background(), activity()))
	// Redelivery under a new envelope id counts once
	require.NoError(t, f.engine.HandleEvent(context.Background(), activity()))

	stored := f.reload(t, bonuses[0])
	assert.True(t, decimal.NewFromInt(40).Equal(stored.TurnoverProgress))
}

func TestHandleEventDiscards(t *testing.T) {
	f := newFixture(t, reloadTemplate())

	unknown := events.NewEvent("wallet.created", "wallet", "w-1", nil)
	assert.ErrorIs(t, f.engine.HandleEvent(context.Background(), unknown), events.ErrDiscard)

	malformed := events.NewEvent(events.EventDepositCompleted, "payments", "dep-1", map[string]interface{}{
		"transactionId": "dep-1",
		"amount":        "lots",
	})
	assert.ErrorIs(t, f.engine.HandleEvent(context.Background(), malformed), events.ErrDiscard)

	action := events.NewEvent(events.EventActionCompleted, "activity", "a-1", map[string]interface{}{
		"action": "sneezed",
		"userId": "user-1",
	})
	assert.ErrorIs(t, f.engine.HandleEvent(context.Background(), action), events.ErrDiscard)
}

func TestRuntimeExtension(t *testing.T) {
	f := newFixture(t, reloadTemplate())
	assert.Contains(t, f.engine.SupportedTypes(), domain.TypeReload)

	require.NoError(t, f.engine.Rules().Add(blockCountry("DE")))

	result, err := f.engine.Award(context.Background(), domain.TypeReload, domain.EligibilityContext{
		UserID:        "user-1",
		Currency:      "EUR",
		Country:       "DE",
		TransactionID: "dep-1",
	})
	require.NoError(t, err)
	assert.False(t, result.Awarded())
	assert.Equal(t, "bonuses unavailable in DE", result.Eligibility.Reason())
}

func blockCountry(country string) rules.Rule {
	return rules.Rule{
		Name: "blocked_country",
		Check: func(_ *domain.BonusTemplate, c *domain.EligibilityContext) bool {
			return c.Country != country
		},
		Message: func(*domain.BonusTemplate, *domain.EligibilityContext) string {
			return "bonuses unavailable in " + country
		},
	}
}

func TestLoginStreakFromTracker(t *testing.T) {
	tpl := &domain.BonusTemplate{
		ID: "tpl-streak", Code: "STREAK", Type: domain.TypeStreak, IsActive: true,
		ValueType: domain.ValueFixed, Value: decimal.NewFromInt(10), Currency: "EUR", Stackable: true,
	}
	f := newFixture(t, tpl)
	f.engine.UseActivityTracker(activity.NewMemoryTracker())

	login := func(day int) []*domain.UserBonus {
		created, err := f.engine.HandleAction(context.Background(), ActionEvent{
			EventID:    "login-" + strconv.Itoa(day),
			Action:     ActionLogin,
			UserID:     "user-1",
			Currency:   "EUR",
			OccurredAt: f.now.AddDate(0, 0, day),
		})
		require.NoError(t, err)
		return created
	}

	assert.Empty(t, login(0))
	assert.Empty(t, login(1))

	created := login(2)
	require.Len(t, created, 1)
	assert.Equal(t, domain.TypeStreak, created[0].Type)
	assert.Equal(t, 3, created[0].Metadata["consecutive_days"])

	// Same day again: already claimed
	assert.Empty(t, login(2))
}

func TestWinbackFromTracker(t *testing.T) {
	tpl := &domain.BonusTemplate{
		ID: "tpl-winback", Code: "COMEBACK", Type: domain.TypeWinback, IsActive: true,
		ValueType: domain.ValueFixed, Value: decimal.NewFromInt(5), Currency: "EUR", Stackable: true,
	}
	f := newFixture(t, tpl)
	f.engine.UseActivityTracker(activity.NewMemoryTracker())

	_, err := f.engine.HandleActivity(context.Background(), ActivityEvent{
		TransactionID: "bet-1",
		UserID:        "user-1",
		Amount:        decimal.NewFromInt(10),
		OccurredAt:    f.now,
	})
	require.NoError(t, err)

	created, err := f.engine.HandleAction(context.Background(), ActionEvent{
		EventID:    "ret-1",
		Action:     ActionReturned,
		UserID:     "user-1",
		Currency:   "EUR",
		OccurredAt: f.now.AddDate(0, 0, 40),
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, domain.TypeWinback, created[0].Type)
}

func TestUnknownPromoCodeIsAcknowledged(t *testing.T) {
	f := newFixture(t, reloadTemplate())

	redeemed := events.NewEvent(events.EventActionCompleted, "promotions", "promo-1", map[string]interface{}{
		"eventId": "promo-1",
		"action":  ActionPromoRedeemed,
		"userId":  "user-1",
		"code":    "NOPE",
	})
	require.NoError(t, f.engine.HandleEvent(context.Background(), redeemed))

	bonuses, err := f.engine.ListUserBonuses(context.Background(), "user-1", domain.BonusFilter{})
	require.NoError(t, err)
	assert.Empty(t, bonuses)

	result, err := f.engine.Award(context.Background(), domain.TypePromoCode, domain.EligibilityContext{
		UserID:    "user-1",
		PromoCode: "NOPE",
	})
	require.NoError(t, err)
	assert.False(t, result.Awarded())
	assert.Equal(t, "bonus code NOPE not found", result.Eligibility.Reason())
}

func TestSubMinorUnitBonus(t *testing.T) {
	tpl := reloadTemplate()
	tpl.ValueType = domain.ValuePercentage
	tpl.Value = decimal.NewFromInt(10)
	f := newFixture(t, tpl)

	created, err := f.engine.HandleDeposit(context.Background(), DepositEvent{
		TransactionID: "dep-1",
		UserID:        "user-1",
		Amount:        decimal.RequireFromString("0.01"),
		Currency:      "EUR",
	})
	require.NoError(t, err)
	assert.Empty(t, created)

	// 0.019 pays out as one cent
	created, err = f.engine.HandleDeposit(context.Background(), DepositEvent{
		TransactionID: "dep-2",
		UserID:        "user-1",
		Amount:        decimal.RequireFromString("0.19"),
		Currency:      "EUR",
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.True(t, decimal.RequireFromString("0.01").Equal(created[0].OriginalValue))

	f.activity(t, "bet-1", 1)
	converted, err := f.engine.Convert(context.Background(), created[0].ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConverted, converted.Status)
	assert.Equal(t, int64(1), f.ledger.Balance(ledger.WalletAccount(domain.LedgerTransfer{UserID: "user-1"}, money.Currency("EUR"))))
	assert.Equal(t, "0.01", f.events.last().Data["amount"])
}
