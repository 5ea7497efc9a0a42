package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promo-platform/services/bonus/internal/calc"
	"github.com/promo-platform/services/bonus/internal/domain"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newBonus(userID, templateID, claimKey string, claimedAt time.Time) *domain.UserBonus {
	expires := claimedAt.AddDate(0, 0, 7)
	return &domain.UserBonus{
		ID:               uuid.New(),
		UserID:           userID,
		TemplateID:       templateID,
		Type:             domain.TypeReload,
		OriginalValue:    decimal.NewFromInt(10),
		CurrentValue:     decimal.NewFromInt(10),
		Currency:         "EUR",
		TurnoverRequired: decimal.NewFromInt(100),
		TurnoverProgress: decimal.Zero,
		Status:           domain.StatusActive,
		ClaimKey:         claimKey,
		ClaimedAt:        claimedAt,
		ExpiresAt:        &expires,
	}
}

func testTemplate(id string) *domain.BonusTemplate {
	return &domain.BonusTemplate{ID: id, Code: id, Type: domain.TypeReload, IsActive: true}
}

func TestTemplateStoreLookup(t *testing.T) {
	low := testTemplate("b")
	high := testTemplate("a")
	high.Priority = 5
	inactive := testTemplate("c")
	inactive.IsActive = false

	store := NewMemoryTemplateStore(low, high, inactive)
	ctx := context.Background()

	active, err := store.FindActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)

	// Callers get copies
	active[0].Priority = 99
	again, err := store.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5, again.Priority)

	found, err := store.FindByCode(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "b", found.ID)

	_, err = store.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)
}

func TestCreateRejectsDuplicateClaimKey(t *testing.T) {
	store := NewMemoryBonusStore(nil)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newBonus("user-1", "tpl", "deposit:1", now)))
	err := store.Create(ctx, newBonus("user-1", "tpl", "deposit:1", now))
	assert.ErrorIs(t, err, domain.ErrDuplicateClaim)

	// Other users and empty keys are independent
	require.NoError(t, store.Create(ctx, newBonus("user-2", "tpl", "deposit:1", now)))
	require.NoError(t, store.Create(ctx, newBonus("user-1", "tpl", "", now)))
	require.NoError(t, store.Create(ctx, newBonus("user-1", "tpl", "", now)))
}

func TestCreateReservesTemplateUse(t *testing.T) {
	limit := 1
	tpl := testTemplate("tpl")
	tpl.MaxUsesTotal = &limit
	templates := NewMemoryTemplateStore(tpl)
	store := NewMemoryBonusStore(templates)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newBonus("user-1", "tpl", "", now)))
	assert.ErrorIs(t, store.Create(ctx, newBonus("user-2", "tpl", "", now)), domain.ErrUsageLimitReached)
	assert.ErrorIs(t, store.Create(ctx, newBonus("user-2", "other", "", now)), domain.ErrTemplateNotFound)

	stored, err := templates.FindByID(ctx, "tpl")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentUsesTotal)
	assert.False(t, stored.UsesRemaining())
}

func TestFindByUserID(t *testing.T) {
	store := NewMemoryBonusStore(nil)
	ctx := context.Background()

	older := newBonus("user-1", "tpl-a", "", now.Add(-time.Hour))
	newer := newBonus("user-1", "tpl-b", "k", now)
	done := newBonus("user-1", "tpl-a", "", now.Add(-2*time.Hour))
	done.Status = domain.StatusConverted
	for _, b := range []*domain.UserBonus{older, newer, done, newBonus("user-2", "tpl-a", "", now)} {
		require.NoError(t, store.Create(ctx, b))
	}

	all, err := store.FindByUserID(ctx, "user-1", domain.BonusFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uuid.UUID{newer.ID, older.ID, done.ID}, []uuid.UUID{all[0].ID, all[1].ID, all[2].ID})

	live, err := store.FindByUserID(ctx, "user-1", domain.BonusFilter{Statuses: domain.LiveStatuses()})
	require.NoError(t, err)
	assert.Len(t, live, 2)

	byTemplate, err := store.FindByUserID(ctx, "user-1", domain.BonusFilter{TemplateID: "tpl-a"})
	require.NoError(t, err)
	assert.Len(t, byTemplate, 2)

	byKey, err := store.FindByUserID(ctx, "user-1", domain.BonusFilter{ClaimKey: "k"})
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, newer.ID, byKey[0].ID)

	since := now.Add(-90 * time.Minute)
	recent, err := store.FindByUserID(ctx, "user-1", domain.BonusFilter{ClaimedAfter: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, newer.ID, recent[0].ID)
}

func TestUpdateStatus(t *testing.T) {
	store := NewMemoryBonusStore(nil)
	ctx := context.Background()
	b := newBonus("user-1", "tpl", "", now)
	require.NoError(t, store.Create(ctx, b))

	zero := decimal.Zero
	err := store.UpdateStatus(ctx, domain.StatusUpdate{
		ID:    b.ID,
		From:  []domain.Status{domain.StatusRequirementsMet},
		To:    domain.StatusConverted,
		Entry: domain.HistoryEntry{Action: domain.ActionConverted},
		At:    now,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)

	err = store.UpdateStatus(ctx, domain.StatusUpdate{
		ID:   b.ID,
		From: []domain.Status{domain.StatusActive},
		To:   domain.StatusConverted,
		At:   now,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = store.UpdateStatus(ctx, domain.StatusUpdate{
		ID:            b.ID,
		From:          domain.LiveStatuses(),
		To:            domain.StatusForfeited,
		Entry:         domain.HistoryEntry{Action: domain.ActionForfeited, Status: domain.StatusForfeited},
		CurrentValue:  &zero,
		ForfeitReason: "abuse",
		At:            now,
	})
	require.NoError(t, err)

	stored, err := store.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusForfeited, stored.Status)
	assert.True(t, stored.CurrentValue.IsZero())
	assert.Equal(t, "abuse", stored.ForfeitReason)
	require.NotNil(t, stored.ForfeitedAt)
	assert.Len(t, stored.History, 1)

	assert.ErrorIs(t, store.UpdateStatus(ctx, domain.StatusUpdate{ID: uuid.New()}), domain.ErrBonusNotFound)
}

func TestUpdateStatusRequiresNoTurnover(t *testing.T) {
	store := NewMemoryBonusStore(nil)
	ctx := context.Background()
	b := newBonus("user-1", "tpl", "", now)
	b.TurnoverProgress = decimal.NewFromInt(1)
	require.NoError(t, store.Create(ctx, b))

	err := store.UpdateStatus(ctx, domain.StatusUpdate{
		ID:                b.ID,
		From:              []domain.Status{domain.StatusActive},
		To:                domain.StatusCancelled,
		RequireNoTurnover: true,
		At:                now,
	})
	assert.ErrorIs(t, err, domain.ErrTurnoverNotZero)
}

func TestUpdateTurnoverCompareAndSet(t *testing.T) {
	store := NewMemoryBonusStore(nil)
	ctx := context.Background()
	b := newBonus("user-1", "tpl", "", now)
	require.NoError(t, store.Create(ctx, b))

	upd := domain.TurnoverUpdate{
		ID:               b.ID,
		ExpectedProgress: decimal.Zero,
		NewProgress:      decimal.NewFromInt(40),
		NewStatus:        domain.StatusInProgress,
	}
	require.NoError(t, store.UpdateTurnover(ctx, upd))

	// Stale expectation loses
	assert.ErrorIs(t, store.UpdateTurnover(ctx, upd), domain.ErrConcurrentUpdate)

	upd.ExpectedProgress = decimal.NewFromInt(40)
	upd.NewProgress = decimal.NewFromInt(100)
	upd.NewStatus = domain.StatusRequirementsMet
	require.NoError(t, store.UpdateTurnover(ctx, upd))

	// No longer accruing
	upd.ExpectedProgress = decimal.NewFromInt(100)
	upd.NewProgress = decimal.NewFromInt(120)
	assert.ErrorIs(t, store.UpdateTurnover(ctx, upd), domain.ErrConcurrentUpdate)

	stored, err := store.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(stored.TurnoverProgress))
	assert.Equal(t, domain.StatusRequirementsMet, stored.Status)
}

func TestFindExpiring(t *testing.T) {
	store := NewMemoryBonusStore(nil)
	ctx := context.Background()

	first := newBonus("user-1", "tpl", "", now.AddDate(0, 0, -10))
	second := newBonus("user-2", "tpl", "", now.AddDate(0, 0, -9))
	fresh := newBonus("user-3", "tpl", "", now)
	converted := newBonus("user-4", "tpl", "", now.AddDate(0, 0, -20))
	converted.Status = domain.StatusConverted
	for _, b := range []*domain.UserBonus{second, fresh, converted, first} {
		require.NoError(t, store.Create(ctx, b))
	}

	expiring, err := store.FindExpiring(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, expiring, 2)
	assert.Equal(t, first.ID, expiring[0].ID)
	assert.Equal(t, second.ID, expiring[1].ID)

	limited, err := store.FindExpiring(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewMemoryBonusStore(nil)
	ctx := context.Background()
	b := newBonus("user-1", "tpl", "", now)
	b.Metadata = map[string]interface{}{"source": "test"}
	require.NoError(t, store.Create(ctx, b))

	b.Status = domain.StatusCancelled
	b.Metadata["source"] = "changed"

	stored, err := store.FindByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Equal(t, "test", stored.Metadata["source"])

	_, err = store.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrBonusNotFound)
}

func TestMemoryDeduper(t *testing.T) {
	d := NewMemoryDeduper(time.Hour)
	clock := now
	d.now = func() time.Time { return clock }
	ctx := context.Background()

	ok, err := d.Claim(ctx, "deposit.completed:dep-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = d.Claim(ctx, "deposit.completed:dep-1")
	assert.False(t, ok)

	require.NoError(t, d.Release(ctx, "deposit.completed:dep-1"))
	ok, _ = d.Claim(ctx, "deposit.completed:dep-1")
	assert.True(t, ok)

	clock = clock.Add(2 * time.Hour)
	ok, _ = d.Claim(ctx, "deposit.completed:dep-1")
	assert.True(t, ok)
}

func TestEmptyContributionsSurviveStorage(t *testing.T) {
	none := testTemplate("none")
	none.ActivityContributions = map[string]int{}
	full := testTemplate("full")
	ctx := context.Background()

	store := NewMemoryTemplateStore(none, full)

	got, err := store.FindByID(ctx, "none")
	require.NoError(t, err)
	require.NotNil(t, got.ActivityContributions)
	assert.Equal(t, 0, calc.ContributionRate(got, "slots"))

	got, err = store.FindByID(ctx, "full")
	require.NoError(t, err)
	assert.Nil(t, got.ActivityContributions)
	assert.Equal(t, 100, calc.ContributionRate(got, "slots"))

	// Postgres keeps templates as JSON documents
	doc, err := json.Marshal(none)
	require.NoError(t, err)
	decoded, err := templateRow{Document: doc}.decode()
	require.NoError(t, err)
	require.NotNil(t, decoded.ActivityContributions)
	assert.Equal(t, 0, calc.ContributionRate(decoded, "slots"))

	doc, err = json.Marshal(full)
	require.NoError(t, err)
	decoded, err = templateRow{Document: doc}.decode()
	require.NoError(t, err)
	assert.Nil(t, decoded.ActivityContributions)
}

func TestTemplateCopiesAreDeep(t *testing.T) {
	tpl := testTemplate("tpl")
	tpl.MaxValue = domain.Decimal(decimal.NewFromInt(100))
	tpl.ActivityContributions = map[string]int{"slots": 100}
	tpl.ExcludedCountries = []string{"GB"}
	store := NewMemoryTemplateStore(tpl)
	ctx := context.Background()

	// The caller's template is copied on the way in
	tpl.ActivityContributions["slots"] = 5

	got, err := store.FindByID(ctx, "tpl")
	require.NoError(t, err)
	*got.MaxValue = decimal.NewFromInt(1)
	got.ActivityContributions["slots"] = 0
	got.ExcludedCountries[0] = "DE"

	again, err := store.FindByID(ctx, "tpl")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(*again.MaxValue))
	assert.Equal(t, 100, again.ActivityContributions["slots"])
	assert.Equal(t, []string{"GB"}, again.ExcludedCountries)
}
