// Package service implements the bonus lifecycle engine
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/promo-platform/pkg/events"
	"github.com/promo-platform/pkg/money"
	"github.com/promo-platform/services/bonus/internal/domain"
	"github.com/promo-platform/services/bonus/internal/handler"
	"github.com/promo-platform/services/bonus/internal/metrics"
	"github.com/promo-platform/services/bonus/internal/rules"
)

// Repository interfaces for dependency injection
type TemplateStore interface {
	FindActive(ctx context.Context) ([]*domain.BonusTemplate, error)
	FindByID(ctx context.Context, id string) (*domain.BonusTemplate, error)
	FindByCode(ctx context.Context, code string) (*domain.BonusTemplate, error)
}

// UserBonusStore persists user bonuses. FindByUserID returns the most
// recently claimed bonuses first. UpdateStatus fails with ErrInvalidStatus
// when the stored status is not one of the update's From statuses.
// UpdateTurnover fails with ErrConcurrentUpdate when the stored progress
// differs from the expected one or the bonus is no longer accruing.
type UserBonusStore interface {
	Create(ctx context.Context, bonus *domain.UserBonus) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.UserBonus, error)
	FindByUserID(ctx context.Context, userID string, filter domain.BonusFilter) ([]*domain.UserBonus, error)
	UpdateStatus(ctx context.Context, upd domain.StatusUpdate) error
	UpdateTurnover(ctx context.Context, upd domain.TurnoverUpdate) error
	FindExpiring(ctx context.Context, now time.Time, limit int) ([]*domain.UserBonus, error)
}

type TransactionStore interface {
	Create(ctx context.Context, tx *domain.BonusTransaction) error
}

// Ledger is the external system of record for bonus money movements.
// Transfers are idempotent per bonus and operation.
type Ledger interface {
	RecordBonusConversionTransfer(ctx context.Context, t domain.LedgerTransfer) error
	RecordBonusForfeitTransfer(ctx context.Context, t domain.LedgerTransfer) error
}

type EventPublisher interface {
	Publish(ctx context.Context, exchange string, event *events.Event) error
}

// Deduper claims upstream event keys so redelivered events are processed once
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// ActivityTracker supplies the activity signals upstream events may omit
type ActivityTracker interface {
	RecordLogin(ctx context.Context, userID string, at time.Time) (int, error)
	Touch(ctx context.Context, userID string, at time.Time) (*time.Time, error)
}

// Config for bonus engine
type Config struct {
	ExpirationDays  int
	ExpiryBatchSize int
	TurnoverRetries int

	// Rules is the shared eligibility rule set; nil uses rules.Default()
	Rules *rules.RuleSet
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ExpirationDays:  30,
		ExpiryBatchSize: 500,
		TurnoverRetries: 3,
	}
}

// Ledger operations
const (
	opConversion = "conversion"
	opForfeit    = "forfeit"
)

// ReasonExpired is recorded on bonuses forfeited by the expiry sweep
const ReasonExpired = "expired"

// BonusEngine is the facade over handlers, persistence, ledger and events.
// It owns every UserBonus state transition.
type BonusEngine struct {
	registry     *handler.Registry
	rules        *rules.RuleSet
	templates    TemplateStore
	bonuses      UserBonusStore
	transactions TransactionStore
	ledger       Ledger
	events       EventPublisher
	deduper      Deduper
	tracker      ActivityTracker
	metrics      *metrics.Metrics
	logger       *slog.Logger
	cfg          Config
}

// NewBonusEngine creates new bonus engine. publisher, deduper and m may be nil.
func NewBonusEngine(
	templates TemplateStore,
	bonuses UserBonusStore,
	transactions TransactionStore,
	ledger Ledger,
	publisher EventPublisher,
	deduper Deduper,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg Config,
) *BonusEngine {
	if cfg.Rules == nil {
		cfg.Rules = rules.Default()
	}
	if cfg.TurnoverRetries < 1 {
		cfg.TurnoverRetries = 1
	}

	env := handler.Env{
		Rules:          cfg.Rules,
		Templates:      templates,
		Bonuses:        bonuses,
		ExpirationDays: cfg.ExpirationDays,
	}

	engine := &BonusEngine{
		registry:     handler.NewRegistry(env),
		rules:        cfg.Rules,
		templates:    templates,
		bonuses:      bonuses,
		transactions: transactions,
		ledger:       ledger,
		events:       publisher,
		deduper:      deduper,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}

	logger.Info("bonus engine initialized",
		"bonus_types", len(engine.registry.Types()),
		"rules", len(cfg.Rules.Names()),
	)

	return engine
}

// UseActivityTracker enables streak and last-activity enrichment of
// upstream events. Call before processing starts.
func (e *BonusEngine) UseActivityTracker(t ActivityTracker) {
	e.tracker = t
}

// AwardResult is the outcome of an award attempt. Bonus is nil when the
// user was not eligible.
type AwardResult struct {
	Bonus       *domain.UserBonus
	Eligibility handler.Eligibility
}

// Awarded reports whether a bonus was created
func (r *AwardResult) Awarded() bool {
	return r != nil && r.Bonus != nil
}

// CheckEligibility evaluates whether the user may receive a bonus of type bt
func (e *BonusEngine) CheckEligibility(ctx context.Context, bt domain.BonusType, c domain.EligibilityContext) (handler.Eligibility, error) {
	h, err := e.registry.Get(bt)
	if err != nil {
		return handler.Eligibility{}, err
	}
	e.prepare(&c)

	result, err := h.CheckEligibility(ctx, e.registry.Env(), &c)
	if err != nil {
		return handler.Eligibility{}, fmt.Errorf("failed to check %s eligibility: %w", bt, err)
	}
	e.metrics.RecordEligibility(string(bt), result.Eligible)
	return result, nil
}

// Award re-checks eligibility, persists the bonus and emits bonus.awarded
func (e *BonusEngine) Award(ctx context.Context, bt domain.BonusType, c domain.EligibilityContext) (*AwardResult, error) {
	// 1. Resolve handler
	h, err := e.registry.Get(bt)
	if err != nil {
		return nil, err
	}
	e.prepare(&c)

	// 2. Check eligibility and build the record
	bonus, decision, err := h.Award(ctx, e.registry.Env(), &c)
	if err != nil {
		return nil, fmt.Errorf("failed to award %s bonus: %w", bt, err)
	}
	e.metrics.RecordEligibility(string(bt), bonus != nil)
	if bonus == nil {
		e.logger.Debug("bonus not awarded",
			"type", bt,
			"user_id", c.UserID,
			"reasons", decision.Reasons,
		)
		return &AwardResult{Eligibility: decision}, nil
	}

	// 3. Persist; the store enforces claim uniqueness
	if err := e.bonuses.Create(ctx, bonus); err != nil {
		if errors.Is(err, domain.ErrDuplicateClaim) || errors.Is(err, domain.ErrUsageLimitReached) {
			e.logger.Debug("bonus claim rejected by store",
				"type", bt,
				"user_id", c.UserID,
				"claim_key", bonus.ClaimKey,
				"error", err,
			)
			reason := "bonus already claimed"
			if errors.Is(err, domain.ErrUsageLimitReached) {
				reason = "bonus usage limit reached"
			}
			return &AwardResult{Eligibility: handler.Eligibility{Reasons: []string{reason}}}, nil
		}
		return nil, fmt.Errorf("failed to save bonus: %w", err)
	}

	e.metrics.RecordAward(string(bt), bonus.Currency, bonus.OriginalValue.InexactFloat64())
	e.metrics.RecordTransition(string(bonus.Status))
	e.logger.Info("bonus awarded",
		"bonus_id", bonus.ID,
		"user_id", bonus.UserID,
		"type", bonus.Type,
		"template_id", bonus.TemplateID,
		"value", bonus.OriginalValue.String(),
		"turnover_required", bonus.TurnoverRequired.String(),
		"status", bonus.Status,
	)

	// 4. Emit
	e.publish(ctx, events.EventBonusAwarded, bonus, func(d *events.BonusData) {
		d.Amount = amountOf(bonus.OriginalValue, bonus.Currency)
		d.TurnoverRequired = bonus.TurnoverRequired.String()
		d.Metadata = bonus.Metadata
	})

	return &AwardResult{Bonus: bonus, Eligibility: decision}, nil
}

// Activate moves a pending bonus to active, or straight to requirements_met
// when it carries no turnover requirement
func (e *BonusEngine) Activate(ctx context.Context, bonusID uuid.UUID, userID string) (*domain.UserBonus, error) {
	b, err := e.load(ctx, bonusID, userID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.StatusPending {
		return nil, fmt.Errorf("%w: cannot activate %s bonus", domain.ErrInvalidStatus, b.Status)
	}
	now := e.now()
	if b.IsExpired(now) {
		return nil, fmt.Errorf("%w: bonus expired", domain.ErrInvalidStatus)
	}

	to := domain.StatusActive
	if !b.HasTurnoverRequirement() {
		to = domain.StatusRequirementsMet
	}
	entry := domain.HistoryEntry{
		Timestamp: now,
		Action:    domain.ActionActivated,
		Status:    to,
		Actor:     userID,
	}
	err = e.bonuses.UpdateStatus(ctx, domain.StatusUpdate{
		ID:    b.ID,
		From:  []domain.Status{domain.StatusPending},
		To:    to,
		Entry: entry,
		At:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to activate bonus: %w", err)
	}

	b.Status = to
	b.History = append(b.History, entry)
	e.metrics.RecordTransition(string(to))
	e.logger.Info("bonus activated", "bonus_id", b.ID, "user_id", b.UserID, "status", to)

	if to == domain.StatusRequirementsMet {
		e.publishRequirementsMet(ctx, b)
	}
	return b, nil
}

// Convert releases a bonus whose requirements are met. The ledger transfer
// happens first; on ledger failure the bonus is left untouched.
func (e *BonusEngine) Convert(ctx context.Context, bonusID uuid.UUID, userID string) (*domain.UserBonus, error) {
	b, err := e.load(ctx, bonusID, userID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.StatusRequirementsMet {
		return nil, fmt.Errorf("%w: cannot convert %s bonus", domain.ErrInvalidStatus, b.Status)
	}

	now := e.now()
	value := b.CurrentValue

	// 1. Ledger first
	transfer := e.transfer(b, value, "", fmt.Sprintf("conversion of %s bonus %s", b.Type, b.TemplateCode))
	if err := e.ledger.RecordBonusConversionTransfer(ctx, transfer); err != nil {
		return nil, e.ledgerFailed(opConversion, b, err)
	}

	// 2. Local state
	entry := domain.HistoryEntry{
		Timestamp: now,
		Action:    domain.ActionConverted,
		Status:    domain.StatusConverted,
		Amount:    domain.Decimal(value),
		Actor:     userID,
	}
	err = e.bonuses.UpdateStatus(ctx, domain.StatusUpdate{
		ID:    b.ID,
		From:  []domain.Status{domain.StatusRequirementsMet},
		To:    domain.StatusConverted,
		Entry: entry,
		At:    now,
	})
	if err != nil {
		return nil, e.commitFailed(opConversion, b, err)
	}

	b.Status = domain.StatusConverted
	b.ConvertedAt = &now
	b.History = append(b.History, entry)

	e.recordTransaction(ctx, b, domain.TxConversion, value, decimal.Zero, "")
	e.metrics.RecordTransition(string(domain.StatusConverted))
	e.logger.Info("bonus converted",
		"bonus_id", b.ID,
		"user_id", b.UserID,
		"amount", value.String(),
		"currency", b.Currency,
	)

	// 3. Emit
	e.publish(ctx, events.EventBonusConverted, b, func(d *events.BonusData) {
		d.Amount = amountOf(value, b.Currency)
	})

	return b, nil
}

// Forfeit removes the value of a live bonus, ledger first
func (e *BonusEngine) Forfeit(ctx context.Context, bonusID uuid.UUID, userID, reason string) (*domain.UserBonus, error) {
	b, err := e.load(ctx, bonusID, userID)
	if err != nil {
		return nil, err
	}
	forfeitable := []domain.Status{domain.StatusActive, domain.StatusInProgress, domain.StatusRequirementsMet}
	if !b.Status.In(forfeitable...) {
		return nil, fmt.Errorf("%w: cannot forfeit %s bonus", domain.ErrInvalidStatus, b.Status)
	}
	if reason == "" {
		reason = "forfeited"
	}

	if err := e.forfeitValue(ctx, b, forfeitable, domain.StatusForfeited, reason, userID); err != nil {
		return nil, err
	}
	return b, nil
}

// Cancel withdraws a bonus before any turnover was made. The ledger is not
// involved.
func (e *BonusEngine) Cancel(ctx context.Context, bonusID uuid.UUID, userID string) (*domain.UserBonus, error) {
	b, err := e.load(ctx, bonusID, userID)
	if err != nil {
		return nil, err
	}
	if !b.Status.In(domain.StatusPending, domain.StatusActive) {
		return nil, fmt.Errorf("%w: cannot cancel %s bonus", domain.ErrInvalidStatus, b.Status)
	}
	if !b.TurnoverProgress.IsZero() {
		return nil, domain.ErrTurnoverNotZero
	}

	now := e.now()
	entry := domain.HistoryEntry{
		Timestamp: now,
		Action:    domain.ActionCancelled,
		Status:    domain.StatusCancelled,
		Actor:     userID,
	}
	err = e.bonuses.UpdateStatus(ctx, domain.StatusUpdate{
		ID:                b.ID,
		From:              []domain.Status{domain.StatusPending, domain.StatusActive},
		To:                domain.StatusCancelled,
		Entry:             entry,
		At:                now,
		RequireNoTurnover: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel bonus: %w", err)
	}

	b.Status = domain.StatusCancelled
	b.CancelledAt = &now
	b.History = append(b.History, entry)

	e.metrics.RecordTransition(string(domain.StatusCancelled))
	e.logger.Info("bonus cancelled", "bonus_id", b.ID, "user_id", b.UserID)

	e.publish(ctx, events.EventBonusCancelled, b, func(d *events.BonusData) {
		d.Amount = amountOf(b.CurrentValue, b.Currency)
	})
	return b, nil
}

// ExpireOldBonuses forfeits every live bonus past its expiry. A failing
// bonus is logged and skipped so the rest of the batch still expires.
func (e *BonusEngine) ExpireOldBonuses(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveExpirySweep(time.Since(start)) }()

	now := e.now()
	expiring, err := e.bonuses.FindExpiring(ctx, now, e.cfg.ExpiryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load expiring bonuses: %w", err)
	}

	count := 0
	for _, b := range expiring {
		if !b.IsExpired(now) || b.Status.IsTerminal() {
			continue
		}
		if err := e.forfeitValue(ctx, b, domain.LiveStatuses(), domain.StatusExpired, ReasonExpired, domain.ActorSystem); err != nil {
			e.logger.Error("failed to expire bonus",
				"bonus_id", b.ID,
				"user_id", b.UserID,
				"error", err,
			)
			continue
		}
		count++
	}

	if count > 0 {
		e.logger.Info("expired bonuses", "count", count)
	}

	return count, nil
}

// GetBonus returns a bonus owned by userID
func (e *BonusEngine) GetBonus(ctx context.Context, bonusID uuid.UUID, userID string) (*domain.UserBonus, error) {
	return e.load(ctx, bonusID, userID)
}

// ListUserBonuses returns the user's bonuses, most recent first
func (e *BonusEngine) ListUserBonuses(ctx context.Context, userID string, filter domain.BonusFilter) ([]*domain.UserBonus, error) {
	bonuses, err := e.bonuses.FindByUserID(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list bonuses: %w", err)
	}
	return bonuses, nil
}

// RegisterHandler adds or replaces the handler of a bonus type
func (e *BonusEngine) RegisterHandler(h *handler.Handler) error {
	return e.registry.Register(h)
}

// RegisterValidator appends a runtime validator to a bonus type
func (e *BonusEngine) RegisterValidator(bt domain.BonusType, v handler.Validator) error {
	return e.registry.RegisterValidator(bt, v)
}

// SupportedTypes returns every bonus type with a registered handler
func (e *BonusEngine) SupportedTypes() []domain.BonusType {
	return e.registry.Types()
}

// Rules returns the shared rule set for runtime changes
func (e *BonusEngine) Rules() *rules.RuleSet {
	return e.rules
}

// Helper methods

// forfeitValue zeroes the bonus value, ledger first, and moves it to status to
func (e *BonusEngine) forfeitValue(ctx context.Context, b *domain.UserBonus, from []domain.Status, to domain.Status, reason, actor string) error {
	now := e.now()
	value := b.CurrentValue

	// 1. Ledger first; nothing to move for a worthless bonus
	if value.IsPositive() {
		transfer := e.transfer(b, value, reason, fmt.Sprintf("forfeit of %s bonus %s: %s", b.Type, b.TemplateCode, reason))
		if err := e.ledger.RecordBonusForfeitTransfer(ctx, transfer); err != nil {
			return e.ledgerFailed(opForfeit, b, err)
		}
	}

	// 2. Local state
	action := domain.ActionForfeited
	if to == domain.StatusExpired {
		action = domain.ActionExpired
	}
	entry := domain.HistoryEntry{
		Timestamp: now,
		Action:    action,
		Status:    to,
		Amount:    domain.Decimal(value),
		Reason:    reason,
		Actor:     actor,
	}
	zero := decimal.Zero
	err := e.bonuses.UpdateStatus(ctx, domain.StatusUpdate{
		ID:            b.ID,
		From:          from,
		To:            to,
		Entry:         entry,
		CurrentValue:  &zero,
		ForfeitReason: reason,
		At:            now,
	})
	if err != nil {
		return e.commitFailed(opForfeit, b, err)
	}

	b.Status = to
	b.CurrentValue = zero
	b.ForfeitReason = reason
	if to == domain.StatusExpired {
		b.ExpiredAt = &now
	} else {
		b.ForfeitedAt = &now
	}
	b.History = append(b.History, entry)

	e.recordTransaction(ctx, b, domain.TxForfeit, value, zero, "")
	e.metrics.RecordTransition(string(to))
	e.logger.Info("bonus forfeited",
		"bonus_id", b.ID,
		"user_id", b.UserID,
		"status", to,
		"forfeited_value", value.String(),
		"reason", reason,
	)

	// 3. Emit
	eventType := events.EventBonusForfeited
	if to == domain.StatusExpired {
		eventType = events.EventBonusExpired
	}
	e.publish(ctx, eventType, b, func(d *events.BonusData) {
		d.ForfeitedValue = amountOf(value, b.Currency)
		d.Reason = reason
	})
	return nil
}

func (e *BonusEngine) load(ctx context.Context, bonusID uuid.UUID, userID string) (*domain.UserBonus, error) {
	b, err := e.bonuses.FindByID(ctx, bonusID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, domain.ErrNotOwner
	}
	return b, nil
}

func (e *BonusEngine) transfer(b *domain.UserBonus, amount decimal.Decimal, reason, description string) domain.LedgerTransfer {
	return domain.LedgerTransfer{
		BonusID:     b.ID,
		UserID:      b.UserID,
		TenantID:    b.TenantID,
		WalletID:    b.WalletID,
		Amount:      amount,
		Currency:    b.Currency,
		Reason:      reason,
		Description: description,
	}
}

func (e *BonusEngine) ledgerFailed(op string, b *domain.UserBonus, err error) error {
	e.metrics.RecordLedgerFailure(op)
	e.logger.Error("ledger transfer failed",
		"operation", op,
		"bonus_id", b.ID,
		"user_id", b.UserID,
		"error", err,
	)
	return fmt.Errorf("%w: %s: %w", domain.ErrLedger, op, err)
}

// commitFailed handles a failed state write after a successful ledger
// transfer. The transfer is idempotent, so the caller may retry.
func (e *BonusEngine) commitFailed(op string, b *domain.UserBonus, err error) error {
	if errors.Is(err, domain.ErrInvalidStatus) {
		return fmt.Errorf("%s of bonus %s lost to a concurrent change: %w", op, b.ID, err)
	}
	e.logger.Error("bonus state not committed after ledger transfer",
		"operation", op,
		"bonus_id", b.ID,
		"user_id", b.UserID,
		"error", err,
	)
	return fmt.Errorf("failed to update bonus after %s transfer: %w", op, err)
}

func (e *BonusEngine) recordTransaction(ctx context.Context, b *domain.UserBonus, txType domain.TransactionType, amount, balanceAfter decimal.Decimal, category string) {
	if e.transactions == nil {
		return
	}
	tx := &domain.BonusTransaction{
		ID:               uuid.New(),
		BonusID:          b.ID,
		UserID:           b.UserID,
		TenantID:         b.TenantID,
		Type:             txType,
		Amount:           amount,
		Currency:         b.Currency,
		BalanceBefore:    amount,
		BalanceAfter:     balanceAfter,
		TurnoverBefore:   b.TurnoverProgress,
		TurnoverAfter:    b.TurnoverProgress,
		ActivityCategory: category,
		CreatedAt:        e.now(),
	}
	e.saveTransaction(ctx, tx)
}

func (e *BonusEngine) saveTransaction(ctx context.Context, tx *domain.BonusTransaction) {
	if e.transactions == nil {
		return
	}
	if err := e.transactions.Create(ctx, tx); err != nil {
		e.logger.Error("failed to record bonus transaction",
			"bonus_id", tx.BonusID,
			"type", tx.Type,
			"error", err,
		)
	}
}

func (e *BonusEngine) publishRequirementsMet(ctx context.Context, b *domain.UserBonus) {
	e.publish(ctx, events.EventBonusRequirementsMet, b, func(d *events.BonusData) {
		d.Amount = amountOf(b.CurrentValue, b.Currency)
		d.TurnoverRequired = b.TurnoverRequired.String()
		d.TurnoverProgress = b.TurnoverProgress.String()
	})
}

// publish emits a lifecycle event. Failures are logged, never returned.
func (e *BonusEngine) publish(ctx context.Context, eventType string, b *domain.UserBonus, fill func(*events.BonusData)) {
	if e.events == nil {
		return
	}
	data := events.BonusData{
		BonusID:      b.ID.String(),
		TenantID:     b.TenantID,
		UserID:       b.UserID,
		WalletID:     b.WalletID,
		TemplateID:   b.TemplateID,
		TemplateCode: b.TemplateCode,
		Type:         string(b.Type),
		Status:       string(b.Status),
	}
	if fill != nil {
		fill(&data)
	}

	if err := e.events.Publish(ctx, events.ExchangeBonus, events.NewBonusEvent(eventType, data)); err != nil {
		e.metrics.RecordEventFailure(eventType)
		e.logger.Warn("failed to publish bonus event",
			"event", eventType,
			"bonus_id", b.ID,
			"error", err,
		)
	}
}

func (e *BonusEngine) prepare(c *domain.EligibilityContext) {
	if c.Now.IsZero() {
		c.Now = e.now()
	}
}

func (e *BonusEngine) now() time.Time {
	if e.cfg.Clock != nil {
		return e.cfg.Clock()
	}
	return time.Now().UTC()
}

func amountOf(value decimal.Decimal, currency string) *money.Amount {
	a, err := money.FromDecimal(value, money.Currency(currency))
	if err != nil {
		return nil
	}
	return &a
}
