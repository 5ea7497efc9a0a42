package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/promo-platform/services/bonus/internal/calc"
	"github.com/promo-platform/services/bonus/internal/domain"
)

// ActivityEvent is qualifying activity that counts towards turnover
type ActivityEvent struct {
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId"`
	TenantID      string          `json:"tenantId,omitempty"`
	WalletID      string          `json:"walletId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	Category      string          `json:"category,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt,omitempty"`
}

// ActivityResult summarises one activity event
type ActivityResult struct {
	Applied         int
	RequirementsMet []uuid.UUID
	Failed          int
}

// HandleActivity applies an activity to every accruing bonus of the user.
// A failing bonus is logged and skipped; only a failed lookup is returned,
// so a redelivered event never contributes twice to the bonuses that did
// succeed.
func (e *BonusEngine) HandleActivity(ctx context.Context, ev ActivityEvent) (ActivityResult, error) {
	var result ActivityResult
	if !ev.Amount.IsPositive() {
		return result, nil
	}
	e.touch(ctx, ev.UserID, e.eventTime(ev.OccurredAt))

	bonuses, err := e.bonuses.FindByUserID(ctx, ev.UserID, domain.BonusFilter{
		Statuses:    []domain.Status{domain.StatusActive, domain.StatusInProgress},
		HasTurnover: true,
	})
	if err != nil {
		return result, fmt.Errorf("failed to load bonuses for activity: %w", err)
	}

	now := e.now()
	for _, b := range bonuses {
		if !b.HasTurnoverRequirement() || b.IsExpired(now) {
			continue
		}
		if ev.Currency != "" && b.Currency != "" && !strings.EqualFold(ev.Currency, b.Currency) {
			continue
		}
		if ev.WalletID != "" && b.WalletID != "" && ev.WalletID != b.WalletID {
			continue
		}

		applied, met, err := e.applyTurnover(ctx, b, ev, now)
		if err != nil {
			result.Failed++
			e.logger.Error("failed to apply turnover",
				"bonus_id", b.ID,
				"user_id", b.UserID,
				"transaction_id", ev.TransactionID,
				"error", err,
			)
			continue
		}
		if applied {
			result.Applied++
		}
		if met {
			result.RequirementsMet = append(result.RequirementsMet, b.ID)
		}
	}

	return result, nil
}

// applyTurnover adds the weighted contribution with a compare-and-set on
// the previous progress, reloading and retrying on conflict
func (e *BonusEngine) applyTurnover(ctx context.Context, b *domain.UserBonus, ev ActivityEvent, now time.Time) (applied, met bool, err error) {
	t, err := e.templates.FindByID(ctx, b.TemplateID)
	if err != nil {
		return false, false, fmt.Errorf("failed to load template %s: %w", b.TemplateID, err)
	}

	rate := calc.ContributionRate(t, ev.Category)
	contribution := calc.Contribution(ev.Amount, rate)
	if !contribution.IsPositive() {
		return false, false, nil
	}

	for attempt := 0; attempt < e.cfg.TurnoverRetries; attempt++ {
		before := b.TurnoverProgress
		after := before.Add(contribution)

		status := domain.StatusInProgress
		action := domain.ActionTurnover
		if after.GreaterThanOrEqual(b.TurnoverRequired) {
			status = domain.StatusRequirementsMet
			action = domain.ActionRequirementsMet
		}
		entry := domain.HistoryEntry{
			Timestamp:     now,
			Action:        action,
			Status:        status,
			TurnoverDelta: domain.Decimal(contribution),
			Actor:         domain.ActorSystem,
		}

		err := e.bonuses.UpdateTurnover(ctx, domain.TurnoverUpdate{
			ID:               b.ID,
			ExpectedProgress: before,
			NewProgress:      after,
			NewStatus:        status,
			Entry:            entry,
		})
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			e.metrics.RecordTurnoverConflict()
			b, err = e.bonuses.FindByID(ctx, b.ID)
			if err != nil {
				return false, false, fmt.Errorf("failed to reload bonus: %w", err)
			}
			if !b.Status.In(domain.StatusActive, domain.StatusInProgress) {
				return false, false, nil
			}
			continue
		}
		if err != nil {
			return false, false, fmt.Errorf("failed to update turnover: %w", err)
		}

		previous := b.Status
		b.TurnoverProgress = after
		b.Status = status
		b.History = append(b.History, entry)

		e.saveTransaction(ctx, &domain.BonusTransaction{
			ID:                    uuid.New(),
			BonusID:               b.ID,
			UserID:                b.UserID,
			TenantID:              b.TenantID,
			Type:                  domain.TxTurnover,
			Amount:                contribution,
			Currency:              b.Currency,
			BalanceBefore:         b.CurrentValue,
			BalanceAfter:          b.CurrentValue,
			TurnoverBefore:        before,
			TurnoverAfter:         after,
			ContributionRate:      rate,
			ActivityCategory:      ev.Category,
			ExternalTransactionID: ev.TransactionID,
			CreatedAt:             now,
		})
		e.metrics.RecordContribution(ev.Category)

		// Only the crossing contribution announces the threshold
		if status == domain.StatusRequirementsMet && previous != domain.StatusRequirementsMet {
			e.metrics.RecordTransition(string(status))
			e.logger.Info("bonus turnover requirements met",
				"bonus_id", b.ID,
				"user_id", b.UserID,
				"turnover_progress", after.String(),
				"turnover_required", b.TurnoverRequired.String(),
			)
			e.publishRequirementsMet(ctx, b)
			return true, true, nil
		}
		if previous != status {
			e.metrics.RecordTransition(string(status))
		}
		return true, false, nil
	}

	return false, false, fmt.Errorf("%w: bonus %s after %d attempts", domain.ErrConcurrentUpdate, b.ID, e.cfg.TurnoverRetries)
}
