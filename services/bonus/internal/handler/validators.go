package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/promo-platform/services/bonus/internal/domain"
)

// checkUsageLimit enforces MaxUsesPerUser across every status
func checkUsageLimit(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
	if t.MaxUsesPerUser == nil {
		return "", nil
	}
	claimed, err := env.Bonuses.FindByUserID(ctx, c.UserID, domain.BonusFilter{TemplateID: t.ID})
	if err != nil {
		return "", err
	}
	if len(claimed) >= *t.MaxUsesPerUser {
		return fmt.Sprintf("bonus %s already claimed %d times", t.Code, len(claimed)), nil
	}
	return "", nil
}

// checkStacking blocks a non-stackable template while a live bonus of the
// same type exists, and any template while a live bonus of an excluded type exists.
func checkStacking(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
	if t.Stackable && len(t.ExcludedBonusTypes) == 0 {
		return "", nil
	}
	live, err := env.Bonuses.FindByUserID(ctx, c.UserID, domain.BonusFilter{Statuses: domain.LiveStatuses()})
	if err != nil {
		return "", err
	}
	for _, b := range live {
		if !t.Stackable && b.Type == t.Type {
			return fmt.Sprintf("a %s bonus is already active", t.Type), nil
		}
		for _, excluded := range t.ExcludedBonusTypes {
			if b.Type == excluded {
				return fmt.Sprintf("bonus cannot be combined with an active %s bonus", excluded), nil
			}
		}
	}
	return "", nil
}

// claimedWithKey reports whether the user already holds a bonus of the
// template with the given claim key
func claimedWithKey(ctx context.Context, env Env, t *domain.BonusTemplate, userID, key string) (bool, error) {
	found, err := env.Bonuses.FindByUserID(ctx, userID, domain.BonusFilter{
		TemplateID: t.ID,
		ClaimKey:   key,
		Limit:      1,
	})
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// claimedType reports whether the user ever claimed a bonus of type bt
func claimedType(ctx context.Context, env Env, userID string, bt domain.BonusType) (bool, error) {
	found, err := env.Bonuses.FindByUserID(ctx, userID, domain.BonusFilter{
		Types: []domain.BonusType{bt},
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// lastClaimSince returns the most recent bonus of type bt claimed after since
func lastClaimSince(ctx context.Context, env Env, userID string, bt domain.BonusType, since time.Time) (*domain.UserBonus, error) {
	found, err := env.Bonuses.FindByUserID(ctx, userID, domain.BonusFilter{
		Types:        []domain.BonusType{bt},
		ClaimedAfter: &since,
		Limit:        1,
	})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// uniqueClaim rejects a second claim of the same key
func uniqueClaim(key func(t *domain.BonusTemplate, c *domain.EligibilityContext) string, reason string) Validator {
	return func(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
		claimed, err := claimedWithKey(ctx, env, t, c.UserID, key(t, c))
		if err != nil || !claimed {
			return "", err
		}
		return reason, nil
	}
}

// oncePerType rejects users who already received any bonus of the type
func oncePerType(reason string) Validator {
	return func(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
		claimed, err := claimedType(ctx, env, c.UserID, t.Type)
		if err != nil || !claimed {
			return "", err
		}
		return reason, nil
	}
}

// cooldown rejects a claim within hours of the previous one of the same type
func cooldown(defaultHours int) Validator {
	return func(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
		hours := t.CooldownHours
		if hours <= 0 {
			hours = defaultHours
		}
		window := time.Duration(hours) * time.Hour
		last, err := lastClaimSince(ctx, env, c.UserID, t.Type, c.Now.Add(-window))
		if err != nil || last == nil {
			return "", err
		}
		next := last.ClaimedAt.Add(window)
		return fmt.Sprintf("%s bonus available again after %s", t.Type, next.UTC().Format(time.RFC3339)), nil
	}
}

// all runs validators in order and returns the first denial
func all(validators ...Validator) Validator {
	return func(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error) {
		for _, v := range validators {
			reason, err := v(ctx, env, t, c)
			if err != nil || reason != "" {
				return reason, err
			}
		}
		return "", nil
	}
}
