// Package handler implements per-type bonus handlers and their registry
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/promo-platform/pkg/money"
	"github.com/promo-platform/services/bonus/internal/calc"
	"github.com/promo-platform/services/bonus/internal/domain"
	"github.com/promo-platform/services/bonus/internal/rules"
)

// TemplateReader resolves bonus templates
type TemplateReader interface {
	FindActive(ctx context.Context) ([]*domain.BonusTemplate, error)
	FindByID(ctx context.Context, id string) (*domain.BonusTemplate, error)
	FindByCode(ctx context.Context, code string) (*domain.BonusTemplate, error)
}

// BonusReader answers claim history questions for type-specific checks
type BonusReader interface {
	FindByUserID(ctx context.Context, userID string, filter domain.BonusFilter) ([]*domain.UserBonus, error)
}

// Env is what a handler needs from its surroundings
type Env struct {
	Rules          *rules.RuleSet
	Templates      TemplateReader
	Bonuses        BonusReader
	ExpirationDays int
}

// Validator is a type-specific check that may read persistence. It returns a
// non-empty reason when the user is not eligible.
type Validator func(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (string, error)

// Handler composes the shared rule set with type-specific hooks. Nil hooks
// fall back to the shared calculation strategy.
type Handler struct {
	Type domain.BonusType

	// Guard short-circuits before any template is evaluated
	Guard func(c *domain.EligibilityContext) string

	Validate   Validator
	Value      func(t *domain.BonusTemplate, c *domain.EligibilityContext) decimal.Decimal
	Turnover   func(t *domain.BonusTemplate, c *domain.EligibilityContext, value decimal.Decimal) decimal.Decimal
	Expiration func(t *domain.BonusTemplate, c *domain.EligibilityContext, defaultDays int) time.Time
	Metadata   func(t *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{}
	ClaimKey   func(t *domain.BonusTemplate, c *domain.EligibilityContext) string

	// TemplateCode picks the template from the context, e.g. a promo code
	TemplateCode func(c *domain.EligibilityContext) string

	extra []Validator
}

// Eligibility is the outcome of an eligibility check. Ineligibility is a
// normal business result, not an error.
type Eligibility struct {
	Eligible bool                  `json:"eligible"`
	Reasons  []string              `json:"reasons,omitempty"`
	Template *domain.BonusTemplate `json:"-"`
}

// Reason returns the reasons joined for display
func (e Eligibility) Reason() string {
	switch len(e.Reasons) {
	case 0:
		return ""
	case 1:
		return e.Reasons[0]
	}
	reason := e.Reasons[0]
	for _, r := range e.Reasons[1:] {
		reason += "; " + r
	}
	return reason
}

func ineligible(reasons ...string) Eligibility {
	return Eligibility{Eligible: false, Reasons: reasons}
}

// CheckEligibility runs the fixed skeleton: guard, template resolution,
// shared rules, shared persistence checks, then type-specific checks.
// The first eligible candidate template wins.
func (h *Handler) CheckEligibility(ctx context.Context, env Env, c *domain.EligibilityContext) (Eligibility, error) {
	if h.Guard != nil {
		if reason := h.Guard(c); reason != "" {
			return ineligible(reason), nil
		}
	}

	candidates, err := h.candidates(ctx, env, c)
	if err != nil {
		return Eligibility{}, err
	}
	if len(candidates) == 0 {
		switch {
		case c.TemplateID != "":
			return ineligible(fmt.Sprintf("bonus template %s not found", c.TemplateID)), nil
		case h.code(c) != "":
			return ineligible(fmt.Sprintf("bonus code %s not found", h.code(c))), nil
		}
		return ineligible(fmt.Sprintf("no active %s bonus available", h.Type)), nil
	}

	var reasons []string
	seen := make(map[string]bool)
	for _, t := range candidates {
		result, err := h.evaluate(ctx, env, t, c)
		if err != nil {
			return Eligibility{}, err
		}
		if result.Eligible {
			return result, nil
		}
		for _, r := range result.Reasons {
			if !seen[r] {
				seen[r] = true
				reasons = append(reasons, r)
			}
		}
	}
	return ineligible(reasons...), nil
}

func (h *Handler) evaluate(ctx context.Context, env Env, t *domain.BonusTemplate, c *domain.EligibilityContext) (Eligibility, error) {
	if t.Type != h.Type {
		return ineligible(fmt.Sprintf("bonus %s is not a %s bonus", t.Code, h.Type)), nil
	}

	ruleSet := env.Rules
	if ruleSet == nil {
		ruleSet = rules.Default()
	}
	if res := ruleSet.Evaluate(t, c); !res.Eligible {
		return ineligible(res.Reasons...), nil
	}

	checks := make([]Validator, 0, 2+len(h.extra))
	checks = append(checks, checkUsageLimit, checkStacking)
	if h.Validate != nil {
		checks = append(checks, h.Validate)
	}
	checks = append(checks, h.extra...)

	for _, check := range checks {
		reason, err := check(ctx, env, t, c)
		if err != nil {
			return Eligibility{}, fmt.Errorf("%s eligibility check: %w", h.Type, err)
		}
		if reason != "" {
			return ineligible(reason), nil
		}
	}

	return Eligibility{Eligible: true, Template: t}, nil
}

// candidates returns the explicitly requested template, or every active
// template of the handler type visible to the tenant, highest priority first.
func (h *Handler) candidates(ctx context.Context, env Env, c *domain.EligibilityContext) ([]*domain.BonusTemplate, error) {
	if c.TemplateID != "" {
		t, err := env.Templates.FindByID(ctx, c.TemplateID)
		if errors.Is(err, domain.ErrTemplateNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load template %s: %w", c.TemplateID, err)
		}
		return []*domain.BonusTemplate{t}, nil
	}

	if code := h.code(c); code != "" {
		t, err := env.Templates.FindByCode(ctx, code)
		if errors.Is(err, domain.ErrTemplateNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load template %s: %w", code, err)
		}
		return []*domain.BonusTemplate{t}, nil
	}

	active, err := env.Templates.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active templates: %w", err)
	}

	var out []*domain.BonusTemplate
	for _, t := range active {
		if t.Type != h.Type {
			continue
		}
		if t.TenantID != "" && c.TenantID != "" && t.TenantID != c.TenantID {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (h *Handler) code(c *domain.EligibilityContext) string {
	if c.TemplateCode == "" && h.TemplateCode != nil {
		return h.TemplateCode(c)
	}
	return c.TemplateCode
}

// Award checks eligibility again and builds the bonus record. The record
// is not persisted here.
func (h *Handler) Award(ctx context.Context, env Env, c *domain.EligibilityContext) (*domain.UserBonus, Eligibility, error) {
	decision, err := h.CheckEligibility(ctx, env, c)
	if err != nil || !decision.Eligible {
		return nil, decision, err
	}
	t := decision.Template

	currency := c.Currency
	if currency == "" {
		currency = t.Currency
	}

	// Values below one minor unit cannot be paid out by the ledger
	value := money.Currency(strings.ToUpper(currency)).Truncate(h.value(t, c))
	if !value.IsPositive() {
		return nil, ineligible("calculated bonus value is zero"), nil
	}
	turnover := h.turnover(t, c, value)
	expires := h.expiration(t, c, env.ExpirationDays)

	status := domain.StatusActive
	switch {
	case t.RequiresActivation:
		status = domain.StatusPending
	case !turnover.IsPositive():
		status = domain.StatusRequirementsMet
	}

	bonus := &domain.UserBonus{
		ID:               uuid.New(),
		UserID:           c.UserID,
		TenantID:         c.TenantID,
		TemplateID:       t.ID,
		TemplateCode:     t.Code,
		Type:             t.Type,
		WalletID:         c.WalletID,
		WalletCategory:   c.WalletCategory,
		OriginalValue:    value,
		CurrentValue:     value,
		Currency:         currency,
		TurnoverRequired: turnover,
		TurnoverProgress: decimal.Zero,
		Status:           status,
		ClaimedAt:        c.Now,
		ExpiresAt:        &expires,
		Metadata:         h.metadata(t, c),
		History: []domain.HistoryEntry{{
			Timestamp: c.Now,
			Action:    domain.ActionAwarded,
			Status:    status,
			Amount:    domain.Decimal(value),
			Actor:     domain.ActorSystem,
		}},
	}
	if h.ClaimKey != nil {
		bonus.ClaimKey = h.ClaimKey(t, c)
	}

	return bonus, decision, nil
}

func (h *Handler) value(t *domain.BonusTemplate, c *domain.EligibilityContext) decimal.Decimal {
	if h.Value != nil {
		return h.Value(t, c)
	}
	return calc.CalculateValue(t, c)
}

func (h *Handler) turnover(t *domain.BonusTemplate, c *domain.EligibilityContext, value decimal.Decimal) decimal.Decimal {
	if h.Turnover != nil {
		return h.Turnover(t, c, value)
	}
	return calc.CalculateTurnover(t, value)
}

func (h *Handler) expiration(t *domain.BonusTemplate, c *domain.EligibilityContext, defaultDays int) time.Time {
	if h.Expiration != nil {
		return h.Expiration(t, c, defaultDays)
	}
	return calc.CalculateExpiration(t, c.Now, defaultDays)
}

func (h *Handler) metadata(t *domain.BonusTemplate, c *domain.EligibilityContext) map[string]interface{} {
	meta := map[string]interface{}{}
	if c.TransactionID != "" {
		meta["trigger_transaction_id"] = c.TransactionID
	}
	if h.Metadata != nil {
		for k, v := range h.Metadata(t, c) {
			meta[k] = v
		}
	}
	return meta
}

// clone returns a copy safe to extend with extra validators
func (h *Handler) clone() *Handler {
	cp := *h
	cp.extra = append([]Validator(nil), h.extra...)
	return &cp
}
