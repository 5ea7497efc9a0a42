// Package repository implements data access layer for the bonus engine
package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promo-platform/services/bonus/internal/domain"
)

// MemoryTemplateStore keeps templates in process. Used for tests and for
// the single-node storage mode.
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*domain.BonusTemplate
}

// NewMemoryTemplateStore creates store seeded with templates
func NewMemoryTemplateStore(templates ...*domain.BonusTemplate) *MemoryTemplateStore {
	s := &MemoryTemplateStore{templates: make(map[string]*domain.BonusTemplate)}
	for _, t := range templates {
		s.Put(t)
	}
	return s
}

// Put inserts or replaces a template
func (s *MemoryTemplateStore) Put(t *domain.BonusTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = cloneTemplate(t)
}

// FindActive returns active templates ordered by priority, highest first
func (s *MemoryTemplateStore) FindActive(_ context.Context) ([]*domain.BonusTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.BonusTemplate
	for _, t := range s.templates {
		if t.IsActive {
			result = append(result, cloneTemplate(t))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].Code < result[j].Code
	})
	return result, nil
}

// FindByID retrieves template by ID
func (s *MemoryTemplateStore) FindByID(_ context.Context, id string) (*domain.BonusTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, domain.ErrTemplateNotFound
	}
	return cloneTemplate(t), nil
}

// FindByCode retrieves template by code, ignoring case
func (s *MemoryTemplateStore) FindByCode(_ context.Context, code string) (*domain.BonusTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.templates {
		if strings.EqualFold(t.Code, code) {
			return cloneTemplate(t), nil
		}
	}
	return nil, domain.ErrTemplateNotFound
}

// reserveUse increments the global usage counter unless it is exhausted
func (s *MemoryTemplateStore) reserveUse(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[id]
	if !ok {
		return domain.ErrTemplateNotFound
	}
	if !t.UsesRemaining() {
		return domain.ErrUsageLimitReached
	}
	t.CurrentUsesTotal++
	return nil
}

// MemoryBonusStore keeps user bonuses in process. Reads and writes copy the
// record so callers never share state with the store.
type MemoryBonusStore struct {
	mu        sync.RWMutex
	bonuses   map[uuid.UUID]*domain.UserBonus
	templates *MemoryTemplateStore
}

// NewMemoryBonusStore creates store. When templates is not nil, Create
// reserves a use of the bonus template.
func NewMemoryBonusStore(templates *MemoryTemplateStore) *MemoryBonusStore {
	return &MemoryBonusStore{
		bonuses:   make(map[uuid.UUID]*domain.UserBonus),
		templates: templates,
	}
}

// Create inserts new bonus, rejecting a repeated claim key
func (s *MemoryBonusStore) Create(_ context.Context, bonus *domain.UserBonus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bonuses[bonus.ID]; ok {
		return fmt.Errorf("%w: bonus %s", domain.ErrDuplicateClaim, bonus.ID)
	}
	if bonus.ClaimKey != "" {
		for _, b := range s.bonuses {
			if b.UserID == bonus.UserID && b.TemplateID == bonus.TemplateID && b.ClaimKey == bonus.ClaimKey {
				return fmt.Errorf("%w: claim key %s", domain.ErrDuplicateClaim, bonus.ClaimKey)
			}
		}
	}

	if s.templates != nil {
		if err := s.templates.reserveUse(bonus.TemplateID); err != nil {
			return err
		}
	}

	s.bonuses[bonus.ID] = cloneBonus(bonus)
	return nil
}

// FindByID retrieves bonus by ID
func (s *MemoryBonusStore) FindByID(_ context.Context, id uuid.UUID) (*domain.UserBonus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bonuses[id]
	if !ok {
		return nil, domain.ErrBonusNotFound
	}
	return cloneBonus(b), nil
}

// FindByUserID retrieves bonuses of a user, most recently claimed first
func (s *MemoryBonusStore) FindByUserID(_ context.Context, userID string, filter domain.BonusFilter) ([]*domain.UserBonus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.UserBonus
	for _, b := range s.bonuses {
		if b.UserID == userID && matches(b, filter) {
			result = append(result, cloneBonus(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ClaimedAt.After(result[j].ClaimedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateStatus applies a conditional status change
func (s *MemoryBonusStore) UpdateStatus(_ context.Context, upd domain.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bonuses[upd.ID]
	if !ok {
		return domain.ErrBonusNotFound
	}
	if len(upd.From) > 0 && !b.Status.In(upd.From...) {
		return fmt.Errorf("%w: bonus %s is %s", domain.ErrInvalidStatus, b.ID, b.Status)
	}
	if upd.RequireNoTurnover && !b.TurnoverProgress.IsZero() {
		return domain.ErrTurnoverNotZero
	}
	if b.Status != upd.To && !b.Status.CanTransitionTo(upd.To) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, b.Status, upd.To)
	}

	at := upd.At
	b.Status = upd.To
	if upd.CurrentValue != nil {
		b.CurrentValue = *upd.CurrentValue
	}
	if upd.ForfeitReason != "" {
		b.ForfeitReason = upd.ForfeitReason
	}
	switch upd.To {
	case domain.StatusConverted:
		b.ConvertedAt = &at
	case domain.StatusForfeited:
		b.ForfeitedAt = &at
	case domain.StatusExpired:
		b.ExpiredAt = &at
	case domain.StatusCancelled:
		b.CancelledAt = &at
	}
	b.History = append(b.History, upd.Entry)
	return nil
}

// UpdateTurnover applies a compare-and-set on turnover progress
func (s *MemoryBonusStore) UpdateTurnover(_ context.Context, upd domain.TurnoverUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bonuses[upd.ID]
	if !ok {
		return domain.ErrBonusNotFound
	}
	if !b.Status.In(domain.StatusActive, domain.StatusInProgress) || !b.TurnoverProgress.Equal(upd.ExpectedProgress) {
		return domain.ErrConcurrentUpdate
	}

	b.TurnoverProgress = upd.NewProgress
	b.Status = upd.NewStatus
	b.History = append(b.History, upd.Entry)
	return nil
}

// FindExpiring returns live bonuses whose expiry is at or before now,
// oldest expiry first
func (s *MemoryBonusStore) FindExpiring(_ context.Context, now time.Time, limit int) ([]*domain.UserBonus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := domain.LiveStatuses()
	var result []*domain.UserBonus
	for _, b := range s.bonuses {
		if b.Status.In(live...) && b.IsExpired(now) {
			result = append(result, cloneBonus(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MemoryTransactionStore keeps bonus transactions in process
type MemoryTransactionStore struct {
	mu  sync.RWMutex
	txs []*domain.BonusTransaction
}

// NewMemoryTransactionStore creates store
func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{}
}

// Create appends a transaction
func (s *MemoryTransactionStore) Create(_ context.Context, tx *domain.BonusTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *tx
	s.txs = append(s.txs, &c)
	return nil
}

// ListByBonus returns transactions of a bonus in insertion order
func (s *MemoryTransactionStore) ListByBonus(_ context.Context, bonusID uuid.UUID) ([]*domain.BonusTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.BonusTransaction
	for _, tx := range s.txs {
		if tx.BonusID == bonusID {
			c := *tx
			result = append(result, &c)
		}
	}
	return result, nil
}

// Helper functions

func matches(b *domain.UserBonus, f domain.BonusFilter) bool {
	if len(f.Statuses) > 0 && !b.Status.In(f.Statuses...) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if b.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TemplateID != "" && b.TemplateID != f.TemplateID {
		return false
	}
	if f.ClaimKey != "" && b.ClaimKey != f.ClaimKey {
		return false
	}
	if f.ClaimedAfter != nil && !b.ClaimedAt.After(*f.ClaimedAfter) {
		return false
	}
	if f.HasTurnover && !b.HasTurnoverRequirement() {
		return false
	}
	return true
}

func cloneBonus(b *domain.UserBonus) *domain.UserBonus {
	c := *b
	c.History = append([]domain.HistoryEntry(nil), b.History...)
	if b.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(b.Metadata))
		for k, v := range b.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// cloneTemplate deep copies t. Nil maps and slices stay nil, empty ones stay empty.
func cloneTemplate(t *domain.BonusTemplate) *domain.BonusTemplate {
	c := *t

	c.SupportedCurrencies = cloneSlice(t.SupportedCurrencies)
	c.EligibleTiers = cloneSlice(t.EligibleTiers)
	c.AllowedCountries = cloneSlice(t.AllowedCountries)
	c.ExcludedCountries = cloneSlice(t.ExcludedCountries)
	c.AllowedCategories = cloneSlice(t.AllowedCategories)
	c.ExcludedBonusTypes = cloneSlice(t.ExcludedBonusTypes)
	c.RequiredActions = cloneSlice(t.RequiredActions)

	c.ActivityContributions = cloneMap(t.ActivityContributions)
	c.ComboMultipliers = cloneMap(t.ComboMultipliers)
	c.RankPrizes = cloneMap(t.RankPrizes)

	c.MaxValue = clonePtr(t.MaxValue)
	c.MinDeposit = clonePtr(t.MinDeposit)
	c.MinSelectionValue = clonePtr(t.MinSelectionValue)
	c.MaxSelectionValue = clonePtr(t.MaxSelectionValue)
	c.MinTotalValue = clonePtr(t.MinTotalValue)
	c.MaxTotalValue = clonePtr(t.MaxTotalValue)
	c.ComboMultiplier = clonePtr(t.ComboMultiplier)
	c.MinLossAmount = clonePtr(t.MinLossAmount)
	c.MinBundleAmount = clonePtr(t.MinBundleAmount)
	c.ValidFrom = clonePtr(t.ValidFrom)
	c.ValidUntil = clonePtr(t.ValidUntil)
	c.MaxUsesTotal = clonePtr(t.MaxUsesTotal)
	c.MaxUsesPerUser = clonePtr(t.MaxUsesPerUser)

	return &c
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
