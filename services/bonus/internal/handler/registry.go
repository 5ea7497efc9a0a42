package handler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/promo-platform/services/bonus/internal/domain"
)

// Registry maps bonus types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.BonusType]*Handler
	env      Env
}

// NewRegistry creates a registry over env. Without handlers it registers
// the built-in set.
func NewRegistry(env Env, handlers ...*Handler) *Registry {
	if len(handlers) == 0 {
		handlers = Builtin()
	}
	r := &Registry{
		handlers: make(map[domain.BonusType]*Handler, len(handlers)),
		env:      env,
	}
	for _, h := range handlers {
		r.handlers[h.Type] = h
	}
	return r
}

// Env returns the environment handlers are evaluated in
func (r *Registry) Env() Env {
	return r.env
}

// Get returns the handler for bt
func (r *Registry) Get(bt domain.BonusType) (*Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[bt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownBonusType, bt)
	}
	return h, nil
}

// Register adds or replaces the handler of h.Type
func (r *Registry) Register(h *Handler) error {
	if h == nil || h.Type == "" {
		return fmt.Errorf("handler type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type] = h
	return nil
}

// RegisterValidator appends a runtime validator to the handler of bt.
// Evaluations already running keep the handler they started with.
func (r *Registry) RegisterValidator(bt domain.BonusType, v Validator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[bt]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownBonusType, bt)
	}
	cp := h.clone()
	cp.extra = append(cp.extra, v)
	r.handlers[bt] = cp
	return nil
}

// Types returns the registered bonus types in sorted order
func (r *Registry) Types() []domain.BonusType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]domain.BonusType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
