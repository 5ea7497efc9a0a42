// Package rules implements the bonus eligibility rule set
package rules

import (
	"fmt"
	"sync"

	"github.com/promo-platform/services/bonus/internal/domain"
)

// Predicate decides a single rule. It must be total for any template and context.
type Predicate func(t *domain.BonusTemplate, c *domain.EligibilityContext) bool

// MessageFunc renders the denial reason of a failed rule
type MessageFunc func(t *domain.BonusTemplate, c *domain.EligibilityContext) string

// Rule is a named, stateless eligibility predicate
type Rule struct {
	Name    string
	Check   Predicate
	Message MessageFunc
}

// Result of evaluating a rule set
type Result struct {
	Eligible bool     `json:"eligible"`
	Reasons  []string `json:"reasons,omitempty"`
	Failed   []string `json:"failed_rules,omitempty"`
}

// RuleSet is an ordered list of rules. Rules can be added, replaced and
// removed by name while the engine is running.
type RuleSet struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRuleSet creates a rule set from the given rules in order
func NewRuleSet(rules ...Rule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range rules {
		rs.rules = append(rs.rules, r)
	}
	return rs
}

// Default returns a rule set holding every built-in rule
func Default() *RuleSet {
	return NewRuleSet(Builtin()...)
}

// Add appends a rule, replacing an existing rule of the same name in place
func (rs *RuleSet) Add(rule Rule) error {
	if rule.Name == "" || rule.Check == nil {
		return fmt.Errorf("rule must have a name and a predicate")
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i := range rs.rules {
		if rs.rules[i].Name == rule.Name {
			rs.rules[i] = rule
			return nil
		}
	}
	rs.rules = append(rs.rules, rule)
	return nil
}

// Remove deletes a rule by name and reports whether it existed
func (rs *RuleSet) Remove(name string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i := range rs.rules {
		if rs.rules[i].Name == name {
			rs.rules = append(rs.rules[:i:i], rs.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Names returns rule names in evaluation order
func (rs *RuleSet) Names() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	names := make([]string, len(rs.rules))
	for i, r := range rs.rules {
		names[i] = r.Name
	}
	return names
}

// Evaluate runs every rule and collects all failures. It does not stop at
// the first failing rule.
func (rs *RuleSet) Evaluate(t *domain.BonusTemplate, c *domain.EligibilityContext) Result {
	rs.mu.RLock()
	snapshot := make([]Rule, len(rs.rules))
	copy(snapshot, rs.rules)
	rs.mu.RUnlock()

	result := Result{Eligible: true}
	for _, rule := range snapshot {
		if rule.Check(t, c) {
			continue
		}
		result.Eligible = false
		result.Failed = append(result.Failed, rule.Name)
		result.Reasons = append(result.Reasons, rule.message(t, c))
	}
	return result
}

func (r Rule) message(t *domain.BonusTemplate, c *domain.EligibilityContext) string {
	if r.Message == nil {
		return fmt.Sprintf("rule %s failed", r.Name)
	}
	return r.Message(t, c)
}
