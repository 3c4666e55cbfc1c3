package seigen

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/KanavDutta/seigen/core"
)

// Default rule installed when an engine is built without any rule.
const (
	DefaultThreshold   = 10
	DefaultWindow      = 10 * time.Second
	DefaultBanDuration = 20 * time.Second
	DefaultMessage     = "Default ratelimit"
)

// RuleSet is an ordered, append-only list of rules.
// Appends are synchronized, so rules may be added while traffic flows.
type RuleSet struct {
	mu    sync.RWMutex
	rules []core.Rule
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// Add validates and appends a rule, returning its id.
func (rs *RuleSet) Add(threshold int64, window, banDuration time.Duration, message string, predicate core.Predicate) (core.RuleID, error) {
	if threshold < 1 {
		return "", &InvalidRuleError{Field: "threshold", Reason: fmt.Sprintf("must be at least 1, got %d", threshold)}
	}
	if window < 0 {
		return "", &InvalidRuleError{Field: "window", Reason: fmt.Sprintf("cannot be negative, got %s", window)}
	}
	if banDuration < 0 {
		return "", &InvalidRuleError{Field: "ban duration", Reason: fmt.Sprintf("cannot be negative, got %s", banDuration)}
	}

	rule := core.Rule{
		ID:          core.NewRuleID(),
		Threshold:   threshold,
		Window:      window,
		BanDuration: banDuration,
		Message:     message,
		Predicate:   predicate,
	}

	rs.mu.Lock()
	rs.rules = append(rs.rules, rule)
	rs.mu.Unlock()

	return rule.ID, nil
}

// Applicable yields, in registration order, the rules whose predicate accepts
// (id, req). Predicates run lazily as the sequence is consumed, so breaking out
// early leaves later predicates unevaluated. The sequence can be ranged over
// more than once.
//
// A predicate that fails or panics is skipped and reported through onErr.
func (rs *RuleSet) Applicable(id core.IdentityView, req core.RequestView, onErr func(core.Rule, error)) iter.Seq[core.Rule] {
	return func(yield func(core.Rule) bool) {
		for _, rule := range rs.snapshot() {
			ok, err := applies(rule, id, req)
			if err != nil {
				if onErr != nil {
					onErr(rule, err)
				}
				continue
			}
			if ok && !yield(rule) {
				return
			}
		}
	}
}

// MaxWindow returns the longest window across all rules.
func (rs *RuleSet) MaxWindow() time.Duration {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var longest time.Duration
	for _, r := range rs.rules {
		if r.Window > longest {
			longest = r.Window
		}
	}
	return longest
}

// Rules returns a copy of the registered rules.
func (rs *RuleSet) Rules() []core.Rule {
	return append([]core.Rule(nil), rs.snapshot()...)
}

// Len returns the number of registered rules.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// snapshot returns the current slice header. Rules are append-only and never
// mutated in place, so the backing elements are safe to read without the lock.
func (rs *RuleSet) snapshot() []core.Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.rules[:len(rs.rules):len(rs.rules)]
}

func applies(rule core.Rule, id core.IdentityView, req core.RequestView) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = &PredicateError{RuleID: rule.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	ok, err = rule.Applies(id, req)
	if err != nil {
		return false, &PredicateError{RuleID: rule.ID, Err: err}
	}
	return ok, nil
}
