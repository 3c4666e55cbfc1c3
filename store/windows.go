package store

import (
	"sync"
	"time"

	"github.com/KanavDutta/seigen/core"
)

// WindowTracker holds the counting windows of every (rule, identity) pair,
// keyed by rule id and then by identity id.
type WindowTracker struct {
	mu    sync.RWMutex
	rules map[core.RuleID]*ruleWindows
}

type ruleWindows struct {
	mu      sync.Mutex
	windows map[core.IdentityID]*windowEntry
}

type windowEntry struct {
	state   *core.WindowState
	evictAt time.Time // last hit + rule window
}

// Ensure WindowTracker can be swept
var _ Sweeper = (*WindowTracker)(nil)

// NewWindowTracker creates an empty tracker.
func NewWindowTracker() *WindowTracker {
	return &WindowTracker{
		rules: make(map[core.RuleID]*ruleWindows),
	}
}

// Record counts one hit for the pair and reports whether the rule's threshold
// was reached. The window's eviction deadline is re-armed to now+rule.Window.
func (t *WindowTracker) Record(ruleID core.RuleID, identityID core.IdentityID, now time.Time, rule core.Rule) core.WindowResult {
	rw := t.forRule(ruleID)

	rw.mu.Lock()
	defer rw.mu.Unlock()

	var state *core.WindowState
	if entry, ok := rw.windows[identityID]; ok && now.Before(entry.evictAt) {
		state = entry.state
	}

	next, result := core.RecordHit(state, now, rule)
	rw.windows[identityID] = &windowEntry{
		state:   next,
		evictAt: now.Add(rule.Window),
	}

	return result
}

// Peek returns a copy of the pair's current window, if one is tracked.
func (t *WindowTracker) Peek(ruleID core.RuleID, identityID core.IdentityID) (core.WindowState, bool) {
	t.mu.RLock()
	rw, ok := t.rules[ruleID]
	t.mu.RUnlock()
	if !ok {
		return core.WindowState{}, false
	}

	rw.mu.Lock()
	defer rw.mu.Unlock()

	entry, ok := rw.windows[identityID]
	if !ok {
		return core.WindowState{}, false
	}
	return *entry.state, true
}

// Sweep drops windows nobody touched for a full rule window.
// Returns the number removed.
func (t *WindowTracker) Sweep(now time.Time) int {
	t.mu.RLock()
	all := make([]*ruleWindows, 0, len(t.rules))
	for _, rw := range t.rules {
		all = append(all, rw)
	}
	t.mu.RUnlock()

	removed := 0
	for _, rw := range all {
		rw.mu.Lock()
		for id, entry := range rw.windows {
			if !now.Before(entry.evictAt) {
				delete(rw.windows, id)
				removed++
			}
		}
		rw.mu.Unlock()
	}
	return removed
}

// Count returns the number of tracked windows across all rules.
func (t *WindowTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, rw := range t.rules {
		rw.mu.Lock()
		n += len(rw.windows)
		rw.mu.Unlock()
	}
	return n
}

func (t *WindowTracker) forRule(ruleID core.RuleID) *ruleWindows {
	t.mu.RLock()
	rw, ok := t.rules[ruleID]
	t.mu.RUnlock()
	if ok {
		return rw
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if rw, ok = t.rules[ruleID]; ok {
		return rw
	}
	rw = &ruleWindows{windows: make(map[core.IdentityID]*windowEntry)}
	t.rules[ruleID] = rw
	return rw
}
