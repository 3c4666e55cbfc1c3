package seigen

import (
	"fmt"
	"time"

	"github.com/KanavDutta/seigen/core"
	"github.com/KanavDutta/seigen/store"
)

// EmptyKeyPolicy controls what happens to requests without a client key.
type EmptyKeyPolicy int

const (
	// EmptyKeyShared puts all keyless traffic into one shared identity.
	EmptyKeyShared EmptyKeyPolicy = iota

	// EmptyKeyReject makes Evaluate fail with ErrInvalidKey.
	EmptyKeyReject
)

// FallbackKey is the identity keyless requests share under EmptyKeyShared.
const FallbackKey = "anonymous"

// keylessPrefix namespaces the shared keyless identity so that a client whose
// real key equals the fallback key is still a separate identity.
const keylessPrefix = "\x00keyless:"

// RuleSpec describes a rule before registration.
type RuleSpec struct {
	Threshold   int64
	Window      time.Duration
	BanDuration time.Duration
	Message     string
	Predicate   core.Predicate
}

// Engine makes admit/deny decisions. Each engine owns its own identities and
// windows; several engines can run side by side.
type Engine struct {
	rules      *RuleSet
	identities *store.IdentityStore
	windows    *store.WindowTracker
	observer   Observer
	clock      func() time.Time

	emptyKey      EmptyKeyPolicy
	fallbackKey   string
	sweepInterval time.Duration
	onSweep       func(removed int)

	pending   []RuleSpec // Collected from options, registered by New
	observers Observers
}

// Stats is a point-in-time view of the engine's memory use.
type Stats struct {
	Rules      int `json:"rules"`
	Identities int `json:"identities"`
	Windows    int `json:"windows"`
}

// New creates an Engine with the given options.
// Without any rule option the default rule is installed:
// 10 requests per 10s, then a 20s ban.
//
// Example:
//
//	engine, err := seigen.New(
//	    seigen.WithRule(5, 5*time.Second, 5*time.Second, "slow down", nil),
//	    seigen.WithLogger(slog.Default()),
//	)
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		rules:         NewRuleSet(),
		identities:    store.NewIdentityStore(),
		windows:       store.NewWindowTracker(),
		clock:         time.Now,
		emptyKey:      EmptyKeyShared,
		fallbackKey:   FallbackKey,
		sweepInterval: time.Minute,
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if len(e.pending) == 0 {
		e.pending = []RuleSpec{{
			Threshold:   DefaultThreshold,
			Window:      DefaultWindow,
			BanDuration: DefaultBanDuration,
			Message:     DefaultMessage,
		}}
	}
	for i, spec := range e.pending {
		if _, err := e.RegisterRule(spec.Threshold, spec.Window, spec.BanDuration, spec.Message, spec.Predicate); err != nil {
			return nil, fmt.Errorf("failed to register rule %d: %w", i, err)
		}
	}
	e.pending = nil

	switch len(e.observers) {
	case 0:
		e.observer = noopObserver{}
	case 1:
		e.observer = e.observers[0]
	default:
		e.observer = e.observers
	}

	return e, nil
}

// RegisterRule appends a rule. It is safe to call while requests are being
// evaluated.
func (e *Engine) RegisterRule(threshold int64, window, banDuration time.Duration, message string, predicate core.Predicate) (core.RuleID, error) {
	return e.rules.Add(threshold, window, banDuration, message, predicate)
}

// Rules returns the engine's rule set.
func (e *Engine) Rules() *RuleSet {
	return e.rules
}

// Check evaluates a request at the engine clock's current time.
func (e *Engine) Check(key string, req core.RequestView) (core.Decision, error) {
	return e.Evaluate(key, req, e.clock())
}

// Evaluate decides whether the client identified by key may proceed at now.
//
// A banned client is denied until its ban ends; the first request at or after
// the end clears the ban and is evaluated normally. Otherwise every applicable
// rule counts the hit in its window, in order, and the first rule whose
// threshold is reached bans the client; later rules are not evaluated.
//
// The error is non-nil only for an empty key under EmptyKeyReject.
func (e *Engine) Evaluate(key string, req core.RequestView, now time.Time) (core.Decision, error) {
	identityKey := key
	if key == "" {
		if e.emptyKey == EmptyKeyReject {
			return core.Decision{}, ErrInvalidKey
		}
		key = e.fallbackKey
		identityKey = keylessPrefix + e.fallbackKey
	}
	if req == nil {
		req = core.StaticRequest{}
	}

	id := e.identities.Acquire(identityKey, now)
	defer e.identities.Release(id)

	// Observers and predicates see the client key, not the namespaced one
	viewOf := func() core.IdentityView {
		v := id.View()
		v.Key = key
		return v
	}

	view := viewOf()
	e.observer.OnState(view, req)

	if view.Banned {
		if now.Before(view.BanExpiresAt) {
			e.identities.RecordViolationAttempt(id)
			return deny(key, viewOf(), now, ""), nil
		}
		e.identities.ClearBan(id)
		view = viewOf()
	}

	e.identities.Touch(id, now, e.rules.MaxWindow())

	for rule := range e.rules.Applicable(view, req, e.observer.OnRuleError) {
		result := e.windows.Record(rule.ID, id.ID(), now, rule)
		if !result.Exceeded {
			continue
		}

		e.identities.SetBan(id, now.Add(rule.BanDuration), rule.Message)
		banned := viewOf()
		e.observer.OnBan(banned, rule)
		return deny(key, banned, now, rule.ID), nil
	}

	return core.Admit(key), nil
}

// StartBackgroundCleanup starts a goroutine that periodically evicts idle
// identities and stale windows. Returns a function to stop it.
func (e *Engine) StartBackgroundCleanup() func() {
	return store.StartSweeper(e.sweepInterval, e.clock, e.onSweep, e.identities, e.windows)
}

// Sweep evicts idle identities and stale windows at now.
// Returns the number of entries removed.
func (e *Engine) Sweep(now time.Time) int {
	return e.identities.Sweep(now) + e.windows.Sweep(now)
}

// Stats returns current rule, identity and window counts.
func (e *Engine) Stats() Stats {
	return Stats{
		Rules:      e.rules.Len(),
		Identities: e.identities.Count(),
		Windows:    e.windows.Count(),
	}
}

// Window returns the tracked window of a (rule, client key) pair, if any.
// The empty key names the shared keyless identity.
func (e *Engine) Window(ruleID core.RuleID, key string) (core.WindowState, bool) {
	if key == "" {
		key = keylessPrefix + e.fallbackKey
	}
	id, ok := e.identities.Lookup(key)
	if !ok {
		return core.WindowState{}, false
	}
	return e.windows.Peek(ruleID, id.ID())
}

func deny(key string, id core.IdentityView, now time.Time, ruleID core.RuleID) core.Decision {
	return core.Decision{
		Allowed:    false,
		Key:        key,
		Reason:     core.ReasonRateLimited,
		Message:    id.LastMessage,
		ResetAt:    id.BanExpiresAt,
		ResetAfter: id.BanExpiresAt.Sub(now),
		Attempts:   id.ViolationCount,
		RuleID:     ruleID,
	}
}
