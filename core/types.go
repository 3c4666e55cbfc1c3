package core

import "time"

// IdentityID is the opaque token assigned to a client the first time it is seen.
// Window state is keyed by it rather than by the raw client key.
type IdentityID string

// RuleID identifies a registered rule for its whole lifetime.
type RuleID string

// IdentityView is a point-in-time copy of a client's tracking state.
// Predicates and observers only ever see views, never the live record.
type IdentityView struct {
	ID             IdentityID
	Key            string
	Banned         bool
	BanExpiresAt   time.Time // Zero unless Banned
	ViolationCount int64     // Requests seen while banned
	LastMessage    string    // Message of the rule that caused the latest ban
}

// Predicate decides whether a rule applies to a request.
// It must be free of side effects; an error means "does not apply".
type Predicate func(id IdentityView, req RequestView) (bool, error)

// Rule is a single limiting policy.
type Rule struct {
	ID          RuleID
	Threshold   int64         // Hits inside Window that trigger a ban
	Window      time.Duration // Length of the counting window
	BanDuration time.Duration // How long a breaching client stays banned
	Message     string        // Surfaced to the client on denial
	Predicate   Predicate     // nil applies to every request
}

// Applies runs the rule's predicate. A nil predicate always applies.
func (r Rule) Applies(id IdentityView, req RequestView) (bool, error) {
	if r.Predicate == nil {
		return true, nil
	}
	return r.Predicate(id, req)
}

// WindowState is the counting window of one (rule, identity) pair.
type WindowState struct {
	Start time.Time // When the current window began
	Hits  int64     // Hits recorded since Start
}

// WindowResult is the outcome of recording a hit.
type WindowResult struct {
	Count    int64 // Hits in the current window, including this one
	Exceeded bool  // Threshold reached
}

// ReasonRateLimited is the only denial reason the engine produces.
const ReasonRateLimited = "rate-limited"

// Decision is the outcome of evaluating one request.
type Decision struct {
	// Allowed is true for Admit, false for Deny
	Allowed bool

	// Key is the client key the decision was made for (after empty-key coercion)
	Key string

	// The fields below are only set when the request was denied.
	Reason     string
	Message    string
	ResetAt    time.Time     // When the ban ends
	ResetAfter time.Duration // ResetAt minus the evaluation time
	Attempts   int64         // Requests seen during the current ban
	RuleID     RuleID        // Rule that triggered the ban; empty for requests denied by an existing ban
}

// Admit returns an admitting decision for key.
func Admit(key string) Decision {
	return Decision{Allowed: true, Key: key}
}
