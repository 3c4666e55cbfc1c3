package seigen

import (
	"errors"
	"fmt"

	"github.com/KanavDutta/seigen/core"
)

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidRule is matched by every *InvalidRuleError
	ErrInvalidRule = errors.New("invalid rule")

	// ErrInvalidKey is returned for an empty client key when the empty-key
	// policy is EmptyKeyReject
	ErrInvalidKey = errors.New("client key cannot be empty")

	// ErrKeyExtractionFailed is returned when key extraction from request fails
	ErrKeyExtractionFailed = errors.New("failed to extract key from request")
)

// InvalidRuleError describes a rule rejected at registration.
type InvalidRuleError struct {
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid rule: %s %s", e.Field, e.Reason)
}

func (e *InvalidRuleError) Is(target error) bool {
	return target == ErrInvalidRule
}

// PredicateError wraps an error or panic raised by a rule's predicate.
// It is reported to observers only; the rule is skipped for that request.
type PredicateError struct {
	RuleID core.RuleID
	Err    error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("predicate of rule %s failed: %v", e.RuleID, e.Err)
}

func (e *PredicateError) Unwrap() error {
	return e.Err
}
