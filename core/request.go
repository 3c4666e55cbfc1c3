package core

import (
	"net/textproto"

	"github.com/google/uuid"
)

// RequestView is the read-only part of a request that predicates may inspect.
type RequestView interface {
	Method() string
	Path() string
	RemoteAddr() string
	Header(name string) string
}

// StaticRequest is a RequestView backed by plain values.
// Handy for non-HTTP callers and tests.
type StaticRequest struct {
	M       string
	P       string
	Addr    string
	Headers map[string]string
}

func (r StaticRequest) Method() string     { return r.M }
func (r StaticRequest) Path() string       { return r.P }
func (r StaticRequest) RemoteAddr() string { return r.Addr }

// Header looks up name case-insensitively.
func (r StaticRequest) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	for k, v := range r.Headers {
		if textproto.CanonicalMIMEHeaderKey(k) == canonical {
			return v
		}
	}
	return ""
}

// NewIdentityID returns a random (v4) identity token.
func NewIdentityID() IdentityID {
	return IdentityID(uuid.NewString())
}

// NewRuleID returns a random (v4) rule token.
func NewRuleID() RuleID {
	return RuleID(uuid.NewString())
}
