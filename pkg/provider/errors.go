package provider

import (
	"errors"
	"fmt"
)

// Error is the base error for all provider failures. The retry machinery
// inspects the Kind tag, never the message text.
type Error struct {
	Kind     Kind
	Provider string
	Op       string
	Err      error
}

// Kind tags a provider error for retry policy.
type Kind int

const (
	// KindProvider is a generic provider failure.
	KindProvider Kind = iota
	// KindRateLimit is a 429/resource-exhausted failure; retryable.
	KindRateLimit
	// KindAuthentication is an auth/billing/semantic-4xx failure; fatal to
	// the run because subsequent calls are guaranteed to fail identically.
	KindAuthentication
)

func (e *Error) Error() string {
	kind := ""
	switch e.Kind {
	case KindRateLimit:
		kind = "rate limit: "
	case KindAuthentication:
		kind = "authentication: "
	}
	return fmt.Sprintf("%s %s: %s%v", e.Provider, e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a generic provider failure.
func NewError(providerName, op string, err error) *Error {
	return &Error{Kind: KindProvider, Provider: providerName, Op: op, Err: err}
}

// NewRateLimitError wraps err as a retryable rate-limit failure.
func NewRateLimitError(providerName, op string, err error) *Error {
	return &Error{Kind: KindRateLimit, Provider: providerName, Op: op, Err: err}
}

// NewAuthError wraps err as a fatal authentication failure.
func NewAuthError(providerName, op string, err error) *Error {
	return &Error{Kind: KindAuthentication, Provider: providerName, Op: op, Err: err}
}

// IsRateLimit reports whether err is a retryable rate-limit failure.
func IsRateLimit(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindRateLimit
}

// IsAuth reports whether err is a fatal authentication failure.
func IsAuth(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindAuthentication
}

// IsTransient reports whether err looks worth a backoff retry: rate limits
// plus 503/timeout/unavailable-class failures.
func IsTransient(err error) bool {
	if IsRateLimit(err) {
		return true
	}
	if IsAuth(err) {
		return false
	}
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return containsAny(pe.Err.Error(), "503", "timeout", "unavailable", "overloaded")
}
