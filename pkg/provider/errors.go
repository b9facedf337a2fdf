package provider

import (
	"errors"
	"fmt"
)

// Common errors returned by providers and the registry.
var (
	// ErrTimeout indicates a provider exceeded its per-call timeout.
	ErrTimeout = errors.New("provider timeout")

	// ErrMalformedResponse indicates a provider returned data that
	// could not be interpreted.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrNotRegistered indicates a lookup for an unknown provider name.
	ErrNotRegistered = errors.New("provider not registered")

	// ErrRateLimited indicates a provider's request quota is exhausted
	// and the call was not attempted.
	ErrRateLimited = errors.New("provider rate limited")
)

// Error is a provider-specific failure with context for diagnostics
// and reliability tracking.
type Error struct {
	Provider string
	Kind     string // "timeout", "error", "malformed"
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s %s", e.Provider, e.Kind)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewTimeoutError wraps a timeout against a named provider.
func NewTimeoutError(name string, err error) *Error {
	return &Error{Provider: name, Kind: "timeout", Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
}

// NewFetchError wraps a failed or malformed response from a named provider.
func NewFetchError(name string, err error) *Error {
	return &Error{Provider: name, Kind: "error", Err: err}
}

// IsTimeout reports whether err is, or wraps, a provider timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
