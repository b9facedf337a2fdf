package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProviderAvailable indicates no registered provider supports
	// the requested asset, or all supporting providers are down.
	// Surfaced immediately; the engine does not retry.
	ErrNoProviderAvailable = errors.New("no provider available")
)

// Attempt records one failed plan entry for diagnostics.
type Attempt struct {
	Provider string
	Err      error
}

// ArbitrationError is returned only when every entry in the execution
// plan failed. Attempts are in plan order.
type ArbitrationError struct {
	Attempts []Attempt
}

// Error implements the error interface.
func (e *ArbitrationError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return fmt.Sprintf("all %d providers in plan failed: [%s]", len(e.Attempts), strings.Join(parts, "; "))
}

// IsArbitrationError reports whether err wraps plan exhaustion, and
// returns the typed error when it does.
func IsArbitrationError(err error) (*ArbitrationError, bool) {
	var ae *ArbitrationError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
