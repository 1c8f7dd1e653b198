package clients

import (
	"errors"
	"fmt"
)

var (
	// ErrDependencyUnavailable marks failures of an external collaborator:
	// timeouts, transport errors, unexpected status codes.
	ErrDependencyUnavailable = errors.New("x402gate: dependency unavailable")

	// ErrNotConfigured is returned by clients built without an endpoint.
	ErrNotConfigured = errors.New("x402gate: client not configured")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrDependencyUnavailable, err)
}
