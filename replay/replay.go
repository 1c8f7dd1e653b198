// Package replay remembers accepted payment identifiers so that no proof is
// accepted twice.
package replay

import (
	"context"
	"errors"
	"time"
)

// ErrCapacity is returned when the set is full of unexpired entries. Callers
// must treat it as a rejection.
var ErrCapacity = errors.New("x402gate: replay set at capacity")

// Store is a time-windowed set of replay identifiers.
type Store interface {
	// Contains reports whether any of ids is present.
	Contains(ctx context.Context, ids []string) (bool, error)
	// InsertAll adds every id with the given retention if none of them is
	// present. It reports false, inserting nothing, when any id exists.
	InsertAll(ctx context.Context, ids []string, ttl time.Duration) (bool, error)
	// Remove deletes ids so the proof that carried them can be retried.
	Remove(ctx context.Context, ids []string) error
}
