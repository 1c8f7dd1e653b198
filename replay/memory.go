package replay

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a single-process Store. Expired entries are removed lazily.
type MemoryStore struct {
	mu         sync.Mutex
	expiry     map[string]time.Time
	maxEntries int
	now        func() time.Time
}

type MemoryOption func(*MemoryStore)

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns a store holding at most maxEntries identifiers.
// Zero means unbounded.
func NewMemoryStore(maxEntries int, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		expiry:     make(map[string]time.Time),
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Contains(_ context.Context, ids []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range ids {
		if s.liveLocked(id, now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) InsertAll(_ context.Context, ids []string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range ids {
		if s.liveLocked(id, now) {
			return false, nil
		}
	}

	if s.maxEntries > 0 && len(s.expiry)+len(ids) > s.maxEntries {
		s.cleanupExpiredLocked(now)
		if len(s.expiry)+len(ids) > s.maxEntries {
			return false, ErrCapacity
		}
	}

	until := now.Add(ttl)
	for _, id := range ids {
		s.expiry[id] = until
	}
	return true, nil
}

func (s *MemoryStore) Remove(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.expiry, id)
	}
	return nil
}

// Len returns the number of stored identifiers, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expiry)
}

// liveLocked reports whether id is present and unexpired, dropping it if
// it has expired. Must be called with the lock held.
func (s *MemoryStore) liveLocked(id string, now time.Time) bool {
	until, ok := s.expiry[id]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(s.expiry, id)
		return false
	}
	return true
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (s *MemoryStore) cleanupExpiredLocked(now time.Time) {
	for id, until := range s.expiry {
		if !now.Before(until) {
			delete(s.expiry, id)
		}
	}
}
