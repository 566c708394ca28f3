// Package target holds the single forwarding target shared by every relay.
package target

import (
	"errors"
	"regexp"
	"sync"
	"time"
)

// ErrInvalidTarget is returned when a candidate target is missing or is not an absolute HTTP(S) URL.
var ErrInvalidTarget = errors.New("invalid or missing target URL")

var targetPattern = regexp.MustCompile(`^https?://.+`)

// Store is a guarded single-slot holder for the current target URL.
// Writes overwrite the slot; concurrent writers resolve last-write-wins.
type Store struct {
	mu        sync.RWMutex
	url       string
	updatedAt time.Time
	now       func() time.Time
}

// Snapshot is a point-in-time copy of the store contents.
type Snapshot struct {
	URL       string
	UpdatedAt time.Time
	Set       bool
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Valid reports whether candidate is acceptable as a target.
func Valid(candidate string) bool {
	return targetPattern.MatchString(candidate)
}

// Set replaces the current target. The slot is left untouched on error.
func (s *Store) Set(candidate string) error {
	if !Valid(candidate) {
		return ErrInvalidTarget
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = candidate
	s.updatedAt = s.now()
	return nil
}

// Get returns the current target and whether one has been set.
func (s *Store) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url, s.url != ""
}

// Snapshot returns the current target together with the time it was last set.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{URL: s.url, UpdatedAt: s.updatedAt, Set: s.url != ""}
}
