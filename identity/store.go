package identity

import (
	"sync/atomic"
	"time"

	"github.com/georgepadayatti/docsign/config"
)

// Store holds the process-wide signing identity. Reads are lock-free;
// rotation swaps the whole identity atomically after validating the
// replacement.
type Store struct {
	current atomic.Pointer[SigningIdentity]
}

// NewStore creates a store holding a validated identity.
func NewStore(id *SigningIdentity) *Store {
	s := &Store{}
	s.current.Store(id)
	return s
}

// Current returns the active signing identity.
func (s *Store) Current() *SigningIdentity {
	return s.current.Load()
}

// Rotate validates the replacement identity under the given policy and
// swaps it in. The old identity stays active if validation fails.
func (s *Store) Rotate(next *SigningIdentity, pol config.Policy, anchors []string, now time.Time) error {
	if err := next.Validate(pol, anchors, now); err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}
