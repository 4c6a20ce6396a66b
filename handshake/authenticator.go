package handshake

import (
	"sync"

	"github.com/opd-ai/echomesh/crypto"
	"github.com/opd-ai/echomesh/limits"
)

// Authenticator maps an identity claim to the seed it was derived from.
type Authenticator interface {
	Lookup(identityHash string) (seed string, ok bool)
}

// SeedSet is an Authenticator over a fixed set of seeds known to the listener.
type SeedSet struct {
	mu    sync.RWMutex
	seeds map[string]string
}

// NewSeedSet builds a SeedSet. Every seed must pass limits.ValidateSeed.
func NewSeedSet(seeds ...string) (*SeedSet, error) {
	s := &SeedSet{seeds: make(map[string]string, len(seeds))}
	for _, seed := range seeds {
		if err := s.Add(seed); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers seed.
func (s *SeedSet) Add(seed string) error {
	if err := limits.ValidateSeed(seed); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds[crypto.DeriveHash(seed)] = seed
	return nil
}

// Remove forgets seed.
func (s *SeedSet) Remove(seed string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seeds, crypto.DeriveHash(seed))
}

// Lookup returns the seed whose hash is identityHash.
func (s *SeedSet) Lookup(identityHash string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seed, ok := s.seeds[identityHash]
	return seed, ok
}

// Len returns the number of known seeds.
func (s *SeedSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seeds)
}
