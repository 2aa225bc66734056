// Package inmem provides an in-memory credential store for testing and
// local development.
package inmem

import (
	"context"
	"sync"

	"github.com/loomhq/loom/runtime/credential"
)

// Store implements credential.Store in memory.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]credential.Credential
}

// New constructs an empty credential store.
func New() *Store {
	return &Store{credentials: make(map[string]credential.Credential)}
}

// Create stores a new credential.
func (s *Store) Create(_ context.Context, c *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[c.ID] = *c
	return nil
}

// Update replaces an existing credential.
func (s *Store) Update(_ context.Context, c *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; !ok {
		return credential.ErrNotFound
	}
	s.credentials[c.ID] = *c
	return nil
}

// Delete removes a credential.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return credential.ErrNotFound
	}
	delete(s.credentials, id)
	return nil
}

// Get returns the credential with the given id.
func (s *Store) Get(_ context.Context, id string) (*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return &c, nil
}

// List returns all credentials for the owner, or every credential when
// ownerID is empty.
func (s *Store) List(_ context.Context, ownerID string) ([]*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*credential.Credential
	for _, c := range s.credentials {
		if ownerID != "" && c.OwnerID != ownerID {
			continue
		}
		copied := c
		out = append(out, &copied)
	}
	return out, nil
}
