package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Manager pairs a store with a cipher: writes encrypt, reads decrypt. It
// implements the credential lookup actions use at execution time.
type Manager struct {
	store  Store
	cipher *Cipher
}

// NewManager constructs a manager over the store and cipher.
func NewManager(store Store, cipher *Cipher) *Manager {
	return &Manager{store: store, cipher: cipher}
}

// Save encrypts data and persists it under a new or existing credential.
func (m *Manager) Save(ctx context.Context, c *Credential, data map[string]any) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode credential data: %w", err)
	}
	envelope, err := m.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	c.Data = envelope
	now := time.Now()
	c.UpdatedAt = now
	if c.ID == "" {
		c.ID = uuid.NewString()
		c.CreatedAt = now
		return m.store.Create(ctx, c)
	}
	return m.store.Update(ctx, c)
}

// Credential returns the decrypted data for the id. Implements
// action.Services.
func (m *Manager) Credential(ctx context.Context, id string) (map[string]any, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	plaintext, err := m.cipher.Decrypt(c.Data)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, ErrDecrypt
	}
	return data, nil
}

// Get returns the credential metadata without decrypting.
func (m *Manager) Get(ctx context.Context, id string) (*Credential, error) {
	return m.store.Get(ctx, id)
}

// List returns the owner's credential metadata.
func (m *Manager) List(ctx context.Context, ownerID string) ([]*Credential, error) {
	return m.store.List(ctx, ownerID)
}

// Delete removes the credential.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}
