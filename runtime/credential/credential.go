// Package credential stores third-party secrets (API keys, tokens,
// connection strings) encrypted at rest and resolves them for actions at
// execution time. The plaintext is a JSON object; only the ciphertext
// envelope ever reaches the store.
package credential

import (
	"context"
	"errors"
	"time"
)

type (
	// Credential is one stored secret. Data holds the encrypted envelope.
	Credential struct {
		ID      string `json:"id"`
		OwnerID string `json:"ownerId"`
		// Name is the human-facing label shown in node configuration.
		Name string `json:"name"`
		// Type tags what the secret is for: api_key, telegram, postgres,
		// smtp or a free-form label.
		Type string `json:"type"`
		// Data is the iv:tag:ciphertext envelope produced by Cipher.
		Data      string    `json:"-"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
)

// ErrNotFound indicates a missing credential.
var ErrNotFound = errors.New("credential not found")

// Store persists credentials.
type Store interface {
	Create(ctx context.Context, c *Credential) error
	Update(ctx context.Context, c *Credential) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Credential, error)
	List(ctx context.Context, ownerID string) ([]*Credential, error)
}
