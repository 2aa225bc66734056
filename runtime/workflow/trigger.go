package workflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

type (
	// TriggerType enumerates the supported entry points.
	TriggerType string

	// Trigger is the activation record for a workflow's entry node. Each
	// workflow has at most one trigger; it is active iff the workflow is.
	Trigger struct {
		ID         string        `json:"id"`
		WorkflowID string        `json:"workflowId"`
		Type       TriggerType   `json:"type"`
		Config     TriggerConfig `json:"config"`
		CreatedAt  time.Time     `json:"createdAt"`
	}

	// TriggerConfig carries the type-specific settings. Exactly the fields
	// relevant for the trigger type are populated.
	TriggerConfig struct {
		// Token routes public webhook requests (WEBHOOK).
		Token string `json:"token,omitempty"`
		// Secret, when set, requires an HMAC signature on webhook requests.
		Secret string `json:"secret,omitempty"`
		// Cron is the 6-field schedule pattern (SCHEDULE).
		Cron string `json:"cron,omitempty"`
		// Timezone is an optional IANA zone for the cron pattern.
		Timezone string `json:"timezone,omitempty"`
		// Address is the inbound email address (EMAIL).
		Address string `json:"address,omitempty"`
	}
)

const (
	TriggerWebhook  TriggerType = "WEBHOOK"
	TriggerSchedule TriggerType = "SCHEDULE"
	TriggerEmail    TriggerType = "EMAIL"
)

// TriggerStore persists trigger registrations. Create returns ErrConflict
// when the workflow already has a trigger.
type TriggerStore interface {
	Create(ctx context.Context, t *Trigger) error
	Update(ctx context.Context, t *Trigger) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Trigger, error)
	GetByWorkflow(ctx context.Context, workflowID string) (*Trigger, error)
	GetByToken(ctx context.Context, token string) (*Trigger, error)
	GetByAddress(ctx context.Context, address string) (*Trigger, error)
	ListByType(ctx context.Context, t TriggerType) ([]*Trigger, error)
}

// NewWebhookToken returns a URL-safe token built from 24 bytes of
// cryptographic randomness (32 characters base64url).
func NewWebhookToken() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate webhook token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// NewEmailAddress returns a unique inbound address of the form
// trigger-<hex>@<domain> using 12 random bytes.
func NewEmailAddress(domain string) (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate email address: %w", err)
	}
	return fmt.Sprintf("trigger-%s@%s", hex.EncodeToString(b[:]), domain), nil
}
