// Package workflow defines the workflow aggregate: the directed graph of
// trigger and action nodes a user authors, the trigger registrations that
// activate it, and the stores that persist both.
package workflow

import (
	"context"
	"errors"
	"time"
)

type (
	// Workflow is a user-authored automation: a graph definition plus
	// activation state. Inactive workflows never execute; their triggers are
	// paused but retained for resume.
	Workflow struct {
		// ID uniquely identifies the workflow.
		ID string `json:"id"`
		// OwnerID identifies the owning principal.
		OwnerID string `json:"ownerId"`
		// Name is the human-facing workflow name.
		Name string `json:"name"`
		// IsActive gates trigger firing and scheduling.
		IsActive bool `json:"isActive"`
		// Definition is the node/edge graph, validated on write.
		Definition Definition `json:"definition"`
		// NotificationEmail, when set, receives failure notifications.
		NotificationEmail string `json:"notificationEmail,omitempty"`
		// CreatedAt and UpdatedAt are store-maintained timestamps.
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// Definition is the executable graph: an ordered node sequence and the
	// edges connecting them.
	Definition struct {
		Nodes []Node `json:"nodes"`
		Edges []Edge `json:"edges"`
		// Variables are optional workflow-scoped string constants.
		Variables map[string]string `json:"variables,omitempty"`
	}

	// Node is a single trigger or action vertex.
	Node struct {
		// ID is unique within the definition.
		ID string `json:"id"`
		// Type selects the registered action that runs the node.
		Type NodeType `json:"type"`
		// Name is an optional display name; the ID is used when empty.
		Name string `json:"name,omitempty"`
		// Data is the type-specific configuration. It may carry a
		// "retryConfig" mapping with maxAttempts, initialDelayMs,
		// backoffMultiplier and maxDelayMs.
		Data map[string]any `json:"data,omitempty"`
	}

	// Edge connects two nodes. For condition nodes the SourceHandle
	// partitions outgoing edges into the true branch ("true"), the false
	// branch ("false"), or the default branch (empty).
	Edge struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		SourceHandle string `json:"sourceHandle,omitempty"`
	}

	// NodeType enumerates the supported node kinds.
	NodeType string
)

const (
	// Trigger kinds pass the trigger payload through unchanged.
	NodeWebhookTrigger  NodeType = "webhookTrigger"
	NodeScheduleTrigger NodeType = "scheduleTrigger"
	NodeEmailTrigger    NodeType = "emailTrigger"

	// NodeCondition evaluates a boolean expression and masks one branch.
	NodeCondition NodeType = "condition"
	// NodeTransform reshapes data with a dot-path or safe expression.
	NodeTransform NodeType = "transform"

	// I/O-bound action kinds.
	NodeHTTPRequest   NodeType = "httpRequest"
	NodeSendEmail     NodeType = "sendEmail"
	NodeSendTelegram  NodeType = "sendTelegram"
	NodeDatabaseQuery NodeType = "databaseQuery"
	NodeAIRequest     NodeType = "aiRequest"
)

// KnownNodeTypes lists every supported node kind.
var KnownNodeTypes = []NodeType{
	NodeWebhookTrigger, NodeScheduleTrigger, NodeEmailTrigger,
	NodeCondition, NodeTransform,
	NodeHTTPRequest, NodeSendEmail, NodeSendTelegram, NodeDatabaseQuery, NodeAIRequest,
}

// IsTrigger reports whether the node kind is an entry point.
func (t NodeType) IsTrigger() bool {
	switch t {
	case NodeWebhookTrigger, NodeScheduleTrigger, NodeEmailTrigger:
		return true
	}
	return false
}

// Known reports whether t is a supported node kind.
func (t NodeType) Known() bool {
	for _, k := range KnownNodeTypes {
		if t == k {
			return true
		}
	}
	return false
}

// DisplayName returns the node name, falling back to the id.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Node returns the node with the given id.
func (d Definition) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

var (
	// ErrNotFound indicates a missing workflow or trigger.
	ErrNotFound = errors.New("workflow not found")
	// ErrConflict indicates a second trigger for the same workflow.
	ErrConflict = errors.New("trigger already exists for workflow")
)

// Store persists workflows.
type Store interface {
	Create(ctx context.Context, w *Workflow) error
	Update(ctx context.Context, w *Workflow) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Workflow, error)
	List(ctx context.Context, ownerID string) ([]*Workflow, error)
}
