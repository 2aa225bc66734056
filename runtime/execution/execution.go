// Package execution defines the execution record, its lifecycle states, and
// the store contract. An execution is one run of a workflow, created PENDING
// when the job is enqueued and driven to a terminal state by the
// orchestrator.
package execution

import (
	"context"
	"errors"
	"time"
)

// Status is the execution lifecycle state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPaused  Status = "PAUSED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type (
	// Execution is one run of a workflow.
	Execution struct {
		// ID uniquely identifies the execution and doubles as the queue
		// job id for idempotent enqueueing.
		ID string `json:"id"`
		// WorkflowID references the workflow that ran.
		WorkflowID string `json:"workflowId"`
		// OwnerID is the owning principal, denormalized for listing.
		OwnerID string `json:"ownerId"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// TriggerData is the payload the trigger fired with.
		TriggerData map[string]any `json:"triggerData,omitempty"`
		// Output is the output of the last executed node, set on SUCCESS.
		// Scalar for transforms that resolve to one value, structured for
		// everything else.
		Output any `json:"output,omitempty"`
		// Error carries the failure message for FAILED executions.
		Error string `json:"error,omitempty"`
		// StartedAt is set when the orchestrator picks the job up;
		// CompletedAt when it reaches a terminal state.
		StartedAt   *time.Time `json:"startedAt,omitempty"`
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		CreatedAt   time.Time  `json:"createdAt"`
	}

	// Filter narrows List results. Zero values match everything.
	Filter struct {
		WorkflowID    string
		OwnerID       string
		Status        Status
		StartedAfter  time.Time
		StartedBefore time.Time
		// Skip and Take page the result set, newest first.
		Skip int
		Take int
	}

	// Stats aggregates execution counts and mean runtime for a workflow.
	Stats struct {
		Total         int64   `json:"total"`
		Success       int64   `json:"success"`
		Failed        int64   `json:"failed"`
		Running       int64   `json:"running"`
		Pending       int64   `json:"pending"`
		AvgDurationMs float64 `json:"avgDurationMs"`
	}
)

// Duration returns the wall time between start and completion, or zero while
// either bound is unset.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// ErrNotFound indicates a missing execution.
var ErrNotFound = errors.New("execution not found")

// Store persists executions.
type Store interface {
	Create(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	Update(ctx context.Context, e *Execution) error
	List(ctx context.Context, f Filter) ([]*Execution, error)
	Stats(ctx context.Context, ownerID, workflowID string) (*Stats, error)
}
