// Package steplog records the per-node history of an execution. A node gets
// one entry per attempt sequence: appended as running when the step starts
// and patched in place when it completes. The latest entry by creation time
// is authoritative when replays leave several entries for one node.
package steplog

import (
	"context"
	"errors"
	"time"
)

// Status is the step-level state, distinct from the execution lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

type (
	// Entry is one step log record.
	Entry struct {
		ID          string `json:"id"`
		ExecutionID string `json:"executionId"`
		NodeID      string `json:"nodeId"`
		NodeName    string `json:"nodeName"`
		NodeType    string `json:"nodeType"`
		Status      Status `json:"status"`
		// Input is the snapshot handed to the node; Output what it produced.
		Input  any    `json:"input,omitempty"`
		Output any    `json:"output,omitempty"`
		Error  string `json:"error,omitempty"`
		// DurationMs is the wall time of the step including retries.
		DurationMs          int64     `json:"durationMs"`
		RetryAttempts       int       `json:"retryAttempts"`
		RetriedSuccessfully bool      `json:"retriedSuccessfully"`
		CreatedAt           time.Time `json:"createdAt"`
	}

	// Patch carries the fields UpdateLatest overwrites. Nil pointers leave
	// the stored value untouched.
	Patch struct {
		Status              *Status
		Output              any
		Error               *string
		DurationMs          *int64
		RetryAttempts       *int
		RetriedSuccessfully *bool
	}
)

// ErrNotFound indicates no entry exists for the execution and node.
var ErrNotFound = errors.New("step log not found")

// Store persists step log entries.
type Store interface {
	// Append adds a new entry.
	Append(ctx context.Context, e *Entry) error
	// UpdateLatest patches the most recent entry for the node within the
	// execution, by CreatedAt.
	UpdateLatest(ctx context.Context, executionID, nodeID string, p Patch) error
	// ListByExecution returns all entries of an execution in creation order.
	ListByExecution(ctx context.Context, executionID string) ([]*Entry, error)
}

// StatusPtr returns a pointer to s, for building patches inline.
func StatusPtr(s Status) *Status { return &s }
