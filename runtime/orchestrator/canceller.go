package orchestrator

import (
	"context"
	"sync"
)

// Canceller propagates cancellation requests to running executions. The
// Redis-backed implementation in features/queue/pulse shares flags across
// worker processes; MemoryCanceller serves tests and single-node runs.
type Canceller interface {
	// RequestCancel flags the execution for cancellation.
	RequestCancel(ctx context.Context, executionID string) error
	// Cancelled reports whether the execution has been flagged.
	Cancelled(ctx context.Context, executionID string) bool
	// Clear removes the flag once the execution reached a terminal state.
	Clear(ctx context.Context, executionID string) error
}

// MemoryCanceller implements Canceller in process memory.
type MemoryCanceller struct {
	mu    sync.Mutex
	flags map[string]bool
}

// NewMemoryCanceller constructs an empty canceller.
func NewMemoryCanceller() *MemoryCanceller {
	return &MemoryCanceller{flags: make(map[string]bool)}
}

// RequestCancel implements Canceller.
func (c *MemoryCanceller) RequestCancel(_ context.Context, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[executionID] = true
	return nil
}

// Cancelled implements Canceller.
func (c *MemoryCanceller) Cancelled(_ context.Context, executionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags[executionID]
}

// Clear implements Canceller.
func (c *MemoryCanceller) Clear(_ context.Context, executionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flags, executionID)
	return nil
}
