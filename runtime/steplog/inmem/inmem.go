// Package inmem provides an in-memory step log store for testing and local
// development.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/steplog"
)

// Store implements steplog.Store in memory.
type Store struct {
	mu      sync.RWMutex
	entries []steplog.Entry
}

// New constructs an empty step log store.
func New() *Store {
	return &Store{}
}

// Append adds a new entry, assigning an id and creation time when unset.
func (s *Store) Append(_ context.Context, e *steplog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, *e)
	return nil
}

// UpdateLatest patches the newest entry for the node within the execution.
func (s *Store) UpdateLatest(_ context.Context, executionID, nodeID string, p steplog.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, e := range s.entries {
		if e.ExecutionID != executionID || e.NodeID != nodeID {
			continue
		}
		if idx == -1 || e.CreatedAt.After(s.entries[idx].CreatedAt) {
			idx = i
		}
	}
	if idx == -1 {
		return steplog.ErrNotFound
	}
	e := &s.entries[idx]
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.Output != nil {
		e.Output = p.Output
	}
	if p.Error != nil {
		e.Error = *p.Error
	}
	if p.DurationMs != nil {
		e.DurationMs = *p.DurationMs
	}
	if p.RetryAttempts != nil {
		e.RetryAttempts = *p.RetryAttempts
	}
	if p.RetriedSuccessfully != nil {
		e.RetriedSuccessfully = *p.RetriedSuccessfully
	}
	return nil
}

// ListByExecution returns the execution's entries in creation order.
func (s *Store) ListByExecution(_ context.Context, executionID string) ([]*steplog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*steplog.Entry
	for _, e := range s.entries {
		if e.ExecutionID != executionID {
			continue
		}
		copied := e
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
