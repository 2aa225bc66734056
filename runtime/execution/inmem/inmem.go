// Package inmem provides an in-memory execution store for testing and local
// development.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/runtime/execution"
)

// Store implements execution.Store in memory.
type Store struct {
	mu         sync.RWMutex
	executions map[string]execution.Execution
}

// New constructs an empty execution store.
func New() *Store {
	return &Store{executions: make(map[string]execution.Execution)}
}

// Create stores a new execution record.
func (s *Store) Create(_ context.Context, e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.executions[e.ID] = *e
	return nil
}

// Get returns the execution with the given id.
func (s *Store) Get(_ context.Context, id string) (*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, execution.ErrNotFound
	}
	return &e, nil
}

// Update replaces an existing execution record.
func (s *Store) Update(_ context.Context, e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return execution.ErrNotFound
	}
	s.executions[e.ID] = *e
	return nil
}

// List returns executions matching the filter, newest first.
func (s *Store) List(_ context.Context, f execution.Filter) ([]*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*execution.Execution
	for _, e := range s.executions {
		if !matches(e, f) {
			continue
		}
		copied := e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Skip > 0 {
		if f.Skip >= len(out) {
			return nil, nil
		}
		out = out[f.Skip:]
	}
	if f.Take > 0 && f.Take < len(out) {
		out = out[:f.Take]
	}
	return out, nil
}

// Stats aggregates status counts and the mean duration of completed runs,
// scoped to the owner.
func (s *Store) Stats(_ context.Context, ownerID, workflowID string) (*execution.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &execution.Stats{}
	var totalMs float64
	var completed int64
	for _, e := range s.executions {
		if ownerID != "" && e.OwnerID != ownerID {
			continue
		}
		if workflowID != "" && e.WorkflowID != workflowID {
			continue
		}
		stats.Total++
		switch e.Status {
		case execution.StatusSuccess:
			stats.Success++
		case execution.StatusFailed:
			stats.Failed++
		case execution.StatusRunning:
			stats.Running++
		case execution.StatusPending:
			stats.Pending++
		}
		if d := e.Duration(); d > 0 {
			totalMs += float64(d.Milliseconds())
			completed++
		}
	}
	if completed > 0 {
		stats.AvgDurationMs = totalMs / float64(completed)
	}
	return stats, nil
}

func matches(e execution.Execution, f execution.Filter) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.OwnerID != "" && e.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.StartedAfter.IsZero() && (e.StartedAt == nil || e.StartedAt.Before(f.StartedAfter)) {
		return false
	}
	if !f.StartedBefore.IsZero() && (e.StartedAt == nil || e.StartedAt.After(f.StartedBefore)) {
		return false
	}
	return true
}
