// Package inmem provides in-memory workflow and trigger stores for testing
// and local development. Production deployments use the Mongo-backed stores
// in features/store/mongo.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/loomhq/loom/runtime/workflow"
)

// Store implements workflow.Store in memory. All operations are thread-safe;
// records are defensively copied on read and write.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]workflow.Workflow
}

// New constructs an empty workflow store.
func New() *Store {
	return &Store{workflows: make(map[string]workflow.Workflow)}
}

// Create stores a new workflow record.
func (s *Store) Create(_ context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	w.UpdatedAt = time.Now()
	s.workflows[w.ID] = *w
	return nil
}

// Update replaces an existing workflow record.
func (s *Store) Update(_ context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; !ok {
		return workflow.ErrNotFound
	}
	w.UpdatedAt = time.Now()
	s.workflows[w.ID] = *w
	return nil
}

// Delete removes a workflow record.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return workflow.ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

// Get returns the workflow with the given id.
func (s *Store) Get(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return &w, nil
}

// List returns all workflows for the owner, or every workflow when ownerID
// is empty.
func (s *Store) List(_ context.Context, ownerID string) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Workflow
	for _, w := range s.workflows {
		if ownerID != "" && w.OwnerID != ownerID {
			continue
		}
		copied := w
		out = append(out, &copied)
	}
	return out, nil
}

// TriggerStore implements workflow.TriggerStore in memory.
type TriggerStore struct {
	mu       sync.RWMutex
	triggers map[string]workflow.Trigger
}

// NewTriggerStore constructs an empty trigger store.
func NewTriggerStore() *TriggerStore {
	return &TriggerStore{triggers: make(map[string]workflow.Trigger)}
}

// Create stores a trigger, enforcing the one-per-workflow invariant.
func (s *TriggerStore) Create(_ context.Context, t *workflow.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.triggers {
		if existing.WorkflowID == t.WorkflowID {
			return workflow.ErrConflict
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.triggers[t.ID] = *t
	return nil
}

// Update replaces an existing trigger.
func (s *TriggerStore) Update(_ context.Context, t *workflow.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[t.ID]; !ok {
		return workflow.ErrNotFound
	}
	s.triggers[t.ID] = *t
	return nil
}

// Delete removes a trigger.
func (s *TriggerStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[id]; !ok {
		return workflow.ErrNotFound
	}
	delete(s.triggers, id)
	return nil
}

// Get returns the trigger with the given id.
func (s *TriggerStore) Get(_ context.Context, id string) (*workflow.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return &t, nil
}

// GetByWorkflow returns the trigger registered for a workflow.
func (s *TriggerStore) GetByWorkflow(_ context.Context, workflowID string) (*workflow.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.triggers {
		if t.WorkflowID == workflowID {
			copied := t
			return &copied, nil
		}
	}
	return nil, workflow.ErrNotFound
}

// GetByToken returns the webhook trigger with the given token.
func (s *TriggerStore) GetByToken(_ context.Context, token string) (*workflow.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.triggers {
		if t.Type == workflow.TriggerWebhook && t.Config.Token == token {
			copied := t
			return &copied, nil
		}
	}
	return nil, workflow.ErrNotFound
}

// GetByAddress returns the email trigger with the given inbound address.
func (s *TriggerStore) GetByAddress(_ context.Context, address string) (*workflow.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.triggers {
		if t.Type == workflow.TriggerEmail && t.Config.Address == address {
			copied := t
			return &copied, nil
		}
	}
	return nil, workflow.ErrNotFound
}

// ListByType returns all triggers of the given type.
func (s *TriggerStore) ListByType(_ context.Context, typ workflow.TriggerType) ([]*workflow.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Trigger
	for _, t := range s.triggers {
		if t.Type == typ {
			copied := t
			out = append(out, &copied)
		}
	}
	return out, nil
}
