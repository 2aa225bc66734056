// Package inmem provides an in-process event hub implementing both the
// stream Sink and Subscriber contracts. Used in tests and single-node
// deployments without Redis.
package inmem

import (
	"context"
	"sync"

	"github.com/loomhq/loom/runtime/stream"
)

// Hub fans events out to per-execution subscriber channels.
type Hub struct {
	mu     sync.Mutex
	subs   map[string][]chan stream.Event
	closed bool
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan stream.Event)}
}

var _ stream.Sink = (*Hub)(nil)
var _ stream.Subscriber = (*Hub)(nil)

// Send delivers the event to every subscriber of its execution. Slow
// subscribers drop events rather than block the publisher.
func (h *Hub) Send(_ context.Context, event stream.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return context.Canceled
	}
	for _, ch := range h.subs[event.ExecutionID()] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe returns a buffered channel of the execution's events. The
// channel closes when ctx is canceled or the hub shuts down.
func (h *Hub) Subscribe(ctx context.Context, executionID string) (<-chan stream.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, context.Canceled
	}
	ch := make(chan stream.Event, 64)
	h.subs[executionID] = append(h.subs[executionID], ch)

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return
		}
		h.remove(executionID, ch)
		close(ch)
	}()
	return ch, nil
}

// Close shuts the hub down, closing every subscriber channel.
func (h *Hub) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, chans := range h.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	h.subs = nil
	return nil
}

// remove must be called with the lock held.
func (h *Hub) remove(executionID string, ch chan stream.Event) {
	chans := h.subs[executionID]
	for i, c := range chans {
		if c == ch {
			h.subs[executionID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.subs[executionID]) == 0 {
		delete(h.subs, executionID)
	}
}
