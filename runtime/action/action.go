// Package action defines the node action contract and the registry that maps
// node kinds to their implementations. Actions report failure through the
// Result value rather than an error return; the step executor turns failed
// results into retries and error step logs.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loom/runtime/workflow"
)

type (
	// Input carries everything an action needs for one node invocation.
	Input struct {
		// Node is the raw node from the definition.
		Node workflow.Node
		// Data is the node configuration with templates resolved against
		// Context.
		Data map[string]any
		// Context maps node ids (and "trigger") to prior node outputs.
		Context map[string]any
		// Services exposes runtime dependencies such as credential lookup.
		Services Services
	}

	// Result is the outcome of one action invocation. Output is recorded in
	// the execution context under the node id when Success is true; Error
	// carries the user-facing message otherwise.
	Result struct {
		Success bool   `json:"success"`
		Output  any    `json:"output,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	// Func executes a single node. Implementations must honor ctx
	// cancellation on I/O and never panic on malformed Data.
	Func func(ctx context.Context, in Input) Result

	// Services is the runtime surface actions may call back into.
	Services interface {
		// Credential returns the decrypted credential data for the id.
		Credential(ctx context.Context, id string) (map[string]any, error)
	}
)

// OK returns a successful result carrying output.
func OK(output any) Result {
	return Result{Success: true, Output: output}
}

// Fail returns a failed result with the given message.
func Fail(msg string) Result {
	return Result{Success: false, Error: msg}
}

// Failf returns a failed result with a formatted message.
func Failf(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Registry maps node kinds to action implementations. Registration is
// typically done once at startup; Lookup is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[workflow.NodeType]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[workflow.NodeType]Func)}
}

// Register binds fn to the node kind, replacing any previous binding.
func (r *Registry) Register(t workflow.NodeType, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[t] = fn
}

// Lookup returns the action registered for the node kind.
func (r *Registry) Lookup(t workflow.NodeType) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[t]
	return fn, ok
}

// Types returns the registered node kinds in sorted order.
func (r *Registry) Types() []workflow.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]workflow.NodeType, 0, len(r.actions))
	for t := range r.actions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
