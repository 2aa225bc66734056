// Package step runs a single workflow node: it resolves templates in the
// node configuration, dispatches to the registered action, and applies the
// node's retry policy with exponential backoff.
package step

import (
	"context"
	"time"

	"github.com/loomhq/loom/runtime/action"
	"github.com/loomhq/loom/runtime/template"
	"github.com/loomhq/loom/runtime/workflow"
)

type (
	// RetryConfig is the per-node retry policy. MaxAttempts counts retries
	// after the first try; zero disables retrying.
	RetryConfig struct {
		MaxAttempts       int     `json:"maxAttempts"`
		InitialDelayMs    int     `json:"initialDelayMs"`
		BackoffMultiplier float64 `json:"backoffMultiplier"`
		MaxDelayMs        int     `json:"maxDelayMs"`
	}

	// Outcome is the final result of running a node, after retries.
	Outcome struct {
		Result              action.Result
		Duration            time.Duration
		RetryAttempts       int
		RetriedSuccessfully bool
	}

	// Request describes one node invocation.
	Request struct {
		Node workflow.Node
		// Context is the accumulated execution context.
		Context map[string]any
		// Cancelled, when set, is polled between retry attempts so a
		// cancelled execution stops without waiting out the backoff.
		Cancelled func() bool
	}

	// Executor dispatches node invocations against an action registry.
	Executor struct {
		registry *action.Registry
		services action.Services
		sleep    func(ctx context.Context, d time.Duration) error
	}

	// Option customizes an Executor.
	Option func(*Executor)
)

// DefaultRetryConfig is applied where the node carries no retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       0,
		InitialDelayMs:    1000,
		BackoffMultiplier: 2,
		MaxDelayMs:        30000,
	}
}

// WithSleep overrides the backoff sleep, used by tests to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor returns an executor over the given registry. services may be
// nil when no registered action needs credentials.
func NewExecutor(reg *action.Registry, services action.Services, opts ...Option) *Executor {
	e := &Executor{
		registry: reg,
		services: services,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes the node, retrying failed attempts per the node's retry
// policy. The returned outcome always carries a result; executor-level
// problems (unknown node kind, panicking action) surface as failed results.
func (e *Executor) Run(ctx context.Context, req Request) Outcome {
	start := time.Now()
	retry := RetryFromNode(req.Node)

	fn, ok := e.registry.Lookup(req.Node.Type)
	if !ok {
		return Outcome{
			Result:   action.Failf("unknown node type %q", req.Node.Type),
			Duration: time.Since(start),
		}
	}

	data, _ := template.ResolveValue(req.Node.Data, req.Context).(map[string]any)
	in := action.Input{
		Node:     req.Node,
		Data:     data,
		Context:  req.Context,
		Services: e.services,
	}

	var res action.Result
	attempts := 0
	for {
		res = invoke(ctx, fn, in)
		if res.Success || attempts >= retry.MaxAttempts {
			break
		}
		if err := e.sleep(ctx, retry.Delay(attempts+1)); err != nil {
			res = action.Fail("cancelled")
			break
		}
		if req.Cancelled != nil && req.Cancelled() {
			res = action.Fail("cancelled")
			break
		}
		attempts++
	}

	return Outcome{
		Result:              res,
		Duration:            time.Since(start),
		RetryAttempts:       attempts,
		RetriedSuccessfully: res.Success && attempts > 0,
	}
}

// Delay returns the backoff before the given retry attempt (1-based),
// capped at MaxDelayMs.
func (c RetryConfig) Delay(attempt int) time.Duration {
	ms := float64(c.InitialDelayMs)
	for i := 1; i < attempt; i++ {
		ms *= c.BackoffMultiplier
	}
	if limit := float64(c.MaxDelayMs); ms > limit {
		ms = limit
	}
	return time.Duration(ms) * time.Millisecond
}

// RetryFromNode reads the node's retryConfig mapping, falling back to
// defaults for absent or malformed fields.
func RetryFromNode(n workflow.Node) RetryConfig {
	c := DefaultRetryConfig()
	raw, ok := n.Data["retryConfig"].(map[string]any)
	if !ok {
		return c
	}
	if v, ok := asInt(raw["maxAttempts"]); ok && v >= 0 {
		c.MaxAttempts = v
	}
	if v, ok := asInt(raw["initialDelayMs"]); ok && v >= 0 {
		c.InitialDelayMs = v
	}
	if v, ok := asFloat(raw["backoffMultiplier"]); ok && v >= 1 {
		c.BackoffMultiplier = v
	}
	if v, ok := asInt(raw["maxDelayMs"]); ok && v >= 0 {
		c.MaxDelayMs = v
	}
	return c
}

// invoke runs the action with panic recovery so a buggy action fails the
// step instead of the worker.
func invoke(ctx context.Context, fn action.Func, in action.Input) (res action.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = action.Failf("action panicked: %v", r)
		}
	}()
	return fn(ctx, in)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
