package step

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/action"
	"github.com/loomhq/loom/runtime/workflow"
)

func noSleep() (Option, *[]time.Duration) {
	var delays []time.Duration
	opt := WithSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})
	return opt, &delays
}

func registryWith(t workflow.NodeType, fn action.Func) *action.Registry {
	r := action.NewRegistry()
	r.Register(t, fn)
	return r
}

func TestRunResolvesTemplatesBeforeDispatch(t *testing.T) {
	t.Parallel()

	var got map[string]any
	reg := registryWith(workflow.NodeHTTPRequest, func(_ context.Context, in action.Input) action.Result {
		got = in.Data
		return action.OK(nil)
	})
	opt, _ := noSleep()
	e := NewExecutor(reg, nil, opt)

	out := e.Run(context.Background(), Request{
		Node: workflow.Node{
			ID:   "n1",
			Type: workflow.NodeHTTPRequest,
			Data: map[string]any{"url": "https://api.test/{{trigger.id}}"},
		},
		Context: map[string]any{"trigger": map[string]any{"id": "abc"}},
	})
	require.True(t, out.Result.Success)
	assert.Equal(t, "https://api.test/abc", got["url"])
}

func TestRunUnknownTypeFails(t *testing.T) {
	t.Parallel()

	e := NewExecutor(action.NewRegistry(), nil)
	out := e.Run(context.Background(), Request{Node: workflow.Node{Type: "bogus"}})
	require.False(t, out.Result.Success)
	assert.Contains(t, out.Result.Error, "bogus")
}

func TestRunRetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()

	calls := 0
	reg := registryWith(workflow.NodeHTTPRequest, func(_ context.Context, _ action.Input) action.Result {
		calls++
		if calls < 4 {
			return action.Fail("boom")
		}
		return action.OK("done")
	})
	opt, delays := noSleep()
	e := NewExecutor(reg, nil, opt)

	out := e.Run(context.Background(), Request{
		Node: workflow.Node{
			Type: workflow.NodeHTTPRequest,
			Data: map[string]any{
				"retryConfig": map[string]any{
					"maxAttempts":       float64(5),
					"initialDelayMs":    float64(100),
					"backoffMultiplier": float64(2),
					"maxDelayMs":        float64(300),
				},
			},
		},
	})
	require.True(t, out.Result.Success)
	assert.Equal(t, 3, out.RetryAttempts)
	assert.True(t, out.RetriedSuccessfully)
	// 100ms, 200ms, then capped at 300ms instead of 400ms.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, *delays)
}

func TestRunExhaustsRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	reg := registryWith(workflow.NodeHTTPRequest, func(_ context.Context, _ action.Input) action.Result {
		calls++
		return action.Fail("always")
	})
	opt, _ := noSleep()
	e := NewExecutor(reg, nil, opt)

	out := e.Run(context.Background(), Request{
		Node: workflow.Node{
			Type: workflow.NodeHTTPRequest,
			Data: map[string]any{"retryConfig": map[string]any{"maxAttempts": float64(2)}},
		},
	})
	require.False(t, out.Result.Success)
	assert.Equal(t, "always", out.Result.Error)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, out.RetryAttempts)
	assert.False(t, out.RetriedSuccessfully)
}

func TestRunNoRetryByDefault(t *testing.T) {
	t.Parallel()

	calls := 0
	reg := registryWith(workflow.NodeHTTPRequest, func(_ context.Context, _ action.Input) action.Result {
		calls++
		return action.Fail("nope")
	})
	e := NewExecutor(reg, nil)
	out := e.Run(context.Background(), Request{Node: workflow.Node{Type: workflow.NodeHTTPRequest}})
	require.False(t, out.Result.Success)
	assert.Equal(t, 1, calls)
	assert.Zero(t, out.RetryAttempts)
}

func TestRunStopsWhenCancelledBetweenAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	reg := registryWith(workflow.NodeHTTPRequest, func(_ context.Context, _ action.Input) action.Result {
		calls++
		return action.Fail("boom")
	})
	opt, _ := noSleep()
	e := NewExecutor(reg, nil, opt)

	out := e.Run(context.Background(), Request{
		Node: workflow.Node{
			Type: workflow.NodeHTTPRequest,
			Data: map[string]any{"retryConfig": map[string]any{"maxAttempts": float64(5)}},
		},
		Cancelled: func() bool { return true },
	})
	require.False(t, out.Result.Success)
	assert.Equal(t, "cancelled", out.Result.Error)
	assert.Equal(t, 1, calls)
}

func TestRunRecoversFromPanickingAction(t *testing.T) {
	t.Parallel()

	reg := registryWith(workflow.NodeTransform, func(_ context.Context, _ action.Input) action.Result {
		panic("nil map write")
	})
	e := NewExecutor(reg, nil)
	out := e.Run(context.Background(), Request{Node: workflow.Node{Type: workflow.NodeTransform}})
	require.False(t, out.Result.Success)
	assert.Contains(t, out.Result.Error, "nil map write")
}

func TestRetryFromNodeDefaults(t *testing.T) {
	t.Parallel()

	c := RetryFromNode(workflow.Node{})
	assert.Equal(t, DefaultRetryConfig(), c)

	c = RetryFromNode(workflow.Node{Data: map[string]any{
		"retryConfig": map[string]any{"maxAttempts": float64(3), "backoffMultiplier": float64(0.5)},
	}})
	assert.Equal(t, 3, c.MaxAttempts)
	// multipliers below one are rejected, keeping backoff monotone
	assert.Equal(t, float64(2), c.BackoffMultiplier)
}

func TestDelayMonotoneUnderCap(t *testing.T) {
	t.Parallel()

	c := RetryConfig{InitialDelayMs: 50, BackoffMultiplier: 3, MaxDelayMs: 100000}
	prev := time.Duration(0)
	for i := 1; i <= 6; i++ {
		d := c.Delay(i)
		require.Greater(t, d, prev)
		prev = d
	}
}
