package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/action"
	"github.com/loomhq/loom/runtime/execution"
	execinmem "github.com/loomhq/loom/runtime/execution/inmem"
	"github.com/loomhq/loom/runtime/queue"
	queueinmem "github.com/loomhq/loom/runtime/queue/inmem"
	"github.com/loomhq/loom/runtime/step"
	"github.com/loomhq/loom/runtime/steplog"
	loginmem "github.com/loomhq/loom/runtime/steplog/inmem"
	"github.com/loomhq/loom/runtime/stream"
	streaminmem "github.com/loomhq/loom/runtime/stream/inmem"
	"github.com/loomhq/loom/runtime/workflow"
	wfinmem "github.com/loomhq/loom/runtime/workflow/inmem"
)

type fixture struct {
	orch       *Orchestrator
	workflows  *wfinmem.Store
	executions *execinmem.Store
	steps      *loginmem.Store
	queue      *queueinmem.Queue
	hub        *streaminmem.Hub
	canceller  *MemoryCanceller
	notifier   *fakeNotifier
	registry   *action.Registry
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) ExecutionFailed(_ context.Context, email, _, _, errMsg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, email+": "+errMsg)
	return nil
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		workflows:  wfinmem.New(),
		executions: execinmem.New(),
		steps:      loginmem.New(),
		queue:      queueinmem.New(),
		hub:        streaminmem.NewHub(),
		canceller:  NewMemoryCanceller(),
		notifier:   &fakeNotifier{},
		registry:   action.NewRegistry(),
	}
	t.Cleanup(func() { _ = f.queue.Close(context.Background()) })
	action.RegisterCore(f.registry)
	executor := step.NewExecutor(f.registry, nil, step.WithSleep(
		func(context.Context, time.Duration) error { return nil }))
	f.orch = New(Options{
		Workflows:  f.workflows,
		Executions: f.executions,
		StepLogs:   f.steps,
		Queue:      f.queue,
		Executor:   executor,
		Sink:       f.hub,
		Canceller:  f.canceller,
		Notifier:   f.notifier,
	})
	return f
}

// runNow executes the launched job synchronously instead of going through a
// worker, keeping tests deterministic.
func (f *fixture) runNow(t *testing.T, exec *execution.Execution) {
	t.Helper()
	payload, err := json.Marshal(ExecutePayload{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		OwnerID:     exec.OwnerID,
		TriggerData: exec.TriggerData,
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleExecute(context.Background(), queue.Job{
		ID: exec.ID, Name: JobExecuteWorkflow, Payload: payload, Attempt: 1,
	}))
}

func node(id string, typ workflow.NodeType, data map[string]any) workflow.Node {
	return workflow.Node{ID: id, Type: typ, Data: data}
}

func edge(src, dst, handle string) workflow.Edge {
	return workflow.Edge{ID: src + "->" + dst, Source: src, Target: dst, SourceHandle: handle}
}

func createWorkflow(t *testing.T, f *fixture, wf *workflow.Workflow) *workflow.Workflow {
	t.Helper()
	if wf.OwnerID == "" {
		wf.OwnerID = "local"
	}
	wf.IsActive = true
	require.NoError(t, f.workflows.Create(context.Background(), wf))
	return wf
}

func TestLinearExecutionSucceeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wf := createWorkflow(t, f, &workflow.Workflow{
		ID:   "wf-1",
		Name: "greet",
		Definition: workflow.Definition{
			Nodes: []workflow.Node{
				node("trig", workflow.NodeWebhookTrigger, nil),
				node("shape", workflow.NodeTransform, map[string]any{"expression": "trigger.name"}),
			},
			Edges: []workflow.Edge{edge("trig", "shape", "")},
		},
	})

	exec, err := f.orch.Launch(context.Background(), wf, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPending, exec.Status)
	f.runNow(t, exec)

	got, err := f.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "ada", got.Output)

	entries, err := f.steps.ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "trig", entries[0].NodeID)
	assert.Equal(t, steplog.StatusSuccess, entries[0].Status)
	assert.Equal(t, steplog.StatusSuccess, entries[1].Status)
	assert.Equal(t, "ada", entries[1].Output)
}

func TestOutputIsLastNodeOutput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wf := createWorkflow(t, f, &workflow.Workflow{
		ID: "wf-scalar",
		Definition: workflow.Definition{
			Nodes: []workflow.Node{
				node("trig", workflow.NodeWebhookTrigger, nil),
				node("shape", workflow.NodeTransform, map[string]any{"expression": "{{trigger.x}}"}),
			},
			Edges: []workflow.Edge{edge("trig", "shape", "")},
		},
	})

	exec, err := f.orch.Launch(context.Background(), wf, map[string]any{"x": float64(42)})
	require.NoError(t, err)
	f.runNow(t, exec)

	got, err := f.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	// The output is the scalar the last node produced, not the context map.
	assert.Equal(t, float64(42), got.Output)

	info, err := f.queue.GetJob(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, info.Progress)
}

func TestConditionSkipsOtherBranchButRunsMerge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wf := createWorkflow(t, f, &workflow.Workflow{
		ID: "wf-cond",
		Definition: workflow.Definition{
			Nodes: []workflow.Node{
				node("trig", workflow.NodeWebhookTrigger, nil),
				node("check", workflow.NodeCondition, map[string]any{"expression": "{{trigger.amount}} > 100"}),
				node("high", workflow.NodeTransform, map[string]any{"expression": "'big order'"}),
				node("low", workflow.NodeTransform, map[string]any{"expression": "'small order'"}),
				node("merge", workflow.NodeTransform, map[string]any{"expression": "trigger.amount"}),
			},
			Edges: []workflow.Edge{
				edge("trig", "check", ""),
				edge("check", "high", "true"),
				edge("check", "low", "false"),
				edge("high", "merge", ""),
				edge("low", "merge", ""),
			},
		},
	})

	exec, err := f.orch.Launch(context.Background(), wf, map[string]any{"amount": float64(250)})
	require.NoError(t, err)
	f.runNow(t, exec)

	got, err := f.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)

	byNode := map[string]steplog.Status{}
	entries, err := f.steps.ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	for _, e := range entries {
		byNode[e.NodeID] = e.Status
	}
	assert.Equal(t, steplog.StatusSuccess, byNode["check"])
	assert.Equal(t, steplog.StatusSuccess, byNode["high"])
	assert.Equal(t, steplog.StatusSkipped, byNode["low"])
	assert.Equal(t, steplog.StatusSuccess, byNode["merge"])
	assert.Equal(t, float64(250), got.Output)
}

func TestNodeFailureSettlesFailedAndNotifies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registry.Register(workflow.NodeHTTPRequest, func(context.Context, action.Input) action.Result {
		return action.Fail("connection refused")
	})
	wf := createWorkflow(t, f, &workflow.Workflow{
		ID:                "wf-fail",
		Name:              "fetcher",
		NotificationEmail: "ops@example.com",
		Definition: workflow.Definition{
			Nodes: []workflow.Node{
				node("trig", workflow.NodeWebhookTrigger, nil),
				node("fetch", workflow.NodeHTTPRequest, map[string]any{"url": "https://down.test"}),
				node("after", workflow.NodeTransform, map[string]any{"expression": "'unreached'"}),
			},
			Edges: []workflow.Edge{edge("trig", "fetch", ""), edge("fetch", "after", "")},
		},
	})

	exec, err := f.orch.Launch(context.Background(), wf, nil)
	require.NoError(t, err)
	f.runNow(t, exec)

	got, err := f.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, "connection refused", got.Error)
	assert.Nil(t, got.Output)

	entries, err := f.steps.ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	// The node after the failure never gets an entry.
	require.Len(t, entries, 2)
	assert.Equal(t, steplog.StatusError, entries[1].Status)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "ops@example.com")
}

func TestCancelPendingRemovesJobAndFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wf := createWorkflow(t, f, &workflow.Workflow{
		ID: "wf-pending",
		Definition: workflow.Definition{
			Nodes: []workflow.Node{node("trig", workflow.NodeWebhookTrigger, nil)},
		},
	})

	exec, err := f.orch.Launch(context.Background(), wf, nil)
	require.NoError(t, err)
	require.NoError(t, f.orch.Cancel(context.Background(), exec.ID))

	got, err := f.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, "Execution cancelled by user", got.Error)

	// A late delivery of the settled job is a no-op.
	f.runNow(t, exec)
	got, err = f.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
}

func TestCancelRunningStopsBetweenNodes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wf := createWorkflow(t, f, &workflow.Workflow{
		ID: "wf-cancel",
		Definition: workflow.Definition{
			Nodes: []workflow.Node{
				node("trig", workflow.NodeWebhookTrigger, nil),
				node("slow", workflow.NodeHTTPRequest, nil),
				node("after", workflow.NodeTransform, map[string]any{"expression": "'unreached'"}),
			},
			Edges: []workflow.Edge{edge("trig", "slow", ""), edge("slow", "after", "")},
		},
	})

	exec, err := f.orch.Launch(context.Background(), wf, nil)
	require.NoError(t, err)
	// The cancel request arrives while the slow node runs.
	f.registry.Register(workflow.NodeHTTPRequest, func(ctx context.Context, _ action.Input) action.Result {
		_ = f.canceller.RequestCancel(ctx, exec.ID)
		return action.OK("done")
	})
	f.runNow(t, exec)

	got, err := f.executions.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, "Execution cancelled by user", got.Error)

	entries, err := f.steps.ListByExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "after", e.NodeID)
	}
}

func TestCancelCompletedFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wf := createWorkflow(t, f, &workflow.Workflow{
		ID: "wf-done",
		Definition: workflow.Definition{
			Nodes: []workflow.Node{node("trig", workflow.NodeWebhookTrigger, nil)},
		},
	})
	exec, err := f.orch.Launch(context.Background(), wf, nil)
	require.NoError(t, err)
	f.runNow(t, exec)

	err = f.orch.Cancel(context.Background(), exec.ID)
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestReplayReusesTriggerData(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wf := createWorkflow(t, f, &workflow.Workflow{
		ID: "wf-replay",
		Definition: workflow.Definition{
			Nodes: []workflow.Node{
				node("trig", workflow.NodeWebhookTrigger, nil),
				node("shape", workflow.NodeTransform, map[string]any{"expression": "trigger.value"}),
			},
			Edges: []workflow.Edge{edge("trig", "shape", "")},
		},
	})

	first, err := f.orch.Launch(context.Background(), wf, map[string]any{"value": "original"})
	require.NoError(t, err)
	f.runNow(t, first)

	second, err := f.orch.Replay(context.Background(), first.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	f.runNow(t, second)

	got, err := f.executions.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	assert.Equal(t, "original", got.Output)
}

func TestLaunchInactiveWorkflowRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wf := &workflow.Workflow{ID: "wf-off", IsActive: false}
	require.NoError(t, f.workflows.Create(context.Background(), wf))
	_, err := f.orch.Launch(context.Background(), wf, nil)
	require.ErrorIs(t, err, ErrInactive)
}

func TestHandleScheduledSkipsDeactivatedWorkflow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wf := &workflow.Workflow{ID: "wf-sched", IsActive: false}
	require.NoError(t, f.workflows.Create(context.Background(), wf))

	payload, err := json.Marshal(map[string]any{
		"triggerId": "trig-1", "workflowId": "wf-sched", "ownerId": "local", "isScheduled": true,
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleScheduled(context.Background(), queue.Job{ID: "j1", Payload: payload}))

	out, err := f.executions.List(context.Background(), execution.Filter{WorkflowID: "wf-sched"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestProgressEventsOrdered(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	wf := createWorkflow(t, f, &workflow.Workflow{
		ID:   "wf-events",
		Name: "pipeline",
		Definition: workflow.Definition{
			Nodes: []workflow.Node{
				node("trig", workflow.NodeWebhookTrigger, nil),
				node("shape", workflow.NodeTransform, map[string]any{"expression": "trigger.x"}),
			},
			Edges: []workflow.Edge{edge("trig", "shape", "")},
		},
	})

	exec, err := f.orch.Launch(context.Background(), wf, map[string]any{"x": float64(1)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.hub.Subscribe(ctx, exec.ID)
	require.NoError(t, err)

	f.runNow(t, exec)

	var types []stream.EventType
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-events:
			types = append(types, ev.Type())
			switch ev.Type() {
			case stream.EventExecutionStart:
				start, ok := ev.(*stream.ExecutionStart)
				require.True(t, ok)
				assert.Equal(t, 2, start.Data.TotalSteps)
				assert.False(t, start.Data.StartedAt.IsZero())
			case stream.EventExecutionComplete:
				break collect
			}
		case <-deadline:
			t.Fatalf("incomplete event feed: %v", types)
		}
	}
	assert.Equal(t, []stream.EventType{
		stream.EventExecutionStart,
		stream.EventStepStart, stream.EventStepComplete,
		stream.EventStepStart, stream.EventStepComplete,
		stream.EventExecutionComplete,
	}, types)
}

func TestStepCompleteCarriesRetryCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var calls int
	f.registry.Register(workflow.NodeHTTPRequest, func(_ context.Context, _ action.Input) action.Result {
		calls++
		if calls == 1 {
			return action.Fail("transient")
		}
		return action.OK(map[string]any{"status": 200})
	})
	wf := createWorkflow(t, f, &workflow.Workflow{
		ID:   "wf-retry",
		Name: "flaky",
		Definition: workflow.Definition{
			Nodes: []workflow.Node{
				node("trig", workflow.NodeWebhookTrigger, nil),
				node("call", workflow.NodeHTTPRequest, map[string]any{
					"retryConfig": map[string]any{"maxAttempts": float64(2), "initialDelayMs": float64(1)},
				}),
			},
			Edges: []workflow.Edge{edge("trig", "call", "")},
		},
	})

	exec, err := f.orch.Launch(context.Background(), wf, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.hub.Subscribe(ctx, exec.ID)
	require.NoError(t, err)

	f.runNow(t, exec)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			done, ok := ev.(*stream.StepComplete)
			if !ok || done.Data.NodeID != "call" {
				continue
			}
			assert.Equal(t, "success", done.Data.Status)
			assert.Equal(t, 1, done.Data.RetryAttempts)
			return
		case <-deadline:
			t.Fatal("step:complete for call not received")
		}
	}
}
