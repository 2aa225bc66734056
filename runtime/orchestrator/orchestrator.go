// Package orchestrator drives workflow executions: it launches them onto the
// job queue, walks the graph in topological order, runs each node through
// the step executor, records step logs, publishes progress events, and
// settles the execution in a terminal state.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/runtime/execution"
	"github.com/loomhq/loom/runtime/queue"
	"github.com/loomhq/loom/runtime/scheduler"
	"github.com/loomhq/loom/runtime/step"
	"github.com/loomhq/loom/runtime/steplog"
	"github.com/loomhq/loom/runtime/stream"
	"github.com/loomhq/loom/runtime/workflow"
	"github.com/loomhq/loom/runtime/workflow/graph"
)

// JobExecuteWorkflow is the queue job name for workflow executions.
const JobExecuteWorkflow = "execute-workflow"

// cancelledMessage is the terminal error recorded for cancelled executions.
const cancelledMessage = "Execution cancelled by user"

var (
	// ErrNotCancellable indicates the execution already reached a terminal
	// state.
	ErrNotCancellable = errors.New("execution already completed")
	// ErrInactive indicates the workflow is not active.
	ErrInactive = errors.New("workflow is not active")
)

type (
	// ExecutePayload is the execute-workflow job argument.
	ExecutePayload struct {
		ExecutionID string         `json:"executionId"`
		WorkflowID  string         `json:"workflowId"`
		OwnerID     string         `json:"ownerId"`
		TriggerData map[string]any `json:"triggerData,omitempty"`
	}

	// Notifier delivers failure notifications for workflows that configured
	// a notification email.
	Notifier interface {
		ExecutionFailed(ctx context.Context, email, workflowName, executionID, errMsg string) error
	}

	// Options collects the orchestrator's dependencies.
	Options struct {
		Workflows  workflow.Store
		Executions execution.Store
		StepLogs   steplog.Store
		Queue      queue.Queue
		Executor   *step.Executor
		Sink       stream.Sink
		Canceller  Canceller
		// Notifier is optional; nil disables failure notifications.
		Notifier Notifier
	}

	// Orchestrator executes workflows.
	Orchestrator struct {
		workflows  workflow.Store
		executions execution.Store
		steps      steplog.Store
		queue      queue.Queue
		executor   *step.Executor
		sink       stream.Sink
		canceller  Canceller
		notifier   Notifier
	}
)

// New constructs an orchestrator. All Options fields except Notifier are
// required.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		workflows:  opts.Workflows,
		executions: opts.Executions,
		steps:      opts.StepLogs,
		queue:      opts.Queue,
		executor:   opts.Executor,
		sink:       opts.Sink,
		canceller:  opts.Canceller,
		notifier:   opts.Notifier,
	}
}

// Launch creates a PENDING execution and enqueues its job. The execution id
// doubles as the job id, so replaying an enqueue is idempotent.
func (o *Orchestrator) Launch(ctx context.Context, wf *workflow.Workflow, triggerData map[string]any) (*execution.Execution, error) {
	if !wf.IsActive {
		return nil, ErrInactive
	}
	exec := &execution.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		OwnerID:     wf.OwnerID,
		Status:      execution.StatusPending,
		TriggerData: triggerData,
		CreatedAt:   time.Now(),
	}
	if err := o.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	payload, err := json.Marshal(ExecutePayload{
		ExecutionID: exec.ID,
		WorkflowID:  wf.ID,
		OwnerID:     wf.OwnerID,
		TriggerData: triggerData,
	})
	if err != nil {
		return nil, err
	}
	if _, err := o.queue.Enqueue(ctx, JobExecuteWorkflow, payload, queue.Options{JobID: exec.ID}); err != nil {
		return nil, fmt.Errorf("enqueue execution: %w", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "execution enqueued"},
		log.KV{K: "execution", V: exec.ID}, log.KV{K: "workflow", V: wf.ID})
	return exec, nil
}

// Replay launches a fresh execution of the workflow reusing the trigger data
// of a previous one.
func (o *Orchestrator) Replay(ctx context.Context, executionID string) (*execution.Execution, error) {
	prev, err := o.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	wf, err := o.workflows.Get(ctx, prev.WorkflowID)
	if err != nil {
		return nil, err
	}
	return o.Launch(ctx, wf, prev.TriggerData)
}

// Cancel stops an execution. PENDING executions have their queue job removed
// and settle FAILED immediately; RUNNING executions are flagged and stop
// between nodes or retry attempts.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	exec, err := o.executions.Get(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case execution.StatusPending:
		if err := o.queue.RemoveJob(ctx, exec.ID); err != nil {
			return err
		}
		o.settle(ctx, exec, nil, cancelledMessage)
		return nil
	case execution.StatusRunning:
		return o.canceller.RequestCancel(ctx, executionID)
	default:
		return ErrNotCancellable
	}
}

// Workers consumes execution and schedule jobs until ctx is canceled.
func (o *Orchestrator) Workers(ctx context.Context, concurrency int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.queue.Worker(ctx, JobExecuteWorkflow, concurrency, o.HandleExecute) })
	g.Go(func() error { return o.queue.Worker(ctx, scheduler.JobScheduledExecution, concurrency, o.HandleScheduled) })
	return g.Wait()
}

// HandleScheduled turns a schedule firing into an execution. Workflows
// deactivated after the firing was enqueued are skipped silently.
func (o *Orchestrator) HandleScheduled(ctx context.Context, job queue.Job) error {
	var payload scheduler.Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		log.Errorf(ctx, err, "malformed scheduled job dropped")
		return nil
	}
	wf, err := o.workflows.Get(ctx, payload.WorkflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			log.Printf(ctx, "scheduled workflow %s no longer exists", payload.WorkflowID)
			return nil
		}
		return err
	}
	if !wf.IsActive {
		return nil
	}
	_, err = o.Launch(ctx, wf, map[string]any{
		"triggerId":   payload.TriggerID,
		"isScheduled": payload.IsScheduled,
		"firedAt":     time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

// HandleExecute runs one execution job end to end. Node failures settle the
// execution and complete the job; only infrastructure errors propagate so
// the queue redelivers.
func (o *Orchestrator) HandleExecute(ctx context.Context, job queue.Job) error {
	var payload ExecutePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		log.Errorf(ctx, err, "malformed execution job dropped")
		return nil
	}
	ctx = log.With(ctx, log.KV{K: "execution", V: payload.ExecutionID})

	exec, err := o.executions.Get(ctx, payload.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	if exec.Status.Terminal() {
		// Redelivery of an already settled job.
		return nil
	}
	if o.canceller.Cancelled(ctx, exec.ID) {
		o.settle(ctx, exec, nil, cancelledMessage)
		return nil
	}
	wf, err := o.workflows.Get(ctx, payload.WorkflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			o.settle(ctx, exec, nil, "Workflow no longer exists")
			return nil
		}
		return fmt.Errorf("load workflow: %w", err)
	}

	o.run(ctx, wf, exec)
	return nil
}

// run walks the workflow graph for one execution.
func (o *Orchestrator) run(ctx context.Context, wf *workflow.Workflow, exec *execution.Execution) {
	now := time.Now()
	exec.Status = execution.StatusRunning
	exec.StartedAt = &now
	if err := o.executions.Update(ctx, exec); err != nil {
		log.Errorf(ctx, err, "execution not marked running")
	}

	steps, dropped := graph.Order(wf.Definition)
	if len(dropped) > 0 {
		log.Printf(ctx, "definition cycle: %d nodes dropped from execution", len(dropped))
	}
	o.publish(ctx, stream.NewExecutionStart(exec.ID, stream.ExecutionStartPayload{
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		TotalSteps:   len(steps),
		StartedAt:    now,
	}))

	trigger := exec.TriggerData
	if trigger == nil {
		trigger = map[string]any{}
	}
	execCtx := map[string]any{"trigger": trigger}
	skipped := make(map[string]bool)
	var lastOutput any
	done := 0

	for _, s := range steps {
		if o.canceller.Cancelled(ctx, exec.ID) {
			o.settle(ctx, exec, nil, cancelledMessage)
			return
		}
		node, _ := wf.Definition.Node(s.NodeID)

		if skipped[s.NodeID] {
			o.recordSkip(ctx, exec, node)
			done++
			o.reportProgress(ctx, exec.ID, done, len(steps))
			continue
		}

		entry := &steplog.Entry{
			ExecutionID: exec.ID,
			NodeID:      node.ID,
			NodeName:    node.DisplayName(),
			NodeType:    string(node.Type),
			Status:      steplog.StatusRunning,
			Input:       o.snapshot(s, exec, execCtx),
			CreatedAt:   time.Now(),
		}
		if err := o.steps.Append(ctx, entry); err != nil {
			log.Errorf(ctx, err, "step log not appended for node %s", node.ID)
		}
		o.publish(ctx, stream.NewStepStart(exec.ID, stream.StepStartPayload{
			NodeID:   node.ID,
			NodeName: node.DisplayName(),
			NodeType: string(node.Type),
		}))

		outcome := o.executor.Run(ctx, step.Request{
			Node:      node,
			Context:   execCtx,
			Cancelled: func() bool { return o.canceller.Cancelled(ctx, exec.ID) },
		})
		o.recordOutcome(ctx, exec, node, outcome)
		done++
		o.reportProgress(ctx, exec.ID, done, len(steps))

		if !outcome.Result.Success {
			if outcome.Result.Error == "cancelled" {
				o.settle(ctx, exec, nil, cancelledMessage)
				return
			}
			log.Printf(ctx, "node %s failed: %s", node.DisplayName(), outcome.Result.Error)
			o.settle(ctx, exec, nil, outcome.Result.Error)
			o.notifyFailure(ctx, wf, exec, outcome.Result.Error)
			return
		}

		execCtx[node.ID] = outcome.Result.Output
		lastOutput = outcome.Result.Output
		if node.Type == workflow.NodeCondition {
			result := conditionResult(outcome.Result.Output)
			for id := range graph.SkipSet(wf.Definition, node.ID, result) {
				skipped[id] = true
			}
		}
	}

	o.settle(ctx, exec, lastOutput, "")
}

// reportProgress updates the queue job's completion percentage. Progress is
// bookkeeping only and never fails the run.
func (o *Orchestrator) reportProgress(ctx context.Context, executionID string, done, total int) {
	if total == 0 {
		return
	}
	if err := o.queue.UpdateProgress(ctx, executionID, done*100/total); err != nil {
		log.Debugf(ctx, "job progress not updated: %v", err)
	}
}

// snapshot picks the input recorded in the step log: trigger nodes snapshot
// the trigger payload, downstream nodes the output of their first
// dependency, entry actions the whole context.
func (o *Orchestrator) snapshot(s graph.Step, exec *execution.Execution, execCtx map[string]any) any {
	if s.Type.IsTrigger() {
		return exec.TriggerData
	}
	if len(s.DependsOn) > 0 {
		if v, ok := execCtx[s.DependsOn[0]]; ok {
			return v
		}
	}
	snap := make(map[string]any, len(execCtx))
	for k, v := range execCtx {
		snap[k] = v
	}
	return snap
}

// settle persists the terminal state and publishes execution:complete. An
// empty errMsg settles SUCCESS; output is the last executed node's output
// and is nil on failure.
func (o *Orchestrator) settle(ctx context.Context, exec *execution.Execution, output any, errMsg string) {
	now := time.Now()
	exec.CompletedAt = &now
	exec.Output = output
	if errMsg == "" {
		exec.Status = execution.StatusSuccess
	} else {
		exec.Status = execution.StatusFailed
		exec.Error = errMsg
	}
	if err := o.executions.Update(ctx, exec); err != nil {
		log.Errorf(ctx, err, "execution terminal state not persisted")
	}
	if err := o.canceller.Clear(ctx, exec.ID); err != nil {
		log.Debugf(ctx, "cancel flag not cleared: %v", err)
	}
	o.publish(ctx, stream.NewExecutionComplete(exec.ID, stream.ExecutionCompletePayload{
		Status:     string(exec.Status),
		Error:      exec.Error,
		Output:     exec.Output,
		DurationMs: exec.Duration().Milliseconds(),
	}))
	log.Print(ctx, log.KV{K: "msg", V: "execution settled"},
		log.KV{K: "status", V: exec.Status}, log.KV{K: "duration", V: exec.Duration()})
}

func (o *Orchestrator) recordSkip(ctx context.Context, exec *execution.Execution, node workflow.Node) {
	if err := o.steps.Append(ctx, &steplog.Entry{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		NodeName:    node.DisplayName(),
		NodeType:    string(node.Type),
		Status:      steplog.StatusSkipped,
		CreatedAt:   time.Now(),
	}); err != nil {
		log.Errorf(ctx, err, "skip log not appended for node %s", node.ID)
	}
	o.publish(ctx, stream.NewStepComplete(exec.ID, stream.StepCompletePayload{
		NodeID:   node.ID,
		NodeName: node.DisplayName(),
		NodeType: string(node.Type),
		Status:   string(steplog.StatusSkipped),
	}))
}

func (o *Orchestrator) recordOutcome(ctx context.Context, exec *execution.Execution, node workflow.Node, outcome step.Outcome) {
	status := steplog.StatusSuccess
	if !outcome.Result.Success {
		status = steplog.StatusError
	}
	durationMs := outcome.Duration.Milliseconds()
	errMsg := outcome.Result.Error
	retries := outcome.RetryAttempts
	recovered := outcome.RetriedSuccessfully
	if err := o.steps.UpdateLatest(ctx, exec.ID, node.ID, steplog.Patch{
		Status:              &status,
		Output:              outcome.Result.Output,
		Error:               &errMsg,
		DurationMs:          &durationMs,
		RetryAttempts:       &retries,
		RetriedSuccessfully: &recovered,
	}); err != nil {
		log.Errorf(ctx, err, "step log not updated for node %s", node.ID)
	}
	o.publish(ctx, stream.NewStepComplete(exec.ID, stream.StepCompletePayload{
		NodeID:        node.ID,
		NodeName:      node.DisplayName(),
		NodeType:      string(node.Type),
		Status:        string(status),
		Output:        outcome.Result.Output,
		Error:         errMsg,
		DurationMs:    durationMs,
		RetryAttempts: retries,
	}))
}

// publish delivers a progress event, logging transport failures. Progress is
// best-effort and never fails an execution.
func (o *Orchestrator) publish(ctx context.Context, event stream.Event) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Send(ctx, event); err != nil {
		log.Debugf(ctx, "progress event %s not delivered: %v", event.Type(), err)
	}
}

func (o *Orchestrator) notifyFailure(ctx context.Context, wf *workflow.Workflow, exec *execution.Execution, msg string) {
	if o.notifier == nil || wf.NotificationEmail == "" {
		return
	}
	if err := o.notifier.ExecutionFailed(ctx, wf.NotificationEmail, wf.Name, exec.ID, msg); err != nil {
		log.Errorf(ctx, err, "failure notification not sent")
	}
}

// conditionResult extracts the boolean from a condition node's output.
func conditionResult(output any) bool {
	m, ok := output.(map[string]any)
	if !ok {
		return false
	}
	b, _ := m["result"].(bool)
	return b
}
