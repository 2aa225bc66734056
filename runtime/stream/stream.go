// Package stream delivers real-time execution progress to clients. The
// orchestrator publishes one event when an execution starts, a pair per
// step, and one when the execution reaches a terminal state. Transports
// (WebSocket rooms, Pulse streams) implement Sink and Subscriber.
//
// All event types implement the Event interface and can be sent concurrently
// through a Sink implementation. Implementations are responsible for
// marshaling events into their wire format.
package stream

import (
	"context"
	"time"
)

type (
	// Sink publishes progress events to a transport. Implementations must be
	// thread-safe: workers publish concurrently for separate executions.
	Sink interface {
		// Send publishes an event. It returns an error when delivery fails;
		// the orchestrator logs and continues, progress delivery is
		// best-effort and never fails an execution.
		Send(ctx context.Context, event Event) error

		// Close releases transport resources. Close is idempotent; Send
		// returns errors after the first call.
		Close(ctx context.Context) error
	}

	// Subscriber attaches a consumer to one execution's event feed.
	Subscriber interface {
		// Subscribe returns a channel of events for the execution. The
		// channel closes when ctx is canceled or the transport shuts down.
		Subscribe(ctx context.Context, executionID string) (<-chan Event, error)
	}

	// Event is a progress update delivered to clients through a Sink. All
	// concrete event types embed Base; sinks use the interface to marshal
	// generically and consumers type-assert when they need field access.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// ExecutionID returns the execution that produced the event. Events
		// of one execution share the id, which doubles as the room key.
		ExecutionID() string
		// Payload returns the event-specific data in JSON-serializable form.
		Payload() any
	}

	// ExecutionStart signals the orchestrator picked the execution up.
	ExecutionStart struct {
		Base
		Data ExecutionStartPayload
	}

	// StepStart signals a node began executing.
	StepStart struct {
		Base
		Data StepStartPayload
	}

	// StepComplete signals a node finished, successfully or not. Skipped
	// nodes emit StepComplete with Status "skipped" and no StepStart.
	StepComplete struct {
		Base
		Data StepCompletePayload
	}

	// ExecutionComplete signals the execution reached a terminal state.
	// It is always the last event of an execution's feed.
	ExecutionComplete struct {
		Base
		Data ExecutionCompletePayload
	}

	// ExecutionStartPayload carries the workflow identity for UI headers.
	ExecutionStartPayload struct {
		WorkflowID   string `json:"workflowId"`
		WorkflowName string `json:"workflowName,omitempty"`
		// TotalSteps is the node count after cycle dropping, letting UIs
		// render progress bars.
		TotalSteps int       `json:"totalSteps"`
		StartedAt  time.Time `json:"startedAt"`
	}

	// StepStartPayload identifies the node that began executing.
	StepStartPayload struct {
		NodeID   string `json:"nodeId"`
		NodeName string `json:"nodeName,omitempty"`
		NodeType string `json:"nodeType"`
	}

	// StepCompletePayload carries the node outcome.
	StepCompletePayload struct {
		NodeID   string `json:"nodeId"`
		NodeName string `json:"nodeName,omitempty"`
		NodeType string `json:"nodeType"`
		// Status is the step-level state: success, error or skipped.
		Status string `json:"status"`
		Output any    `json:"output,omitempty"`
		Error  string `json:"error,omitempty"`
		// DurationMs is the step wall time including retries.
		DurationMs int64 `json:"durationMs"`
		// RetryAttempts counts retries after the first try.
		RetryAttempts int `json:"retryAttempts,omitempty"`
	}

	// ExecutionCompletePayload carries the terminal execution state.
	ExecutionCompletePayload struct {
		// Status is SUCCESS or FAILED.
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
		Output any    `json:"output,omitempty"`
		// DurationMs is the execution wall time.
		DurationMs int64 `json:"durationMs"`
	}

	// Base provides a default implementation of Event. Embed it in concrete
	// event types; field names are abbreviated since Base fields are only
	// read through the interface methods.
	Base struct {
		t EventType
		e string
		p any
	}
)

// EventType enumerates progress payload flavors.
type EventType string

const (
	// EventExecutionStart is emitted once when the execution enters RUNNING.
	EventExecutionStart EventType = "execution:start"
	// EventStepStart is emitted before each non-skipped node runs.
	EventStepStart EventType = "step:start"
	// EventStepComplete is emitted after each node completes or is skipped.
	EventStepComplete EventType = "step:complete"
	// EventExecutionComplete is emitted once, after the terminal state is
	// persisted. No further events follow it.
	EventExecutionComplete EventType = "execution:complete"
)

// Room returns the subscription room key for an execution.
func Room(executionID string) string {
	return "execution:" + executionID
}

// NewBase constructs a Base event with the given type, execution id and
// payload.
func NewBase(t EventType, executionID string, payload any) Base {
	return Base{t: t, e: executionID, p: payload}
}

// NewExecutionStart constructs an ExecutionStart event.
func NewExecutionStart(executionID string, p ExecutionStartPayload) *ExecutionStart {
	return &ExecutionStart{Base: NewBase(EventExecutionStart, executionID, p), Data: p}
}

// NewStepStart constructs a StepStart event.
func NewStepStart(executionID string, p StepStartPayload) *StepStart {
	return &StepStart{Base: NewBase(EventStepStart, executionID, p), Data: p}
}

// NewStepComplete constructs a StepComplete event.
func NewStepComplete(executionID string, p StepCompletePayload) *StepComplete {
	return &StepComplete{Base: NewBase(EventStepComplete, executionID, p), Data: p}
}

// NewExecutionComplete constructs an ExecutionComplete event.
func NewExecutionComplete(executionID string, p ExecutionCompletePayload) *ExecutionComplete {
	return &ExecutionComplete{Base: NewBase(EventExecutionComplete, executionID, p), Data: p}
}

// Type implements Event.Type.
func (e Base) Type() EventType { return e.t }

// ExecutionID implements Event.ExecutionID.
func (e Base) ExecutionID() string { return e.e }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.p }
