// Package pulse publishes and consumes execution progress events over Pulse
// streams, one stream per execution. Services build a Redis client, wrap it
// in the shared Pulse client, and hand the resulting sink to the
// orchestrator and the subscriber to the WebSocket layer.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "github.com/loomhq/loom/features/pulse"
	"github.com/loomhq/loom/runtime/stream"
)

type (
	// SinkOptions configures the Pulse sink.
	SinkOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// the execution room key.
		StreamID func(stream.Event) (string, error)
	}

	// Sink publishes progress events into Pulse streams. Thread-safe for
	// concurrent Send operations.
	Sink struct {
		client   clientspulse.Client
		streamID func(stream.Event) (string, error)
	}

	// envelope wraps progress events for transmission over Pulse streams.
	envelope struct {
		Type        string    `json:"type"`
		ExecutionID string    `json:"executionId"`
		Timestamp   time.Time `json:"timestamp"`
		Payload     any       `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed progress sink.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes the event to the execution's stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:        string(event.Type()),
		ExecutionID: event.ExecutionID(),
		Timestamp:   time.Now().UTC(),
		Payload:     event.Payload(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(event stream.Event) (string, error) {
	if event.ExecutionID() == "" {
		return "", errors.New("progress event missing execution id")
	}
	return stream.Room(event.ExecutionID()), nil
}
