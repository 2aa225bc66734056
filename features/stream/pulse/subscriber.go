package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	clientspulse "github.com/loomhq/loom/features/pulse"
	"github.com/loomhq/loom/runtime/stream"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes per-execution Pulse streams and emits progress
	// events. Each Subscribe call creates its own consumer group so every
	// client receives the full feed.
	Subscriber struct {
		client clientspulse.Client
		buffer int
	}

	// decodedEvent implements stream.Event for Pulse-decoded envelopes.
	decodedEvent struct {
		t stream.EventType
		e string
		b json.RawMessage
	}
)

var _ stream.Subscriber = (*Subscriber)(nil)

func (e decodedEvent) Type() stream.EventType { return e.t }
func (e decodedEvent) ExecutionID() string    { return e.e }
func (e decodedEvent) Payload() any           { return e.b }

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer}, nil
}

// Subscribe opens a consumer group on the execution's stream and returns a
// channel of its events. The channel closes when ctx is canceled, the feed
// ends with an execution:complete event, or decoding fails.
func (s *Subscriber) Subscribe(ctx context.Context, executionID string) (<-chan stream.Event, error) {
	str, err := s.client.Stream(stream.Room(executionID))
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, "loom-sub-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	events := make(chan stream.Event, s.buffer)
	go s.consume(ctx, sink, events)
	return events, nil
}

// consume reads events from the Pulse sink, decodes and acks them, and
// forwards them until the feed terminates.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event) {
	defer close(out)
	defer sink.Close(context.Background())
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := decodeEnvelope(evt.Payload)
			if err != nil {
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				return
			}
			if decoded.Type() == stream.EventExecutionComplete {
				return
			}
		}
	}
}

// decodeEnvelope deserializes the JSON envelope published by the sink.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Type        string          `json:"type"`
		ExecutionID string          `json:"executionId"`
		Timestamp   time.Time       `json:"timestamp"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return decodedEvent{
		t: stream.EventType(env.Type),
		e: env.ExecutionID,
		b: env.Payload,
	}, nil
}
