package pulse

import (
	"context"
	"errors"

	clientspulse "github.com/hensulabs/hensu/features/stream/pulse/clients/pulse"
	"github.com/hensulabs/hensu/runtime/stream"
)

// ExecutionStreams wires a caller-provided Pulse client into the runtime
// service. It owns a publishing sink (passed to the service via
// WithEventSink) and can spawn subscribers that reuse the same client so
// deployments do not need to manage multiple Pulse connections.
type ExecutionStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// ExecutionStreamsOptions configures the helper returned by
// NewExecutionStreams.
type ExecutionStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// Required; typically built via features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID
	// derivation, marshaling). Leave zero-valued for defaults.
	Sink Options
}

// NewExecutionStreams constructs helpers for publishing execution events to
// Pulse and subscribing to the resulting streams. Callers pass the returned
// sink to the service and keep the helper around to create subscribers
// (e.g., SSE fan-out) later on.
func NewExecutionStreams(opts ExecutionStreamsOptions) (*ExecutionStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &ExecutionStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can register it with the
// runtime service.
func (r *ExecutionStreams) Sink() stream.Sink {
	return r.sink
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the
// helper's client, keeping publishing and consumption on the same Redis
// connection pool.
func (r *ExecutionStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink (and therefore the underlying Pulse
// client). Call during service shutdown after all subscribers are cancelled.
func (r *ExecutionStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
