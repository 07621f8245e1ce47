package service

import (
	"time"

	"github.com/hensulabs/hensu/runtime/engine"
	"github.com/hensulabs/hensu/runtime/lease"
	"github.com/hensulabs/hensu/runtime/stream"
	"github.com/hensulabs/hensu/runtime/telemetry"
)

// DefaultWorkerPoolSize bounds concurrently advancing executions.
const DefaultWorkerPoolSize = 32

type options struct {
	serverNodeID      string
	heartbeatInterval time.Duration
	recoveryInterval  time.Duration
	staleThreshold    time.Duration
	maxBacktracks     int
	joinTimeout       time.Duration
	workerPoolSize    int
	schedulerEnabled  bool
	sinks             []stream.Sink
	log               telemetry.Logger
	metrics           telemetry.Metrics
	tracer            telemetry.Tracer
	clock             func() time.Time
}

func defaultOptions() options {
	return options{
		heartbeatInterval: lease.DefaultHeartbeatInterval,
		recoveryInterval:  lease.DefaultRecoveryInterval,
		staleThreshold:    lease.DefaultStaleThreshold,
		maxBacktracks:     engine.DefaultMaxBacktracks,
		joinTimeout:       engine.DefaultJoinTimeout,
		workerPoolSize:    DefaultWorkerPoolSize,
		schedulerEnabled:  true,
		log:               telemetry.NoopLogger(),
		metrics:           telemetry.NoopMetrics(),
		tracer:            telemetry.NoopTracer(),
		clock:             time.Now,
	}
}

// Option configures a Service.
type Option func(*options)

// WithServerNodeID overrides this process's generated lease identity.
func WithServerNodeID(id string) Option {
	return func(o *options) { o.serverNodeID = id }
}

// WithHeartbeatInterval sets the period between heartbeat refreshes.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) { o.heartbeatInterval = d }
}

// WithRecoveryInterval sets the period between recovery sweeps.
func WithRecoveryInterval(d time.Duration) Option {
	return func(o *options) { o.recoveryInterval = d }
}

// WithStaleThreshold sets the heartbeat age past which an execution's owner
// is presumed dead.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *options) { o.staleThreshold = d }
}

// WithMaxBacktracks caps rubric auto-backtracks per node.
func WithMaxBacktracks(n int) Option {
	return func(o *options) { o.maxBacktracks = n }
}

// WithDefaultJoinTimeout bounds joins whose node declares no timeout.
func WithDefaultJoinTimeout(d time.Duration) Option {
	return func(o *options) { o.joinTimeout = d }
}

// WithWorkerPoolSize bounds concurrently advancing executions.
func WithWorkerPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workerPoolSize = n
		}
	}
}

// WithSchedulerEnabled toggles the heartbeat and recovery loops. Disabled in
// single-process and test deployments.
func WithSchedulerEnabled(enabled bool) Option {
	return func(o *options) { o.schedulerEnabled = enabled }
}

// WithEventSink mirrors every published event to an external sink.
func WithEventSink(sink stream.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sink) }
}

// WithLogger sets the service logger.
func WithLogger(log telemetry.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics sets the metrics backend.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracing backend.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClock overrides time.Now in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}
