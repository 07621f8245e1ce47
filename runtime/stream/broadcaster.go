package stream

import (
	"context"
	"sync"
	"time"

	"github.com/hensulabs/hensu/runtime/telemetry"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth used when
// Subscribe is called with a non-positive buffer size.
const DefaultSubscriberBuffer = 256

type ctxKey struct{}

// RunAs returns a context carrying the execution ID so that events published
// from deep in the executor stack, including goroutines it spawns, route to
// the right subscribers without threading the ID through every call.
func RunAs(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, executionID)
}

// ExecutionFromContext returns the execution ID bound by RunAs.
func ExecutionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok
}

type (
	// Broadcaster fans events out to per-execution subscribers and to any
	// registered sinks. Within one execution, delivery order matches publish
	// order; slow subscribers lose their oldest buffered events rather than
	// blocking the publisher.
	Broadcaster struct {
		mu    sync.RWMutex
		subs  map[string][]*Subscription
		plans map[string]string
		sinks []Sink
		log   telemetry.Logger
		now   func() time.Time
	}

	// Subscription is one subscriber's feed for a single execution.
	Subscription struct {
		executionID string
		events      chan Event
		mu          sync.Mutex
		closed      bool
		once        sync.Once
		cancel      func()
	}

	// stamped is the metadata surface the broadcaster fills in at publish
	// time.
	stamped interface {
		setKind(k EventType)
		setExecution(id string)
		stamp(now time.Time)
	}
)

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster(log telemetry.Logger) *Broadcaster {
	if log == nil {
		log = telemetry.NoopLogger()
	}
	return &Broadcaster{
		subs:  make(map[string][]*Subscription),
		plans: make(map[string]string),
		log:   log,
		now:   time.Now,
	}
}

// AddSink registers a sink receiving every published event. Sink errors are
// logged, never propagated to publishers.
func (b *Broadcaster) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Subscribe registers a subscriber for one execution's feed. Buffer bounds
// the subscriber queue; on overflow the oldest buffered event is dropped.
func (b *Broadcaster) Subscribe(executionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{
		executionID: executionID,
		events:      make(chan Event, buffer),
	}
	sub.cancel = func() { b.unsubscribe(sub) }
	b.mu.Lock()
	b.subs[executionID] = append(b.subs[executionID], sub)
	b.mu.Unlock()
	return sub
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.executionID]
	for i, s := range list {
		if s == sub {
			b.subs[sub.executionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.executionID]) == 0 {
		delete(b.subs, sub.executionID)
	}
}

// BindPlan routes events carrying planID to executionID, taking precedence
// over the RunAs context value. Used by asynchronous planner goroutines.
func (b *Broadcaster) BindPlan(planID, executionID string) {
	b.mu.Lock()
	b.plans[planID] = executionID
	b.mu.Unlock()
}

// ReleasePlan removes a plan binding.
func (b *Broadcaster) ReleasePlan(planID string) {
	b.mu.Lock()
	delete(b.plans, planID)
	b.mu.Unlock()
}

// Publish delivers an event to the owning execution's subscribers and every
// sink. The owning execution is resolved in order: the plan binding table for
// plan-scoped events, the event's own execution ID, then the RunAs context
// value. Events with no resolvable execution are dropped with a log line.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) {
	s, mutable := ev.(stamped)
	if mutable {
		if k, ok := ev.(kinded); ok {
			s.setKind(k.kind())
		}
	}
	execID := b.resolveExecution(ctx, ev)
	if execID == "" {
		b.log.Warn(ctx, "stream: dropping event with no execution", "type", string(ev.Type()))
		return
	}
	if mutable {
		s.setExecution(execID)
		s.stamp(b.now())
	}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs[execID]))
	copy(subs, b.subs[execID])
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
	for _, sink := range sinks {
		if err := sink.Send(ctx, ev); err != nil {
			b.log.Error(ctx, "stream: sink send failed", "type", string(ev.Type()), "err", err)
		}
	}
}

func (b *Broadcaster) resolveExecution(ctx context.Context, ev Event) string {
	if ps, ok := ev.(planScoped); ok {
		b.mu.RLock()
		execID, bound := b.plans[ps.planID()]
		b.mu.RUnlock()
		if bound {
			return execID
		}
	}
	if id := ev.ExecutionID(); id != "" {
		return id
	}
	if id, ok := ExecutionFromContext(ctx); ok {
		return id
	}
	return ""
}

// CloseExecution closes every subscription of an execution. Called by the
// service after the terminal event is published.
func (b *Broadcaster) CloseExecution(executionID string) {
	b.mu.Lock()
	subs := b.subs[executionID]
	delete(b.subs, executionID)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// Events returns the subscriber's ordered feed. The channel closes when the
// subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close detaches the subscriber and closes its feed. Idempotent.
func (s *Subscription) Close() {
	s.cancel()
	s.close()
}

func (s *Subscription) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

// deliver enqueues without blocking: when the buffer is full the oldest
// queued event is discarded to make room.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.events <- ev:
			return
		default:
			select {
			case <-s.events: // drop oldest
			default:
			}
		}
	}
}
