package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("exec-1", 16)
	defer sub.Close()

	ctx := RunAs(context.Background(), "exec-1")
	for i := 0; i < 5; i++ {
		b.Publish(ctx, &NodeStarted{NodeID: fmt.Sprintf("n%d", i)})
	}

	got := drain(sub)
	require.Len(t, got, 5)
	for i, ev := range got {
		ns, ok := ev.(*NodeStarted)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("n%d", i), ns.NodeID, "publish order preserved")
		assert.Equal(t, "exec-1", ev.ExecutionID(), "execution id stamped from context")
		assert.False(t, ev.Timestamp().IsZero())
	}
}

func TestPublishStampsKinds(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("exec-1", 16)
	defer sub.Close()
	sink := &recordingSink{}
	b.AddSink(sink)

	// Publishers never set Base.Kind; delivery must carry the typed kinds.
	ctx := RunAs(context.Background(), "exec-1")
	b.Publish(ctx, &ExecutionStarted{TenantID: "t1", WorkflowID: "wf"})
	b.Publish(ctx, &NodeStarted{NodeID: "n"})
	b.Publish(ctx, &NodeCompleted{NodeID: "n", Success: true})
	b.Publish(ctx, &ReviewRequested{NodeID: "n"})
	b.Publish(ctx, &Backtrack{From: "n", To: "n"})
	b.Publish(ctx, &ExecutionCompleted{Success: true})

	want := []EventType{
		EventExecutionStarted,
		EventNodeStarted,
		EventNodeCompleted,
		EventReviewRequested,
		EventBacktrack,
		EventExecutionCompleted,
	}
	got := drain(sub)
	require.Len(t, got, len(want))
	for i, ev := range got {
		assert.Equal(t, want[i], ev.Type())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, len(want))
	assert.Equal(t, EventExecutionStarted, sink.events[0].Type(), "sinks see stamped kinds too")
}

func TestPublishKeepsExplicitKind(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("exec-1", 4)
	defer sub.Close()

	b.Publish(RunAs(context.Background(), "exec-1"),
		&NodeStarted{Base: Base{Kind: "custom.kind"}, NodeID: "n"})

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, EventType("custom.kind"), got[0].Type())
}

func TestPublishScopingPrecedence(t *testing.T) {
	b := NewBroadcaster(nil)
	byCtx := b.Subscribe("ctx-exec", 4)
	byPlan := b.Subscribe("plan-exec", 4)
	defer byCtx.Close()
	defer byPlan.Close()

	ctx := RunAs(context.Background(), "ctx-exec")

	// Plan binding beats the scoped context value.
	b.BindPlan("plan-7", "plan-exec")
	b.Publish(ctx, &PlanStepStarted{PlanID: "plan-7", Index: 0, Tool: "search"})
	assert.Empty(t, drain(byCtx))
	require.Len(t, drain(byPlan), 1)

	// Unbinding falls back to the scoped value.
	b.ReleasePlan("plan-7")
	b.Publish(ctx, &PlanStepCompleted{PlanID: "plan-7", Index: 0, Status: "success"})
	require.Len(t, drain(byCtx), 1)
	assert.Empty(t, drain(byPlan))

	// An explicit execution ID on the event beats the context too.
	b.Publish(ctx, &NodeStarted{Base: Base{Kind: EventNodeStarted, Execution: "plan-exec"}, NodeID: "n"})
	require.Len(t, drain(byPlan), 1)
	assert.Empty(t, drain(byCtx))
}

func TestPublishWithoutExecutionIsDropped(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("exec-1", 4)
	defer sub.Close()
	b.Publish(context.Background(), &NodeStarted{NodeID: "n"})
	assert.Empty(t, drain(sub))
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("exec-1", 3)
	defer sub.Close()

	ctx := RunAs(context.Background(), "exec-1")
	for i := 0; i < 10; i++ {
		b.Publish(ctx, &NodeStarted{NodeID: fmt.Sprintf("n%d", i)})
	}

	got := drain(sub)
	require.Len(t, got, 3, "queue bounded at the subscribe buffer")
	assert.Equal(t, "n7", got[0].(*NodeStarted).NodeID, "oldest events dropped first")
	assert.Equal(t, "n9", got[2].(*NodeStarted).NodeID)
}

func TestSubscribersAreIsolatedByExecution(t *testing.T) {
	b := NewBroadcaster(nil)
	a := b.Subscribe("exec-a", 4)
	c := b.Subscribe("exec-b", 4)
	defer a.Close()
	defer c.Close()

	b.Publish(RunAs(context.Background(), "exec-a"), &NodeStarted{NodeID: "n"})
	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(c))
}

func TestCloseExecutionClosesFeeds(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("exec-1", 4)

	b.Publish(RunAs(context.Background(), "exec-1"), &ExecutionCompleted{Success: true})
	b.CloseExecution("exec-1")

	var got []Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1, "buffered events survive the close")
	done, ok := got[0].(*ExecutionCompleted)
	require.True(t, ok)
	assert.True(t, done.Success)

	// Publishing after close is a no-op, and Close stays idempotent.
	b.Publish(RunAs(context.Background(), "exec-1"), &NodeStarted{NodeID: "late"})
	sub.Close()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) Close(context.Context) error { return nil }

func TestSinksMirrorEveryEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	sink := &recordingSink{}
	b.AddSink(sink)

	b.Publish(RunAs(context.Background(), "exec-1"), &NodeStarted{NodeID: "n1"})
	b.Publish(RunAs(context.Background(), "exec-2"), &NodeStarted{NodeID: "n2"})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2, "sinks see all executions")
}

func TestSinkErrorsDoNotStopDelivery(t *testing.T) {
	b := NewBroadcaster(nil)
	b.AddSink(&recordingSink{err: errors.New("transport down")})
	sub := b.Subscribe("exec-1", 4)
	defer sub.Close()

	b.Publish(RunAs(context.Background(), "exec-1"), &NodeStarted{NodeID: "n"})
	assert.Len(t, drain(sub), 1)
}

func TestConcurrentPublishers(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("exec-1", 1024)
	defer sub.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ctx := RunAs(context.Background(), "exec-1")
			for i := 0; i < 50; i++ {
				b.Publish(ctx, &NodeStarted{NodeID: fmt.Sprintf("g%d-%d", g, i)})
			}
		}(g)
	}
	wg.Wait()

	deadline := time.After(time.Second)
	count := 0
	for count < 400 {
		select {
		case <-sub.Events():
			count++
		case <-deadline:
			t.Fatalf("received %d of 400 events", count)
		}
	}
}
