package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hensulabs/hensu/runtime/agent"
	"github.com/hensulabs/hensu/runtime/plan"
	"github.com/hensulabs/hensu/runtime/review"
	"github.com/hensulabs/hensu/runtime/state"
	"github.com/hensulabs/hensu/runtime/state/inmem"
	"github.com/hensulabs/hensu/runtime/stream"
	"github.com/hensulabs/hensu/runtime/workflow"
)

func echoWorkflow(id string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:      id,
		Version: "1",
		Agents:  map[string]workflow.AgentConfig{"echo": {ID: "echo"}},
		Nodes: map[string]workflow.Node{
			"work": &workflow.StandardNode{ID: "work", AgentID: "echo", Prompt: "say {greeting}",
				Transitions: []workflow.Transition{&workflow.SuccessTransition{TargetNode: "done"}}},
			"done": &workflow.EndNode{ID: "done", Status: workflow.EndSuccess},
		},
		StartNode: "work",
	}
}

func registerEcho(t *testing.T, agents *agent.Registry) {
	t.Helper()
	require.NoError(t, agents.Register("echo", agent.Func(
		func(_ context.Context, prompt string, _ map[string]any) (agent.Response, error) {
			return agent.Response{Text: prompt}, nil
		}), agent.Options{}))
}

func awaitStatus(t *testing.T, svc *Service, tenant, exec string, want Status) ExecutionStatus {
	t.Helper()
	var got ExecutionStatus
	require.Eventually(t, func() bool {
		st, err := svc.GetStatus(context.Background(), tenant, exec)
		if err != nil {
			return false
		}
		got = st
		return st.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func TestStartExecutionRunsToCompletion(t *testing.T) {
	agents := agent.NewRegistry()
	registerEcho(t, agents)
	svc := New(Deps{Agents: agents, Snapshots: inmem.NewSnapshotStore()},
		WithSchedulerEnabled(false))
	defer svc.Close()

	require.NoError(t, svc.RegisterWorkflow(context.Background(), "t1", echoWorkflow("wf")))
	execID, err := svc.StartExecution(context.Background(), "t1", "wf", map[string]any{"greeting": "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	st := awaitStatus(t, svc, "t1", execID, StatusCompleted)
	assert.Equal(t, "say hello", st.Snapshot.State.Context["work"])
	assert.Nil(t, st.Snapshot.ServerNodeID, "terminal snapshot carries no lease")
}

func TestStartExecutionUnknownWorkflow(t *testing.T) {
	svc := New(Deps{Snapshots: inmem.NewSnapshotStore()}, WithSchedulerEnabled(false))
	defer svc.Close()

	_, err := svc.StartExecution(context.Background(), "t1", "missing", nil)
	assert.ErrorIs(t, err, state.ErrWorkflowNotFound)
}

func TestStartExecutionPropagatesPersistenceFailure(t *testing.T) {
	agents := agent.NewRegistry()
	registerEcho(t, agents)
	svc := New(Deps{Agents: agents, Snapshots: &failingStore{}}, WithSchedulerEnabled(false))
	defer svc.Close()

	require.NoError(t, svc.RegisterWorkflow(context.Background(), "t1", echoWorkflow("wf")))
	_, err := svc.StartExecution(context.Background(), "t1", "wf", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist initial checkpoint")
}

type failingStore struct {
	inmem.SnapshotStore
}

func (f *failingStore) Save(context.Context, *state.Snapshot) error {
	return errors.New("storage offline")
}

func TestReviewPauseAndResume(t *testing.T) {
	agents := agent.NewRegistry()
	registerEcho(t, agents)
	reviewer := review.ReviewerFunc(func(context.Context, review.Request) (review.Decision, error) {
		return review.Decision{}, review.ErrPending
	})
	svc := New(Deps{Agents: agents, Reviewer: reviewer, Snapshots: inmem.NewSnapshotStore()},
		WithSchedulerEnabled(false))
	defer svc.Close()

	wf := echoWorkflow("wf")
	wf.Nodes["work"].(*workflow.StandardNode).Review = workflow.ReviewConfig{Mode: workflow.ReviewRequired}
	require.NoError(t, svc.RegisterWorkflow(context.Background(), "t1", wf))

	execID, err := svc.StartExecution(context.Background(), "t1", "wf", nil)
	require.NoError(t, err)
	awaitStatus(t, svc, "t1", execID, StatusPaused)

	paused, err := svc.ListPaused(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, execID, paused[0].ExecutionID)

	approve := review.Approve()
	res, err := svc.ResumeExecution(context.Background(), "t1", execID, &approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.EndSuccess, res.ExitStatus)

	st, err := svc.GetStatus(context.Background(), "t1", execID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
}

func TestSubscriberFeedClosesAfterTerminalEvent(t *testing.T) {
	agents := agent.NewRegistry()
	registerEcho(t, agents)
	reviewer := review.ReviewerFunc(func(context.Context, review.Request) (review.Decision, error) {
		return review.Decision{}, review.ErrPending
	})
	svc := New(Deps{Agents: agents, Reviewer: reviewer, Snapshots: inmem.NewSnapshotStore()},
		WithSchedulerEnabled(false))
	defer svc.Close()

	wf := echoWorkflow("wf")
	wf.Nodes["work"].(*workflow.StandardNode).Review = workflow.ReviewConfig{Mode: workflow.ReviewRequired}
	require.NoError(t, svc.RegisterWorkflow(context.Background(), "t1", wf))

	execID, err := svc.StartExecution(context.Background(), "t1", "wf", nil)
	require.NoError(t, err)
	awaitStatus(t, svc, "t1", execID, StatusPaused)

	// The pause keeps the feed open; a subscriber attached here must see the
	// resumed run through its terminal event and then observe channel close.
	sub := svc.SubscribeEvents(execID, 64)
	approve := review.Approve()
	_, err = svc.ResumeExecution(context.Background(), "t1", execID, &approve)
	require.NoError(t, err)

	var kinds []stream.EventType
	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				open = false
				break
			}
			kinds = append(kinds, ev.Type())
		case <-deadline:
			t.Fatal("subscriber feed never closed")
		}
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, stream.EventExecutionCompleted, kinds[len(kinds)-1], "terminal event precedes the close")
}

func TestResumeTerminalExecutionFails(t *testing.T) {
	agents := agent.NewRegistry()
	registerEcho(t, agents)
	svc := New(Deps{Agents: agents, Snapshots: inmem.NewSnapshotStore()},
		WithSchedulerEnabled(false))
	defer svc.Close()

	require.NoError(t, svc.RegisterWorkflow(context.Background(), "t1", echoWorkflow("wf")))
	execID, err := svc.StartExecution(context.Background(), "t1", "wf", nil)
	require.NoError(t, err)
	awaitStatus(t, svc, "t1", execID, StatusCompleted)

	_, err = svc.ResumeExecution(context.Background(), "t1", execID, nil)
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestPlanReviewRoundTrip(t *testing.T) {
	agents := agent.NewRegistry()
	registerEcho(t, agents)
	planner := plan.PlannerFunc(func(_ context.Context, goal string, _ plan.Constraints, _ map[string]any) ([]workflow.PlanStep, error) {
		return []workflow.PlanStep{
			{Tool: "agent:echo", Args: map[string]string{"prompt": "execute " + goal}},
		}, nil
	})
	svc := New(Deps{Agents: agents, Planner: planner, Snapshots: inmem.NewSnapshotStore()},
		WithSchedulerEnabled(false))
	defer svc.Close()

	wf := echoWorkflow("wf")
	wf.Nodes["work"].(*workflow.StandardNode).Plan = &workflow.PlanConfig{
		Mode:          workflow.PlanDynamic,
		Goal:          "ship the report",
		RequireReview: true,
	}
	require.NoError(t, svc.RegisterWorkflow(context.Background(), "t1", wf))

	execID, err := svc.StartExecution(context.Background(), "t1", "wf", nil)
	require.NoError(t, err)
	awaitStatus(t, svc, "t1", execID, StatusPaused)

	pending, err := svc.GetPlan(context.Background(), "t1", execID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "work", pending.NodeID)
	assert.Equal(t, "ship the report", pending.Goal)
	require.Len(t, pending.Steps, 1)

	// Resuming without a decision approves the parked plan.
	res, err := svc.ResumeExecution(context.Background(), "t1", execID, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.EndSuccess, res.ExitStatus)

	pending, err = svc.GetPlan(context.Background(), "t1", execID)
	require.NoError(t, err)
	assert.Nil(t, pending, "no plan pending after approval")
}

func TestCancelExecution(t *testing.T) {
	agents := agent.NewRegistry()
	started := make(chan struct{})
	require.NoError(t, agents.Register("echo", agent.Func(
		func(ctx context.Context, _ string, _ map[string]any) (agent.Response, error) {
			close(started)
			<-ctx.Done()
			return agent.Response{}, ctx.Err()
		}), agent.Options{}))
	svc := New(Deps{Agents: agents, Snapshots: inmem.NewSnapshotStore()},
		WithSchedulerEnabled(false))
	defer svc.Close()

	require.NoError(t, svc.RegisterWorkflow(context.Background(), "t1", echoWorkflow("wf")))
	execID, err := svc.StartExecution(context.Background(), "t1", "wf", nil)
	require.NoError(t, err)

	<-started
	assert.True(t, svc.CancelExecution("t1", execID))
	st := awaitStatus(t, svc, "t1", execID, StatusCancelled)
	require.NotNil(t, st.Snapshot.CurrentNodeID)
	assert.Equal(t, "work", *st.Snapshot.CurrentNodeID)

	assert.False(t, svc.CancelExecution("t1", "unknown"))
}

func TestRecoverySweepResumesStaleExecution(t *testing.T) {
	store := inmem.NewSnapshotStore()
	agents := agent.NewRegistry()
	registerEcho(t, agents)

	// A crashed peer left a checkpoint row behind: lease owned by a node
	// that stopped heartbeating past the stale threshold.
	node := "work"
	deadOwner := "node-dead"
	hb := time.Now().Add(-time.Minute)
	st := state.New("work", map[string]any{"greeting": "again"})
	require.NoError(t, store.Save(context.Background(), &state.Snapshot{
		TenantID:        "t1",
		ExecutionID:     "orphan",
		WorkflowID:      "wf",
		State:           st,
		CurrentNodeID:   &node,
		Reason:          state.ReasonCheckpoint,
		CheckpointTime:  hb,
		ServerNodeID:    &deadOwner,
		LastHeartbeatAt: &hb,
	}))

	svc := New(Deps{Agents: agents, Snapshots: store},
		WithServerNodeID("node-b"),
		WithHeartbeatInterval(10*time.Millisecond),
		WithRecoveryInterval(10*time.Millisecond),
		WithStaleThreshold(100*time.Millisecond),
	)
	defer svc.Close()
	require.NoError(t, svc.RegisterWorkflow(context.Background(), "t1", echoWorkflow("wf")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	got := awaitStatus(t, svc, "t1", "orphan", StatusCompleted)
	assert.Equal(t, "say again", got.Snapshot.State.Context["work"])
}

func TestInlineRubricsRouteScores(t *testing.T) {
	agents := agent.NewRegistry()
	require.NoError(t, agents.Register("scorer", agent.Func(
		func(context.Context, string, map[string]any) (agent.Response, error) {
			return agent.Response{Text: `{"score": 95}`}, nil
		}), agent.Options{}))

	wf := &workflow.Workflow{
		ID:      "wf",
		Version: "1",
		Agents:  map[string]workflow.AgentConfig{"scorer": {ID: "scorer"}},
		Rubrics: map[string]workflow.RubricRef{
			"quality": {ID: "quality", PassThreshold: 70},
		},
		Nodes: map[string]workflow.Node{
			"work": &workflow.StandardNode{ID: "work", AgentID: "scorer", RubricID: "quality",
				Transitions: []workflow.Transition{
					&workflow.ScoreTransition{Conditions: []workflow.ScoreCondition{
						{Op: workflow.OpGTE, Value: 90, TargetNode: "great"},
					}},
					&workflow.SuccessTransition{TargetNode: "ok"},
				}},
			"great": &workflow.EndNode{ID: "great", Status: workflow.EndSuccess},
			"ok":    &workflow.EndNode{ID: "ok", Status: workflow.EndFailure},
		},
		StartNode: "work",
	}

	svc := New(Deps{Agents: agents, Snapshots: inmem.NewSnapshotStore()},
		WithSchedulerEnabled(false))
	defer svc.Close()
	require.NoError(t, svc.RegisterWorkflow(context.Background(), "t1", wf))

	execID, err := svc.StartExecution(context.Background(), "t1", "wf", nil)
	require.NoError(t, err)
	st := awaitStatus(t, svc, "t1", execID, StatusCompleted)
	require.NotNil(t, st.Snapshot.State)
	assert.Empty(t, st.Snapshot.State.RetryCounts)
}

func TestGetStatusUnknownExecution(t *testing.T) {
	svc := New(Deps{Snapshots: inmem.NewSnapshotStore()}, WithSchedulerEnabled(false))
	defer svc.Close()
	_, err := svc.GetStatus(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, state.ErrSnapshotNotFound)
}
