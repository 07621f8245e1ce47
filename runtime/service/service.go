// Package service is the exposed API of the orchestration server. It wires
// the engine, the event broadcaster, and the lease protocol together, runs
// executions on a bounded worker pool, and exposes the operational surface:
// start, resume, status, pending plans, paused listings, event subscription,
// and cancellation.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hensulabs/hensu/runtime/action"
	"github.com/hensulabs/hensu/runtime/agent"
	"github.com/hensulabs/hensu/runtime/consensus"
	"github.com/hensulabs/hensu/runtime/engine"
	"github.com/hensulabs/hensu/runtime/lease"
	"github.com/hensulabs/hensu/runtime/plan"
	"github.com/hensulabs/hensu/runtime/review"
	"github.com/hensulabs/hensu/runtime/rubric"
	"github.com/hensulabs/hensu/runtime/state"
	"github.com/hensulabs/hensu/runtime/state/inmem"
	"github.com/hensulabs/hensu/runtime/stream"
	"github.com/hensulabs/hensu/runtime/workflow"
)

// ErrNotResumable indicates the execution's latest snapshot is terminal and
// cannot be resumed.
var ErrNotResumable = errors.New("execution is not resumable")

// Status is the caller-facing classification of an execution's latest
// snapshot.
type Status string

const (
	// StatusRunning means the execution holds a live checkpoint lease.
	StatusRunning Status = "running"
	// StatusPaused means the execution awaits a review or plan decision.
	StatusPaused Status = "paused"
	// StatusCompleted means the execution reached an END node.
	StatusCompleted Status = "completed"
	// StatusFailed means a fatal fault terminated the execution.
	StatusFailed Status = "failed"
	// StatusRejected means a reviewer rejected the execution.
	StatusRejected Status = "rejected"
	// StatusCancelled means the execution stopped on cancellation and can be
	// resumed by hand.
	StatusCancelled Status = "cancelled"
)

// ExecutionStatus pairs a snapshot with its derived status.
type ExecutionStatus struct {
	Status   Status
	Snapshot *state.Snapshot
}

// Deps are the external collaborators of a service. Nil registries default
// to empty ones; a nil workflow repository defaults to the in-memory store;
// a nil snapshot repository disables persistence and the lease protocol.
type Deps struct {
	Agents    *agent.Registry
	Rubrics   *rubric.Registry
	Actions   *action.Dispatcher
	Generics  *engine.GenericRegistry
	Reviewer  review.Reviewer
	Planner   plan.Planner
	Workflows state.WorkflowRepository
	Snapshots state.Repository
}

type execKey struct {
	tenant string
	id     string
}

// Service is the orchestration server core. Safe for concurrent use.
type Service struct {
	opts      options
	engine    *engine.Engine
	events    *stream.Broadcaster
	lease     *lease.Manager
	workflows state.WorkflowRepository
	snapshots state.Repository
	rubrics   *rubric.Registry

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[execKey]context.CancelFunc
	stopped bool
}

// New wires a service from its collaborators.
func New(deps Deps, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if deps.Agents == nil {
		deps.Agents = agent.NewRegistry()
	}
	if deps.Rubrics == nil {
		deps.Rubrics = rubric.NewRegistry()
	}
	if deps.Actions == nil {
		deps.Actions = action.NewDispatcher()
	}
	if deps.Generics == nil {
		deps.Generics = engine.NewGenericRegistry()
	}
	if deps.Workflows == nil {
		deps.Workflows = inmem.NewWorkflowStore()
	}

	events := stream.NewBroadcaster(o.log)
	for _, sink := range o.sinks {
		events.AddSink(sink)
	}
	rubricEngine := rubric.NewEngine(deps.Rubrics, deps.Agents)

	leaseOpts := []lease.Option{
		lease.WithHeartbeatInterval(o.heartbeatInterval),
		lease.WithRecoveryInterval(o.recoveryInterval),
		lease.WithStaleThreshold(o.staleThreshold),
		lease.WithLogger(o.log),
		lease.WithMetrics(o.metrics),
		lease.WithClock(o.clock),
	}
	if o.serverNodeID != "" {
		leaseOpts = append(leaseOpts, lease.WithServerNodeID(o.serverNodeID))
	}
	leaseMgr := lease.NewManager(deps.Snapshots, leaseOpts...)

	eng := engine.New(engine.Config{
		Agents:        deps.Agents,
		Rubrics:       rubricEngine,
		Actions:       deps.Actions,
		Plans:         plan.NewEngine(deps.Agents, deps.Actions, deps.Planner, events, o.log),
		Gate:          review.NewGate(deps.Reviewer),
		Consensus:     consensus.NewEvaluator(rubricEngine, deps.Agents),
		Generics:      deps.Generics,
		Events:        events,
		Snapshots:     deps.Snapshots,
		ServerNodeID:  leaseMgr.ServerNodeID(),
		MaxBacktracks: o.maxBacktracks,
		JoinTimeout:   o.joinTimeout,
		Log:           o.log,
		Metrics:       o.metrics,
		Tracer:        o.tracer,
		Clock:         o.clock,
	})

	return &Service{
		opts:      o,
		engine:    eng,
		events:    events,
		lease:     leaseMgr,
		workflows: deps.Workflows,
		snapshots: deps.Snapshots,
		rubrics:   deps.Rubrics,
		sem:       make(chan struct{}, o.workerPoolSize),
		running:   make(map[execKey]context.CancelFunc),
	}
}

// ServerNodeID returns this process's lease identity.
func (s *Service) ServerNodeID() string { return s.lease.ServerNodeID() }

// Start launches the heartbeat and recovery loops. It returns immediately;
// the loops stop when ctx is cancelled. A no-op when the scheduler is
// disabled or persistence is absent.
func (s *Service) Start(ctx context.Context) {
	if !s.opts.schedulerEnabled || !s.lease.Active() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.lease.Run(ctx, s.resumeRecovered)
	}()
}

// Close cancels every running execution and waits for in-flight work to
// drain.
func (s *Service) Close() {
	s.mu.Lock()
	s.stopped = true
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// RegisterWorkflow validates and stores the workflow for the tenant, and
// registers its inline rubric declarations. Inline rubrics take precedence
// over out-of-band registrations under the same ID.
func (s *Service) RegisterWorkflow(ctx context.Context, tenantID string, wf *workflow.Workflow) error {
	if err := s.workflows.Save(ctx, tenantID, wf); err != nil {
		return err
	}
	for _, ref := range wf.Rubrics {
		rb := &rubric.Rubric{
			ID:            ref.ID,
			PassThreshold: ref.PassThreshold,
			Mode:          rubric.Mode(ref.Mode),
			JudgeAgentID:  ref.JudgeAgentID,
		}
		for _, c := range ref.Criteria {
			rb.Criteria = append(rb.Criteria, rubric.Criterion{
				Name:     c.Name,
				Weight:   c.Weight,
				MinScore: c.MinScore,
			})
		}
		if err := s.rubrics.Register(rb); err != nil {
			return fmt.Errorf("register inline rubric %q: %w", ref.ID, err)
		}
	}
	return nil
}

// Workflow returns the registered workflow or state.ErrWorkflowNotFound.
func (s *Service) Workflow(ctx context.Context, tenantID, workflowID string) (*workflow.Workflow, error) {
	return s.workflows.Find(ctx, tenantID, workflowID)
}

// DeleteWorkflow removes the workflow definition. Running executions keep
// their in-memory reference.
func (s *Service) DeleteWorkflow(ctx context.Context, tenantID, workflowID string) error {
	return s.workflows.Delete(ctx, tenantID, workflowID)
}

// StartExecution begins a new execution of a registered workflow and returns
// its generated ID. The execution runs in the background on the worker pool.
// The initial checkpoint is persisted before this call returns; a
// persistence failure surfaces here and no execution starts.
func (s *Service) StartExecution(ctx context.Context, tenantID, workflowID string, initialContext map[string]any) (string, error) {
	wf, err := s.workflows.Find(ctx, tenantID, workflowID)
	if err != nil {
		return "", err
	}
	executionID := ulid.Make().String()

	// Persist the initial checkpoint synchronously so storage faults reach
	// the caller instead of a background goroutine.
	if s.snapshots != nil {
		now := s.opts.clock()
		owner := s.lease.ServerNodeID()
		st := state.New(wf.StartNode, initialContext)
		snap := &state.Snapshot{
			TenantID:        tenantID,
			ExecutionID:     executionID,
			WorkflowID:      wf.ID,
			State:           st,
			CurrentNodeID:   st.CurrentNodeID,
			Reason:          state.ReasonCheckpoint,
			CheckpointTime:  now,
			ServerNodeID:    &owner,
			LastHeartbeatAt: &now,
		}
		if err := s.snapshots.Save(ctx, snap); err != nil {
			return "", fmt.Errorf("persist initial checkpoint: %w", err)
		}
	}

	s.launch(tenantID, executionID, func(runCtx context.Context) {
		res, err := s.engine.Run(runCtx, engine.RunRequest{
			TenantID:       tenantID,
			ExecutionID:    executionID,
			Workflow:       wf,
			InitialContext: initialContext,
		})
		if err != nil {
			s.opts.log.Error(runCtx, "execution run failed",
				"tenant", tenantID, "execution", executionID, "err", err)
		}
		s.settleFeed(executionID, res, err)
	})
	return executionID, nil
}

// ResumeExecution continues a paused, cancelled, or recovered execution from
// its latest snapshot and blocks until it reaches its next pause or terminal
// result. A supplied decision answers the pending review in place of the
// configured reviewer; an approve decision (or none) also releases any plan
// parked for review at the current node.
func (s *Service) ResumeExecution(ctx context.Context, tenantID, executionID string, decision *review.Decision) (engine.ExecutionResult, error) {
	if s.snapshots == nil {
		return engine.ExecutionResult{}, state.ErrSnapshotNotFound
	}
	snap, err := s.snapshots.FindLatest(ctx, tenantID, executionID)
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	if snap.Reason.Terminal() && snap.Reason != state.ReasonCancelled {
		return engine.ExecutionResult{}, fmt.Errorf("%w: reason %s", ErrNotResumable, snap.Reason)
	}
	wf, err := s.workflows.Find(ctx, tenantID, snap.WorkflowID)
	if err != nil {
		return engine.ExecutionResult{}, err
	}

	if decision == nil || decision.Kind == review.KindApprove {
		if snap.CurrentNodeID != nil {
			if _, ok := plan.PendingFromContext(*snap.CurrentNodeID, snap.State.Context); ok {
				plan.Approve(*snap.CurrentNodeID, snap.State.Context)
			}
		}
	}

	runCtx, done := s.track(ctx, tenantID, executionID)
	if runCtx == nil {
		return engine.ExecutionResult{}, errors.New("service is closed")
	}
	defer done()
	res, err := s.engine.Resume(runCtx, engine.ResumeRequest{
		TenantID:    tenantID,
		ExecutionID: executionID,
		Workflow:    wf,
		State:       snap.State,
		Decision:    decision,
	})
	s.settleFeed(executionID, res, err)
	return res, err
}

// GetStatus returns the execution's latest snapshot with its derived status.
func (s *Service) GetStatus(ctx context.Context, tenantID, executionID string) (ExecutionStatus, error) {
	if s.snapshots == nil {
		return ExecutionStatus{}, state.ErrSnapshotNotFound
	}
	snap, err := s.snapshots.FindLatest(ctx, tenantID, executionID)
	if err != nil {
		return ExecutionStatus{}, err
	}
	return ExecutionStatus{Status: statusOf(snap.Reason), Snapshot: snap}, nil
}

// GetPlan returns the plan parked for review on a paused execution, or nil
// when none is pending.
func (s *Service) GetPlan(ctx context.Context, tenantID, executionID string) (*plan.PendingPlan, error) {
	if s.snapshots == nil {
		return nil, state.ErrSnapshotNotFound
	}
	snap, err := s.snapshots.FindLatest(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if snap.CurrentNodeID != nil {
		if pending, ok := plan.PendingFromContext(*snap.CurrentNodeID, snap.State.Context); ok {
			return pending, nil
		}
	}
	pending, _ := plan.AnyPending(snap.State.Context)
	return pending, nil
}

// ListPaused returns the tenant's executions awaiting a human decision.
func (s *Service) ListPaused(ctx context.Context, tenantID string) ([]*state.Snapshot, error) {
	if s.snapshots == nil {
		return nil, nil
	}
	return s.snapshots.FindPaused(ctx, tenantID)
}

// SubscribeEvents returns an ordered event stream for the execution. The
// subscription buffers up to buffer events and drops the oldest on overflow;
// buffer <= 0 uses the broadcaster default.
func (s *Service) SubscribeEvents(executionID string, buffer int) *stream.Subscription {
	return s.events.Subscribe(executionID, buffer)
}

// CancelExecution signals the running execution to stop after its current
// node. Reports whether a running execution was found.
func (s *Service) CancelExecution(tenantID, executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[execKey{tenantID, executionID}]
	if ok {
		cancel()
	}
	return ok
}

// resumeRecovered is the lease manager's recovery callback: it rebuilds the
// workflow and re-enters the execution on the worker pool.
func (s *Service) resumeRecovered(ctx context.Context, snap *state.Snapshot) error {
	wf, err := s.workflows.Find(ctx, snap.TenantID, snap.WorkflowID)
	if err != nil {
		return err
	}
	tenantID, executionID := snap.TenantID, snap.ExecutionID
	st := snap.State
	s.launch(tenantID, executionID, func(runCtx context.Context) {
		res, err := s.engine.Resume(runCtx, engine.ResumeRequest{
			TenantID:    tenantID,
			ExecutionID: executionID,
			Workflow:    wf,
			State:       st,
		})
		if err != nil {
			s.opts.log.Error(runCtx, "recovered execution failed",
				"tenant", tenantID, "execution", executionID, "err", err)
		}
		s.settleFeed(executionID, res, err)
	})
	return nil
}

// settleFeed closes the execution's subscriber feeds once the engine has
// published its terminal event. Paused executions keep their feeds open so
// subscribers survive the resume.
func (s *Service) settleFeed(executionID string, res engine.ExecutionResult, err error) {
	if err == nil && res.Outcome == engine.OutcomePaused {
		return
	}
	s.events.CloseExecution(executionID)
}

// launch runs fn on the worker pool under a cancellable per-execution
// context. Executions launched after Close are dropped.
func (s *Service) launch(tenantID, executionID string, fn func(ctx context.Context)) {
	runCtx, done := s.track(context.Background(), tenantID, executionID)
	if runCtx == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer done()
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-runCtx.Done():
			return
		}
		fn(runCtx)
	}()
}

// track registers a cancellable context for the execution so Cancel and
// Close can reach it. Returns a nil context when the service is stopped.
func (s *Service) track(parent context.Context, tenantID, executionID string) (context.Context, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, func() {}
	}
	runCtx, cancel := context.WithCancel(parent)
	key := execKey{tenantID, executionID}
	s.running[key] = cancel
	done := func() {
		cancel()
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
	}
	return runCtx, done
}

func statusOf(reason state.Reason) Status {
	switch reason {
	case state.ReasonCheckpoint:
		return StatusRunning
	case state.ReasonPaused:
		return StatusPaused
	case state.ReasonCompleted:
		return StatusCompleted
	case state.ReasonRejected:
		return StatusRejected
	case state.ReasonCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}
