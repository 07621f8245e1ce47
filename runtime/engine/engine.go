// Package engine executes workflow graphs: it dispatches nodes by type,
// selects transitions, enforces retry and backtrack budgets, gates nodes on
// review, checkpoints state after every node, and publishes progress events.
// One execution advances on a single goroutine at a time; parallel and fork
// branches run as sibling tasks on the worker pool and report by value.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hensulabs/hensu/runtime/action"
	"github.com/hensulabs/hensu/runtime/agent"
	"github.com/hensulabs/hensu/runtime/consensus"
	"github.com/hensulabs/hensu/runtime/plan"
	"github.com/hensulabs/hensu/runtime/review"
	"github.com/hensulabs/hensu/runtime/rubric"
	"github.com/hensulabs/hensu/runtime/state"
	"github.com/hensulabs/hensu/runtime/stream"
	"github.com/hensulabs/hensu/runtime/telemetry"
	"github.com/hensulabs/hensu/runtime/workflow"
)

// DefaultMaxBacktracks caps rubric auto-backtracks per node.
const DefaultMaxBacktracks = 3

// Outcome classifies how an execution run ended.
type Outcome string

const (
	// OutcomeCompleted means an END node was reached; ExitStatus carries its
	// declared status.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means a fatal fault or persistence failure aborted the
	// execution.
	OutcomeFailed Outcome = "failed"
	// OutcomeRejected means a reviewer rejected the execution.
	OutcomeRejected Outcome = "rejected"
	// OutcomePaused means the execution awaits an out-of-band decision and
	// can be resumed.
	OutcomePaused Outcome = "paused"
	// OutcomeCancelled means the run stopped on cancellation; the snapshot
	// keeps the current node for manual resumption.
	OutcomeCancelled Outcome = "cancelled"
)

type (
	// Config wires the engine's collaborators. Zero-value optional fields
	// get noop or default implementations.
	Config struct {
		Agents    *agent.Registry
		Rubrics   *rubric.Engine
		Actions   *action.Dispatcher
		Plans     *plan.Engine
		Gate      *review.Gate
		Consensus *consensus.Evaluator
		Generics  *GenericRegistry
		Events    *stream.Broadcaster
		// Snapshots persists checkpoints. Nil disables persistence; runs
		// then live only in memory.
		Snapshots state.Repository
		Pool      *Pool
		// ServerNodeID is stamped as lease owner on checkpoint saves.
		ServerNodeID string
		// MaxBacktracks caps rubric auto-backtracks per node. Zero uses the
		// default of 3.
		MaxBacktracks int
		// JoinTimeout bounds joins whose node declares no timeoutMs. Zero
		// uses DefaultJoinTimeout.
		JoinTimeout time.Duration
		Log           telemetry.Logger
		Metrics       telemetry.Metrics
		Tracer        telemetry.Tracer
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// Engine executes workflows. Safe for concurrent use; each Run or Resume
	// call drives one execution.
	Engine struct {
		cfg Config
	}

	// RunRequest starts a fresh execution.
	RunRequest struct {
		TenantID       string
		ExecutionID    string
		Workflow       *workflow.Workflow
		InitialContext map[string]any
	}

	// ResumeRequest continues a paused, recovered, or cancelled execution
	// from its persisted state. Decision, when set, is consumed by the first
	// review request instead of calling the reviewer again.
	ResumeRequest struct {
		TenantID    string
		ExecutionID string
		Workflow    *workflow.Workflow
		State       *state.State
		Decision    *review.Decision
	}

	// ExecutionResult is the tagged outcome of a run.
	ExecutionResult struct {
		Outcome Outcome
		// ExitStatus is the END node status for completed outcomes.
		ExitStatus workflow.EndStatus
		// Reason explains failed, rejected, and paused outcomes.
		Reason string
		// FinalState is the state at the end of the run.
		FinalState *state.State
	}

	// execution is the per-run mutable context of the executor loop.
	execution struct {
		eng      *Engine
		wf       *workflow.Workflow
		tenantID string
		execID   string
		st       *state.State
		forks    *forkCoordinator
		// decision is a resume-supplied review verdict, consumed by the
		// first gate consultation.
		decision *review.Decision
	}
)

// New builds an engine, applying defaults for absent optional collaborators.
func New(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = telemetry.NoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NoopTracer()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Pool == nil {
		cfg.Pool = NewPool(0)
	}
	if cfg.Gate == nil {
		cfg.Gate = review.NewGate(nil)
	}
	if cfg.Generics == nil {
		cfg.Generics = NewGenericRegistry()
	}
	if cfg.MaxBacktracks <= 0 {
		cfg.MaxBacktracks = DefaultMaxBacktracks
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.ServerNodeID == "" {
		cfg.ServerNodeID = "local"
	}
	return &Engine{cfg: cfg}
}

// Run starts a fresh execution. The initial checkpoint is persisted before
// the first node executes; a persistence failure there aborts the run and
// propagates to the caller.
func (e *Engine) Run(ctx context.Context, req RunRequest) (ExecutionResult, error) {
	ex := &execution{
		eng:      e,
		wf:       req.Workflow,
		tenantID: req.TenantID,
		execID:   req.ExecutionID,
		st:       state.New(req.Workflow.StartNode, req.InitialContext),
		forks:    newForkCoordinator(),
	}
	ctx = stream.RunAs(ctx, req.ExecutionID)
	e.cfg.Metrics.IncCounter("hensu.execution.started", 1)
	ex.publish(ctx, &stream.ExecutionStarted{TenantID: req.TenantID, WorkflowID: req.Workflow.ID})
	if err := ex.save(ctx, state.ReasonCheckpoint); err != nil {
		return e.finish(ExecutionResult{Outcome: OutcomeFailed, Reason: err.Error(), FinalState: ex.st},
			fmt.Errorf("persist initial checkpoint: %w", err))
	}
	return e.finish(ex.loop(ctx))
}

// Resume continues an execution from persisted state.
func (e *Engine) Resume(ctx context.Context, req ResumeRequest) (ExecutionResult, error) {
	if req.State == nil || req.State.CurrentNodeID == nil {
		return ExecutionResult{}, ErrWorkflowNotStarted
	}
	ex := &execution{
		eng:      e,
		wf:       req.Workflow,
		tenantID: req.TenantID,
		execID:   req.ExecutionID,
		st:       req.State,
		forks:    newForkCoordinator(),
		decision: req.Decision,
	}
	ctx = stream.RunAs(ctx, req.ExecutionID)
	e.cfg.Metrics.IncCounter("hensu.execution.resumed", 1)
	if err := ex.save(ctx, state.ReasonCheckpoint); err != nil {
		return e.finish(ExecutionResult{Outcome: OutcomeFailed, Reason: err.Error(), FinalState: ex.st},
			fmt.Errorf("persist resume checkpoint: %w", err))
	}
	return e.finish(ex.loop(ctx))
}

// finish counts terminal outcomes. Paused runs are not terminal; they finish
// on a later resume.
func (e *Engine) finish(res ExecutionResult, err error) (ExecutionResult, error) {
	if res.Outcome != "" && res.Outcome != OutcomePaused {
		e.cfg.Metrics.IncCounter("hensu.execution.finished", 1, "outcome", string(res.Outcome))
	}
	return res, err
}

// loop is the executor core: lookup, dispatch, history, review, transition,
// checkpoint, publish, repeat.
func (ex *execution) loop(ctx context.Context) (ExecutionResult, error) {
	cfg := &ex.eng.cfg
	for {
		if ctx.Err() != nil {
			return ex.cancelled(ctx)
		}
		nodeID := *ex.st.CurrentNodeID
		node, ok := ex.wf.Nodes[nodeID]
		if !ok {
			return ex.fatal(ctx, fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID))
		}

		if end, isEnd := node.(*workflow.EndNode); isEnd {
			return ex.completed(ctx, end)
		}

		ex.publish(ctx, &stream.NodeStarted{NodeID: nodeID, NodeType: string(node.Type())})
		started := cfg.Clock()
		nodeCtx, span := cfg.Tracer.StartSpan(ctx, "hensu.node", "node.id", nodeID, "node.type", string(node.Type()))
		res, err := ex.dispatch(nodeCtx, node, ex.st)
		span.End(err)
		cfg.Metrics.RecordTimer("hensu.node.duration", cfg.Clock().Sub(started), "type", string(node.Type()))

		switch {
		case err == nil:
		case errors.Is(err, review.ErrPending), errors.Is(err, plan.ErrReviewPending):
			return ex.paused(ctx, err.Error())
		case ctx.Err() != nil:
			return ex.cancelled(ctx)
		default:
			return ex.fatal(ctx, err)
		}
		if ctx.Err() != nil {
			return ex.cancelled(ctx)
		}

		ex.st.AppendStep(nodeID, res.Success, res.Output, cfg.Clock())
		ex.st.LastRubric = res.Rubric
		ex.publish(ctx, nodeCompletedEvent(nodeID, res))

		if sn, isStandard := node.(*workflow.StandardNode); isStandard {
			proceed, result, err := ex.applyReview(ctx, sn, res)
			if err != nil {
				if errors.Is(err, review.ErrPending) {
					return ex.paused(ctx, "awaiting review of node "+nodeID)
				}
				if ctx.Err() != nil {
					return ex.cancelled(ctx)
				}
				return ex.fatal(ctx, err)
			}
			if !proceed {
				return result, nil
			}
		}

		move, err := selectTransition(node, res, ex.st, cfg.MaxBacktracks)
		if err != nil {
			return ex.fatal(ctx, err)
		}
		switch {
		case move.backtrack:
			ex.st.IncrementBacktrack(nodeID)
			ex.st.AppendBacktrack(nodeID, nodeID, "rubric score below threshold", cfg.Clock())
			ex.publish(ctx, &stream.Backtrack{From: nodeID, To: nodeID, Reason: "rubric score below threshold"})
		case move.retry:
			// Stay on the node; the retry counter was already advanced.
		default:
			ex.st.SetCurrentNode(move.target)
		}

		if err := ex.save(ctx, state.ReasonCheckpoint); err != nil {
			return ex.fatal(ctx, fmt.Errorf("persist checkpoint: %w", err))
		}
	}
}

// applyReview runs the review gate for a standard node. Returns proceed=false
// with a final result when the decision ends or rewinds the run's forward
// progress (reject ends it; backtrack rewinds and proceeds from the target).
func (ex *execution) applyReview(ctx context.Context, node *workflow.StandardNode, res NodeResult) (bool, ExecutionResult, error) {
	cfg := &ex.eng.cfg
	willConsult := node.Review.Mode == workflow.ReviewRequired ||
		(node.Review.Mode == workflow.ReviewOptional && !res.Success)
	if willConsult {
		ex.publish(ctx, &stream.ReviewRequested{NodeID: node.ID})
	}

	req := review.Request{
		TenantID:    ex.tenantID,
		ExecutionID: ex.execID,
		NodeID:      node.ID,
		Success:     res.Success,
		Output:      res.Output,
		State:       ex.st,
	}
	var decision review.Decision
	var err error
	if willConsult && ex.decision != nil {
		decision, ex.decision = *ex.decision, nil
	} else {
		decision, err = cfg.Gate.Review(ctx, &node.Review, req)
		if err != nil {
			return false, ExecutionResult{}, err
		}
	}
	if willConsult {
		ex.publish(ctx, &stream.ReviewDecided{NodeID: node.ID, Decision: string(decision.Kind), Reason: decision.Reason})
	}

	switch decision.Kind {
	case review.KindReject:
		result, err := ex.rejected(ctx, decision.Reason)
		return false, result, err
	case review.KindBacktrack:
		ex.st.AppendBacktrack(node.ID, decision.TargetNodeID, decision.Reason, cfg.Clock())
		ex.publish(ctx, &stream.Backtrack{From: node.ID, To: decision.TargetNodeID, Reason: decision.Reason})
		for k, v := range decision.StateOverride {
			ex.st.Context[k] = v
		}
		ex.st.ResetBacktracks(decision.TargetNodeID)
		ex.st.SetCurrentNode(decision.TargetNodeID)
		if err := ex.save(ctx, state.ReasonCheckpoint); err != nil {
			return false, ExecutionResult{}, err
		}
		// Forward execution resumes from the backtrack target.
		result, err := ex.loop(ctx)
		return false, result, err
	default:
		return true, ExecutionResult{}, nil
	}
}

func (ex *execution) completed(ctx context.Context, end *workflow.EndNode) (ExecutionResult, error) {
	finalNode := end.ID
	ex.st.ClearCurrentNode()
	if err := ex.save(ctx, state.ReasonCompleted); err != nil {
		return ExecutionResult{Outcome: OutcomeFailed, Reason: err.Error(), FinalState: ex.st}, err
	}
	success := end.Status == workflow.EndSuccess
	ex.publish(ctx, &stream.ExecutionCompleted{Success: success, FinalNodeID: finalNode, Output: ex.st.Output()})
	return ExecutionResult{Outcome: OutcomeCompleted, ExitStatus: end.Status, FinalState: ex.st}, nil
}

func (ex *execution) rejected(ctx context.Context, reason string) (ExecutionResult, error) {
	ex.st.ClearCurrentNode()
	if err := ex.save(ctx, state.ReasonRejected); err != nil {
		return ExecutionResult{Outcome: OutcomeFailed, Reason: err.Error(), FinalState: ex.st}, err
	}
	ex.publish(ctx, &stream.ExecutionCompleted{Success: false, Output: ex.st.Output()})
	return ExecutionResult{Outcome: OutcomeRejected, Reason: reason, FinalState: ex.st}, nil
}

func (ex *execution) fatal(ctx context.Context, cause error) (ExecutionResult, error) {
	ex.eng.cfg.Log.Error(ctx, "execution failed", "execution", ex.execID, "err", cause)
	ex.st.ClearCurrentNode()
	if err := ex.save(ctx, state.ReasonFailed); err != nil {
		ex.eng.cfg.Log.Error(ctx, "persist failed snapshot", "execution", ex.execID, "err", err)
	}
	ex.publish(ctx, &stream.ExecutionCompleted{Success: false, Output: ex.st.Output()})
	return ExecutionResult{Outcome: OutcomeFailed, Reason: cause.Error(), FinalState: ex.st}, cause
}

func (ex *execution) paused(ctx context.Context, reason string) (ExecutionResult, error) {
	if err := ex.save(ctx, state.ReasonPaused); err != nil {
		return ExecutionResult{Outcome: OutcomeFailed, Reason: err.Error(), FinalState: ex.st}, err
	}
	return ExecutionResult{Outcome: OutcomePaused, Reason: reason, FinalState: ex.st}, nil
}

// cancelled finalises the current node and releases the lease. The current
// node pointer survives so the execution can be resumed by hand.
func (ex *execution) cancelled(ctx context.Context) (ExecutionResult, error) {
	if err := ex.save(ctx, state.ReasonCancelled); err != nil {
		ex.eng.cfg.Log.Error(ctx, "persist cancelled snapshot", "execution", ex.execID, "err", err)
	}
	var nodeID string
	if ex.st.CurrentNodeID != nil {
		nodeID = *ex.st.CurrentNodeID
	}
	ex.publish(ctx, &stream.ExecutionCancelled{NodeID: nodeID})
	return ExecutionResult{Outcome: OutcomeCancelled, Reason: "cancelled", FinalState: ex.st}, nil
}

// save persists a snapshot with lease fields set exactly for checkpoint
// saves. Saves use a background-derived context so a cancelled run can still
// persist its terminal snapshot.
func (ex *execution) save(ctx context.Context, reason state.Reason) error {
	cfg := &ex.eng.cfg
	if cfg.Snapshots == nil {
		return nil
	}
	now := cfg.Clock()
	snap := &state.Snapshot{
		TenantID:       ex.tenantID,
		ExecutionID:    ex.execID,
		WorkflowID:     ex.wf.ID,
		State:          ex.st,
		CurrentNodeID:  ex.st.CurrentNodeID,
		Reason:         reason,
		CheckpointTime: now,
	}
	if reason == state.ReasonCheckpoint {
		owner := cfg.ServerNodeID
		snap.ServerNodeID = &owner
		snap.LastHeartbeatAt = &now
	}
	saveCtx := context.WithoutCancel(ctx)
	return cfg.Snapshots.Save(saveCtx, snap)
}

func (ex *execution) publish(ctx context.Context, ev stream.Event) {
	if ex.eng.cfg.Events != nil {
		ex.eng.cfg.Events.Publish(ctx, ev)
	}
}

func nodeCompletedEvent(nodeID string, res NodeResult) *stream.NodeCompleted {
	ev := &stream.NodeCompleted{NodeID: nodeID, Success: res.Success, Output: res.Output}
	if res.Rubric != nil {
		score := res.Rubric.Score
		ev.Score = &score
	}
	return ev
}
