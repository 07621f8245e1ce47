package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hensulabs/hensu/runtime/action"
	"github.com/hensulabs/hensu/runtime/consensus"
	"github.com/hensulabs/hensu/runtime/plan"
	"github.com/hensulabs/hensu/runtime/state"
	"github.com/hensulabs/hensu/runtime/stream"
	"github.com/hensulabs/hensu/runtime/template"
	"github.com/hensulabs/hensu/runtime/workflow"
)

// dispatch executes one node against the given state. Fatal configuration
// faults come back as errors; every operational failure is materialised as a
// Failure NodeResult whose Output carries the diagnostic.
func (ex *execution) dispatch(ctx context.Context, node workflow.Node, st *state.State) (NodeResult, error) {
	switch n := node.(type) {
	case *workflow.StandardNode:
		return ex.dispatchStandard(ctx, n, st)
	case *workflow.ParallelNode:
		return ex.dispatchParallel(ctx, n, st)
	case *workflow.ForkNode:
		return ex.dispatchFork(ctx, n, st)
	case *workflow.JoinNode:
		return ex.dispatchJoin(ctx, n, st)
	case *workflow.GenericNode:
		return ex.dispatchGeneric(ctx, n, st)
	case *workflow.ActionNode:
		return ex.dispatchAction(ctx, n, st)
	default:
		return NodeResult{}, fmt.Errorf("%w: unexpected node type %T", ErrNodeNotFound, node)
	}
}

// dispatchStandard resolves the prompt, runs the node's plan or invokes the
// agent, stores the output under the node ID, extracts declared output
// params, and evaluates the node rubric.
func (ex *execution) dispatchStandard(ctx context.Context, n *workflow.StandardNode, st *state.State) (NodeResult, error) {
	cfg := &ex.eng.cfg
	var output string
	ok := true
	if n.Plan != nil {
		planRes, err := cfg.Plans.Execute(ctx, n.ID, n.Plan, st.Context)
		switch {
		case errors.Is(err, plan.ErrReviewPending):
			return NodeResult{}, err
		case errors.Is(err, plan.ErrNoPlanner):
			return NodeResult{}, err
		case err != nil:
			return failure(fmt.Sprintf("plan failed: %v", err)), nil
		}
		output, ok = planRes.Output, planRes.Success
		if !ok {
			return failure(planDiagnostic(planRes)), nil
		}
	} else {
		resp, err := cfg.Agents.Invoke(ctx, n.AgentID, template.Resolve(n.Prompt, st.Context), st.Context)
		if err != nil {
			if isFatal(err) {
				return NodeResult{}, err
			}
			return failure(fmt.Sprintf("agent %q: %v", n.AgentID, err)), nil
		}
		output = resp.Text
	}

	st.Context[n.ID] = output
	template.ExtractParams(output, n.OutputParams, st.Context)

	res := NodeResult{Success: true, Output: output}
	if n.RubricID != "" {
		eval, err := cfg.Rubrics.Evaluate(ctx, n.RubricID, output, st.Context)
		if err != nil {
			return failure(fmt.Sprintf("rubric %q: %v", n.RubricID, err)), nil
		}
		res.Rubric = &state.RubricResult{RubricID: eval.RubricID, Score: eval.Score, Passed: eval.Passed}
	}
	return res, nil
}

// dispatchParallel runs the branches concurrently over private context
// copies, collects outputs in declared branch order, derives one vote per
// branch, and aggregates under the node's consensus strategy.
func (ex *execution) dispatchParallel(ctx context.Context, n *workflow.ParallelNode, st *state.State) (NodeResult, error) {
	cfg := &ex.eng.cfg

	type branchOut struct {
		output string
		err    error
	}
	outs := make([]branchOut, len(n.Branches))
	var wg sync.WaitGroup
	for i, branch := range n.Branches {
		i, branch := i, branch
		branchCtx := st.ForkContext()
		cfg.Pool.Go(ctx, &wg, func() {
			resp, err := cfg.Agents.Invoke(ctx, branch.AgentID, template.Resolve(branch.Prompt, branchCtx), branchCtx)
			if err != nil {
				outs[i] = branchOut{err: err}
				return
			}
			outs[i] = branchOut{output: resp.Text}
		})
	}
	wg.Wait()
	if ctx.Err() != nil {
		return failure(ctx.Err().Error()), nil
	}

	ballots := make([]consensus.Ballot, 0, len(n.Branches))
	outputs := make([]any, 0, len(n.Branches))
	for i, branch := range n.Branches {
		if outs[i].err != nil {
			if isFatal(outs[i].err) {
				return NodeResult{}, outs[i].err
			}
			// A failed branch rejects: broken work never approves itself.
			ballots = append(ballots, consensus.Ballot{
				BranchID: branch.BranchID,
				Vote:     consensus.Reject,
				Weight:   branch.Weight,
				Output:   outs[i].err.Error(),
			})
			continue
		}
		outputs = append(outputs, outs[i].output)
		ballots = append(ballots, cfg.Consensus.DeriveVote(ctx, branch, outs[i].output, st.Context))
	}
	st.Context[n.ID] = outputs

	consRes, err := cfg.Consensus.Evaluate(ctx, n.Consensus, ballots)
	if err != nil {
		return failure(fmt.Sprintf("consensus: %v", err)), nil
	}
	reached := consRes.Reached
	return NodeResult{
		Success:          reached,
		ConsensusReached: &reached,
		Metadata:         map[string]any{"ballots": consRes.Ballots},
	}, nil
}

// dispatchFork spawns the branch traversals and returns immediately; a
// downstream join collects the results.
func (ex *execution) dispatchFork(ctx context.Context, n *workflow.ForkNode, st *state.State) (NodeResult, error) {
	ex.forks.spawn(ctx, ex.eng.cfg.Pool, n.ID, n.Targets, st.ForkContext, ex.runBranch)
	return NodeResult{Success: true}, nil
}

// dispatchJoin blocks until the awaited forks resolve and writes the merged
// value to the context under the node's output field.
func (ex *execution) dispatchJoin(ctx context.Context, n *workflow.JoinNode, st *state.State) (NodeResult, error) {
	handles := make([]*forkHandle, 0, len(n.Await))
	for _, forkID := range n.Await {
		h, ok := ex.forks.lookup(forkID)
		if !ok {
			return NodeResult{}, fmt.Errorf("%w: join %q awaits fork %q that has not run", ErrNodeNotFound, n.ID, forkID)
		}
		handles = append(handles, h)
	}
	res := awaitJoin(ctx, n, handles, ex.eng.cfg.JoinTimeout)
	if res.Success {
		if collected, ok := res.Metadata["collected"]; ok {
			st.Context[n.OutputField] = collected
		} else {
			st.Context[n.OutputField] = res.Output
		}
	}
	return res, nil
}

// dispatchGeneric hands the node to the handler registered for its executor
// type. Handler errors are non-fatal; a missing handler is not.
func (ex *execution) dispatchGeneric(ctx context.Context, n *workflow.GenericNode, st *state.State) (NodeResult, error) {
	cfg := &ex.eng.cfg
	h, err := cfg.Generics.Find(n.ExecutorType)
	if err != nil {
		return NodeResult{}, err
	}
	res, err := h.Handle(ctx, n.Config, st.Context)
	if err != nil {
		return failure(fmt.Sprintf("handler %q: %v", n.ExecutorType, err)), nil
	}
	if res.Success && res.Output != "" {
		st.Context[n.ID] = res.Output
	}
	if n.RubricID != "" && res.Rubric == nil {
		eval, err := cfg.Rubrics.Evaluate(ctx, n.RubricID, res.Output, st.Context)
		if err != nil {
			return failure(fmt.Sprintf("rubric %q: %v", n.RubricID, err)), nil
		}
		res.Rubric = &state.RubricResult{RubricID: eval.RubricID, Score: eval.Score, Passed: eval.Passed}
	}
	return res, nil
}

// dispatchAction dispatches the node's actions in declared order; the first
// failing action fails the node.
func (ex *execution) dispatchAction(ctx context.Context, n *workflow.ActionNode, st *state.State) (NodeResult, error) {
	results := ex.eng.cfg.Actions.Dispatch(ctx, n.Actions, st.Context)
	if err := action.Failed(results); err != nil {
		return failure(fmt.Sprintf("action: %v", err)), nil
	}
	return NodeResult{Success: true}, nil
}

// runBranch executes one fork branch: a private traversal from the start
// node over the branch's own state, ending at the first END node. The
// branch's output is the last node output produced along the way. Branches
// skip the review gate and never persist snapshots; they surface progress
// through node events only.
func (ex *execution) runBranch(ctx context.Context, startNodeID string, branchCtx map[string]any) (string, error) {
	cfg := &ex.eng.cfg
	bst := state.New(startNodeID, branchCtx)
	var lastOutput string
	for {
		if err := ctx.Err(); err != nil {
			return lastOutput, err
		}
		nodeID := *bst.CurrentNodeID
		node, ok := ex.wf.Nodes[nodeID]
		if !ok {
			return lastOutput, fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
		}
		if end, isEnd := node.(*workflow.EndNode); isEnd {
			if end.Status != workflow.EndSuccess {
				return lastOutput, fmt.Errorf("branch ended with status %s", end.Status)
			}
			return lastOutput, nil
		}

		ex.publish(ctx, &stream.NodeStarted{NodeID: nodeID, NodeType: string(node.Type())})
		res, err := ex.dispatch(ctx, node, bst)
		if err != nil {
			return lastOutput, err
		}
		bst.AppendStep(nodeID, res.Success, res.Output, cfg.Clock())
		bst.LastRubric = res.Rubric
		ex.publish(ctx, nodeCompletedEvent(nodeID, res))
		if res.Output != "" {
			lastOutput = res.Output
		}

		move, err := selectTransition(node, res, bst, cfg.MaxBacktracks)
		if err != nil {
			return lastOutput, err
		}
		switch {
		case move.backtrack:
			bst.IncrementBacktrack(nodeID)
			bst.AppendBacktrack(nodeID, nodeID, "rubric score below threshold", cfg.Clock())
		case move.retry:
		default:
			bst.SetCurrentNode(move.target)
		}
	}
}

func planDiagnostic(res plan.Result) string {
	for _, step := range res.Steps {
		if step.Status == plan.StatusFailure && step.Err != nil {
			return fmt.Sprintf("plan step %d (%s): %v", step.Index, step.Tool, step.Err)
		}
	}
	return "plan failed"
}
