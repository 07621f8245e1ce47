package engine

import (
	"fmt"

	"github.com/hensulabs/hensu/runtime/state"
	"github.com/hensulabs/hensu/runtime/workflow"
)

// nextMove is the executor's decision after a node completes.
type nextMove struct {
	// target is the next node ID for advance moves.
	target string
	// retry re-executes the current node under a failure transition.
	retry bool
	// backtrack re-executes the current node under the rubric auto-backtrack
	// rule.
	backtrack bool
}

// matchScore returns the target of the first score transition whose condition
// matches, in declared order.
func matchScore(transitions []workflow.Transition, score float64) (string, bool) {
	for _, t := range transitions {
		st, ok := t.(*workflow.ScoreTransition)
		if !ok {
			continue
		}
		if target, matched := st.Match(score); matched {
			return target, true
		}
	}
	return "", false
}

// selectTransition picks the executor's next move. Declared-order evaluation:
// score transitions match first when a rubric was evaluated on this node;
// rubric-failed nodes auto-backtrack while their counter is below the cap;
// then the outcome picks the first matching success/failure (or, for parallel
// and fork nodes, consensus/noConsensus/complete) transition. Failure
// transitions retry in place until their retry budget is spent.
func selectTransition(node workflow.Node, res NodeResult, st *state.State, maxBacktracks int) (nextMove, error) {
	transitions := node.NodeTransitions()

	if res.Rubric != nil {
		if target, ok := matchScore(transitions, res.Rubric.Score); ok {
			return nextMove{target: target}, nil
		}
		if !res.Rubric.Passed && st.BacktrackCount(node.NodeID()) < maxBacktracks {
			return nextMove{backtrack: true}, nil
		}
	}

	if res.ConsensusReached != nil {
		want := workflow.TransitionNoConsensus
		if *res.ConsensusReached {
			want = workflow.TransitionConsensus
		}
		for _, t := range transitions {
			if t.TransitionType() == want {
				return nextMove{target: t.Target()}, nil
			}
		}
		return nextMove{}, fmt.Errorf("%w: node %q has no %s transition", ErrNoValidTransition, node.NodeID(), want)
	}

	if _, isFork := node.(*workflow.ForkNode); isFork {
		for _, t := range transitions {
			if t.TransitionType() == workflow.TransitionComplete {
				return nextMove{target: t.Target()}, nil
			}
		}
		return nextMove{}, fmt.Errorf("%w: fork node %q has no complete transition", ErrNoValidTransition, node.NodeID())
	}

	if res.Success {
		for _, t := range transitions {
			if t.TransitionType() == workflow.TransitionSuccess {
				return nextMove{target: t.Target()}, nil
			}
		}
		return nextMove{}, fmt.Errorf("%w: node %q succeeded with no success transition", ErrNoValidTransition, node.NodeID())
	}

	for _, t := range transitions {
		ft, ok := t.(*workflow.FailureTransition)
		if !ok {
			continue
		}
		if st.IncrementRetry(node.NodeID()) <= ft.MaxRetries {
			return nextMove{retry: true}, nil
		}
		return nextMove{target: ft.TargetNode}, nil
	}
	return nextMove{}, fmt.Errorf("%w: node %q failed with no failure transition", ErrNoValidTransition, node.NodeID())
}
