package workflow

import (
	"errors"
	"fmt"
)

// ErrInvalidWorkflow wraps every referential-integrity failure reported by
// Validate so callers can classify validation errors without string matching.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// Validate checks referential integrity: the start node exists, every
// transition target and branch/fork/join reference resolves to a node, every
// agent reference resolves to an agent config, and fork nodes do not request
// waitAll (underspecified upstream, rejected here).
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidWorkflow)
	}
	if len(w.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidWorkflow)
	}
	if _, ok := w.Nodes[w.StartNode]; !ok {
		return fmt.Errorf("%w: start node %q not found", ErrInvalidWorkflow, w.StartNode)
	}
	for id, node := range w.Nodes {
		if node.NodeID() != id {
			return fmt.Errorf("%w: node key %q does not match node id %q", ErrInvalidWorkflow, id, node.NodeID())
		}
		for _, t := range node.NodeTransitions() {
			if err := w.checkTransitionTargets(id, t); err != nil {
				return err
			}
		}
		switch n := node.(type) {
		case *StandardNode:
			if err := w.checkAgent(id, n.AgentID); err != nil {
				return err
			}
		case *ParallelNode:
			if len(n.Branches) == 0 {
				// Zero-branch parallel nodes are legal; they evaluate to
				// NoConsensus at runtime.
				continue
			}
			for _, b := range n.Branches {
				if err := w.checkAgent(id, b.AgentID); err != nil {
					return err
				}
			}
			if n.Consensus.Strategy == JudgeDecides {
				if err := w.checkAgent(id, n.Consensus.JudgeAgentID); err != nil {
					return err
				}
			}
		case *ForkNode:
			if n.WaitAll {
				return fmt.Errorf("%w: fork node %q: waitAll is not supported", ErrInvalidWorkflow, id)
			}
			if len(n.Targets) == 0 {
				return fmt.Errorf("%w: fork node %q has no targets", ErrInvalidWorkflow, id)
			}
			for _, target := range n.Targets {
				if _, ok := w.Nodes[target]; !ok {
					return fmt.Errorf("%w: fork node %q target %q not found", ErrInvalidWorkflow, id, target)
				}
			}
		case *JoinNode:
			if len(n.Await) == 0 {
				return fmt.Errorf("%w: join node %q awaits no forks", ErrInvalidWorkflow, id)
			}
			for _, forkID := range n.Await {
				fork, ok := w.Nodes[forkID]
				if !ok {
					return fmt.Errorf("%w: join node %q awaits unknown node %q", ErrInvalidWorkflow, id, forkID)
				}
				if fork.Type() != NodeTypeFork {
					return fmt.Errorf("%w: join node %q awaits non-fork node %q", ErrInvalidWorkflow, id, forkID)
				}
			}
			if n.OutputField == "" {
				return fmt.Errorf("%w: join node %q missing outputField", ErrInvalidWorkflow, id)
			}
			switch n.MergeStrategy {
			case CollectAll, FirstSuccess, Concatenate:
			default:
				return fmt.Errorf("%w: join node %q has unknown merge strategy %q", ErrInvalidWorkflow, id, n.MergeStrategy)
			}
		case *GenericNode:
			if n.ExecutorType == "" {
				return fmt.Errorf("%w: generic node %q missing executorType", ErrInvalidWorkflow, id)
			}
		case *ActionNode:
			if len(n.Actions) == 0 {
				return fmt.Errorf("%w: action node %q has no actions", ErrInvalidWorkflow, id)
			}
		case *EndNode:
			switch n.Status {
			case EndSuccess, EndFailure, EndCancelled:
			default:
				return fmt.Errorf("%w: end node %q has unknown status %q", ErrInvalidWorkflow, id, n.Status)
			}
		}
	}
	return nil
}

func (w *Workflow) checkTransitionTargets(nodeID string, t Transition) error {
	if st, ok := t.(*ScoreTransition); ok {
		for _, c := range st.Conditions {
			if _, found := w.Nodes[c.TargetNode]; !found {
				return fmt.Errorf("%w: node %q score target %q not found", ErrInvalidWorkflow, nodeID, c.TargetNode)
			}
		}
		return nil
	}
	if _, ok := w.Nodes[t.Target()]; !ok {
		return fmt.Errorf("%w: node %q transition target %q not found", ErrInvalidWorkflow, nodeID, t.Target())
	}
	return nil
}

func (w *Workflow) checkAgent(nodeID, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: node %q missing agent id", ErrInvalidWorkflow, nodeID)
	}
	if _, ok := w.Agents[agentID]; !ok {
		return fmt.Errorf("%w: node %q references unknown agent %q", ErrInvalidWorkflow, nodeID, agentID)
	}
	return nil
}
