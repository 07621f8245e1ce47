package engine

import (
	"errors"

	"github.com/hensulabs/hensu/runtime/agent"
	"github.com/hensulabs/hensu/runtime/plan"
	"github.com/hensulabs/hensu/runtime/review"
)

// Fatal configuration faults. These abort the execution with a failed
// terminal snapshot; everything else surfaces as a Failure outcome on the
// node and flows through normal transition selection.
var (
	// ErrNodeNotFound indicates the current node ID is not in the workflow.
	ErrNodeNotFound = errors.New("node not found")
	// ErrNoValidTransition indicates no transition matched the node outcome.
	ErrNoValidTransition = errors.New("no valid transition")
	// ErrGenericHandlerNotFound indicates a generic node's executorType has
	// no registered handler.
	ErrGenericHandlerNotFound = errors.New("generic handler not found")
	// ErrWorkflowNotStarted indicates a resume on a snapshot without a
	// current node.
	ErrWorkflowNotStarted = errors.New("snapshot has no current node")
)

// isFatal reports whether an error from node dispatch aborts the execution
// rather than becoming a Failure outcome.
func isFatal(err error) bool {
	return errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrNoValidTransition) ||
		errors.Is(err, ErrGenericHandlerNotFound) ||
		errors.Is(err, agent.ErrAgentNotFound) ||
		errors.Is(err, review.ErrNoReviewer) ||
		errors.Is(err, plan.ErrNoPlanner)
}
