// Package review gates node completion on an external reviewer decision.
// Depending on the node's review mode the gate auto-approves, reviews only
// failures, or always asks. Reviewers may decide inline, or pause the
// execution for an out-of-band decision by returning ErrPending.
package review

import (
	"context"
	"errors"

	"github.com/hensulabs/hensu/runtime/state"
	"github.com/hensulabs/hensu/runtime/workflow"
)

// ErrPending signals that the reviewer will decide out of band. The executor
// persists a paused snapshot and stops; resumeExecution carries the decision.
var ErrPending = errors.New("review decision pending")

// ErrNoReviewer indicates a node requires review but no reviewer is
// configured. This is a workflow configuration fault, not a reviewer failure.
var ErrNoReviewer = errors.New("no reviewer configured")

// Kind is a reviewer verdict.
type Kind string

const (
	KindApprove   Kind = "APPROVE"
	KindReject    Kind = "REJECT"
	KindBacktrack Kind = "BACKTRACK"
)

type (
	// Decision is a reviewer verdict with its parameters.
	Decision struct {
		// Kind is the verdict.
		Kind Kind
		// Reason explains a rejection or backtrack.
		Reason string
		// TargetNodeID is the rewind target for backtrack verdicts.
		TargetNodeID string
		// StateOverride, when non-nil, is merged into the execution context
		// before resuming from the backtrack target.
		StateOverride map[string]any
	}

	// Request carries everything a reviewer sees.
	Request struct {
		TenantID    string
		ExecutionID string
		NodeID      string
		// Success is the node outcome being reviewed.
		Success bool
		// Output is the node's raw output.
		Output string
		// State is a read-only view of the execution state. Reviewers must
		// not mutate it; backtracks override state through the decision.
		State *state.State
	}

	// Reviewer is the external decision collaborator. Request may block on a
	// human; it must honour context cancellation. Returning ErrPending pauses
	// the execution instead of blocking the worker.
	Reviewer interface {
		Request(ctx context.Context, req Request) (Decision, error)
	}

	// ReviewerFunc adapts a function to Reviewer.
	ReviewerFunc func(ctx context.Context, req Request) (Decision, error)

	// Gate applies a node's review mode.
	Gate struct {
		reviewer Reviewer
	}
)

// Request implements Reviewer.
func (f ReviewerFunc) Request(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// Approve returns an approval decision.
func Approve() Decision { return Decision{Kind: KindApprove} }

// Reject returns a rejection with a reason.
func Reject(reason string) Decision { return Decision{Kind: KindReject, Reason: reason} }

// BacktrackTo returns a backtrack decision. Override may be nil.
func BacktrackTo(target string, override map[string]any, reason string) Decision {
	return Decision{Kind: KindBacktrack, TargetNodeID: target, StateOverride: override, Reason: reason}
}

// NewGate builds a gate around an optional reviewer.
func NewGate(reviewer Reviewer) *Gate {
	return &Gate{reviewer: reviewer}
}

// Review applies the node's review mode to an outcome. Auto-approvals never
// invoke the reviewer. A reviewer failure other than ErrPending and context
// cancellation degrades to a rejection carrying the error text, so a broken
// review channel can never silently approve work.
func (g *Gate) Review(ctx context.Context, cfg *workflow.ReviewConfig, req Request) (Decision, error) {
	mode := workflow.ReviewDisabled
	if cfg != nil {
		mode = cfg.Mode
	}
	switch mode {
	case workflow.ReviewDisabled, "":
		return Approve(), nil
	case workflow.ReviewOptional:
		if req.Success {
			return Approve(), nil
		}
	case workflow.ReviewRequired:
		// always ask
	default:
		return Approve(), nil
	}

	if g.reviewer == nil {
		return Decision{}, ErrNoReviewer
	}
	decision, err := g.reviewer.Request(ctx, req)
	switch {
	case err == nil:
		return decision, nil
	case errors.Is(err, ErrPending):
		return Decision{}, ErrPending
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Decision{}, err
	default:
		return Reject(err.Error()), nil
	}
}
