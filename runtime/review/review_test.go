package review

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hensulabs/hensu/runtime/workflow"
)

func countingReviewer(calls *int, decision Decision, err error) Reviewer {
	return ReviewerFunc(func(context.Context, Request) (Decision, error) {
		*calls++
		return decision, err
	})
}

func TestDisabledAutoApproves(t *testing.T) {
	calls := 0
	g := NewGate(countingReviewer(&calls, Reject("never"), nil))

	for _, cfg := range []*workflow.ReviewConfig{
		nil,
		{},
		{Mode: workflow.ReviewDisabled},
	} {
		d, err := g.Review(context.Background(), cfg, Request{Success: false})
		require.NoError(t, err)
		assert.Equal(t, KindApprove, d.Kind)
	}
	assert.Zero(t, calls, "disabled mode never invokes the reviewer")
}

func TestOptionalReviewsOnlyFailures(t *testing.T) {
	calls := 0
	g := NewGate(countingReviewer(&calls, Reject("not good enough"), nil))
	cfg := &workflow.ReviewConfig{Mode: workflow.ReviewOptional}

	d, err := g.Review(context.Background(), cfg, Request{Success: true})
	require.NoError(t, err)
	assert.Equal(t, KindApprove, d.Kind)
	assert.Zero(t, calls)

	d, err = g.Review(context.Background(), cfg, Request{Success: false})
	require.NoError(t, err)
	assert.Equal(t, KindReject, d.Kind)
	assert.Equal(t, "not good enough", d.Reason)
	assert.Equal(t, 1, calls)
}

func TestRequiredAlwaysReviews(t *testing.T) {
	calls := 0
	g := NewGate(countingReviewer(&calls, Approve(), nil))
	cfg := &workflow.ReviewConfig{Mode: workflow.ReviewRequired}

	_, err := g.Review(context.Background(), cfg, Request{Success: true})
	require.NoError(t, err)
	_, err = g.Review(context.Background(), cfg, Request{Success: false})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRequiredWithoutReviewerFails(t *testing.T) {
	g := NewGate(nil)
	_, err := g.Review(context.Background(), &workflow.ReviewConfig{Mode: workflow.ReviewRequired}, Request{})
	assert.ErrorIs(t, err, ErrNoReviewer)
}

func TestReviewerErrorBecomesRejection(t *testing.T) {
	calls := 0
	g := NewGate(countingReviewer(&calls, Decision{}, errors.New("slack webhook 500")))
	d, err := g.Review(context.Background(), &workflow.ReviewConfig{Mode: workflow.ReviewRequired}, Request{})
	require.NoError(t, err)
	assert.Equal(t, KindReject, d.Kind)
	assert.Equal(t, "slack webhook 500", d.Reason)
}

func TestPendingPropagates(t *testing.T) {
	calls := 0
	g := NewGate(countingReviewer(&calls, Decision{}, ErrPending))
	_, err := g.Review(context.Background(), &workflow.ReviewConfig{Mode: workflow.ReviewRequired}, Request{})
	assert.ErrorIs(t, err, ErrPending)
}

func TestCancellationPropagates(t *testing.T) {
	g := NewGate(ReviewerFunc(func(ctx context.Context, _ Request) (Decision, error) {
		return Decision{}, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Review(ctx, &workflow.ReviewConfig{Mode: workflow.ReviewRequired}, Request{})
	assert.ErrorIs(t, err, context.Canceled, "cancellation is not a rejection")
}

func TestBacktrackDecisionCarriesOverride(t *testing.T) {
	override := map[string]any{"draft": "v2"}
	g := NewGate(ReviewerFunc(func(context.Context, Request) (Decision, error) {
		return BacktrackTo("draft_node", override, "missing citations"), nil
	}))
	d, err := g.Review(context.Background(), &workflow.ReviewConfig{Mode: workflow.ReviewRequired}, Request{})
	require.NoError(t, err)
	assert.Equal(t, KindBacktrack, d.Kind)
	assert.Equal(t, "draft_node", d.TargetNodeID)
	assert.Equal(t, override, d.StateOverride)
	assert.Equal(t, "missing citations", d.Reason)
}
