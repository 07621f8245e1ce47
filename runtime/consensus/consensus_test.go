package consensus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hensulabs/hensu/runtime/agent"
	"github.com/hensulabs/hensu/runtime/rubric"
	"github.com/hensulabs/hensu/runtime/workflow"
)

func ballots(votes ...Vote) []Ballot {
	out := make([]Ballot, len(votes))
	for i, v := range votes {
		out[i] = Ballot{BranchID: string(rune('a' + i)), Vote: v}
	}
	return out
}

func TestMajorityVote(t *testing.T) {
	e := NewEvaluator(nil, nil)
	cases := []struct {
		name      string
		threshold float64
		votes     []Vote
		want      bool
	}{
		{"two of three at default", 0, []Vote{Approve, Approve, Reject}, true},
		{"one of three at default", 0, []Vote{Approve, Reject, Reject}, false},
		{"abstains count toward total", 0, []Vote{Approve, Abstain, Abstain}, false},
		{"exact ceiling reached", 0, []Vote{Approve, Approve, Abstain, Reject}, true},
		{"strict threshold", 0.75, []Vote{Approve, Approve, Reject, Reject}, false},
		{"strict threshold met", 0.75, []Vote{Approve, Approve, Approve, Reject}, true},
		{"single approval", 0, []Vote{Approve}, true},
		{"single rejection", 0, []Vote{Reject}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := workflow.ConsensusConfig{Strategy: workflow.MajorityVote, Threshold: tc.threshold}
			res, err := e.Evaluate(context.Background(), cfg, ballots(tc.votes...))
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Reached)
		})
	}
}

func TestWeightedVote(t *testing.T) {
	e := NewEvaluator(nil, nil)
	cfg := workflow.ConsensusConfig{Strategy: workflow.WeightedVote}

	t.Run("weights decide", func(t *testing.T) {
		res, err := e.Evaluate(context.Background(), cfg, []Ballot{
			{BranchID: "senior", Vote: Approve, Weight: 3},
			{BranchID: "junior", Vote: Reject, Weight: 1},
		})
		require.NoError(t, err)
		assert.True(t, res.Reached, "3/4 > 0.5")
	})

	t.Run("tie is not consensus", func(t *testing.T) {
		res, err := e.Evaluate(context.Background(), cfg, []Ballot{
			{Vote: Approve, Weight: 2},
			{Vote: Reject, Weight: 2},
		})
		require.NoError(t, err)
		assert.False(t, res.Reached, "threshold comparison is strict")
	})

	t.Run("abstains excluded from denominator", func(t *testing.T) {
		res, err := e.Evaluate(context.Background(), cfg, []Ballot{
			{Vote: Approve, Weight: 1},
			{Vote: Abstain, Weight: 10},
		})
		require.NoError(t, err)
		assert.True(t, res.Reached)
	})

	t.Run("all abstain", func(t *testing.T) {
		res, err := e.Evaluate(context.Background(), cfg, ballots(Abstain, Abstain))
		require.NoError(t, err)
		assert.False(t, res.Reached)
	})

	t.Run("zero weight counts as one", func(t *testing.T) {
		res, err := e.Evaluate(context.Background(), cfg, []Ballot{
			{Vote: Approve},
			{Vote: Approve},
			{Vote: Reject, Weight: 1},
		})
		require.NoError(t, err)
		assert.True(t, res.Reached, "2/3 > 0.5")
	})
}

func TestUnanimous(t *testing.T) {
	e := NewEvaluator(nil, nil)
	cfg := workflow.ConsensusConfig{Strategy: workflow.Unanimous}

	res, err := e.Evaluate(context.Background(), cfg, ballots(Approve, Approve, Approve))
	require.NoError(t, err)
	assert.True(t, res.Reached)

	res, err = e.Evaluate(context.Background(), cfg, ballots(Approve, Abstain, Approve))
	require.NoError(t, err)
	assert.False(t, res.Reached, "abstention breaks unanimity")
}

func TestEmptyBallotsNeverReachConsensus(t *testing.T) {
	e := NewEvaluator(nil, nil)
	for _, strategy := range []workflow.ConsensusStrategy{
		workflow.MajorityVote, workflow.WeightedVote, workflow.Unanimous, workflow.JudgeDecides,
	} {
		res, err := e.Evaluate(context.Background(), workflow.ConsensusConfig{Strategy: strategy}, nil)
		require.NoError(t, err)
		assert.False(t, res.Reached, string(strategy))
	}
}

func TestJudgeDecides(t *testing.T) {
	agents := agent.NewRegistry()
	var seenPrompt string
	reply := "approve"
	require.NoError(t, agents.Register("judge", agent.Func(
		func(_ context.Context, prompt string, _ map[string]any) (agent.Response, error) {
			seenPrompt = prompt
			return agent.Response{Text: reply}, nil
		}), agent.Options{}))
	e := NewEvaluator(nil, agents)
	cfg := workflow.ConsensusConfig{Strategy: workflow.JudgeDecides, JudgeAgentID: "judge"}
	in := []Ballot{{BranchID: "b1", Output: "draft one"}, {BranchID: "b2", Output: "draft two"}}

	res, err := e.Evaluate(context.Background(), cfg, in)
	require.NoError(t, err)
	assert.True(t, res.Reached)
	assert.Contains(t, seenPrompt, "draft one")
	assert.Contains(t, seenPrompt, "draft two")

	reply = "I reject these"
	res, err = e.Evaluate(context.Background(), cfg, in)
	require.NoError(t, err)
	assert.False(t, res.Reached)

	reply = "unclear"
	res, err = e.Evaluate(context.Background(), cfg, in)
	require.NoError(t, err)
	assert.False(t, res.Reached, "abstaining judge means no consensus")
}

func TestJudgeErrorsSurface(t *testing.T) {
	agents := agent.NewRegistry()
	require.NoError(t, agents.Register("judge", agent.Func(
		func(context.Context, string, map[string]any) (agent.Response, error) {
			return agent.Response{}, errors.New("model overloaded")
		}), agent.Options{}))
	e := NewEvaluator(nil, agents)
	cfg := workflow.ConsensusConfig{Strategy: workflow.JudgeDecides, JudgeAgentID: "judge"}

	_, err := e.Evaluate(context.Background(), cfg, ballots(Abstain))
	assert.ErrorContains(t, err, "model overloaded")
}

func TestDeriveVoteHeuristic(t *testing.T) {
	e := NewEvaluator(nil, nil)
	cases := []struct {
		output string
		want   Vote
	}{
		{"I approve this change", Approve},
		{"LGTM!", Approve},
		{"Rejected: missing tests", Reject},
		{"no, this will not work", Reject},
		{"approve? no, reject", Reject},
		{"the approval process is unrelated", Abstain},
		{"", Abstain},
	}
	for _, tc := range cases {
		b := e.DeriveVote(context.Background(), workflow.Branch{BranchID: "b"}, tc.output, nil)
		assert.Equal(t, tc.want, b.Vote, tc.output)
		assert.Nil(t, b.Score)
	}
}

func TestDeriveVoteCustomKeywords(t *testing.T) {
	e := NewEvaluator(nil, nil,
		WithApproveKeywords("ship"),
		WithRejectKeywords("hold"))
	assert.Equal(t, Approve, e.DeriveVote(context.Background(), workflow.Branch{}, "ship it", nil).Vote)
	assert.Equal(t, Reject, e.DeriveVote(context.Background(), workflow.Branch{}, "hold off", nil).Vote)
	assert.Equal(t, Abstain, e.DeriveVote(context.Background(), workflow.Branch{}, "yes approve", nil).Vote,
		"default keywords replaced")
}

func TestDeriveVoteRubric(t *testing.T) {
	rubrics := rubric.NewRegistry()
	require.NoError(t, rubrics.Register(&rubric.Rubric{ID: "gate", PassThreshold: 70}))
	engine := rubric.NewEngine(rubrics, agent.NewRegistry())
	e := NewEvaluator(engine, nil)
	branch := workflow.Branch{BranchID: "b", RubricID: "gate", Weight: 2}

	b := e.DeriveVote(context.Background(), branch, `{"score": 85}`, nil)
	assert.Equal(t, Approve, b.Vote)
	require.NotNil(t, b.Score)
	assert.Equal(t, 85.0, *b.Score)
	assert.Equal(t, 2.0, b.Weight)

	b = e.DeriveVote(context.Background(), branch, `{"score": 30}`, nil)
	assert.Equal(t, Reject, b.Vote)
}

func TestDeriveVoteRubricErrorFallsBackToHeuristic(t *testing.T) {
	// Unknown rubric: evaluation errors fall through to the keyword
	// heuristic instead of failing the branch.
	engine := rubric.NewEngine(rubric.NewRegistry(), agent.NewRegistry())
	e := NewEvaluator(engine, nil)
	b := e.DeriveVote(context.Background(), workflow.Branch{RubricID: "missing"}, "approve", nil)
	assert.Equal(t, Approve, b.Vote)
	assert.Nil(t, b.Score)
}
