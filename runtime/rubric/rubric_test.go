package rubric

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hensulabs/hensu/runtime/agent"
)

func newTestEngine(t *testing.T, rubrics []*Rubric, agents *agent.Registry) *Engine {
	t.Helper()
	reg := NewRegistry()
	for _, rb := range rubrics {
		require.NoError(t, reg.Register(rb))
	}
	if agents == nil {
		agents = agent.NewRegistry()
	}
	return NewEngine(reg, agents)
}

func TestEvaluateSelf(t *testing.T) {
	rb := &Rubric{ID: "quality", PassThreshold: 70}
	cases := []struct {
		name       string
		output     string
		wantScore  float64
		wantPassed bool
	}{
		{"passing score", `done {"score": 85}`, 85, true},
		{"failing score", `{"score": 42}`, 42, false},
		{"threshold is inclusive", `{"score": 70}`, 70, true},
		{"alternate field", `{"self_score": 91}`, 91, true},
		{"quality field", `{"quality_score": 66}`, 66, false},
		{"final field", `{"final_score": 100}`, 100, true},
		{"clamped high", `{"score": 400}`, 100, true},
		{"clamped low", `{"score": -5}`, 0, false},
		{"fallback plain text", "looks good to me", 50, false},
		{"fallback rejection keyword", "I must reject this draft", 50, false},
		{"fallback empty", "   ", 50, false},
		{"non-numeric score ignored", `{"score": "high"}`, 50, false},
	}
	e := newTestEngine(t, []*Rubric{rb}, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eval, err := e.Evaluate(context.Background(), "quality", tc.output, map[string]any{})
			require.NoError(t, err)
			assert.Equal(t, "quality", eval.RubricID)
			assert.Equal(t, tc.wantScore, eval.Score)
			assert.Equal(t, tc.wantPassed, eval.Passed)
		})
	}
}

func TestEvaluateSelfFallbackPassesLowThreshold(t *testing.T) {
	// The fallback score of 50 passes rubrics with thresholds at or below 50
	// unless the output carries a rejection keyword.
	e := newTestEngine(t, []*Rubric{{ID: "lenient", PassThreshold: 50}}, nil)

	eval, err := e.Evaluate(context.Background(), "lenient", "all good", nil)
	require.NoError(t, err)
	assert.True(t, eval.Passed)

	eval, err = e.Evaluate(context.Background(), "lenient", "this failed badly", nil)
	require.NoError(t, err)
	assert.False(t, eval.Passed)
}

func TestEvaluateStoresRecommendation(t *testing.T) {
	e := newTestEngine(t, []*Rubric{{ID: "quality", PassThreshold: 70}}, nil)

	execCtx := map[string]any{}
	eval, err := e.Evaluate(context.Background(), "quality",
		`{"score": 40, "recommendation": "add citations"}`, execCtx)
	require.NoError(t, err)
	assert.False(t, eval.Passed)
	assert.Equal(t, "add citations", execCtx["self_evaluation_recommendations"])

	// Passing evaluations never write the recommendation key.
	execCtx = map[string]any{}
	_, err = e.Evaluate(context.Background(), "quality",
		`{"score": 90, "recommendation": "nothing"}`, execCtx)
	require.NoError(t, err)
	assert.NotContains(t, execCtx, "self_evaluation_recommendations")
}

func TestEvaluateJudge(t *testing.T) {
	agents := agent.NewRegistry()
	var seenPrompt string
	require.NoError(t, agents.Register("critic", agent.Func(
		func(_ context.Context, prompt string, _ map[string]any) (agent.Response, error) {
			seenPrompt = prompt
			return agent.Response{Text: `{"score": 88, "recommendation": "tighten intro"}`}, nil
		}), agent.Options{}))

	rb := &Rubric{
		ID:            "editorial",
		PassThreshold: 80,
		Mode:          ModeJudge,
		JudgeAgentID:  "critic",
		JudgePrompt:   "Rate for {audience}: {output}",
	}
	e := newTestEngine(t, []*Rubric{rb}, agents)

	eval, err := e.Evaluate(context.Background(), "editorial", "the draft", map[string]any{"audience": "engineers"})
	require.NoError(t, err)
	assert.Equal(t, 88.0, eval.Score)
	assert.True(t, eval.Passed)
	assert.Equal(t, "tighten intro", eval.Recommendation)
	assert.Equal(t, "Rate for engineers: the draft", seenPrompt)
}

func TestEvaluateJudgeDefaultPromptListsCriteria(t *testing.T) {
	agents := agent.NewRegistry()
	var seenPrompt string
	require.NoError(t, agents.Register("critic", agent.Func(
		func(_ context.Context, prompt string, _ map[string]any) (agent.Response, error) {
			seenPrompt = prompt
			return agent.Response{Text: `{"score": 10}`}, nil
		}), agent.Options{}))

	rb := &Rubric{
		ID:            "checked",
		PassThreshold: 60,
		Mode:          ModeJudge,
		JudgeAgentID:  "critic",
		Criteria:      []Criterion{{Name: "accuracy", Weight: 2}, {Name: "style", Weight: 1}},
	}
	e := newTestEngine(t, []*Rubric{rb}, agents)

	_, err := e.Evaluate(context.Background(), "checked", "body text", nil)
	require.NoError(t, err)
	assert.Contains(t, seenPrompt, "accuracy (weight 2)")
	assert.Contains(t, seenPrompt, "style (weight 1)")
	assert.Contains(t, seenPrompt, "body text")
}

func TestEvaluateJudgeErrors(t *testing.T) {
	agents := agent.NewRegistry()
	require.NoError(t, agents.Register("flaky", agent.Func(
		func(context.Context, string, map[string]any) (agent.Response, error) {
			return agent.Response{}, errors.New("upstream timeout")
		}), agent.Options{}))
	require.NoError(t, agents.Register("mute", agent.Func(
		func(context.Context, string, map[string]any) (agent.Response, error) {
			return agent.Response{Text: "no json at all"}, nil
		}), agent.Options{}))

	e := newTestEngine(t, []*Rubric{
		{ID: "a", PassThreshold: 50, Mode: ModeJudge, JudgeAgentID: "flaky"},
		{ID: "b", PassThreshold: 50, Mode: ModeJudge, JudgeAgentID: "mute"},
		{ID: "c", PassThreshold: 50, Mode: ModeJudge, JudgeAgentID: "ghost"},
	}, agents)

	_, err := e.Evaluate(context.Background(), "a", "x", nil)
	assert.ErrorContains(t, err, "upstream timeout")

	_, err = e.Evaluate(context.Background(), "b", "x", nil)
	assert.ErrorContains(t, err, "returned no score")

	_, err = e.Evaluate(context.Background(), "c", "x", nil)
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestEvaluateUnknownRubric(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	_, err := e.Evaluate(context.Background(), "nope", "x", nil)
	assert.ErrorIs(t, err, ErrRubricNotFound)
}

func TestLoadBundle(t *testing.T) {
	const doc = `
rubrics:
  - id: quality
    passThreshold: 75
  - id: editorial
    passThreshold: 80
    evaluationMode: judge
    judgeAgentId: critic
    criteria:
      - name: accuracy
        weight: 2
`
	reg := NewRegistry()
	require.NoError(t, Load(strings.NewReader(doc), reg))

	rb, err := reg.Find(context.Background(), "editorial")
	require.NoError(t, err)
	assert.Equal(t, ModeJudge, rb.Mode)
	assert.Equal(t, "critic", rb.JudgeAgentID)
	require.Len(t, rb.Criteria, 1)
	assert.Equal(t, 2.0, rb.Criteria[0].Weight)

	assert.Error(t, Load(strings.NewReader("rubrics:\n  - passThreshold: 10\n"), reg),
		"rubrics without an id are rejected")
	assert.Error(t, Load(strings.NewReader("{{not yaml"), reg))
}
