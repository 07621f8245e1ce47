// Package rubric evaluates node outputs against named scoring policies. A
// rubric yields a score in [0,100] and a pass verdict against its threshold;
// the engine routes on both. Two evaluation modes exist: self (the agent's
// own output carries a score field) and judge (a designated evaluator agent
// scores the output).
package rubric

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hensulabs/hensu/runtime/agent"
	"github.com/hensulabs/hensu/runtime/template"
)

// ErrRubricNotFound indicates the rubric ID is not registered.
var ErrRubricNotFound = errors.New("rubric not found")

// Mode selects the evaluation strategy.
type Mode string

const (
	// ModeSelf parses the score from the evaluated output itself.
	ModeSelf Mode = "self"
	// ModeJudge invokes an evaluator agent to produce the score.
	ModeJudge Mode = "judge"
)

// Context key receiving judge/self improvement recommendations on a failed
// evaluation.
const recommendationsKey = "self_evaluation_recommendations"

// scoreFields are the accepted score field names, probed in order.
var scoreFields = []string{"score", "self_score", "quality_score", "final_score"}

// rejectionKeywords drive the conservative fallback verdict when no score
// field is present.
var rejectionKeywords = []string{"reject", "rejected", "fail", "failed", "unacceptable"}

type (
	// Rubric is a named scoring policy.
	Rubric struct {
		// ID is the identifier nodes reference.
		ID string `json:"id" yaml:"id"`
		// PassThreshold is the minimum passing score.
		PassThreshold float64 `json:"passThreshold" yaml:"passThreshold"`
		// Mode selects self or judge evaluation. Empty defaults to self.
		Mode Mode `json:"evaluationMode,omitempty" yaml:"evaluationMode,omitempty"`
		// JudgeAgentID names the evaluator agent for judge mode.
		JudgeAgentID string `json:"judgeAgentId,omitempty" yaml:"judgeAgentId,omitempty"`
		// JudgePrompt overrides the default judge prompt template. The
		// template may reference {output} plus any context key.
		JudgePrompt string `json:"judgePrompt,omitempty" yaml:"judgePrompt,omitempty"`
		// Criteria lists weighted criteria in declared order. Criteria are
		// advisory for prompt construction; the score is always the single
		// value reported by the evaluation.
		Criteria []Criterion `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	}

	// Criterion is one weighted rubric criterion.
	Criterion struct {
		Name     string  `json:"name" yaml:"name"`
		Weight   float64 `json:"weight" yaml:"weight"`
		MinScore float64 `json:"minScore,omitempty" yaml:"minScore,omitempty"`
	}

	// Evaluation is the outcome of evaluating an output against a rubric.
	Evaluation struct {
		// RubricID names the rubric applied.
		RubricID string
		// Score is the evaluated score clamped to [0,100].
		Score float64
		// Passed reports Score >= PassThreshold.
		Passed bool
		// Recommendation carries improvement guidance when present.
		Recommendation string
	}

	// Repository resolves rubric IDs. Workflow-inline rubrics shadow the
	// repository.
	Repository interface {
		Find(ctx context.Context, rubricID string) (*Rubric, error)
	}

	// Registry is an in-memory Repository.
	Registry struct {
		mu      sync.RWMutex
		rubrics map[string]*Rubric
	}

	// Engine evaluates outputs against registered rubrics.
	Engine struct {
		rubrics Repository
		agents  *agent.Registry
	}
)

// NewRegistry returns an empty rubric registry.
func NewRegistry() *Registry {
	return &Registry{rubrics: make(map[string]*Rubric)}
}

// Register adds or replaces a rubric.
func (r *Registry) Register(rb *Rubric) error {
	if rb == nil || rb.ID == "" {
		return errors.New("rubric id is required")
	}
	r.mu.Lock()
	r.rubrics[rb.ID] = rb
	r.mu.Unlock()
	return nil
}

// Find implements Repository.
func (r *Registry) Find(_ context.Context, rubricID string) (*Rubric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rb, ok := r.rubrics[rubricID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRubricNotFound, rubricID)
	}
	return rb, nil
}

// NewEngine builds a rubric engine over the given repository and agent
// registry. The agent registry is only consulted for judge-mode rubrics.
func NewEngine(rubrics Repository, agents *agent.Registry) *Engine {
	return &Engine{rubrics: rubrics, agents: agents}
}

// Evaluate scores output against the named rubric. Judge-agent failures are
// returned to the caller, never swallowed: callers decide whether to fall
// back to a heuristic. A failed self evaluation with a recommendation stores
// the recommendation into execCtx under self_evaluation_recommendations.
func (e *Engine) Evaluate(ctx context.Context, rubricID, output string, execCtx map[string]any) (Evaluation, error) {
	rb, err := e.rubrics.Find(ctx, rubricID)
	if err != nil {
		return Evaluation{}, err
	}
	switch rb.Mode {
	case ModeJudge:
		return e.evaluateJudge(ctx, rb, output, execCtx)
	default:
		return e.evaluateSelf(rb, output, execCtx), nil
	}
}

func (e *Engine) evaluateSelf(rb *Rubric, output string, execCtx map[string]any) Evaluation {
	eval, found := parseScoredReply(rb, output)
	if !found {
		// Conservative fallback: a non-empty reply without an explicit
		// rejection keyword is treated as a borderline pass.
		eval = Evaluation{
			RubricID: rb.ID,
			Score:    50,
			Passed:   strings.TrimSpace(output) != "" && !containsRejection(output),
		}
	}
	storeRecommendation(eval, execCtx)
	return eval
}

func (e *Engine) evaluateJudge(ctx context.Context, rb *Rubric, output string, execCtx map[string]any) (Evaluation, error) {
	prompt := rb.JudgePrompt
	if prompt == "" {
		prompt = defaultJudgePrompt(rb)
	}
	vars := map[string]any{"output": output}
	for k, v := range execCtx {
		if _, taken := vars[k]; !taken {
			vars[k] = v
		}
	}
	resp, err := e.agents.Invoke(ctx, rb.JudgeAgentID, template.Resolve(prompt, vars), execCtx)
	if err != nil {
		return Evaluation{}, fmt.Errorf("judge agent %q: %w", rb.JudgeAgentID, err)
	}
	eval, found := parseScoredReply(rb, resp.Text)
	if !found {
		return Evaluation{}, fmt.Errorf("judge agent %q returned no score", rb.JudgeAgentID)
	}
	storeRecommendation(eval, execCtx)
	return eval, nil
}

// parseScoredReply extracts the first recognised score field from the first
// JSON object in text.
func parseScoredReply(rb *Rubric, text string) (Evaluation, bool) {
	obj, ok := template.FirstJSONObject(text)
	if !ok {
		return Evaluation{}, false
	}
	for _, field := range scoreFields {
		raw, present := obj[field]
		if !present {
			continue
		}
		score, numeric := raw.(float64)
		if !numeric {
			continue
		}
		score = clamp(score, 0, 100)
		eval := Evaluation{
			RubricID: rb.ID,
			Score:    score,
			Passed:   score >= rb.PassThreshold,
		}
		if rec, has := obj["recommendation"].(string); has {
			eval.Recommendation = rec
		}
		return eval, true
	}
	return Evaluation{}, false
}

func storeRecommendation(eval Evaluation, execCtx map[string]any) {
	if execCtx == nil || eval.Passed || eval.Recommendation == "" {
		return
	}
	execCtx[recommendationsKey] = eval.Recommendation
}

func containsRejection(output string) bool {
	lower := strings.ToLower(output)
	for _, kw := range rejectionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func defaultJudgePrompt(rb *Rubric) string {
	var b strings.Builder
	b.WriteString("Score the following output from 0 to 100")
	if len(rb.Criteria) > 0 {
		b.WriteString(" against these criteria:\n")
		for _, c := range rb.Criteria {
			fmt.Fprintf(&b, "- %s (weight %g)\n", c.Name, c.Weight)
		}
	} else {
		b.WriteString(".\n")
	}
	b.WriteString("Reply with a JSON object: {\"score\": <number>, \"recommendation\": <string>}.\n\nOutput:\n{output}")
	return b.String()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
