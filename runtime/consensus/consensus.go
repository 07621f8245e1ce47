// Package consensus aggregates parallel-branch votes into a single
// consensus/no-consensus verdict. Votes are derived per branch, from a rubric
// evaluation when the branch declares one and from a keyword heuristic
// otherwise, then folded under the node's strategy.
package consensus

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/hensulabs/hensu/runtime/agent"
	"github.com/hensulabs/hensu/runtime/rubric"
	"github.com/hensulabs/hensu/runtime/workflow"
)

// Vote is a branch's position.
type Vote string

const (
	Approve Vote = "APPROVE"
	Reject  Vote = "REJECT"
	Abstain Vote = "ABSTAIN"
)

// Default keyword sets for the heuristic vote. Matching is case-insensitive
// on whole words.
var (
	DefaultApproveKeywords = []string{"approve", "approved", "lgtm", "yes"}
	DefaultRejectKeywords  = []string{"reject", "rejected", "no", "deny", "denied"}
)

type (
	// Ballot is one branch's derived vote with its aggregation inputs.
	Ballot struct {
		// BranchID identifies the branch within the parallel node.
		BranchID string
		// Vote is the derived position.
		Vote Vote
		// Weight is the branch weight under WEIGHTED_VOTE. Non-positive
		// weights count as 1.
		Weight float64
		// Score is the rubric score when the vote came from a rubric.
		Score *float64
		// Output is the branch's raw output, fed to the judge strategy.
		Output string
	}

	// Result is the aggregation outcome.
	Result struct {
		// Reached reports whether consensus was reached.
		Reached bool
		// Ballots lists the per-branch votes in declared branch order.
		Ballots []Ballot
	}

	// Option configures an Evaluator.
	Option func(*Evaluator)

	// Evaluator derives branch votes and folds them under a strategy.
	Evaluator struct {
		rubrics *rubric.Engine
		agents  *agent.Registry
		approve []string
		reject  []string
	}
)

// WithApproveKeywords overrides the approval token set of the heuristic vote.
func WithApproveKeywords(words ...string) Option {
	return func(e *Evaluator) { e.approve = words }
}

// WithRejectKeywords overrides the rejection token set of the heuristic vote.
func WithRejectKeywords(words ...string) Option {
	return func(e *Evaluator) { e.reject = words }
}

// NewEvaluator builds a consensus evaluator. The rubric engine may be nil
// when no branch declares a rubric.
func NewEvaluator(rubrics *rubric.Engine, agents *agent.Registry, opts ...Option) *Evaluator {
	e := &Evaluator{
		rubrics: rubrics,
		agents:  agents,
		approve: DefaultApproveKeywords,
		reject:  DefaultRejectKeywords,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DeriveVote produces a branch's ballot from its output. Rubric evaluation
// errors fall through to the keyword heuristic; they never fail the branch.
func (e *Evaluator) DeriveVote(ctx context.Context, branch workflow.Branch, output string, execCtx map[string]any) Ballot {
	b := Ballot{BranchID: branch.BranchID, Weight: branch.Weight, Output: output}
	if branch.RubricID != "" && e.rubrics != nil {
		eval, err := e.rubrics.Evaluate(ctx, branch.RubricID, output, execCtx)
		if err == nil {
			score := eval.Score
			b.Score = &score
			if eval.Passed {
				b.Vote = Approve
			} else {
				b.Vote = Reject
			}
			return b
		}
	}
	b.Vote = e.classify(output)
	return b
}

// Evaluate folds the ballots under the node's strategy. Judge invocation
// failures are returned; every other strategy is pure. Zero ballots never
// reach consensus.
func (e *Evaluator) Evaluate(ctx context.Context, cfg workflow.ConsensusConfig, ballots []Ballot) (Result, error) {
	res := Result{Ballots: ballots}
	if len(ballots) == 0 {
		return res, nil
	}
	switch cfg.Strategy {
	case workflow.MajorityVote:
		res.Reached = e.majority(cfg, ballots)
	case workflow.WeightedVote:
		res.Reached = e.weighted(cfg, ballots)
	case workflow.Unanimous:
		res.Reached = e.unanimous(ballots)
	case workflow.JudgeDecides:
		reached, err := e.judge(ctx, cfg, ballots)
		if err != nil {
			return res, err
		}
		res.Reached = reached
	default:
		return res, fmt.Errorf("unknown consensus strategy %q", cfg.Strategy)
	}
	return res, nil
}

// majority: approvals >= ceil(total * threshold). Abstentions count toward
// the total.
func (e *Evaluator) majority(cfg workflow.ConsensusConfig, ballots []Ballot) bool {
	approvals := 0
	for _, b := range ballots {
		if b.Vote == Approve {
			approvals++
		}
	}
	needed := int(math.Ceil(float64(len(ballots)) * threshold(cfg)))
	if needed < 1 {
		needed = 1
	}
	return approvals >= needed
}

// weighted: approve weight over decided weight strictly above the threshold.
// Abstentions are excluded from the denominator.
func (e *Evaluator) weighted(cfg workflow.ConsensusConfig, ballots []Ballot) bool {
	var approveW, decidedW float64
	for _, b := range ballots {
		w := b.Weight
		if w <= 0 {
			w = 1
		}
		switch b.Vote {
		case Approve:
			approveW += w
			decidedW += w
		case Reject:
			decidedW += w
		}
	}
	if decidedW == 0 {
		return false
	}
	return approveW/decidedW > threshold(cfg)
}

func (e *Evaluator) unanimous(ballots []Ballot) bool {
	for _, b := range ballots {
		if b.Vote != Approve {
			return false
		}
	}
	return true
}

// judge invokes the named judge agent with every branch output; its
// approve/reject reply is authoritative. An abstaining reply means no
// consensus.
func (e *Evaluator) judge(ctx context.Context, cfg workflow.ConsensusConfig, ballots []Ballot) (bool, error) {
	var b strings.Builder
	b.WriteString("Multiple agents produced candidate outputs. Decide whether they agree.\n")
	b.WriteString("Reply with a single word: approve or reject.\n\n")
	for i, ballot := range ballots {
		fmt.Fprintf(&b, "--- candidate %d (%s) ---\n%s\n", i+1, ballot.BranchID, ballot.Output)
	}
	resp, err := e.agents.Invoke(ctx, cfg.JudgeAgentID, b.String(), nil)
	if err != nil {
		return false, fmt.Errorf("judge agent %q: %w", cfg.JudgeAgentID, err)
	}
	return e.classify(resp.Text) == Approve, nil
}

// classify applies the keyword heuristic: an approval token without any
// rejection token approves, a rejection token rejects, anything else
// abstains. Rejection wins when both appear.
func (e *Evaluator) classify(output string) Vote {
	words := tokenize(output)
	if containsAny(words, e.reject) {
		return Reject
	}
	if containsAny(words, e.approve) {
		return Approve
	}
	return Abstain
}

func tokenize(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	}) {
		words[w] = struct{}{}
	}
	return words
}

func containsAny(words map[string]struct{}, keywords []string) bool {
	for _, kw := range keywords {
		if _, ok := words[strings.ToLower(kw)]; ok {
			return true
		}
	}
	return false
}

func threshold(cfg workflow.ConsensusConfig) float64 {
	if cfg.Threshold > 0 {
		return cfg.Threshold
	}
	return 0.5
}
