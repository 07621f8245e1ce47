package workflow

// TransitionType discriminates transition variants on the wire.
type TransitionType string

const (
	// TransitionSuccess routes unconditionally on a successful outcome.
	TransitionSuccess TransitionType = "success"
	// TransitionFailure routes after retry exhaustion on a failed outcome.
	TransitionFailure TransitionType = "failure"
	// TransitionScore routes on the node's rubric score.
	TransitionScore TransitionType = "score"
	// TransitionConsensus routes a parallel node that reached consensus.
	TransitionConsensus TransitionType = "consensus"
	// TransitionNoConsensus routes a parallel node that did not reach consensus.
	TransitionNoConsensus TransitionType = "noConsensus"
	// TransitionComplete routes a fork node after its branches spawn.
	TransitionComplete TransitionType = "complete"
)

// ScoreOp is the comparison operator of a score condition.
type ScoreOp string

const (
	// OpGTE matches scores greater than or equal to the operand.
	OpGTE ScoreOp = "GTE"
	// OpLTE matches scores less than or equal to the operand.
	OpLTE ScoreOp = "LTE"
	// OpLT matches scores strictly less than the operand.
	OpLT ScoreOp = "LT"
	// OpGT matches scores strictly greater than the operand.
	OpGT ScoreOp = "GT"
	// OpEQ matches scores equal to the operand.
	OpEQ ScoreOp = "EQ"
	// OpRange matches scores within [Min, Max] inclusive.
	OpRange ScoreOp = "RANGE"
)

type (
	// Transition is the closed set of transition variants. Transition lists
	// are ordered; the executor evaluates them in declared order and the
	// first match wins.
	Transition interface {
		// TransitionType returns the wire discriminator.
		TransitionType() TransitionType
		// Target returns the destination node ID.
		Target() string
	}

	// SuccessTransition routes to TargetNode when the node outcome is
	// success and no score transition matched first.
	SuccessTransition struct {
		TargetNode string `json:"target"`
	}

	// FailureTransition routes to TargetNode once MaxRetries additional
	// attempts on the current node are exhausted. While retries remain the
	// executor stays on the current node.
	FailureTransition struct {
		// MaxRetries is the number of additional attempts allowed before
		// following the transition.
		MaxRetries int    `json:"maxRetries"`
		TargetNode string `json:"target"`
	}

	// ScoreTransition routes on the node's rubric score. Conditions are
	// tested in declared order; the first match selects the target. A score
	// transition only applies when the node was rubric-evaluated.
	ScoreTransition struct {
		Conditions []ScoreCondition `json:"conditions"`
	}

	// ScoreCondition is one comparison within a score transition.
	ScoreCondition struct {
		// Op is the comparison operator.
		Op ScoreOp `json:"op"`
		// Value is the operand for single-operand operators.
		Value float64 `json:"value,omitempty"`
		// Min and Max bound RANGE comparisons (inclusive).
		Min float64 `json:"min,omitempty"`
		Max float64 `json:"max,omitempty"`
		// TargetNode is the destination when the condition matches.
		TargetNode string `json:"target"`
	}

	// ConsensusTransition routes a parallel node whose branches reached
	// consensus.
	ConsensusTransition struct {
		TargetNode string `json:"target"`
	}

	// NoConsensusTransition routes a parallel node whose branches did not
	// reach consensus.
	NoConsensusTransition struct {
		TargetNode string `json:"target"`
	}

	// CompleteTransition routes a fork node immediately after its branches
	// spawn.
	CompleteTransition struct {
		TargetNode string `json:"target"`
	}
)

// TransitionType returns TransitionSuccess.
func (t *SuccessTransition) TransitionType() TransitionType { return TransitionSuccess }

// Target returns the destination node ID.
func (t *SuccessTransition) Target() string { return t.TargetNode }

// TransitionType returns TransitionFailure.
func (t *FailureTransition) TransitionType() TransitionType { return TransitionFailure }

// Target returns the destination node ID after retry exhaustion.
func (t *FailureTransition) Target() string { return t.TargetNode }

// TransitionType returns TransitionScore.
func (t *ScoreTransition) TransitionType() TransitionType { return TransitionScore }

// Target returns the first condition's target; callers normally select a
// target by matching conditions against a score via Match.
func (t *ScoreTransition) Target() string {
	if len(t.Conditions) == 0 {
		return ""
	}
	return t.Conditions[0].TargetNode
}

// Match returns the target of the first condition satisfied by score, or
// false when no condition matches.
func (t *ScoreTransition) Match(score float64) (string, bool) {
	for _, c := range t.Conditions {
		if c.Matches(score) {
			return c.TargetNode, true
		}
	}
	return "", false
}

// Matches reports whether score satisfies the condition.
func (c ScoreCondition) Matches(score float64) bool {
	switch c.Op {
	case OpGTE:
		return score >= c.Value
	case OpLTE:
		return score <= c.Value
	case OpLT:
		return score < c.Value
	case OpGT:
		return score > c.Value
	case OpEQ:
		return score == c.Value
	case OpRange:
		return score >= c.Min && score <= c.Max
	default:
		return false
	}
}

// TransitionType returns TransitionConsensus.
func (t *ConsensusTransition) TransitionType() TransitionType { return TransitionConsensus }

// Target returns the destination node ID.
func (t *ConsensusTransition) Target() string { return t.TargetNode }

// TransitionType returns TransitionNoConsensus.
func (t *NoConsensusTransition) TransitionType() TransitionType { return TransitionNoConsensus }

// Target returns the destination node ID.
func (t *NoConsensusTransition) Target() string { return t.TargetNode }

// TransitionType returns TransitionComplete.
func (t *CompleteTransition) TransitionType() TransitionType { return TransitionComplete }

// Target returns the destination node ID.
func (t *CompleteTransition) Target() string { return t.TargetNode }
