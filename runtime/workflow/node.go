package workflow

type (
	// Node is the closed set of workflow node variants. Concrete types are
	// StandardNode, ParallelNode, ForkNode, JoinNode, GenericNode, ActionNode,
	// and EndNode. The node dispatcher pattern-matches on the concrete type;
	// the JSON codec selects the type from the nodeType discriminator.
	Node interface {
		// NodeID returns the node's stable identifier.
		NodeID() string
		// Type returns the wire discriminator for the node.
		Type() NodeType
		// NodeTransitions returns the ordered transition list. End nodes
		// return nil.
		NodeTransitions() []Transition
	}

	// StandardNode invokes a single agent with a templated prompt, optionally
	// evaluates the output against a rubric, extracts declared output
	// parameters, and passes through the review gate.
	StandardNode struct {
		ID string `json:"id"`
		// AgentID names the agent that executes the node.
		AgentID string `json:"agentId"`
		// Prompt is the prompt template; {name} placeholders resolve from the
		// execution context.
		Prompt string `json:"prompt"`
		// RubricID names the rubric evaluated against the agent output.
		// Empty disables rubric gating.
		RubricID string `json:"rubricId,omitempty"`
		// OutputParams lists top-level scalar JSON fields copied from the
		// agent output into the execution context.
		OutputParams []string `json:"outputParams,omitempty"`
		// Review configures the human review gate for this node.
		Review ReviewConfig `json:"review,omitempty"`
		// Plan, when non-nil, replaces the direct agent invocation with a
		// static or dynamic micro-plan executed inside the node.
		Plan *PlanConfig `json:"plan,omitempty"`
		// Transitions is the ordered transition list evaluated after the node.
		Transitions []Transition `json:"transitions"`
	}

	// ParallelNode runs its branches concurrently, derives one vote per
	// branch, and aggregates the votes under the configured consensus
	// strategy. Branch outputs are collected in declared order regardless of
	// completion order.
	ParallelNode struct {
		ID string `json:"id"`
		// Branches lists the parallel agent invocations in declared order.
		Branches []Branch `json:"branches"`
		// Consensus configures vote aggregation.
		Consensus ConsensusConfig `json:"consensus"`
		// Transitions is evaluated with the consensus outcome.
		Transitions []Transition `json:"transitions"`
	}

	// Branch is one sibling invocation within a parallel node.
	Branch struct {
		// BranchID identifies the branch within the node.
		BranchID string `json:"branchId"`
		// AgentID names the agent executing the branch.
		AgentID string `json:"agentId"`
		// Prompt is the branch prompt template.
		Prompt string `json:"prompt"`
		// RubricID, when set, derives the branch vote from a rubric
		// evaluation instead of the keyword heuristic.
		RubricID string `json:"rubricId,omitempty"`
		// Weight is the branch's vote weight under WEIGHTED_VOTE. Zero or
		// negative weights default to 1.
		Weight float64 `json:"weight,omitempty"`
	}

	// ConsensusConfig selects and parameterizes the consensus strategy.
	ConsensusConfig struct {
		// Strategy selects the aggregation rule.
		Strategy ConsensusStrategy `json:"strategy"`
		// JudgeAgentID names the judge agent for JUDGE_DECIDES.
		JudgeAgentID string `json:"judgeAgentId,omitempty"`
		// Threshold parameterizes MAJORITY_VOTE and WEIGHTED_VOTE. Zero
		// defaults to 0.5.
		Threshold float64 `json:"threshold,omitempty"`
	}

	// ForkNode spawns one concurrent sub-traversal per target node. Branches
	// receive a copy of the parent context and never mutate the parent state;
	// a downstream join node collects their results.
	ForkNode struct {
		ID string `json:"id"`
		// Targets lists the entry node IDs of the spawned branches in
		// declared order.
		Targets []string `json:"targets"`
		// WaitAll is rejected at validation time; fork nodes always return
		// immediately and the join awaits the branches.
		WaitAll bool `json:"waitAll,omitempty"`
		// Transitions is evaluated immediately after the fork spawns.
		Transitions []Transition `json:"transitions"`
	}

	// JoinNode awaits the named forks and merges their branch outputs into
	// the execution context.
	JoinNode struct {
		ID string `json:"id"`
		// Await lists fork node IDs whose branches this join consumes.
		Await []string `json:"await"`
		// MergeStrategy selects how branch outputs combine.
		MergeStrategy MergeStrategy `json:"mergeStrategy"`
		// OutputField is the context key receiving the merged result.
		OutputField string `json:"outputField"`
		// TimeoutMs bounds the wait. Zero uses the engine default.
		TimeoutMs int64 `json:"timeoutMs,omitempty"`
		// FailOnAnyError makes any branch failure fail the join.
		FailOnAnyError bool `json:"failOnAnyError,omitempty"`
		// Transitions is evaluated with the join outcome.
		Transitions []Transition `json:"transitions"`
	}

	// GenericNode delegates execution to a handler registered under
	// ExecutorType. The config mapping is passed through opaque.
	GenericNode struct {
		ID string `json:"id"`
		// ExecutorType keys the handler registry.
		ExecutorType string `json:"executorType"`
		// Config is handler-specific configuration.
		Config map[string]any `json:"config,omitempty"`
		// RubricID optionally gates the handler output.
		RubricID string `json:"rubricId,omitempty"`
		// Transitions is evaluated with the handler outcome.
		Transitions []Transition `json:"transitions"`
	}

	// ActionNode dispatches its actions in declared order. The first failing
	// action fails the node.
	ActionNode struct {
		ID string `json:"id"`
		// Actions lists send/execute actions in dispatch order.
		Actions []Action `json:"actions"`
		// Transitions is evaluated with the dispatch outcome.
		Transitions []Transition `json:"transitions"`
	}

	// EndNode terminates the traversal. It has no transitions.
	EndNode struct {
		ID string `json:"id"`
		// Status is the terminal status surfaced to the caller.
		Status EndStatus `json:"status"`
	}

	// ReviewConfig configures the review gate on a standard node.
	ReviewConfig struct {
		// Mode selects when the reviewer is consulted. Empty means disabled.
		Mode ReviewMode `json:"mode,omitempty"`
		// ReviewerID routes the request to a named reviewer. Empty uses the
		// default reviewer.
		ReviewerID string `json:"reviewerId,omitempty"`
	}

	// PlanConfig declares a per-node micro-plan.
	PlanConfig struct {
		// Mode selects static (declared steps) or dynamic (planner-generated).
		Mode PlanMode `json:"mode"`
		// Steps is the fixed step list for static mode.
		Steps []PlanStep `json:"steps,omitempty"`
		// Goal is the planning objective for dynamic mode.
		Goal string `json:"goal,omitempty"`
		// MaxSteps bounds generated plan length.
		MaxSteps int `json:"maxSteps,omitempty"`
		// MaxReplans bounds regeneration attempts.
		MaxReplans int `json:"maxReplans,omitempty"`
		// MaxDurationMs bounds total plan wall-clock time.
		MaxDurationMs int64 `json:"maxDurationMs,omitempty"`
		// MaxTokenBudget bounds planner token usage.
		MaxTokenBudget int `json:"maxTokenBudget,omitempty"`
		// AllowReplan permits regeneration after a step failure (dynamic only).
		AllowReplan bool `json:"allowReplan,omitempty"`
		// RequireReview pauses the execution for plan review before the
		// generated plan runs.
		RequireReview bool `json:"requireReview,omitempty"`
	}

	// PlanStep is one declared step of a static plan. Tool steps dispatch
	// through the action dispatcher; agent steps invoke the named agent.
	PlanStep struct {
		// Tool names the action handler or, with the "agent:" prefix, the
		// agent to invoke.
		Tool string `json:"tool"`
		// Args are templated step arguments resolved against the context.
		Args map[string]string `json:"args,omitempty"`
	}
)

// NodeID returns the node identifier.
func (n *StandardNode) NodeID() string { return n.ID }

// Type returns NodeTypeStandard.
func (n *StandardNode) Type() NodeType { return NodeTypeStandard }

// NodeTransitions returns the ordered transition list.
func (n *StandardNode) NodeTransitions() []Transition { return n.Transitions }

// NodeID returns the node identifier.
func (n *ParallelNode) NodeID() string { return n.ID }

// Type returns NodeTypeParallel.
func (n *ParallelNode) Type() NodeType { return NodeTypeParallel }

// NodeTransitions returns the ordered transition list.
func (n *ParallelNode) NodeTransitions() []Transition { return n.Transitions }

// NodeID returns the node identifier.
func (n *ForkNode) NodeID() string { return n.ID }

// Type returns NodeTypeFork.
func (n *ForkNode) Type() NodeType { return NodeTypeFork }

// NodeTransitions returns the ordered transition list.
func (n *ForkNode) NodeTransitions() []Transition { return n.Transitions }

// NodeID returns the node identifier.
func (n *JoinNode) NodeID() string { return n.ID }

// Type returns NodeTypeJoin.
func (n *JoinNode) Type() NodeType { return NodeTypeJoin }

// NodeTransitions returns the ordered transition list.
func (n *JoinNode) NodeTransitions() []Transition { return n.Transitions }

// NodeID returns the node identifier.
func (n *GenericNode) NodeID() string { return n.ID }

// Type returns NodeTypeGeneric.
func (n *GenericNode) Type() NodeType { return NodeTypeGeneric }

// NodeTransitions returns the ordered transition list.
func (n *GenericNode) NodeTransitions() []Transition { return n.Transitions }

// NodeID returns the node identifier.
func (n *ActionNode) NodeID() string { return n.ID }

// Type returns NodeTypeAction.
func (n *ActionNode) Type() NodeType { return NodeTypeAction }

// NodeTransitions returns the ordered transition list.
func (n *ActionNode) NodeTransitions() []Transition { return n.Transitions }

// NodeID returns the node identifier.
func (n *EndNode) NodeID() string { return n.ID }

// Type returns NodeTypeEnd.
func (n *EndNode) Type() NodeType { return NodeTypeEnd }

// NodeTransitions returns nil; end nodes are terminal.
func (n *EndNode) NodeTransitions() []Transition { return nil }
