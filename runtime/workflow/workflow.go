// Package workflow defines the compiled workflow model consumed by the
// execution engine: the workflow document, its typed nodes, transitions and
// actions, and the JSON codec that round-trips the discriminator-driven wire
// format produced by the DSL compiler.
//
// Workflows are immutable after registration and safely shared by reference
// across every execution that targets them. All cross-references between
// nodes are by stable string ID, never by pointer identity, so graphs with
// back-edges (retries, backtracks) need no special representation.
package workflow

type (
	// Workflow is a compiled, immutable workflow definition. It is the unit
	// of registration: the engine resolves every node, agent, and rubric
	// reference against the maps held here.
	Workflow struct {
		// ID uniquely identifies the workflow within a tenant.
		ID string `json:"id"`
		// Version distinguishes successive compilations of the same workflow.
		Version string `json:"version"`
		// Metadata carries compiler- or caller-provided annotations. The
		// engine never interprets its contents.
		Metadata map[string]string `json:"metadata,omitempty"`
		// Agents maps agent IDs to their configurations.
		Agents map[string]AgentConfig `json:"agents"`
		// Nodes maps node IDs to node definitions.
		Nodes map[string]Node `json:"nodes"`
		// StartNode is the entry node ID. It must resolve in Nodes.
		StartNode string `json:"startNode"`
		// Rubrics maps rubric IDs to rubric references declared inline with
		// the workflow. Rubrics may also be registered out-of-band with the
		// rubric repository; inline declarations take precedence.
		Rubrics map[string]RubricRef `json:"rubrics,omitempty"`
	}

	// AgentConfig describes an agent referenced by workflow nodes. The engine
	// treats it as opaque routing metadata: the agent registry decides which
	// concrete Agent implementation serves the ID.
	AgentConfig struct {
		// ID is the agent identifier nodes reference.
		ID string `json:"id"`
		// Model names the backing model (informational).
		Model string `json:"model,omitempty"`
		// SystemPrompt is prepended by adapters that support it.
		SystemPrompt string `json:"systemPrompt,omitempty"`
		// TimeoutMs bounds a single invocation. Zero means no per-agent bound.
		TimeoutMs int64 `json:"timeoutMs,omitempty"`
		// RatePerSecond caps invocations per second for this agent. Zero
		// disables rate limiting.
		RatePerSecond float64 `json:"ratePerSecond,omitempty"`
	}

	// RubricRef declares a rubric inline with the workflow document.
	RubricRef struct {
		// ID is the rubric identifier nodes reference.
		ID string `json:"id"`
		// PassThreshold is the minimum score (0-100) for a passing evaluation.
		PassThreshold float64 `json:"passThreshold"`
		// Mode selects self-evaluation or LLM-judge evaluation.
		Mode string `json:"evaluationMode,omitempty"`
		// JudgeAgentID names the evaluator agent for judge mode.
		JudgeAgentID string `json:"judgeAgentId,omitempty"`
		// Criteria lists weighted scoring criteria in declared order.
		Criteria []RubricCriterion `json:"criteria,omitempty"`
	}

	// RubricCriterion is one weighted criterion within a rubric.
	RubricCriterion struct {
		Name     string  `json:"name"`
		Weight   float64 `json:"weight"`
		MinScore float64 `json:"minScore,omitempty"`
	}
)

// NodeType discriminates node variants on the wire.
type NodeType string

const (
	// NodeTypeStandard is a single agent invocation with optional rubric,
	// review, and plan configuration.
	NodeTypeStandard NodeType = "STANDARD"
	// NodeTypeParallel runs branches concurrently and aggregates votes.
	NodeTypeParallel NodeType = "PARALLEL"
	// NodeTypeFork spawns concurrent sub-traversals.
	NodeTypeFork NodeType = "FORK"
	// NodeTypeJoin awaits fork branches and merges their outputs.
	NodeTypeJoin NodeType = "JOIN"
	// NodeTypeGeneric delegates to a registered handler by executor type.
	NodeTypeGeneric NodeType = "GENERIC"
	// NodeTypeAction dispatches a sequence of send/execute actions.
	NodeTypeAction NodeType = "ACTION"
	// NodeTypeEnd terminates the traversal with a terminal status.
	NodeTypeEnd NodeType = "END"
)

// EndStatus is the terminal status carried by an end node.
type EndStatus string

const (
	// EndSuccess marks a successful terminal node.
	EndSuccess EndStatus = "SUCCESS"
	// EndFailure marks a failed terminal node.
	EndFailure EndStatus = "FAILURE"
	// EndCancelled marks a cancelled terminal node.
	EndCancelled EndStatus = "CANCELLED"
)

// ConsensusStrategy selects how parallel-branch votes aggregate.
type ConsensusStrategy string

const (
	// MajorityVote reaches consensus when approvals meet the threshold share
	// of all votes, abstentions included.
	MajorityVote ConsensusStrategy = "MAJORITY_VOTE"
	// WeightedVote reaches consensus when the approve weight share among
	// non-abstaining branches exceeds the threshold.
	WeightedVote ConsensusStrategy = "WEIGHTED_VOTE"
	// Unanimous requires every branch to approve.
	Unanimous ConsensusStrategy = "UNANIMOUS"
	// JudgeDecides delegates the decision to a judge agent.
	JudgeDecides ConsensusStrategy = "JUDGE_DECIDES"
)

// MergeStrategy selects how a join node combines branch outputs.
type MergeStrategy string

const (
	// CollectAll yields the ordered list of successful branch outputs.
	CollectAll MergeStrategy = "COLLECT_ALL"
	// FirstSuccess yields the first successful branch output.
	FirstSuccess MergeStrategy = "FIRST_SUCCESS"
	// Concatenate yields branch outputs concatenated in target order.
	Concatenate MergeStrategy = "CONCATENATE"
)

// ReviewMode controls when the review gate consults a reviewer.
type ReviewMode string

const (
	// ReviewDisabled auto-approves every outcome.
	ReviewDisabled ReviewMode = "disabled"
	// ReviewOptional consults the reviewer only on failed outcomes.
	ReviewOptional ReviewMode = "optional"
	// ReviewRequired always consults the reviewer.
	ReviewRequired ReviewMode = "required"
)

// PlanMode selects static or dynamic planning for a standard node.
type PlanMode string

const (
	// PlanStatic executes a fixed, declared step sequence.
	PlanStatic PlanMode = "static"
	// PlanDynamic asks a planner to generate the step sequence.
	PlanDynamic PlanMode = "dynamic"
)
