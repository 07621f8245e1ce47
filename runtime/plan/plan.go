// Package plan executes per-node micro-plans: ordered step sequences that
// are either declared statically on the node or generated by a planner
// collaborator from a goal. Steps invoke action handlers (tool steps) or
// agents (steps whose tool carries the "agent:" prefix). Step execution runs
// on the calling worker; only plan generation may happen asynchronously.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hensulabs/hensu/runtime/action"
	"github.com/hensulabs/hensu/runtime/agent"
	"github.com/hensulabs/hensu/runtime/stream"
	"github.com/hensulabs/hensu/runtime/telemetry"
	"github.com/hensulabs/hensu/runtime/template"
	"github.com/hensulabs/hensu/runtime/workflow"
)

// AgentToolPrefix marks a plan step as an agent invocation; the remainder of
// the tool name is the agent ID. Every other tool name is an action handler.
const AgentToolPrefix = "agent:"

// ErrNoPlanner indicates a dynamic plan on a node but no planner collaborator
// configured. This is a configuration fault, not a step failure.
var ErrNoPlanner = errors.New("no planner configured")

// ErrReviewPending signals that a generated plan awaits review before it may
// run. The executor persists a paused snapshot; the pending plan is stored in
// the execution context and survives the pause.
var ErrReviewPending = errors.New("plan awaiting review")

// Context key prefixes for the plan-review pause protocol. The leading
// underscore keeps these out of the completion output.
const (
	pendingKeyPrefix  = "_plan_pending_"
	approvedKeyPrefix = "_plan_approved_"
)

// Status is a step outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

type (
	// Constraints bounds dynamic plan generation and execution.
	Constraints struct {
		MaxSteps       int
		MaxReplans     int
		MaxDuration    time.Duration
		MaxTokenBudget int
	}

	// Planner generates a step list for a goal. Only consulted for dynamic
	// plans. Implementations typically wrap an LLM call; they must honour
	// context cancellation.
	Planner interface {
		Plan(ctx context.Context, goal string, c Constraints, execCtx map[string]any) ([]workflow.PlanStep, error)
	}

	// PlannerFunc adapts a function to Planner.
	PlannerFunc func(ctx context.Context, goal string, c Constraints, execCtx map[string]any) ([]workflow.PlanStep, error)

	// StepResult records one executed step.
	StepResult struct {
		Index  int
		Tool   string
		Status Status
		Output string
		Err    error
	}

	// Result is the outcome of a full plan execution.
	Result struct {
		// PlanID identifies this plan instance in the event stream.
		PlanID string
		// Success reports whether every executed step succeeded.
		Success bool
		// Output is the last successful agent step output.
		Output string
		// Steps are the per-step records of the final attempt.
		Steps []StepResult
		// Replans counts how many times the plan was regenerated.
		Replans int
	}

	// Engine runs plans.
	Engine struct {
		agents  *agent.Registry
		actions *action.Dispatcher
		planner Planner
		events  *stream.Broadcaster
		log     telemetry.Logger
	}
)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, goal string, c Constraints, execCtx map[string]any) ([]workflow.PlanStep, error) {
	return f(ctx, goal, c, execCtx)
}

// NewEngine builds a plan engine. The planner may be nil when only static
// plans are used.
func NewEngine(agents *agent.Registry, actions *action.Dispatcher, planner Planner, events *stream.Broadcaster, log telemetry.Logger) *Engine {
	if log == nil {
		log = telemetry.NoopLogger()
	}
	return &Engine{agents: agents, actions: actions, planner: planner, events: events, log: log}
}

// Execute runs a node's plan to completion. Static plans fail fast on the
// first step failure; dynamic plans with allowReplan regenerate up to
// maxReplans times. maxDuration bounds the whole execution including
// replanning.
func (e *Engine) Execute(ctx context.Context, nodeID string, cfg *workflow.PlanConfig, execCtx map[string]any) (Result, error) {
	planID := uuid.NewString()
	res := Result{PlanID: planID}

	c := constraintsOf(cfg)
	if c.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.MaxDuration)
		defer cancel()
	}

	// Route plan events through the binding table so they reach the right
	// subscribers even when published off the executor goroutine.
	if e.events != nil {
		if execID, ok := stream.ExecutionFromContext(ctx); ok {
			e.events.BindPlan(planID, execID)
			defer e.events.ReleasePlan(planID)
		}
	}

	steps, err := e.resolveSteps(ctx, nodeID, cfg, c, execCtx)
	if err != nil {
		return res, err
	}

	for {
		e.publish(ctx, &stream.PlanCreated{NodeID: nodeID, PlanID: planID, Steps: len(steps)})
		res.Steps = e.runSteps(ctx, planID, steps, execCtx, &res)
		res.Success = allSucceeded(res.Steps)
		if res.Success || !canReplan(cfg, c, res.Replans) || ctx.Err() != nil {
			break
		}
		res.Replans++
		steps, err = e.generate(ctx, cfg, c, execCtx)
		if err != nil {
			e.publish(ctx, &stream.PlanCompleted{PlanID: planID, Success: false})
			return res, err
		}
	}

	e.publish(ctx, &stream.PlanCompleted{PlanID: planID, Success: res.Success})
	if err := ctx.Err(); err != nil && !res.Success {
		return res, err
	}
	return res, nil
}

// resolveSteps produces the steps of the first attempt, applying the
// plan-review pause protocol: a dynamic plan with requireReview pauses after
// generation (steps parked in the context) and runs the parked steps once
// approved.
func (e *Engine) resolveSteps(ctx context.Context, nodeID string, cfg *workflow.PlanConfig, c Constraints, execCtx map[string]any) ([]workflow.PlanStep, error) {
	if cfg.Mode != workflow.PlanDynamic || !cfg.RequireReview {
		return e.generate(ctx, cfg, c, execCtx)
	}
	if approved, _ := execCtx[approvedKeyPrefix+nodeID].(bool); approved {
		if pending, ok := PendingFromContext(nodeID, execCtx); ok {
			delete(execCtx, pendingKeyPrefix+nodeID)
			return pending.Steps, nil
		}
		return e.generate(ctx, cfg, c, execCtx)
	}
	steps, err := e.generate(ctx, cfg, c, execCtx)
	if err != nil {
		return nil, err
	}
	parkPending(nodeID, cfg.Goal, steps, execCtx)
	return nil, ErrReviewPending
}

// generate returns the step list: the declared steps for static plans, the
// planner's output (clamped to maxSteps) for dynamic plans.
func (e *Engine) generate(ctx context.Context, cfg *workflow.PlanConfig, c Constraints, execCtx map[string]any) ([]workflow.PlanStep, error) {
	if cfg.Mode != workflow.PlanDynamic {
		return cfg.Steps, nil
	}
	if e.planner == nil {
		return nil, ErrNoPlanner
	}
	steps, err := e.planner.Plan(ctx, template.Resolve(cfg.Goal, execCtx), c, execCtx)
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}
	if c.MaxSteps > 0 && len(steps) > c.MaxSteps {
		steps = steps[:c.MaxSteps]
	}
	return steps, nil
}

// runSteps executes steps in order, marking the remainder skipped after the
// first failure.
func (e *Engine) runSteps(ctx context.Context, planID string, steps []workflow.PlanStep, execCtx map[string]any, res *Result) []StepResult {
	results := make([]StepResult, len(steps))
	failed := false
	for i, step := range steps {
		results[i] = StepResult{Index: i, Tool: step.Tool, Status: StatusSkipped}
		if failed || ctx.Err() != nil {
			continue
		}
		e.publish(ctx, &stream.PlanStepStarted{PlanID: planID, Index: i, Tool: step.Tool})
		output, err := e.runStep(ctx, step, execCtx)
		if err != nil {
			results[i].Status = StatusFailure
			results[i].Err = err
			e.publish(ctx, &stream.PlanStepCompleted{PlanID: planID, Index: i, Status: string(StatusFailure), Error: err.Error()})
			failed = true
			continue
		}
		results[i].Status = StatusSuccess
		results[i].Output = output
		if output != "" {
			res.Output = output
		}
		e.publish(ctx, &stream.PlanStepCompleted{PlanID: planID, Index: i, Status: string(StatusSuccess)})
	}
	return results
}

// runStep dispatches one step. Agent steps resolve the "prompt" arg as a
// template and may store their output in the context under the "saveAs" arg.
func (e *Engine) runStep(ctx context.Context, step workflow.PlanStep, execCtx map[string]any) (string, error) {
	if agentID, ok := strings.CutPrefix(step.Tool, AgentToolPrefix); ok {
		resp, err := e.agents.Invoke(ctx, agentID, template.Resolve(step.Args["prompt"], execCtx), execCtx)
		if err != nil {
			return "", err
		}
		if key := step.Args["saveAs"]; key != "" {
			execCtx[key] = resp.Text
		}
		return resp.Text, nil
	}
	results := e.actions.Dispatch(ctx, []workflow.Action{
		&workflow.SendAction{HandlerID: step.Tool, Payload: step.Args},
	}, execCtx)
	return "", action.Failed(results)
}

func (e *Engine) publish(ctx context.Context, ev stream.Event) {
	if e.events != nil {
		e.events.Publish(ctx, ev)
	}
}

// PendingPlan is a generated plan parked in the execution context while it
// awaits review.
type PendingPlan struct {
	NodeID string              `json:"nodeId"`
	Goal   string              `json:"goal,omitempty"`
	Steps  []workflow.PlanStep `json:"steps"`
}

// parkPending stores the generated plan in the context so it survives the
// paused snapshot. Stored as a JSON string to keep the context
// deep-copyable by value.
func parkPending(nodeID, goal string, steps []workflow.PlanStep, execCtx map[string]any) {
	data, err := json.Marshal(PendingPlan{NodeID: nodeID, Goal: goal, Steps: steps})
	if err != nil {
		return
	}
	execCtx[pendingKeyPrefix+nodeID] = string(data)
}

// PendingFromContext returns the plan parked for a node, if any. Used by the
// getPlan service operation and by resumption after approval.
func PendingFromContext(nodeID string, execCtx map[string]any) (*PendingPlan, bool) {
	raw, ok := execCtx[pendingKeyPrefix+nodeID].(string)
	if !ok {
		return nil, false
	}
	var p PendingPlan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false
	}
	return &p, true
}

// AnyPending returns the first parked plan found in the context, if any.
func AnyPending(execCtx map[string]any) (*PendingPlan, bool) {
	for key, val := range execCtx {
		nodeID, isPending := strings.CutPrefix(key, pendingKeyPrefix)
		if !isPending {
			continue
		}
		if _, isStr := val.(string); !isStr {
			continue
		}
		if p, ok := PendingFromContext(nodeID, execCtx); ok {
			return p, true
		}
	}
	return nil, false
}

// Approve marks a node's parked plan as approved so the next execution
// attempt runs it instead of pausing again.
func Approve(nodeID string, execCtx map[string]any) {
	execCtx[approvedKeyPrefix+nodeID] = true
}

func constraintsOf(cfg *workflow.PlanConfig) Constraints {
	c := Constraints{
		MaxSteps:       cfg.MaxSteps,
		MaxReplans:     cfg.MaxReplans,
		MaxTokenBudget: cfg.MaxTokenBudget,
	}
	if cfg.MaxDurationMs > 0 {
		c.MaxDuration = time.Duration(cfg.MaxDurationMs) * time.Millisecond
	}
	return c
}

func canReplan(cfg *workflow.PlanConfig, c Constraints, replans int) bool {
	return cfg.Mode == workflow.PlanDynamic && cfg.AllowReplan && replans < c.MaxReplans
}

func allSucceeded(steps []StepResult) bool {
	for _, s := range steps {
		if s.Status != StatusSuccess {
			return false
		}
	}
	return true
}
