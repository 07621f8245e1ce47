// Package stream delivers execution progress events to subscribers. Events
// are client-facing updates (node lifecycle, plan progress, review decisions)
// typed by kind; all concrete event types embed Base for standard metadata.
// Sinks mirror events onto external transports (SSE, Pulse); subscribers
// receive the in-process ordered feed for one execution.
package stream

import (
	"context"
	"time"
)

// EventType identifies the kind of a stream event.
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventNodeStarted        EventType = "node.started"
	EventNodeCompleted      EventType = "node.completed"
	EventPlanCreated        EventType = "plan.created"
	EventPlanStepStarted    EventType = "plan.step.started"
	EventPlanStepCompleted  EventType = "plan.step.completed"
	EventPlanCompleted      EventType = "plan.completed"
	EventReviewRequested    EventType = "review.requested"
	EventReviewDecided      EventType = "review.decided"
	EventBacktrack          EventType = "backtrack"
	EventExecutionCancelled EventType = "execution.cancelled"
	EventExecutionCompleted EventType = "execution.completed"
)

type (
	// Event is a streaming update delivered to subscribers and sinks.
	// Implementations are immutable after construction and safe to share
	// across goroutines.
	Event interface {
		// Type returns the event kind constant. Subscribers use it to filter
		// or route without type assertions.
		Type() EventType

		// ExecutionID returns the execution that produced the event. It may
		// be empty at publish time, in which case the broadcaster resolves it
		// from the plan binding table or the scoped context value.
		ExecutionID() string

		// Timestamp returns the publish time.
		Timestamp() time.Time

		// Payload returns the event-specific data in a JSON-serializable
		// form. Sinks marshal it generically; consumers needing typed fields
		// assert on the concrete event type.
		Payload() any
	}

	// Sink mirrors the event feed onto an external transport. Implementations
	// must be safe for concurrent use.
	Sink interface {
		// Send publishes one event. Send errors are logged and do not stop
		// in-process delivery.
		Send(ctx context.Context, event Event) error

		// Close releases transport resources. Idempotent.
		Close(ctx context.Context) error
	}

	// Base provides the standard event metadata. Concrete events embed it.
	Base struct {
		// Kind is the event type constant.
		Kind EventType `json:"type"`
		// Execution is the owning execution ID. The broadcaster fills it in
		// when the publisher left it empty.
		Execution string `json:"executionId"`
		// At is the publish time.
		At time.Time `json:"ts"`
	}

	// ExecutionStarted announces a new execution.
	ExecutionStarted struct {
		Base
		TenantID   string `json:"tenantId"`
		WorkflowID string `json:"workflowId"`
	}

	// NodeStarted announces that the executor entered a node.
	NodeStarted struct {
		Base
		NodeID   string `json:"nodeId"`
		NodeType string `json:"nodeType"`
	}

	// NodeCompleted carries the outcome of one node execution.
	NodeCompleted struct {
		Base
		NodeID  string `json:"nodeId"`
		Success bool   `json:"success"`
		Output  string `json:"output,omitempty"`
		Score   *float64 `json:"score,omitempty"`
	}

	// PlanCreated announces a plan (static or generated) about to execute
	// inside a node.
	PlanCreated struct {
		Base
		NodeID string `json:"nodeId"`
		PlanID string `json:"planId"`
		Steps  int    `json:"steps"`
	}

	// PlanStepStarted announces one plan step starting.
	PlanStepStarted struct {
		Base
		PlanID string `json:"planId"`
		Index  int    `json:"index"`
		Tool   string `json:"tool"`
	}

	// PlanStepCompleted carries a step outcome (success, failure, skipped).
	PlanStepCompleted struct {
		Base
		PlanID string `json:"planId"`
		Index  int    `json:"index"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	// PlanCompleted closes a plan.
	PlanCompleted struct {
		Base
		PlanID  string `json:"planId"`
		Success bool   `json:"success"`
	}

	// ReviewRequested announces that the execution is waiting on a reviewer.
	ReviewRequested struct {
		Base
		NodeID string `json:"nodeId"`
	}

	// ReviewDecided carries the reviewer verdict.
	ReviewDecided struct {
		Base
		NodeID   string `json:"nodeId"`
		Decision string `json:"decision"`
		Reason   string `json:"reason,omitempty"`
	}

	// Backtrack announces a rewind, whether reviewer-directed or automatic.
	Backtrack struct {
		Base
		From   string `json:"from"`
		To     string `json:"to"`
		Reason string `json:"reason"`
	}

	// ExecutionCancelled is the terminal event of a cancelled execution.
	ExecutionCancelled struct {
		Base
		NodeID string `json:"nodeId,omitempty"`
	}

	// ExecutionCompleted is the terminal event of a finished execution. Output
	// is the execution context filtered of internal keys.
	ExecutionCompleted struct {
		Base
		Success     bool           `json:"success"`
		FinalNodeID string         `json:"finalNodeId,omitempty"`
		Output      map[string]any `json:"output,omitempty"`
	}
)

// Type implements Event.
func (b *Base) Type() EventType { return b.Kind }

// ExecutionID implements Event.
func (b *Base) ExecutionID() string { return b.Execution }

// Timestamp implements Event.
func (b *Base) Timestamp() time.Time { return b.At }

func (e *ExecutionStarted) Payload() any   { return e }
func (e *NodeStarted) Payload() any        { return e }
func (e *NodeCompleted) Payload() any      { return e }
func (e *PlanCreated) Payload() any        { return e }
func (e *PlanStepStarted) Payload() any    { return e }
func (e *PlanStepCompleted) Payload() any  { return e }
func (e *PlanCompleted) Payload() any      { return e }
func (e *ReviewRequested) Payload() any    { return e }
func (e *ReviewDecided) Payload() any      { return e }
func (e *Backtrack) Payload() any          { return e }
func (e *ExecutionCancelled) Payload() any { return e }
func (e *ExecutionCompleted) Payload() any { return e }

// The broadcaster fills missing metadata at publish time, before delivery.
func (b *Base) setExecution(id string) { b.Execution = id }
func (b *Base) stamp(now time.Time) {
	if b.At.IsZero() {
		b.At = now
	}
}
func (b *Base) setKind(k EventType) {
	if b.Kind == "" {
		b.Kind = k
	}
}

// kinded reports the type constant of a concrete event. The broadcaster
// stamps Base.Kind from it so publish sites never set the kind by hand.
type kinded interface{ kind() EventType }

func (e *ExecutionStarted) kind() EventType   { return EventExecutionStarted }
func (e *NodeStarted) kind() EventType        { return EventNodeStarted }
func (e *NodeCompleted) kind() EventType      { return EventNodeCompleted }
func (e *PlanCreated) kind() EventType        { return EventPlanCreated }
func (e *PlanStepStarted) kind() EventType    { return EventPlanStepStarted }
func (e *PlanStepCompleted) kind() EventType  { return EventPlanStepCompleted }
func (e *PlanCompleted) kind() EventType      { return EventPlanCompleted }
func (e *ReviewRequested) kind() EventType    { return EventReviewRequested }
func (e *ReviewDecided) kind() EventType      { return EventReviewDecided }
func (e *Backtrack) kind() EventType          { return EventBacktrack }
func (e *ExecutionCancelled) kind() EventType { return EventExecutionCancelled }
func (e *ExecutionCompleted) kind() EventType { return EventExecutionCompleted }

// planScoped is implemented by events carrying a plan ID; the broadcaster
// uses it to resolve the owning execution through the plan binding table.
type planScoped interface{ planID() string }

func (e *PlanCreated) planID() string       { return e.PlanID }
func (e *PlanStepStarted) planID() string   { return e.PlanID }
func (e *PlanStepCompleted) planID() string { return e.PlanID }
func (e *PlanCompleted) planID() string     { return e.PlanID }
