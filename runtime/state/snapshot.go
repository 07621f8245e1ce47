package state

import (
	"errors"
	"fmt"
	"time"
)

// Reason classifies why a snapshot was persisted.
type Reason string

const (
	// ReasonCheckpoint is a mid-execution save; the row carries a live lease.
	ReasonCheckpoint Reason = "checkpoint"
	// ReasonPaused means the execution awaits a human decision; no lease.
	ReasonPaused Reason = "paused"
	// ReasonCompleted is a successful terminal save.
	ReasonCompleted Reason = "completed"
	// ReasonFailed is a failed terminal save.
	ReasonFailed Reason = "failed"
	// ReasonRejected is a reviewer-rejected terminal save.
	ReasonRejected Reason = "rejected"
	// ReasonCancelled is a cancellation save. The lease is released but the
	// current node is preserved so the execution can be resumed by hand.
	ReasonCancelled Reason = "cancelled"
)

// Terminal reports whether the reason ends the execution.
func (r Reason) Terminal() bool {
	switch r {
	case ReasonCompleted, ReasonFailed, ReasonRejected, ReasonCancelled:
		return true
	default:
		return false
	}
}

// ErrInvalidSnapshot wraps snapshot coherence failures.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

type (
	// Snapshot is the persisted form of an execution: its state, position,
	// checkpoint metadata, and lease fields. One row exists per
	// (TenantID, ExecutionID); saves are atomic upserts.
	Snapshot struct {
		// TenantID scopes the execution.
		TenantID string `json:"tenantId"`
		// ExecutionID identifies the execution within the tenant.
		ExecutionID string `json:"executionId"`
		// WorkflowID names the workflow definition being executed.
		WorkflowID string `json:"workflowId"`
		// State is the full execution state at checkpoint time.
		State *State `json:"state"`
		// CurrentNodeID is the node to resume at. Nil exactly when Reason is
		// completed, failed, or rejected.
		CurrentNodeID *string `json:"currentNodeId"`
		// Reason classifies the save.
		Reason Reason `json:"checkpointReason"`
		// CheckpointTime is when the snapshot was taken.
		CheckpointTime time.Time `json:"checkpointTime"`
		// ServerNodeID is the lease owner. Set together with
		// LastHeartbeatAt on checkpoint saves; nil otherwise.
		ServerNodeID *string `json:"serverNodeId,omitempty"`
		// LastHeartbeatAt is the lease heartbeat timestamp.
		LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	}

	// ExecutionRef identifies one execution row.
	ExecutionRef struct {
		TenantID    string
		ExecutionID string
	}
)

// Validate checks the snapshot/lease coherence invariants: a checkpoint
// carries both lease fields; a paused or terminal snapshot carries neither;
// the current node is nil exactly for completed/failed/rejected saves.
func (s *Snapshot) Validate() error {
	if s.TenantID == "" || s.ExecutionID == "" {
		return fmt.Errorf("%w: missing tenant or execution id", ErrInvalidSnapshot)
	}
	if s.State == nil {
		return fmt.Errorf("%w: missing state", ErrInvalidSnapshot)
	}
	switch s.Reason {
	case ReasonCheckpoint:
		if s.ServerNodeID == nil || s.LastHeartbeatAt == nil {
			return fmt.Errorf("%w: checkpoint without lease fields", ErrInvalidSnapshot)
		}
		if s.CurrentNodeID == nil {
			return fmt.Errorf("%w: checkpoint without current node", ErrInvalidSnapshot)
		}
	case ReasonPaused, ReasonCancelled:
		if s.ServerNodeID != nil || s.LastHeartbeatAt != nil {
			return fmt.Errorf("%w: %s snapshot with lease fields", ErrInvalidSnapshot, s.Reason)
		}
		if s.CurrentNodeID == nil {
			return fmt.Errorf("%w: %s snapshot without current node", ErrInvalidSnapshot, s.Reason)
		}
	case ReasonCompleted, ReasonFailed, ReasonRejected:
		if s.ServerNodeID != nil || s.LastHeartbeatAt != nil {
			return fmt.Errorf("%w: terminal snapshot with lease fields", ErrInvalidSnapshot)
		}
		if s.CurrentNodeID != nil {
			return fmt.Errorf("%w: terminal snapshot with current node", ErrInvalidSnapshot)
		}
	default:
		return fmt.Errorf("%w: unknown reason %q", ErrInvalidSnapshot, s.Reason)
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		TenantID:       s.TenantID,
		ExecutionID:    s.ExecutionID,
		WorkflowID:     s.WorkflowID,
		State:          s.State.Clone(),
		Reason:         s.Reason,
		CheckpointTime: s.CheckpointTime,
	}
	if s.CurrentNodeID != nil {
		node := *s.CurrentNodeID
		out.CurrentNodeID = &node
	}
	if s.ServerNodeID != nil {
		owner := *s.ServerNodeID
		out.ServerNodeID = &owner
	}
	if s.LastHeartbeatAt != nil {
		hb := *s.LastHeartbeatAt
		out.LastHeartbeatAt = &hb
	}
	return out
}
