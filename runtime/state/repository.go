package state

import (
	"context"
	"errors"
	"time"

	"github.com/hensulabs/hensu/runtime/workflow"
)

var (
	// ErrSnapshotNotFound indicates no snapshot exists for the execution.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrWorkflowNotFound indicates no workflow is registered under the ID.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

type (
	// Repository persists execution snapshots and their lease fields.
	//
	// Save is an atomic upsert keyed by (TenantID, ExecutionID). Writers are
	// serialised per execution by the engine, so implementations only need
	// atomicity per upsert, not cross-row transactions. UpdateHeartbeats and
	// ClaimStale must each be a single atomic operation: a heartbeat from
	// one server node never touches rows owned by another, and two
	// concurrent claimers never both win the same row.
	Repository interface {
		// Save upserts the snapshot. The snapshot must satisfy Validate.
		Save(ctx context.Context, snapshot *Snapshot) error

		// FindLatest returns the snapshot for the execution or
		// ErrSnapshotNotFound.
		FindLatest(ctx context.Context, tenantID, executionID string) (*Snapshot, error)

		// FindByWorkflowID returns every snapshot of the workflow within the
		// tenant ordered by checkpoint time.
		FindByWorkflowID(ctx context.Context, tenantID, workflowID string) ([]*Snapshot, error)

		// FindPaused returns the tenant's paused snapshots (reason paused,
		// no lease owner).
		FindPaused(ctx context.Context, tenantID string) ([]*Snapshot, error)

		// UpdateHeartbeats sets LastHeartbeatAt to now on every checkpoint
		// row owned by serverNodeID and returns the number of rows touched.
		UpdateHeartbeats(ctx context.Context, serverNodeID string, now time.Time) (int64, error)

		// ClaimStale atomically reassigns every checkpoint row whose
		// heartbeat is older than olderThan to serverNodeID, stamping now as
		// the new heartbeat, and returns the claimed execution refs.
		ClaimStale(ctx context.Context, serverNodeID string, olderThan, now time.Time) ([]ExecutionRef, error)
	}

	// WorkflowRepository persists immutable workflow definitions per tenant.
	WorkflowRepository interface {
		// Save registers (or replaces) the workflow for the tenant.
		Save(ctx context.Context, tenantID string, w *workflow.Workflow) error
		// Find returns the workflow or ErrWorkflowNotFound.
		Find(ctx context.Context, tenantID, workflowID string) (*workflow.Workflow, error)
		// Delete removes the workflow. Deleting a missing workflow is a no-op.
		Delete(ctx context.Context, tenantID, workflowID string) error
	}
)
