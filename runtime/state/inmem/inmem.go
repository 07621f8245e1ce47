// Package inmem provides in-memory repository implementations for tests and
// single-process deployments. Snapshots are deep-copied on save and load so
// callers never share mutable state with the store.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hensulabs/hensu/runtime/state"
	"github.com/hensulabs/hensu/runtime/workflow"
)

type (
	// SnapshotStore is an in-memory state.Repository.
	SnapshotStore struct {
		mu   sync.RWMutex
		rows map[key]*state.Snapshot
	}

	// WorkflowStore is an in-memory state.WorkflowRepository.
	WorkflowStore struct {
		mu   sync.RWMutex
		rows map[key]*workflow.Workflow
	}

	key struct {
		tenant string
		id     string
	}
)

// NewSnapshotStore returns an empty in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{rows: make(map[key]*state.Snapshot)}
}

// Save upserts the snapshot keyed by (tenant, execution).
func (s *SnapshotStore) Save(_ context.Context, snapshot *state.Snapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key{snapshot.TenantID, snapshot.ExecutionID}] = snapshot.Clone()
	return nil
}

// FindLatest returns the stored snapshot or state.ErrSnapshotNotFound.
func (s *SnapshotStore) FindLatest(_ context.Context, tenantID, executionID string) (*state.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.rows[key{tenantID, executionID}]
	if !ok {
		return nil, state.ErrSnapshotNotFound
	}
	return snap.Clone(), nil
}

// FindByWorkflowID returns the tenant's snapshots for a workflow ordered by
// checkpoint time.
func (s *SnapshotStore) FindByWorkflowID(_ context.Context, tenantID, workflowID string) ([]*state.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*state.Snapshot
	for k, snap := range s.rows {
		if k.tenant == tenantID && snap.WorkflowID == workflowID {
			out = append(out, snap.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckpointTime.Before(out[j].CheckpointTime) })
	return out, nil
}

// FindPaused returns the tenant's paused snapshots.
func (s *SnapshotStore) FindPaused(_ context.Context, tenantID string) ([]*state.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*state.Snapshot
	for k, snap := range s.rows {
		if k.tenant == tenantID && snap.Reason == state.ReasonPaused && snap.ServerNodeID == nil {
			out = append(out, snap.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckpointTime.Before(out[j].CheckpointTime) })
	return out, nil
}

// UpdateHeartbeats refreshes the heartbeat on rows owned by serverNodeID.
// Rows owned by other nodes are never touched.
func (s *SnapshotStore) UpdateHeartbeats(_ context.Context, serverNodeID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var touched int64
	for _, snap := range s.rows {
		if snap.Reason != state.ReasonCheckpoint || snap.ServerNodeID == nil || *snap.ServerNodeID != serverNodeID {
			continue
		}
		hb := now
		snap.LastHeartbeatAt = &hb
		touched++
	}
	return touched, nil
}

// ClaimStale reassigns checkpoint rows with expired heartbeats to
// serverNodeID. The whole sweep runs under one lock so concurrent claimers
// cannot double-claim a row.
func (s *SnapshotStore) ClaimStale(_ context.Context, serverNodeID string, olderThan, now time.Time) ([]state.ExecutionRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []state.ExecutionRef
	for k, snap := range s.rows {
		if snap.Reason != state.ReasonCheckpoint || snap.LastHeartbeatAt == nil {
			continue
		}
		if !snap.LastHeartbeatAt.Before(olderThan) {
			continue
		}
		owner := serverNodeID
		hb := now
		snap.ServerNodeID = &owner
		snap.LastHeartbeatAt = &hb
		claimed = append(claimed, state.ExecutionRef{TenantID: k.tenant, ExecutionID: k.id})
	}
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].TenantID != claimed[j].TenantID {
			return claimed[i].TenantID < claimed[j].TenantID
		}
		return claimed[i].ExecutionID < claimed[j].ExecutionID
	})
	return claimed, nil
}

// NewWorkflowStore returns an empty in-memory workflow store.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{rows: make(map[key]*workflow.Workflow)}
}

// Save registers the workflow for the tenant. Definitions are immutable
// after registration so the pointer is stored as-is.
func (s *WorkflowStore) Save(_ context.Context, tenantID string, w *workflow.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key{tenantID, w.ID}] = w
	return nil
}

// Find returns the workflow or state.ErrWorkflowNotFound.
func (s *WorkflowStore) Find(_ context.Context, tenantID, workflowID string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.rows[key{tenantID, workflowID}]
	if !ok {
		return nil, state.ErrWorkflowNotFound
	}
	return w, nil
}

// Delete removes the workflow if present.
func (s *WorkflowStore) Delete(_ context.Context, tenantID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key{tenantID, workflowID})
	return nil
}
