package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/hensulabs/hensu/features/state/mongo/clients/mongo"
	"github.com/hensulabs/hensu/runtime/state"
)

// Store implements state.Repository by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Save upserts the snapshot row for the execution.
func (s *Store) Save(ctx context.Context, snapshot *state.Snapshot) error {
	return s.client.SaveSnapshot(ctx, snapshot)
}

// FindLatest returns the execution's snapshot.
func (s *Store) FindLatest(ctx context.Context, tenantID, executionID string) (*state.Snapshot, error) {
	return s.client.LoadLatest(ctx, tenantID, executionID)
}

// FindByWorkflowID returns the workflow's snapshots ordered by checkpoint time.
func (s *Store) FindByWorkflowID(ctx context.Context, tenantID, workflowID string) ([]*state.Snapshot, error) {
	return s.client.ListByWorkflow(ctx, tenantID, workflowID)
}

// FindPaused returns the tenant's paused snapshots.
func (s *Store) FindPaused(ctx context.Context, tenantID string) ([]*state.Snapshot, error) {
	return s.client.ListPaused(ctx, tenantID)
}

// UpdateHeartbeats refreshes the heartbeat on rows owned by serverNodeID.
func (s *Store) UpdateHeartbeats(ctx context.Context, serverNodeID string, now time.Time) (int64, error) {
	return s.client.UpdateHeartbeats(ctx, serverNodeID, now)
}

// ClaimStale takes over rows whose heartbeat expired before olderThan.
func (s *Store) ClaimStale(ctx context.Context, serverNodeID string, olderThan, now time.Time) ([]state.ExecutionRef, error) {
	return s.client.ClaimStale(ctx, serverNodeID, olderThan, now)
}
