package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hensulabs/hensu/runtime/state"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestSaveDelegatesToClient(t *testing.T) {
	node := "work"
	owner := "node-a"
	hb := time.Now().UTC()
	snap := &state.Snapshot{
		TenantID:        "t1",
		ExecutionID:     "exec-1",
		WorkflowID:      "wf",
		State:           state.New("work", nil),
		CurrentNodeID:   &node,
		Reason:          state.ReasonCheckpoint,
		CheckpointTime:  hb,
		ServerNodeID:    &owner,
		LastHeartbeatAt: &hb,
	}
	mockClient := &mockClient{
		saveSnapshot: func(_ context.Context, got *state.Snapshot) error {
			require.Same(t, snap, got)
			return nil
		},
	}
	store, err := NewStore(mockClient)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), snap))
}

func TestFindLatestDelegatesToClient(t *testing.T) {
	expected := &state.Snapshot{TenantID: "t1", ExecutionID: "exec-1"}
	mockClient := &mockClient{
		loadLatest: func(_ context.Context, tenantID, executionID string) (*state.Snapshot, error) {
			require.Equal(t, "t1", tenantID)
			require.Equal(t, "exec-1", executionID)
			return expected, nil
		},
	}
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	snap, err := store.FindLatest(context.Background(), "t1", "exec-1")
	require.NoError(t, err)
	require.Same(t, expected, snap)
}

func TestFindPausedDelegatesToClient(t *testing.T) {
	expected := []*state.Snapshot{{TenantID: "t1", ExecutionID: "paused-1"}}
	mockClient := &mockClient{
		listPaused: func(_ context.Context, tenantID string) ([]*state.Snapshot, error) {
			require.Equal(t, "t1", tenantID)
			return expected, nil
		},
	}
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	out, err := store.FindPaused(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, expected, out)
}

func TestClaimStaleDelegatesToClient(t *testing.T) {
	now := time.Now().UTC()
	olderThan := now.Add(-90 * time.Second)
	expected := []state.ExecutionRef{{TenantID: "t1", ExecutionID: "stale-1"}}
	mockClient := &mockClient{
		claimStale: func(_ context.Context, serverNodeID string, gotOlderThan, gotNow time.Time) ([]state.ExecutionRef, error) {
			require.Equal(t, "node-a", serverNodeID)
			require.Equal(t, olderThan, gotOlderThan)
			require.Equal(t, now, gotNow)
			return expected, nil
		},
	}
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	refs, err := store.ClaimStale(context.Background(), "node-a", olderThan, now)
	require.NoError(t, err)
	require.Equal(t, expected, refs)
}

type mockClient struct {
	saveSnapshot func(context.Context, *state.Snapshot) error
	loadLatest   func(context.Context, string, string) (*state.Snapshot, error)
	listPaused   func(context.Context, string) ([]*state.Snapshot, error)
	claimStale   func(context.Context, string, time.Time, time.Time) ([]state.ExecutionRef, error)
}

func (m *mockClient) Name() string               { return "mock" }
func (m *mockClient) Ping(context.Context) error { return nil }

func (m *mockClient) SaveSnapshot(ctx context.Context, snapshot *state.Snapshot) error {
	return m.saveSnapshot(ctx, snapshot)
}

func (m *mockClient) LoadLatest(ctx context.Context, tenantID, executionID string) (*state.Snapshot, error) {
	return m.loadLatest(ctx, tenantID, executionID)
}

func (m *mockClient) ListByWorkflow(context.Context, string, string) ([]*state.Snapshot, error) {
	return nil, nil
}

func (m *mockClient) ListPaused(ctx context.Context, tenantID string) ([]*state.Snapshot, error) {
	return m.listPaused(ctx, tenantID)
}

func (m *mockClient) UpdateHeartbeats(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}

func (m *mockClient) ClaimStale(ctx context.Context, serverNodeID string, olderThan, now time.Time) ([]state.ExecutionRef, error) {
	return m.claimStale(ctx, serverNodeID, olderThan, now)
}
