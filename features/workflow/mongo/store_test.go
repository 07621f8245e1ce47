package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hensulabs/hensu/runtime/workflow"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestSaveDelegatesToClient(t *testing.T) {
	wf := &workflow.Workflow{ID: "wf-1", Version: "v1"}
	mockClient := &mockClient{
		saveWorkflow: func(_ context.Context, tenantID string, got *workflow.Workflow) error {
			require.Equal(t, "t1", tenantID)
			require.Same(t, wf, got)
			return nil
		},
	}
	store, err := NewStore(mockClient)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "t1", wf))
}

func TestFindDelegatesToClient(t *testing.T) {
	expected := &workflow.Workflow{ID: "wf-1"}
	mockClient := &mockClient{
		loadWorkflow: func(_ context.Context, tenantID, workflowID string) (*workflow.Workflow, error) {
			require.Equal(t, "t1", tenantID)
			require.Equal(t, "wf-1", workflowID)
			return expected, nil
		},
	}
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	got, err := store.Find(context.Background(), "t1", "wf-1")
	require.NoError(t, err)
	require.Same(t, expected, got)
}

func TestDeleteDelegatesToClient(t *testing.T) {
	var deleted bool
	mockClient := &mockClient{
		deleteWorkflow: func(_ context.Context, tenantID, workflowID string) error {
			require.Equal(t, "t1", tenantID)
			require.Equal(t, "wf-1", workflowID)
			deleted = true
			return nil
		},
	}
	store, err := NewStore(mockClient)
	require.NoError(t, err)
	require.NoError(t, store.Delete(context.Background(), "t1", "wf-1"))
	require.True(t, deleted)
}

type mockClient struct {
	saveWorkflow   func(context.Context, string, *workflow.Workflow) error
	loadWorkflow   func(context.Context, string, string) (*workflow.Workflow, error)
	deleteWorkflow func(context.Context, string, string) error
}

func (m *mockClient) Name() string               { return "mock" }
func (m *mockClient) Ping(context.Context) error { return nil }

func (m *mockClient) SaveWorkflow(ctx context.Context, tenantID string, w *workflow.Workflow) error {
	return m.saveWorkflow(ctx, tenantID, w)
}

func (m *mockClient) LoadWorkflow(ctx context.Context, tenantID, workflowID string) (*workflow.Workflow, error) {
	return m.loadWorkflow(ctx, tenantID, workflowID)
}

func (m *mockClient) DeleteWorkflow(ctx context.Context, tenantID, workflowID string) error {
	return m.deleteWorkflow(ctx, tenantID, workflowID)
}
