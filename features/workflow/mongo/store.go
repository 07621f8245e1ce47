package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/hensulabs/hensu/features/workflow/mongo/clients/mongo"
	"github.com/hensulabs/hensu/runtime/workflow"
)

// Store implements state.WorkflowRepository by delegating to the Mongo client.
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

// Save registers (or replaces) the workflow for the tenant.
func (s *Store) Save(ctx context.Context, tenantID string, w *workflow.Workflow) error {
	return s.client.SaveWorkflow(ctx, tenantID, w)
}

// Find returns the workflow or state.ErrWorkflowNotFound.
func (s *Store) Find(ctx context.Context, tenantID, workflowID string) (*workflow.Workflow, error) {
	return s.client.LoadWorkflow(ctx, tenantID, workflowID)
}

// Delete removes the workflow. Deleting a missing workflow is a no-op.
func (s *Store) Delete(ctx context.Context, tenantID, workflowID string) error {
	return s.client.DeleteWorkflow(ctx, tenantID, workflowID)
}
