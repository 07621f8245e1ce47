package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hensulabs/hensu/runtime/state"
)

type (
	// NodeResult is the outcome of executing one node. Non-fatal failures are
	// materialised here, never as errors: Output carries the diagnostic text
	// so failure causes survive in history and events.
	NodeResult struct {
		// Success is the node outcome.
		Success bool
		// Output is the node's textual output, or the diagnostic on failure.
		Output string
		// Metadata carries adapter- or handler-specific details.
		Metadata map[string]any
		// Rubric is the rubric evaluation attached to this node, if any.
		Rubric *state.RubricResult
		// ConsensusReached distinguishes consensus from no-consensus on
		// parallel nodes. Nil for every other node type.
		ConsensusReached *bool
	}

	// GenericHandler executes a generic node. Implementations are
	// integrations registered by executor type; handler errors are non-fatal
	// and become Failure outcomes.
	GenericHandler interface {
		Handle(ctx context.Context, config map[string]any, execCtx map[string]any) (NodeResult, error)
	}

	// GenericHandlerFunc adapts a function to GenericHandler.
	GenericHandlerFunc func(ctx context.Context, config map[string]any, execCtx map[string]any) (NodeResult, error)

	// GenericRegistry resolves executor types to handlers. Safe for
	// concurrent use.
	GenericRegistry struct {
		mu       sync.RWMutex
		handlers map[string]GenericHandler
	}
)

// Handle implements GenericHandler.
func (f GenericHandlerFunc) Handle(ctx context.Context, config map[string]any, execCtx map[string]any) (NodeResult, error) {
	return f(ctx, config, execCtx)
}

// NewGenericRegistry returns an empty handler registry.
func NewGenericRegistry() *GenericRegistry {
	return &GenericRegistry{handlers: make(map[string]GenericHandler)}
}

// Register binds a handler to an executor type.
func (r *GenericRegistry) Register(executorType string, h GenericHandler) error {
	if executorType == "" {
		return errors.New("executor type is required")
	}
	if h == nil {
		return errors.New("handler implementation is required")
	}
	r.mu.Lock()
	r.handlers[executorType] = h
	r.mu.Unlock()
	return nil
}

// Find resolves an executor type. Missing handlers are a fatal configuration
// fault.
func (r *GenericRegistry) Find(executorType string) (GenericHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[executorType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGenericHandlerNotFound, executorType)
	}
	return h, nil
}
