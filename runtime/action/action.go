// Package action dispatches the side effects declared on ACTION nodes. Send
// actions render their payload against the execution context and hand it to a
// registered handler; execute actions reference host-local commands and are
// refused in server deployments.
package action

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hensulabs/hensu/runtime/template"
	"github.com/hensulabs/hensu/runtime/workflow"
)

// ErrHandlerNotFound indicates no handler is registered for the requested ID.
var ErrHandlerNotFound = errors.New("action handler not found")

// ErrExecuteUnsupported is returned for execute actions when no command
// runner is configured, which is the server default.
var ErrExecuteUnsupported = errors.New("execute actions are not supported in server mode")

type (
	// Handler receives a rendered send-action payload. Implementations are
	// integrations (webhooks, queues, notification channels) registered by
	// the host application.
	Handler interface {
		Handle(ctx context.Context, payload map[string]string) error
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, payload map[string]string) error

	// CommandRunner executes a named local command for execute actions.
	// Server deployments leave it nil.
	CommandRunner interface {
		Run(ctx context.Context, commandID string, execCtx map[string]any) error
	}

	// Result records the outcome of one dispatched action.
	Result struct {
		// Type is the action discriminator (send or execute).
		Type workflow.ActionType
		// Target is the handler or command ID.
		Target string
		// Err is the dispatch failure, nil on success.
		Err error
	}

	// Dispatcher routes actions to handlers. Safe for concurrent use.
	Dispatcher struct {
		mu       sync.RWMutex
		handlers map[string]Handler
		runner   CommandRunner
	}
)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, payload map[string]string) error {
	return f(ctx, payload)
}

// NewDispatcher returns a dispatcher with no handlers and no command runner.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// RegisterHandler binds a send-action handler to an ID, replacing any
// previous binding.
func (d *Dispatcher) RegisterHandler(id string, h Handler) error {
	if id == "" {
		return errors.New("handler id is required")
	}
	if h == nil {
		return errors.New("handler implementation is required")
	}
	d.mu.Lock()
	d.handlers[id] = h
	d.mu.Unlock()
	return nil
}

// SetCommandRunner enables execute actions. Intended for embedded
// deployments; server mode never calls it.
func (d *Dispatcher) SetCommandRunner(r CommandRunner) {
	d.mu.Lock()
	d.runner = r
	d.mu.Unlock()
}

// Dispatch runs every action of an ACTION node in declared order and returns
// one result per action. A failing action does not stop the remaining ones;
// the caller inspects results to decide whether the node failed.
func (d *Dispatcher) Dispatch(ctx context.Context, actions []workflow.Action, execCtx map[string]any) []Result {
	results := make([]Result, 0, len(actions))
	for _, a := range actions {
		results = append(results, d.dispatchOne(ctx, a, execCtx))
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, a workflow.Action, execCtx map[string]any) Result {
	switch act := a.(type) {
	case *workflow.SendAction:
		res := Result{Type: workflow.ActionSend, Target: act.HandlerID}
		d.mu.RLock()
		h, ok := d.handlers[act.HandlerID]
		d.mu.RUnlock()
		if !ok {
			res.Err = fmt.Errorf("%w: %q", ErrHandlerNotFound, act.HandlerID)
			return res
		}
		res.Err = h.Handle(ctx, template.ResolveAll(act.Payload, execCtx))
		return res
	case *workflow.ExecuteAction:
		res := Result{Type: workflow.ActionExecute, Target: act.CommandID}
		d.mu.RLock()
		runner := d.runner
		d.mu.RUnlock()
		if runner == nil {
			res.Err = fmt.Errorf("%w: %q", ErrExecuteUnsupported, act.CommandID)
			return res
		}
		res.Err = runner.Run(ctx, act.CommandID, execCtx)
		return res
	default:
		return Result{Err: fmt.Errorf("unknown action type %T", a)}
	}
}

// Failed reports whether any result carries an error.
func Failed(results []Result) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
