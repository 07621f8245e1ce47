// Package agent defines the contract between the engine and AI model
// adapters. The engine never talks to a provider directly: it resolves an
// agent ID through the Registry and calls Invoke with a fully rendered
// prompt. Provider implementations (HTTP clients, local models, scripted
// fakes in tests) live outside the core.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrAgentNotFound indicates no agent is registered under the requested ID.
var ErrAgentNotFound = errors.New("agent not found")

type (
	// Agent invokes an AI model with a rendered prompt. Implementations are
	// stateless with respect to the engine, must honour context cancellation,
	// and may time out.
	Agent interface {
		// Invoke sends the prompt together with the execution context
		// mapping and returns the model response.
		Invoke(ctx context.Context, prompt string, execCtx map[string]any) (Response, error)
	}

	// Response is a model reply.
	Response struct {
		// Text is the model output.
		Text string
		// Metadata carries adapter-specific details (model name, token
		// counts). The engine passes it through to node results.
		Metadata map[string]any
	}

	// Func adapts a plain function to the Agent interface. Used heavily by
	// tests and scripted demos.
	Func func(ctx context.Context, prompt string, execCtx map[string]any) (Response, error)

	// Options bounds a registered agent.
	Options struct {
		// Timeout caps a single invocation. Zero means unbounded.
		Timeout time.Duration
		// RatePerSecond caps sustained invocations per second. Zero
		// disables rate limiting.
		RatePerSecond float64
		// Burst is the rate limiter burst size. Defaults to 1 when rate
		// limiting is enabled.
		Burst int
	}

	// Registry resolves agent IDs to implementations and enforces the
	// per-agent invocation bounds. It is safe for concurrent use; handlers
	// may be registered at runtime.
	Registry struct {
		mu     sync.RWMutex
		agents map[string]*entry
	}

	entry struct {
		agent   Agent
		timeout time.Duration
		limiter *rate.Limiter
	}
)

// Invoke implements Agent.
func (f Func) Invoke(ctx context.Context, prompt string, execCtx map[string]any) (Response, error) {
	return f(ctx, prompt, execCtx)
}

// NewRegistry returns an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*entry)}
}

// Register binds an agent implementation to an ID, replacing any previous
// binding.
func (r *Registry) Register(id string, a Agent, opts Options) error {
	if id == "" {
		return errors.New("agent id is required")
	}
	if a == nil {
		return errors.New("agent implementation is required")
	}
	e := &entry{agent: a, timeout: opts.Timeout}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	r.mu.Lock()
	r.agents[id] = e
	r.mu.Unlock()
	return nil
}

// Invoke resolves the agent and calls it, applying the registered rate limit
// and timeout. Returns ErrAgentNotFound when the ID is unknown.
func (r *Registry) Invoke(ctx context.Context, id, prompt string, execCtx map[string]any) (Response, error) {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.agent.Invoke(ctx, prompt, execCtx)
}

// Has reports whether an agent is registered under the ID.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}
