package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hensulabs/hensu/runtime/workflow"
)

// DefaultJoinTimeout bounds join waits when the join node declares no
// timeoutMs.
const DefaultJoinTimeout = 60 * time.Second

type (
	// branchRunner executes one fork branch: a fresh sub-traversal starting
	// at the named node over a private context copy. Returns the branch's
	// final output.
	branchRunner func(ctx context.Context, startNodeID string, branchCtx map[string]any) (string, error)

	// branchResult is one branch outcome, reported by value.
	branchResult struct {
		target string
		output string
		err    error
	}

	// forkHandle tracks one fork's in-flight branches. Results are recorded
	// per target; done closes when every branch finished.
	forkHandle struct {
		targets []string

		mu       sync.Mutex
		byTarget map[string]branchResult

		firstSuccess chan branchResult
		done         chan struct{}
	}

	// forkCoordinator owns the fork handles of a single execution, keyed by
	// fork node ID.
	forkCoordinator struct {
		mu    sync.Mutex
		forks map[string]*forkHandle
	}
)

func newForkCoordinator() *forkCoordinator {
	return &forkCoordinator{forks: make(map[string]*forkHandle)}
}

// spawn starts one branch per target on the pool. Branches share nothing
// with the parent: each receives its own context copy and reports its output
// by value. The parent's cancellation propagates through ctx.
func (c *forkCoordinator) spawn(ctx context.Context, pool *Pool, forkID string, targets []string, forkCtx func() map[string]any, run branchRunner) *forkHandle {
	h := &forkHandle{
		targets:      targets,
		byTarget:     make(map[string]branchResult, len(targets)),
		firstSuccess: make(chan branchResult, 1),
		done:         make(chan struct{}),
	}
	c.mu.Lock()
	c.forks[forkID] = h
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		target := target
		branchCtx := forkCtx()
		pool.Go(ctx, &wg, func() {
			output, err := run(ctx, target, branchCtx)
			res := branchResult{target: target, output: output, err: err}
			h.mu.Lock()
			h.byTarget[target] = res
			h.mu.Unlock()
			if err == nil {
				select {
				case h.firstSuccess <- res:
				default:
				}
			}
		})
	}
	go func() {
		wg.Wait()
		close(h.done)
	}()
	return h
}

// lookup returns the handle of a previously spawned fork.
func (c *forkCoordinator) lookup(forkID string) (*forkHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.forks[forkID]
	return h, ok
}

// awaitJoin resolves a join against the forks it awaits. CollectAll and
// Concatenate wait for every branch and merge in declared order (fork order,
// then target order within each fork); FirstSuccess yields the first
// successful output in completion order. The merged value and outcome follow
// the node's failOnAnyError and timeout settings.
func awaitJoin(ctx context.Context, node *workflow.JoinNode, handles []*forkHandle, defaultTimeout time.Duration) NodeResult {
	timeout := defaultTimeout
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}
	if node.TimeoutMs > 0 {
		timeout = time.Duration(node.TimeoutMs) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	allDone := make(chan struct{})
	go func() {
		for _, h := range handles {
			<-h.done
		}
		close(allDone)
	}()

	if node.MergeStrategy == workflow.FirstSuccess {
		first := make(chan branchResult, 1)
		for _, h := range handles {
			h := h
			go func() {
				select {
				case res := <-h.firstSuccess:
					select {
					case first <- res:
					default:
					}
				case <-h.done:
				}
			}()
		}
		select {
		case res := <-first:
			return NodeResult{Success: true, Output: res.output}
		case <-allDone:
			// No branch succeeded; fall through so failOnAnyError decides.
		case <-timer.C:
			return failure(fmt.Sprintf("join %q timed out after %s", node.ID, timeout))
		case <-ctx.Done():
			return failure(ctx.Err().Error())
		}
	} else {
		select {
		case <-allDone:
		case <-timer.C:
			return failure(fmt.Sprintf("join %q timed out after %s", node.ID, timeout))
		case <-ctx.Done():
			return failure(ctx.Err().Error())
		}
	}
	return mergeJoin(node, handles)
}

func mergeJoin(node *workflow.JoinNode, handles []*forkHandle) NodeResult {
	var errs []string
	var outputs []string
	for _, h := range handles {
		h.mu.Lock()
		for _, target := range h.targets {
			res, ok := h.byTarget[target]
			switch {
			case !ok:
				errs = append(errs, fmt.Sprintf("branch %q never completed", target))
			case res.err != nil:
				errs = append(errs, fmt.Sprintf("branch %q: %v", target, res.err))
			default:
				outputs = append(outputs, res.output)
			}
		}
		h.mu.Unlock()
	}
	if node.FailOnAnyError && len(errs) > 0 {
		return failure("join " + node.ID + ": " + strings.Join(errs, "; "))
	}

	switch node.MergeStrategy {
	case workflow.Concatenate:
		return NodeResult{Success: true, Output: strings.Join(outputs, "")}
	case workflow.FirstSuccess:
		// Reached only when no branch succeeded and failures are tolerated.
		return NodeResult{Success: true}
	default: // CollectAll
		collected := make([]any, len(outputs))
		for i, out := range outputs {
			collected[i] = out
		}
		return NodeResult{Success: true, Metadata: map[string]any{"collected": collected}}
	}
}

func failure(msg string) NodeResult {
	return NodeResult{Success: false, Output: msg}
}
