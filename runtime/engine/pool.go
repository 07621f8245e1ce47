package engine

import (
	"context"
	"runtime"
	"sync"
)

// Pool is a bounded worker pool. Executions, parallel branches, and fork
// branches all run on it; a parent blocked joining its children does not hold
// a slot while waiting.
type Pool struct {
	sem chan struct{}
}

// NewPool returns a pool bounded at size workers. Non-positive sizes default
// to four workers per CPU.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU() * 4
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Go runs fn on the pool, blocking until a slot frees or ctx is done. When
// ctx is cancelled before a slot frees, fn never runs and the returned
// WaitGroup-style done func is still safe to wait on.
func (p *Pool) Go(ctx context.Context, wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		wg.Done()
		return
	}
	go func() {
		defer func() {
			<-p.sem
			wg.Done()
		}()
		fn()
	}()
}
