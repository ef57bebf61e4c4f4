package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/chazu/tiervm/vm"
)

// engineRequest is a unit of work to run on the worker goroutine.
type engineRequest struct {
	fn   func(*vm.Engine) (any, error)
	done chan engineResult
}

type engineResult struct {
	value any
	err   error
}

// EngineWorker runs host requests against an engine one at a time. Values
// a request allocates (argument strings and arrays) stay unreachable from
// the engine's roots until the call receives them, so no other request may
// collect garbage in between.
type EngineWorker struct {
	engine   *vm.Engine
	requests chan engineRequest
	quit     chan struct{}
	stopOnce sync.Once
}

// NewEngineWorker creates a worker and starts its goroutine.
func NewEngineWorker(e *vm.Engine) *EngineWorker {
	w := &EngineWorker{
		engine:   e,
		requests: make(chan engineRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *EngineWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, turning panics into errors. A broken engine invariant
// is re-raised: the engine state can no longer be trusted.
func (w *EngineWorker) execute(fn func(*vm.Engine) (any, error)) (result engineResult) {
	defer func() {
		if r := recover(); r != nil {
			if iv, ok := r.(*vm.InvariantViolation); ok {
				panic(iv)
			}
			result = engineResult{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	v, err := fn(w.engine)
	return engineResult{value: v, err: err}
}

// Do submits fn and waits for its result. It gives up when ctx is done
// before fn starts.
func (w *EngineWorker) Do(ctx context.Context, fn func(*vm.Engine) (any, error)) (any, error) {
	select {
	case <-w.quit:
		return nil, vm.ErrEngineClosed
	default:
	}
	req := engineRequest{fn: fn, done: make(chan engineResult, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, vm.ErrEngineClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.done:
		return r.value, r.err
	case <-w.quit:
		return nil, vm.ErrEngineClosed
	}
}

// Stop shuts down the worker goroutine.
func (w *EngineWorker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

// Engine returns the underlying engine for operations that need no
// serialization, such as event subscriptions.
func (w *EngineWorker) Engine() *vm.Engine {
	return w.engine
}
