package lua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// call represents a Lua operation to be executed.
type call struct {
	ctx    context.Context
	fn     func(L *lua.LState) error
	result chan error
}

// Executor serializes all Lua operations through a single goroutine.
//
// gopher-lua's LState is NOT goroutine-safe. All LState operations must occur
// on a single goroutine. The Executor provides a channel-based mechanism to
// marshal Lua operations from multiple goroutines to a single worker goroutine.
//
// Each operation runs with its caller's context installed on the state, so a
// cancelled or expired context aborts running Lua code.
type Executor struct {
	L      *lua.LState
	queue  chan *call
	closed atomic.Bool
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
}

// NewExecutor creates a new Executor for the given Lua state and starts its
// worker goroutine.
func NewExecutor(L *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 16
	}
	e := &Executor{
		L:      L,
		queue:  make(chan *call, queueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go e.run()
	return e
}

// run processes Lua operations from the queue until Close is called.
func (e *Executor) run() {
	defer close(e.exited)
	for {
		select {
		case <-e.done:
			e.drainQueue(ErrExecutorClosed)
			return
		case c := <-e.queue:
			c.result <- e.executeCall(c)
			close(c.result)
		}
	}
}

// executeCall runs a single Lua operation with panic recovery.
func (e *Executor) executeCall(c *call) (err error) {
	if ctxErr := c.ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	e.L.SetContext(c.ctx)
	defer e.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return c.fn(e.L)
}

// drainQueue drains remaining calls from the queue with the given error.
func (e *Executor) drainQueue(err error) {
	for {
		select {
		case c := <-e.queue:
			c.result <- err
			close(c.result)
		default:
			return
		}
	}
}

// Execute runs a Lua operation on the executor's goroutine and waits for
// it. If ctx ends first, Execute returns ctx.Err(); the running operation
// observes the same context and stops at its next instruction.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{
		ctx:    ctx,
		fn:     fn,
		result: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- c:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-c.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	}
}

// Close stops the executor. Queued operations fail with ErrExecutorClosed.
// Close waits for the worker to exit; an operation already running finishes
// or is cut short by its own context first.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
	<-e.exited
}

// IsClosed returns true if the executor has been closed.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
