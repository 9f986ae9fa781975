// Package queue provides the unbounded FIFO used for message buffering and
// the serial executor that forms the single dispatch path of a realtime
// client.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned when work is posted to a stopped executor.
var ErrStopped = errors.New("executor stopped")

// Executor runs posted funcs one at a time, in posting order, on a single
// goroutine. Post never blocks, so a running func may post more work.
type Executor struct {
	logger *slog.Logger
	tasks  *Buffer[func()]

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewExecutor creates an executor. Call Start before posting work.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger: logger,
		tasks:  NewBuffer[func()](64),
		done:   make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. Calling it again has no effect.
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		go e.run()
	})
}

// Post queues fn for execution.
func (e *Executor) Post(fn func()) error {
	if !e.tasks.Push(fn) {
		return ErrStopped
	}
	return nil
}

// Stop refuses new work, runs what is already queued, and waits for the
// dispatch goroutine to exit. It must not be called from a posted func.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.tasks.Close()
		e.startOnce.Do(func() { close(e.done) })
	})
	<-e.done
}

// Done is closed once the dispatch goroutine has exited.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		fn, ok := e.tasks.Pop()
		if !ok {
			return
		}
		e.invoke(fn)
	}
}

func (e *Executor) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("dispatch task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
