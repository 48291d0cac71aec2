// Package executor runs background jobs one after the other on a single
// worker goroutine.
package executor

import (
	"context"
	"fmt"

	"github.com/MeneDev/scard-reader-service/internal/syncutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrShutdown = errors.New("executor is shut down")

// Task is a submitted job. Cancelling a task that has not started yet
// prevents it from running; a running task only sees its context cancelled.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc
	fn     func(ctx context.Context)
	done   chan struct{}
}

func (t *Task) Cancel() {
	t.cancel()
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Task) IsCancelled() bool {
	return t.ctx.Err() != nil
}

type Executor struct {
	name string

	mu       syncutil.Mutex
	queue    []*Task
	running  *Task
	shutdown bool

	wake   chan struct{}
	quit   chan struct{}
	exited chan struct{}
}

func New(name string) *Executor {
	e := &Executor{
		name:   name,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	go e.work()

	return e
}

func (e *Executor) Submit(fn func(ctx context.Context)) (*Task, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{ctx: ctx, cancel: cancel, fn: fn, done: make(chan struct{})}

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		cancel()
		return nil, errors.Wrap(ErrShutdown, e.name)
	}
	e.queue = append(e.queue, t)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	return t, nil
}

// Shutdown rejects further submissions, cancels pending and running tasks and
// blocks until the worker exits. It must not be called from inside a task.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if !e.shutdown {
		e.shutdown = true
		for _, t := range e.queue {
			t.cancel()
		}
		if e.running != nil {
			e.running.cancel()
		}
		close(e.quit)
	}
	e.mu.Unlock()

	<-e.exited
}

func (e *Executor) IsShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

func (e *Executor) work() {
	defer close(e.exited)

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			shutdown := e.shutdown
			e.mu.Unlock()
			if shutdown {
				return
			}
			select {
			case <-e.wake:
			case <-e.quit:
			}
			continue
		}
		t := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.running = t
		e.mu.Unlock()

		e.run(t)

		e.mu.Lock()
		e.running = nil
		e.mu.Unlock()
	}
}

func (e *Executor) run(t *Task) {
	defer close(t.done)
	defer t.cancel()

	if t.ctx.Err() != nil {
		log.Debug().Str("executor", e.name).Msg("skipping cancelled task")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			evt := log.Error().Str("executor", e.name)
			switch v := r.(type) {
			case error:
				evt.Err(v)
			default:
				evt.Str("error", fmt.Sprintf("%v", v))
			}
			evt.Msg("task panicked")
		}
	}()

	t.fn(t.ctx)
}
