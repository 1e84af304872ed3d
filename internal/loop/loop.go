package loop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Loop is the single-writer task loop.
//
// Thread-safety model:
//   - Post(), Go(), Stop(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Drain(): only when Run is not running (tests, manual stepping)
//
// Every task posted to the loop runs to completion before the next one
// starts. Tasks must never block; blocking work goes through Go.
type Loop struct {
	queue *taskQueue
	spawn func(func())
}

// Option configures a Loop.
type Option func(*Loop)

// WithSpawner replaces the function used to run out-of-line work.
//
// Default: go fn()
// Tests pass an inline spawner (func(fn func()) { fn() }) so that I/O
// completes synchronously and only its continuation is queued.
func WithSpawner(spawn func(func())) Option {
	return func(l *Loop) {
		l.spawn = spawn
	}
}

// Inline is a spawner that runs work on the calling goroutine.
func Inline(fn func()) { fn() }

// New creates a Loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		queue: newTaskQueue(),
		spawn: func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post submits a task for execution on the loop.
// Returns false if the loop has been stopped.
func (l *Loop) Post(task func()) bool {
	return l.queue.Enqueue(task)
}

// Go runs work out-of-line and posts the continuation it returns back onto
// the loop. A nil continuation is ignored.
//
// work must not touch loop-confined state; the continuation may.
func (l *Loop) Go(work func() func()) {
	l.spawn(func() {
		var next func()
		func() {
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("out-of-line work panicked: %v", r)
					slog.Error("loop work failed", "error", err, "stack", string(debug.Stack()))
				}
			}()
			next = work()
		}()
		if next == nil {
			return
		}
		if !l.Post(next) {
			slog.Debug("loop stopped, dropping continuation")
		}
	})
}

// Run executes tasks until the context is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// A panicking task is logged and the loop continues; failures never escape
// the loop.
func (l *Loop) Run(ctx context.Context) error {
	slog.Debug("loop starting")

	for {
		if task, ok := l.queue.TryDequeue(); ok {
			l.runTask(task)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("loop stopping: context cancelled")
			l.queue.Close()
			return ctx.Err()

		case <-l.queue.Wait():
			// The signal channel closes when the queue is closed
			if l.queue.Closed() && l.queue.Len() == 0 {
				slog.Debug("loop stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain runs queued tasks on the calling goroutine until the queue is empty,
// including tasks posted by the tasks themselves. Returns the number of
// tasks run.
func (l *Loop) Drain() int {
	n := 0
	for {
		task, ok := l.queue.TryDequeue()
		if !ok {
			return n
		}
		l.runTask(task)
		n++
	}
}

// Stop closes the queue. Run returns once the remaining tasks have run.
func (l *Loop) Stop() {
	l.queue.Close()
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	return l.queue.Closed()
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	return l.queue.Len()
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
