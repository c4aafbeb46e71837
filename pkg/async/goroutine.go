package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/storyloom/storyloom/pkg/observability"
)

// SafeGo executes fn in a goroutine with:
// - a timeout derived from parentCtx
// - panic recovery
// - error logging on the context logger
//
// Use it instead of a bare `go func()` for fire-and-forget work.
//
// Example:
//
//	SafeGo(r.Context(), 5*time.Second, "notify", func(ctx context.Context) error {
//	    return notifier.Send(ctx, event)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go run(parentCtx, timeout, taskName, fn)
}

func run(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	logger := observability.FromContext(ctx).WithField("task", taskName)
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", fmt.Sprint(r)).
				WithField("stack", string(debug.Stack())).
				Error("Background task panicked")
		}
	}()

	if err := fn(ctx); err != nil {
		logger.WithError(err).Warn("Background task failed")
	}
}

// Tracker runs SafeGo tasks and remembers them, so an owner can drain
// in-flight work before shutting down.
type Tracker struct {
	taskName string
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewTracker creates a tracker whose tasks each get timeout to finish
func NewTracker(taskName string, timeout time.Duration) *Tracker {
	return &Tracker{taskName: taskName, timeout: timeout}
}

// Go starts fn in the background
func (t *Tracker) Go(ctx context.Context, fn func(context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		run(ctx, t.timeout, t.taskName, fn)
	}()
}

// Wait blocks until every started task has returned
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// WaitTimeout is Wait bounded by d. It reports whether all tasks finished.
func (t *Tracker) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
