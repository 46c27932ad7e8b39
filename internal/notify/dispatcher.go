package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one post-commit side effect: a customer notification, an admin
// broadcast, a milestone check. Tasks run after the owning transaction has
// committed and can never affect its outcome.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher executes post-commit tasks on a detached, deadline-bounded
// context. Failures and panics are logged and isolated; nothing propagates
// back to the caller.
type Dispatcher struct {
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. timeout bounds each task run.
func NewDispatcher(logger *slog.Logger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:  logger,
		timeout: timeout,
	}
}

// Dispatch fires the given tasks without awaiting their completion. The
// request context's cancellation is deliberately dropped so an HTTP response
// being written does not abort the side effects; its values (trace, request
// id) are kept.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks ...Task) {
	detached := context.WithoutCancel(ctx)

	for _, task := range tasks {
		d.wg.Add(1)
		go func(t Task) {
			defer d.wg.Done()

			runCtx, cancel := context.WithTimeout(detached, d.timeout)
			defer cancel()

			defer func() {
				if r := recover(); r != nil {
					d.logger.ErrorContext(runCtx, "side-effect task panicked",
						slog.String("task", t.Name),
						slog.Any("panic", r),
					)
				}
			}()

			if err := t.Run(runCtx); err != nil {
				d.logger.ErrorContext(runCtx, "side-effect task failed",
					slog.String("task", t.Name),
					slog.String("error", err.Error()),
				)
				return
			}

			d.logger.DebugContext(runCtx, "side-effect task completed",
				slog.String("task", t.Name),
			)
		}(task)
	}
}

// Wait blocks until all dispatched tasks have finished. Used on shutdown and
// in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
