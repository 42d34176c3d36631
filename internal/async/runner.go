package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner launches fire-and-forget work with a timeout and panic recovery.
// Wait blocks until every launched task has returned.
type Runner struct {
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// Go runs fn on its own goroutine. The task context is detached from ctx's
// cancellation so callers returning early do not abort it; it still carries
// ctx's values and is bounded by timeout.
func (r *Runner) Go(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		if err := r.run(taskCtx, fn); err != nil {
			r.logger.Warn("async task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

func (r *Runner) run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (r *Runner) Wait() {
	r.wg.Wait()
}
