package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRunnerRecoversPanics(t *testing.T) {
	runner := NewRunner(zap.NewNop())
	var ran atomic.Int32

	runner.Go(context.Background(), "panics", time.Second, func(context.Context) error {
		panic("boom")
	})
	runner.Go(context.Background(), "fails", time.Second, func(context.Context) error {
		ran.Add(1)
		return errors.New("nope")
	})
	runner.Go(context.Background(), "works", time.Second, func(context.Context) error {
		ran.Add(1)
		return nil
	})
	runner.Wait()

	if ran.Load() != 2 {
		t.Fatalf("expected 2 completed tasks, got %d", ran.Load())
	}
}

func TestRunnerOutlivesCallerContext(t *testing.T) {
	runner := NewRunner(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	var sawErr atomic.Value

	runner.Go(ctx, "detached", time.Second, func(taskCtx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		if err := taskCtx.Err(); err != nil {
			sawErr.Store(err)
		}
		return nil
	})
	cancel()
	runner.Wait()

	if sawErr.Load() != nil {
		t.Fatalf("task context should survive caller cancellation")
	}
}

func TestRunnerAppliesTimeout(t *testing.T) {
	runner := NewRunner(zap.NewNop())
	done := make(chan error, 1)

	runner.Go(context.Background(), "slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})
	runner.Wait()

	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
