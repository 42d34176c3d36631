package dashboard

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

func newCron(logger *zap.Logger) *cron.Cron {
	cl := cronLogger{logger: logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// AddJob registers a background job on the scheduler's cron. Overlapping runs
// of the same job are skipped.
func (s *Scheduler) AddJob(name, spec string, fn func(ctx context.Context) error) error {
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(context.Background()); err != nil {
			s.logger.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Start schedules dashboard ticks, starts the cron and runs one tick right away.
func (s *Scheduler) Start() error {
	id, err := s.cron.AddFunc(s.opts.Schedule, func() { s.Tick(context.Background()) })
	if err != nil {
		return fmt.Errorf("schedule dashboard: %w", err)
	}
	s.tickID = id
	s.cron.Start()
	go s.cron.Entry(id).WrappedJob.Run()
	s.logger.Info("dashboard scheduler started", zap.String("schedule", s.opts.Schedule), zap.Int("sections", len(s.sections)))
	return nil
}

// Stop halts new runs and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("dashboard scheduler stop timed out")
	}
}
