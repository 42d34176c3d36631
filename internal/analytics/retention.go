package analytics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"guildpulse/internal/metrics"
	"guildpulse/internal/storage"
)

const purgeBatch = 1000

// Sweeper deletes data older than the retention horizon. Each pass removes a
// bounded batch, so an interrupted sweep simply resumes on the next run.
type Sweeper struct {
	store     storage.Store
	retention time.Duration
	batch     int
	clock     Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewSweeper(store storage.Store, retentionDays int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Sweeper{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		batch:     purgeBatch,
		clock:     realClock{},
		logger:    logger,
	}
}

func (s *Sweeper) WithClock(clock Clock) {
	s.clock = clock
}

func (s *Sweeper) WithMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Sweeper) WithBatch(batch int) {
	if batch > 0 {
		s.batch = batch
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.retention)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.store.PurgeBefore(ctx, cutoff, s.batch)
		total += n
		s.metrics.Purged(n)
		if err != nil {
			s.logger.Warn("retention sweep interrupted", zap.Int64("purged", total), zap.Error(err))
			return total, err
		}
		if n == 0 {
			break
		}
	}
	if total > 0 {
		s.logger.Info("retention sweep complete", zap.Int64("purged", total), zap.Time("cutoff", cutoff))
	}
	return total, nil
}
