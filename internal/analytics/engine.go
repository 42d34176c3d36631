package analytics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guildpulse/internal/metrics"
	"guildpulse/internal/storage"
)

const defaultQueryTimeout = 10 * time.Second

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type TopItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Score int64  `json:"score"`
}

// Result is display-ready: field names are shown verbatim.
type Result struct {
	Title     string
	Type      string
	Timeframe Timeframe
	Since     time.Time
	Fields    []Field
	TopTitle  string
	Top       []TopItem
}

func (r Result) Value(name string) string {
	for _, field := range r.Fields {
		if field.Name == name {
			return field.Value
		}
	}
	return ""
}

type Engine struct {
	store     storage.Store
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     Clock
	timeout   time.Duration
	defaultTF Timeframe
}

func NewEngine(store storage.Store, queryTimeout time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Engine{
		store:     store,
		logger:    logger,
		clock:     realClock{},
		timeout:   queryTimeout,
		defaultTF: Week,
	}
}

func (e *Engine) WithClock(clock Clock) {
	e.clock = clock
}

func (e *Engine) WithMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// WithDefaultTimeframe sets what Resolve returns for empty input.
func (e *Engine) WithDefaultTimeframe(tf string) {
	e.defaultTF = ParseTimeframe(tf)
}

func (e *Engine) Resolve(value string) Timeframe {
	if value == "" {
		return e.defaultTF
	}
	return ParseTimeframe(value)
}

func (e *Engine) TimeframeStart(value string) time.Time {
	return TimeframeStart(e.clock.Now(), e.Resolve(value))
}

// GetStats answers one query. On a store failure the result still carries
// every field with zeroed values alongside the error.
func (e *Engine) GetStats(ctx context.Context, guildID string, q Query, tf Timeframe) (Result, error) {
	if q == nil {
		q = Overview
	}
	started := time.Now()
	since := TimeframeStart(e.clock.Now(), tf)

	res, err := q.build(ctx, e, guildID, since)
	res.Type = q.Name()
	res.Title = q.Title()
	res.Timeframe = tf
	res.Since = since

	e.metrics.Query(q.Name(), started, err)
	if err != nil {
		e.logger.Warn("stats query failed",
			zap.String("guild_id", guildID),
			zap.String("op", q.Name()),
			zap.String("timeframe", string(tf)),
			zap.Error(err),
		)
		return res, fmt.Errorf("%s stats: %w", q.Name(), err)
	}
	return res, nil
}

// step runs one store call under the per-query timeout.
func (e *Engine) step(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return fn(ctx)
}

// collect runs steps in order and stops at the first failure.
func (e *Engine) collect(ctx context.Context, steps ...func(context.Context) error) error {
	for _, fn := range steps {
		if err := e.step(ctx, fn); err != nil {
			return err
		}
	}
	return nil
}

// AuditReport counts audit entries by level.
type AuditReport struct {
	Total   int
	ByLevel map[string]int
}

func (e *Engine) AuditReport(ctx context.Context, guildID string, since time.Time) (AuditReport, error) {
	report := AuditReport{ByLevel: make(map[string]int)}
	err := e.step(ctx, func(ctx context.Context) error {
		logs, err := e.store.ListAuditLogs(ctx, guildID, since)
		if err != nil {
			return err
		}
		for _, log := range logs {
			report.Total++
			report.ByLevel[log.Level]++
		}
		return nil
	})
	if err != nil {
		return AuditReport{ByLevel: map[string]int{}}, err
	}
	return report, nil
}

type UserStats struct {
	UserID       string
	Messages     int64
	XP           int64
	VoiceSeconds int64
	Commands     int64
	GameSeconds  int64
}

func (e *Engine) UserStats(ctx context.Context, guildID, userID string, tf Timeframe) (UserStats, error) {
	since := TimeframeStart(e.clock.Now(), tf)
	stats := UserStats{UserID: userID}
	var messages, voice, commands, games storage.ActivitySummary

	err := e.collect(ctx,
		func(ctx context.Context) (err error) {
			messages, err = e.store.SummarizeUser(ctx, guildID, userID, storage.KindMessage, since)
			return err
		},
		func(ctx context.Context) (err error) {
			voice, err = e.store.SummarizeUser(ctx, guildID, userID, storage.KindVoiceSession, since)
			return err
		},
		func(ctx context.Context) (err error) {
			commands, err = e.store.SummarizeUser(ctx, guildID, userID, storage.KindCommand, since)
			return err
		},
		func(ctx context.Context) (err error) {
			games, err = e.store.SummarizeUser(ctx, guildID, userID, storage.KindGameSession, since)
			return err
		},
	)
	if err != nil {
		e.logger.Warn("user stats failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return stats, err
	}
	stats.Messages = messages.Count
	stats.XP = messages.Total
	stats.VoiceSeconds = voice.Total
	stats.Commands = commands.Count
	stats.GameSeconds = games.Total
	return stats, nil
}

// DailyStats returns the day snapshots for the last tf.Days() UTC calendar
// days, today included. Days without activity are omitted.
func (e *Engine) DailyStats(ctx context.Context, guildID string, tf Timeframe) ([]storage.GuildStats, error) {
	today := e.clock.Now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, 1-tf.Days())

	var days []storage.GuildStats
	err := e.step(ctx, func(ctx context.Context) (err error) {
		days, err = e.store.GuildStatsSince(ctx, guildID, since)
		return err
	})
	if err != nil {
		e.logger.Warn("daily stats failed", zap.String("guild_id", guildID), zap.String("timeframe", string(tf)), zap.Error(err))
		return nil, err
	}
	return days, nil
}
