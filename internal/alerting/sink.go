package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guildpulse/internal/metrics"
	"guildpulse/internal/storage"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Audit levels persisted with each alert.
const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

// ErrNoChannel is returned by a Notifier when the guild has no alert channel.
var ErrNoChannel = errors.New("alerting: no alert channel")

func ParsePriority(value string) Priority {
	switch Priority(strings.ToLower(value)) {
	case PriorityMedium:
		return PriorityMedium
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityLow
	}
}

func (p Priority) Level() string {
	switch p {
	case PriorityHigh:
		return LevelCrit
	case PriorityMedium:
		return LevelWarn
	default:
		return LevelInfo
	}
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

type Alert struct {
	ID        string
	Type      string
	Priority  Priority
	Title     string
	Content   string
	UserID    string
	Fields    []Field
	CreatedAt time.Time
}

// Notifier delivers an alert to the guild's alert channel. mention is set only
// for high priority alerts.
type Notifier interface {
	Notify(ctx context.Context, guildID string, alert Alert, mention bool) error
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Sink struct {
	store    storage.Store
	logger   *zap.Logger
	notifier Notifier
	metrics  *metrics.Metrics
	clock    Clock
}

func NewSink(store storage.Store, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, logger: logger, clock: realClock{}}
}

func (s *Sink) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

func (s *Sink) WithMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Sink) WithClock(clock Clock) {
	s.clock = clock
}

// Send appends the alert to the audit log and posts it when a channel exists.
// Both steps are attempted; their errors are joined.
func (s *Sink) Send(ctx context.Context, guildID string, alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.clock.Now()
	}
	if alert.Priority == "" {
		alert.Priority = PriorityLow
	}

	var errs []error
	if s.store != nil {
		entry := storage.AuditLog{
			GuildID:   guildID,
			UserID:    alert.UserID,
			Level:     alert.Priority.Level(),
			Event:     alert.Type,
			Details:   auditDetails(alert),
			CreatedAt: alert.CreatedAt,
		}
		if err := s.store.AddAuditLog(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("audit log: %w", err))
		}
	}

	if s.notifier != nil {
		err := s.notifier.Notify(ctx, guildID, alert, alert.Priority == PriorityHigh)
		if err != nil && !errors.Is(err, ErrNoChannel) {
			errs = append(errs, fmt.Errorf("notify: %w", err))
		}
	}

	s.metrics.Alert(alert.Type, string(alert.Priority))
	s.logger.Info("alert",
		zap.String("alert_id", alert.ID),
		zap.String("guild_id", guildID),
		zap.String("user_id", alert.UserID),
		zap.String("type", alert.Type),
		zap.String("priority", string(alert.Priority)),
		zap.String("title", alert.Title),
	)

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("alert delivery incomplete", zap.String("guild_id", guildID), zap.String("type", alert.Type), zap.Error(err))
		return err
	}
	return nil
}

func auditDetails(alert Alert) string {
	var b strings.Builder
	if alert.Title != "" {
		b.WriteString(alert.Title)
	}
	if alert.Content != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(alert.Content)
	}
	for _, field := range alert.Fields {
		b.WriteString(" | ")
		b.WriteString(field.Name)
		b.WriteString("=")
		b.WriteString(field.Value)
	}
	return b.String()
}
