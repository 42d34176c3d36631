package leaderboard

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"guildpulse/internal/analytics"
	"guildpulse/internal/storage"
)

const DefaultLimit = 10

type Category string

const (
	XP       Category = "xp"
	Voice    Category = "voice"
	Messages Category = "messages"
	Gaming   Category = "gaming"
)

func Categories() []Category {
	return []Category{XP, Voice, Messages, Gaming}
}

func ParseCategory(value string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(value))); c {
	case XP, Voice, Messages, Gaming:
		return c, nil
	default:
		return "", fmt.Errorf("unknown leaderboard category %q", value)
	}
}

func (c Category) Title() string {
	switch c {
	case XP:
		return "XP Leaderboard"
	case Voice:
		return "Voice Leaderboard"
	case Messages:
		return "Message Leaderboard"
	case Gaming:
		return "Gaming Leaderboard"
	default:
		return "Leaderboard"
	}
}

func (c Category) source() (storage.RecordKind, storage.OrderBy) {
	switch c {
	case Voice:
		return storage.KindVoiceSession, storage.OrderByTotal
	case Messages:
		return storage.KindMessage, storage.OrderByCount
	case Gaming:
		return storage.KindGameSession, storage.OrderByTotal
	default:
		return storage.KindMessage, storage.OrderByTotal
	}
}

type Score struct {
	SubjectID string
	Value     int64
}

type Entry struct {
	Rank      int    `json:"rank"`
	SubjectID string `json:"subject_id"`
	Score     int64  `json:"score"`
	Display   string `json:"display"`
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Builder struct {
	store  storage.Store
	logger *zap.Logger
	clock  Clock
}

func NewBuilder(store storage.Store, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: store, logger: logger, clock: realClock{}}
}

func (b *Builder) WithClock(clock Clock) {
	b.clock = clock
}

func (b *Builder) Build(ctx context.Context, guildID string, category Category, tf analytics.Timeframe, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	kind, order := category.source()
	since := analytics.TimeframeStart(b.clock.Now(), tf)

	totals, err := b.store.TopUsers(ctx, guildID, kind, since, order, limit)
	if err != nil {
		b.logger.Warn("leaderboard query failed",
			zap.String("guild_id", guildID),
			zap.String("op", "leaderboard:"+string(category)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s leaderboard: %w", category, err)
	}

	scores := make([]Score, 0, len(totals))
	for _, t := range totals {
		value := t.Total
		if order == storage.OrderByCount {
			value = t.Count
		}
		if value <= 0 {
			continue
		}
		scores = append(scores, Score{SubjectID: t.UserID, Value: value})
	}
	return Rank(category, scores, limit), nil
}

// Rank orders by score descending, then subject ascending, and keeps at most
// limit entries.
func Rank(category Category, scores []Score, limit int) []Entry {
	sorted := make([]Score, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Value != sorted[j].Value {
			return sorted[i].Value > sorted[j].Value
		}
		return sorted[i].SubjectID < sorted[j].SubjectID
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	entries := make([]Entry, 0, len(sorted))
	for i, s := range sorted {
		entries = append(entries, Entry{
			Rank:      i + 1,
			SubjectID: s.SubjectID,
			Score:     s.Value,
			Display:   Format(category, s.Value),
		})
	}
	return entries
}

// Format renders a raw score for display. Voice and gaming scores are seconds.
func Format(category Category, score int64) string {
	switch category {
	case XP:
		return fmt.Sprintf("%s XP (Lvl %d)", analytics.FormatCount(score), LevelForXP(score))
	case Voice, Gaming:
		return analytics.FormatMinutes(score / 60)
	default:
		return analytics.FormatCount(score)
	}
}

func LevelForXP(xp int64) int {
	if xp <= 0 {
		return 0
	}
	return int(math.Floor(math.Sqrt(float64(xp) / 100)))
}

// Render produces one medal-prefixed line per entry.
func Render(entries []Entry) string {
	if len(entries) == 0 {
		return "No activity yet."
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s <@%s> - %s", medal(e.Rank), e.SubjectID, e.Display))
	}
	return strings.Join(lines, "\n")
}

func medal(rank int) string {
	switch rank {
	case 1:
		return "🥇"
	case 2:
		return "🥈"
	case 3:
		return "🥉"
	default:
		return fmt.Sprintf("%d.", rank)
	}
}
