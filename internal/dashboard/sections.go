package dashboard

import (
	"context"
	"fmt"
	"strings"

	"guildpulse/internal/analytics"
	"guildpulse/internal/leaderboard"
)

// Content is platform-neutral message content. The bot turns it into an embed.
type Content struct {
	Title       string
	Description string
	Fields      []Field
	Color       int
	Footer      string
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Section produces the content of one dashboard message.
type Section interface {
	Name() string
	Build(ctx context.Context, guildID string) (Content, error)
}

type StatsSection struct {
	engine    *analytics.Engine
	query     analytics.Query
	timeframe analytics.Timeframe
	color     int
}

func NewStatsSection(engine *analytics.Engine, query analytics.Query, tf analytics.Timeframe, color int) *StatsSection {
	return &StatsSection{engine: engine, query: query, timeframe: tf, color: color}
}

func (s *StatsSection) Name() string { return s.query.Name() }

// Build fails on a store error instead of rendering zeroed defaults, so the
// previous message stays up.
func (s *StatsSection) Build(ctx context.Context, guildID string) (Content, error) {
	res, err := s.engine.GetStats(ctx, guildID, s.query, s.timeframe)
	if err != nil {
		return Content{}, err
	}
	return StatsContent(res, s.color), nil
}

// StatsContent converts an aggregation result into message content.
func StatsContent(res analytics.Result, color int) Content {
	content := Content{
		Title:  res.Title,
		Color:  color,
		Footer: res.Timeframe.Label(),
	}
	for _, f := range res.Fields {
		content.Fields = append(content.Fields, Field{Name: f.Name, Value: f.Value, Inline: true})
	}
	if res.TopTitle != "" {
		lines := make([]string, 0, len(res.Top))
		for i, item := range res.Top {
			lines = append(lines, fmt.Sprintf("%d. %s - %s", i+1, item.Name, item.Value))
		}
		value := strings.Join(lines, "\n")
		if value == "" {
			value = "No data yet."
		}
		content.Fields = append(content.Fields, Field{Name: res.TopTitle, Value: value})
	}
	return content
}

type LeaderboardSection struct {
	builder   *leaderboard.Builder
	category  leaderboard.Category
	timeframe analytics.Timeframe
	limit     int
	color     int
}

func NewLeaderboardSection(builder *leaderboard.Builder, category leaderboard.Category, tf analytics.Timeframe, limit int, color int) *LeaderboardSection {
	return &LeaderboardSection{builder: builder, category: category, timeframe: tf, limit: limit, color: color}
}

func (s *LeaderboardSection) Name() string { return "leaderboard:" + string(s.category) }

func (s *LeaderboardSection) Build(ctx context.Context, guildID string) (Content, error) {
	entries, err := s.builder.Build(ctx, guildID, s.category, s.timeframe, s.limit)
	if err != nil {
		return Content{}, err
	}
	return Content{
		Title:       s.category.Title(),
		Description: leaderboard.Render(entries),
		Color:       s.color,
		Footer:      s.timeframe.Label(),
	}, nil
}

// SectionsFromNames expands configured section names. "leaderboard" alone
// means the XP board; "leaderboard:<category>" picks another.
func SectionsFromNames(names []string, engine *analytics.Engine, builder *leaderboard.Builder, tf analytics.Timeframe, color int) ([]Section, error) {
	sections := make([]Section, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		var section Section
		if category, ok := strings.CutPrefix(name, "leaderboard"); ok {
			category = strings.TrimPrefix(category, ":")
			if category == "" {
				category = string(leaderboard.XP)
			}
			c, err := leaderboard.ParseCategory(category)
			if err != nil {
				return nil, err
			}
			section = NewLeaderboardSection(builder, c, tf, leaderboard.DefaultLimit, color)
		} else {
			q, err := analytics.ParseQuery(name)
			if err != nil {
				return nil, err
			}
			section = NewStatsSection(engine, q, tf, color)
		}
		if _, dup := seen[section.Name()]; dup {
			continue
		}
		seen[section.Name()] = struct{}{}
		sections = append(sections, section)
	}
	return sections, nil
}
