package leaderboard

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guildpulse/internal/analytics"
	"guildpulse/internal/storage"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

func TestRankBreaksTiesBySubject(t *testing.T) {
	scores := []Score{{"u3", 50}, {"u1", 50}, {"u2", 80}, {"u0", 10}}

	first := Rank(Messages, scores, 10)
	second := Rank(Messages, []Score{scores[3], scores[1], scores[0], scores[2]}, 10)

	want := []string{"u2", "u1", "u3", "u0"}
	require.Len(t, first, 4)
	for i, id := range want {
		assert.Equal(t, id, first[i].SubjectID)
		assert.Equal(t, i+1, first[i].Rank)
	}
	assert.Equal(t, first, second)
}

func TestRankLimitAndNoPadding(t *testing.T) {
	scores := []Score{{"a", 3}, {"b", 2}, {"c", 1}}
	assert.Len(t, Rank(XP, scores, 2), 2)
	assert.Len(t, Rank(XP, scores, 10), 3)
	assert.Empty(t, Rank(XP, nil, 10))
}

func TestRankDoesNotMutateInput(t *testing.T) {
	scores := []Score{{"b", 1}, {"a", 2}}
	Rank(XP, scores, 10)
	assert.Equal(t, "b", scores[0].SubjectID)
}

func TestFormat(t *testing.T) {
	tests := []struct {
		category Category
		score    int64
		want     string
	}{
		{XP, 1234, "1,234 XP (Lvl 3)"},
		{XP, 0, "0 XP (Lvl 0)"},
		{Voice, 3*3600 + 25*60 + 30, "3h 25m"},
		{Gaming, 59, "0h 0m"},
		{Messages, 1500, "1,500"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.category, tt.score), "%s %d", tt.category, tt.score)
	}
}

func TestLevelForXP(t *testing.T) {
	assert.Equal(t, 0, LevelForXP(99))
	assert.Equal(t, 1, LevelForXP(100))
	assert.Equal(t, 2, LevelForXP(400))
	assert.Equal(t, 10, LevelForXP(10_000))
}

func TestRender(t *testing.T) {
	entries := Rank(Messages, []Score{{"a", 4}, {"b", 3}, {"c", 2}, {"d", 1}}, 10)
	lines := strings.Split(Render(entries), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "🥇 <@a> - 4", lines[0])
	assert.Equal(t, "4. <@d> - 1", lines[3])
	assert.Equal(t, "No activity yet.", Render(nil))
}

func TestBuildFromStore(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	add := func(user string, xp int64, at time.Time) {
		_ = store.AppendActivity(ctx, storage.ActivityRecord{Kind: storage.KindMessage, GuildID: "g1", UserID: user, CreatedAt: at, Value: xp})
	}
	add("u2", 15, now.Add(-time.Hour))
	add("u1", 15, now.Add(-time.Hour))
	add("u1", 0, now.Add(-time.Hour))
	add("u3", 0, now.Add(-time.Hour))
	add("u4", 500, now.Add(-10*24*time.Hour))

	builder := NewBuilder(store, zap.NewNop())
	builder.WithClock(fakeClock{now: now})

	xp, err := builder.Build(ctx, "g1", XP, analytics.Week, 0)
	require.NoError(t, err)
	require.Len(t, xp, 2)
	assert.Equal(t, "u1", xp[0].SubjectID)
	assert.Equal(t, "u2", xp[1].SubjectID)

	messages, err := builder.Build(ctx, "g1", Messages, analytics.Week, 1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "u1", messages[0].SubjectID)
	assert.Equal(t, "2", messages[0].Display)

	month, err := builder.Build(ctx, "g1", XP, analytics.Month, 10)
	require.NoError(t, err)
	assert.Equal(t, "u4", month[0].SubjectID)
}

func TestParseCategory(t *testing.T) {
	for _, c := range Categories() {
		got, err := ParseCategory(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCategory("karma")
	assert.Error(t, err)
}
