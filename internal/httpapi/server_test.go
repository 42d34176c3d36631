package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guildpulse/internal/analytics"
	"guildpulse/internal/config"
	"guildpulse/internal/leaderboard"
	"guildpulse/internal/metrics"
	"guildpulse/internal/ratelimit"
	"guildpulse/internal/storage"
)

func newServer(t *testing.T, apiMax int) (*Server, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	limiter := ratelimit.NewLimiter(map[string]config.RateLimit{
		apiResource: {Max: apiMax, WindowSeconds: 60},
	}, config.RateLimit{}, zap.NewNop())
	m := metrics.New(prometheus.NewRegistry())
	limiter.WithMetrics(m)
	engine := analytics.NewEngine(store, time.Second, zap.NewNop())
	builder := leaderboard.NewBuilder(store, zap.NewNop())
	return New(engine, builder, limiter, m, zap.NewNop()), store
}

func do(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestHealthIsNotRateLimited(t *testing.T) {
	s, _ := newServer(t, 1)
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(t, s, "/health").Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, store := newServer(t, 10)
	ctx := context.Background()
	now := time.Now()
	for _, user := range []string{"u1", "u1", "u2"} {
		require.NoError(t, store.AppendActivity(ctx, storage.ActivityRecord{Kind: storage.KindMessage, GuildID: "g1", UserID: user, CreatedAt: now, Value: 10}))
	}

	w := do(t, s, "/api/guilds/g1/stats/messages?timeframe=1d")
	require.Equal(t, http.StatusOK, w.Code)

	var body statsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "messages", body.Type)
	assert.Equal(t, "1d", body.Timeframe)
	res := analytics.Result{Fields: body.Fields}
	assert.Equal(t, "3", res.Value("Total Messages"))
	assert.Equal(t, "2", res.Value("Active Members"))
}

func TestStatsUnknownTypeAndTimeframe(t *testing.T) {
	s, _ := newServer(t, 10)

	assert.Equal(t, http.StatusBadRequest, do(t, s, "/api/guilds/g1/stats/bogus").Code)

	w := do(t, s, "/api/guilds/g1/stats/overview?timeframe=forever")
	require.Equal(t, http.StatusOK, w.Code)
	var body statsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "7d", body.Timeframe)
}

func TestLeaderboardEndpoint(t *testing.T) {
	s, store := newServer(t, 10)
	ctx := context.Background()
	now := time.Now()
	add := func(user string, seconds int64) {
		require.NoError(t, store.AppendActivity(ctx, storage.ActivityRecord{Kind: storage.KindVoiceSession, GuildID: "g1", UserID: user, CreatedAt: now, Value: seconds}))
	}
	add("u1", 600)
	add("u2", 3600)

	w := do(t, s, "/api/guilds/g1/leaderboard/voice?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	var body leaderboardResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Entries, 2)
	assert.Equal(t, "u2", body.Entries[0].SubjectID)
	assert.Equal(t, 1, body.Entries[0].Rank)

	assert.Equal(t, http.StatusBadRequest, do(t, s, "/api/guilds/g1/leaderboard/voice?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, "/api/guilds/g1/leaderboard/karma").Code)
}

func TestDailyEndpoint(t *testing.T) {
	s, store := newServer(t, 10)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.IncrementGuildStats(ctx, "g1", now, storage.StatsDelta{Messages: 4, VoiceSeconds: 90}))
	require.NoError(t, store.IncrementGuildStats(ctx, "g1", now.AddDate(0, 0, -3), storage.StatsDelta{Messages: 2}))

	w := do(t, s, "/api/guilds/g1/daily?timeframe=1d")
	require.Equal(t, http.StatusOK, w.Code)
	var body dailyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Days, 1)
	assert.Equal(t, storage.DayKey(now), body.Days[0].Date)
	assert.Equal(t, int64(90), body.Days[0].VoiceSeconds)

	w = do(t, s, "/api/guilds/g1/daily?timeframe=7d")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Len(t, body.Days, 2)
}

func TestAPIRateLimit(t *testing.T) {
	s, _ := newServer(t, 2)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(t, s, "/api/guilds/g1/leaderboard/xp").Code)
	}
	w := do(t, s, "/api/guilds/g1/leaderboard/xp")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newServer(t, 10)
	do(t, s, "/api/guilds/g1/stats/overview")
	w := do(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "guildpulse_ratelimit_decisions_total")
}
