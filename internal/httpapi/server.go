package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"guildpulse/internal/analytics"
	"guildpulse/internal/leaderboard"
	"guildpulse/internal/metrics"
	"guildpulse/internal/ratelimit"
)

const apiResource = "api"

type Limiter interface {
	Check(ctx context.Context, resource string) ratelimit.Decision
}

type Server struct {
	engine  *analytics.Engine
	builder *leaderboard.Builder
	limiter Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
	started time.Time
}

func New(engine *analytics.Engine, builder *leaderboard.Builder, limiter Limiter, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:  engine,
		builder: builder,
		limiter: limiter,
		metrics: m,
		logger:  logger,
		started: time.Now(),
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimit)
	api.HandleFunc("/guilds/{guildID}/stats/{type}", s.stats).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{guildID}/leaderboard/{category}", s.leaderboard).Methods(http.MethodGet)
	api.HandleFunc("/guilds/{guildID}/daily", s.daily).Methods(http.MethodGet)
	return router
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			decision := s.limiter.Check(r.Context(), apiResource)
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

type statsResponse struct {
	GuildID   string              `json:"guild_id"`
	Type      string              `json:"type"`
	Title     string              `json:"title"`
	Timeframe string              `json:"timeframe"`
	Since     time.Time           `json:"since"`
	Fields    []analytics.Field   `json:"fields"`
	TopTitle  string              `json:"top_title,omitempty"`
	Top       []analytics.TopItem `json:"top,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	query, err := analytics.ParseQuery(vars["type"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tf := s.engine.Resolve(r.URL.Query().Get("timeframe"))

	res, err := s.engine.GetStats(r.Context(), vars["guildID"], query, tf)
	if err != nil {
		s.logger.Warn("stats request failed", zap.String("guild_id", vars["guildID"]), zap.String("type", query.Name()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		GuildID:   vars["guildID"],
		Type:      res.Type,
		Title:     res.Title,
		Timeframe: string(res.Timeframe),
		Since:     res.Since,
		Fields:    res.Fields,
		TopTitle:  res.TopTitle,
		Top:       res.Top,
	})
}

type leaderboardResponse struct {
	GuildID   string              `json:"guild_id"`
	Category  string              `json:"category"`
	Timeframe string              `json:"timeframe"`
	Entries   []leaderboard.Entry `json:"entries"`
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	category, err := leaderboard.ParseCategory(vars["category"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := leaderboard.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 50 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 50")
			return
		}
		limit = n
	}
	tf := s.engine.Resolve(r.URL.Query().Get("timeframe"))

	entries, err := s.builder.Build(r.Context(), vars["guildID"], category, tf, limit)
	if err != nil {
		s.logger.Warn("leaderboard request failed", zap.String("guild_id", vars["guildID"]), zap.String("category", string(category)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "leaderboard unavailable")
		return
	}
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{
		GuildID:   vars["guildID"],
		Category:  string(category),
		Timeframe: string(tf),
		Entries:   entries,
	})
}

type dayResponse struct {
	Date         string           `json:"date"`
	Messages     int64            `json:"messages"`
	Commands     int64            `json:"commands"`
	Errors       int64            `json:"errors"`
	VoiceSeconds int64            `json:"voice_seconds"`
	Counters     map[string]int64 `json:"counters"`
}

type dailyResponse struct {
	GuildID   string        `json:"guild_id"`
	Timeframe string        `json:"timeframe"`
	Days      []dayResponse `json:"days"`
}

func (s *Server) daily(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guildID"]
	tf := s.engine.Resolve(r.URL.Query().Get("timeframe"))

	days, err := s.engine.DailyStats(r.Context(), guildID, tf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "daily stats unavailable")
		return
	}
	out := dailyResponse{GuildID: guildID, Timeframe: string(tf), Days: make([]dayResponse, 0, len(days))}
	for _, day := range days {
		out.Days = append(out.Days, dayResponse{
			Date:         day.Date,
			Messages:     day.Messages,
			Commands:     day.Commands,
			Errors:       day.Errors,
			VoiceSeconds: day.VoiceSeconds,
			Counters:     day.Counters,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListenAndServe blocks until ctx is done, then shuts the server down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
