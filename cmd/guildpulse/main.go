package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"guildpulse/internal/alerting"
	"guildpulse/internal/analytics"
	"guildpulse/internal/async"
	"guildpulse/internal/bot"
	"guildpulse/internal/config"
	"guildpulse/internal/dashboard"
	"guildpulse/internal/external"
	"guildpulse/internal/httpapi"
	"guildpulse/internal/ingest"
	"guildpulse/internal/leaderboard"
	"guildpulse/internal/metrics"
	"guildpulse/internal/ratelimit"
	"guildpulse/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, activity is kept in memory only")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	limiter := ratelimit.NewLimiter(cfg.RateLimits, cfg.DefaultRateLimit, logger)
	limiter.WithMetrics(m)
	if cfg.RedisURL != "" {
		client, err := ratelimit.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, using process-local rate windows", zap.Error(err))
		} else {
			defer client.Close()
			limiter.WithStore(ratelimit.NewRedisStore(client, "guildpulse:rl:"))
		}
	}

	sink := alerting.NewSink(store, logger)
	sink.WithMetrics(m)
	detector := alerting.NewInviteDetector(store, sink, cfg.Invites, logger)

	runner := async.NewRunner(logger)
	hooks := ingest.NewHooks(store, detector, runner, cfg.Leveling, logger)
	hooks.WithMetrics(m)
	hooks.WithJoinObserver(alerting.NewJoinSurgeDetector(sink, cfg.Alerts.JoinSurge, logger))

	queryTimeout := time.Duration(cfg.QueryTimeoutSeconds) * time.Second
	engine := analytics.NewEngine(store, queryTimeout, logger)
	engine.WithMetrics(m)
	engine.WithDefaultTimeframe(cfg.DefaultTimeframe)
	builder := leaderboard.NewBuilder(store, logger)

	botSvc, err := bot.New(cfg, logger, hooks, engine, builder, limiter)
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}
	sink.SetNotifier(botSvc)

	var watcher *external.CommitWatcher
	if cfg.GitHub.Repo != "" {
		client := external.NewClient(
			external.NewHTTPClient(ctx, cfg.GitHub.Token),
			limiter,
			time.Duration(cfg.GitHub.CacheTTLSeconds)*time.Second,
			logger,
		)
		client.WithMetrics(m)
		gh := external.NewGitHub(client, cfg.GitHub)
		botSvc.SetCommitSource(gh)
		if cfg.GitHub.AlertGuildID != "" {
			watcher = external.NewCommitWatcher(gh, sink, cfg.GitHub.AlertGuildID, gh.Repo(), logger)
		}
	}

	tf := analytics.ParseTimeframe(cfg.Dashboard.Timeframe)
	sections, err := dashboard.SectionsFromNames(cfg.Dashboard.Sections, engine, builder, tf, cfg.Alerts.EmbedColors.Low)
	if err != nil {
		logger.Fatal("dashboard sections invalid", zap.Error(err))
	}
	scheduler := dashboard.NewScheduler(store, botSvc, botSvc, sections, dashboard.Options{
		Schedule:    cfg.Dashboard.UpdateInterval,
		Keywords:    cfg.Dashboard.ChannelKeywords,
		TickTimeout: time.Duration(cfg.Dashboard.TickTimeoutSeconds) * time.Second,
	}, logger)
	scheduler.WithMetrics(m)

	sweeper := analytics.NewSweeper(store, cfg.RetentionDays, logger)
	sweeper.WithMetrics(m)
	if err := scheduler.AddJob("retention", cfg.RetentionSchedule, func(ctx context.Context) error {
		_, err := sweeper.Sweep(ctx)
		return err
	}); err != nil {
		logger.Fatal("retention schedule invalid", zap.Error(err))
	}
	if watcher != nil {
		if err := scheduler.AddJob("github", cfg.GitHub.PollSchedule, func(ctx context.Context) error {
			_, err := watcher.Poll(ctx)
			return err
		}); err != nil {
			logger.Fatal("github schedule invalid", zap.Error(err))
		}
	}

	if err := botSvc.Start(); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	logger.Info("bot started")

	if err := scheduler.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetVoiceSessions(hooks.ActiveVoiceSessions())
			}
		}
	}()

	apiDone := make(chan struct{})
	if cfg.Health.Enabled {
		api := httpapi.New(engine, builder, limiter, m, logger)
		go func() {
			defer close(apiDone)
			if err := api.ListenAndServe(ctx, cfg.Health.Addr); err != nil {
				logger.Error("http api error", zap.Error(err))
			}
		}()
	} else {
		close(apiDone)
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scheduler.Stop(shutdownCtx)
	botSvc.Close(shutdownCtx)
	select {
	case <-apiDone:
	case <-shutdownCtx.Done():
	}
}
