package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DiscordToken        string               `yaml:"discord_token"`
	DatabaseURL         string               `yaml:"database_url"`
	RedisURL            string               `yaml:"redis_url"`
	LogLevel            string               `yaml:"log_level"`
	Mode                string               `yaml:"mode"`
	DefaultTimeframe    string               `yaml:"default_timeframe"`
	RetentionDays       int                  `yaml:"retention_days"`
	RetentionSchedule   string               `yaml:"retention_schedule"`
	QueryTimeoutSeconds int                  `yaml:"query_timeout_seconds"`
	Health              HealthConfig         `yaml:"health"`
	Dashboard           DashboardConfig      `yaml:"dashboard"`
	RateLimits          map[string]RateLimit `yaml:"rate_limits"`
	DefaultRateLimit    RateLimit            `yaml:"default_rate_limit"`
	Invites             InviteThresholds     `yaml:"invites"`
	Alerts              AlertConfig          `yaml:"alerts"`
	Leveling            LevelingConfig       `yaml:"leveling"`
	GitHub              GitHubConfig         `yaml:"github"`
	Welcome             WelcomeConfig        `yaml:"welcome"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type DashboardConfig struct {
	UpdateInterval     string   `yaml:"update_interval"`
	ChannelKeywords    []string `yaml:"channel_keywords"`
	Sections           []string `yaml:"sections"`
	Timeframe          string   `yaml:"timeframe"`
	TickTimeoutSeconds int      `yaml:"tick_timeout_seconds"`
}

type RateLimit struct {
	Max           int `yaml:"max"`
	WindowSeconds int `yaml:"window_seconds"`
}

// InviteThresholds are the suspicious-invite detection knobs. The defaults
// mirror the values the bot has always shipped with.
type InviteThresholds struct {
	WindowHours       int     `yaml:"window_hours"`
	MaxInvites        int     `yaml:"max_invites"`
	DuplicateRatio    float64 `yaml:"duplicate_ratio"`
	DuplicateMinUses  int     `yaml:"duplicate_min_uses"`
	SameAddressMinUse int     `yaml:"same_address_min_uses"`
}

type AlertConfig struct {
	ChannelKeywords []string  `yaml:"channel_keywords"`
	OperatorRole    string    `yaml:"operator_role"`
	EmbedColors     Colors    `yaml:"embed_colors"`
	JoinSurge       JoinSurge `yaml:"join_surge"`
}

// JoinSurge flags Joins or more member joins inside WindowSeconds. Zero Joins
// disables it.
type JoinSurge struct {
	Joins         int `yaml:"joins"`
	WindowSeconds int `yaml:"window_seconds"`
}

type Colors struct {
	Low    int `yaml:"low"`
	Medium int `yaml:"medium"`
	High   int `yaml:"high"`
}

type LevelingConfig struct {
	XPPerMessage    int `yaml:"xp_per_message"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

type GitHubConfig struct {
	Token           string `yaml:"token"`
	Repo            string `yaml:"repo"`
	AlertGuildID    string `yaml:"alert_guild_id"`
	PollSchedule    string `yaml:"poll_schedule"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	BaseURL         string `yaml:"base_url"`
}

// WelcomeConfig is the direct message sent to new members. {server} expands
// to the guild name. An empty message disables the DM.
type WelcomeConfig struct {
	DMMessage string `yaml:"dm_message"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:            "info",
		Mode:                "production",
		DefaultTimeframe:    "7d",
		RetentionDays:       30,
		RetentionSchedule:   "@every 6h",
		QueryTimeoutSeconds: 10,
		Health:              HealthConfig{Enabled: true, Addr: ":8080"},
		Dashboard: DashboardConfig{
			UpdateInterval:     "@every 5m",
			ChannelKeywords:    []string{"dashboard", "stats", "analytics"},
			Sections:           []string{"overview", "messages", "voice", "members", "invites", "leaderboard"},
			Timeframe:          "7d",
			TickTimeoutSeconds: 60,
		},
		RateLimits: map[string]RateLimit{
			"github":      {Max: 60, WindowSeconds: 3600},
			"stats":       {Max: 5, WindowSeconds: 60},
			"leaderboard": {Max: 5, WindowSeconds: 60},
			"api":         {Max: 30, WindowSeconds: 60},
		},
		DefaultRateLimit: RateLimit{Max: 10, WindowSeconds: 60},
		Invites: InviteThresholds{
			WindowHours:       24,
			MaxInvites:        10,
			DuplicateRatio:    0.5,
			DuplicateMinUses:  4,
			SameAddressMinUse: 3,
		},
		Alerts: AlertConfig{
			ChannelKeywords: []string{"alerts", "mod-log", "logs"},
			EmbedColors:     Colors{Low: 0x3B82F6, Medium: 0xF59E0B, High: 0xEF4444},
			JoinSurge:       JoinSurge{Joins: 6, WindowSeconds: 10},
		},
		Leveling: LevelingConfig{XPPerMessage: 15, CooldownSeconds: 60},
		GitHub: GitHubConfig{
			PollSchedule:    "@every 10m",
			CacheTTLSeconds: 300,
			BaseURL:         "https://api.github.com",
		},
		Welcome: WelcomeConfig{
			DMMessage: "Welcome to {server}! Take a look around and say hi.",
		},
	}
}

func Load() (Config, error) {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}

	cfg.Mode = normalizeMode(cfg.Mode)
	cfg.DefaultTimeframe = normalizeTimeframe(cfg.DefaultTimeframe)
	cfg.Dashboard.Timeframe = normalizeTimeframe(cfg.Dashboard.Timeframe)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive, got %d", c.RetentionDays)
	}
	if c.DefaultRateLimit.Max <= 0 || c.DefaultRateLimit.WindowSeconds <= 0 {
		return errors.New("default_rate_limit requires positive max and window_seconds")
	}
	for name, limit := range c.RateLimits {
		if limit.Max <= 0 || limit.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limits.%s requires positive max and window_seconds", name)
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedules := map[string]string{
		"dashboard.update_interval": c.Dashboard.UpdateInterval,
		"retention_schedule":        c.RetentionSchedule,
		"github.poll_schedule":      c.GitHub.PollSchedule,
	}
	for key, spec := range schedules {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Development reports whether raw error text may be shown to users.
func (c Config) Development() bool {
	return c.Mode == "development"
}

func applyEnv(cfg *Config) {
	cfg.DiscordToken = envString("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Mode = envString("MODE", cfg.Mode)
	cfg.DefaultTimeframe = envString("DEFAULT_TIMEFRAME", cfg.DefaultTimeframe)
	cfg.RetentionDays = envInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.RetentionSchedule = envString("RETENTION_SCHEDULE", cfg.RetentionSchedule)
	cfg.QueryTimeoutSeconds = envInt("QUERY_TIMEOUT_SECONDS", cfg.QueryTimeoutSeconds)
	cfg.Health.Enabled = envBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Addr = envString("HEALTH_ADDR", cfg.Health.Addr)
	cfg.Dashboard.UpdateInterval = envString("DASHBOARD_UPDATE_INTERVAL", cfg.Dashboard.UpdateInterval)
	cfg.Alerts.OperatorRole = envString("ALERT_OPERATOR_ROLE", cfg.Alerts.OperatorRole)
	cfg.Alerts.JoinSurge.Joins = envInt("JOIN_SURGE_JOINS", cfg.Alerts.JoinSurge.Joins)
	cfg.Alerts.JoinSurge.WindowSeconds = envInt("JOIN_SURGE_WINDOW_SECONDS", cfg.Alerts.JoinSurge.WindowSeconds)
	cfg.GitHub.Token = envString("GITHUB_TOKEN", cfg.GitHub.Token)
	cfg.GitHub.Repo = envString("GITHUB_REPO", cfg.GitHub.Repo)
	cfg.GitHub.AlertGuildID = envString("GITHUB_ALERT_GUILD_ID", cfg.GitHub.AlertGuildID)
	cfg.Welcome.DMMessage = envString("WELCOME_DM_MESSAGE", cfg.Welcome.DMMessage)
}

func BuildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := strings.ToLower(level)
	switch lvl {
	case "debug", "info", "warn", "error":
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "1" || lower == "true" || lower == "yes"
	}
	return fallback
}

func normalizeMode(value string) string {
	switch strings.ToLower(value) {
	case "development", "dev":
		return "development"
	default:
		return "production"
	}
}

func normalizeTimeframe(value string) string {
	switch strings.ToLower(value) {
	case "1d", "7d", "30d":
		return strings.ToLower(value)
	default:
		return "7d"
	}
}
