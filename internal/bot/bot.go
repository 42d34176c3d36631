package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"guildpulse/internal/analytics"
	"guildpulse/internal/config"
	"guildpulse/internal/external"
	"guildpulse/internal/ingest"
	"guildpulse/internal/leaderboard"
	"guildpulse/internal/ratelimit"
)

type Limiter interface {
	Check(ctx context.Context, resource string) ratelimit.Decision
}

type Bot struct {
	cfg     config.Config
	logger  *zap.Logger
	session *discordgo.Session
	hooks   *ingest.Hooks
	engine  *analytics.Engine
	builder *leaderboard.Builder
	limiter Limiter
	commits external.CommitSource

	invitesMu sync.Mutex
	invites   map[string]map[string]inviteSnapshot
}

func New(cfg config.Config, logger *zap.Logger, hooks *ingest.Hooks, engine *analytics.Engine, builder *leaderboard.Builder, limiter Limiter) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildInvites |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildVoiceStates

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		cfg:     cfg,
		logger:  logger,
		session: session,
		hooks:   hooks,
		engine:  engine,
		builder: builder,
		limiter: limiter,
		invites: make(map[string]map[string]inviteSnapshot),
	}, nil
}

// SetCommitSource enables /commits.
func (b *Bot) SetCommitSource(source external.CommitSource) {
	b.commits = source
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onVoiceStateUpdate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberUpdate)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onInviteCreate)
	b.session.AddHandler(b.onInviteDelete)
	b.session.AddHandler(b.onPresenceUpdate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}
	return b.registerCommands()
}

func (b *Bot) Close(ctx context.Context) {
	if b.hooks != nil {
		done := make(chan struct{})
		go func() {
			b.hooks.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			b.logger.Warn("shutdown before background work drained")
		}
	}
	if b.session != nil {
		_ = b.session.Close()
	}
}

// Guilds lists the guilds present in the gateway state.
func (b *Bot) Guilds() []string {
	state := b.session.State
	state.RLock()
	defer state.RUnlock()
	ids := make([]string, 0, len(state.Guilds))
	for _, guild := range state.Guilds {
		if guild != nil && !guild.Unavailable {
			ids = append(ids, guild.ID)
		}
	}
	return ids
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", event.User.Username), zap.Int("guilds", len(event.Guilds)))
}

// guard keeps a panicking handler from taking down the gateway loop.
func (b *Bot) guard(op string) {
	if r := recover(); r != nil {
		b.logger.Error("handler panic",
			zap.String("op", op),
			zap.String("panic", fmt.Sprint(r)),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}

func eventContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
