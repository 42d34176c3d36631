package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"guildpulse/internal/analytics"
	"guildpulse/internal/dashboard"
	"guildpulse/internal/external"
	"guildpulse/internal/ingest"
	"guildpulse/internal/leaderboard"
)

var errNotConfigured = errors.New("integration not configured")

func timeframeOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "timeframe",
		Description: "1d, 7d or 30d",
		Choices: []*discordgo.ApplicationCommandOptionChoice{
			{Name: "Last 24 hours", Value: string(analytics.Day)},
			{Name: "Last 7 days", Value: string(analytics.Week)},
			{Name: "Last 30 days", Value: string(analytics.Month)},
		},
	}
}

func commandDefinitions() []*discordgo.ApplicationCommand {
	queryChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(analytics.Queries()))
	for _, q := range analytics.Queries() {
		queryChoices = append(queryChoices, &discordgo.ApplicationCommandOptionChoice{Name: q.Title(), Value: q.Name()})
	}
	categoryChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(leaderboard.Categories()))
	for _, c := range leaderboard.Categories() {
		categoryChoices = append(categoryChoices, &discordgo.ApplicationCommandOptionChoice{Name: c.Title(), Value: string(c)})
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        "stats",
			Description: "Show server activity statistics",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "type",
					Description: "Which statistics to show",
					Required:    true,
					Choices:     queryChoices,
				},
				timeframeOption(),
			},
		},
		{
			Name:        "leaderboard",
			Description: "Show the most active members",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "category",
					Description: "Ranking category",
					Required:    true,
					Choices:     categoryChoices,
				},
				timeframeOption(),
			},
		},
		{
			Name:        "rank",
			Description: "Show activity and level for a member",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "Member to look up (defaults to you)",
				},
				timeframeOption(),
			},
		},
		{
			Name:        "commits",
			Description: "Show recent commits of the tracked repository",
		},
	}
}

// registerCommands upserts the global commands and removes stale ones.
func (b *Bot) registerCommands() error {
	if b.session.State == nil || b.session.State.User == nil {
		return errors.New("session state not ready")
	}
	appID := b.session.State.User.ID
	commands := commandDefinitions()

	existing, err := b.session.ApplicationCommands(appID, "")
	if err != nil {
		return err
	}
	existingByName := make(map[string]*discordgo.ApplicationCommand)
	for _, cmd := range existing {
		existingByName[cmd.Name] = cmd
	}

	desired := make(map[string]struct{})
	for _, cmd := range commands {
		desired[cmd.Name] = struct{}{}
		if current, ok := existingByName[cmd.Name]; ok {
			if _, err := b.session.ApplicationCommandEdit(appID, "", current.ID, cmd); err != nil {
				return err
			}
			continue
		}
		if _, err := b.session.ApplicationCommandCreate(appID, "", cmd); err != nil {
			return err
		}
	}
	for _, cmd := range existing {
		if _, ok := desired[cmd.Name]; ok {
			continue
		}
		_ = b.session.ApplicationCommandDelete(appID, "", cmd.ID)
	}
	return nil
}

type commandFunc func(ctx context.Context, guildID, userID string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (*discordgo.MessageEmbed, error)

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	defer b.guard("interaction")
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := interaction.ApplicationCommandData()

	var handler commandFunc
	switch data.Name {
	case "stats":
		handler = b.statsCommand
	case "leaderboard":
		handler = b.leaderboardCommand
	case "rank":
		handler = b.rankCommand
	case "commits":
		handler = b.commitsCommand
	default:
		return
	}
	if interaction.GuildID == "" {
		b.respond(session, interaction, "This command only works inside a server.", true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	userID := interactionUser(interaction)
	opts := optionMap(data.Options)

	event := ingest.CommandEvent{
		Name:    data.Name,
		UserID:  userID,
		GuildID: interaction.GuildID,
		Args:    optionArgs(opts),
	}
	embed, reply := b.runCommand(ctx, event, handler, opts)
	if reply != "" {
		b.respond(session, interaction, reply, true)
		return
	}
	b.respondEmbed(session, interaction, embed, false)
}

// runCommand gates, executes and records one invocation. It returns either
// the embed to send or an ephemeral reply. A panic is recorded as an error
// before it propagates.
func (b *Bot) runCommand(ctx context.Context, event ingest.CommandEvent, handler commandFunc, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (embed *discordgo.MessageEmbed, reply string) {
	started := time.Now()
	defer func() {
		recovered := recover()
		if recovered != nil {
			event.Status, event.Error = ingest.StatusError, fmt.Sprintf("panic: %v", recovered)
		}
		event.ExecutionTime = time.Since(started)
		b.hooks.OnCommandExecuted(ctx, event)
		if recovered != nil {
			panic(recovered)
		}
	}()

	if decision := b.limiter.Check(ctx, event.Name); !decision.Allowed {
		event.Status = ingest.StatusRateLimited
		return nil, fmt.Sprintf("Slow down! Try again in %ds.", decision.RetryAfterSeconds())
	}

	embed, err := handler(ctx, event.GuildID, event.UserID, opts)
	if err != nil {
		event.Status, event.Error = ingest.StatusError, err.Error()
		b.logger.Warn("command failed",
			zap.String("command", event.Name),
			zap.String("guild_id", event.GuildID),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
		return nil, userError(b.cfg.Development(), err)
	}
	return embed, ""
}

func (b *Bot) statsCommand(ctx context.Context, guildID, _ string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (*discordgo.MessageEmbed, error) {
	query, err := analytics.ParseQuery(stringOption(opts, "type"))
	if err != nil {
		return nil, err
	}
	tf := b.engine.Resolve(stringOption(opts, "timeframe"))
	res, err := b.engine.GetStats(ctx, guildID, query, tf)
	if err != nil {
		return nil, err
	}
	return toEmbed(dashboard.StatsContent(res, b.cfg.Alerts.EmbedColors.Low)), nil
}

func (b *Bot) leaderboardCommand(ctx context.Context, guildID, _ string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (*discordgo.MessageEmbed, error) {
	category, err := leaderboard.ParseCategory(stringOption(opts, "category"))
	if err != nil {
		return nil, err
	}
	tf := b.engine.Resolve(stringOption(opts, "timeframe"))
	entries, err := b.builder.Build(ctx, guildID, category, tf, leaderboard.DefaultLimit)
	if err != nil {
		return nil, err
	}
	return leaderboardEmbed(category, entries, tf, b.cfg.Alerts.EmbedColors.Low), nil
}

func leaderboardEmbed(category leaderboard.Category, entries []leaderboard.Entry, tf analytics.Timeframe, color int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       category.Title(),
		Description: leaderboard.Render(entries),
		Color:       color,
		Footer:      &discordgo.MessageEmbedFooter{Text: tf.Label()},
		Timestamp:   time.Now().Format(time.RFC3339),
	}
}

func (b *Bot) rankCommand(ctx context.Context, guildID, userID string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (*discordgo.MessageEmbed, error) {
	target := userID
	if opt, ok := opts["user"]; ok {
		if id, ok := opt.Value.(string); ok && id != "" {
			target = id
		}
	}
	tf := b.engine.Resolve(stringOption(opts, "timeframe"))
	stats, err := b.engine.UserStats(ctx, guildID, target, tf)
	if err != nil {
		return nil, err
	}
	return rankEmbed(stats, tf, b.cfg.Alerts.EmbedColors.Low), nil
}

func rankEmbed(stats analytics.UserStats, tf analytics.Timeframe, color int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Member Activity",
		Description: fmt.Sprintf("<@%s>", stats.UserID),
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Level", Value: fmt.Sprintf("%d", leaderboard.LevelForXP(stats.XP)), Inline: true},
			{Name: "XP", Value: analytics.FormatCount(stats.XP), Inline: true},
			{Name: "Messages", Value: analytics.FormatCount(stats.Messages), Inline: true},
			{Name: "Voice Time", Value: analytics.FormatMinutes(stats.VoiceSeconds / 60), Inline: true},
			{Name: "Game Time", Value: analytics.FormatMinutes(stats.GameSeconds / 60), Inline: true},
			{Name: "Commands", Value: analytics.FormatCount(stats.Commands), Inline: true},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: tf.Label()},
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

func (b *Bot) commitsCommand(ctx context.Context, _, _ string, _ map[string]*discordgo.ApplicationCommandInteractionDataOption) (*discordgo.MessageEmbed, error) {
	if b.commits == nil {
		return nil, fmt.Errorf("github: %w", errNotConfigured)
	}
	commits, err := b.commits.Commits(ctx)
	if err != nil {
		return nil, err
	}
	var lines []string
	for i, c := range commits {
		if i == 5 {
			break
		}
		sha := c.SHA
		if len(sha) > 7 {
			sha = sha[:7]
		}
		lines = append(lines, fmt.Sprintf("[`%s`](%s) %s (%s)", sha, c.URL, c.Message, c.Author))
	}
	description := "No commits found."
	if len(lines) > 0 {
		description = strings.Join(lines, "\n")
	}
	return &discordgo.MessageEmbed{
		Title:       "Recent Commits",
		Description: description,
		Color:       b.cfg.Alerts.EmbedColors.Low,
		Timestamp:   time.Now().Format(time.RFC3339),
	}, nil
}

// userError hides internal error text outside development mode.
func userError(development bool, err error) string {
	var limited *external.RateLimitedError
	switch {
	case errors.As(err, &limited):
		return fmt.Sprintf("The %s API is busy. Try again in %s.", limited.Resource, limited.RetryAfter.Round(time.Second))
	case errors.Is(err, errNotConfigured):
		return "This feature is not configured on this server."
	case development:
		return "Error: " + err.Error()
	default:
		return "Something went wrong. Please try again later."
	}
}

func interactionUser(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func optionMap(options []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		if opt != nil {
			out[opt.Name] = opt
		}
	}
	return out
}

func stringOption(opts map[string]*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	opt, ok := opts[name]
	if !ok {
		return ""
	}
	value, _ := opt.Value.(string)
	return value
}

func optionArgs(opts map[string]*discordgo.ApplicationCommandInteractionDataOption) map[string]string {
	args := make(map[string]string, len(opts))
	for name, opt := range opts {
		args[name] = fmt.Sprint(opt.Value)
	}
	return args
}

func (b *Bot) respond(session *discordgo.Session, interaction *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
	if err != nil {
		b.logger.Debug("interaction response failed", zap.Error(err))
	}
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	if embed == nil {
		b.respond(session, interaction, "No response available.", ephemeral)
		return
	}
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
	if err != nil {
		b.logger.Debug("interaction response failed", zap.Error(err))
	}
}
