package bot

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"guildpulse/internal/alerting"
	"guildpulse/internal/config"
	"guildpulse/internal/dashboard"
)

func (b *Bot) FindChannel(ctx context.Context, guildID string, keywords []string) (string, error) {
	channels, err := b.guildChannels(guildID)
	if err != nil {
		return "", err
	}
	if id := matchChannel(channels, keywords); id != "" {
		return id, nil
	}
	return "", dashboard.ErrNoChannel
}

func (b *Bot) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	if _, err := b.session.State.Channel(channelID); err == nil {
		return true, nil
	}
	_, err := b.session.Channel(channelID)
	switch {
	case err == nil:
		return true, nil
	case isUnknown(err, discordgo.ErrCodeUnknownChannel):
		return false, nil
	default:
		return false, err
	}
}

func (b *Bot) Send(ctx context.Context, channelID string, content dashboard.Content) (string, error) {
	msg, err := b.session.ChannelMessageSendEmbed(channelID, toEmbed(content))
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (b *Bot) Edit(ctx context.Context, channelID, messageID string, content dashboard.Content) error {
	_, err := b.session.ChannelMessageEditEmbed(channelID, messageID, toEmbed(content))
	if isUnknown(err, discordgo.ErrCodeUnknownMessage) {
		return dashboard.ErrMessageNotFound
	}
	return err
}

// Notify posts an alert to the first channel matching the alert keywords.
func (b *Bot) Notify(ctx context.Context, guildID string, alert alerting.Alert, mention bool) error {
	channels, err := b.guildChannels(guildID)
	if err != nil {
		return err
	}
	channelID := matchChannel(channels, b.cfg.Alerts.ChannelKeywords)
	if channelID == "" {
		return alerting.ErrNoChannel
	}

	msg := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{alertEmbed(alert, b.cfg.Alerts.EmbedColors)}}
	if mention && b.cfg.Alerts.OperatorRole != "" {
		msg.Content = "<@&" + b.cfg.Alerts.OperatorRole + ">"
		msg.AllowedMentions = &discordgo.MessageAllowedMentions{Roles: []string{b.cfg.Alerts.OperatorRole}}
	}
	_, err = b.session.ChannelMessageSendComplex(channelID, msg)
	return err
}

func (b *Bot) guildChannels(guildID string) ([]*discordgo.Channel, error) {
	if guild, err := b.session.State.Guild(guildID); err == nil && len(guild.Channels) > 0 {
		return guild.Channels, nil
	}
	return b.session.GuildChannels(guildID)
}

// matchChannel returns the first text channel whose name contains a keyword.
// Earlier keywords win over later ones.
func matchChannel(channels []*discordgo.Channel, keywords []string) string {
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		for _, ch := range channels {
			if ch == nil || ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			if strings.Contains(strings.ToLower(ch.Name), keyword) {
				return ch.ID
			}
		}
	}
	return ""
}

// isUnknown reports whether Discord confirmed the resource is gone, either by
// its JSON error code or a bare 404.
func isUnknown(err error, code int) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == code {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func toEmbed(content dashboard.Content) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       content.Title,
		Description: content.Description,
		Color:       content.Color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	for _, field := range content.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: field.Name, Value: field.Value, Inline: field.Inline})
	}
	if content.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: content.Footer}
	}
	return embed
}

func alertEmbed(alert alerting.Alert, colors config.Colors) *discordgo.MessageEmbed {
	color := colors.Low
	switch alert.Priority {
	case alerting.PriorityMedium:
		color = colors.Medium
	case alerting.PriorityHigh:
		color = colors.High
	}
	embed := &discordgo.MessageEmbed{
		Title:       alert.Title,
		Description: alert.Content,
		Color:       color,
		Footer:      &discordgo.MessageEmbedFooter{Text: alert.Priority.Level() + " | " + alert.Type},
	}
	if !alert.CreatedAt.IsZero() {
		embed.Timestamp = alert.CreatedAt.Format(time.RFC3339)
	}
	if alert.UserID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "User", Value: "<@" + alert.UserID + ">", Inline: true})
	}
	for _, field := range alert.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: field.Name, Value: field.Value, Inline: field.Inline})
	}
	return embed
}
