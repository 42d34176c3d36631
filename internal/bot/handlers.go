package bot

import (
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"guildpulse/internal/ingest"
)

type inviteSnapshot struct {
	uses      int
	inviterID string
}

func (b *Bot) onGuildCreate(session *discordgo.Session, event *discordgo.GuildCreate) {
	defer b.guard("guild_create")
	if event.Guild == nil || event.Unavailable {
		return
	}
	b.refreshInvites(session, event.ID)
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	defer b.guard("message_create")
	if msg.Author == nil || msg.Author.Bot || msg.GuildID == "" {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()

	b.hooks.OnMessage(ctx, ingest.MessageEvent{
		ID:        msg.ID,
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		UserID:    msg.Author.ID,
		CreatedAt: msg.Timestamp,
	})
}

func (b *Bot) onVoiceStateUpdate(session *discordgo.Session, event *discordgo.VoiceStateUpdate) {
	defer b.guard("voice_state")
	if event.VoiceState == nil || event.UserID == "" {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()

	if event.ChannelID == "" {
		b.hooks.OnVoiceLeave(ctx, event.UserID)
		return
	}
	b.hooks.OnVoiceJoin(ctx, event.UserID, event.GuildID, event.ChannelID, voiceFlags(event.VoiceState))
}

func voiceFlags(state *discordgo.VoiceState) ingest.VoiceFlags {
	return ingest.VoiceFlags{
		Muted:     state.Mute || state.SelfMute,
		Deafened:  state.Deaf || state.SelfDeaf,
		Streaming: state.SelfStream,
		Video:     state.SelfVideo,
	}
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	defer b.guard("member_add")
	if event.Member == nil || event.User == nil || event.User.Bot {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()

	joinedAt := event.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}
	b.hooks.OnMemberJoin(ctx, ingest.MemberEvent{
		GuildID:  event.GuildID,
		UserID:   event.User.ID,
		JoinedAt: joinedAt,
		DM:       b.sendWelcome(session, event.GuildID, event.User.ID),
	})

	before := b.inviteState(event.GuildID)
	after, err := session.GuildInvites(event.GuildID)
	if err != nil {
		b.logger.Debug("invite lookup failed", zap.String("guild_id", event.GuildID), zap.Error(err))
		return
	}
	b.storeInvites(event.GuildID, after)

	code, inviterID, ok := usedInvite(before, after)
	if !ok || inviterID == "" {
		return
	}
	b.hooks.OnInviteUse(ctx, ingest.InviteEvent{
		GuildID:   event.GuildID,
		InviterID: inviterID,
		InvitedID: event.User.ID,
		Code:      code,
		UsedAt:    joinedAt,
	})
}

// sendWelcome DMs the configured greeting and reports the outcome.
func (b *Bot) sendWelcome(session *discordgo.Session, guildID, userID string) ingest.DMStatus {
	message := b.cfg.Welcome.DMMessage
	if message == "" {
		return ingest.DMSkipped
	}
	message = strings.ReplaceAll(message, "{server}", guildName(session, guildID))

	channel, err := session.UserChannelCreate(userID)
	if err == nil {
		_, err = session.ChannelMessageSend(channel.ID, message)
	}
	if err != nil {
		b.logger.Debug("welcome dm failed",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return ingest.DMFailed
	}
	return ingest.DMSent
}

func guildName(session *discordgo.Session, guildID string) string {
	if session.State != nil {
		if guild, err := session.State.Guild(guildID); err == nil && guild.Name != "" {
			return guild.Name
		}
	}
	return "the server"
}

// onGuildMemberUpdate treats passing membership screening as verification.
func (b *Bot) onGuildMemberUpdate(session *discordgo.Session, event *discordgo.GuildMemberUpdate) {
	defer b.guard("member_update")
	if event.Member == nil || event.User == nil || event.BeforeUpdate == nil {
		return
	}
	if !event.BeforeUpdate.Pending || event.Pending {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()
	b.hooks.OnMemberVerified(ctx, event.GuildID, event.User.ID)
}

func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	defer b.guard("member_remove")
	if event.Member == nil || event.User == nil || event.User.Bot {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()
	b.hooks.OnMemberLeave(ctx, event.GuildID, event.User.ID)
}

func (b *Bot) onInviteCreate(session *discordgo.Session, event *discordgo.InviteCreate) {
	defer b.guard("invite_create")
	if event.Invite == nil {
		return
	}
	inviterID := ""
	if event.Inviter != nil {
		inviterID = event.Inviter.ID
	}
	b.invitesMu.Lock()
	defer b.invitesMu.Unlock()
	guild := b.invites[event.GuildID]
	if guild == nil {
		guild = make(map[string]inviteSnapshot)
		b.invites[event.GuildID] = guild
	}
	guild[event.Code] = inviteSnapshot{uses: event.Uses, inviterID: inviterID}
}

func (b *Bot) onInviteDelete(session *discordgo.Session, event *discordgo.InviteDelete) {
	defer b.guard("invite_delete")
	b.invitesMu.Lock()
	defer b.invitesMu.Unlock()
	delete(b.invites[event.GuildID], event.Code)
}

func (b *Bot) onPresenceUpdate(session *discordgo.Session, event *discordgo.PresenceUpdate) {
	defer b.guard("presence")
	if event.User == nil || event.GuildID == "" {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()

	if game := currentGame(event.Activities); game != "" {
		b.hooks.OnGameStart(ctx, event.GuildID, event.User.ID, game)
		return
	}
	b.hooks.OnGameStop(ctx, event.GuildID, event.User.ID)
}

func currentGame(activities []*discordgo.Activity) string {
	for _, activity := range activities {
		if activity != nil && activity.Type == discordgo.ActivityTypeGame && activity.Name != "" {
			return activity.Name
		}
	}
	return ""
}

func (b *Bot) refreshInvites(session *discordgo.Session, guildID string) {
	invites, err := session.GuildInvites(guildID)
	if err != nil {
		b.logger.Debug("invite snapshot failed", zap.String("guild_id", guildID), zap.Error(err))
		return
	}
	b.storeInvites(guildID, invites)
}

func (b *Bot) inviteState(guildID string) map[string]inviteSnapshot {
	b.invitesMu.Lock()
	defer b.invitesMu.Unlock()
	out := make(map[string]inviteSnapshot, len(b.invites[guildID]))
	for code, snap := range b.invites[guildID] {
		out[code] = snap
	}
	return out
}

func (b *Bot) storeInvites(guildID string, invites []*discordgo.Invite) {
	snapshot := snapshotInvites(invites)
	b.invitesMu.Lock()
	b.invites[guildID] = snapshot
	b.invitesMu.Unlock()
}

func snapshotInvites(invites []*discordgo.Invite) map[string]inviteSnapshot {
	out := make(map[string]inviteSnapshot, len(invites))
	for _, invite := range invites {
		if invite == nil {
			continue
		}
		snap := inviteSnapshot{uses: invite.Uses}
		if invite.Inviter != nil {
			snap.inviterID = invite.Inviter.ID
		}
		out[invite.Code] = snap
	}
	return out
}

// usedInvite finds the single invite whose use count grew. Ambiguous diffs
// are not attributed.
func usedInvite(before map[string]inviteSnapshot, after []*discordgo.Invite) (string, string, bool) {
	var code, inviterID string
	matches := 0
	for _, invite := range after {
		if invite == nil {
			continue
		}
		prev, known := before[invite.Code]
		if (known && invite.Uses > prev.uses) || (!known && invite.Uses > 0) {
			matches++
			code = invite.Code
			if invite.Inviter != nil {
				inviterID = invite.Inviter.ID
			} else {
				inviterID = prev.inviterID
			}
		}
	}
	if matches != 1 {
		return "", "", false
	}
	return code, inviterID, true
}
