package ingest

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"guildpulse/internal/storage"
)

type VoiceFlags struct {
	Muted     bool
	Deafened  bool
	Streaming bool
	Video     bool
}

func (f VoiceFlags) merge(other VoiceFlags) VoiceFlags {
	return VoiceFlags{
		Muted:     f.Muted || other.Muted,
		Deafened:  f.Deafened || other.Deafened,
		Streaming: f.Streaming || other.Streaming,
		Video:     f.Video || other.Video,
	}
}

// OnVoiceJoin opens a session for userID. A join on a different channel closes
// the previous session first; a repeat on the same channel only merges flags.
func (h *Hooks) OnVoiceJoin(ctx context.Context, userID, guildID, channelID string, flags VoiceFlags) {
	now := h.clock.Now()

	h.mu.Lock()
	prev := h.voice[userID]
	if prev != nil && prev.guildID == guildID && prev.channelID == channelID {
		prev.flags = prev.flags.merge(flags)
		h.mu.Unlock()
		return
	}
	h.voice[userID] = &session{guildID: guildID, channelID: channelID, started: now, flags: flags}
	active := len(h.voice)
	h.mu.Unlock()

	h.metrics.SetVoiceSessions(active)
	if prev != nil {
		h.closeVoice(ctx, userID, prev, now)
	}
}

// OnVoiceLeave closes the user's session. Without one it does nothing.
func (h *Hooks) OnVoiceLeave(ctx context.Context, userID string) {
	now := h.clock.Now()

	h.mu.Lock()
	sess := h.voice[userID]
	delete(h.voice, userID)
	active := len(h.voice)
	h.mu.Unlock()

	if sess == nil {
		h.logger.Debug("voice leave without session", zap.String("user_id", userID))
		return
	}
	h.metrics.SetVoiceSessions(active)
	h.closeVoice(ctx, userID, sess, now)
}

func (h *Hooks) closeVoice(ctx context.Context, userID string, sess *session, now time.Time) {
	duration := now.Sub(sess.started)
	if duration < 0 {
		duration = 0
	}
	seconds := int64(duration / time.Second)

	record := storage.ActivityRecord{
		Kind:      storage.KindVoiceSession,
		GuildID:   sess.guildID,
		UserID:    userID,
		CreatedAt: now,
		Value:     seconds,
		Metadata: map[string]string{
			"channel_id": sess.channelID,
			"muted":      strconv.FormatBool(sess.flags.Muted),
			"deafened":   strconv.FormatBool(sess.flags.Deafened),
			"streaming":  strconv.FormatBool(sess.flags.Streaming),
			"video":      strconv.FormatBool(sess.flags.Video),
		},
	}
	delta := storage.StatsDelta{
		VoiceSeconds: seconds,
		Counters:     map[string]int64{"voice:sessions": 1},
	}
	if sess.flags.Streaming {
		delta.Counters["voice:streaming"] = 1
	}
	h.persist(ctx, "voice_session", record, delta)
}

// OnGameStart opens a game session per guild member. Switching games closes the
// running one.
func (h *Hooks) OnGameStart(ctx context.Context, guildID, userID, game string) {
	now := h.clock.Now()
	key := guildID + ":" + userID

	h.mu.Lock()
	prev := h.games[key]
	if prev != nil && prev.name == game {
		h.mu.Unlock()
		return
	}
	h.games[key] = &session{guildID: guildID, name: game, started: now}
	h.mu.Unlock()

	if prev != nil {
		h.closeGame(ctx, userID, prev, now)
	}
}

func (h *Hooks) OnGameStop(ctx context.Context, guildID, userID string) {
	now := h.clock.Now()
	key := guildID + ":" + userID

	h.mu.Lock()
	sess := h.games[key]
	delete(h.games, key)
	h.mu.Unlock()

	if sess == nil {
		return
	}
	h.closeGame(ctx, userID, sess, now)
}

func (h *Hooks) closeGame(ctx context.Context, userID string, sess *session, now time.Time) {
	seconds := int64(now.Sub(sess.started) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	record := storage.ActivityRecord{
		Kind:      storage.KindGameSession,
		GuildID:   sess.guildID,
		UserID:    userID,
		CreatedAt: now,
		Value:     seconds,
		Metadata:  map[string]string{"game": sess.name},
	}
	delta := storage.StatsDelta{Counters: map[string]int64{"game_seconds:" + sess.name: seconds}}
	h.persist(ctx, "game_session", record, delta)
}
