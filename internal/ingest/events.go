package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"guildpulse/internal/storage"
)

type CommandStatus string

const (
	StatusSuccess CommandStatus = "success"
	StatusError   CommandStatus = "error"
	// StatusRateLimited marks an invocation refused by its rate budget. It is
	// neither a success nor an error.
	StatusRateLimited CommandStatus = "rate_limited"
)

// DMStatus is the outcome of the welcome DM. The zero value means none was
// attempted.
type DMStatus string

const (
	DMSkipped DMStatus = ""
	DMSent    DMStatus = "sent"
	DMFailed  DMStatus = "failed"
)

type CommandEvent struct {
	Name          string
	UserID        string
	GuildID       string
	Args          map[string]string
	ExecutionTime time.Duration
	Status        CommandStatus
	Error         string
}

type MessageEvent struct {
	ID        string
	GuildID   string
	ChannelID string
	UserID    string
	CreatedAt time.Time
}

type InviteEvent struct {
	GuildID   string
	InviterID string
	InvitedID string
	Code      string
	Address   string
	UsedAt    time.Time
}

type MemberEvent struct {
	GuildID  string
	UserID   string
	JoinedAt time.Time
	DM       DMStatus
}

// OnCommandExecuted records one invocation. Analytics failures never surface to
// the command path.
func (h *Hooks) OnCommandExecuted(ctx context.Context, event CommandEvent) {
	if event.Status == "" {
		event.Status = StatusSuccess
	}
	now := h.clock.Now()

	meta := map[string]string{
		"command": event.Name,
		"status":  string(event.Status),
	}
	for k, v := range event.Args {
		meta["arg:"+k] = v
	}
	if event.Error != "" {
		meta["error"] = event.Error
	}

	record := storage.ActivityRecord{
		Kind:      storage.KindCommand,
		GuildID:   event.GuildID,
		UserID:    event.UserID,
		CreatedAt: now,
		Value:     event.ExecutionTime.Milliseconds(),
		Metadata:  meta,
	}
	if event.Status == StatusRateLimited {
		record.Kind = storage.KindRateLimited
		record.Value = 0
		h.persist(ctx, "command_rate_limited", record, storage.StatsDelta{
			Counters: map[string]int64{"command_ratelimited:" + event.Name: 1},
		})
		return
	}
	delta := storage.StatsDelta{
		Commands: 1,
		Counters: map[string]int64{"command:" + event.Name: 1},
	}
	if event.Status == StatusError {
		delta.Errors = 1
	}
	h.persist(ctx, "command", record, delta)
}

// OnMessage counts a message and awards XP outside the per-member cooldown.
// Redelivered message IDs are ignored.
func (h *Hooks) OnMessage(ctx context.Context, event MessageEvent) {
	if !h.firstSeen("message", event.ID) {
		return
	}
	now := event.CreatedAt
	if now.IsZero() {
		now = h.clock.Now()
	}

	var xp int64
	if _, ok := h.cooldown.Get(event.GuildID+":"+event.UserID).TryAdd(now, 1); ok {
		xp = int64(h.leveling.XPPerMessage)
	}

	record := storage.ActivityRecord{
		ID:        event.ID,
		Kind:      storage.KindMessage,
		GuildID:   event.GuildID,
		UserID:    event.UserID,
		CreatedAt: now,
		Value:     xp,
		Metadata:  map[string]string{"channel_id": event.ChannelID, "hour": utcHour(now)},
	}
	delta := storage.StatsDelta{
		Messages: 1,
		Counters: map[string]int64{
			"hour:" + utcHour(now):       1,
			"channel:" + event.ChannelID: 1,
		},
	}
	h.persist(ctx, "message", record, delta)

	h.mu.Lock()
	h.messages++
	prune := h.messages%pruneEvery == 0
	h.mu.Unlock()
	if prune {
		h.cooldown.Prune(now)
	}
}

// OnInviteUse stores the use and schedules pattern detection without waiting
// for it.
func (h *Hooks) OnInviteUse(ctx context.Context, event InviteEvent) {
	if event.UsedAt.IsZero() {
		event.UsedAt = h.clock.Now()
	}
	use := storage.InviteUse{
		GuildID:   event.GuildID,
		InviterID: event.InviterID,
		InvitedID: event.InvitedID,
		Code:      event.Code,
		Address:   event.Address,
		UsedAt:    event.UsedAt,
	}
	if err := h.store.AppendInviteUse(ctx, use); err != nil {
		h.fail("invite_use", "append invite use", event.GuildID, event.InviterID, err)
	}

	record := storage.ActivityRecord{
		Kind:      storage.KindInviteUse,
		GuildID:   event.GuildID,
		UserID:    event.InviterID,
		CreatedAt: event.UsedAt,
		Value:     1,
		Metadata:  map[string]string{"invited_id": event.InvitedID, "code": event.Code},
	}
	h.persist(ctx, "invite_use", record, storage.StatsDelta{Counters: map[string]int64{"invite:used": 1}})

	if h.checker == nil || event.InviterID == "" {
		return
	}
	guildID, inviterID := event.GuildID, event.InviterID
	h.runner.Go(ctx, "invite-check", followUpBudget, func(ctx context.Context) error {
		_, err := h.checker.Check(ctx, guildID, inviterID)
		return err
	})
}

func (h *Hooks) OnMemberJoin(ctx context.Context, event MemberEvent) {
	if event.JoinedAt.IsZero() {
		event.JoinedAt = h.clock.Now()
	}
	join := storage.MemberJoin{
		GuildID:  event.GuildID,
		UserID:   event.UserID,
		JoinedAt: event.JoinedAt,
		DMSent:   event.DM == DMSent,
	}
	if err := h.store.RecordMemberJoin(ctx, join); err != nil {
		h.fail("member_join", "record join", event.GuildID, event.UserID, err)
	}

	hour := utcHour(event.JoinedAt)
	dow := event.JoinedAt.UTC().Format("Mon")
	record := storage.ActivityRecord{
		Kind:      storage.KindMemberJoin,
		GuildID:   event.GuildID,
		UserID:    event.UserID,
		CreatedAt: event.JoinedAt,
		Value:     1,
		Metadata:  map[string]string{"hour": hour, "dow": dow},
	}
	delta := storage.StatsDelta{Counters: map[string]int64{
		"member:join":       1,
		"join_hour:" + hour: 1,
		"join_dow:" + dow:   1,
	}}
	if event.DM != DMSkipped {
		record.Metadata["welcome_dm"] = string(event.DM)
		delta.Counters["welcome:dm_"+string(event.DM)] = 1
	}
	h.persist(ctx, "member_join", record, delta)

	if h.joins == nil {
		return
	}
	guildID, userID := event.GuildID, event.UserID
	h.runner.Go(ctx, "join-surge", followUpBudget, func(ctx context.Context) error {
		_, err := h.joins.Observe(ctx, guildID, userID)
		return err
	})
}

func (h *Hooks) OnMemberVerified(ctx context.Context, guildID, userID string) {
	record := storage.ActivityRecord{
		Kind:      storage.KindMemberVerified,
		GuildID:   guildID,
		UserID:    userID,
		CreatedAt: h.clock.Now(),
		Value:     1,
	}
	h.persist(ctx, "member_verified", record, storage.StatsDelta{
		Counters: map[string]int64{"welcome:verified": 1},
	})
}

// OnMemberLeave backfills departure and membership duration on the latest open
// join, when there is one.
func (h *Hooks) OnMemberLeave(ctx context.Context, guildID, userID string) {
	now := h.clock.Now()

	var duration int64
	join, err := h.store.CompleteMemberJoin(ctx, guildID, userID, now)
	switch {
	case err == nil:
		if join.DurationSeconds != nil {
			duration = *join.DurationSeconds
		}
	case errors.Is(err, storage.ErrNotFound):
		h.logger.Debug("member leave without recorded join", zap.String("guild_id", guildID), zap.String("user_id", userID))
	default:
		h.fail("member_leave", "complete join", guildID, userID, err)
	}

	record := storage.ActivityRecord{
		Kind:      storage.KindMemberLeave,
		GuildID:   guildID,
		UserID:    userID,
		CreatedAt: now,
		Value:     duration,
		Metadata:  map[string]string{"duration_seconds": itoa(duration)},
	}
	h.persist(ctx, "member_leave", record, storage.StatsDelta{Counters: map[string]int64{"member:leave": 1}})
}
