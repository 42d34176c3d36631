package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

type RecordKind string

const (
	KindMessage        RecordKind = "message"
	KindVoiceSession   RecordKind = "voice_session"
	KindCommand        RecordKind = "command"
	KindInviteUse      RecordKind = "invite_use"
	KindMemberJoin     RecordKind = "member_join"
	KindMemberLeave    RecordKind = "member_leave"
	KindGameSession    RecordKind = "game_session"
	KindMemberVerified RecordKind = "member_verified"
	KindRateLimited    RecordKind = "command_rate_limited"
)

// ActivityRecord is one immutable fact about a guild event. Value carries the
// kind-specific payload: seconds for sessions, XP for messages, execution
// milliseconds for commands.
type ActivityRecord struct {
	ID        string
	Kind      RecordKind
	GuildID   string
	UserID    string
	CreatedAt time.Time
	Value     int64
	Metadata  map[string]string
}

// StatsDelta is applied atomically to a guild's snapshot for one day.
type StatsDelta struct {
	Messages     int64
	Commands     int64
	Errors       int64
	VoiceSeconds int64
	Counters     map[string]int64
}

func (d StatsDelta) IsZero() bool {
	if d.Messages != 0 || d.Commands != 0 || d.Errors != 0 || d.VoiceSeconds != 0 {
		return false
	}
	for _, v := range d.Counters {
		if v != 0 {
			return false
		}
	}
	return true
}

// GuildStats is the per-guild, per-day snapshot. It only answers whole-day
// questions; windowed stats read ActivityRecords.
type GuildStats struct {
	GuildID      string
	Date         string
	Messages     int64
	Commands     int64
	Errors       int64
	VoiceSeconds int64
	Counters     map[string]int64
}

type Counter struct {
	Key   string
	Value int64
}

type ActivitySummary struct {
	Count int64
	Total int64
	Users int64
}

type UserTotal struct {
	UserID string
	Count  int64
	Total  int64
}

// OrderBy selects the metric TopUsers ranks on.
type OrderBy int

const (
	OrderByCount OrderBy = iota
	OrderByTotal
)

type MemberJoin struct {
	GuildID         string
	UserID          string
	JoinedAt        time.Time
	LeftAt          *time.Time
	DurationSeconds *int64
	DMSent          bool
	Verified        bool
}

type InviteUse struct {
	GuildID   string
	InviterID string
	InvitedID string
	Code      string
	Address   string
	UsedAt    time.Time
}

type DashboardRef struct {
	GuildID   string
	ChannelID string
	Messages  map[string]string
	UpdatedAt time.Time
}

type AuditLog struct {
	ID        int64
	GuildID   string
	UserID    string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

type Store interface {
	AppendActivity(ctx context.Context, record ActivityRecord) error
	IncrementGuildStats(ctx context.Context, guildID string, day time.Time, delta StatsDelta) error
	// GuildStatsSince returns whole-day snapshots from the UTC day of since.
	GuildStatsSince(ctx context.Context, guildID string, since time.Time) ([]GuildStats, error)
	SummarizeActivity(ctx context.Context, guildID string, kind RecordKind, since time.Time) (ActivitySummary, error)
	SummarizeUser(ctx context.Context, guildID, userID string, kind RecordKind, since time.Time) (ActivitySummary, error)
	TopUsers(ctx context.Context, guildID string, kind RecordKind, since time.Time, order OrderBy, limit int) ([]UserTotal, error)
	// CountActivity groups records by one metadata field, largest count first.
	// Records without the field are skipped.
	CountActivity(ctx context.Context, guildID string, kind RecordKind, field string, since time.Time, limit int) ([]Counter, error)

	RecordMemberJoin(ctx context.Context, join MemberJoin) error
	CompleteMemberJoin(ctx context.Context, guildID, userID string, leftAt time.Time) (MemberJoin, error)
	MemberJoinsSince(ctx context.Context, guildID string, since time.Time) ([]MemberJoin, error)

	AppendInviteUse(ctx context.Context, use InviteUse) error
	InviteUsesSince(ctx context.Context, guildID, inviterID string, since time.Time) ([]InviteUse, error)

	GetDashboard(ctx context.Context, guildID string) (DashboardRef, error)
	SaveDashboard(ctx context.Context, ref DashboardRef) error

	AddAuditLog(ctx context.Context, log AuditLog) error
	ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error)

	PurgeBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error)
	Close()
}

// Open returns a Postgres store when dsn is set and an in-memory store otherwise.
func Open(ctx context.Context, dsn string) (Store, error) {
	if dsn == "" {
		return NewMemory(), nil
	}
	pg, err := NewPostgres(dsn)
	if err != nil {
		return nil, err
	}
	if err := pg.Ping(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	if err := pg.Migrate(); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// DayKey is the canonical (guildID, date) date component.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
