package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

const maxGroups = 1000

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgresWithDB wraps an existing handle.
func NewPostgresWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Postgres) Migrate() error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

func (s *Postgres) AppendActivity(ctx context.Context, record ActivityRecord) error {
	meta, err := json.Marshal(nonNilMap(record.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_records (id, kind, guild_id, user_id, created_at, value, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, record.ID, string(record.Kind), record.GuildID, record.UserID, record.CreatedAt.UTC(), record.Value, meta)
	return err
}

func (s *Postgres) IncrementGuildStats(ctx context.Context, guildID string, day time.Time, delta StatsDelta) (err error) {
	if delta.IsZero() {
		return nil
	}
	date := DayKey(day)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO guild_stats (guild_id, date, messages, commands, errors, voice_seconds)
		VALUES ($1, $2::date, $3, $4, $5, $6)
		ON CONFLICT (guild_id, date) DO UPDATE SET
			messages = guild_stats.messages + EXCLUDED.messages,
			commands = guild_stats.commands + EXCLUDED.commands,
			errors = guild_stats.errors + EXCLUDED.errors,
			voice_seconds = guild_stats.voice_seconds + EXCLUDED.voice_seconds
	`, guildID, date, delta.Messages, delta.Commands, delta.Errors, delta.VoiceSeconds)
	if err != nil {
		return err
	}

	for _, key := range sortedKeys(delta.Counters) {
		value := delta.Counters[key]
		if value == 0 {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO guild_stat_counters (guild_id, date, key, value)
			VALUES ($1, $2::date, $3, $4)
			ON CONFLICT (guild_id, date, key) DO UPDATE SET
				value = guild_stat_counters.value + EXCLUDED.value
		`, guildID, date, key, value)
		if err != nil {
			return err
		}
	}

	err = tx.Commit()
	return err
}

func (s *Postgres) GuildStatsSince(ctx context.Context, guildID string, since time.Time) ([]GuildStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, to_char(date, 'YYYY-MM-DD'), messages, commands, errors, voice_seconds
		FROM guild_stats
		WHERE guild_id = $1 AND date >= $2::date
		ORDER BY date
	`, guildID, DayKey(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GuildStats
	index := make(map[string]int)
	for rows.Next() {
		var stats GuildStats
		if err := rows.Scan(&stats.GuildID, &stats.Date, &stats.Messages, &stats.Commands, &stats.Errors, &stats.VoiceSeconds); err != nil {
			return nil, err
		}
		stats.Counters = make(map[string]int64)
		index[stats.Date] = len(out)
		out = append(out, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counters, err := s.db.QueryContext(ctx, `
		SELECT to_char(date, 'YYYY-MM-DD'), key, value
		FROM guild_stat_counters
		WHERE guild_id = $1 AND date >= $2::date
	`, guildID, DayKey(since))
	if err != nil {
		return nil, err
	}
	defer counters.Close()
	for counters.Next() {
		var date, key string
		var value int64
		if err := counters.Scan(&date, &key, &value); err != nil {
			return nil, err
		}
		if i, ok := index[date]; ok {
			out[i].Counters[key] = value
		}
	}
	return out, counters.Err()
}

func (s *Postgres) SummarizeActivity(ctx context.Context, guildID string, kind RecordKind, since time.Time) (ActivitySummary, error) {
	var summary ActivitySummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(value), 0), COUNT(DISTINCT user_id)
		FROM activity_records
		WHERE guild_id = $1 AND kind = $2 AND created_at >= $3
	`, guildID, string(kind), since.UTC()).Scan(&summary.Count, &summary.Total, &summary.Users)
	if err != nil {
		return ActivitySummary{}, err
	}
	return summary, nil
}

func (s *Postgres) SummarizeUser(ctx context.Context, guildID, userID string, kind RecordKind, since time.Time) (ActivitySummary, error) {
	var summary ActivitySummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(value), 0)
		FROM activity_records
		WHERE guild_id = $1 AND user_id = $2 AND kind = $3 AND created_at >= $4
	`, guildID, userID, string(kind), since.UTC()).Scan(&summary.Count, &summary.Total)
	if err != nil {
		return ActivitySummary{}, err
	}
	if summary.Count > 0 {
		summary.Users = 1
	}
	return summary, nil
}

func (s *Postgres) TopUsers(ctx context.Context, guildID string, kind RecordKind, since time.Time, order OrderBy, limit int) ([]UserTotal, error) {
	orderClause := "cnt DESC, user_id ASC"
	if order == OrderByTotal {
		orderClause = "total DESC, user_id ASC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*) AS cnt, COALESCE(SUM(value), 0) AS total
		FROM activity_records
		WHERE guild_id = $1 AND kind = $2 AND created_at >= $3
		GROUP BY user_id
		ORDER BY `+orderClause+`
		LIMIT $4
	`, guildID, string(kind), since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserTotal
	for rows.Next() {
		var total UserTotal
		if err := rows.Scan(&total.UserID, &total.Count, &total.Total); err != nil {
			return nil, err
		}
		out = append(out, total)
	}
	return out, rows.Err()
}

func (s *Postgres) CountActivity(ctx context.Context, guildID string, kind RecordKind, field string, since time.Time, limit int) ([]Counter, error) {
	if limit <= 0 {
		limit = maxGroups
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT metadata->>$3 AS key, COUNT(*) AS total
		FROM activity_records
		WHERE guild_id = $1 AND kind = $2 AND created_at >= $4 AND COALESCE(metadata->>$3, '') <> ''
		GROUP BY key
		ORDER BY total DESC, key ASC
		LIMIT $5
	`, guildID, string(kind), field, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Counter
	for rows.Next() {
		var counter Counter
		if err := rows.Scan(&counter.Key, &counter.Value); err != nil {
			return nil, err
		}
		out = append(out, counter)
	}
	return out, rows.Err()
}

func (s *Postgres) RecordMemberJoin(ctx context.Context, join MemberJoin) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO member_joins (guild_id, user_id, joined_at, dm_sent, verified)
		VALUES ($1, $2, $3, $4, $5)
	`, join.GuildID, join.UserID, join.JoinedAt.UTC(), join.DMSent, join.Verified)
	return err
}

func (s *Postgres) CompleteMemberJoin(ctx context.Context, guildID, userID string, leftAt time.Time) (MemberJoin, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE member_joins SET
			left_at = $3,
			duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3 - joined_at))::bigint)
		WHERE id = (
			SELECT id FROM member_joins
			WHERE guild_id = $1 AND user_id = $2 AND left_at IS NULL
			ORDER BY joined_at DESC
			LIMIT 1
		)
		RETURNING guild_id, user_id, joined_at, left_at, duration_seconds, dm_sent, verified
	`, guildID, userID, leftAt.UTC())

	join, err := scanMemberJoin(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemberJoin{}, ErrNotFound
		}
		return MemberJoin{}, err
	}
	return join, nil
}

func (s *Postgres) MemberJoinsSince(ctx context.Context, guildID string, since time.Time) ([]MemberJoin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, user_id, joined_at, left_at, duration_seconds, dm_sent, verified
		FROM member_joins
		WHERE guild_id = $1 AND joined_at >= $2
		ORDER BY joined_at
	`, guildID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemberJoin
	for rows.Next() {
		join, err := scanMemberJoin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, join)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendInviteUse(ctx context.Context, use InviteUse) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invite_uses (guild_id, inviter_id, invited_id, code, address, used_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, use.GuildID, use.InviterID, use.InvitedID, use.Code, use.Address, use.UsedAt.UTC())
	return err
}

func (s *Postgres) InviteUsesSince(ctx context.Context, guildID, inviterID string, since time.Time) ([]InviteUse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guild_id, inviter_id, invited_id, code, address, used_at
		FROM invite_uses
		WHERE guild_id = $1 AND inviter_id = $2 AND used_at >= $3
		ORDER BY used_at
	`, guildID, inviterID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InviteUse
	for rows.Next() {
		var use InviteUse
		if err := rows.Scan(&use.GuildID, &use.InviterID, &use.InvitedID, &use.Code, &use.Address, &use.UsedAt); err != nil {
			return nil, err
		}
		out = append(out, use)
	}
	return out, rows.Err()
}

func (s *Postgres) GetDashboard(ctx context.Context, guildID string) (DashboardRef, error) {
	var ref DashboardRef
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT guild_id, channel_id, messages, updated_at
		FROM dashboard_refs WHERE guild_id = $1
	`, guildID).Scan(&ref.GuildID, &ref.ChannelID, &raw, &ref.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DashboardRef{}, ErrNotFound
		}
		return DashboardRef{}, err
	}
	ref.Messages = make(map[string]string)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ref.Messages); err != nil {
			return DashboardRef{}, fmt.Errorf("decode dashboard messages: %w", err)
		}
	}
	return ref, nil
}

func (s *Postgres) SaveDashboard(ctx context.Context, ref DashboardRef) error {
	raw, err := json.Marshal(nonNilMap(ref.Messages))
	if err != nil {
		return fmt.Errorf("encode dashboard messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dashboard_refs (guild_id, channel_id, messages, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			messages = EXCLUDED.messages,
			updated_at = EXCLUDED.updated_at
	`, ref.GuildID, ref.ChannelID, raw, ref.UpdatedAt.UTC())
	return err
}

func (s *Postgres) AddAuditLog(ctx context.Context, log AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, log.GuildID, log.UserID, log.Level, log.Event, log.Details, log.CreatedAt.Unix())
	return err
}

func (s *Postgres) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, level, event, details, created_at
		FROM audit_logs
		WHERE guild_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var log AuditLog
		var created int64
		if err := rows.Scan(&log.ID, &log.GuildID, &log.UserID, &log.Level, &log.Event, &log.Details, &created); err != nil {
			return nil, err
		}
		log.CreatedAt = time.Unix(created, 0)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// PurgeBefore removes at most batch rows per table older than cutoff. Callers
// loop until it reports zero.
func (s *Postgres) PurgeBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 1000
	}
	statements := []struct {
		query string
		arg   any
	}{
		{`DELETE FROM activity_records WHERE id IN (SELECT id FROM activity_records WHERE created_at < $1 LIMIT $2)`, cutoff.UTC()},
		{`DELETE FROM guild_stats WHERE ctid IN (SELECT ctid FROM guild_stats WHERE date < $1::date LIMIT $2)`, DayKey(cutoff)},
		{`DELETE FROM guild_stat_counters WHERE ctid IN (SELECT ctid FROM guild_stat_counters WHERE date < $1::date LIMIT $2)`, DayKey(cutoff)},
		{`DELETE FROM invite_uses WHERE id IN (SELECT id FROM invite_uses WHERE used_at < $1 LIMIT $2)`, cutoff.UTC()},
		{`DELETE FROM member_joins WHERE id IN (SELECT id FROM member_joins WHERE joined_at < $1 LIMIT $2)`, cutoff.UTC()},
		{`DELETE FROM audit_logs WHERE id IN (SELECT id FROM audit_logs WHERE created_at < $1 LIMIT $2)`, cutoff.Unix()},
	}

	var total int64
	for _, stmt := range statements {
		res, err := s.db.ExecContext(ctx, stmt.query, stmt.arg, batch)
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemberJoin(row rowScanner) (MemberJoin, error) {
	var join MemberJoin
	var leftAt sql.NullTime
	var duration sql.NullInt64
	if err := row.Scan(&join.GuildID, &join.UserID, &join.JoinedAt, &leftAt, &duration, &join.DMSent, &join.Verified); err != nil {
		return MemberJoin{}, err
	}
	if leftAt.Valid {
		value := leftAt.Time
		join.LeftAt = &value
	}
	if duration.Valid {
		value := duration.Int64
		join.DurationSeconds = &value
	}
	return join, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
