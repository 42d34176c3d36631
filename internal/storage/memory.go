package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type dayKey struct {
	guildID string
	date    string
}

// Memory is an in-process Store. Every mutation happens under one lock, so
// increments are atomic the same way the SQL upserts are.
type Memory struct {
	mu         sync.RWMutex
	activity   []ActivityRecord
	stats      map[dayKey]*GuildStats
	joins      []MemberJoin
	invites    []InviteUse
	dashboards map[string]DashboardRef
	audit      []AuditLog
	nextAudit  int64
}

func NewMemory() *Memory {
	return &Memory{
		stats:      make(map[dayKey]*GuildStats),
		dashboards: make(map[string]DashboardRef),
	}
}

func (m *Memory) Close() {}

func (m *Memory) AppendActivity(ctx context.Context, record ActivityRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record.Metadata = copyStrings(record.Metadata)
	m.mu.Lock()
	m.activity = append(m.activity, record)
	m.mu.Unlock()
	return nil
}

func (m *Memory) IncrementGuildStats(ctx context.Context, guildID string, day time.Time, delta StatsDelta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if delta.IsZero() {
		return nil
	}
	key := dayKey{guildID: guildID, date: DayKey(day)}

	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats[key]
	if stats == nil {
		stats = &GuildStats{GuildID: guildID, Date: key.date, Counters: make(map[string]int64)}
		m.stats[key] = stats
	}
	stats.Messages += delta.Messages
	stats.Commands += delta.Commands
	stats.Errors += delta.Errors
	stats.VoiceSeconds += delta.VoiceSeconds
	for k, v := range delta.Counters {
		stats.Counters[k] += v
	}
	return nil
}

func (m *Memory) GuildStatsSince(ctx context.Context, guildID string, since time.Time) ([]GuildStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from := DayKey(since)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []GuildStats
	for key, stats := range m.stats {
		if key.guildID != guildID || key.date < from {
			continue
		}
		snapshot := *stats
		snapshot.Counters = copyCounts(stats.Counters)
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *Memory) SummarizeActivity(ctx context.Context, guildID string, kind RecordKind, since time.Time) (ActivitySummary, error) {
	if err := ctx.Err(); err != nil {
		return ActivitySummary{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var summary ActivitySummary
	users := make(map[string]struct{})
	for _, record := range m.activity {
		if record.GuildID != guildID || record.Kind != kind || record.CreatedAt.Before(since) {
			continue
		}
		summary.Count++
		summary.Total += record.Value
		users[record.UserID] = struct{}{}
	}
	summary.Users = int64(len(users))
	return summary, nil
}

func (m *Memory) SummarizeUser(ctx context.Context, guildID, userID string, kind RecordKind, since time.Time) (ActivitySummary, error) {
	if err := ctx.Err(); err != nil {
		return ActivitySummary{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var summary ActivitySummary
	for _, record := range m.activity {
		if record.GuildID != guildID || record.UserID != userID || record.Kind != kind || record.CreatedAt.Before(since) {
			continue
		}
		summary.Count++
		summary.Total += record.Value
	}
	if summary.Count > 0 {
		summary.Users = 1
	}
	return summary, nil
}

func (m *Memory) TopUsers(ctx context.Context, guildID string, kind RecordKind, since time.Time, order OrderBy, limit int) ([]UserTotal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	totals := make(map[string]*UserTotal)
	for _, record := range m.activity {
		if record.GuildID != guildID || record.Kind != kind || record.CreatedAt.Before(since) {
			continue
		}
		total := totals[record.UserID]
		if total == nil {
			total = &UserTotal{UserID: record.UserID}
			totals[record.UserID] = total
		}
		total.Count++
		total.Total += record.Value
	}
	m.mu.RUnlock()

	out := make([]UserTotal, 0, len(totals))
	for _, total := range totals {
		out = append(out, *total)
	}
	metric := func(u UserTotal) int64 {
		if order == OrderByTotal {
			return u.Total
		}
		return u.Count
	}
	sort.Slice(out, func(i, j int) bool {
		if metric(out[i]) != metric(out[j]) {
			return metric(out[i]) > metric(out[j])
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountActivity(ctx context.Context, guildID string, kind RecordKind, field string, since time.Time, limit int) ([]Counter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	counts := make(map[string]int64)
	for _, record := range m.activity {
		if record.GuildID != guildID || record.Kind != kind || record.CreatedAt.Before(since) {
			continue
		}
		if value := record.Metadata[field]; value != "" {
			counts[value]++
		}
	}
	m.mu.RUnlock()

	out := make([]Counter, 0, len(counts))
	for key, value := range counts {
		out = append(out, Counter{Key: key, Value: value})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecordMemberJoin(ctx context.Context, join MemberJoin) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.joins = append(m.joins, join)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CompleteMemberJoin(ctx context.Context, guildID, userID string, leftAt time.Time) (MemberJoin, error) {
	if err := ctx.Err(); err != nil {
		return MemberJoin{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, join := range m.joins {
		if join.GuildID != guildID || join.UserID != userID || join.LeftAt != nil {
			continue
		}
		if idx == -1 || join.JoinedAt.After(m.joins[idx].JoinedAt) {
			idx = i
		}
	}
	if idx == -1 {
		return MemberJoin{}, ErrNotFound
	}

	left := leftAt
	duration := int64(leftAt.Sub(m.joins[idx].JoinedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	m.joins[idx].LeftAt = &left
	m.joins[idx].DurationSeconds = &duration
	return m.joins[idx], nil
}

func (m *Memory) MemberJoinsSince(ctx context.Context, guildID string, since time.Time) ([]MemberJoin, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MemberJoin
	for _, join := range m.joins {
		if join.GuildID == guildID && !join.JoinedAt.Before(since) {
			out = append(out, join)
		}
	}
	return out, nil
}

func (m *Memory) AppendInviteUse(ctx context.Context, use InviteUse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.invites = append(m.invites, use)
	m.mu.Unlock()
	return nil
}

func (m *Memory) InviteUsesSince(ctx context.Context, guildID, inviterID string, since time.Time) ([]InviteUse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []InviteUse
	for _, use := range m.invites {
		if use.GuildID == guildID && use.InviterID == inviterID && !use.UsedAt.Before(since) {
			out = append(out, use)
		}
	}
	return out, nil
}

func (m *Memory) GetDashboard(ctx context.Context, guildID string) (DashboardRef, error) {
	if err := ctx.Err(); err != nil {
		return DashboardRef{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.dashboards[guildID]
	if !ok {
		return DashboardRef{}, ErrNotFound
	}
	ref.Messages = copyStrings(ref.Messages)
	return ref, nil
}

func (m *Memory) SaveDashboard(ctx context.Context, ref DashboardRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ref.Messages = copyStrings(ref.Messages)
	m.mu.Lock()
	m.dashboards[ref.GuildID] = ref
	m.mu.Unlock()
	return nil
}

func (m *Memory) AddAuditLog(ctx context.Context, log AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.nextAudit++
	log.ID = m.nextAudit
	m.audit = append(m.audit, log)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditLog
	for i := len(m.audit) - 1; i >= 0; i-- {
		log := m.audit[i]
		if log.GuildID == guildID && !log.CreatedAt.Before(since) {
			out = append(out, log)
		}
	}
	return out, nil
}

func (m *Memory) PurgeBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if batch <= 0 {
		batch = 1000
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	m.activity, total = purge(m.activity, batch, total, func(r ActivityRecord) bool { return r.CreatedAt.Before(cutoff) })
	m.invites, total = purge(m.invites, batch, total, func(u InviteUse) bool { return u.UsedAt.Before(cutoff) })
	m.joins, total = purge(m.joins, batch, total, func(j MemberJoin) bool { return j.JoinedAt.Before(cutoff) })
	m.audit, total = purge(m.audit, batch, total, func(l AuditLog) bool { return l.CreatedAt.Before(cutoff) })

	from := DayKey(cutoff)
	removed := 0
	for key := range m.stats {
		if removed >= batch {
			break
		}
		if key.date < from {
			delete(m.stats, key)
			removed++
		}
	}
	total += int64(removed)
	return total, nil
}

func purge[T any](items []T, batch int, total int64, expired func(T) bool) ([]T, int64) {
	kept := items[:0]
	removed := 0
	for _, item := range items {
		if removed < batch && expired(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	return kept, total + int64(removed)
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
