package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guildpulse/internal/storage"
)

const topLimit = 5

// Query is one of the package's stats dispatches. The unexported method keeps
// the set closed.
type Query interface {
	Name() string
	Title() string
	build(ctx context.Context, e *Engine, guildID string, since time.Time) (Result, error)
}

var (
	Overview Query = overviewQuery{}
	Messages Query = messagesQuery{}
	Voice    Query = voiceQuery{}
	Members  Query = membersQuery{}
	Welcome  Query = welcomeQuery{}
	Invites  Query = invitesQuery{}
)

// Queries lists every query in display order.
func Queries() []Query {
	return []Query{Overview, Messages, Voice, Members, Welcome, Invites}
}

func ParseQuery(name string) (Query, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, q := range Queries() {
		if q.Name() == name {
			return q, nil
		}
	}
	return nil, fmt.Errorf("unknown stats type %q", name)
}

type overviewQuery struct{}

func (overviewQuery) Name() string  { return "overview" }
func (overviewQuery) Title() string { return "Server Overview" }

func (overviewQuery) build(ctx context.Context, e *Engine, guildID string, since time.Time) (Result, error) {
	var (
		commands storage.ActivitySummary
		statuses []storage.Counter
		messages storage.ActivitySummary
		voice    storage.ActivitySummary
		limited  storage.ActivitySummary
		top      []storage.Counter
		audit    AuditReport
	)
	err := e.collect(ctx,
		func(ctx context.Context) (err error) {
			commands, err = e.store.SummarizeActivity(ctx, guildID, storage.KindCommand, since)
			return err
		},
		func(ctx context.Context) (err error) {
			statuses, err = e.store.CountActivity(ctx, guildID, storage.KindCommand, "status", since, 0)
			return err
		},
		func(ctx context.Context) (err error) {
			messages, err = e.store.SummarizeActivity(ctx, guildID, storage.KindMessage, since)
			return err
		},
		func(ctx context.Context) (err error) {
			voice, err = e.store.SummarizeActivity(ctx, guildID, storage.KindVoiceSession, since)
			return err
		},
		func(ctx context.Context) (err error) {
			limited, err = e.store.SummarizeActivity(ctx, guildID, storage.KindRateLimited, since)
			return err
		},
		func(ctx context.Context) (err error) {
			top, err = e.store.CountActivity(ctx, guildID, storage.KindCommand, "command", since, topLimit)
			return err
		},
	)
	if err == nil {
		audit, err = e.AuditReport(ctx, guildID, since)
	}
	if err != nil {
		commands, statuses, messages, voice, limited, top, audit = storage.ActivitySummary{}, nil, storage.ActivitySummary{}, storage.ActivitySummary{}, storage.ActivitySummary{}, nil, AuditReport{}
	}

	errorCount := counterValue(statuses, "error")
	var avgExec int64
	if commands.Count > 0 {
		avgExec = commands.Total / commands.Count
	}
	res := Result{
		Fields: []Field{
			{"Total Commands", FormatCount(commands.Count)},
			{"Total Errors", FormatCount(errorCount)},
			{"Success Rate", Percent(commands.Count-errorCount, commands.Count)},
			{"Avg Execution", fmt.Sprintf("%dms", avgExec)},
			{"Rate Limited", FormatCount(limited.Count)},
			{"Messages", FormatCount(messages.Count)},
			{"Voice Time", FormatMinutes(voice.Total / 60)},
			{"Active Users", FormatCount(messages.Users)},
			{"Alerts", FormatCount(int64(audit.Total))},
		},
		TopTitle: "Top Commands",
		Top:      counterItems(top, "/"),
	}
	return res, err
}

type messagesQuery struct{}

func (messagesQuery) Name() string  { return "messages" }
func (messagesQuery) Title() string { return "Message Activity" }

func (messagesQuery) build(ctx context.Context, e *Engine, guildID string, since time.Time) (Result, error) {
	var (
		summary  storage.ActivitySummary
		hours    []storage.Counter
		channels []storage.Counter
	)
	err := e.collect(ctx,
		func(ctx context.Context) (err error) {
			summary, err = e.store.SummarizeActivity(ctx, guildID, storage.KindMessage, since)
			return err
		},
		func(ctx context.Context) (err error) {
			hours, err = e.store.CountActivity(ctx, guildID, storage.KindMessage, "hour", since, 1)
			return err
		},
		func(ctx context.Context) (err error) {
			channels, err = e.store.CountActivity(ctx, guildID, storage.KindMessage, "channel_id", since, topLimit)
			return err
		},
	)
	if err != nil {
		summary, hours, channels = storage.ActivitySummary{}, nil, nil
	}

	res := Result{
		Fields: []Field{
			{"Total Messages", FormatCount(summary.Count)},
			{"Active Members", FormatCount(summary.Users)},
			{"Avg Per Member", ratio(summary.Count, summary.Users)},
			{"XP Awarded", FormatCount(summary.Total)},
			{"Peak Hour", peakHour(hours)},
		},
		TopTitle: "Top Channels",
		Top:      channelItems(channels),
	}
	return res, err
}

type voiceQuery struct{}

func (voiceQuery) Name() string  { return "voice" }
func (voiceQuery) Title() string { return "Voice Activity" }

func (voiceQuery) build(ctx context.Context, e *Engine, guildID string, since time.Time) (Result, error) {
	var (
		summary   storage.ActivitySummary
		streaming []storage.Counter
		topUsers  []storage.UserTotal
	)
	err := e.collect(ctx,
		func(ctx context.Context) (err error) {
			summary, err = e.store.SummarizeActivity(ctx, guildID, storage.KindVoiceSession, since)
			return err
		},
		func(ctx context.Context) (err error) {
			streaming, err = e.store.CountActivity(ctx, guildID, storage.KindVoiceSession, "streaming", since, 0)
			return err
		},
		func(ctx context.Context) (err error) {
			topUsers, err = e.store.TopUsers(ctx, guildID, storage.KindVoiceSession, since, storage.OrderByTotal, topLimit)
			return err
		},
	)
	if err != nil {
		summary, streaming, topUsers = storage.ActivitySummary{}, nil, nil
	}

	var avg int64
	if summary.Count > 0 {
		avg = summary.Total / summary.Count / 60
	}
	top := make([]TopItem, 0, len(topUsers))
	for _, u := range topUsers {
		top = append(top, TopItem{Name: "<@" + u.UserID + ">", Value: FormatMinutes(u.Total / 60), Score: u.Total})
	}
	res := Result{
		Fields: []Field{
			{"Total Voice Time", FormatMinutes(summary.Total / 60)},
			{"Sessions", FormatCount(summary.Count)},
			{"Unique Users", FormatCount(summary.Users)},
			{"Avg Session", FormatMinutes(avg)},
			{"Streaming Sessions", FormatCount(counterValue(streaming, "true"))},
		},
		TopTitle: "Most Active in Voice",
		Top:      top,
	}
	return res, err
}

type membersQuery struct{}

func (membersQuery) Name() string  { return "members" }
func (membersQuery) Title() string { return "Member Growth" }

func (membersQuery) build(ctx context.Context, e *Engine, guildID string, since time.Time) (Result, error) {
	var (
		joined storage.ActivitySummary
		left   storage.ActivitySummary
		joins  []storage.MemberJoin
		hours  []storage.Counter
		days   []storage.Counter
	)
	err := e.collect(ctx,
		func(ctx context.Context) (err error) {
			joined, err = e.store.SummarizeActivity(ctx, guildID, storage.KindMemberJoin, since)
			return err
		},
		func(ctx context.Context) (err error) {
			left, err = e.store.SummarizeActivity(ctx, guildID, storage.KindMemberLeave, since)
			return err
		},
		func(ctx context.Context) (err error) {
			joins, err = e.store.MemberJoinsSince(ctx, guildID, since)
			return err
		},
		func(ctx context.Context) (err error) {
			hours, err = e.store.CountActivity(ctx, guildID, storage.KindMemberJoin, "hour", since, 1)
			return err
		},
		func(ctx context.Context) (err error) {
			days, err = e.store.CountActivity(ctx, guildID, storage.KindMemberJoin, "dow", since, 1)
			return err
		},
	)
	if err != nil {
		joined, left, joins, hours, days = storage.ActivitySummary{}, storage.ActivitySummary{}, nil, nil, nil
	}

	var stayed, departed, stayTotal int64
	for _, join := range joins {
		if join.LeftAt == nil {
			stayed++
			continue
		}
		departed++
		if join.DurationSeconds != nil {
			stayTotal += *join.DurationSeconds
		}
	}
	var avgStay int64
	if departed > 0 {
		avgStay = stayTotal / departed / 60
	}

	busiest := "N/A"
	if len(days) > 0 {
		busiest = days[0].Key
	}
	res := Result{
		Fields: []Field{
			{"Joins", FormatCount(joined.Count)},
			{"Leaves", FormatCount(left.Count)},
			{"Net Growth", signed(joined.Count - left.Count)},
			{"Retention Rate", Percent(stayed, stayed+departed)},
			{"Avg Stay (leavers)", FormatMinutes(avgStay)},
			{"Peak Join Hour", peakHour(hours)},
			{"Busiest Day", busiest},
		},
	}
	return res, err
}

type welcomeQuery struct{}

func (welcomeQuery) Name() string  { return "welcome" }
func (welcomeQuery) Title() string { return "Welcome Funnel" }

func (welcomeQuery) build(ctx context.Context, e *Engine, guildID string, since time.Time) (Result, error) {
	var (
		joined   storage.ActivitySummary
		verified storage.ActivitySummary
		dms      []storage.Counter
	)
	err := e.collect(ctx,
		func(ctx context.Context) (err error) {
			joined, err = e.store.SummarizeActivity(ctx, guildID, storage.KindMemberJoin, since)
			return err
		},
		func(ctx context.Context) (err error) {
			verified, err = e.store.SummarizeActivity(ctx, guildID, storage.KindMemberVerified, since)
			return err
		},
		func(ctx context.Context) (err error) {
			dms, err = e.store.CountActivity(ctx, guildID, storage.KindMemberJoin, "welcome_dm", since, 0)
			return err
		},
	)
	if err != nil {
		joined, verified, dms = storage.ActivitySummary{}, storage.ActivitySummary{}, nil
	}

	sent := counterValue(dms, "sent")
	failed := counterValue(dms, "failed")
	res := Result{
		Fields: []Field{
			{"New Members", FormatCount(joined.Count)},
			{"DMs Sent", FormatCount(sent)},
			{"DMs Failed", FormatCount(failed)},
			{"DM Success Rate", Percent(sent, sent+failed)},
			{"Verified", FormatCount(verified.Count)},
			{"Verification Rate", Percent(verified.Count, joined.Count)},
		},
	}
	return res, err
}

type invitesQuery struct{}

func (invitesQuery) Name() string  { return "invites" }
func (invitesQuery) Title() string { return "Invite Tracking" }

func (invitesQuery) build(ctx context.Context, e *Engine, guildID string, since time.Time) (Result, error) {
	var (
		summary  storage.ActivitySummary
		inviters []storage.UserTotal
	)
	err := e.collect(ctx,
		func(ctx context.Context) (err error) {
			summary, err = e.store.SummarizeActivity(ctx, guildID, storage.KindInviteUse, since)
			return err
		},
		func(ctx context.Context) (err error) {
			inviters, err = e.store.TopUsers(ctx, guildID, storage.KindInviteUse, since, storage.OrderByCount, topLimit)
			return err
		},
	)
	if err != nil {
		summary, inviters = storage.ActivitySummary{}, nil
	}

	top := make([]TopItem, 0, len(inviters))
	for _, u := range inviters {
		top = append(top, TopItem{Name: "<@" + u.UserID + ">", Value: FormatCount(u.Count) + " invites", Score: u.Count})
	}
	res := Result{
		Fields: []Field{
			{"Invite Uses", FormatCount(summary.Count)},
			{"Active Inviters", FormatCount(summary.Users)},
			{"Avg Per Inviter", ratio(summary.Count, summary.Users)},
		},
		TopTitle: "Top Inviters",
		Top:      top,
	}
	return res, err
}

func counterItems(counters []storage.Counter, display string) []TopItem {
	items := make([]TopItem, 0, len(counters))
	for _, c := range counters {
		items = append(items, TopItem{
			Name:  display + c.Key,
			Value: FormatCount(c.Value),
			Score: c.Value,
		})
	}
	return items
}

func channelItems(counters []storage.Counter) []TopItem {
	items := make([]TopItem, 0, len(counters))
	for _, c := range counters {
		items = append(items, TopItem{
			Name:  "<#" + c.Key + ">",
			Value: FormatCount(c.Value) + " messages",
			Score: c.Value,
		})
	}
	return items
}

func counterValue(counters []storage.Counter, key string) int64 {
	for _, c := range counters {
		if c.Key == key {
			return c.Value
		}
	}
	return 0
}

func peakHour(counters []storage.Counter) string {
	if len(counters) == 0 {
		return "N/A"
	}
	return counters[0].Key + ":00 UTC"
}

func ratio(num, den int64) string {
	if den == 0 {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", float64(num)/float64(den))
}

func signed(n int64) string {
	if n > 0 {
		return "+" + FormatCount(n)
	}
	return FormatCount(n)
}
