package bot

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"guildpulse/internal/alerting"
	"guildpulse/internal/config"
	"guildpulse/internal/dashboard"
	"guildpulse/internal/external"
)

func TestMatchChannelKeywordPriority(t *testing.T) {
	channels := []*discordgo.Channel{
		{ID: "voice", Name: "stats-voice", Type: discordgo.ChannelTypeGuildVoice},
		{ID: "general", Name: "general", Type: discordgo.ChannelTypeGuildText},
		{ID: "stats", Name: "server-stats", Type: discordgo.ChannelTypeGuildText},
		{ID: "dash", Name: "📊-Dashboard", Type: discordgo.ChannelTypeGuildText},
	}
	if got := matchChannel(channels, []string{"dashboard", "stats"}); got != "dash" {
		t.Fatalf("expected dash, got %q", got)
	}
	if got := matchChannel(channels, []string{"stats"}); got != "stats" {
		t.Fatalf("voice channels must be skipped, got %q", got)
	}
	if got := matchChannel(channels, []string{"alerts"}); got != "" {
		t.Fatalf("expected no match, got %q", got)
	}
}

func TestUsedInvite(t *testing.T) {
	inviter := &discordgo.User{ID: "u-inviter"}
	before := map[string]inviteSnapshot{
		"abc": {uses: 2, inviterID: "u-inviter"},
		"def": {uses: 5, inviterID: "u-other"},
	}

	after := []*discordgo.Invite{
		{Code: "abc", Uses: 3, Inviter: inviter},
		{Code: "def", Uses: 5, Inviter: &discordgo.User{ID: "u-other"}},
	}
	code, inviterID, ok := usedInvite(before, after)
	if !ok || code != "abc" || inviterID != "u-inviter" {
		t.Fatalf("unexpected attribution %q %q %v", code, inviterID, ok)
	}

	ambiguous := []*discordgo.Invite{
		{Code: "abc", Uses: 3, Inviter: inviter},
		{Code: "def", Uses: 6},
	}
	if _, _, ok := usedInvite(before, ambiguous); ok {
		t.Fatalf("two grown invites must not be attributed")
	}

	fresh := []*discordgo.Invite{{Code: "new", Uses: 1, Inviter: inviter}}
	if code, _, ok := usedInvite(before, fresh); !ok || code != "new" {
		t.Fatalf("expected unseen invite with a use to be attributed, got %q %v", code, ok)
	}
}

func TestCurrentGame(t *testing.T) {
	activities := []*discordgo.Activity{
		{Name: "Spotify", Type: discordgo.ActivityTypeListening},
		{Name: "Factorio", Type: discordgo.ActivityTypeGame},
	}
	if got := currentGame(activities); got != "Factorio" {
		t.Fatalf("expected Factorio, got %q", got)
	}
	if got := currentGame(activities[:1]); got != "" {
		t.Fatalf("expected no game, got %q", got)
	}
}

func TestVoiceFlags(t *testing.T) {
	flags := voiceFlags(&discordgo.VoiceState{SelfMute: true, Deaf: true, SelfStream: true})
	if !flags.Muted || !flags.Deafened || !flags.Streaming || flags.Video {
		t.Fatalf("unexpected flags %+v", flags)
	}
}

func TestUserError(t *testing.T) {
	err := errors.New("pq: relation missing")
	if got := userError(false, err); strings.Contains(got, "pq") {
		t.Fatalf("production message leaked internals: %q", got)
	}
	if got := userError(true, err); !strings.Contains(got, "relation missing") {
		t.Fatalf("development message should include the error, got %q", got)
	}

	limited := fmt.Errorf("commits: %w", &external.RateLimitedError{Resource: "github", RetryAfter: 90 * time.Second})
	if got := userError(false, limited); !strings.Contains(got, "1m30s") {
		t.Fatalf("expected retry hint, got %q", got)
	}
}

func TestIsUnknown(t *testing.T) {
	notFound := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
	if !isUnknown(fmt.Errorf("edit: %w", notFound), discordgo.ErrCodeUnknownMessage) {
		t.Fatalf("404 should be an unknown message")
	}
	coded := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusBadRequest},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMessage},
	}
	if !isUnknown(coded, discordgo.ErrCodeUnknownMessage) {
		t.Fatalf("unknown message code should match")
	}
	if isUnknown(coded, discordgo.ErrCodeUnknownChannel) {
		t.Fatalf("unknown message code is not an unknown channel")
	}
	channel := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusBadRequest},
		Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownChannel},
	}
	if !isUnknown(channel, discordgo.ErrCodeUnknownChannel) {
		t.Fatalf("unknown channel code should match")
	}
	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
	if isUnknown(forbidden, discordgo.ErrCodeUnknownChannel) || isUnknown(errors.New("boom"), discordgo.ErrCodeUnknownChannel) {
		t.Fatalf("other errors must not match")
	}
}

func TestToEmbed(t *testing.T) {
	embed := toEmbed(dashboard.Content{
		Title:  "Server Overview",
		Color:  0x123456,
		Footer: "Last 7 days",
		Fields: []dashboard.Field{{Name: "Messages", Value: "42", Inline: true}},
	})
	if embed.Title != "Server Overview" || embed.Color != 0x123456 {
		t.Fatalf("unexpected embed %+v", embed)
	}
	if len(embed.Fields) != 1 || !embed.Fields[0].Inline || embed.Footer == nil || embed.Footer.Text != "Last 7 days" {
		t.Fatalf("unexpected embed body %+v", embed)
	}
}

func TestAlertEmbedColors(t *testing.T) {
	colors := config.Colors{Low: 1, Medium: 2, High: 3}
	embed := alertEmbed(alerting.Alert{Type: "invite_abuse", Priority: alerting.PriorityHigh, Title: "Invite abuse", UserID: "u1"}, colors)
	if embed.Color != 3 {
		t.Fatalf("expected high color, got %d", embed.Color)
	}
	if embed.Footer.Text != "CRIT | invite_abuse" {
		t.Fatalf("unexpected footer %q", embed.Footer.Text)
	}
	if len(embed.Fields) != 1 || embed.Fields[0].Value != "<@u1>" {
		t.Fatalf("expected user field, got %+v", embed.Fields)
	}
}
