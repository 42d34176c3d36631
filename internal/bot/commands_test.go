package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"guildpulse/internal/analytics"
	"guildpulse/internal/config"
	"guildpulse/internal/ingest"
	"guildpulse/internal/leaderboard"
	"guildpulse/internal/ratelimit"
	"guildpulse/internal/storage"
)

type fixedLimiter struct{ decision ratelimit.Decision }

func (f fixedLimiter) Check(ctx context.Context, resource string) ratelimit.Decision {
	return f.decision
}

func newCommandBot(store storage.Store, decision ratelimit.Decision) *Bot {
	return &Bot{
		cfg:     config.DefaultConfig(),
		logger:  zap.NewNop(),
		hooks:   ingest.NewHooks(store, nil, nil, config.LevelingConfig{}, zap.NewNop()),
		limiter: fixedLimiter{decision: decision},
	}
}

func statusCounts(t *testing.T, store storage.Store, kind storage.RecordKind) map[string]int64 {
	t.Helper()
	counters, err := store.CountActivity(context.Background(), "g1", kind, "status", time.Time{}, 0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	out := make(map[string]int64, len(counters))
	for _, c := range counters {
		out[c.Key] = c.Value
	}
	return out
}

func TestRunCommandRecordsPanicAsError(t *testing.T) {
	store := storage.NewMemory()
	b := newCommandBot(store, ratelimit.Decision{Allowed: true})
	event := ingest.CommandEvent{Name: "stats", UserID: "u1", GuildID: "g1"}
	panicking := func(ctx context.Context, guildID, userID string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (*discordgo.MessageEmbed, error) {
		panic("nil map")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("panic must propagate to the handler guard")
			}
		}()
		b.runCommand(context.Background(), event, panicking, nil)
	}()

	if got := statusCounts(t, store, storage.KindCommand); got["error"] != 1 || got["success"] != 0 {
		t.Fatalf("expected one error record, got %v", got)
	}
	days, _ := store.GuildStatsSince(context.Background(), "g1", time.Time{})
	if len(days) != 1 || days[0].Errors != 1 || days[0].Commands != 1 {
		t.Fatalf("expected the error in the day snapshot, got %+v", days)
	}
}

func TestRunCommandRateLimitedIsNotAnError(t *testing.T) {
	store := storage.NewMemory()
	b := newCommandBot(store, ratelimit.Decision{Allowed: false, RetryAfter: 42 * time.Second})
	called := false
	handler := func(ctx context.Context, guildID, userID string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (*discordgo.MessageEmbed, error) {
		called = true
		return nil, nil
	}

	embed, reply := b.runCommand(context.Background(), ingest.CommandEvent{Name: "stats", UserID: "u1", GuildID: "g1"}, handler, nil)
	if called || embed != nil {
		t.Fatalf("denied call must not reach the handler")
	}
	if reply != "Slow down! Try again in 42s." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if got := statusCounts(t, store, storage.KindCommand); len(got) != 0 {
		t.Fatalf("denied call must not be a command record, got %v", got)
	}
	if got := statusCounts(t, store, storage.KindRateLimited); got["rate_limited"] != 1 {
		t.Fatalf("expected one rate limited record, got %v", got)
	}
	days, _ := store.GuildStatsSince(context.Background(), "g1", time.Time{})
	if len(days) != 1 || days[0].Errors != 0 || days[0].Counters["command_ratelimited:stats"] != 1 {
		t.Fatalf("unexpected snapshot %+v", days)
	}
}

func TestRunCommandHandlerError(t *testing.T) {
	store := storage.NewMemory()
	b := newCommandBot(store, ratelimit.Decision{Allowed: true})
	failing := func(ctx context.Context, guildID, userID string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (*discordgo.MessageEmbed, error) {
		return nil, errors.New("pq: timeout")
	}

	_, reply := b.runCommand(context.Background(), ingest.CommandEvent{Name: "rank", UserID: "u1", GuildID: "g1"}, failing, nil)
	if reply == "" || strings.Contains(reply, "pq") {
		t.Fatalf("expected a sanitized reply, got %q", reply)
	}
	if got := statusCounts(t, store, storage.KindCommand); got["error"] != 1 {
		t.Fatalf("expected one error record, got %v", got)
	}
}

func TestLeaderboardEmbedTitle(t *testing.T) {
	for _, category := range leaderboard.Categories() {
		embed := leaderboardEmbed(category, nil, analytics.Week, 1)
		if embed.Title != category.Title() {
			t.Fatalf("expected %q, got %q", category.Title(), embed.Title)
		}
		if strings.Count(embed.Title, "Leaderboard") != 1 {
			t.Fatalf("title repeats its suffix: %q", embed.Title)
		}
	}
}

// fakeDiscord points the REST endpoints at a local server for one test.
func fakeDiscord(t *testing.T, handler http.Handler) *discordgo.Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	channels, users := discordgo.EndpointChannels, discordgo.EndpointUsers
	discordgo.EndpointChannels = srv.URL + "/channels/"
	discordgo.EndpointUsers = srv.URL + "/users/"
	t.Cleanup(func() {
		discordgo.EndpointChannels, discordgo.EndpointUsers = channels, users
		srv.Close()
	})

	session, err := discordgo.New("Bot test-token")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	session.Client = srv.Client()
	return session
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestSendWelcome(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/users/@me/channels", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RecipientID string `json:"recipient_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.RecipientID == "closed" {
			writeJSON(w, http.StatusForbidden, `{"message":"Cannot send messages to this user","code":50007}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"id":"dm-`+body.RecipientID+`","type":1}`)
	})
	mux.HandleFunc("/channels/dm-open/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		sent = append(sent, body.Content)
		mu.Unlock()
		writeJSON(w, http.StatusOK, `{"id":"m1","channel_id":"dm-open"}`)
	})
	session := fakeDiscord(t, mux)

	b := &Bot{cfg: config.DefaultConfig(), logger: zap.NewNop(), session: session}
	b.cfg.Welcome.DMMessage = "Welcome to {server}!"

	if got := b.sendWelcome(session, "g1", "open"); got != ingest.DMSent {
		t.Fatalf("expected sent, got %q", got)
	}
	mu.Lock()
	if len(sent) != 1 || sent[0] != "Welcome to the server!" {
		t.Fatalf("unexpected DM content %v", sent)
	}
	mu.Unlock()

	if got := b.sendWelcome(session, "g1", "closed"); got != ingest.DMFailed {
		t.Fatalf("expected failed, got %q", got)
	}

	b.cfg.Welcome.DMMessage = ""
	if got := b.sendWelcome(session, "g1", "open"); got != ingest.DMSkipped {
		t.Fatalf("expected skipped, got %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("disabled welcome must not send, got %v", sent)
	}
}

func TestChannelExistsOnlyTrustsUnknownChannel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"live","type":0}`)
	})
	mux.HandleFunc("/channels/deleted", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"Unknown Channel","code":10003}`)
	})
	mux.HandleFunc("/channels/outage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"message":"Internal Server Error","code":0}`)
	})
	mux.HandleFunc("/channels/hidden", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"message":"Missing Access","code":50001}`)
	})
	session := fakeDiscord(t, mux)
	b := &Bot{cfg: config.DefaultConfig(), logger: zap.NewNop(), session: session}
	ctx := context.Background()

	if ok, err := b.ChannelExists(ctx, "live"); !ok || err != nil {
		t.Fatalf("live channel: %v %v", ok, err)
	}
	if ok, err := b.ChannelExists(ctx, "deleted"); ok || err != nil {
		t.Fatalf("deleted channel must be gone without error: %v %v", ok, err)
	}
	for _, id := range []string{"outage", "hidden"} {
		if _, err := b.ChannelExists(ctx, id); err == nil {
			t.Fatalf("%s: transient failure must surface as an error", id)
		}
	}
}
