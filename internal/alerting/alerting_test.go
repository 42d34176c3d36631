package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"guildpulse/internal/config"
	"guildpulse/internal/storage"
)

type recordingNotifier struct {
	mu       sync.Mutex
	alerts   []Alert
	mentions []bool
	err      error
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, alert Alert, mention bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	r.mentions = append(r.mentions, mention)
	return r.err
}

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

func TestSinkMentionsOnlyHigh(t *testing.T) {
	store := storage.NewMemory()
	sink := NewSink(store, zap.NewNop())
	notifier := &recordingNotifier{}
	sink.SetNotifier(notifier)
	ctx := context.Background()

	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh} {
		if err := sink.Send(ctx, "g1", Alert{Type: "test", Priority: p, Content: string(p)}); err != nil {
			t.Fatalf("send %s: %v", p, err)
		}
	}
	if len(notifier.mentions) != 3 || notifier.mentions[0] || notifier.mentions[1] || !notifier.mentions[2] {
		t.Fatalf("unexpected mentions %v", notifier.mentions)
	}

	logs, err := store.ListAuditLogs(ctx, "g1", time.Time{})
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected every priority in the audit log, got %d", len(logs))
	}
	if logs[0].Level != LevelCrit {
		t.Fatalf("expected newest entry to be CRIT, got %s", logs[0].Level)
	}
}

func TestSinkWithoutChannelStillAudits(t *testing.T) {
	store := storage.NewMemory()
	sink := NewSink(store, zap.NewNop())
	sink.SetNotifier(&recordingNotifier{err: ErrNoChannel})

	if err := sink.Send(context.Background(), "g1", Alert{Type: "test", Priority: PriorityHigh}); err != nil {
		t.Fatalf("missing channel should not fail: %v", err)
	}
	logs, _ := store.ListAuditLogs(context.Background(), "g1", time.Time{})
	if len(logs) != 1 {
		t.Fatalf("expected audit entry, got %d", len(logs))
	}
}

func TestSinkReportsDeliveryFailure(t *testing.T) {
	sink := NewSink(storage.NewMemory(), zap.NewNop())
	sink.SetNotifier(&recordingNotifier{err: errors.New("discord down")})
	if err := sink.Send(context.Background(), "g1", Alert{Type: "test"}); err == nil {
		t.Fatalf("expected delivery error")
	}
}

func thresholds() config.InviteThresholds {
	return config.DefaultConfig().Invites
}

func uses(n int, target func(i int) string, address string) []storage.InviteUse {
	out := make([]storage.InviteUse, n)
	for i := range out {
		out[i] = storage.InviteUse{GuildID: "g1", InviterID: "inv", InvitedID: target(i), Address: address}
	}
	return out
}

func TestEvaluatePatterns(t *testing.T) {
	distinct := func(i int) string { return fmt.Sprintf("u%d", i) }
	same := func(int) string { return "u1" }

	tests := []struct {
		name string
		uses []storage.InviteUse
		want []string
	}{
		{"quiet", uses(3, distinct, ""), nil},
		{"volume", uses(11, distinct, ""), []string{PatternVolume}},
		{"duplicates", uses(4, same, ""), []string{PatternDuplicates}},
		{"below duplicate minimum", uses(2, same, ""), nil},
		{"single address", uses(4, distinct, "10.0.0.1"), []string{PatternSingleAddress}},
		{"all three", uses(12, same, "10.0.0.1"), []string{PatternVolume, PatternDuplicates, PatternSingleAddress}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.uses, thresholds())
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestInviteDetectorRaisesOncePerPatternSet(t *testing.T) {
	store := storage.NewMemory()
	sink := NewSink(store, zap.NewNop())
	notifier := &recordingNotifier{}
	sink.SetNotifier(notifier)

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	detector := NewInviteDetector(store, sink, thresholds(), zap.NewNop())
	detector.WithClock(fakeClock{now: now})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_ = store.AppendInviteUse(ctx, storage.InviteUse{GuildID: "g1", InviterID: "inv", InvitedID: fmt.Sprintf("u%d", i), UsedAt: now.Add(-time.Duration(i) * time.Minute)})
		if _, err := detector.Check(ctx, "g1", "inv"); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if len(notifier.alerts) != 1 {
		t.Fatalf("expected one alert for the volume pattern, got %d", len(notifier.alerts))
	}
	if notifier.alerts[0].Priority != PriorityHigh || !notifier.mentions[0] {
		t.Fatalf("invite alerts must be high priority with a mention")
	}
}

func TestInviteDetectorIgnoresOldUses(t *testing.T) {
	store := storage.NewMemory()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	detector := NewInviteDetector(store, NewSink(store, zap.NewNop()), thresholds(), zap.NewNop())
	detector.WithClock(fakeClock{now: now})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_ = store.AppendInviteUse(ctx, storage.InviteUse{GuildID: "g1", InviterID: "inv", InvitedID: fmt.Sprint(i), UsedAt: now.Add(-25 * time.Hour)})
	}
	detection, err := detector.Check(ctx, "g1", "inv")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if detection.Uses != 0 || detection.Alerted {
		t.Fatalf("expected nothing inside the window, got %+v", detection)
	}
}

func TestJoinSurgeAlertsOncePerWindow(t *testing.T) {
	notifier := &recordingNotifier{}
	sink := NewSink(storage.NewMemory(), zap.NewNop())
	sink.SetNotifier(notifier)
	clock := &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	detector := NewJoinSurgeDetector(sink, config.JoinSurge{Joins: 3, WindowSeconds: 10}, zap.NewNop())
	detector.WithClock(clock)
	ctx := context.Background()

	var fired []bool
	for i := 0; i < 5; i++ {
		ok, err := detector.Observe(ctx, "g1", fmt.Sprintf("u%d", i))
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		fired = append(fired, ok)
		clock.now = clock.now.Add(time.Second)
	}
	if fired[0] || fired[1] || !fired[2] || fired[3] || fired[4] {
		t.Fatalf("expected a single alert on the third join, got %v", fired)
	}
	if len(notifier.alerts) != 1 || notifier.alerts[0].Priority != PriorityMedium {
		t.Fatalf("unexpected alerts %+v", notifier.alerts)
	}

	clock.now = clock.now.Add(30 * time.Second)
	for i := 0; i < 3; i++ {
		_, _ = detector.Observe(ctx, "g1", "late")
	}
	if len(notifier.alerts) != 2 {
		t.Fatalf("expected a new alert after the window, got %d", len(notifier.alerts))
	}
}

func TestJoinSurgeDisabled(t *testing.T) {
	detector := NewJoinSurgeDetector(NewSink(nil, zap.NewNop()), config.JoinSurge{}, zap.NewNop())
	for i := 0; i < 20; i++ {
		if ok, _ := detector.Observe(context.Background(), "g1", "u1"); ok {
			t.Fatalf("zero threshold must never alert")
		}
	}
}
