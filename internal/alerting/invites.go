package alerting

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"guildpulse/internal/config"
	"guildpulse/internal/storage"
)

const (
	PatternVolume        = "volume"
	PatternDuplicates    = "duplicates"
	PatternSingleAddress = "single_address"
)

type Detection struct {
	Patterns []string
	Uses     int
	Alerted  bool
}

// InviteDetector looks for abusive invite patterns per inviter over a rolling
// window. One alert is raised per distinct pattern set and repeats inside the
// window are suppressed.
type InviteDetector struct {
	store  storage.Store
	sink   *Sink
	cfg    config.InviteThresholds
	logger *zap.Logger
	clock  Clock

	mu     sync.Mutex
	raised *lru.LRU[string, struct{}]
}

func NewInviteDetector(store storage.Store, sink *Sink, cfg config.InviteThresholds, logger *zap.Logger) *InviteDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	return &InviteDetector{
		store:  store,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		clock:  realClock{},
		raised: lru.NewLRU[string, struct{}](10_000, nil, time.Duration(cfg.WindowHours)*time.Hour),
	}
}

func (d *InviteDetector) WithClock(clock Clock) {
	d.clock = clock
}

func (d *InviteDetector) Check(ctx context.Context, guildID, inviterID string) (Detection, error) {
	window := time.Duration(d.cfg.WindowHours) * time.Hour
	since := d.clock.Now().Add(-window)

	uses, err := d.store.InviteUsesSince(ctx, guildID, inviterID, since)
	if err != nil {
		return Detection{}, fmt.Errorf("load invite history: %w", err)
	}

	detection := Detection{Uses: len(uses), Patterns: Evaluate(uses, d.cfg)}
	if len(detection.Patterns) == 0 {
		return detection, nil
	}

	key := guildID + ":" + inviterID + ":" + strings.Join(detection.Patterns, ",")
	d.mu.Lock()
	if d.raised.Contains(key) {
		d.mu.Unlock()
		return detection, nil
	}
	d.raised.Add(key, struct{}{})
	d.mu.Unlock()

	alert := Alert{
		Type:     "suspicious_invites",
		Priority: PriorityHigh,
		Title:    "Suspicious invite activity",
		Content:  fmt.Sprintf("<@%s> triggered %s", inviterID, strings.Join(detection.Patterns, ", ")),
		UserID:   inviterID,
		Fields: []Field{
			{Name: "Inviter", Value: inviterID, Inline: true},
			{Name: "Invites", Value: strconv.Itoa(len(uses)), Inline: true},
			{Name: "Window", Value: fmt.Sprintf("%dh", d.cfg.WindowHours), Inline: true},
			{Name: "Patterns", Value: strings.Join(detection.Patterns, ", ")},
		},
	}
	if err := d.sink.Send(ctx, guildID, alert); err != nil {
		d.logger.Warn("invite alert failed", zap.String("guild_id", guildID), zap.String("user_id", inviterID), zap.Error(err))
	}
	detection.Alerted = true
	return detection, nil
}

// Evaluate returns the patterns present in uses, in a fixed order.
func Evaluate(uses []storage.InviteUse, cfg config.InviteThresholds) []string {
	count := len(uses)
	if count == 0 {
		return nil
	}

	var patterns []string
	if cfg.MaxInvites > 0 && count > cfg.MaxInvites {
		patterns = append(patterns, PatternVolume)
	}

	targets := make(map[string]struct{}, count)
	addresses := make(map[string]struct{}, 1)
	for _, use := range uses {
		targets[use.InvitedID] = struct{}{}
		addresses[use.Address] = struct{}{}
	}
	if count >= cfg.DuplicateMinUses && cfg.DuplicateRatio > 0 {
		ratio := float64(count-len(targets)) / float64(count)
		if ratio >= cfg.DuplicateRatio {
			patterns = append(patterns, PatternDuplicates)
		}
	}
	if count > cfg.SameAddressMinUse && len(addresses) == 1 {
		if _, blank := addresses[""]; !blank {
			patterns = append(patterns, PatternSingleAddress)
		}
	}
	return patterns
}
