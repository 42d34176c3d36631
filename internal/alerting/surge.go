package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"guildpulse/internal/config"
	"guildpulse/internal/utils"
)

const patternJoinSurge = "join_surge"

// JoinSurgeDetector raises a medium alert when a guild's join rate crosses the
// configured threshold. One alert is sent per guild per window.
type JoinSurgeDetector struct {
	sink      *Sink
	logger    *zap.Logger
	clock     Clock
	threshold int
	window    time.Duration
	joins     *utils.KeyedWindows

	mu      sync.Mutex
	alerted map[string]time.Time
}

func NewJoinSurgeDetector(sink *Sink, cfg config.JoinSurge, logger *zap.Logger) *JoinSurgeDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = 10 * time.Second
	}
	return &JoinSurgeDetector{
		sink:      sink,
		logger:    logger,
		clock:     realClock{},
		threshold: cfg.Joins,
		window:    window,
		joins:     utils.NewKeyedWindows(window),
		alerted:   make(map[string]time.Time),
	}
}

func (d *JoinSurgeDetector) WithClock(clock Clock) {
	d.clock = clock
}

// Observe counts one join and reports whether it triggered an alert.
func (d *JoinSurgeDetector) Observe(ctx context.Context, guildID, userID string) (bool, error) {
	if d.threshold <= 0 {
		return false, nil
	}
	now := d.clock.Now()
	count := d.joins.Get(guildID).Add(now)
	if count < d.threshold {
		return false, nil
	}

	d.mu.Lock()
	last, ok := d.alerted[guildID]
	if ok && now.Sub(last) < d.window {
		d.mu.Unlock()
		return false, nil
	}
	d.alerted[guildID] = now
	d.mu.Unlock()

	d.logger.Warn("join surge",
		zap.String("guild_id", guildID),
		zap.Int("joins", count),
		zap.Duration("window", d.window),
	)
	alert := Alert{
		Type:     patternJoinSurge,
		Priority: PriorityMedium,
		Title:    "Unusual join activity",
		Content:  fmt.Sprintf("%d members joined within %s.", count, d.window),
		UserID:   userID,
		Fields: []Field{
			{Name: "Joins", Value: fmt.Sprint(count), Inline: true},
			{Name: "Threshold", Value: fmt.Sprintf("%d/%s", d.threshold, d.window), Inline: true},
		},
	}
	return true, d.sink.Send(ctx, guildID, alert)
}
