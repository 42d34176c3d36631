package ratelimit

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"guildpulse/internal/config"
	"guildpulse/internal/metrics"
)

// Limit is a fixed-window budget: at most Max calls per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

var DefaultLimit = Limit{Max: 10, Window: 60 * time.Second}

func FromConfig(rl config.RateLimit) Limit {
	return Limit{Max: rl.Max, Window: time.Duration(rl.WindowSeconds) * time.Second}
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds up and is at least 1 for a denial.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// WindowStore performs one check-and-increment atomically.
type WindowStore interface {
	Take(ctx context.Context, key string, limit Limit, now time.Time) (Decision, error)
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Limiter gates metered calls per resource key. Check never fails: a broken
// shared store degrades to the process-local one. Budgets are fixed at
// construction so the local store can outlive every window.
type Limiter struct {
	limits  map[string]Limit
	def     Limit
	store   WindowStore
	local   *MemoryStore
	clock   Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewLimiter(limits map[string]config.RateLimit, def config.RateLimit, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		limits: make(map[string]Limit, len(limits)),
		def:    DefaultLimit,
		clock:  realClock{},
		logger: logger,
	}
	if def.Max > 0 && def.WindowSeconds > 0 {
		l.def = FromConfig(def)
	}
	longest := l.def.Window
	for name, rl := range limits {
		limit := FromConfig(rl)
		l.limits[name] = limit
		if limit.Window > longest {
			longest = limit.Window
		}
	}
	l.local = NewMemoryStore(longest)
	l.store = l.local
	return l
}

// WithStore routes checks through a shared store, keeping the local store as
// the fallback.
func (l *Limiter) WithStore(store WindowStore) {
	if store == nil {
		return
	}
	l.store = store
}

func (l *Limiter) WithClock(clock Clock) {
	l.clock = clock
}

func (l *Limiter) WithMetrics(m *metrics.Metrics) {
	l.metrics = m
}

func (l *Limiter) LimitFor(resource string) Limit {
	if limit, ok := l.limits[resource]; ok {
		return limit
	}
	return l.def
}

func (l *Limiter) Check(ctx context.Context, resource string) Decision {
	limit := l.LimitFor(resource)
	now := l.clock.Now()

	decision, err := l.store.Take(ctx, resource, limit, now)
	if err != nil {
		l.logger.Warn("shared rate window unavailable, using local window",
			zap.String("resource", resource), zap.Error(err))
		l.metrics.RateLimitFallback()
		decision, _ = l.local.Take(ctx, resource, limit, now)
	}
	l.metrics.RateLimit(resource, decision.Allowed)
	return decision
}
