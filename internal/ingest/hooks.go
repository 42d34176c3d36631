package ingest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guildpulse/internal/alerting"
	"guildpulse/internal/async"
	"guildpulse/internal/config"
	"guildpulse/internal/metrics"
	"guildpulse/internal/storage"
	"guildpulse/internal/utils"
)

const (
	dedupTTL       = 10 * time.Minute
	followUpBudget = 30 * time.Second
	pruneEvery     = 1000
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// InviteChecker runs suspicious-invite detection for one inviter.
type InviteChecker interface {
	Check(ctx context.Context, guildID, inviterID string) (alerting.Detection, error)
}

// JoinObserver sees every member join, e.g. for surge detection.
type JoinObserver interface {
	Observe(ctx context.Context, guildID, userID string) (bool, error)
}

type session struct {
	guildID   string
	channelID string
	name      string
	started   time.Time
	flags     VoiceFlags
}

// Hooks turns platform callbacks into activity records and snapshot
// increments. Persistence failures are logged and never returned.
type Hooks struct {
	store    storage.Store
	checker  InviteChecker
	joins    JoinObserver
	runner   *async.Runner
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    Clock
	leveling config.LevelingConfig

	mu    sync.Mutex
	voice map[string]*session
	games map[string]*session

	seen     *lru.LRU[string, struct{}]
	cooldown *utils.KeyedWindows
	messages int
}

func NewHooks(store storage.Store, checker InviteChecker, runner *async.Runner, leveling config.LevelingConfig, logger *zap.Logger) *Hooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runner == nil {
		runner = async.NewRunner(logger)
	}
	cooldown := time.Duration(leveling.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Hooks{
		store:    store,
		checker:  checker,
		runner:   runner,
		logger:   logger,
		clock:    realClock{},
		leveling: leveling,
		voice:    make(map[string]*session),
		games:    make(map[string]*session),
		seen:     lru.NewLRU[string, struct{}](50_000, nil, dedupTTL),
		cooldown: utils.NewKeyedWindows(cooldown),
	}
}

func (h *Hooks) WithClock(clock Clock) {
	h.clock = clock
}

func (h *Hooks) WithMetrics(m *metrics.Metrics) {
	h.metrics = m
}

func (h *Hooks) WithJoinObserver(observer JoinObserver) {
	h.joins = observer
}

// Wait blocks until asynchronous follow-up work has finished.
func (h *Hooks) Wait() {
	h.runner.Wait()
}

func (h *Hooks) ActiveVoiceSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.voice)
}

// firstSeen reports whether an event ID has not been ingested recently.
func (h *Hooks) firstSeen(kind, id string) bool {
	if id == "" {
		return true
	}
	key := kind + ":" + id
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen.Contains(key) {
		return false
	}
	h.seen.Add(key, struct{}{})
	return true
}

// persist appends the record and applies the delta concurrently. Both writes
// are attempted; each failure is logged on its own.
func (h *Hooks) persist(ctx context.Context, event string, record storage.ActivityRecord, delta storage.StatsDelta) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := h.store.AppendActivity(ctx, record); err != nil {
			h.fail(event, "append activity", record.GuildID, record.UserID, err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := h.store.IncrementGuildStats(ctx, record.GuildID, record.CreatedAt, delta); err != nil {
			h.fail(event, "increment stats", record.GuildID, record.UserID, err)
			return err
		}
		return nil
	})
	_ = g.Wait()
	h.metrics.Ingest(event)
}

func (h *Hooks) fail(event, op, guildID, userID string, err error) {
	h.metrics.IngestError(event)
	h.logger.Warn("ingest write failed",
		zap.String("event", event),
		zap.String("op", op),
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.Error(err),
	)
}

func utcHour(t time.Time) string {
	return t.UTC().Format("15")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
