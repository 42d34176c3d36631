package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"guildpulse/internal/metrics"
	"guildpulse/internal/storage"
)

var (
	// ErrMessageNotFound means a stored message no longer exists on the platform.
	ErrMessageNotFound = errors.New("dashboard: message not found")
	// ErrNoChannel means no dashboard channel could be located.
	ErrNoChannel = errors.New("dashboard: no dashboard channel")
)

type State int

const (
	Uninitialized State = iota
	Initializing
	Active
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	default:
		return "uninitialized"
	}
}

// Publisher is the platform side of the dashboard. ChannelExists reports false
// only when the platform confirms the channel is gone; any other failure is
// an error.
type Publisher interface {
	FindChannel(ctx context.Context, guildID string, keywords []string) (string, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	Send(ctx context.Context, channelID string, content Content) (string, error)
	Edit(ctx context.Context, channelID, messageID string, content Content) error
}

// GuildLister reports the guilds the bot currently serves.
type GuildLister interface {
	Guilds() []string
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Options struct {
	Schedule    string
	Keywords    []string
	TickTimeout time.Duration
}

type Scheduler struct {
	store     storage.Store
	publisher Publisher
	guilds    GuildLister
	sections  []Section
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     Clock

	mu     sync.Mutex
	states map[string]State
	locks  map[string]*sync.Mutex

	cron   *cron.Cron
	tickID cron.EntryID
}

func NewScheduler(store storage.Store, publisher Publisher, guilds GuildLister, sections []Section, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = time.Minute
	}
	return &Scheduler{
		store:     store,
		publisher: publisher,
		guilds:    guilds,
		sections:  sections,
		opts:      opts,
		logger:    logger,
		clock:     realClock{},
		states:    make(map[string]State),
		locks:     make(map[string]*sync.Mutex),
		cron:      newCron(logger),
	}
}

func (s *Scheduler) WithClock(clock Clock) {
	s.clock = clock
}

func (s *Scheduler) WithMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Scheduler) State(guildID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[guildID]
}

func (s *Scheduler) setState(guildID string, state State) {
	s.mu.Lock()
	s.states[guildID] = state
	s.mu.Unlock()
}

func (s *Scheduler) guildLock(guildID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[guildID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[guildID] = lock
	}
	return lock
}

// Tick refreshes every guild. Each guild has its own timeout and a failure in
// one never stops the others.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.guilds == nil {
		return
	}
	for _, guildID := range s.guilds.Guilds() {
		if ctx.Err() != nil {
			return
		}
		s.tickOne(ctx, guildID)
	}
}

func (s *Scheduler) tickOne(ctx context.Context, guildID string) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TickTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("dashboard tick panic", zap.String("guild_id", guildID), zap.Any("panic", rec))
			s.metrics.DashboardTick(fmt.Errorf("panic: %v", rec))
		}
	}()

	err := s.TickGuild(ctx, guildID)
	s.metrics.DashboardTick(err)
	if err != nil && !errors.Is(err, ErrNoChannel) {
		s.logger.Warn("dashboard tick failed", zap.String("guild_id", guildID), zap.Error(err))
	}
}

// TickGuild initializes or refreshes one guild's dashboard. A tick already in
// flight for the guild makes this call a no-op.
func (s *Scheduler) TickGuild(ctx context.Context, guildID string) error {
	lock := s.guildLock(guildID)
	if !lock.TryLock() {
		s.logger.Debug("dashboard tick still running", zap.String("guild_id", guildID))
		return nil
	}
	defer lock.Unlock()

	ref, err := s.store.GetDashboard(ctx, guildID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load dashboard: %w", err)
	}

	initializing := ref.ChannelID == ""
	if !initializing {
		exists, err := s.publisher.ChannelExists(ctx, ref.ChannelID)
		if err != nil {
			return fmt.Errorf("check channel %s: %w", ref.ChannelID, err)
		}
		initializing = !exists
	}
	if initializing {
		s.setState(guildID, Initializing)
		channelID, err := s.publisher.FindChannel(ctx, guildID, s.opts.Keywords)
		if err != nil {
			s.setState(guildID, Uninitialized)
			return err
		}
		if channelID != ref.ChannelID {
			ref = storage.DashboardRef{GuildID: guildID, ChannelID: channelID}
		}
	}
	if ref.Messages == nil {
		ref.Messages = make(map[string]string)
	}

	changed := initializing
	var failed []string
	for _, section := range s.sections {
		name := section.Name()
		updated, err := s.refreshSection(ctx, guildID, &ref, section)
		if err != nil {
			failed = append(failed, name)
			s.logger.Warn("dashboard section failed",
				zap.String("guild_id", guildID),
				zap.String("op", "section:"+name),
				zap.Error(err),
			)
			continue
		}
		changed = changed || updated
	}

	if changed {
		ref.GuildID = guildID
		ref.UpdatedAt = s.clock.Now()
		if err := s.store.SaveDashboard(ctx, ref); err != nil {
			return fmt.Errorf("save dashboard: %w", err)
		}
	}
	s.setState(guildID, Active)

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d sections failed: %v", len(failed), len(s.sections), failed)
	}
	return nil
}

// refreshSection edits the stored message in place, recreating it when it is
// gone. It reports whether the message mapping changed.
func (s *Scheduler) refreshSection(ctx context.Context, guildID string, ref *storage.DashboardRef, section Section) (bool, error) {
	content, err := section.Build(ctx, guildID)
	if err != nil {
		return false, fmt.Errorf("build: %w", err)
	}

	name := section.Name()
	if messageID, ok := ref.Messages[name]; ok {
		err := s.publisher.Edit(ctx, ref.ChannelID, messageID, content)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, ErrMessageNotFound) {
			return false, fmt.Errorf("edit: %w", err)
		}
		s.metrics.DashboardRecreated()
		s.logger.Info("dashboard message missing, recreating",
			zap.String("guild_id", guildID),
			zap.String("section", name),
			zap.String("message_id", messageID),
		)
	}

	messageID, err := s.publisher.Send(ctx, ref.ChannelID, content)
	if err != nil {
		return false, fmt.Errorf("send: %w", err)
	}
	ref.Messages[name] = messageID
	return true, nil
}
