package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/civita/formation/internal/domain/timer"
	"github.com/civita/formation/internal/infrastructure/clock"
)

// Handler processes one due timer. A returned error reschedules the timer.
type Handler interface {
	FireTimer(ctx context.Context, t *timer.Timer) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *timer.Timer) error

func (f HandlerFunc) FireTimer(ctx context.Context, t *timer.Timer) error {
	return f(ctx, t)
}

// Repairer restores timers that should be pending but have no row.
type Repairer interface {
	RepairTimers(ctx context.Context) (int, error)
}

// Leadership reports whether this process owns timer firing. With a
// replicated timer table only the raft leader sweeps.
type Leadership interface {
	IsLeader() bool
}

// Config tunes the sweep loop and retry backoff.
type Config struct {
	Interval       time.Duration
	RepairInterval time.Duration
	BatchSize      int
	RetryBase      time.Duration
	RetryMax       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.RepairInterval <= 0 {
		c.RepairInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	return c
}

// Scheduler fires durable timers. The repository row is the source of truth;
// in-process wake-ups only shorten the wait until the next sweep.
type Scheduler struct {
	repo     timer.Repository
	clock    clock.Clock
	cfg      Config
	logger   zerolog.Logger
	handler  Handler
	repairer Repairer
	leader   Leadership

	wake    chan struct{}
	mu      sync.Mutex
	pending map[uuid.UUID]*time.Timer
	sweep   sync.Mutex
}

func NewScheduler(repo timer.Repository, clk clock.Clock, cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		repo:    repo,
		clock:   clk,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("service", "scheduler").Logger(),
		wake:    make(chan struct{}, 1),
		pending: make(map[uuid.UUID]*time.Timer),
	}
}

// Handle sets the timer handler. It must be called before Run or ProcessDue.
func (s *Scheduler) Handle(h Handler) {
	s.handler = h
}

// Repair sets the periodic repair hook run by Run.
func (s *Scheduler) Repair(r Repairer) {
	s.repairer = r
}

// FollowLeader restricts sweeps and repairs to processes where l reports
// leadership. Without it every process sweeps.
func (s *Scheduler) FollowLeader(l Leadership) {
	s.leader = l
}

func (s *Scheduler) isLeader() bool {
	return s.leader == nil || s.leader.IsLeader()
}

// Lookup returns the stored timer or nil when none exists.
func (s *Scheduler) Lookup(ctx context.Context, timerID uuid.UUID) (*timer.Timer, error) {
	return s.repo.Get(ctx, timerID)
}

// Schedule persists t, replacing any pending timer for the same activity and
// kind, and arms an in-process wake-up at its fire time.
func (s *Scheduler) Schedule(ctx context.Context, t *timer.Timer) error {
	if err := s.repo.Schedule(ctx, t); err != nil {
		return fmt.Errorf("schedule timer %s: %w", t.Kind, err)
	}
	s.armWakeup(t.TimerID, t.FireAt)
	s.logger.Debug().
		Str("timer_id", t.TimerID.String()).
		Str("activity_id", t.ActivityID.String()).
		Str("kind", string(t.Kind)).
		Time("fire_at", t.FireAt).
		Msg("timer scheduled")
	return nil
}

func (s *Scheduler) armWakeup(id uuid.UUID, fireAt time.Time) {
	delay := fireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pending[id]; ok {
		existing.Stop()
	}
	s.pending[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		s.Poke()
	})
}

// Poke requests an immediate sweep.
func (s *Scheduler) Poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ProcessDue fires every timer due at the current time and returns how many
// completed. Failed timers are rescheduled with exponential delay. A
// follower fires nothing.
func (s *Scheduler) ProcessDue(ctx context.Context) (int, error) {
	if s.handler == nil {
		return 0, fmt.Errorf("scheduler has no handler")
	}
	if !s.isLeader() {
		return 0, nil
	}
	s.sweep.Lock()
	defer s.sweep.Unlock()

	now := s.clock.Now()
	due, err := s.repo.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, t := range due {
		if err := s.handler.FireTimer(ctx, t); err != nil {
			delay := timer.RetryDelay(t.Attempts+1, s.cfg.RetryBase, s.cfg.RetryMax)
			at := s.clock.Now()
			next := at.Add(delay)
			s.logger.Warn().
				Err(err).
				Str("timer_id", t.TimerID.String()).
				Str("activity_id", t.ActivityID.String()).
				Int("attempts", t.Attempts+1).
				Dur("retry_in", delay).
				Msg("timer handler failed")
			if rerr := s.repo.Reschedule(ctx, t.TimerID, next, err.Error(), at); rerr != nil {
				s.logger.Error().Err(rerr).Str("timer_id", t.TimerID.String()).Msg("failed to reschedule timer")
				continue
			}
			s.armWakeup(t.TimerID, next)
			continue
		}
		if err := s.repo.Complete(ctx, t.TimerID, s.clock.Now()); err != nil {
			s.logger.Error().Err(err).Str("timer_id", t.TimerID.String()).Msg("failed to complete timer")
			continue
		}
		completed++
	}
	if len(due) == s.cfg.BatchSize {
		s.Poke()
	}
	return completed, nil
}

// RunRepair calls the repair hook once. Followers and schedulers without a
// hook do nothing.
func (s *Scheduler) RunRepair(ctx context.Context) (int, error) {
	if s.repairer == nil || !s.isLeader() {
		return 0, nil
	}
	n, err := s.repairer.RepairTimers(ctx)
	if n > 0 {
		s.Poke()
	}
	return n, err
}

// Run sweeps on every tick and wake-up until ctx is cancelled. Overdue timers
// left from a previous process fire on the first sweep. The repair hook runs
// on its own, slower ticker.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	repair := time.NewTicker(s.cfg.RepairInterval)
	defer repair.Stop()
	defer s.stopWakeups()

	s.Poke()
	for {
		select {
		case <-ctx.Done():
			return
		case <-repair.C:
			if _, err := s.RunRepair(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("timer repair failed")
			}
			continue
		case <-ticker.C:
		case <-s.wake:
		}
		if _, err := s.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("timer sweep failed")
		}
	}
}

func (s *Scheduler) stopWakeups() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
}
