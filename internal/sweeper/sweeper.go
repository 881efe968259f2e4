// internal/sweeper/sweeper.go

// Package sweeper runs the scheduled removal of expired sessions.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/colebrumley/textguard/internal/config"
	"github.com/colebrumley/textguard/internal/random"
	"github.com/colebrumley/textguard/internal/session"
	"github.com/colebrumley/textguard/internal/state"
	"github.com/robfig/cron/v3"
)

// Recorder persists sweep results. *state.DB implements it.
type Recorder interface {
	RecordSweep(rec state.SweepRecord) (int64, error)
}

// Sweeper sweeps a session store on a cron schedule. Each tick waits a
// random delay of up to Jitter times the schedule interval so that
// instances sharing a schedule do not sweep in lockstep.
type Sweeper struct {
	cron     *cron.Cron
	store    *session.Store
	rec      Recorder
	rng      *random.Provider
	logger   *slog.Logger
	schedule string
	interval time.Duration
	jitter   float64

	mu       sync.Mutex
	ctx      context.Context
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a sweeper for store. rec may be nil to skip recording.
func New(cfg config.SweepConfig, store *session.Store, rec Recorder, rng *random.Provider, logger *slog.Logger) (*Sweeper, error) {
	if rng == nil {
		rng = random.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	expr := cfg.CronExpression
	if expr == "" {
		expr = convertRunEveryToCron(cfg.RunEvery)
	}
	sched, err := config.ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", expr, err)
	}

	s := &Sweeper{
		cron:     cron.New(),
		store:    store,
		rec:      rec,
		rng:      rng,
		logger:   logger,
		schedule: expr,
		interval: scheduleInterval(sched, time.Now()),
		jitter:   cfg.Jitter,
		ctx:      context.Background(),
		done:     make(chan struct{}),
	}
	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	return s, nil
}

// Schedule returns the cron expression in use.
func (s *Sweeper) Schedule() string {
	return s.schedule
}

// Start runs the schedule until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
	}
	s.ctx = ctx
	s.cron.Start()
	s.mu.Unlock()

	s.logger.Info("sweeper started", "schedule", s.schedule, "interval", s.interval, "jitter", s.jitter)

	select {
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// Stop halts the schedule and waits for a running sweep to finish. A tick
// still waiting out its jitter delay is abandoned.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	s.stopOnce.Do(func() { close(s.done) })
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	delay, err := s.delay()
	if err != nil {
		s.logger.Warn("computing sweep jitter failed, sweeping now", "error", err)
		delay = 0
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.done:
			t.Stop()
			return
		case <-t.C:
		}
	}

	if _, err := s.RunOnce(state.TriggerScheduled); err != nil {
		s.logger.Error("recording sweep failed", "error", err)
	}
}

// delay draws the pre-sweep wait, uniform over [0, interval*jitter].
func (s *Sweeper) delay() (time.Duration, error) {
	if s.jitter <= 0 || s.interval <= 0 {
		return 0, nil
	}
	half := time.Duration(float64(s.interval) * s.jitter / 2)
	return s.rng.Jitter(half, 1)
}

// RunOnce sweeps immediately and records the result under trigger.
func (s *Sweeper) RunOnce(trigger string) (state.SweepRecord, error) {
	stats := s.store.SweepStats()
	s.logger.Info("sessions swept", "trigger", trigger, "removed", stats.Removed, "remaining", stats.Remaining)
	return Record(s.rec, trigger, stats)
}

// Record writes stats to rec. A nil rec records nothing.
func Record(rec Recorder, trigger string, stats session.SweepStats) (state.SweepRecord, error) {
	r := state.SweepRecord{
		Trigger:    trigger,
		StartedAt:  stats.StartedAt,
		FinishedAt: stats.FinishedAt,
		DurationMs: stats.FinishedAt.Sub(stats.StartedAt).Milliseconds(),
		Removed:    stats.Removed,
		Remaining:  stats.Remaining,
		State:      "success",
	}
	if rec == nil {
		return r, nil
	}
	id, err := rec.RecordSweep(r)
	if err != nil {
		return r, err
	}
	r.ID = id
	return r, nil
}

// scheduleInterval estimates the gap between consecutive runs.
func scheduleInterval(sched cron.Schedule, from time.Time) time.Duration {
	next := sched.Next(from)
	if next.IsZero() {
		return 0
	}
	after := sched.Next(next)
	if after.IsZero() {
		return 0
	}
	return after.Sub(next)
}

// convertRunEveryToCron converts run_every ("30m", "6h") to a cron
// expression with a seconds field. Anything unparseable runs hourly.
func convertRunEveryToCron(runEvery string) string {
	const hourly = "0 0 * * * *"
	if len(runEvery) < 2 {
		return hourly
	}

	unit := runEvery[len(runEvery)-1]
	n, err := strconv.Atoi(runEvery[:len(runEvery)-1])
	if err != nil || n <= 0 {
		return hourly
	}

	switch unit {
	case 'm':
		if n < 60 {
			return "0 */" + strconv.Itoa(n) + " * * * *"
		}
	case 'h':
		if n < 24 {
			return "0 0 */" + strconv.Itoa(n) + " * * *"
		}
	}
	return hourly
}
