// Package scheduler drives periodic and manual transaction syncs: a
// planner that enqueues jobs for due connections, a bounded worker pool
// that executes them with per-connection coalescing, and a circuit
// breaker that parks connections whose syncs keep failing.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caixadigital/banksync/core"

	glog "github.com/goliatone/go-logger/glog"
)

type Config struct {
	PlanInterval     time.Duration
	DefaultFrequency time.Duration
	PlanBatchSize    int
	Workers          int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	NackInitialWait  time.Duration
	NackFactor       int
	NackMaxAttempts  int
	NackMaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PlanInterval <= 0 {
		c.PlanInterval = DefaultPlanInterval
	}
	if c.DefaultFrequency <= 0 {
		c.DefaultFrequency = DefaultSyncFrequency
	}
	if c.PlanBatchSize <= 0 {
		c.PlanBatchSize = DefaultPlanBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkerCount
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.NackInitialWait <= 0 {
		c.NackInitialWait = DefaultNackInitialWait
	}
	if c.NackFactor <= 1 {
		c.NackFactor = DefaultNackFactor
	}
	if c.NackMaxAttempts <= 0 {
		c.NackMaxAttempts = DefaultNackMaxAttempts
	}
	if c.NackMaxDelay <= 0 {
		c.NackMaxDelay = DefaultNackMaxDelay
	}
	return c
}

// Scheduler owns the planner, the pool and their shared breaker.
type Scheduler struct {
	planner  *Planner
	pool     *Pool
	breaker  *Breaker
	enqueuer core.JobEnqueuer
	logger   core.Logger
	now      func() time.Time
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(logger core.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if s == nil || logger == nil {
			return
		}
		s.logger = logger
	}
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if s == nil || now == nil {
			return
		}
		s.now = now
	}
}

func New(
	cfg Config,
	connections core.ConnectionStore,
	enqueuer core.JobEnqueuer,
	dequeuer core.JobDequeuer,
	runner SyncRunner,
	opts ...SchedulerOption,
) (*Scheduler, error) {
	cfg = cfg.withDefaults()

	scheduler := &Scheduler{
		enqueuer: enqueuer,
		logger:   glog.Ensure(nil),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(scheduler)
	}

	scheduler.breaker = NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown,
		WithBreakerClock(scheduler.now))

	planner, err := NewPlanner(connections, enqueuer, scheduler.breaker,
		WithPlannerInterval(cfg.PlanInterval),
		WithPlannerFrequency(cfg.DefaultFrequency),
		WithPlannerBatchSize(cfg.PlanBatchSize),
		WithPlannerLogger(scheduler.logger),
		WithPlannerClock(scheduler.now),
	)
	if err != nil {
		return nil, err
	}
	scheduler.planner = planner

	pool, err := NewPool(dequeuer, runner, scheduler.breaker,
		WithPoolWorkers(cfg.Workers),
		WithPoolBackoff(cfg.NackInitialWait, cfg.NackFactor, cfg.NackMaxAttempts, cfg.NackMaxDelay),
		WithPoolLogger(scheduler.logger),
		WithPoolClock(scheduler.now),
	)
	if err != nil {
		return nil, err
	}
	scheduler.pool = pool

	return scheduler, nil
}

// Run starts the planner and the worker pool and blocks until the context
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.planner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = s.pool.Run(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

// TriggerSync enqueues an out-of-band sync for one connection. A manual
// trigger bypasses the breaker and attempts exactly once; a non-manual
// trigger behaves like a scheduled one and respects the open circuit.
func (s *Scheduler) TriggerSync(ctx context.Context, connectionID string, manual bool) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("scheduler: enqueuer is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return fmt.Errorf("scheduler: connection id is required")
	}

	now := s.now()
	msg := &core.SyncJobMessage{
		ConnectionID: connectionID,
		EnqueuedAt:   now,
	}
	if manual {
		msg.Trigger = core.SyncTriggerManual
		// Manual triggers are never coalesced away at enqueue time; each
		// request gets its own key. The pool still coalesces execution.
		msg.IdempotencyKey = fmt.Sprintf("%s:manual:%d", connectionID, now.UnixNano())
	} else {
		if err := s.breaker.Allow(connectionID); err != nil {
			return err
		}
		msg.Trigger = core.SyncTriggerScheduled
		msg.IdempotencyKey = ScheduledIdempotencyKey(connectionID, now.Truncate(DefaultPlanInterval))
	}

	if err := s.enqueuer.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("scheduler: enqueue trigger: %w", err)
	}
	s.logger.Info("sync trigger enqueued",
		"connection_id", connectionID,
		"trigger", string(msg.Trigger),
	)
	return nil
}

// Breaker exposes the shared breaker, mainly for operational tooling that
// wants to inspect or reset failure streaks.
func (s *Scheduler) Breaker() *Breaker {
	return s.breaker
}
