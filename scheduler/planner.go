package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caixadigital/banksync/core"

	glog "github.com/goliatone/go-logger/glog"
)

const (
	DefaultPlanInterval  = time.Minute
	DefaultSyncFrequency = 4 * time.Hour
	DefaultPlanBatchSize = 100
)

// Planner periodically selects connections whose last sync is older than
// their frequency and enqueues one incremental sync job per connection.
// The idempotency key binds the job to its due window so a planner that
// ticks again before the worker drains the queue cannot stack duplicates.
type Planner struct {
	connections core.ConnectionStore
	enqueuer    core.JobEnqueuer
	breaker     *Breaker
	logger      core.Logger

	interval  time.Duration
	frequency time.Duration
	batchSize int
	now       func() time.Time
}

type PlannerOption func(*Planner)

func WithPlannerInterval(interval time.Duration) PlannerOption {
	return func(p *Planner) {
		if p == nil || interval <= 0 {
			return
		}
		p.interval = interval
	}
}

func WithPlannerFrequency(frequency time.Duration) PlannerOption {
	return func(p *Planner) {
		if p == nil || frequency <= 0 {
			return
		}
		p.frequency = frequency
	}
}

func WithPlannerBatchSize(size int) PlannerOption {
	return func(p *Planner) {
		if p == nil || size <= 0 {
			return
		}
		p.batchSize = size
	}
}

func WithPlannerLogger(logger core.Logger) PlannerOption {
	return func(p *Planner) {
		if p == nil || logger == nil {
			return
		}
		p.logger = logger
	}
}

func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) {
		if p == nil || now == nil {
			return
		}
		p.now = now
	}
}

func NewPlanner(
	connections core.ConnectionStore,
	enqueuer core.JobEnqueuer,
	breaker *Breaker,
	opts ...PlannerOption,
) (*Planner, error) {
	if connections == nil {
		return nil, fmt.Errorf("scheduler: connection store is required")
	}
	if enqueuer == nil {
		return nil, fmt.Errorf("scheduler: job enqueuer is required")
	}
	planner := &Planner{
		connections: connections,
		enqueuer:    enqueuer,
		breaker:     breaker,
		logger:      glog.Ensure(nil),
		interval:    DefaultPlanInterval,
		frequency:   DefaultSyncFrequency,
		batchSize:   DefaultPlanBatchSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(planner)
	}
	return planner, nil
}

// Run ticks until the context is cancelled. Planning errors are logged
// and the loop keeps going; a broken tick must not stop future ones.
func (p *Planner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PlanOnce(ctx, p.now()); err != nil {
				p.logger.Error("sync planning tick failed", "error", err.Error())
			}
		}
	}
}

// PlanOnce selects due connections and enqueues their jobs. It returns
// how many jobs were enqueued.
func (p *Planner) PlanOnce(ctx context.Context, now time.Time) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("scheduler: planner is not configured")
	}
	now = now.UTC()

	due, err := p.connections.ListDue(ctx, now, p.frequency, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: listing due connections: %w", err)
	}

	window := now.Truncate(p.interval)
	enqueued := 0
	for _, connection := range due {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}
		if err := p.breaker.Allow(connection.ID); err != nil {
			p.logger.Info("scheduled sync skipped: circuit open",
				"connection_id", connection.ID,
				"provider_id", connection.ProviderID,
			)
			continue
		}
		msg := &core.SyncJobMessage{
			ConnectionID:   connection.ID,
			Trigger:        core.SyncTriggerScheduled,
			IdempotencyKey: ScheduledIdempotencyKey(connection.ID, window),
			EnqueuedAt:     now,
		}
		if err := p.enqueuer.Enqueue(ctx, msg); err != nil {
			p.logger.Error("enqueue sync job failed",
				"connection_id", connection.ID,
				"provider_id", connection.ProviderID,
				"error", err.Error(),
			)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

// ScheduledIdempotencyKey identifies one connection's job within one due
// window, so repeated planning of the same window deduplicates on the
// queue side.
func ScheduledIdempotencyKey(connectionID string, window time.Time) string {
	return fmt.Sprintf("%s:%d", strings.TrimSpace(connectionID), window.UTC().Unix())
}
