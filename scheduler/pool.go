package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/caixadigital/banksync/core"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	DefaultWorkerCount     = 4
	DefaultNackInitialWait = time.Minute
	DefaultNackFactor      = 2
	DefaultNackMaxAttempts = 3
	DefaultNackMaxDelay    = 15 * time.Minute

	// dequeueRetryWait paces the worker loop when the queue itself errors,
	// so a broken broker does not spin the workers hot.
	dequeueRetryWait = 5 * time.Second
)

// SyncRunner executes one incremental sync for a connection. core.Service
// satisfies it.
type SyncRunner interface {
	Sync(ctx context.Context, req core.SyncRequest) (core.SyncResult, error)
}

// Pool drains the sync job queue with a bounded set of workers. Within the
// pool a connection is strictly sequential: a second job for a connection
// already in flight is acked and dropped, because the running sync will
// cover the same window anyway.
type Pool struct {
	dequeuer core.JobDequeuer
	runner   SyncRunner
	breaker  *Breaker
	logger   core.Logger
	hook     core.JobWorkerHook

	workers     int
	initialWait time.Duration
	factor      int
	maxAttempts int
	maxDelay    time.Duration
	jitter      float64
	now         func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	attempts map[string]int
}

type PoolOption func(*Pool)

func WithPoolWorkers(workers int) PoolOption {
	return func(p *Pool) {
		if p == nil || workers <= 0 {
			return
		}
		p.workers = workers
	}
}

func WithPoolBackoff(initial time.Duration, factor int, maxAttempts int, maxDelay time.Duration) PoolOption {
	return func(p *Pool) {
		if p == nil {
			return
		}
		if initial > 0 {
			p.initialWait = initial
		}
		if factor > 1 {
			p.factor = factor
		}
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if maxDelay > 0 {
			p.maxDelay = maxDelay
		}
	}
}

// WithPoolJitter sets the fraction of the backoff delay added as random
// jitter. Zero disables jitter, which tests rely on.
func WithPoolJitter(fraction float64) PoolOption {
	return func(p *Pool) {
		if p == nil || fraction < 0 {
			return
		}
		p.jitter = fraction
	}
}

func WithPoolLogger(logger core.Logger) PoolOption {
	return func(p *Pool) {
		if p == nil || logger == nil {
			return
		}
		p.logger = logger
	}
}

func WithPoolHook(hook core.JobWorkerHook) PoolOption {
	return func(p *Pool) {
		if p == nil || hook == nil {
			return
		}
		p.hook = hook
	}
}

func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		if p == nil || now == nil {
			return
		}
		p.now = now
	}
}

func NewPool(
	dequeuer core.JobDequeuer,
	runner SyncRunner,
	breaker *Breaker,
	opts ...PoolOption,
) (*Pool, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("scheduler: job dequeuer is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("scheduler: sync runner is required")
	}
	pool := &Pool{
		dequeuer:    dequeuer,
		runner:      runner,
		breaker:     breaker,
		logger:      glog.Ensure(nil),
		workers:     DefaultWorkerCount,
		initialWait: DefaultNackInitialWait,
		factor:      DefaultNackFactor,
		maxAttempts: DefaultNackMaxAttempts,
		maxDelay:    DefaultNackMaxDelay,
		jitter:      0.2,
		now:         func() time.Time { return time.Now().UTC() },
		inflight:    map[string]struct{}{},
		attempts:    map[string]int{},
	}
	for _, opt := range opts {
		opt(pool)
	}
	return pool, nil
}

// Run blocks draining the queue until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := p.dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetryWait):
			}
			continue
		}
		if delivery == nil {
			continue
		}
		p.Handle(ctx, delivery)
	}
}

// Handle processes one delivery end to end: coalescing, breaker check,
// sync execution and the ack/nack decision.
func (p *Pool) Handle(ctx context.Context, delivery core.JobDelivery) {
	msg := delivery.Message()
	if msg == nil || strings.TrimSpace(msg.ConnectionID) == "" {
		p.ackQuietly(ctx, delivery, "malformed sync job message dropped", nil)
		return
	}
	connectionID := strings.TrimSpace(msg.ConnectionID)
	manual := msg.Trigger == core.SyncTriggerManual

	if !p.acquire(connectionID) {
		p.ackQuietly(ctx, delivery, "sync job coalesced: connection already in flight", msg)
		return
	}
	defer p.release(connectionID)

	if !manual {
		if err := p.breaker.Allow(connectionID); err != nil {
			p.ackQuietly(ctx, delivery, "sync job skipped: circuit open", msg)
			return
		}
	}

	startedAt := p.now()
	attempt := p.attemptNumber(msg)
	p.emitHook(ctx, hookStart, core.JobWorkerEvent{Message: msg, Attempt: attempt, StartedAt: startedAt})

	trigger := msg.Trigger
	if trigger == "" {
		trigger = core.SyncTriggerScheduled
	}
	_, err := p.runner.Sync(ctx, core.SyncRequest{
		ConnectionID: connectionID,
		Trigger:      trigger,
	})
	duration := p.now().Sub(startedAt)

	if err == nil {
		p.breaker.RecordSuccess(connectionID)
		p.clearAttempts(msg)
		p.emitHook(ctx, hookSuccess, core.JobWorkerEvent{
			Message: msg, Attempt: attempt, StartedAt: startedAt, Duration: duration,
		})
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			p.logger.Error("ack after successful sync failed",
				"connection_id", connectionID, "error", ackErr.Error())
		}
		return
	}

	p.handleFailure(ctx, delivery, msg, attempt, startedAt, duration, err)
}

func (p *Pool) handleFailure(
	ctx context.Context,
	delivery core.JobDelivery,
	msg *core.SyncJobMessage,
	attempt int,
	startedAt time.Time,
	duration time.Duration,
	cause error,
) {
	connectionID := strings.TrimSpace(msg.ConnectionID)
	fields := []any{
		"connection_id", connectionID,
		"trigger", string(msg.Trigger),
		"attempt", attempt,
		"error", cause.Error(),
	}

	switch classifyFailure(cause) {
	case failureGone:
		// The connection no longer exists; nothing left to retry.
		p.clearAttempts(msg)
		p.ackQuietly(ctx, delivery, "sync job dropped: connection gone", msg)
		return

	case failureCredential:
		// The engine already moved the connection toward token_expired or
		// error; requeueing cannot help until the user reauthorizes.
		p.breaker.RecordFailure(connectionID)
		p.clearAttempts(msg)
		p.emitHook(ctx, hookFailure, core.JobWorkerEvent{
			Message: msg, Attempt: attempt, Err: cause, StartedAt: startedAt, Duration: duration,
		})
		p.logger.Error("sync failed: credentials invalid, not requeued", fields...)
		if err := delivery.Ack(ctx); err != nil {
			p.logger.Error("ack after credential failure failed", fields...)
		}
		return

	case failureTransient:
		if msg.Trigger == core.SyncTriggerManual || attempt >= p.maxAttempts {
			p.breaker.RecordFailure(connectionID)
			p.clearAttempts(msg)
			p.emitHook(ctx, hookFailure, core.JobWorkerEvent{
				Message: msg, Attempt: attempt, Err: cause, StartedAt: startedAt, Duration: duration,
			})
			p.logger.Error("sync failed: retries exhausted", fields...)
			if err := delivery.Nack(ctx, core.JobNackOptions{
				Requeue:    false,
				DeadLetter: true,
				Reason:     cause.Error(),
			}); err != nil {
				p.logger.Error("dead-letter nack failed", fields...)
			}
			return
		}

		delay := p.backoffDelay(attempt)
		p.bumpAttempts(msg)
		p.emitHook(ctx, hookRetry, core.JobWorkerEvent{
			Message: msg, Attempt: attempt, Delay: delay, Err: cause, StartedAt: startedAt, Duration: duration,
		})
		p.logger.Warn("sync failed transiently, requeued",
			append(fields, "delay", delay.String())...)
		if err := delivery.Nack(ctx, core.JobNackOptions{
			Delay:   delay,
			Requeue: true,
			Reason:  cause.Error(),
		}); err != nil {
			p.logger.Error("retry nack failed", fields...)
		}
		return

	default:
		// Permanent failures (bad input, conflicts) will not heal on
		// retry; count them against the breaker and drop.
		p.breaker.RecordFailure(connectionID)
		p.clearAttempts(msg)
		p.emitHook(ctx, hookFailure, core.JobWorkerEvent{
			Message: msg, Attempt: attempt, Err: cause, StartedAt: startedAt, Duration: duration,
		})
		p.logger.Error("sync failed permanently, not requeued", fields...)
		if err := delivery.Ack(ctx); err != nil {
			p.logger.Error("ack after permanent failure failed", fields...)
		}
	}
}

// backoffDelay grows exponentially with the attempt number, plus a random
// jitter slice so synchronized retries spread out.
func (p *Pool) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.initialWait
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(p.factor)
		if delay >= p.maxDelay {
			delay = p.maxDelay
			break
		}
	}
	if p.jitter > 0 {
		delay += time.Duration(rand.Float64() * p.jitter * float64(delay))
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}

func (p *Pool) acquire(connectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[connectionID]; busy {
		return false
	}
	p.inflight[connectionID] = struct{}{}
	return true
}

func (p *Pool) release(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, connectionID)
}

func (p *Pool) attemptNumber(msg *core.SyncJobMessage) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[attemptKey(msg)] + 1
}

func (p *Pool) bumpAttempts(msg *core.SyncJobMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[attemptKey(msg)]++
}

func (p *Pool) clearAttempts(msg *core.SyncJobMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, attemptKey(msg))
}

func attemptKey(msg *core.SyncJobMessage) string {
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return strings.TrimSpace(msg.ConnectionID)
}

func (p *Pool) ackQuietly(ctx context.Context, delivery core.JobDelivery, reason string, msg *core.SyncJobMessage) {
	fields := []any{}
	if msg != nil {
		fields = append(fields, "connection_id", strings.TrimSpace(msg.ConnectionID))
	}
	p.logger.Info(reason, fields...)
	if err := delivery.Ack(ctx); err != nil {
		p.logger.Error("ack failed: "+reason, append(fields, "error", err.Error())...)
	}
}

type hookEvent int

const (
	hookStart hookEvent = iota
	hookSuccess
	hookFailure
	hookRetry
)

func (p *Pool) emitHook(ctx context.Context, kind hookEvent, event core.JobWorkerEvent) {
	if p.hook == nil {
		return
	}
	switch kind {
	case hookStart:
		p.hook.OnStart(ctx, event)
	case hookSuccess:
		p.hook.OnSuccess(ctx, event)
	case hookFailure:
		p.hook.OnFailure(ctx, event)
	case hookRetry:
		p.hook.OnRetry(ctx, event)
	}
}

type failureKind int

const (
	failureTransient failureKind = iota
	failureCredential
	failurePermanent
	failureGone
)

// classifyFailure decides the retry treatment of a sync error: transient
// faults get requeued with backoff, credential faults wait for the user,
// everything else is dropped without retry.
func classifyFailure(err error) failureKind {
	switch {
	case errors.Is(err, core.ErrConnectionNotFound):
		return failureGone
	case errors.Is(err, core.ErrTokenExpired),
		errors.Is(err, core.ErrInvalidGrant),
		errors.Is(err, core.ErrConsentDenied),
		errors.Is(err, core.ErrCredentialNotFound):
		return failureCredential
	case errors.Is(err, core.ErrProviderUnavailable),
		errors.Is(err, core.ErrRefreshFailed),
		errors.Is(err, core.ErrDirectoryUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return failureTransient
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryAuth:
			return failureCredential
		case goerrors.CategoryExternal, goerrors.CategoryRateLimit:
			return failureTransient
		case goerrors.CategoryNotFound:
			return failureGone
		case goerrors.CategoryBadInput, goerrors.CategoryConflict, goerrors.CategoryValidation:
			return failurePermanent
		}
	}
	// Unknown errors are treated as transient; the attempt cap bounds the
	// damage if they turn out to be permanent.
	return failureTransient
}
