package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/caixadigital/banksync/core"
)

// fakeConnectionStore serves ListDue from a fixed slice; the planner does
// not touch the rest of the interface.
type fakeConnectionStore struct {
	due     []core.Connection
	listErr error
}

func (s *fakeConnectionStore) Create(context.Context, core.CreateConnectionInput) (core.Connection, error) {
	return core.Connection{}, errors.New("not implemented")
}

func (s *fakeConnectionStore) Get(context.Context, string) (core.Connection, error) {
	return core.Connection{}, core.ErrConnectionNotFound
}

func (s *fakeConnectionStore) FindByAccount(context.Context, string, string, string) (core.Connection, error) {
	return core.Connection{}, core.ErrConnectionNotFound
}

func (s *fakeConnectionStore) ListByCompany(context.Context, string) ([]core.Connection, error) {
	return nil, nil
}

func (s *fakeConnectionStore) ListDue(context.Context, time.Time, time.Duration, int) ([]core.Connection, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.due, nil
}

func (s *fakeConnectionStore) UpdateStatus(context.Context, string, core.ConnectionStatus, string) error {
	return nil
}

func (s *fakeConnectionStore) RecordSyncOutcome(context.Context, string, time.Time, int) error {
	return nil
}

func (s *fakeConnectionStore) SetExternalAccount(context.Context, string, string) error {
	return nil
}

func (s *fakeConnectionStore) SoftDelete(context.Context, string) error {
	return nil
}

type fakeEnqueuer struct {
	messages []*core.SyncJobMessage
	err      error
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, msg *core.SyncJobMessage) error {
	if e.err != nil {
		return e.err
	}
	e.messages = append(e.messages, msg)
	return nil
}

type fakeDelivery struct {
	msg      *core.SyncJobMessage
	acked    bool
	nacked   bool
	nackOpts core.JobNackOptions
}

func (d *fakeDelivery) Message() *core.SyncJobMessage {
	return d.msg
}

func (d *fakeDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(_ context.Context, opts core.JobNackOptions) error {
	d.nacked = true
	d.nackOpts = opts
	return nil
}

type fakeDequeuer struct {
	deliveries chan core.JobDelivery
}

func (d *fakeDequeuer) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case delivery := <-d.deliveries:
		return delivery, nil
	}
}

type fakeRunner struct {
	calls []core.SyncRequest
	err   error
}

func (r *fakeRunner) Sync(_ context.Context, req core.SyncRequest) (core.SyncResult, error) {
	r.calls = append(r.calls, req)
	if r.err != nil {
		return core.SyncResult{}, r.err
	}
	return core.SyncResult{Committed: 1, Pages: 1}, nil
}

func newTestScheduler(t *testing.T, connections core.ConnectionStore, enqueuer core.JobEnqueuer, now func() time.Time) *Scheduler {
	t.Helper()
	scheduler, err := New(Config{},
		connections,
		enqueuer,
		&fakeDequeuer{deliveries: make(chan core.JobDelivery)},
		&fakeRunner{},
		WithSchedulerClock(now),
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return scheduler
}

func TestTriggerSyncManualGetsUniqueKey(t *testing.T) {
	now := time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)
	enqueuer := &fakeEnqueuer{}
	scheduler := newTestScheduler(t, &fakeConnectionStore{}, enqueuer, func() time.Time { return now })

	if err := scheduler.TriggerSync(context.Background(), "conn_1", true); err != nil {
		t.Fatalf("manual trigger: %v", err)
	}
	if len(enqueuer.messages) != 1 {
		t.Fatalf("expected one enqueued message, got %d", len(enqueuer.messages))
	}
	msg := enqueuer.messages[0]
	if msg.Trigger != core.SyncTriggerManual {
		t.Fatalf("expected manual trigger, got %q", msg.Trigger)
	}
	if !strings.Contains(msg.IdempotencyKey, "conn_1:manual:") {
		t.Fatalf("expected manual idempotency key, got %q", msg.IdempotencyKey)
	}
}

func TestTriggerSyncScheduledRespectsOpenBreaker(t *testing.T) {
	now := time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)
	enqueuer := &fakeEnqueuer{}
	scheduler := newTestScheduler(t, &fakeConnectionStore{}, enqueuer, func() time.Time { return now })

	for i := 0; i < DefaultBreakerThreshold; i++ {
		scheduler.Breaker().RecordFailure("conn_1")
	}

	err := scheduler.TriggerSync(context.Background(), "conn_1", false)
	if !errors.Is(err, core.ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if len(enqueuer.messages) != 0 {
		t.Fatalf("expected no enqueued message while circuit is open")
	}

	// Manual bypasses the open circuit.
	if err := scheduler.TriggerSync(context.Background(), "conn_1", true); err != nil {
		t.Fatalf("manual trigger should bypass the breaker: %v", err)
	}
	if len(enqueuer.messages) != 1 {
		t.Fatalf("expected manual message to be enqueued")
	}
}

func TestTriggerSyncRequiresConnectionID(t *testing.T) {
	scheduler := newTestScheduler(t, &fakeConnectionStore{}, &fakeEnqueuer{}, time.Now)
	if err := scheduler.TriggerSync(context.Background(), "  ", true); err == nil {
		t.Fatalf("expected error for blank connection id")
	}
}
