package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultRefreshInitialBackoff = 500 * time.Millisecond
	defaultRefreshMaxBackoff     = 10 * time.Second
	defaultRefreshLockTTL        = 30 * time.Second
)

type LockHandle interface {
	Unlock(ctx context.Context) error
}

// ConnectionLocker serializes token refresh per connection. Acquire
// blocks until the lock is free or the context is done, so concurrent
// callers wait for the in-flight refresh instead of starting their own.
type ConnectionLocker interface {
	Acquire(ctx context.Context, connectionID string, ttl time.Duration) (LockHandle, error)
}

type RefreshBackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

type ExponentialBackoffScheduler struct {
	Initial time.Duration
	Max     time.Duration
}

func (s ExponentialBackoffScheduler) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := s.Initial
	if initial <= 0 {
		initial = defaultRefreshInitialBackoff
	}
	max := s.Max
	if max <= 0 {
		max = defaultRefreshMaxBackoff
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MemoryConnectionLocker is the in-process locker. One channel slot per
// connection id; waiters queue on the channel and honor cancellation.
type MemoryConnectionLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryConnectionLocker() *MemoryConnectionLocker {
	return &MemoryConnectionLocker{
		slots: make(map[string]chan struct{}),
	}
}

func (l *MemoryConnectionLocker) slot(connectionID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[connectionID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[connectionID] = slot
	}
	return slot
}

func (l *MemoryConnectionLocker) Acquire(ctx context.Context, connectionID string, ttl time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: connection locker is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil, fmt.Errorf("core: connection id is required for lock acquisition")
	}
	if ttl <= 0 {
		ttl = defaultRefreshLockTTL
	}

	slot := l.slot(connectionID)
	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		return &memoryLockHandle{slot: slot}, nil
	case <-timer.C:
		return nil, fmt.Errorf("core: refresh lock wait timed out for connection %q", connectionID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLockHandle struct {
	slot chan struct{}
	once sync.Once
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	if h == nil || h.slot == nil {
		return nil
	}
	h.once.Do(func() {
		<-h.slot
	})
	return nil
}
