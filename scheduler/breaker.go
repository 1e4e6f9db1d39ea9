package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caixadigital/banksync/core"
)

const (
	// DefaultBreakerThreshold is the consecutive-failure count that opens
	// the circuit for a connection.
	DefaultBreakerThreshold = 5
	// DefaultBreakerCooldown is how long automatic syncs stay skipped
	// once the circuit is open.
	DefaultBreakerCooldown = 30 * time.Minute
)

type breakerEntry struct {
	failures  int
	openUntil time.Time
}

// Breaker tracks consecutive sync failures per connection and opens a
// circuit once they cross the threshold. Automatic jobs are refused while
// open; after the cooldown the next attempt is allowed through half-open
// and a failure re-opens the circuit for another full cooldown.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	entries   map[string]*breakerEntry
}

type BreakerOption func(*Breaker)

func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if b == nil || now == nil {
			return
		}
		b.now = now
	}
}

func NewBreaker(threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	breaker := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       func() time.Time { return time.Now().UTC() },
		entries:   map[string]*breakerEntry{},
	}
	for _, opt := range opts {
		opt(breaker)
	}
	return breaker
}

// Allow reports whether an automatic sync may run for the connection.
// It returns an error wrapping core.ErrCircuitOpen while the circuit is
// open and its cooldown has not elapsed.
func (b *Breaker) Allow(connectionID string) error {
	if b == nil {
		return nil
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[connectionID]
	if !ok || entry.failures < b.threshold {
		return nil
	}
	if b.now().Before(entry.openUntil) {
		return fmt.Errorf("%w: connection %s until %s",
			core.ErrCircuitOpen, connectionID, entry.openUntil.Format(time.RFC3339))
	}
	// Cooldown elapsed: half-open, let one attempt through.
	return nil
}

// RecordFailure counts a failed sync attempt. Crossing the threshold, or
// failing while half-open, opens the circuit for a full cooldown.
func (b *Breaker) RecordFailure(connectionID string) {
	if b == nil {
		return
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[connectionID]
	if !ok {
		entry = &breakerEntry{}
		b.entries[connectionID] = entry
	}
	entry.failures++
	if entry.failures >= b.threshold {
		entry.openUntil = b.now().Add(b.cooldown)
	}
}

// RecordSuccess closes the circuit and clears the failure streak.
func (b *Breaker) RecordSuccess(connectionID string) {
	if b == nil {
		return
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, connectionID)
}

// Failures returns the current consecutive-failure count for a connection.
func (b *Breaker) Failures(connectionID string) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[strings.TrimSpace(connectionID)]
	if !ok {
		return 0
	}
	return entry.failures
}
