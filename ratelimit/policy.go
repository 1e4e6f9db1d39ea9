// Package ratelimit meters outbound calls to institution APIs. Open
// Finance endpoints advertise their quota through x-ratelimit-* headers
// and answer saturation with 429 plus retry-after; the adaptive policy
// records that feedback per provider, connection, and bucket and blocks
// the next call until the advertised window has passed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/caixadigital/banksync/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// State is the last observed quota for one provider/connection/bucket.
type State struct {
	Key            core.RateLimitKey
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
	Metadata       map[string]any
}

type StateStore interface {
	Get(ctx context.Context, key core.RateLimitKey) (State, error)
	Upsert(ctx context.Context, state State) error
}

// ThrottledError tells the caller how long the institution wants us to
// hold off before the next request on this bucket.
type ThrottledError struct {
	ProviderID string
	BucketKey  string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: provider %q bucket %q throttled for %s",
		strings.TrimSpace(e.ProviderID),
		strings.TrimSpace(e.BucketKey),
		e.RetryAfter,
	)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"provider_id": strings.TrimSpace(e.ProviderID),
		"bucket_key":  strings.TrimSpace(e.BucketKey),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ServiceErrorRateLimited).
		WithMetadata(metadata)
}

// AdaptivePolicy learns each bucket's quota from response metadata.
// When the institution names a retry window it is honored exactly;
// when a 429 arrives bare the policy backs off exponentially per
// consecutive throttle until a call succeeds.
type AdaptivePolicy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
	}
}

// BeforeCall blocks a fetch whose bucket is inside a throttle window or
// has exhausted its advertised quota for the current reset period.
func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key core.RateLimitKey) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, normalizeKey(key))
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{
			ProviderID: state.Key.ProviderID,
			BucketKey:  state.Key.BucketKey,
			RetryAfter: until.Sub(now),
		}
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return ThrottledError{
			ProviderID: state.Key.ProviderID,
			BucketKey:  state.Key.BucketKey,
			RetryAfter: state.ResetAt.Sub(now),
		}
	}
	return nil
}

// AfterCall folds the response's quota headers into the bucket state.
// Provider fetch errors are handled by the sync engine; this only cares
// about what the response says regarding the quota.
func (p *AdaptivePolicy) AfterCall(ctx context.Context, key core.RateLimitKey, res core.ProviderResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	now := p.now()
	state, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = State{Key: key}
	case err != nil:
		return err
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now
	state.Metadata = cloneMap(state.Metadata)
	for k, v := range res.Metadata {
		state.Metadata[k] = v
	}

	quota := readQuota(res, now)
	if quota.hasLimit {
		state.Limit = quota.limit
	}
	if quota.hasRemaining {
		state.Remaining = quota.remaining
	}
	if quota.hasResetAt {
		resetAt := quota.resetAt
		state.ResetAt = &resetAt
	}
	if quota.hasRetryAfter {
		retryAfter := quota.retryAfter
		state.RetryAfter = &retryAfter
	} else {
		state.RetryAfter = nil
	}

	if quota.saturated(res.StatusCode, state.Remaining) {
		state.Attempts++
		delay := quota.retryAfter
		if !quota.hasRetryAfter {
			delay = p.nextBackoff(state.Attempts)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
	} else {
		state.Attempts = 0
		state.ThrottledUntil = nil
	}

	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// nextBackoff doubles per consecutive throttle, starting at
// InitialBackoff and capped at MaxBackoff.
func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay <= 0 {
		if p.DefaultRetryHint > 0 {
			return p.DefaultRetryHint
		}
		return 5 * time.Second
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// quotaSnapshot is one response's rate-limit feedback, parsed once.
type quotaSnapshot struct {
	limit         int
	hasLimit      bool
	remaining     int
	hasRemaining  bool
	resetAt       time.Time
	hasResetAt    bool
	retryAfter    time.Duration
	hasRetryAfter bool
}

func readQuota(res core.ProviderResponseMeta, now time.Time) quotaSnapshot {
	var q quotaSnapshot
	q.limit, q.hasLimit = headerInt(res.Headers, "x-ratelimit-limit")
	q.remaining, q.hasRemaining = headerInt(res.Headers, "x-ratelimit-remaining")
	if unix, ok := headerInt64(res.Headers, "x-ratelimit-reset"); ok && unix > 0 {
		q.resetAt = time.Unix(unix, 0).UTC()
		q.hasResetAt = true
	}
	q.retryAfter, q.hasRetryAfter = readRetryAfter(res, now)
	return q
}

// saturated reports whether the response means the bucket is spent. A
// 429 always does; 5xx never does (the breaker owns provider outages);
// otherwise remaining==0 counts only when the response actually carried
// quota headers, so endpoints that omit them are never misread as dry.
func (q quotaSnapshot) saturated(statusCode int, remaining int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 {
		return false
	}
	if remaining != 0 {
		return false
	}
	return q.hasRemaining || q.hasResetAt || q.hasLimit || q.hasRetryAfter
}

// readRetryAfter prefers the structured hint, then the retry-after
// header as delta-seconds or an HTTP date.
func readRetryAfter(res core.ProviderResponseMeta, now time.Time) (time.Duration, bool) {
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		return *res.RetryAfter, true
	}
	raw := headerValue(res.Headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z} {
		if retryAt, err := time.Parse(layout, raw); err == nil {
			if retryAt.After(now) {
				return retryAt.Sub(now), true
			}
			return 0, false
		}
	}
	return 0, false
}

func headerInt(headers map[string]string, key string) (int, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func headerInt64(headers map[string]string, key string) (int64, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// headerValue matches case-insensitively; institution gateways disagree
// on header casing.
func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeKey(key core.RateLimitKey) core.RateLimitKey {
	return core.RateLimitKey{
		ProviderID:   strings.TrimSpace(strings.ToLower(key.ProviderID)),
		ConnectionID: strings.TrimSpace(key.ConnectionID),
		BucketKey:    strings.TrimSpace(strings.ToLower(key.BucketKey)),
	}
}

func cloneMap(input map[string]any) map[string]any {
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

// MemoryStateStore keeps bucket state in process. Horizontal
// deployments should use the SQL-backed store so workers share one view
// of each institution's quota.
type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key core.RateLimitKey) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	normalized := normalizeKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[stateKey(normalized)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	state.Metadata = cloneMap(state.Metadata)
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = normalizeKey(state.Key)
	state.Metadata = cloneMap(state.Metadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[stateKey(state.Key)] = state
	return nil
}

func stateKey(key core.RateLimitKey) string {
	return key.ProviderID + "|" + key.ConnectionID + "|" + key.BucketKey
}

var _ core.RateLimitPolicy = (*AdaptivePolicy)(nil)
