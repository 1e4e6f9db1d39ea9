package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultOAuthStateTTL = 15 * time.Minute

// OAuthStateRecord binds the one-time callback state to the pending
// consent. The PKCE verifier travels here, never through the provider.
type OAuthStateRecord struct {
	State        string
	ProviderID   string
	CompanyID    string
	ConnectionID string
	ConsentID    string
	RedirectURI  string
	CodeVerifier string
	Metadata     map[string]any
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// OAuthStateStore persists one-time callback state. Consume removes the
// record on every hit; when the record exists but has expired it returns
// the stale record together with the error so callers can settle the
// consent it was minted for.
type OAuthStateStore interface {
	Save(ctx context.Context, record OAuthStateRecord) error
	Consume(ctx context.Context, state string) (OAuthStateRecord, error)
}

type MemoryOAuthStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]OAuthStateRecord
}

type MemoryOAuthStateStoreOption func(*MemoryOAuthStateStore)

// WithOAuthStateClock keeps state expiry on the same timeline as a
// service built with WithNow.
func WithOAuthStateClock(now func() time.Time) MemoryOAuthStateStoreOption {
	return func(s *MemoryOAuthStateStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryOAuthStateStore(ttl time.Duration, options ...MemoryOAuthStateStoreOption) *MemoryOAuthStateStore {
	if ttl <= 0 {
		ttl = defaultOAuthStateTTL
	}
	store := &MemoryOAuthStateStore{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]OAuthStateRecord{},
	}
	for _, opt := range options {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *MemoryOAuthStateStore) Save(_ context.Context, record OAuthStateRecord) error {
	if s == nil {
		return fmt.Errorf("core: oauth state store is not configured")
	}
	state := strings.TrimSpace(record.State)
	if state == "" {
		return fmt.Errorf("core: oauth state is required")
	}

	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	s.mu.Lock()
	s.entries[state] = cloneOAuthStateRecord(record)
	s.mu.Unlock()

	return nil
}

func (s *MemoryOAuthStateStore) Consume(_ context.Context, state string) (OAuthStateRecord, error) {
	if s == nil {
		return OAuthStateRecord{}, fmt.Errorf("core: oauth state store is not configured")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return OAuthStateRecord{}, fmt.Errorf("%w: state is required", ErrOAuthStateInvalid)
	}

	s.mu.Lock()
	record, ok := s.entries[state]
	if ok {
		delete(s.entries, state)
	}
	s.mu.Unlock()

	if !ok {
		return OAuthStateRecord{}, fmt.Errorf("%w: state not found", ErrOAuthStateInvalid)
	}
	if !record.ExpiresAt.IsZero() && s.now().UTC().After(record.ExpiresAt) {
		// Hand the stale record back so the caller can expire the
		// consent it points at; the state itself stays unusable.
		return cloneOAuthStateRecord(record), fmt.Errorf("%w: state expired", ErrOAuthStateInvalid)
	}

	return cloneOAuthStateRecord(record), nil
}

func generateOAuthState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func cloneOAuthStateRecord(record OAuthStateRecord) OAuthStateRecord {
	cloned := record
	if record.Metadata == nil {
		cloned.Metadata = map[string]any{}
	} else {
		cloned.Metadata = copyAnyMap(record.Metadata)
	}
	return cloned
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
