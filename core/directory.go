package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultDirectoryCacheTTL = 12 * time.Hour

// StaticDirectorySource serves a fixed directory, typically seeded from
// configuration in dev setups.
type StaticDirectorySource struct {
	Entries []ProviderDirectoryEntry
}

func (s StaticDirectorySource) Load(context.Context) ([]ProviderDirectoryEntry, error) {
	out := make([]ProviderDirectoryEntry, len(s.Entries))
	copy(out, s.Entries)
	return out, nil
}

type CachedDirectoryResolverOptions struct {
	TTL    time.Duration
	Logger Logger
	Now    func() time.Time
}

// CachedDirectoryResolver caches the full directory with a TTL and
// serves stale entries when the source fails inside an expired window.
// A cold cache plus a failing source is the only hard failure.
type CachedDirectoryResolver struct {
	source DirectorySource
	ttl    time.Duration
	logger Logger
	now    func() time.Time

	mu        sync.RWMutex
	entries   map[string]ProviderDirectoryEntry
	fetchedAt time.Time
}

func NewCachedDirectoryResolver(source DirectorySource, opts CachedDirectoryResolverOptions) *CachedDirectoryResolver {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultDirectoryCacheTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CachedDirectoryResolver{
		source:  source,
		ttl:     ttl,
		logger:  opts.Logger,
		now:     now,
		entries: map[string]ProviderDirectoryEntry{},
	}
}

func (r *CachedDirectoryResolver) Resolve(ctx context.Context, providerID string) (ProviderDirectoryEntry, error) {
	if r == nil {
		return ProviderDirectoryEntry{}, fmt.Errorf("core: directory resolver is not configured")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return ProviderDirectoryEntry{}, fmt.Errorf("core: provider id is required")
	}

	if err := r.ensureFresh(ctx); err != nil {
		return ProviderDirectoryEntry{}, err
	}

	r.mu.RLock()
	entry, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return ProviderDirectoryEntry{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	return entry, nil
}

func (r *CachedDirectoryResolver) List(ctx context.Context) ([]ProviderDirectoryEntry, error) {
	if r == nil {
		return nil, fmt.Errorf("core: directory resolver is not configured")
	}
	if err := r.ensureFresh(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	out := make([]ProviderDirectoryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

// Invalidate drops the cache so the next call reloads from the source.
func (r *CachedDirectoryResolver) Invalidate() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.fetchedAt = time.Time{}
	r.mu.Unlock()
}

func (r *CachedDirectoryResolver) ensureFresh(ctx context.Context) error {
	now := r.now().UTC()

	r.mu.RLock()
	fresh := !r.fetchedAt.IsZero() && now.Sub(r.fetchedAt) < r.ttl
	populated := len(r.entries) > 0
	r.mu.RUnlock()

	if fresh && populated {
		return nil
	}
	if r.source == nil {
		if populated {
			return nil
		}
		return fmt.Errorf("%w: no directory source configured", ErrDirectoryUnavailable)
	}

	loaded, err := r.source.Load(ctx)
	if err != nil {
		if populated {
			if r.logger != nil {
				r.logger.Warn("directory reload failed, serving stale entries", "error", err.Error())
			}
			return nil
		}
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	entries := make(map[string]ProviderDirectoryEntry, len(loaded))
	for _, entry := range loaded {
		id := strings.TrimSpace(entry.ProviderID)
		if id == "" {
			continue
		}
		if entry.FetchedAt.IsZero() {
			entry.FetchedAt = now
		}
		entries[id] = entry
	}

	r.mu.Lock()
	r.entries = entries
	r.fetchedAt = now
	r.mu.Unlock()
	return nil
}

var _ DirectoryResolver = (*CachedDirectoryResolver)(nil)
