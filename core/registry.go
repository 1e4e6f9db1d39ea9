package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderRegistry maps protocol names to bank adapters. Every bank in
// the directory that speaks a protocol shares its registered adapter.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]BankProvider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]BankProvider)}
}

func (r *ProviderRegistry) Register(protocol string, provider BankProvider) error {
	if provider == nil {
		return fmt.Errorf("core: provider is nil")
	}
	protocol = strings.TrimSpace(protocol)
	if protocol == "" {
		protocol = strings.TrimSpace(provider.Protocol())
	}
	if protocol == "" {
		return fmt.Errorf("core: provider protocol is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[protocol]; exists {
		return fmt.Errorf("core: provider already registered for protocol: %s", protocol)
	}
	r.providers[protocol] = provider
	return nil
}

func (r *ProviderRegistry) Get(protocol string) (BankProvider, bool) {
	protocol = strings.TrimSpace(protocol)
	if protocol == "" {
		return nil, false
	}
	r.mu.RLock()
	provider, ok := r.providers[protocol]
	r.mu.RUnlock()
	return provider, ok
}

func (r *ProviderRegistry) List() []BankProvider {
	r.mu.RLock()
	keys := make([]string, 0, len(r.providers))
	for protocol := range r.providers {
		keys = append(keys, protocol)
	}
	r.mu.RUnlock()
	sort.Strings(keys)

	providers := make([]BankProvider, 0, len(keys))
	r.mu.RLock()
	for _, protocol := range keys {
		providers = append(providers, r.providers[protocol])
	}
	r.mu.RUnlock()
	return providers
}

var _ Registry = (*ProviderRegistry)(nil)
