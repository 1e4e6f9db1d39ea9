package security

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/caixadigital/banksync/core"
)

// SecretProviderFailurePolicy decides what happens to credential
// encryption when the managed key service (KMS or Vault transit) is
// unreachable. Strict keeps ciphertext authority with the primary and
// fails the operation; fallback lets a local keyring take over so
// token refresh keeps working through an outage.
type SecretProviderFailurePolicy string

const (
	SecretProviderFailurePolicyStrict   SecretProviderFailurePolicy = "strict_fail"
	SecretProviderFailurePolicyFallback SecretProviderFailurePolicy = "fallback_allowed"
)

// SecretProviderDiagnostic reports one failover event. Error carries
// the provider's error text only; envelope contents and key material
// never appear here.
type SecretProviderDiagnostic struct {
	OccurredAt time.Time
	Operation  string
	Policy     SecretProviderFailurePolicy
	Outcome    string
	Primary    string
	Fallback   string
	Error      string
}

type SecretProviderDiagnosticHook func(event SecretProviderDiagnostic)

type FailoverOption func(*FailoverSecretProvider)

// activeKey is the key that sealed the most recent envelope, so
// Metadata keeps answering with the key new credentials are written
// under even after a failover.
type activeKey struct {
	KeyID   string
	Version int
}

// FailoverSecretProvider pairs a managed primary (KMS, Vault) with an
// optional local fallback. Decrypt routing stays envelope-driven: each
// provider rejects envelopes sealed under keys it does not hold, so a
// fallback attempt on a primary-sealed envelope fails closed rather
// than producing garbage.
type FailoverSecretProvider struct {
	primary  core.SecretProvider
	fallback core.SecretProvider
	policy   SecretProviderFailurePolicy
	hook     SecretProviderDiagnosticHook
	now      func() time.Time

	mu     sync.RWMutex
	sealed activeKey
}

func NewFailoverSecretProvider(primary core.SecretProvider, opts ...FailoverOption) (*FailoverSecretProvider, error) {
	if primary == nil {
		return nil, fmt.Errorf("security: primary secret provider is required")
	}
	provider := &FailoverSecretProvider{
		primary: primary,
		policy:  SecretProviderFailurePolicyStrict,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	provider.policy = canonicalFailurePolicy(provider.policy)
	if provider.policy == SecretProviderFailurePolicyFallback && provider.fallback == nil {
		return nil, fmt.Errorf("security: fallback policy requires a configured fallback secret provider")
	}
	if provider.now == nil {
		provider.now = func() time.Time { return time.Now().UTC() }
	}
	provider.markSealedBy(provider.primary)
	return provider, nil
}

func WithFallbackSecretProvider(provider core.SecretProvider) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f != nil {
			f.fallback = provider
		}
	}
}

func WithSecretProviderFailurePolicy(policy SecretProviderFailurePolicy) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f != nil {
			f.policy = canonicalFailurePolicy(policy)
		}
	}
}

// WithSecretProviderDiagnostics surfaces failover events to the host's
// observability pipeline.
func WithSecretProviderDiagnostics(hook SecretProviderDiagnosticHook) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f != nil {
			f.hook = hook
		}
	}
}

func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *FailoverSecretProvider) {
		if f != nil {
			f.now = now
		}
	}
}

func (p *FailoverSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	ciphertext, err := p.primary.Encrypt(ctx, plaintext)
	if err == nil {
		p.markSealedBy(p.primary)
		return ciphertext, nil
	}
	p.report("encrypt", "primary_failed", err)
	if p.policy == SecretProviderFailurePolicyStrict || p.fallback == nil {
		return nil, fmt.Errorf("security: primary encrypt failed with %s policy: %w", p.policy, err)
	}
	ciphertext, fallbackErr := p.fallback.Encrypt(ctx, plaintext)
	if fallbackErr != nil {
		p.report("encrypt", "fallback_failed", fallbackErr)
		return nil, fmt.Errorf("security: primary encrypt failed: %v; fallback encrypt failed: %w", err, fallbackErr)
	}
	p.markSealedBy(p.fallback)
	p.report("encrypt", "fallback_succeeded", err)
	return ciphertext, nil
}

func (p *FailoverSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("security: ciphertext is required")
	}
	plaintext, err := p.primary.Decrypt(ctx, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	p.report("decrypt", "primary_failed", err)
	if p.policy == SecretProviderFailurePolicyStrict || p.fallback == nil {
		return nil, fmt.Errorf("security: primary decrypt failed with %s policy: %w", p.policy, err)
	}
	plaintext, fallbackErr := p.fallback.Decrypt(ctx, ciphertext)
	if fallbackErr != nil {
		p.report("decrypt", "fallback_failed", fallbackErr)
		return nil, fmt.Errorf("security: primary decrypt failed: %v; fallback decrypt failed: %w", err, fallbackErr)
	}
	p.report("decrypt", "fallback_succeeded", err)
	return plaintext, nil
}

// Metadata names the key new envelopes are sealed under, preferring
// the provider that handled the most recent encryption.
func (p *FailoverSecretProvider) Metadata() (string, int) {
	if p == nil {
		return "", 0
	}
	p.mu.RLock()
	sealed := p.sealed
	p.mu.RUnlock()
	if strings.TrimSpace(sealed.KeyID) != "" && sealed.Version > 0 {
		return sealed.KeyID, sealed.Version
	}
	if keyID, version, ok := providerKeyMetadata(p.primary); ok {
		return keyID, version
	}
	if keyID, version, ok := providerKeyMetadata(p.fallback); ok {
		return keyID, version
	}
	return "", 0
}

func (p *FailoverSecretProvider) report(operation string, outcome string, err error) {
	if p == nil || p.hook == nil {
		return
	}
	now := p.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p.hook(SecretProviderDiagnostic{
		OccurredAt: now().UTC(),
		Operation:  operation,
		Policy:     p.policy,
		Outcome:    outcome,
		Primary:    secretProviderLabel(p.primary),
		Fallback:   secretProviderLabel(p.fallback),
		Error:      msg,
	})
}

func (p *FailoverSecretProvider) markSealedBy(provider core.SecretProvider) {
	if p == nil {
		return
	}
	keyID, version, ok := providerKeyMetadata(provider)
	if !ok {
		return
	}
	p.mu.Lock()
	p.sealed = activeKey{KeyID: keyID, Version: version}
	p.mu.Unlock()
}

func canonicalFailurePolicy(policy SecretProviderFailurePolicy) SecretProviderFailurePolicy {
	switch SecretProviderFailurePolicy(strings.ToLower(strings.TrimSpace(string(policy)))) {
	case SecretProviderFailurePolicyFallback:
		return SecretProviderFailurePolicyFallback
	default:
		return SecretProviderFailurePolicyStrict
	}
}

func providerKeyMetadata(provider core.SecretProvider) (string, int, bool) {
	if provider == nil {
		return "", 0, false
	}
	described, ok := provider.(interface{ Metadata() (string, int) })
	if !ok {
		return "", 0, false
	}
	keyID, version := described.Metadata()
	keyID = strings.TrimSpace(keyID)
	if keyID == "" || version <= 0 {
		return "", 0, false
	}
	return keyID, version, true
}

func secretProviderLabel(provider core.SecretProvider) string {
	if provider == nil {
		return ""
	}
	label := reflect.TypeOf(provider).String()
	if keyID, version, ok := providerKeyMetadata(provider); ok {
		return fmt.Sprintf("%s(%s:%d)", label, keyID, version)
	}
	return label
}

var _ core.SecretProvider = (*FailoverSecretProvider)(nil)
