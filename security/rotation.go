package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caixadigital/banksync/core"
)

// KeyRotationWindow gates when a key version is allowed to encrypt.
// Decryption ignores the window: old envelopes must stay readable.
type KeyRotationWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (w KeyRotationWindow) Allows(at time.Time) bool {
	ts := at.UTC()
	if !w.NotBefore.IsZero() && ts.Before(w.NotBefore.UTC()) {
		return false
	}
	if !w.NotAfter.IsZero() && ts.After(w.NotAfter.UTC()) {
		return false
	}
	return true
}

type keyringEntry struct {
	provider *AppKeySecretProvider
	window   KeyRotationWindow
}

// KeyringSecretProvider holds one provider per key id. New envelopes are
// sealed with the current key; decryption routes on the envelope's kid,
// so credentials encrypted before a rotation remain readable.
type KeyringSecretProvider struct {
	entries map[string]keyringEntry
	current string
	now     func() time.Time
}

type KeyringKey struct {
	KeyID    string
	Version  int
	Material []byte
	Window   KeyRotationWindow
}

func NewKeyringSecretProvider(currentKeyID string, keys []KeyringKey) (*KeyringSecretProvider, error) {
	currentKeyID = strings.TrimSpace(currentKeyID)
	if currentKeyID == "" {
		return nil, fmt.Errorf("security: current key id is required")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("security: at least one key is required")
	}

	entries := make(map[string]keyringEntry, len(keys))
	for _, key := range keys {
		keyID := strings.TrimSpace(key.KeyID)
		if keyID == "" {
			return nil, fmt.Errorf("security: keyring entries need a key id")
		}
		if _, dup := entries[keyID]; dup {
			return nil, fmt.Errorf("security: duplicate key id %q", keyID)
		}
		opts := []Option{WithKeyID(keyID)}
		if key.Version > 0 {
			opts = append(opts, WithVersion(key.Version))
		}
		provider, err := NewAppKeySecretProvider(key.Material, opts...)
		if err != nil {
			return nil, fmt.Errorf("security: build key %q: %w", keyID, err)
		}
		entries[keyID] = keyringEntry{provider: provider, window: key.Window}
	}
	if _, ok := entries[currentKeyID]; !ok {
		return nil, fmt.Errorf("security: current key %q is not in the keyring", currentKeyID)
	}

	return &KeyringSecretProvider{
		entries: entries,
		current: currentKeyID,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (p *KeyringSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	entry := p.entries[p.current]
	if !entry.window.Allows(p.now()) {
		return nil, fmt.Errorf("security: current key %q is outside its rotation window", p.current)
	}
	return entry.provider.Encrypt(ctx, plaintext)
}

func (p *KeyringSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return nil, err
	}
	keyID := meta.KeyID
	if keyID == "" {
		keyID = p.current
	}
	entry, ok := p.entries[keyID]
	if !ok {
		return nil, fmt.Errorf("security: no key %q in the keyring", keyID)
	}
	return entry.provider.Decrypt(ctx, ciphertext)
}

// Metadata reports the key id and version new envelopes are sealed with.
func (p *KeyringSecretProvider) Metadata() (string, int) {
	if p == nil {
		return "", 0
	}
	return p.entries[p.current].provider.Metadata()
}

var _ core.SecretProvider = (*KeyringSecretProvider)(nil)
