package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	CredentialPayloadFormatJSONV1 = "active_credential_json"
	CredentialPayloadVersionV1    = 1
)

type CredentialCodec interface {
	Format() string
	Version() int
	Encode(credential ActiveCredential) ([]byte, error)
	Decode(payload []byte) (ActiveCredential, error)
}

type JSONCredentialCodec struct{}

func (JSONCredentialCodec) Format() string {
	return CredentialPayloadFormatJSONV1
}

func (JSONCredentialCodec) Version() int {
	return CredentialPayloadVersionV1
}

type jsonCredentialPayload struct {
	ConnectionID  string         `json:"connection_id,omitempty"`
	TokenType     string         `json:"token_type,omitempty"`
	AccessToken   string         `json:"access_token,omitempty"`
	RefreshToken  string         `json:"refresh_token,omitempty"`
	GrantedScopes []string       `json:"granted_scopes,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Refreshable   bool           `json:"refreshable"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (JSONCredentialCodec) Encode(credential ActiveCredential) ([]byte, error) {
	payload := jsonCredentialPayload{
		ConnectionID:  strings.TrimSpace(credential.ConnectionID),
		TokenType:     strings.TrimSpace(credential.TokenType),
		AccessToken:   strings.TrimSpace(credential.AccessToken),
		RefreshToken:  strings.TrimSpace(credential.RefreshToken),
		GrantedScopes: append([]string(nil), credential.GrantedScopes...),
		ExpiresAt:     cloneTimePointer(credential.ExpiresAt),
		Refreshable:   credential.Refreshable,
		Metadata:      copyAnyMap(credential.Metadata),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("core: encode credential payload: %w", err)
	}
	return encoded, nil
}

func (JSONCredentialCodec) Decode(payload []byte) (ActiveCredential, error) {
	if len(payload) == 0 {
		return ActiveCredential{}, fmt.Errorf("core: credential payload is empty")
	}
	decoded := jsonCredentialPayload{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ActiveCredential{}, fmt.Errorf("core: decode credential payload: %w", err)
	}
	return ActiveCredential{
		ConnectionID:  strings.TrimSpace(decoded.ConnectionID),
		TokenType:     strings.TrimSpace(decoded.TokenType),
		AccessToken:   strings.TrimSpace(decoded.AccessToken),
		RefreshToken:  strings.TrimSpace(decoded.RefreshToken),
		GrantedScopes: append([]string(nil), decoded.GrantedScopes...),
		ExpiresAt:     cloneTimePointer(decoded.ExpiresAt),
		Refreshable:   decoded.Refreshable,
		Metadata:      copyAnyMap(decoded.Metadata),
	}, nil
}

// TokenFingerprint is the only representation of token material allowed
// on log and error surfaces.
func TokenFingerprint(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func cloneTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := value.UTC()
	return &clone
}
