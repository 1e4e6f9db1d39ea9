package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultAssertionWindow = 60 * time.Second

// ClientAssertionType is the urn sent alongside the assertion in token
// requests (RFC 7523).
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientAssertionSigner produces the RS256 private_key_jwt assertions
// Open Finance token endpoints require: iss = sub = clientID, aud = the
// token endpoint, a short validity window, and a unique jti per call.
type ClientAssertionSigner struct {
	clientID string
	key      *rsa.PrivateKey
	keyID    string
	window   time.Duration
	now      func() time.Time
}

type ClientAssertionConfig struct {
	ClientID      string
	PrivateKeyPEM []byte
	KeyID         string
	Window        time.Duration
}

func NewClientAssertionSigner(cfg ClientAssertionConfig) (*ClientAssertionSigner, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("auth: client id is required")
	}
	if len(cfg.PrivateKeyPEM) == 0 {
		return nil, fmt.Errorf("auth: signing key is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse rsa signing key: %w", err)
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultAssertionWindow
	}
	return &ClientAssertionSigner{
		clientID: clientID,
		key:      key,
		keyID:    strings.TrimSpace(cfg.KeyID),
		window:   window,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// Sign builds a fresh assertion for the given token endpoint. Every
// call gets a new jti; assertions are never reused.
func (s *ClientAssertionSigner) Sign(audience string) (string, error) {
	if s == nil || s.key == nil {
		return "", fmt.Errorf("auth: assertion signer is not configured")
	}
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", fmt.Errorf("auth: assertion audience is required")
	}

	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(s.window).Unix(),
		"jti": uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign client assertion: %w", err)
	}
	return signed, nil
}

// ClientID is exposed for adapters that send client_id alongside the
// assertion.
func (s *ClientAssertionSigner) ClientID() string {
	if s == nil {
		return ""
	}
	return s.clientID
}
