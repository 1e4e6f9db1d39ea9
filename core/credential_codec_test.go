package core

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestJSONCredentialCodec_RoundTrip(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)

	codec := JSONCredentialCodec{}
	encoded, err := codec.Encode(ActiveCredential{
		ConnectionID:  "conn_1",
		TokenType:     "Bearer",
		AccessToken:   "access-1",
		RefreshToken:  "refresh-1",
		GrantedScopes: []string{"accounts", "transactions"},
		ExpiresAt:     &expires,
		Refreshable:   true,
		Metadata: map[string]any{
			"consent_id": "urn:consent:abc",
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.AccessToken != "access-1" || decoded.RefreshToken != "refresh-1" {
		t.Fatalf("expected token roundtrip, got %+v", decoded)
	}
	if len(decoded.GrantedScopes) != 2 || decoded.GrantedScopes[0] != "accounts" {
		t.Fatalf("expected scope roundtrip, got %v", decoded.GrantedScopes)
	}
	if decoded.ExpiresAt == nil || !decoded.ExpiresAt.Equal(expires) {
		t.Fatalf("expected expires_at roundtrip")
	}
	if !decoded.Refreshable {
		t.Fatalf("expected refreshable flag roundtrip")
	}
}

func TestJSONCredentialCodec_DecodeRejectsEmptyPayload(t *testing.T) {
	if _, err := (JSONCredentialCodec{}).Decode(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestServiceSealUnsealCredential(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(Config{},
		WithLogger(stubLogger{}),
		WithSecretProvider(testSecretProvider{}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	expires := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	active := ActiveCredential{
		ConnectionID:  "conn_1",
		TokenType:     "Bearer",
		AccessToken:   "access-sealed",
		RefreshToken:  "refresh-sealed",
		GrantedScopes: []string{"transactions"},
		ExpiresAt:     &expires,
		Refreshable:   true,
	}

	input, err := svc.sealCredential(ctx, active)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if input.PayloadFormat != CredentialPayloadFormatJSONV1 || input.PayloadVersion != CredentialPayloadVersionV1 {
		t.Fatalf("unexpected payload format: %s v%d", input.PayloadFormat, input.PayloadVersion)
	}
	if bytes.Contains(input.EncryptedPayload, []byte("access-sealed")) {
		t.Fatalf("sealed payload must not expose token material")
	}
	if input.ExpiresAt == nil || !input.ExpiresAt.Equal(expires) {
		t.Fatalf("expected expiry on the store input")
	}

	unsealed, err := svc.unsealCredential(ctx, Credential{
		ConnectionID:     "conn_1",
		EncryptedPayload: input.EncryptedPayload,
		PayloadFormat:    input.PayloadFormat,
		PayloadVersion:   input.PayloadVersion,
	})
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if unsealed.AccessToken != "access-sealed" || unsealed.RefreshToken != "refresh-sealed" {
		t.Fatalf("expected seal/unseal roundtrip, got %+v", unsealed)
	}
}

func TestServiceUnsealCredential_BackfillsConnectionID(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(Config{}, WithLogger(stubLogger{}), WithSecretProvider(testSecretProvider{}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	input, err := svc.sealCredential(ctx, ActiveCredential{
		TokenType:   "Bearer",
		AccessToken: "access-2",
	})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	unsealed, err := svc.unsealCredential(ctx, Credential{
		ConnectionID:     "conn_9",
		EncryptedPayload: input.EncryptedPayload,
	})
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if unsealed.ConnectionID != "conn_9" {
		t.Fatalf("expected connection id backfill, got %q", unsealed.ConnectionID)
	}
}

func TestTokenFingerprint(t *testing.T) {
	if TokenFingerprint("") != "" {
		t.Fatalf("empty token must yield empty fingerprint")
	}
	a := TokenFingerprint("access-token-a")
	if a == "" || a == "access-token-a" {
		t.Fatalf("fingerprint must not echo the token")
	}
	if len(a) != 16 {
		t.Fatalf("expected 8-byte hex fingerprint, got %q", a)
	}
	if a != TokenFingerprint("  access-token-a  ") {
		t.Fatalf("fingerprint must ignore surrounding whitespace")
	}
	if a == TokenFingerprint("access-token-b") {
		t.Fatalf("distinct tokens must not collide in tests")
	}
}
