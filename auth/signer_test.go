package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testRSAKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	raw, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal rsa key: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: raw})
}

func TestClientAssertionSigner_Sign(t *testing.T) {
	key, keyPEM := testRSAKeyPEM(t)
	signer, err := NewClientAssertionSigner(ClientAssertionConfig{
		ClientID:      "client_1",
		PrivateKeyPEM: keyPEM,
		KeyID:         "kid_1",
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	assertion, err := signer.Sign("https://bank.example/token")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(assertion, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodRS256 {
			t.Fatalf("unexpected signing method %s", token.Method.Alg())
		}
		return &key.PublicKey, nil
	})
	if err != nil {
		t.Fatalf("parse assertion: %v", err)
	}
	if !parsed.Valid {
		t.Fatalf("expected valid assertion")
	}
	if claims["iss"] != "client_1" || claims["sub"] != "client_1" {
		t.Fatalf("expected iss and sub to carry the client id, got %v / %v", claims["iss"], claims["sub"])
	}
	if claims["aud"] != "https://bank.example/token" {
		t.Fatalf("unexpected audience %v", claims["aud"])
	}
	if parsed.Header["kid"] != "kid_1" {
		t.Fatalf("expected kid header")
	}

	iat, _ := claims["iat"].(float64)
	exp, _ := claims["exp"].(float64)
	if window := time.Duration(exp-iat) * time.Second; window != defaultAssertionWindow {
		t.Fatalf("expected %s validity window, got %s", defaultAssertionWindow, window)
	}
}

func TestClientAssertionSigner_UniqueJTIPerCall(t *testing.T) {
	_, keyPEM := testRSAKeyPEM(t)
	signer, err := NewClientAssertionSigner(ClientAssertionConfig{
		ClientID:      "client_1",
		PrivateKeyPEM: keyPEM,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	seen := map[string]struct{}{}
	parser := jwt.NewParser()
	for i := 0; i < 5; i++ {
		assertion, err := signer.Sign("https://bank.example/token")
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		claims := jwt.MapClaims{}
		if _, _, err := parser.ParseUnverified(assertion, claims); err != nil {
			t.Fatalf("parse assertion: %v", err)
		}
		jti, _ := claims["jti"].(string)
		if jti == "" {
			t.Fatalf("expected jti claim")
		}
		if _, dup := seen[jti]; dup {
			t.Fatalf("jti %q reused", jti)
		}
		seen[jti] = struct{}{}
	}
}

func TestNewClientAssertionSigner_RejectsBadKey(t *testing.T) {
	_, err := NewClientAssertionSigner(ClientAssertionConfig{
		ClientID:      "client_1",
		PrivateKeyPEM: []byte("not a pem key"),
	})
	if err == nil {
		t.Fatalf("expected unparsable key error")
	}
}

func TestNewClientAssertionSigner_RequiresClientID(t *testing.T) {
	_, keyPEM := testRSAKeyPEM(t)
	if _, err := NewClientAssertionSigner(ClientAssertionConfig{PrivateKeyPEM: keyPEM}); err == nil {
		t.Fatalf("expected missing client id error")
	}
}
