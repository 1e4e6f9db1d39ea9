package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testCertificatePEM(t *testing.T, notAfter time.Time) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "banksync-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestNewMTLSTransport_FailsFastOnMissingMaterial(t *testing.T) {
	certPEM, keyPEM := testCertificatePEM(t, time.Now().Add(365*24*time.Hour))

	cases := []struct {
		name   string
		config TransportConfig
	}{
		{"missing cert", TransportConfig{KeyPEM: keyPEM, CAPEM: certPEM}},
		{"missing key", TransportConfig{CertPEM: certPEM, CAPEM: certPEM}},
		{"missing ca", TransportConfig{CertPEM: certPEM, KeyPEM: keyPEM}},
		{"garbage cert", TransportConfig{CertPEM: []byte("nope"), KeyPEM: keyPEM, CAPEM: certPEM}},
		{"garbage ca", TransportConfig{CertPEM: certPEM, KeyPEM: keyPEM, CAPEM: []byte("nope")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewMTLSTransport(tc.config); err == nil {
				t.Fatalf("expected construction error")
			}
		})
	}
}

func TestMTLSTransport_CertificateExpiry(t *testing.T) {
	certPEM, keyPEM := testCertificatePEM(t, time.Now().Add(10*24*time.Hour))
	transport, err := NewMTLSTransport(TransportConfig{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		CAPEM:   certPEM,
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	_, warn := transport.CertificateExpiry(time.Now())
	if !warn {
		t.Fatalf("expected expiry warning inside the 30 day window")
	}

	farCertPEM, farKeyPEM := testCertificatePEM(t, time.Now().Add(365*24*time.Hour))
	farTransport, err := NewMTLSTransport(TransportConfig{
		CertPEM: farCertPEM,
		KeyPEM:  farKeyPEM,
		CAPEM:   farCertPEM,
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if _, warn := farTransport.CertificateExpiry(time.Now()); warn {
		t.Fatalf("did not expect expiry warning for a fresh certificate")
	}
}

func TestMTLSTransport_ClientStampsCorrelationID(t *testing.T) {
	certPEM, keyPEM := testCertificatePEM(t, time.Now().Add(365*24*time.Hour))
	transport, err := NewMTLSTransport(TransportConfig{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		CAPEM:   certPEM,
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	var sawCorrelation, sawUserAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawCorrelation = r.Header.Get("X-Correlation-ID")
		sawUserAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := transport.Client()
	// Plain HTTP target: exercises the round tripper headers without a
	// TLS handshake against the test server.
	client.Transport = &correlationRoundTripper{userAgent: defaultUserAgent, next: http.DefaultTransport}
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if sawCorrelation == "" {
		t.Fatalf("expected correlation id header")
	}
	if sawUserAgent != defaultUserAgent {
		t.Fatalf("expected default user agent, got %q", sawUserAgent)
	}
}
