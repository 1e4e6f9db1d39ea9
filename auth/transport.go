package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultCallTimeout      = 30 * time.Second
	defaultExpiryWarnWindow = 30 * 24 * time.Hour
	defaultUserAgent        = "banksync/1.0"
	correlationHeader       = "X-Correlation-ID"
)

// TransportConfig carries the mutual-TLS material for provider calls.
// Certificate and key may be supplied inline (PEM bytes) or as file
// paths; inline material wins when both are set.
type TransportConfig struct {
	CertPEM []byte
	KeyPEM  []byte
	CAPEM   []byte

	CertFile string
	KeyFile  string
	CAFile   string

	Timeout          time.Duration
	UserAgent        string
	ExpiryWarnWindow time.Duration
}

// MTLSTransport owns a client certificate and hands out *http.Client
// values that present it. Construction fails fast on missing or
// unparsable material so a misconfigured deployment dies at startup,
// not on the first provider call.
type MTLSTransport struct {
	certificate tls.Certificate
	caPool      *x509.CertPool
	timeout     time.Duration
	userAgent   string
	warnWindow  time.Duration
	notAfter    time.Time
}

func NewMTLSTransport(cfg TransportConfig) (*MTLSTransport, error) {
	certPEM, err := loadPEM(cfg.CertPEM, cfg.CertFile, "client certificate")
	if err != nil {
		return nil, err
	}
	keyPEM, err := loadPEM(cfg.KeyPEM, cfg.KeyFile, "client key")
	if err != nil {
		return nil, err
	}
	caPEM, err := loadPEM(cfg.CAPEM, cfg.CAFile, "ca bundle")
	if err != nil {
		return nil, err
	}

	certificate, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse client certificate/key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(certificate.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("auth: parse client certificate leaf: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("auth: ca bundle contains no usable certificates")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	warnWindow := cfg.ExpiryWarnWindow
	if warnWindow <= 0 {
		warnWindow = defaultExpiryWarnWindow
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &MTLSTransport{
		certificate: certificate,
		caPool:      caPool,
		timeout:     timeout,
		userAgent:   userAgent,
		warnWindow:  warnWindow,
		notAfter:    leaf.NotAfter,
	}, nil
}

// Client returns an HTTP client that presents the client certificate,
// pins the CA pool, and stamps a correlation id on every request.
func (t *MTLSTransport) Client() *http.Client {
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{t.certificate},
		RootCAs:      t.caPool,
	}
	return &http.Client{
		Timeout: t.timeout,
		Transport: &correlationRoundTripper{
			userAgent: t.userAgent,
			next: &http.Transport{
				TLSClientConfig:   tlsConfig,
				ForceAttemptHTTP2: true,
			},
		},
	}
}

// CertificateExpiry reports the leaf NotAfter. The second value is true
// when the certificate expires inside the warning window; callers log
// it as an operational warning at startup.
func (t *MTLSTransport) CertificateExpiry(now time.Time) (time.Time, bool) {
	return t.notAfter, now.Add(t.warnWindow).After(t.notAfter)
}

type correlationRoundTripper struct {
	userAgent string
	next      http.RoundTripper
}

func (rt *correlationRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	if cloned.Header.Get(correlationHeader) == "" {
		cloned.Header.Set(correlationHeader, uuid.NewString())
	}
	if cloned.Header.Get("User-Agent") == "" {
		cloned.Header.Set("User-Agent", rt.userAgent)
	}
	return rt.next.RoundTrip(cloned)
}

func loadPEM(inline []byte, path string, what string) ([]byte, error) {
	if len(inline) > 0 {
		return inline, nil
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("auth: %s is required", what)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read %s from %q: %w", what, path, err)
	}
	return raw, nil
}
