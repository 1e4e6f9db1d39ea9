package openfinance

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/caixadigital/banksync/auth"
	"github.com/caixadigital/banksync/core"
)

type fakeDoer struct {
	requests  []*http.Request
	bodies    []url.Values
	responses []*http.Response
	err       error
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req)
	if req.Body != nil {
		raw, _ := io.ReadAll(req.Body)
		values, _ := url.ParseQuery(string(raw))
		f.bodies = append(f.bodies, values)
	} else {
		f.bodies = append(f.bodies, url.Values{})
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return jsonResponse(200, `{}`), nil
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next, nil
}

func jsonResponse(status int, body string, headers ...string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	for i := 0; i+1 < len(headers); i += 2 {
		resp.Header.Set(headers[i], headers[i+1])
	}
	return resp
}

func testSigner(t *testing.T) *auth.ClientAssertionSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	signer, err := auth.NewClientAssertionSigner(auth.ClientAssertionConfig{
		ClientID:      "client_1",
		PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: raw}),
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func testDirectory() core.ProviderDirectoryEntry {
	return core.ProviderDirectoryEntry{
		ProviderID:            "077",
		DisplayName:           "Banco Inter",
		Protocol:              Protocol,
		AuthorizationEndpoint: "https://auth.bank.example/authorize",
		TokenEndpoint:         "https://auth.bank.example/token",
		TransactionBaseURL:    "https://api.bank.example/open-banking/v2",
	}
}

func TestBeginConsent_BuildsAuthorizationURL(t *testing.T) {
	provider, err := New(Config{Signer: testSigner(t), HTTPClient: &fakeDoer{}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	begin, err := provider.BeginConsent(context.Background(), core.BeginConsentRequest{
		Directory:       testDirectory(),
		RequestedScopes: []string{"accounts", "transactions"},
		RedirectURI:     "https://app.example/callback",
		State:           "state_1",
		CodeChallenge:   "challenge_1",
	})
	if err != nil {
		t.Fatalf("begin consent: %v", err)
	}

	parsed, err := url.Parse(begin.AuthorizationURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	query := parsed.Query()
	if query.Get("response_type") != "code" {
		t.Fatalf("expected code response type")
	}
	if query.Get("code_challenge") != "challenge_1" || query.Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 pkce parameters")
	}
	if query.Get("client_assertion") == "" {
		t.Fatalf("expected client assertion on the authorization url")
	}
	if query.Get("state") != "state_1" {
		t.Fatalf("expected state passthrough")
	}
	if begin.ExpiresAt == nil || begin.ExpiresAt.IsZero() {
		t.Fatalf("expected consent expiry")
	}
}

func TestExchangeCode_SendsPKCEAndAssertion(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{jsonResponse(200, `{
		"access_token": "at_1",
		"token_type": "Bearer",
		"refresh_token": "rt_1",
		"expires_in": 3600,
		"scope": "accounts transactions",
		"account_id": "acct_900"
	}`)}}
	provider, err := New(Config{Signer: testSigner(t), HTTPClient: doer})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	result, err := provider.ExchangeCode(context.Background(), core.ExchangeCodeRequest{
		Directory:    testDirectory(),
		Code:         "code_1",
		CodeVerifier: "verifier_1",
		RedirectURI:  "https://app.example/callback",
	})
	if err != nil {
		t.Fatalf("exchange code: %v", err)
	}

	form := doer.bodies[0]
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "code_1" {
		t.Fatalf("unexpected token request form: %v", form)
	}
	if form.Get("code_verifier") != "verifier_1" {
		t.Fatalf("expected pkce verifier in token request")
	}
	if form.Get("client_assertion") == "" || form.Get("client_assertion_type") != auth.ClientAssertionType {
		t.Fatalf("expected client assertion in token request")
	}

	if result.ExternalAccountID != "acct_900" {
		t.Fatalf("unexpected account id %q", result.ExternalAccountID)
	}
	if result.Credential.AccessToken != "at_1" || result.Credential.RefreshToken != "rt_1" {
		t.Fatalf("unexpected credential tokens")
	}
	if !result.Credential.Refreshable || result.Credential.ExpiresAt == nil {
		t.Fatalf("expected refreshable credential with expiry")
	}
}

func TestExchangeCode_MapsOAuthErrors(t *testing.T) {
	cases := []struct {
		name     string
		response *http.Response
		want     error
	}{
		{"invalid grant", jsonResponse(400, `{"error":"invalid_grant"}`), core.ErrInvalidGrant},
		{"denied", jsonResponse(400, `{"error":"access_denied"}`), core.ErrConsentDenied},
		{"server error", jsonResponse(503, `{}`), core.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doer := &fakeDoer{responses: []*http.Response{tc.response}}
			provider, err := New(Config{Signer: testSigner(t), HTTPClient: doer})
			if err != nil {
				t.Fatalf("new provider: %v", err)
			}
			_, err = provider.ExchangeCode(context.Background(), core.ExchangeCodeRequest{
				Directory: testDirectory(),
				Code:      "code_1",
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRefreshToken_KeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{jsonResponse(200, `{
		"access_token": "at_2",
		"token_type": "Bearer",
		"expires_in": 1800
	}`)}}
	provider, err := New(Config{Signer: testSigner(t), HTTPClient: doer})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	result, err := provider.RefreshToken(context.Background(), testDirectory(), core.ActiveCredential{
		AccessToken:  "at_1",
		RefreshToken: "rt_1",
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.Credential.AccessToken != "at_2" {
		t.Fatalf("expected new access token")
	}
	if result.Credential.RefreshToken != "rt_1" {
		t.Fatalf("expected old refresh token to survive a non-rotating refresh")
	}
}

func TestFetchTransactions_ParsesPageAndMeta(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{jsonResponse(200, `{
		"data": [{
			"transactionId": "tx_1",
			"type": "PIX",
			"amount": "-150.75",
			"transactionCurrency": "BRL",
			"transactionName": "PIX Enviado Fornecedor",
			"bookingDate": "2026-02-10",
			"pixKey": "chave@example.com",
			"balanceAfterTransaction": "1200.00"
		}],
		"links": {"next": "page_2"}
	}`, "Retry-After", "2")}}
	provider, err := New(Config{Signer: testSigner(t), HTTPClient: doer})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	result, err := provider.FetchTransactions(context.Background(), core.FetchPageRequest{
		Directory:         testDirectory(),
		ExternalAccountID: "acct_900",
		Token:             core.AccessToken{Token: "at_1"},
		From:              time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		To:                time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
		CorrelationID:     "corr_1",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	request := doer.requests[0]
	if got := request.Header.Get("Authorization"); got != "Bearer at_1" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	if got := request.Header.Get("X-Correlation-ID"); got != "corr_1" {
		t.Fatalf("expected correlation id header, got %q", got)
	}

	if len(result.Transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(result.Transactions))
	}
	txn := result.Transactions[0]
	if txn.ExternalID != "tx_1" || txn.Amount.String() != "-150.75" {
		t.Fatalf("unexpected transaction %+v", txn)
	}
	if txn.BalanceAfter == nil || txn.BalanceAfter.String() != "1200" {
		t.Fatalf("expected balance after transaction")
	}
	if result.NextCursor != "page_2" || !result.HasMore {
		t.Fatalf("expected next cursor with more pages")
	}
	if result.Meta.RetryAfter == nil || *result.Meta.RetryAfter != 2*time.Second {
		t.Fatalf("expected retry-after metadata")
	}
}

func TestFetchTransactions_MapsAuthFailures(t *testing.T) {
	doer := &fakeDoer{responses: []*http.Response{jsonResponse(401, `{}`)}}
	provider, err := New(Config{Signer: testSigner(t), HTTPClient: doer})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, err = provider.FetchTransactions(context.Background(), core.FetchPageRequest{
		Directory:         testDirectory(),
		ExternalAccountID: "acct_900",
		Token:             core.AccessToken{Token: "stale"},
		From:              time.Now().Add(-time.Hour),
		To:                time.Now(),
	})
	if !errors.Is(err, core.ErrTokenExpired) {
		t.Fatalf("expected token expiry mapping, got %v", err)
	}
}
