// Package openfinance implements the HTTP bank adapter for Open Finance
// Brasil-style APIs: OAuth2 authorization code + PKCE for consent, RS256
// client assertions at the token endpoint, and cursor-paged transaction
// listing over the mutual-TLS transport.
package openfinance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caixadigital/banksync/auth"
	"github.com/caixadigital/banksync/core"
	"github.com/shopspring/decimal"
)

const (
	// Protocol is the registry key banks speaking this dialect share.
	Protocol = "openfinance"

	defaultConsentTTL        = 15 * time.Minute
	defaultPageSize          = 100
	maxResponseBodyBytes     = 4 << 20 // 4 MiB
	headerCorrelationID      = "X-Correlation-ID"
	transactionsPathTemplate = "/accounts/%s/transactions"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	Signer     *auth.ClientAssertionSigner
	HTTPClient HTTPDoer

	// RevocationPath is appended to the token endpoint origin; defaults
	// to "/revoke".
	RevocationPath string
	ConsentTTL     time.Duration
	Now            func() time.Time
}

// Provider speaks the shared Open Finance dialect; individual banks are
// differentiated entirely by their directory entries.
type Provider struct {
	signer         *auth.ClientAssertionSigner
	httpClient     HTTPDoer
	revocationPath string
	consentTTL     time.Duration
	now            func() time.Time
}

func New(cfg Config) (*Provider, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("openfinance: client assertion signer is required")
	}
	if cfg.HTTPClient == nil {
		return nil, fmt.Errorf("openfinance: http client is required")
	}
	revocationPath := strings.TrimSpace(cfg.RevocationPath)
	if revocationPath == "" {
		revocationPath = "/revoke"
	}
	consentTTL := cfg.ConsentTTL
	if consentTTL <= 0 {
		consentTTL = defaultConsentTTL
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time {
			return time.Now().UTC()
		}
	}
	return &Provider{
		signer:         cfg.Signer,
		httpClient:     cfg.HTTPClient,
		revocationPath: revocationPath,
		consentTTL:     consentTTL,
		now:            now,
	}, nil
}

func (*Provider) Protocol() string { return Protocol }

func (p *Provider) BeginConsent(_ context.Context, req core.BeginConsentRequest) (core.BeginConsentResponse, error) {
	if p == nil {
		return core.BeginConsentResponse{}, fmt.Errorf("openfinance: provider is nil")
	}
	authEndpoint := strings.TrimSpace(req.Directory.AuthorizationEndpoint)
	if authEndpoint == "" {
		return core.BeginConsentResponse{}, fmt.Errorf("%w: provider %s has no authorization endpoint",
			core.ErrProviderUnavailable, req.Directory.ProviderID)
	}
	state := strings.TrimSpace(req.State)
	if state == "" {
		return core.BeginConsentResponse{}, fmt.Errorf("openfinance: state is required")
	}
	if strings.TrimSpace(req.CodeChallenge) == "" {
		return core.BeginConsentResponse{}, fmt.Errorf("openfinance: pkce code challenge is required")
	}

	assertion, err := p.signer.Sign(strings.TrimSpace(req.Directory.TokenEndpoint))
	if err != nil {
		return core.BeginConsentResponse{}, err
	}

	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", p.signer.ClientID())
	values.Set("redirect_uri", strings.TrimSpace(req.RedirectURI))
	values.Set("scope", strings.Join(req.RequestedScopes, " "))
	values.Set("state", state)
	values.Set("code_challenge", strings.TrimSpace(req.CodeChallenge))
	values.Set("code_challenge_method", "S256")
	values.Set("client_assertion_type", auth.ClientAssertionType)
	values.Set("client_assertion", assertion)

	authURL := authEndpoint
	if strings.Contains(authURL, "?") {
		authURL += "&" + values.Encode()
	} else {
		authURL += "?" + values.Encode()
	}

	expiresAt := p.now().Add(p.consentTTL)
	return core.BeginConsentResponse{
		AuthorizationURL:  authURL,
		ProviderConsentID: "",
		ExpiresAt:         &expiresAt,
		Metadata: map[string]any{
			"provider_id": req.Directory.ProviderID,
			"protocol":    Protocol,
		},
	}, nil
}

func (p *Provider) ExchangeCode(ctx context.Context, req core.ExchangeCodeRequest) (core.ExchangeCodeResponse, error) {
	if p == nil {
		return core.ExchangeCodeResponse{}, fmt.Errorf("openfinance: provider is nil")
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return core.ExchangeCodeResponse{}, fmt.Errorf("%w: authorization code is required", core.ErrInvalidGrant)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", strings.TrimSpace(req.RedirectURI))
	form.Set("code_verifier", strings.TrimSpace(req.CodeVerifier))

	token, err := p.fetchToken(ctx, req.Directory, form)
	if err != nil {
		return core.ExchangeCodeResponse{}, err
	}

	externalAccountID := strings.TrimSpace(token.AccountID)
	credential := p.credentialFromToken(req.Directory, token)
	return core.ExchangeCodeResponse{
		ExternalAccountID: externalAccountID,
		Credential:        credential,
		Metadata: map[string]any{
			"provider_id":         req.Directory.ProviderID,
			"provider_consent_id": strings.TrimSpace(token.ConsentID),
		},
	}, nil
}

func (p *Provider) RefreshToken(ctx context.Context, directory core.ProviderDirectoryEntry, cred core.ActiveCredential) (core.RefreshResult, error) {
	if p == nil {
		return core.RefreshResult{}, fmt.Errorf("openfinance: provider is nil")
	}
	refreshToken := strings.TrimSpace(cred.RefreshToken)
	if refreshToken == "" {
		return core.RefreshResult{}, fmt.Errorf("%w: no refresh token on file", core.ErrTokenExpired)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if len(cred.GrantedScopes) > 0 {
		form.Set("scope", strings.Join(cred.GrantedScopes, " "))
	}

	token, err := p.fetchToken(ctx, directory, form)
	if err != nil {
		return core.RefreshResult{}, err
	}

	refreshed := cred
	refreshed.TokenType = normalizeTokenType(token.TokenType)
	refreshed.AccessToken = strings.TrimSpace(token.AccessToken)
	// Rotating providers issue a replacement refresh token; the rest
	// keep the one already on file.
	if next := strings.TrimSpace(token.RefreshToken); next != "" {
		refreshed.RefreshToken = next
	}
	if scopes := parseScopeList(token.Scope); len(scopes) > 0 {
		refreshed.GrantedScopes = scopes
	}
	refreshed.ExpiresAt = p.resolveExpiresAt(token.ExpiresIn)
	refreshed.Refreshable = strings.TrimSpace(refreshed.RefreshToken) != ""

	return core.RefreshResult{
		Credential: refreshed,
		Metadata: map[string]any{
			"provider_id": directory.ProviderID,
			"rotated":     strings.TrimSpace(token.RefreshToken) != "",
		},
	}, nil
}

func (p *Provider) RevokeConsent(ctx context.Context, req core.RevokeConsentRequest) error {
	if p == nil {
		return fmt.Errorf("openfinance: provider is nil")
	}
	revokeURL, err := p.revocationURL(req.Directory)
	if err != nil {
		return err
	}
	assertion, err := p.signer.Sign(strings.TrimSpace(req.Directory.TokenEndpoint))
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("client_id", p.signer.ClientID())
	form.Set("client_assertion_type", auth.ClientAssertionType)
	form.Set("client_assertion", assertion)
	if req.Credential != nil && strings.TrimSpace(req.Credential.RefreshToken) != "" {
		form.Set("token", strings.TrimSpace(req.Credential.RefreshToken))
		form.Set("token_type_hint", "refresh_token")
	} else if id := strings.TrimSpace(req.ProviderConsentID); id != "" {
		form.Set("consent_id", id)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: revocation request failed: %v", core.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyBytes))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: revocation endpoint returned %d", core.ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

func (p *Provider) FetchTransactions(ctx context.Context, req core.FetchPageRequest) (core.FetchPageResult, error) {
	if p == nil {
		return core.FetchPageResult{}, fmt.Errorf("openfinance: provider is nil")
	}
	baseURL := strings.TrimSpace(req.Directory.TransactionBaseURL)
	if baseURL == "" {
		return core.FetchPageResult{}, fmt.Errorf("%w: provider %s has no transaction endpoint",
			core.ErrProviderUnavailable, req.Directory.ProviderID)
	}
	accountID := strings.TrimSpace(req.ExternalAccountID)
	if accountID == "" {
		return core.FetchPageResult{}, fmt.Errorf("openfinance: external account id is required")
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	query := url.Values{}
	query.Set("fromBookingDate", req.From.UTC().Format("2006-01-02"))
	query.Set("toBookingDate", req.To.UTC().Format("2006-01-02"))
	query.Set("page-size", fmt.Sprintf("%d", pageSize))
	if cursor := strings.TrimSpace(req.Cursor); cursor != "" {
		query.Set("page", cursor)
	}

	endpoint := strings.TrimRight(baseURL, "/") +
		fmt.Sprintf(transactionsPathTemplate, url.PathEscape(accountID)) +
		"?" + query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return core.FetchPageResult{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(req.Token.Token))
	if correlation := strings.TrimSpace(req.CorrelationID); correlation != "" {
		httpReq.Header.Set(headerCorrelationID, correlation)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return core.FetchPageResult{}, fmt.Errorf("%w: transaction request failed: %v", core.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return core.FetchPageResult{}, fmt.Errorf("%w: read transaction response: %v", core.ErrProviderUnavailable, err)
	}
	if int64(len(body)) > maxResponseBodyBytes {
		return core.FetchPageResult{}, fmt.Errorf("openfinance: transaction response exceeds %d bytes", maxResponseBodyBytes)
	}

	meta := responseMeta(resp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.FetchPageResult{Meta: meta}, fmt.Errorf("%w: transaction endpoint returned %d",
			core.ErrTokenExpired, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.FetchPageResult{Meta: meta}, fmt.Errorf("openfinance: provider throttled the request (429)")
	case resp.StatusCode >= http.StatusInternalServerError:
		return core.FetchPageResult{Meta: meta}, fmt.Errorf("%w: transaction endpoint returned %d",
			core.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return core.FetchPageResult{Meta: meta}, fmt.Errorf("openfinance: transaction endpoint returned %d", resp.StatusCode)
	}

	var payload transactionPage
	if err := json.Unmarshal(body, &payload); err != nil {
		return core.FetchPageResult{Meta: meta}, fmt.Errorf("openfinance: decode transaction response: %w", err)
	}

	transactions := make([]core.RawTransaction, 0, len(payload.Data))
	for _, item := range payload.Data {
		raw, convErr := item.toRawTransaction()
		if convErr != nil {
			return core.FetchPageResult{Meta: meta}, convErr
		}
		transactions = append(transactions, raw)
	}

	nextCursor := strings.TrimSpace(payload.Links.Next)
	return core.FetchPageResult{
		Transactions: transactions,
		NextCursor:   nextCursor,
		HasMore:      nextCursor != "" && nextCursor != strings.TrimSpace(req.Cursor),
		Meta:         meta,
	}, nil
}

type tokenPayload struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	RefreshToken     string `json:"refresh_token"`
	Scope            string `json:"scope"`
	ExpiresIn        int64  `json:"expires_in"`
	AccountID        string `json:"account_id"`
	ConsentID        string `json:"consent_id"`
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (p *Provider) fetchToken(ctx context.Context, directory core.ProviderDirectoryEntry, form url.Values) (tokenPayload, error) {
	tokenURL := strings.TrimSpace(directory.TokenEndpoint)
	if tokenURL == "" {
		return tokenPayload{}, fmt.Errorf("%w: provider %s has no token endpoint",
			core.ErrProviderUnavailable, directory.ProviderID)
	}
	assertion, err := p.signer.Sign(tokenURL)
	if err != nil {
		return tokenPayload{}, err
	}
	form.Set("client_id", p.signer.ClientID())
	form.Set("client_assertion_type", auth.ClientAssertionType)
	form.Set("client_assertion", assertion)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenPayload{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tokenPayload{}, fmt.Errorf("%w: token request failed: %v", core.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return tokenPayload{}, fmt.Errorf("%w: read token response: %v", core.ErrProviderUnavailable, err)
	}

	var payload tokenPayload
	if len(strings.TrimSpace(string(body))) > 0 {
		if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil && resp.StatusCode < http.StatusInternalServerError {
			return tokenPayload{}, fmt.Errorf("openfinance: decode token response: %w", decodeErr)
		}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return tokenPayload{}, fmt.Errorf("%w: token endpoint returned %d", core.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || payload.ErrorCode != "" {
		return tokenPayload{}, mapTokenError(resp.StatusCode, payload)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return tokenPayload{}, fmt.Errorf("%w: token response missing access token", core.ErrProviderUnavailable)
	}
	return payload, nil
}

func mapTokenError(statusCode int, payload tokenPayload) error {
	description := strings.TrimSpace(payload.ErrorDescription)
	if description == "" {
		description = strings.TrimSpace(payload.ErrorCode)
	}
	if description == "" {
		description = fmt.Sprintf("status %d", statusCode)
	}
	switch strings.ToLower(strings.TrimSpace(payload.ErrorCode)) {
	case "invalid_grant", "expired_token":
		return fmt.Errorf("%w: %s", core.ErrInvalidGrant, description)
	case "access_denied", "consent_rejected":
		return fmt.Errorf("%w: %s", core.ErrConsentDenied, description)
	case "invalid_client", "unauthorized_client":
		return fmt.Errorf("%w: %s", core.ErrInvalidGrant, description)
	}
	if statusCode == http.StatusBadRequest || statusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", core.ErrInvalidGrant, description)
	}
	return fmt.Errorf("%w: %s", core.ErrProviderUnavailable, description)
}

func (p *Provider) credentialFromToken(directory core.ProviderDirectoryEntry, token tokenPayload) core.ActiveCredential {
	refreshToken := strings.TrimSpace(token.RefreshToken)
	return core.ActiveCredential{
		TokenType:     normalizeTokenType(token.TokenType),
		AccessToken:   strings.TrimSpace(token.AccessToken),
		RefreshToken:  refreshToken,
		GrantedScopes: parseScopeList(token.Scope),
		ExpiresAt:     p.resolveExpiresAt(token.ExpiresIn),
		Refreshable:   refreshToken != "",
		Metadata: map[string]any{
			"provider_id": directory.ProviderID,
			"protocol":    Protocol,
		},
	}
}

func (p *Provider) resolveExpiresAt(expiresIn int64) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	expiresAt := p.now().Add(time.Duration(expiresIn) * time.Second)
	return &expiresAt
}

func (p *Provider) revocationURL(directory core.ProviderDirectoryEntry) (string, error) {
	tokenURL := strings.TrimSpace(directory.TokenEndpoint)
	if tokenURL == "" {
		return "", fmt.Errorf("%w: provider %s has no token endpoint",
			core.ErrProviderUnavailable, directory.ProviderID)
	}
	parsed, err := url.Parse(tokenURL)
	if err != nil {
		return "", fmt.Errorf("openfinance: parse token endpoint: %w", err)
	}
	parsed.Path = p.revocationPath
	parsed.RawQuery = ""
	return parsed.String(), nil
}

type transactionPage struct {
	Data  []transactionRecord `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type transactionRecord struct {
	TransactionID       string `json:"transactionId"`
	Type                string `json:"type"`
	Amount              string `json:"amount"`
	Currency            string `json:"transactionCurrency"`
	Description         string `json:"transactionName"`
	BookingDate         string `json:"bookingDate"`
	Status              string `json:"completedAuthorisedPaymentType"`
	BalanceAfter        string `json:"balanceAfterTransaction"`
	CounterpartName     string `json:"counterpartName"`
	CounterpartDocument string `json:"counterpartCnpjCpf"`
	CounterpartBank     string `json:"counterpartBankCode"`
	CounterpartAgency   string `json:"counterpartBranchCode"`
	CounterpartAccount  string `json:"counterpartAccountNumber"`
	PixKey              string `json:"pixKey"`
	ReferenceNumber     string `json:"referenceNumber"`
}

func (r transactionRecord) toRawTransaction() (core.RawTransaction, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(r.Amount))
	if err != nil {
		return core.RawTransaction{}, fmt.Errorf("openfinance: parse amount %q: %w", r.Amount, err)
	}
	bookedAt, err := parseBookingDate(r.BookingDate)
	if err != nil {
		return core.RawTransaction{}, err
	}

	var balanceAfter *decimal.Decimal
	if trimmed := strings.TrimSpace(r.BalanceAfter); trimmed != "" {
		parsed, balanceErr := decimal.NewFromString(trimmed)
		if balanceErr != nil {
			return core.RawTransaction{}, fmt.Errorf("openfinance: parse balance %q: %w", r.BalanceAfter, balanceErr)
		}
		balanceAfter = &parsed
	}

	return core.RawTransaction{
		ExternalID:          strings.TrimSpace(r.TransactionID),
		TypeCode:            strings.TrimSpace(r.Type),
		Amount:              amount,
		Currency:            strings.TrimSpace(r.Currency),
		Description:         strings.TrimSpace(r.Description),
		BookedAt:            bookedAt,
		CounterpartName:     strings.TrimSpace(r.CounterpartName),
		CounterpartDocument: strings.TrimSpace(r.CounterpartDocument),
		CounterpartBank:     strings.TrimSpace(r.CounterpartBank),
		CounterpartAgency:   strings.TrimSpace(r.CounterpartAgency),
		CounterpartAccount:  strings.TrimSpace(r.CounterpartAccount),
		PixKey:              strings.TrimSpace(r.PixKey),
		ReferenceNumber:     strings.TrimSpace(r.ReferenceNumber),
		Status:              strings.TrimSpace(r.Status),
		BalanceAfter:        balanceAfter,
	}, nil
}

func parseBookingDate(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("openfinance: booking date is required")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("openfinance: unparsable booking date %q", value)
}

func responseMeta(resp *http.Response) core.ProviderResponseMeta {
	meta := core.ProviderResponseMeta{
		StatusCode: resp.StatusCode,
		Headers:    map[string]string{},
	}
	for _, key := range []string{"Retry-After", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
		if value := resp.Header.Get(key); value != "" {
			meta.Headers[key] = value
		}
	}
	if retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After")); retryAfter != "" {
		if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
			meta.RetryAfter = &seconds
		}
	}
	return meta
}

func normalizeTokenType(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "bearer"
	}
	return normalized
}

func parseScopeList(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(trimmed, ",", " "))
}

var _ core.BankProvider = (*Provider)(nil)
