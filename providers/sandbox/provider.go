// Package sandbox implements an in-memory simulated bank for development
// and tests: one-time authorization codes, consent expiry, refresh-token
// rotation, optional latency and fault injection, and a small seeded
// transaction ledger.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	mrand "math/rand"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caixadigital/banksync/core"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	Protocol = "sandbox"

	defaultConsentTTL = 15 * time.Minute
	defaultTokenTTL   = time.Hour
	defaultPageSize   = 100
)

type Config struct {
	ConsentTTL time.Duration
	TokenTTL   time.Duration

	// Latency is applied to every call; FailureRate in [0,1) makes that
	// fraction of FetchTransactions calls fail with a transient error.
	Latency     time.Duration
	FailureRate float64

	Now func() time.Time
}

type pendingConsent struct {
	consentID string
	scopes    []string
	expiresAt time.Time
	code      string
	codeUsed  bool
	accountID string
}

type issuedToken struct {
	accountID    string
	refreshToken string
	scopes       []string
	expiresAt    time.Time
	revoked      bool
}

// Provider simulates a bank end to end. All state is process-local.
type Provider struct {
	mu         sync.Mutex
	cfg        Config
	consents   map[string]*pendingConsent // keyed by authorization code
	byConsent  map[string]*pendingConsent // keyed by provider consent id
	tokens     map[string]*issuedToken    // keyed by access token
	byRefresh  map[string]*issuedToken    // keyed by refresh token
	ledger     map[string][]core.RawTransaction
	fetchCalls int
	failNext   int
	failWith   error
}

func New(cfg Config) *Provider {
	if cfg.ConsentTTL <= 0 {
		cfg.ConsentTTL = defaultConsentTTL
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time {
			return time.Now().UTC()
		}
	}
	return &Provider{
		cfg:       cfg,
		consents:  map[string]*pendingConsent{},
		byConsent: map[string]*pendingConsent{},
		tokens:    map[string]*issuedToken{},
		byRefresh: map[string]*issuedToken{},
		ledger:    map[string][]core.RawTransaction{},
	}
}

func (*Provider) Protocol() string { return Protocol }

// SeedAccount installs a ledger for an external account id. Subsequent
// consents authorize against the most recently seeded account.
func (p *Provider) SeedAccount(accountID string, transactions []core.RawTransaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ledger[accountID] = append([]core.RawTransaction(nil), transactions...)
}

// FailNextFetches makes the next n FetchTransactions calls fail with the
// given error (defaults to a transient provider failure).
func (p *Provider) FailNextFetches(n int, with error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
	p.failWith = with
}

func (p *Provider) BeginConsent(ctx context.Context, req core.BeginConsentRequest) (core.BeginConsentResponse, error) {
	if err := p.simulateCall(ctx); err != nil {
		return core.BeginConsentResponse{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	code := newOpaque("code")
	consent := &pendingConsent{
		consentID: newOpaque("consent"),
		scopes:    append([]string(nil), req.RequestedScopes...),
		expiresAt: now.Add(p.cfg.ConsentTTL),
		code:      code,
		accountID: p.defaultAccountIDLocked(),
	}
	p.consents[code] = consent
	p.byConsent[consent.consentID] = consent

	consentExpiry := consent.expiresAt
	redirect := strings.TrimSpace(req.RedirectURI)
	authURL := fmt.Sprintf(
		"https://sandbox.bank.local/authorize?%s",
		url.Values{
			"state":        {req.State},
			"code":         {code},
			"redirect_uri": {redirect},
		}.Encode(),
	)
	return core.BeginConsentResponse{
		AuthorizationURL:  authURL,
		ProviderConsentID: consent.consentID,
		ExpiresAt:         &consentExpiry,
		Metadata:          map[string]any{"protocol": Protocol},
	}, nil
}

func (p *Provider) ExchangeCode(ctx context.Context, req core.ExchangeCodeRequest) (core.ExchangeCodeResponse, error) {
	if err := p.simulateCall(ctx); err != nil {
		return core.ExchangeCodeResponse{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	consent, ok := p.consents[strings.TrimSpace(req.Code)]
	if !ok {
		return core.ExchangeCodeResponse{}, fmt.Errorf("%w: unknown authorization code", core.ErrInvalidGrant)
	}
	now := p.cfg.Now()
	if consent.codeUsed {
		return core.ExchangeCodeResponse{}, fmt.Errorf("%w: authorization code already used", core.ErrInvalidGrant)
	}
	if now.After(consent.expiresAt) {
		return core.ExchangeCodeResponse{}, fmt.Errorf("%w: consent expired", core.ErrInvalidGrant)
	}
	consent.codeUsed = true

	token := p.issueTokenLocked(consent.accountID, consent.scopes, now)
	return core.ExchangeCodeResponse{
		ExternalAccountID: consent.accountID,
		Credential:        p.credentialLocked(token),
		Metadata: map[string]any{
			"protocol":            Protocol,
			"provider_consent_id": consent.consentID,
		},
	}, nil
}

func (p *Provider) RefreshToken(ctx context.Context, _ core.ProviderDirectoryEntry, cred core.ActiveCredential) (core.RefreshResult, error) {
	if err := p.simulateCall(ctx); err != nil {
		return core.RefreshResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.byRefresh[strings.TrimSpace(cred.RefreshToken)]
	if !ok || existing.revoked {
		return core.RefreshResult{}, fmt.Errorf("%w: refresh token is not recognized", core.ErrInvalidGrant)
	}

	// The sandbox always rotates: the old refresh token dies with the
	// old access token.
	delete(p.byRefresh, existing.refreshToken)
	next := p.issueTokenLocked(existing.accountID, existing.scopes, p.cfg.Now())
	existing.revoked = true

	refreshed := cred
	refreshed.TokenType = "bearer"
	refreshed.AccessToken = p.accessTokenLocked(next)
	refreshed.RefreshToken = next.refreshToken
	refreshed.GrantedScopes = append([]string(nil), next.scopes...)
	expiresAt := next.expiresAt
	refreshed.ExpiresAt = &expiresAt
	refreshed.Refreshable = true

	return core.RefreshResult{
		Credential: refreshed,
		Metadata:   map[string]any{"protocol": Protocol, "rotated": true},
	}, nil
}

func (p *Provider) RevokeConsent(ctx context.Context, req core.RevokeConsentRequest) error {
	if err := p.simulateCall(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if consent, ok := p.byConsent[strings.TrimSpace(req.ProviderConsentID)]; ok {
		consent.codeUsed = true
	}
	if req.Credential != nil {
		if token, ok := p.byRefresh[strings.TrimSpace(req.Credential.RefreshToken)]; ok {
			token.revoked = true
		}
	}
	return nil
}

func (p *Provider) FetchTransactions(ctx context.Context, req core.FetchPageRequest) (core.FetchPageResult, error) {
	if err := p.simulateCall(ctx); err != nil {
		return core.FetchPageResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fetchCalls++
	if p.cfg.FailureRate > 0 && mrand.Float64() < p.cfg.FailureRate {
		return core.FetchPageResult{Meta: core.ProviderResponseMeta{StatusCode: 503}},
			fmt.Errorf("%w: sandbox failure injection", core.ErrProviderUnavailable)
	}
	if p.failNext > 0 {
		p.failNext--
		failure := p.failWith
		if failure == nil {
			failure = fmt.Errorf("%w: injected sandbox failure", core.ErrProviderUnavailable)
		}
		return core.FetchPageResult{Meta: core.ProviderResponseMeta{StatusCode: 503}}, failure
	}

	token := p.tokenForLocked(req.Token.Token)
	if token == nil || token.revoked {
		return core.FetchPageResult{Meta: core.ProviderResponseMeta{StatusCode: 401}},
			fmt.Errorf("%w: sandbox token rejected", core.ErrTokenExpired)
	}
	if p.cfg.Now().After(token.expiresAt) {
		return core.FetchPageResult{Meta: core.ProviderResponseMeta{StatusCode: 401}},
			fmt.Errorf("%w: sandbox token expired", core.ErrTokenExpired)
	}

	all := p.ledger[strings.TrimSpace(req.ExternalAccountID)]
	window := make([]core.RawTransaction, 0, len(all))
	for _, txn := range all {
		if txn.BookedAt.Before(req.From) || txn.BookedAt.After(req.To) {
			continue
		}
		window = append(window, txn)
	}
	sort.SliceStable(window, func(i, j int) bool {
		return window[i].BookedAt.Before(window[j].BookedAt)
	})

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	offset := 0
	if cursor := strings.TrimSpace(req.Cursor); cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return core.FetchPageResult{}, fmt.Errorf("%w: unparsable sandbox cursor %q", core.ErrSyncCursorConflict, cursor)
		}
		offset = parsed
	}
	if offset > len(window) {
		offset = len(window)
	}
	end := offset + pageSize
	if end > len(window) {
		end = len(window)
	}

	hasMore := end < len(window)
	nextCursor := strings.TrimSpace(req.Cursor)
	if hasMore || end > offset {
		nextCursor = strconv.Itoa(end)
	}
	return core.FetchPageResult{
		Transactions: append([]core.RawTransaction(nil), window[offset:end]...),
		NextCursor:   nextCursor,
		HasMore:      hasMore,
		Meta:         core.ProviderResponseMeta{StatusCode: 200},
	}, nil
}

// FetchCalls reports how many FetchTransactions calls the sandbox has
// served, including injected failures.
func (p *Provider) FetchCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls
}

func (p *Provider) simulateCall(ctx context.Context) error {
	if p.cfg.Latency > 0 {
		timer := time.NewTimer(p.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ctx.Err()
}

func (p *Provider) issueTokenLocked(accountID string, scopes []string, now time.Time) *issuedToken {
	token := &issuedToken{
		accountID:    accountID,
		refreshToken: newOpaque("refresh"),
		scopes:       append([]string(nil), scopes...),
		expiresAt:    now.Add(p.cfg.TokenTTL),
	}
	access := newOpaque("access")
	p.tokens[access] = token
	p.byRefresh[token.refreshToken] = token
	return token
}

func (p *Provider) accessTokenLocked(token *issuedToken) string {
	for access, candidate := range p.tokens {
		if candidate == token {
			return access
		}
	}
	return ""
}

func (p *Provider) credentialLocked(token *issuedToken) core.ActiveCredential {
	expiresAt := token.expiresAt
	return core.ActiveCredential{
		TokenType:     "bearer",
		AccessToken:   p.accessTokenLocked(token),
		RefreshToken:  token.refreshToken,
		GrantedScopes: append([]string(nil), token.scopes...),
		ExpiresAt:     &expiresAt,
		Refreshable:   true,
		Metadata:      map[string]any{"protocol": Protocol},
	}
}

func (p *Provider) tokenForLocked(access string) *issuedToken {
	return p.tokens[strings.TrimSpace(access)]
}

func (p *Provider) defaultAccountIDLocked() string {
	if len(p.ledger) == 0 {
		return "sandbox-account-" + uuid.NewString()[:8]
	}
	ids := make([]string, 0, len(p.ledger))
	for id := range p.ledger {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[len(ids)-1]
}

func newOpaque(prefix string) string {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return prefix + "-" + uuid.NewString()
	}
	return prefix + "-" + base64.RawURLEncoding.EncodeToString(raw)
}

// SeedTransaction builds a ledger row for tests and local development.
func SeedTransaction(externalID string, amount string, bookedAt time.Time, description string) core.RawTransaction {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		value = decimal.Zero
	}
	typeCode := "credit"
	if value.IsNegative() {
		typeCode = "debit"
	}
	return core.RawTransaction{
		ExternalID:  externalID,
		TypeCode:    typeCode,
		Amount:      value,
		Currency:    "BRL",
		Description: description,
		BookedAt:    bookedAt.UTC(),
		Status:      "completed",
	}
}

var _ core.BankProvider = (*Provider)(nil)
