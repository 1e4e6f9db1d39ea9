package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func ptrTime(value time.Time) *time.Time {
	return &value
}

// fakeClock drives the service clock from tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeBankProvider is a scriptable openfinance adapter. Every hook has a
// sane default so most tests only override the call they exercise.
type fakeBankProvider struct {
	mu sync.Mutex

	protocol string

	beginConsentFn  func(ctx context.Context, req BeginConsentRequest) (BeginConsentResponse, error)
	exchangeCodeFn  func(ctx context.Context, req ExchangeCodeRequest) (ExchangeCodeResponse, error)
	refreshTokenFn  func(ctx context.Context, entry ProviderDirectoryEntry, cred ActiveCredential) (RefreshResult, error)
	revokeConsentFn func(ctx context.Context, req RevokeConsentRequest) error
	fetchFn         func(ctx context.Context, req FetchPageRequest) (FetchPageResult, error)

	beginCalls   int
	exchangeCalls int
	refreshCalls int
	revokeCalls  int
	fetchCalls   int

	lastBegin    BeginConsentRequest
	lastExchange ExchangeCodeRequest
	lastRefresh  ActiveCredential
	lastRevoke   RevokeConsentRequest
	fetchPages   []FetchPageRequest
}

func (p *fakeBankProvider) Protocol() string {
	if p == nil || strings.TrimSpace(p.protocol) == "" {
		return DefaultProviderProtocol
	}
	return p.protocol
}

func (p *fakeBankProvider) BeginConsent(ctx context.Context, req BeginConsentRequest) (BeginConsentResponse, error) {
	p.mu.Lock()
	p.beginCalls++
	p.lastBegin = req
	fn := p.beginConsentFn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return BeginConsentResponse{
		AuthorizationURL:  req.Directory.AuthorizationEndpoint + "?state=" + req.State,
		ProviderConsentID: "urn:consent:" + req.State,
	}, nil
}

func (p *fakeBankProvider) ExchangeCode(ctx context.Context, req ExchangeCodeRequest) (ExchangeCodeResponse, error) {
	p.mu.Lock()
	p.exchangeCalls++
	p.lastExchange = req
	fn := p.exchangeCodeFn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	expiresAt := time.Now().UTC().Add(time.Hour)
	return ExchangeCodeResponse{
		ExternalAccountID: "acct-1001",
		Credential: ActiveCredential{
			TokenType:    "Bearer",
			AccessToken:  "at-initial",
			RefreshToken: "rt-initial",
			ExpiresAt:    &expiresAt,
			Refreshable:  true,
		},
	}, nil
}

func (p *fakeBankProvider) RefreshToken(ctx context.Context, entry ProviderDirectoryEntry, cred ActiveCredential) (RefreshResult, error) {
	p.mu.Lock()
	p.refreshCalls++
	p.lastRefresh = cred
	fn := p.refreshTokenFn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, entry, cred)
	}
	expiresAt := time.Now().UTC().Add(time.Hour)
	return RefreshResult{
		Credential: ActiveCredential{
			TokenType:    "Bearer",
			AccessToken:  "at-rotated",
			RefreshToken: "rt-rotated",
			ExpiresAt:    &expiresAt,
			Refreshable:  true,
		},
	}, nil
}

func (p *fakeBankProvider) RevokeConsent(ctx context.Context, req RevokeConsentRequest) error {
	p.mu.Lock()
	p.revokeCalls++
	p.lastRevoke = req
	fn := p.revokeConsentFn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return nil
}

func (p *fakeBankProvider) FetchTransactions(ctx context.Context, req FetchPageRequest) (FetchPageResult, error) {
	p.mu.Lock()
	p.fetchCalls++
	p.fetchPages = append(p.fetchPages, req)
	fn := p.fetchFn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return FetchPageResult{}, nil
}

func (p *fakeBankProvider) callCounts() (begin, exchange, refresh, revoke, fetch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.beginCalls, p.exchangeCalls, p.refreshCalls, p.revokeCalls, p.fetchCalls
}

type testSecretProvider struct{}

func (testSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("test secret provider: plaintext is required")
	}
	encoded := base64.StdEncoding.EncodeToString(plaintext)
	return []byte("enc:" + encoded), nil
}

func (testSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	value := strings.TrimSpace(string(ciphertext))
	if value == "" || !strings.HasPrefix(value, "enc:") {
		return nil, fmt.Errorf("test secret provider: invalid ciphertext")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "enc:"))
	if err != nil {
		return nil, fmt.Errorf("test secret provider: decode ciphertext: %w", err)
	}
	return decoded, nil
}

type memoryConnectionStore struct {
	mu   sync.Mutex
	seq  int
	byID map[string]Connection
}

func newMemoryConnectionStore() *memoryConnectionStore {
	return &memoryConnectionStore{byID: map[string]Connection{}}
}

func (s *memoryConnectionStore) Create(_ context.Context, in CreateConnectionInput) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := time.Now().UTC()
	status := in.Status
	if status == "" {
		status = ConnectionStatusInit
	}
	connection := Connection{
		ID:                fmt.Sprintf("conn_%d", s.seq),
		CompanyID:         in.CompanyID,
		ProviderID:        in.ProviderID,
		ExternalAccountID: in.ExternalAccountID,
		Agency:            in.Agency,
		AccountNumber:     in.AccountNumber,
		Status:            status,
		SyncFrequency:     in.SyncFrequency,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.byID[connection.ID] = connection
	return connection, nil
}

func (s *memoryConnectionStore) Get(_ context.Context, id string) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connection, ok := s.byID[id]
	if !ok || connection.DeletedAt != nil {
		return Connection{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return connection, nil
}

func (s *memoryConnectionStore) FindByAccount(_ context.Context, companyID, providerID, externalAccountID string) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, connection := range s.byID {
		if connection.DeletedAt != nil {
			continue
		}
		if connection.CompanyID == companyID &&
			connection.ProviderID == providerID &&
			connection.ExternalAccountID == externalAccountID {
			return connection, nil
		}
	}
	return Connection{}, fmt.Errorf("%w: account %s", ErrConnectionNotFound, externalAccountID)
}

func (s *memoryConnectionStore) ListByCompany(_ context.Context, companyID string) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Connection{}
	for _, connection := range s.byID {
		if connection.DeletedAt == nil && connection.CompanyID == companyID {
			out = append(out, connection)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryConnectionStore) ListDue(_ context.Context, now time.Time, defaultFrequency time.Duration, limit int) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := []Connection{}
	for _, connection := range s.byID {
		if connection.DeletedAt != nil || connection.Status != ConnectionStatusActive {
			continue
		}
		frequency := connection.SyncFrequency
		if frequency <= 0 {
			frequency = defaultFrequency
		}
		if connection.LastSyncedAt == nil || !connection.LastSyncedAt.Add(frequency).After(now) {
			due = append(due, connection)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memoryConnectionStore) UpdateStatus(_ context.Context, id string, status ConnectionStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	connection, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	connection.Status = status
	connection.StatusReason = reason
	if status == ConnectionStatusActive {
		connection.StatusReason = ""
		connection.FailureCount = 0
	}
	connection.UpdatedAt = time.Now().UTC()
	s.byID[id] = connection
	return nil
}

func (s *memoryConnectionStore) RecordSyncOutcome(_ context.Context, id string, syncedAt time.Time, failureCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	connection, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	if !syncedAt.IsZero() {
		at := syncedAt.UTC()
		connection.LastSyncedAt = &at
	}
	connection.FailureCount = failureCount
	connection.UpdatedAt = time.Now().UTC()
	s.byID[id] = connection
	return nil
}

func (s *memoryConnectionStore) SetExternalAccount(_ context.Context, id string, externalAccountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	connection, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	connection.ExternalAccountID = externalAccountID
	connection.UpdatedAt = time.Now().UTC()
	s.byID[id] = connection
	return nil
}

func (s *memoryConnectionStore) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	connection, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	now := time.Now().UTC()
	connection.DeletedAt = &now
	s.byID[id] = connection
	return nil
}

func (s *memoryConnectionStore) mustGet(t *testing.T, id string) Connection {
	t.Helper()
	connection, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get connection %s: %v", id, err)
	}
	return connection
}

type memoryConsentStore struct {
	mu   sync.Mutex
	seq  int
	byID map[string]Consent
}

func newMemoryConsentStore() *memoryConsentStore {
	return &memoryConsentStore{byID: map[string]Consent{}}
}

func (s *memoryConsentStore) Create(_ context.Context, in CreateConsentInput) (Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := time.Now().UTC()
	status := in.Status
	if status == "" {
		status = ConsentStatusRequested
	}
	consent := Consent{
		ID:                fmt.Sprintf("consent_%d", s.seq),
		ConnectionID:      in.ConnectionID,
		ProviderID:        in.ProviderID,
		ProviderConsentID: in.ProviderConsentID,
		RequestedScopes:   append([]string(nil), in.RequestedScopes...),
		Status:            status,
		ExpiresAt:         in.ExpiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.byID[consent.ID] = consent
	return consent, nil
}

func (s *memoryConsentStore) Get(_ context.Context, id string) (Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consent, ok := s.byID[id]
	if !ok {
		return Consent{}, fmt.Errorf("%w: %s", ErrConsentNotFound, id)
	}
	return consent, nil
}

func (s *memoryConsentStore) GetOpenByConnection(_ context.Context, connectionID string) (Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := Consent{}
	for _, consent := range s.byID {
		if consent.ConnectionID != connectionID {
			continue
		}
		if consent.Status != ConsentStatusRequested && consent.Status != ConsentStatusAuthorized {
			continue
		}
		if latest.ID == "" || consent.ID > latest.ID {
			latest = consent
		}
	}
	if latest.ID == "" {
		return Consent{}, fmt.Errorf("%w: connection %s", ErrConsentNotFound, connectionID)
	}
	return latest, nil
}

func (s *memoryConsentStore) UpdateStatus(_ context.Context, id string, status ConsentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	consent, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsentNotFound, id)
	}
	consent.Status = status
	consent.UpdatedAt = time.Now().UTC()
	s.byID[id] = consent
	return nil
}

func (s *memoryConsentStore) SetProviderConsentID(_ context.Context, id string, providerConsentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	consent, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsentNotFound, id)
	}
	consent.ProviderConsentID = providerConsentID
	consent.UpdatedAt = time.Now().UTC()
	s.byID[id] = consent
	return nil
}

type memoryCredentialStore struct {
	mu           sync.Mutex
	seq          int
	byConnection map[string][]Credential
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{byConnection: map[string][]Credential{}}
}

func (s *memoryCredentialStore) SaveNewVersion(_ context.Context, in SaveCredentialInput) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendVersionLocked(in, CredentialStatusRotated, "superseded"), nil
}

func (s *memoryCredentialStore) appendVersionLocked(in SaveCredentialInput, supersededStatus CredentialStatus, reason string) Credential {
	versions := s.byConnection[in.ConnectionID]
	now := time.Now().UTC()
	for i := range versions {
		if versions[i].Status == CredentialStatusActive {
			versions[i].Status = supersededStatus
			versions[i].RevocationReason = reason
			versions[i].UpdatedAt = now
		}
	}
	s.seq++
	credential := Credential{
		ID:               fmt.Sprintf("cred_%d", s.seq),
		ConnectionID:     in.ConnectionID,
		Version:          len(versions) + 1,
		EncryptedPayload: append([]byte(nil), in.EncryptedPayload...),
		PayloadFormat:    in.PayloadFormat,
		PayloadVersion:   in.PayloadVersion,
		TokenType:        in.TokenType,
		ExpiresAt:        in.ExpiresAt,
		Refreshable:      in.Refreshable,
		Status:           CredentialStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.byConnection[in.ConnectionID] = append(versions, credential)
	return credential
}

func (s *memoryCredentialStore) GetActiveByConnection(_ context.Context, connectionID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, credential := range s.byConnection[connectionID] {
		if credential.Status == CredentialStatusActive {
			return credential, nil
		}
	}
	return Credential{}, fmt.Errorf("%w: connection %s", ErrCredentialNotFound, connectionID)
}

func (s *memoryCredentialStore) Rotate(_ context.Context, in SaveCredentialInput, reason string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hasActive := false
	for _, credential := range s.byConnection[in.ConnectionID] {
		if credential.Status == CredentialStatusActive {
			hasActive = true
			break
		}
	}
	if !hasActive {
		return Credential{}, fmt.Errorf("%w: connection %s", ErrCredentialNotFound, in.ConnectionID)
	}
	return s.appendVersionLocked(in, CredentialStatusRotated, reason), nil
}

func (s *memoryCredentialStore) RevokeActive(_ context.Context, connectionID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.byConnection[connectionID]
	for i := range versions {
		if versions[i].Status == CredentialStatusActive {
			versions[i].Status = CredentialStatusRevoked
			versions[i].RevocationReason = reason
			versions[i].UpdatedAt = time.Now().UTC()
			s.byConnection[connectionID] = versions
			return nil
		}
	}
	return fmt.Errorf("%w: connection %s", ErrCredentialNotFound, connectionID)
}

func (s *memoryCredentialStore) versionCount(connectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byConnection[connectionID])
}

type memorySyncCursorStore struct {
	mu    sync.Mutex
	seq   int
	byKey map[string]SyncCursor
}

func newMemorySyncCursorStore() *memorySyncCursorStore {
	return &memorySyncCursorStore{byKey: map[string]SyncCursor{}}
}

func cursorKey(connectionID, stream string) string {
	return connectionID + "|" + stream
}

func (s *memorySyncCursorStore) Get(_ context.Context, connectionID string, stream string) (SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[cursorKey(connectionID, stream)], nil
}

func (s *memorySyncCursorStore) Upsert(_ context.Context, in UpsertSyncCursorInput) (SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey(in.ConnectionID, in.Stream)
	cursor := s.byKey[key]
	now := time.Now().UTC()
	if cursor.ID == "" {
		s.seq++
		cursor.ID = fmt.Sprintf("cursor_%d", s.seq)
		cursor.CreatedAt = now
	}
	cursor.ConnectionID = in.ConnectionID
	cursor.ProviderID = in.ProviderID
	cursor.Stream = in.Stream
	cursor.Cursor = in.Cursor
	cursor.LastTransactionAt = in.LastTransactionAt
	cursor.UpdatedAt = now
	s.byKey[key] = cursor
	return cursor, nil
}

func (s *memorySyncCursorStore) Advance(_ context.Context, in AdvanceSyncCursorInput) (SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(in)
}

func (s *memorySyncCursorStore) advanceLocked(in AdvanceSyncCursorInput) (SyncCursor, error) {
	key := cursorKey(in.ConnectionID, in.Stream)
	cursor := s.byKey[key]
	if cursor.Cursor != in.ExpectedCursor {
		return SyncCursor{}, fmt.Errorf("%w: expected %q, have %q", ErrSyncCursorConflict, in.ExpectedCursor, cursor.Cursor)
	}
	now := time.Now().UTC()
	if cursor.ID == "" {
		s.seq++
		cursor.ID = fmt.Sprintf("cursor_%d", s.seq)
		cursor.CreatedAt = now
	}
	cursor.ConnectionID = in.ConnectionID
	cursor.ProviderID = in.ProviderID
	cursor.Stream = in.Stream
	cursor.Cursor = in.Cursor
	if in.LastTransactionAt != nil {
		if cursor.LastTransactionAt == nil || in.LastTransactionAt.After(*cursor.LastTransactionAt) {
			at := in.LastTransactionAt.UTC()
			cursor.LastTransactionAt = &at
		}
	}
	cursor.UpdatedAt = now
	s.byKey[key] = cursor
	return cursor, nil
}

// memoryTransactionStore commits a page and its cursor advance under one
// lock, mirroring the single-transaction guarantee of the SQL store.
type memoryTransactionStore struct {
	mu            sync.Mutex
	seq           int
	byID          map[string]CanonicalTransaction
	byFingerprint map[string]string
	cursors       *memorySyncCursorStore
}

func newMemoryTransactionStore(cursors *memorySyncCursorStore) *memoryTransactionStore {
	return &memoryTransactionStore{
		byID:          map[string]CanonicalTransaction{},
		byFingerprint: map[string]string{},
		cursors:       cursors,
	}
}

func fingerprintKey(connectionID, fingerprint string) string {
	return connectionID + "|" + fingerprint
}

func (s *memoryTransactionStore) CommitPage(_ context.Context, in CommitPageInput) (CommitPageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursors != nil {
		s.cursors.mu.Lock()
		existing := s.cursors.byKey[cursorKey(in.Cursor.ConnectionID, in.Cursor.Stream)]
		conflict := existing.Cursor != in.Cursor.ExpectedCursor
		s.cursors.mu.Unlock()
		if conflict {
			return CommitPageResult{}, fmt.Errorf("%w: expected %q", ErrSyncCursorConflict, in.Cursor.ExpectedCursor)
		}
	}

	result := CommitPageResult{}
	now := time.Now().UTC()
	for _, tx := range in.Transactions {
		key := fingerprintKey(in.ConnectionID, tx.Fingerprint)
		if existingID, ok := s.byFingerprint[key]; ok {
			existing := s.byID[existingID]
			if existing.Status != tx.Status || existing.Description != tx.Description {
				existing.Status = tx.Status
				existing.Description = tx.Description
				existing.UpdatedAt = now
				s.byID[existingID] = existing
				result.Amended++
			} else {
				result.SkippedDuplicates++
			}
			continue
		}
		s.seq++
		tx.ID = fmt.Sprintf("tx_%d", s.seq)
		tx.ConnectionID = in.ConnectionID
		s.byID[tx.ID] = tx
		s.byFingerprint[key] = tx.ID
		result.Inserted++
		result.InsertedIDs = append(result.InsertedIDs, tx.ID)
	}

	if s.cursors != nil {
		s.cursors.mu.Lock()
		_, err := s.cursors.advanceLocked(in.Cursor)
		s.cursors.mu.Unlock()
		if err != nil {
			return CommitPageResult{}, err
		}
	}
	return result, nil
}

func (s *memoryTransactionStore) Get(_ context.Context, id string) (CanonicalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return CanonicalTransaction{}, fmt.Errorf("transaction %s not found", id)
	}
	return tx, nil
}

func (s *memoryTransactionStore) ListByConnection(_ context.Context, connectionID string, from, to time.Time, limit int) ([]CanonicalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []CanonicalTransaction{}
	for _, tx := range s.byID {
		if tx.ConnectionID != connectionID {
			continue
		}
		if !from.IsZero() && tx.BookedAt.Before(from) {
			continue
		}
		if !to.IsZero() && tx.BookedAt.After(to) {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookedAt.Before(out[j].BookedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryTransactionStore) ClaimUncategorized(_ context.Context, limit int) ([]CanonicalTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := []CanonicalTransaction{}
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tx := s.byID[id]
		if tx.Category != "" || tx.CategorizedAt != nil {
			continue
		}
		claimed = append(claimed, tx)
		if limit > 0 && len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

func (s *memoryTransactionStore) WriteCategory(_ context.Context, id string, category string, confidence float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("transaction %s not found", id)
	}
	tx.Category = category
	tx.CategoryConfidence = confidence
	categorizedAt := at.UTC()
	tx.CategorizedAt = &categorizedAt
	tx.UpdatedAt = categorizedAt
	s.byID[id] = tx
	return nil
}

func (s *memoryTransactionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

type memorySyncLogStore struct {
	mu   sync.Mutex
	seq  int
	byID map[string]SyncLog
}

func newMemorySyncLogStore() *memorySyncLogStore {
	return &memorySyncLogStore{byID: map[string]SyncLog{}}
}

func (s *memorySyncLogStore) Open(_ context.Context, log SyncLog) (SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	log.ID = fmt.Sprintf("synclog_%d", s.seq)
	s.byID[log.ID] = log
	return log, nil
}

func (s *memorySyncLogStore) Close(_ context.Context, log SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[log.ID]; !ok {
		return fmt.Errorf("sync log %s not found", log.ID)
	}
	s.byID[log.ID] = log
	return nil
}

func (s *memorySyncLogStore) ListByConnection(_ context.Context, connectionID string, limit int) ([]SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []SyncLog{}
	for _, log := range s.byID {
		if log.ConnectionID == connectionID {
			out = append(out, log)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memorySyncLogStore) mustGet(t *testing.T, id string) SyncLog {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.byID[id]
	if !ok {
		t.Fatalf("sync log %s not found", id)
	}
	return log
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

func defaultDirectoryEntries() []ProviderDirectoryEntry {
	return []ProviderDirectoryEntry{
		{
			ProviderID:            "077",
			DisplayName:           "Banco Inter",
			Protocol:              DefaultProviderProtocol,
			AuthorizationEndpoint: "https://auth.inter.test/authorize",
			TokenEndpoint:         "https://auth.inter.test/token",
			TransactionBaseURL:    "https://api.inter.test/banking/v2",
			Capabilities:          []ProviderCapability{CapabilityAccounts, CapabilityTransactions, CapabilityPix},
		},
		{
			ProviderID:            "341",
			DisplayName:           "Itaú Unibanco",
			Protocol:              DefaultProviderProtocol,
			AuthorizationEndpoint: "https://auth.itau.test/authorize",
			TokenEndpoint:         "https://auth.itau.test/token",
			TransactionBaseURL:    "https://api.itau.test/open-banking",
			Capabilities:          []ProviderCapability{CapabilityAccounts, CapabilityTransactions},
			RequiresAgencyAccount: true,
		},
	}
}

// testEnv wires a Service against in-memory stores and a scriptable
// provider, the way the SQL-backed deployment wires the real ones.
type testEnv struct {
	svc          *Service
	provider     *fakeBankProvider
	connections  *memoryConnectionStore
	consents     *memoryConsentStore
	credentials  *memoryCredentialStore
	cursors      *memorySyncCursorStore
	transactions *memoryTransactionStore
	syncLogs     *memorySyncLogStore
	states       *MemoryOAuthStateStore
}

func newTestEnv(t *testing.T, extra ...Option) *testEnv {
	t.Helper()

	cursors := newMemorySyncCursorStore()
	env := &testEnv{
		provider:     &fakeBankProvider{},
		connections:  newMemoryConnectionStore(),
		consents:     newMemoryConsentStore(),
		credentials:  newMemoryCredentialStore(),
		cursors:      cursors,
		transactions: newMemoryTransactionStore(cursors),
		syncLogs:     newMemorySyncLogStore(),
		states:       NewMemoryOAuthStateStore(0),
	}

	registry := NewProviderRegistry()
	if err := registry.Register("", env.provider); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	options := []Option{
		WithLogger(stubLogger{}),
		WithSecretProvider(testSecretProvider{}),
		WithProviderRegistry(registry),
		WithDirectorySource(StaticDirectorySource{Entries: defaultDirectoryEntries()}),
		WithOAuthStateStore(env.states),
		WithConnectionStore(env.connections),
		WithConsentStore(env.consents),
		WithCredentialStore(env.credentials),
		WithSyncCursorStore(env.cursors),
		WithTransactionStore(env.transactions),
		WithSyncLogStore(env.syncLogs),
	}
	options = append(options, extra...)

	svc, err := NewService(Config{}, options...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	env.svc = svc
	return env
}

func (env *testEnv) seedConnection(t *testing.T, status ConnectionStatus) Connection {
	t.Helper()
	connection, err := env.connections.Create(context.Background(), CreateConnectionInput{
		CompanyID:         "comp_1",
		ProviderID:        "077",
		ExternalAccountID: "acct-1001",
		Status:            status,
	})
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return connection
}

func (env *testEnv) seedCredential(t *testing.T, active ActiveCredential) Credential {
	t.Helper()
	payload, err := JSONCredentialCodec{}.Encode(active)
	if err != nil {
		t.Fatalf("encode credential: %v", err)
	}
	sealed, err := testSecretProvider{}.Encrypt(context.Background(), payload)
	if err != nil {
		t.Fatalf("encrypt credential: %v", err)
	}
	credential, err := env.credentials.SaveNewVersion(context.Background(), SaveCredentialInput{
		ConnectionID:     active.ConnectionID,
		EncryptedPayload: sealed,
		PayloadFormat:    CredentialPayloadFormatJSONV1,
		PayloadVersion:   CredentialPayloadVersionV1,
		TokenType:        active.TokenType,
		ExpiresAt:        active.ExpiresAt,
		Refreshable:      active.Refreshable,
	})
	if err != nil {
		t.Fatalf("save credential: %v", err)
	}
	return credential
}
