package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/shopspring/decimal"
)

type ConnectRequest struct {
	CompanyID       string
	ProviderID      string
	Agency          string
	AccountNumber   string
	RequestedScopes []string
	RedirectURI     string
	Metadata        map[string]any
}

type BeginAuthResponse struct {
	AuthorizationURL string
	State            string
	ConsentID        string
	ConnectionID     string
	ExpiresAt        *time.Time
}

type CompleteAuthRequest struct {
	State    string
	Code     string
	Error    string
	Metadata map[string]any
}

type CallbackCompletion struct {
	Connection Connection
	Consent    Consent
	Credential Credential
}

type ReauthorizeRequest struct {
	ConnectionID string
	RedirectURI  string
	Metadata     map[string]any
}

// ActiveCredential is the decrypted, in-memory form of a CredentialSet.
// Values of this type must never be persisted or logged whole.
type ActiveCredential struct {
	ConnectionID  string
	TokenType     string
	AccessToken   string
	RefreshToken  string
	GrantedScopes []string
	ExpiresAt     *time.Time
	Refreshable   bool
	Metadata      map[string]any
}

type AccessToken struct {
	Token     string
	TokenType string
	ExpiresAt *time.Time
}

type RefreshResult struct {
	Credential ActiveCredential
	Metadata   map[string]any
}

type BeginConsentRequest struct {
	Directory       ProviderDirectoryEntry
	CompanyID       string
	RequestedScopes []string
	RedirectURI     string
	State           string
	CodeChallenge   string
	Metadata        map[string]any
}

type BeginConsentResponse struct {
	AuthorizationURL  string
	ProviderConsentID string
	ExpiresAt         *time.Time
	Metadata          map[string]any
}

type ExchangeCodeRequest struct {
	Directory    ProviderDirectoryEntry
	Code         string
	CodeVerifier string
	RedirectURI  string
	Metadata     map[string]any
}

type ExchangeCodeResponse struct {
	ExternalAccountID string
	Credential        ActiveCredential
	Metadata          map[string]any
}

type RevokeConsentRequest struct {
	Directory         ProviderDirectoryEntry
	ProviderConsentID string
	Credential        *ActiveCredential
	Reason            string
}

// FetchPageRequest asks a provider for one page of transactions. Cursor
// takes precedence over the window when both are set.
type FetchPageRequest struct {
	Directory         ProviderDirectoryEntry
	ExternalAccountID string
	Token             AccessToken
	Cursor            string
	From              time.Time
	To                time.Time
	PageSize          int
	CorrelationID     string
}

// RawTransaction is the provider-shaped record before normalization.
type RawTransaction struct {
	ExternalID          string
	TypeCode            string
	Amount              decimal.Decimal
	Currency            string
	Description         string
	BookedAt            time.Time
	CounterpartName     string
	CounterpartDocument string
	CounterpartBank     string
	CounterpartAgency   string
	CounterpartAccount  string
	PixKey              string
	ReferenceNumber     string
	Status              string
	BalanceAfter        *decimal.Decimal
}

type FetchPageResult struct {
	Transactions []RawTransaction
	NextCursor   string
	HasMore      bool
	Meta         ProviderResponseMeta
}

type ProviderResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

// BankProvider is the protocol-level adapter for one family of bank APIs.
// Bank identity and endpoints come from the directory entry, so a single
// adapter serves every bank that speaks the same protocol.
type BankProvider interface {
	Protocol() string

	BeginConsent(ctx context.Context, req BeginConsentRequest) (BeginConsentResponse, error)
	ExchangeCode(ctx context.Context, req ExchangeCodeRequest) (ExchangeCodeResponse, error)
	RefreshToken(ctx context.Context, directory ProviderDirectoryEntry, cred ActiveCredential) (RefreshResult, error)
	RevokeConsent(ctx context.Context, req RevokeConsentRequest) error
	FetchTransactions(ctx context.Context, req FetchPageRequest) (FetchPageResult, error)
}

type Registry interface {
	Register(protocol string, provider BankProvider) error
	Get(protocol string) (BankProvider, bool)
	List() []BankProvider
}

// DirectorySource loads the full provider directory. Implementations are
// the static config seed and the SQL-backed directory store.
type DirectorySource interface {
	Load(ctx context.Context) ([]ProviderDirectoryEntry, error)
}

type DirectoryResolver interface {
	Resolve(ctx context.Context, providerID string) (ProviderDirectoryEntry, error)
	List(ctx context.Context) ([]ProviderDirectoryEntry, error)
}

type CreateConnectionInput struct {
	CompanyID         string
	ProviderID        string
	ExternalAccountID string
	Agency            string
	AccountNumber     string
	Status            ConnectionStatus
	SyncFrequency     time.Duration
}

type ConnectionStore interface {
	Create(ctx context.Context, in CreateConnectionInput) (Connection, error)
	Get(ctx context.Context, id string) (Connection, error)
	FindByAccount(ctx context.Context, companyID, providerID, externalAccountID string) (Connection, error)
	ListByCompany(ctx context.Context, companyID string) ([]Connection, error)
	ListDue(ctx context.Context, now time.Time, defaultFrequency time.Duration, limit int) ([]Connection, error)
	UpdateStatus(ctx context.Context, id string, status ConnectionStatus, reason string) error
	RecordSyncOutcome(ctx context.Context, id string, syncedAt time.Time, failureCount int) error
	SetExternalAccount(ctx context.Context, id string, externalAccountID string) error
	SoftDelete(ctx context.Context, id string) error
}

type CreateConsentInput struct {
	ConnectionID      string
	ProviderID        string
	ProviderConsentID string
	RequestedScopes   []string
	Status            ConsentStatus
	ExpiresAt         *time.Time
}

type ConsentStore interface {
	Create(ctx context.Context, in CreateConsentInput) (Consent, error)
	Get(ctx context.Context, id string) (Consent, error)
	GetOpenByConnection(ctx context.Context, connectionID string) (Consent, error)
	UpdateStatus(ctx context.Context, id string, status ConsentStatus) error
	SetProviderConsentID(ctx context.Context, id string, providerConsentID string) error
}

type SaveCredentialInput struct {
	ConnectionID      string
	EncryptedPayload  []byte
	PayloadFormat     string
	PayloadVersion    int
	TokenType         string
	ExpiresAt         *time.Time
	Refreshable       bool
	EncryptionKeyID   string
	EncryptionVersion int
}

type CredentialStore interface {
	SaveNewVersion(ctx context.Context, in SaveCredentialInput) (Credential, error)
	GetActiveByConnection(ctx context.Context, connectionID string) (Credential, error)
	// Rotate revokes the active version and inserts the next one atomically.
	Rotate(ctx context.Context, in SaveCredentialInput, reason string) (Credential, error)
	RevokeActive(ctx context.Context, connectionID string, reason string) error
}

type UpsertSyncCursorInput struct {
	ConnectionID      string
	ProviderID        string
	Stream            string
	Cursor            string
	LastTransactionAt *time.Time
}

type AdvanceSyncCursorInput struct {
	ConnectionID      string
	ProviderID        string
	Stream            string
	ExpectedCursor    string
	Cursor            string
	LastTransactionAt *time.Time
}

type SyncCursorStore interface {
	Get(ctx context.Context, connectionID string, stream string) (SyncCursor, error)
	Upsert(ctx context.Context, in UpsertSyncCursorInput) (SyncCursor, error)
	Advance(ctx context.Context, in AdvanceSyncCursorInput) (SyncCursor, error)
}

// CommitPageInput carries one normalized provider page plus the cursor
// advance that makes it durable. Stores apply the whole input in a single
// database transaction.
type CommitPageInput struct {
	ConnectionID string
	Transactions []CanonicalTransaction
	Cursor       AdvanceSyncCursorInput
}

type CommitPageResult struct {
	Inserted          int
	Amended           int
	SkippedDuplicates int
	InsertedIDs       []string
}

type TransactionStore interface {
	CommitPage(ctx context.Context, in CommitPageInput) (CommitPageResult, error)
	Get(ctx context.Context, id string) (CanonicalTransaction, error)
	ListByConnection(ctx context.Context, connectionID string, from, to time.Time, limit int) ([]CanonicalTransaction, error)
	ClaimUncategorized(ctx context.Context, limit int) ([]CanonicalTransaction, error)
	WriteCategory(ctx context.Context, id string, category string, confidence float64, at time.Time) error
}

type SyncLogStore interface {
	Open(ctx context.Context, log SyncLog) (SyncLog, error)
	Close(ctx context.Context, log SyncLog) error
	ListByConnection(ctx context.Context, connectionID string, limit int) ([]SyncLog, error)
}

type DirectoryStore interface {
	DirectorySource
	ReplaceAll(ctx context.Context, entries []ProviderDirectoryEntry) error
}

type StoreProvider interface {
	ConnectionStore() ConnectionStore
	ConsentStore() ConsentStore
	CredentialStore() CredentialStore
	SyncCursorStore() SyncCursorStore
	TransactionStore() TransactionStore
	SyncLogStore() SyncLogStore
	DirectoryStore() DirectoryStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// Rate-limit buckets carve a provider's quota per endpoint family; the
// sync engine meters transaction pagination separately from token and
// account lookups.
const (
	RateLimitBucketTransactions = "transactions"
	RateLimitBucketAccounts     = "accounts"
	RateLimitBucketToken        = "token"
)

type RateLimitKey struct {
	ProviderID   string
	ConnectionID string
	BucketKey    string
}

type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey) error
	AfterCall(ctx context.Context, key RateLimitKey, res ProviderResponseMeta) error
}

type SyncRequest struct {
	ConnectionID string
	Trigger      SyncTrigger
	MaxPages     int
}

type SyncResult struct {
	SyncLogID         string
	Pages             int
	Found             int
	Committed         int
	Amended           int
	SkippedDuplicates int
	NextCursor        string
	Partial           bool
}

// TokenSource yields a token that is valid for at least the refresh lead
// window, refreshing behind a per-connection lock when needed.
type TokenSource interface {
	GetValidToken(ctx context.Context, connectionID string) (AccessToken, error)
}

type CategorizeInput struct {
	TransactionID string
	ConnectionID  string
	Description   string
	Amount        decimal.Decimal
	Type          TransactionType
	BookedAt      time.Time
}

type CategorizeResult struct {
	Category   string
	Confidence float64
}

// Categorizer is the external AI classifier collaborator. Implementations
// live outside this module.
type Categorizer interface {
	Categorize(ctx context.Context, in CategorizeInput) (CategorizeResult, error)
}

type SyncJobMessage struct {
	ConnectionID   string
	Trigger        SyncTrigger
	IdempotencyKey string
	EnqueuedAt     time.Time
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *SyncJobMessage) error
}

type JobDelivery interface {
	Message() *SyncJobMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *SyncJobMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// BankService is the full inbound surface of the engine.
type BankService interface {
	Connect(ctx context.Context, req ConnectRequest) (BeginAuthResponse, error)
	CompleteCallback(ctx context.Context, req CompleteAuthRequest) (CallbackCompletion, error)
	Reauthorize(ctx context.Context, req ReauthorizeRequest) (BeginAuthResponse, error)
	Revoke(ctx context.Context, connectionID string, reason string) error
	GetValidToken(ctx context.Context, connectionID string) (AccessToken, error)
	Sync(ctx context.Context, req SyncRequest) (SyncResult, error)
}
