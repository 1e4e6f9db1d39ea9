package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidConnectionStatusTransition = errors.New("core: invalid connection status transition")
	ErrInvalidConsentStatusTransition    = errors.New("core: invalid consent status transition")
	ErrInvalidCredentialStatusTransition = errors.New("core: invalid credential status transition")
	ErrInvalidSyncLogStatusTransition    = errors.New("core: invalid sync log status transition")
	ErrInvalidTransactionType            = errors.New("core: invalid transaction type")
)

type ConnectionStatus string

const (
	ConnectionStatusInit             ConnectionStatus = "init"
	ConnectionStatusConsentRequested ConnectionStatus = "consent_requested"
	ConnectionStatusAuthorized       ConnectionStatus = "authorized"
	ConnectionStatusActive           ConnectionStatus = "active"
	ConnectionStatusTokenExpired     ConnectionStatus = "token_expired"
	ConnectionStatusError            ConnectionStatus = "error"
	ConnectionStatusRevoked          ConnectionStatus = "revoked"
)

// Connection links one company to one external bank account at a provider.
type Connection struct {
	ID                string
	CompanyID         string
	ProviderID        string
	ExternalAccountID string
	Agency            string
	AccountNumber     string
	Status            ConnectionStatus
	StatusReason      string
	FailureCount      int
	SyncFrequency     time.Duration
	LastSyncedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

func (c *Connection) TransitionTo(status ConnectionStatus, reason string, now time.Time) error {
	if c == nil {
		return nil
	}
	if c.Status == status {
		c.UpdatedAt = now
		if strings.TrimSpace(reason) != "" {
			c.StatusReason = strings.TrimSpace(reason)
		}
		return nil
	}
	if !connectionTransitionAllowed(c.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidConnectionStatusTransition, c.Status, status)
	}
	c.Status = status
	c.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		c.StatusReason = strings.TrimSpace(reason)
	}
	if status == ConnectionStatusActive {
		c.StatusReason = ""
		c.FailureCount = 0
	}
	return nil
}

func connectionTransitionAllowed(current, next ConnectionStatus) bool {
	allowed := map[ConnectionStatus]map[ConnectionStatus]struct{}{
		ConnectionStatusInit: {
			ConnectionStatusConsentRequested: {},
		},
		ConnectionStatusConsentRequested: {
			ConnectionStatusAuthorized: {},
			ConnectionStatusError:      {},
			ConnectionStatusRevoked:    {},
		},
		ConnectionStatusAuthorized: {
			ConnectionStatusActive:  {},
			ConnectionStatusError:   {},
			ConnectionStatusRevoked: {},
		},
		ConnectionStatusActive: {
			ConnectionStatusTokenExpired: {},
			ConnectionStatusError:        {},
			ConnectionStatusRevoked:      {},
		},
		ConnectionStatusTokenExpired: {
			ConnectionStatusActive:           {},
			ConnectionStatusConsentRequested: {},
			ConnectionStatusError:            {},
			ConnectionStatusRevoked:          {},
		},
		ConnectionStatusError: {
			ConnectionStatusConsentRequested: {},
			ConnectionStatusRevoked:          {},
		},
		ConnectionStatusRevoked: {},
	}
	_, ok := allowed[current][next]
	return ok
}

type ConsentStatus string

const (
	ConsentStatusRequested  ConsentStatus = "requested"
	ConsentStatusAuthorized ConsentStatus = "authorized"
	ConsentStatusDenied     ConsentStatus = "denied"
	ConsentStatusExpired    ConsentStatus = "expired"
	ConsentStatusRevoked    ConsentStatus = "revoked"
)

// Consent is the provider-issued grant request backing a Connection.
// A connection holds at most one consent in requested/authorized status.
type Consent struct {
	ID                string
	ConnectionID      string
	ProviderID        string
	ProviderConsentID string
	RequestedScopes   []string
	Status            ConsentStatus
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (c *Consent) TransitionTo(status ConsentStatus, now time.Time) error {
	if c == nil {
		return nil
	}
	if c.Status == status {
		c.UpdatedAt = now
		return nil
	}
	if !consentTransitionAllowed(c.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidConsentStatusTransition, c.Status, status)
	}
	c.Status = status
	c.UpdatedAt = now
	return nil
}

func consentTransitionAllowed(current, next ConsentStatus) bool {
	allowed := map[ConsentStatus]map[ConsentStatus]struct{}{
		ConsentStatusRequested: {
			ConsentStatusAuthorized: {},
			ConsentStatusDenied:     {},
			ConsentStatusExpired:    {},
			ConsentStatusRevoked:    {},
		},
		ConsentStatusAuthorized: {
			ConsentStatusExpired: {},
			ConsentStatusRevoked: {},
		},
		ConsentStatusDenied:  {},
		ConsentStatusExpired: {},
		ConsentStatusRevoked: {},
	}
	_, ok := allowed[current][next]
	return ok
}

type CredentialStatus string

const (
	CredentialStatusActive  CredentialStatus = "active"
	CredentialStatusRotated CredentialStatus = "rotated"
	CredentialStatusRevoked CredentialStatus = "revoked"
)

// Credential is the stored, sealed form of a token set. Token material
// only exists in plaintext inside ActiveCredential values; it is never
// persisted or logged outside the encrypted payload.
type Credential struct {
	ID                string
	ConnectionID      string
	Version           int
	EncryptedPayload  []byte
	PayloadFormat     string
	PayloadVersion    int
	TokenType         string
	ExpiresAt         *time.Time
	Refreshable       bool
	Status            CredentialStatus
	RevocationReason  string
	EncryptionKeyID   string
	EncryptionVersion int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (c *Credential) TransitionTo(status CredentialStatus, now time.Time) error {
	if c == nil {
		return nil
	}
	if c.Status == status {
		c.UpdatedAt = now
		return nil
	}
	if !credentialTransitionAllowed(c.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidCredentialStatusTransition, c.Status, status)
	}
	c.Status = status
	c.UpdatedAt = now
	return nil
}

func credentialTransitionAllowed(current, next CredentialStatus) bool {
	allowed := map[CredentialStatus]map[CredentialStatus]struct{}{
		CredentialStatusActive: {
			CredentialStatusRotated: {},
			CredentialStatusRevoked: {},
		},
		CredentialStatusRotated: {},
		CredentialStatusRevoked: {},
	}
	_, ok := allowed[current][next]
	return ok
}

// SyncCursor marks resumption state for one connection's transaction stream.
// Cursor and LastTransactionAt advance only in the same transaction that
// commits the page they describe.
type SyncCursor struct {
	ID                string
	ConnectionID      string
	ProviderID        string
	Stream            string
	Cursor            string
	LastTransactionAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const SyncStreamTransactions = "transactions"

type TransactionType string

const (
	TransactionTypeDebit       TransactionType = "debit"
	TransactionTypeCredit      TransactionType = "credit"
	TransactionTypeTransferIn  TransactionType = "transfer_in"
	TransactionTypeTransferOut TransactionType = "transfer_out"
	TransactionTypePixIn       TransactionType = "pix_in"
	TransactionTypePixOut      TransactionType = "pix_out"
	TransactionTypeFee         TransactionType = "fee"
	TransactionTypeInterest    TransactionType = "interest"
	TransactionTypeAdjustment  TransactionType = "adjustment"
)

func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeDebit, TransactionTypeCredit,
		TransactionTypeTransferIn, TransactionTypeTransferOut,
		TransactionTypePixIn, TransactionTypePixOut,
		TransactionTypeFee, TransactionTypeInterest, TransactionTypeAdjustment:
		return true
	}
	return false
}

// Direction reports the money flow for a transaction type.
func (t TransactionType) Direction() TransactionDirection {
	switch t {
	case TransactionTypeCredit, TransactionTypeTransferIn, TransactionTypePixIn, TransactionTypeInterest:
		return TransactionDirectionIn
	default:
		return TransactionDirectionOut
	}
}

type TransactionDirection string

const (
	TransactionDirectionIn  TransactionDirection = "in"
	TransactionDirectionOut TransactionDirection = "out"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// CanonicalTransaction is the normalized record every provider adapter
// resolves into before it reaches the sync engine. Amounts are decimal;
// float64 is never used for monetary values.
type CanonicalTransaction struct {
	ID                  string
	ConnectionID        string
	ExternalID          string
	Fingerprint         string
	Type                TransactionType
	Direction           TransactionDirection
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
	RawTypeCode         string
	Status              TransactionStatus
	BalanceAfter        *decimal.Decimal
	Category            string
	CategoryConfidence  float64
	CategorizedAt       *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type SyncTrigger string

const (
	SyncTriggerManual    SyncTrigger = "manual"
	SyncTriggerScheduled SyncTrigger = "scheduled"
	SyncTriggerRetry     SyncTrigger = "retry"
)

type SyncLogStatus string

const (
	SyncLogStatusRunning   SyncLogStatus = "running"
	SyncLogStatusCompleted SyncLogStatus = "completed"
	SyncLogStatusPartial   SyncLogStatus = "partial"
	SyncLogStatusFailed    SyncLogStatus = "failed"
)

// SyncLog is one audit row per sync run. Partial means the page
// limit ended the run early with the cursor positioned to continue.
type SyncLog struct {
	ID                string
	ConnectionID      string
	Trigger           SyncTrigger
	Status            SyncLogStatus
	PagesFetched      int
	TransactionsFound int
	TransactionsNew   int
	Amended           int
	SkippedDuplicates int
	WindowFrom        *time.Time
	WindowTo          *time.Time
	ErrorCode         string
	ErrorMessage      string
	StartedAt         time.Time
	FinishedAt        *time.Time
}

func (l *SyncLog) TransitionTo(status SyncLogStatus, now time.Time) error {
	if l == nil {
		return nil
	}
	if l.Status == status {
		return nil
	}
	if l.Status != SyncLogStatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSyncLogStatusTransition, l.Status, status)
	}
	l.Status = status
	finished := now
	l.FinishedAt = &finished
	return nil
}

// ProviderCapability flags what a bank exposes through its API.
type ProviderCapability string

const (
	CapabilityAccounts     ProviderCapability = "accounts"
	CapabilityTransactions ProviderCapability = "transactions"
	CapabilityPix          ProviderCapability = "pix"
	CapabilityTed          ProviderCapability = "ted"
	CapabilityDoc          ProviderCapability = "doc"
)

// ProviderDirectoryEntry is immutable reference data describing one bank
// provider, keyed by its COMPE-style code (e.g. "077" for Inter).
type ProviderDirectoryEntry struct {
	ProviderID            string
	DisplayName           string
	Protocol              string
	AuthorizationEndpoint string
	TokenEndpoint         string
	TransactionBaseURL    string
	Capabilities          []ProviderCapability
	RequiresAgencyAccount bool
	FetchedAt             time.Time
}

func (e ProviderDirectoryEntry) Supports(capability ProviderCapability) bool {
	for _, c := range e.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
