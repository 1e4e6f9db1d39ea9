package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type connectionRecord struct {
	bun.BaseModel `bun:"table:banksync_connections,alias:bc"`

	ID                   string     `bun:"id,pk"`
	CompanyID            string     `bun:"company_id,notnull"`
	ProviderID           string     `bun:"provider_id,notnull"`
	ExternalAccountID    string     `bun:"external_account_id"`
	Agency               string     `bun:"agency"`
	AccountNumber        string     `bun:"account_number"`
	Status               string     `bun:"status,notnull"`
	StatusReason         string     `bun:"status_reason"`
	FailureCount         int        `bun:"failure_count,notnull"`
	SyncFrequencySeconds int64      `bun:"sync_frequency_seconds,notnull"`
	LastSyncedAt         *time.Time `bun:"last_synced_at,nullzero"`
	CreatedAt            time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	DeletedAt            *time.Time `bun:"deleted_at,soft_delete"`
}

type consentRecord struct {
	bun.BaseModel `bun:"table:banksync_consents,alias:bcs"`

	ID                string     `bun:"id,pk"`
	ConnectionID      string     `bun:"connection_id,notnull"`
	ProviderID        string     `bun:"provider_id,notnull"`
	ProviderConsentID string     `bun:"provider_consent_id"`
	RequestedScopes   []string   `bun:"requested_scopes,type:jsonb,notnull"`
	Status            string     `bun:"status,notnull"`
	ExpiresAt         *time.Time `bun:"expires_at,nullzero"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type credentialRecord struct {
	bun.BaseModel `bun:"table:banksync_credentials,alias:bcr"`

	ID                string     `bun:"id,pk"`
	ConnectionID      string     `bun:"connection_id,notnull"`
	Version           int        `bun:"version,notnull"`
	EncryptedPayload  []byte     `bun:"encrypted_payload,notnull"`
	PayloadFormat     string     `bun:"payload_format,notnull"`
	PayloadVersion    int        `bun:"payload_version,notnull"`
	TokenType         string     `bun:"token_type,notnull"`
	ExpiresAt         *time.Time `bun:"expires_at,nullzero"`
	Refreshable       bool       `bun:"refreshable,notnull"`
	Status            string     `bun:"status,notnull"`
	RevocationReason  string     `bun:"revocation_reason,notnull"`
	EncryptionKeyID   string     `bun:"encryption_key_id,notnull"`
	EncryptionVersion int        `bun:"encryption_version,notnull"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type syncCursorRecord struct {
	bun.BaseModel `bun:"table:banksync_sync_cursors,alias:bsc"`

	ID                string     `bun:"id,pk"`
	ConnectionID      string     `bun:"connection_id,notnull,unique:banksync_sync_cursors_conn_stream"`
	ProviderID        string     `bun:"provider_id,notnull"`
	Stream            string     `bun:"stream,notnull,unique:banksync_sync_cursors_conn_stream"`
	Cursor            string     `bun:"cursor,notnull"`
	LastTransactionAt *time.Time `bun:"last_transaction_at,nullzero"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// transactionRecord stores monetary columns as decimal strings so SQLite
// and Postgres round-trip the exact value shopspring/decimal produced.
type transactionRecord struct {
	bun.BaseModel `bun:"table:banksync_transactions,alias:bt"`

	ID                  string     `bun:"id,pk"`
	ConnectionID        string     `bun:"connection_id,notnull,unique:banksync_transactions_conn_fingerprint"`
	ExternalID          string     `bun:"external_id,notnull"`
	Fingerprint         string     `bun:"fingerprint,notnull,unique:banksync_transactions_conn_fingerprint"`
	Type                string     `bun:"type,notnull"`
	Direction           string     `bun:"direction,notnull"`
	Amount              string     `bun:"amount,notnull"`
	Currency            string     `bun:"currency,notnull"`
	Description         string     `bun:"description"`
	BookedAt            time.Time  `bun:"booked_at,notnull"`
	CounterpartName     string     `bun:"counterpart_name"`
	CounterpartDocument string     `bun:"counterpart_document"`
	CounterpartBank     string     `bun:"counterpart_bank"`
	CounterpartAgency   string     `bun:"counterpart_agency"`
	CounterpartAccount  string     `bun:"counterpart_account"`
	PixKey              string     `bun:"pix_key"`
	ReferenceNumber     string     `bun:"reference_number"`
	RawTypeCode         string     `bun:"raw_type_code"`
	Status              string     `bun:"status,notnull"`
	BalanceAfter        *string    `bun:"balance_after,nullzero"`
	Category            string     `bun:"category"`
	CategoryConfidence  float64    `bun:"category_confidence"`
	CategorizedAt       *time.Time `bun:"categorized_at,nullzero"`
	CreatedAt           time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt           time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type syncLogRecord struct {
	bun.BaseModel `bun:"table:banksync_sync_logs,alias:bsl"`

	ID                string     `bun:"id,pk"`
	ConnectionID      string     `bun:"connection_id,notnull"`
	Trigger           string     `bun:"trigger,notnull"`
	Status            string     `bun:"status,notnull"`
	PagesFetched      int        `bun:"pages_fetched,notnull"`
	TransactionsFound int        `bun:"transactions_found,notnull"`
	TransactionsNew   int        `bun:"transactions_new,notnull"`
	Amended           int        `bun:"amended,notnull"`
	SkippedDuplicates int        `bun:"skipped_duplicates,notnull"`
	WindowFrom        *time.Time `bun:"window_from,nullzero"`
	WindowTo          *time.Time `bun:"window_to,nullzero"`
	ErrorCode         string     `bun:"error_code"`
	ErrorMessage      string     `bun:"error_message"`
	StartedAt         time.Time  `bun:"started_at,notnull"`
	FinishedAt        *time.Time `bun:"finished_at,nullzero"`
}

type directoryEntryRecord struct {
	bun.BaseModel `bun:"table:banksync_directory_entries,alias:bde"`

	ProviderID            string    `bun:"provider_id,pk"`
	DisplayName           string    `bun:"display_name,notnull"`
	Protocol              string    `bun:"protocol,notnull"`
	AuthorizationEndpoint string    `bun:"authorization_endpoint,notnull"`
	TokenEndpoint         string    `bun:"token_endpoint,notnull"`
	TransactionBaseURL    string    `bun:"transaction_base_url,notnull"`
	Capabilities          []string  `bun:"capabilities,type:jsonb,notnull"`
	RequiresAgencyAccount bool      `bun:"requires_agency_account,notnull"`
	FetchedAt             time.Time `bun:"fetched_at,notnull"`
	CreatedAt             time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:banksync_rate_limit_state,alias:brl"`

	ID             string         `bun:"id,pk"`
	ProviderID     string         `bun:"provider_id,notnull"`
	ConnectionID   string         `bun:"connection_id,notnull"`
	BucketKey      string         `bun:"bucket_key,notnull"`
	LimitTotal     int            `bun:"limit_total,notnull"`
	Remaining      int            `bun:"remaining,notnull"`
	ResetAt        *time.Time     `bun:"reset_at,nullzero"`
	RetryAfterMs   *int64         `bun:"retry_after_ms,nullzero"`
	ThrottledUntil *time.Time     `bun:"throttled_until,nullzero"`
	LastStatus     int            `bun:"last_status,notnull"`
	Attempts       int            `bun:"attempts,notnull"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
