package sqlstore

import (
	"time"

	"github.com/caixadigital/banksync/core"
	"github.com/shopspring/decimal"
)

func newConnectionRecord(in core.CreateConnectionInput, now time.Time) *connectionRecord {
	return &connectionRecord{
		CompanyID:            in.CompanyID,
		ProviderID:           in.ProviderID,
		ExternalAccountID:    in.ExternalAccountID,
		Agency:               in.Agency,
		AccountNumber:        in.AccountNumber,
		Status:               string(in.Status),
		SyncFrequencySeconds: int64(in.SyncFrequency / time.Second),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func (r *connectionRecord) toDomain() core.Connection {
	if r == nil {
		return core.Connection{}
	}
	connection := core.Connection{
		ID:                r.ID,
		CompanyID:         r.CompanyID,
		ProviderID:        r.ProviderID,
		ExternalAccountID: r.ExternalAccountID,
		Agency:            r.Agency,
		AccountNumber:     r.AccountNumber,
		Status:            core.ConnectionStatus(r.Status),
		StatusReason:      r.StatusReason,
		FailureCount:      r.FailureCount,
		SyncFrequency:     time.Duration(r.SyncFrequencySeconds) * time.Second,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.LastSyncedAt != nil {
		value := *r.LastSyncedAt
		connection.LastSyncedAt = &value
	}
	if r.DeletedAt != nil {
		value := *r.DeletedAt
		connection.DeletedAt = &value
	}
	return connection
}

func newConsentRecord(in core.CreateConsentInput, now time.Time) *consentRecord {
	record := &consentRecord{
		ConnectionID:      in.ConnectionID,
		ProviderID:        in.ProviderID,
		ProviderConsentID: in.ProviderConsentID,
		RequestedScopes:   append([]string(nil), in.RequestedScopes...),
		Status:            string(in.Status),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.ExpiresAt != nil {
		expiresAt := *in.ExpiresAt
		record.ExpiresAt = &expiresAt
	}
	return record
}

func (r *consentRecord) toDomain() core.Consent {
	if r == nil {
		return core.Consent{}
	}
	consent := core.Consent{
		ID:                r.ID,
		ConnectionID:      r.ConnectionID,
		ProviderID:        r.ProviderID,
		ProviderConsentID: r.ProviderConsentID,
		RequestedScopes:   append([]string(nil), r.RequestedScopes...),
		Status:            core.ConsentStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ExpiresAt != nil {
		value := *r.ExpiresAt
		consent.ExpiresAt = &value
	}
	return consent
}

func newCredentialRecord(in core.SaveCredentialInput, version int, now time.Time) *credentialRecord {
	payloadFormat := in.PayloadFormat
	if payloadFormat == "" {
		payloadFormat = core.CredentialPayloadFormatJSONV1
	}
	payloadVersion := in.PayloadVersion
	if payloadVersion <= 0 {
		payloadVersion = core.CredentialPayloadVersionV1
	}
	record := &credentialRecord{
		ConnectionID:      in.ConnectionID,
		Version:           version,
		EncryptedPayload:  append([]byte(nil), in.EncryptedPayload...),
		PayloadFormat:     payloadFormat,
		PayloadVersion:    payloadVersion,
		TokenType:         in.TokenType,
		Refreshable:       in.Refreshable,
		Status:            string(core.CredentialStatusActive),
		EncryptionKeyID:   in.EncryptionKeyID,
		EncryptionVersion: in.EncryptionVersion,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.ExpiresAt != nil {
		expiresAt := *in.ExpiresAt
		record.ExpiresAt = &expiresAt
	}
	return record
}

func (r *credentialRecord) toDomain() core.Credential {
	if r == nil {
		return core.Credential{}
	}
	credential := core.Credential{
		ID:                r.ID,
		ConnectionID:      r.ConnectionID,
		Version:           r.Version,
		EncryptedPayload:  append([]byte(nil), r.EncryptedPayload...),
		PayloadFormat:     r.PayloadFormat,
		PayloadVersion:    r.PayloadVersion,
		TokenType:         r.TokenType,
		Refreshable:       r.Refreshable,
		Status:            core.CredentialStatus(r.Status),
		RevocationReason:  r.RevocationReason,
		EncryptionKeyID:   r.EncryptionKeyID,
		EncryptionVersion: r.EncryptionVersion,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ExpiresAt != nil {
		value := *r.ExpiresAt
		credential.ExpiresAt = &value
	}
	return credential
}

func newSyncCursorRecord(in core.UpsertSyncCursorInput, now time.Time) *syncCursorRecord {
	record := &syncCursorRecord{
		ConnectionID: in.ConnectionID,
		ProviderID:   in.ProviderID,
		Stream:       in.Stream,
		Cursor:       in.Cursor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.LastTransactionAt != nil {
		value := *in.LastTransactionAt
		record.LastTransactionAt = &value
	}
	return record
}

func (r *syncCursorRecord) toDomain() core.SyncCursor {
	if r == nil {
		return core.SyncCursor{}
	}
	cursor := core.SyncCursor{
		ID:           r.ID,
		ConnectionID: r.ConnectionID,
		ProviderID:   r.ProviderID,
		Stream:       r.Stream,
		Cursor:       r.Cursor,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.LastTransactionAt != nil {
		value := *r.LastTransactionAt
		cursor.LastTransactionAt = &value
	}
	return cursor
}

func newTransactionRecord(txn core.CanonicalTransaction, now time.Time) *transactionRecord {
	record := &transactionRecord{
		ConnectionID:        txn.ConnectionID,
		ExternalID:          txn.ExternalID,
		Fingerprint:         txn.Fingerprint,
		Type:                string(txn.Type),
		Direction:           string(txn.Direction),
		Amount:              txn.Amount.String(),
		Currency:            txn.Currency,
		Description:         txn.Description,
		BookedAt:            txn.BookedAt,
		CounterpartName:     txn.CounterpartName,
		CounterpartDocument: txn.CounterpartDocument,
		CounterpartBank:     txn.CounterpartBank,
		CounterpartAgency:   txn.CounterpartAgency,
		CounterpartAccount:  txn.CounterpartAccount,
		PixKey:              txn.PixKey,
		ReferenceNumber:     txn.ReferenceNumber,
		RawTypeCode:         txn.RawTypeCode,
		Status:              string(txn.Status),
		Category:            txn.Category,
		CategoryConfidence:  txn.CategoryConfidence,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if txn.BalanceAfter != nil {
		value := txn.BalanceAfter.String()
		record.BalanceAfter = &value
	}
	if txn.CategorizedAt != nil {
		value := *txn.CategorizedAt
		record.CategorizedAt = &value
	}
	return record
}

func (r *transactionRecord) toDomain() (core.CanonicalTransaction, error) {
	if r == nil {
		return core.CanonicalTransaction{}, nil
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return core.CanonicalTransaction{}, err
	}
	txn := core.CanonicalTransaction{
		ID:                  r.ID,
		ConnectionID:        r.ConnectionID,
		ExternalID:          r.ExternalID,
		Fingerprint:         r.Fingerprint,
		Type:                core.TransactionType(r.Type),
		Direction:           core.TransactionDirection(r.Direction),
		Amount:              amount,
		Currency:            r.Currency,
		Description:         r.Description,
		BookedAt:            r.BookedAt,
		CounterpartName:     r.CounterpartName,
		CounterpartDocument: r.CounterpartDocument,
		CounterpartBank:     r.CounterpartBank,
		CounterpartAgency:   r.CounterpartAgency,
		CounterpartAccount:  r.CounterpartAccount,
		PixKey:              r.PixKey,
		ReferenceNumber:     r.ReferenceNumber,
		RawTypeCode:         r.RawTypeCode,
		Status:              core.TransactionStatus(r.Status),
		Category:            r.Category,
		CategoryConfidence:  r.CategoryConfidence,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.BalanceAfter != nil {
		balance, balanceErr := decimal.NewFromString(*r.BalanceAfter)
		if balanceErr != nil {
			return core.CanonicalTransaction{}, balanceErr
		}
		txn.BalanceAfter = &balance
	}
	if r.CategorizedAt != nil {
		value := *r.CategorizedAt
		txn.CategorizedAt = &value
	}
	return txn, nil
}

func newSyncLogRecord(log core.SyncLog, now time.Time) *syncLogRecord {
	record := &syncLogRecord{
		ID:                log.ID,
		ConnectionID:      log.ConnectionID,
		Trigger:           string(log.Trigger),
		Status:            string(log.Status),
		PagesFetched:      log.PagesFetched,
		TransactionsFound: log.TransactionsFound,
		TransactionsNew:   log.TransactionsNew,
		Amended:           log.Amended,
		SkippedDuplicates: log.SkippedDuplicates,
		ErrorCode:         log.ErrorCode,
		ErrorMessage:      log.ErrorMessage,
		StartedAt:         log.StartedAt,
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = now
	}
	if log.WindowFrom != nil {
		value := *log.WindowFrom
		record.WindowFrom = &value
	}
	if log.WindowTo != nil {
		value := *log.WindowTo
		record.WindowTo = &value
	}
	if log.FinishedAt != nil {
		value := *log.FinishedAt
		record.FinishedAt = &value
	}
	return record
}

func (r *syncLogRecord) toDomain() core.SyncLog {
	if r == nil {
		return core.SyncLog{}
	}
	log := core.SyncLog{
		ID:                r.ID,
		ConnectionID:      r.ConnectionID,
		Trigger:           core.SyncTrigger(r.Trigger),
		Status:            core.SyncLogStatus(r.Status),
		PagesFetched:      r.PagesFetched,
		TransactionsFound: r.TransactionsFound,
		TransactionsNew:   r.TransactionsNew,
		Amended:           r.Amended,
		SkippedDuplicates: r.SkippedDuplicates,
		ErrorCode:         r.ErrorCode,
		ErrorMessage:      r.ErrorMessage,
		StartedAt:         r.StartedAt,
	}
	if r.WindowFrom != nil {
		value := *r.WindowFrom
		log.WindowFrom = &value
	}
	if r.WindowTo != nil {
		value := *r.WindowTo
		log.WindowTo = &value
	}
	if r.FinishedAt != nil {
		value := *r.FinishedAt
		log.FinishedAt = &value
	}
	return log
}

func newDirectoryEntryRecord(entry core.ProviderDirectoryEntry, now time.Time) *directoryEntryRecord {
	capabilities := make([]string, 0, len(entry.Capabilities))
	for _, capability := range entry.Capabilities {
		capabilities = append(capabilities, string(capability))
	}
	fetchedAt := entry.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = now
	}
	return &directoryEntryRecord{
		ProviderID:            entry.ProviderID,
		DisplayName:           entry.DisplayName,
		Protocol:              entry.Protocol,
		AuthorizationEndpoint: entry.AuthorizationEndpoint,
		TokenEndpoint:         entry.TokenEndpoint,
		TransactionBaseURL:    entry.TransactionBaseURL,
		Capabilities:          capabilities,
		RequiresAgencyAccount: entry.RequiresAgencyAccount,
		FetchedAt:             fetchedAt,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func (r *directoryEntryRecord) toDomain() core.ProviderDirectoryEntry {
	if r == nil {
		return core.ProviderDirectoryEntry{}
	}
	capabilities := make([]core.ProviderCapability, 0, len(r.Capabilities))
	for _, capability := range r.Capabilities {
		capabilities = append(capabilities, core.ProviderCapability(capability))
	}
	return core.ProviderDirectoryEntry{
		ProviderID:            r.ProviderID,
		DisplayName:           r.DisplayName,
		Protocol:              r.Protocol,
		AuthorizationEndpoint: r.AuthorizationEndpoint,
		TokenEndpoint:         r.TokenEndpoint,
		TransactionBaseURL:    r.TransactionBaseURL,
		Capabilities:          capabilities,
		RequiresAgencyAccount: r.RequiresAgencyAccount,
		FetchedAt:             r.FetchedAt,
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
