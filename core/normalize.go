package core

import (
	"strings"
	"time"
)

const defaultCurrency = "BRL"

// normalizeTransaction turns one provider record into the canonical
// form. Typing honors the provider's capability flags: PIX codes from a
// bank without PIX support degrade to plain transfers.
func normalizeTransaction(entry ProviderDirectoryEntry, connectionID string, raw RawTransaction, now time.Time) CanonicalTransaction {
	txType := resolveTransactionType(entry, raw)
	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	return CanonicalTransaction{
		ConnectionID:        connectionID,
		ExternalID:          strings.TrimSpace(raw.ExternalID),
		Fingerprint:         TransactionFingerprint(entry.ProviderID, raw),
		Type:                txType,
		Direction:           txType.Direction(),
		Amount:              raw.Amount.Abs(),
		Currency:            currency,
		Description:         truncateRunes(strings.TrimSpace(raw.Description), maxDescriptionRunes),
		BookedAt:            raw.BookedAt.UTC(),
		CounterpartName:     strings.TrimSpace(raw.CounterpartName),
		CounterpartDocument: strings.TrimSpace(raw.CounterpartDocument),
		CounterpartBank:     strings.TrimSpace(raw.CounterpartBank),
		CounterpartAgency:   strings.TrimSpace(raw.CounterpartAgency),
		CounterpartAccount:  strings.TrimSpace(raw.CounterpartAccount),
		PixKey:              strings.TrimSpace(raw.PixKey),
		ReferenceNumber:     strings.TrimSpace(raw.ReferenceNumber),
		RawTypeCode:         strings.TrimSpace(raw.TypeCode),
		Status:              resolveTransactionStatus(raw.Status),
		BalanceAfter:        raw.BalanceAfter,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func resolveTransactionType(entry ProviderDirectoryEntry, raw RawTransaction) TransactionType {
	code := strings.ToLower(strings.TrimSpace(raw.TypeCode))
	negative := raw.Amount.IsNegative()

	if candidate := TransactionType(code); candidate.IsValid() {
		return degradeUnsupportedType(entry, candidate)
	}

	switch {
	case strings.Contains(code, "pix"):
		typed := TransactionTypePixIn
		if negative || strings.Contains(code, "out") || strings.Contains(code, "enviado") {
			typed = TransactionTypePixOut
		}
		return degradeUnsupportedType(entry, typed)
	case strings.Contains(code, "ted"), strings.Contains(code, "doc"), strings.Contains(code, "transfer"):
		if negative || strings.Contains(code, "out") {
			return TransactionTypeTransferOut
		}
		return TransactionTypeTransferIn
	case strings.Contains(code, "fee"), strings.Contains(code, "tarifa"):
		return TransactionTypeFee
	case strings.Contains(code, "interest"), strings.Contains(code, "juros"), strings.Contains(code, "rendimento"):
		return TransactionTypeInterest
	case strings.Contains(code, "adjust"), strings.Contains(code, "estorno"):
		return TransactionTypeAdjustment
	case negative:
		return TransactionTypeDebit
	default:
		return TransactionTypeCredit
	}
}

// degradeUnsupportedType maps PIX codes to plain transfers for banks
// whose directory entry does not advertise the pix capability.
func degradeUnsupportedType(entry ProviderDirectoryEntry, typed TransactionType) TransactionType {
	switch typed {
	case TransactionTypePixIn:
		if !entry.Supports(CapabilityPix) {
			return TransactionTypeTransferIn
		}
	case TransactionTypePixOut:
		if !entry.Supports(CapabilityPix) {
			return TransactionTypeTransferOut
		}
	}
	return typed
}

func resolveTransactionStatus(status string) TransactionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending", "processing", "scheduled":
		return TransactionStatusPending
	case "failed", "rejected":
		return TransactionStatusFailed
	case "cancelled", "canceled":
		return TransactionStatusCancelled
	default:
		return TransactionStatusCompleted
	}
}
