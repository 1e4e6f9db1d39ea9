package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionFingerprint identifies a transaction across sync runs.
// Providers with stable external ids get the strong form; the fallback
// hashes amount, booked date and normalized description, and is lossy
// for two genuinely identical same-day transactions.
func TransactionFingerprint(providerID string, raw RawTransaction) string {
	externalID := strings.TrimSpace(raw.ExternalID)
	if externalID != "" {
		return hashFingerprint(strings.TrimSpace(providerID) + "|" + externalID)
	}
	return fallbackFingerprint(raw.Amount, raw.BookedAt, raw.Description)
}

func fallbackFingerprint(amount decimal.Decimal, bookedAt time.Time, description string) string {
	parts := []string{
		amount.String(),
		bookedAt.UTC().Format("2006-01-02"),
		NormalizeDescription(description),
	}
	return hashFingerprint(strings.Join(parts, "|"))
}

func hashFingerprint(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// NormalizeDescription lowercases, collapses whitespace and caps the
// text at the canonical 500-rune limit.
func NormalizeDescription(description string) string {
	description = strings.ToLower(strings.TrimSpace(description))
	description = strings.Join(strings.Fields(description), " ")
	return truncateRunes(description, maxDescriptionRunes)
}

const maxDescriptionRunes = 500

func truncateRunes(value string, limit int) string {
	if limit <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
