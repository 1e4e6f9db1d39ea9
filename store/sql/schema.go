package sqlstore

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// ResetSchema drops and recreates every banksync table from the record
// definitions. Intended for tests and local sandboxes; production
// schemas come from the versioned SQL migrations.
func ResetSchema(ctx context.Context, db *bun.DB) error {
	if db == nil {
		return fmt.Errorf("sqlstore: bun db is required")
	}
	return db.ResetModel(ctx,
		(*connectionRecord)(nil),
		(*consentRecord)(nil),
		(*credentialRecord)(nil),
		(*syncCursorRecord)(nil),
		(*transactionRecord)(nil),
		(*syncLogRecord)(nil),
		(*directoryEntryRecord)(nil),
		(*rateLimitStateRecord)(nil),
	)
}
