package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caixadigital/banksync/core"
	"github.com/uptrace/bun"
)

// DirectoryStore persists the provider directory between refreshes so a
// process restart can serve connections before the first re-fetch.
type DirectoryStore struct {
	db *bun.DB
}

func NewDirectoryStore(db *bun.DB) (*DirectoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &DirectoryStore{db: db}, nil
}

func (s *DirectoryStore) Load(ctx context.Context) ([]core.ProviderDirectoryEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: directory store is not configured")
	}
	records := []*directoryEntryRecord{}
	err := s.db.NewSelect().
		Model(&records).
		OrderExpr("?TableAlias.provider_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]core.ProviderDirectoryEntry, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// ReplaceAll swaps the stored directory for the given snapshot in one
// transaction. Readers either see the old set or the new set, never a
// partially applied refresh.
func (s *DirectoryStore) ReplaceAll(ctx context.Context, entries []core.ProviderDirectoryEntry) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: directory store is not configured")
	}
	for _, entry := range entries {
		if strings.TrimSpace(entry.ProviderID) == "" {
			return fmt.Errorf("sqlstore: directory entry without provider id")
		}
	}
	now := time.Now().UTC()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*directoryEntryRecord)(nil)).
			Where("1 = 1").
			Exec(ctx); err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		records := make([]*directoryEntryRecord, 0, len(entries))
		for _, entry := range entries {
			records = append(records, newDirectoryEntryRecord(entry, now))
		}
		_, err := tx.NewInsert().Model(&records).Exec(ctx)
		return err
	})
}
