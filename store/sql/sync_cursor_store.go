package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/caixadigital/banksync/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type SyncCursorStore struct {
	db *bun.DB
}

func NewSyncCursorStore(db *bun.DB) (*SyncCursorStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &SyncCursorStore{db: db}, nil
}

func (s *SyncCursorStore) Get(ctx context.Context, connectionID string, stream string) (core.SyncCursor, error) {
	if s == nil || s.db == nil {
		return core.SyncCursor{}, fmt.Errorf("sqlstore: sync cursor store is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	stream = strings.TrimSpace(stream)
	if connectionID == "" || stream == "" {
		return core.SyncCursor{}, fmt.Errorf("sqlstore: connection id and stream are required")
	}

	record := &syncCursorRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.connection_id = ?", connectionID).
		Where("?TableAlias.stream = ?", stream).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.SyncCursor{}, fmt.Errorf("sqlstore: sync cursor not found")
		}
		return core.SyncCursor{}, err
	}
	return record.toDomain(), nil
}

func (s *SyncCursorStore) Upsert(ctx context.Context, in core.UpsertSyncCursorInput) (core.SyncCursor, error) {
	if s == nil || s.db == nil {
		return core.SyncCursor{}, fmt.Errorf("sqlstore: sync cursor store is not configured")
	}

	in.ConnectionID = strings.TrimSpace(in.ConnectionID)
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	in.Stream = strings.TrimSpace(in.Stream)
	in.Cursor = strings.TrimSpace(in.Cursor)
	if in.ConnectionID == "" || in.ProviderID == "" {
		return core.SyncCursor{}, fmt.Errorf("sqlstore: connection id and provider id are required")
	}
	if in.Stream == "" {
		in.Stream = core.SyncStreamTransactions
	}
	now := time.Now().UTC()

	var out core.SyncCursor
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findSyncCursorTx(ctx, tx, in.ConnectionID, in.Stream)
		if err != nil {
			return err
		}
		if record == nil {
			record = newSyncCursorRecord(in, now)
			record.ID = uuid.NewString()
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				if isUniqueViolation(insertErr) {
					record, err = findSyncCursorTx(ctx, tx, in.ConnectionID, in.Stream)
					if err != nil {
						return err
					}
					if record == nil {
						return insertErr
					}
				} else {
					return insertErr
				}
			}
			out = record.toDomain()
			return nil
		}

		record.Cursor = in.Cursor
		record.UpdatedAt = now
		if in.LastTransactionAt != nil {
			value := *in.LastTransactionAt
			record.LastTransactionAt = &value
		} else {
			record.LastTransactionAt = nil
		}
		if _, updateErr := tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx); updateErr != nil {
			return updateErr
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.SyncCursor{}, err
	}
	return out, nil
}

// Advance moves the cursor forward only if it still reads ExpectedCursor.
// A mismatch means another worker committed a page for the same stream
// and the caller must re-read before retrying.
func (s *SyncCursorStore) Advance(ctx context.Context, in core.AdvanceSyncCursorInput) (core.SyncCursor, error) {
	if s == nil || s.db == nil {
		return core.SyncCursor{}, fmt.Errorf("sqlstore: sync cursor store is not configured")
	}

	var out core.SyncCursor
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		advanced, advanceErr := advanceSyncCursorTx(ctx, tx, in)
		if advanceErr != nil {
			return advanceErr
		}
		out = advanced
		return nil
	})
	if err != nil {
		return core.SyncCursor{}, err
	}
	return out, nil
}

// advanceSyncCursorTx is shared with TransactionStore.CommitPage so the
// cursor moves in the same transaction that makes its page durable.
func advanceSyncCursorTx(ctx context.Context, tx bun.Tx, in core.AdvanceSyncCursorInput) (core.SyncCursor, error) {
	in.ConnectionID = strings.TrimSpace(in.ConnectionID)
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	in.Stream = strings.TrimSpace(in.Stream)
	in.Cursor = strings.TrimSpace(in.Cursor)
	expectedCursor := strings.TrimSpace(in.ExpectedCursor)
	if in.ConnectionID == "" {
		return core.SyncCursor{}, fmt.Errorf("sqlstore: connection id is required")
	}
	if in.Stream == "" {
		in.Stream = core.SyncStreamTransactions
	}
	now := time.Now().UTC()

	record, err := findSyncCursorTx(ctx, tx, in.ConnectionID, in.Stream)
	if err != nil {
		return core.SyncCursor{}, err
	}
	if record == nil {
		if expectedCursor != "" {
			return core.SyncCursor{}, core.ErrSyncCursorConflict
		}
		record = newSyncCursorRecord(core.UpsertSyncCursorInput{
			ConnectionID:      in.ConnectionID,
			ProviderID:        in.ProviderID,
			Stream:            in.Stream,
			Cursor:            in.Cursor,
			LastTransactionAt: in.LastTransactionAt,
		}, now)
		record.ID = uuid.NewString()
		if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
			return core.SyncCursor{}, insertErr
		}
		return record.toDomain(), nil
	}

	if record.Cursor != expectedCursor {
		return core.SyncCursor{}, fmt.Errorf(
			"%w: connection %s stream %s",
			core.ErrSyncCursorConflict, in.ConnectionID, in.Stream,
		)
	}

	record.Cursor = in.Cursor
	record.UpdatedAt = now
	if in.LastTransactionAt != nil {
		value := *in.LastTransactionAt
		record.LastTransactionAt = &value
	}
	if _, updateErr := tx.NewUpdate().Model(record).Where("id = ?", record.ID).Exec(ctx); updateErr != nil {
		return core.SyncCursor{}, updateErr
	}
	return record.toDomain(), nil
}

func findSyncCursorTx(ctx context.Context, tx bun.Tx, connectionID string, stream string) (*syncCursorRecord, error) {
	record := &syncCursorRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.connection_id = ?", strings.TrimSpace(connectionID)).
		Where("?TableAlias.stream = ?", strings.TrimSpace(stream)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}
