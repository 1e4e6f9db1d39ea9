package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/caixadigital/banksync/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type TransactionStore struct {
	db   *bun.DB
	repo repository.Repository[*transactionRecord]
}

// CommitPage makes one provider page durable: new fingerprints insert,
// re-delivered fingerprints with a changed status or balance amend in
// place, exact duplicates count and drop. The cursor advance rides the
// same transaction, so a crash never splits a page from its cursor.
func (s *TransactionStore) CommitPage(ctx context.Context, in core.CommitPageInput) (core.CommitPageResult, error) {
	if s == nil || s.db == nil {
		return core.CommitPageResult{}, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	connectionID := strings.TrimSpace(in.ConnectionID)
	if connectionID == "" {
		return core.CommitPageResult{}, fmt.Errorf("sqlstore: connection id is required")
	}

	now := time.Now().UTC()
	var result core.CommitPageResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, txn := range in.Transactions {
			fingerprint := strings.TrimSpace(txn.Fingerprint)
			if fingerprint == "" {
				return fmt.Errorf("sqlstore: transaction %s has no fingerprint", txn.ExternalID)
			}
			txn.ConnectionID = connectionID

			existing, findErr := findTransactionByFingerprintTx(ctx, tx, connectionID, fingerprint)
			if findErr != nil {
				return findErr
			}
			if existing == nil {
				record := newTransactionRecord(txn, now)
				record.ID = uuid.NewString()
				if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
					if isUniqueViolation(insertErr) {
						result.SkippedDuplicates++
						continue
					}
					return insertErr
				}
				result.Inserted++
				result.InsertedIDs = append(result.InsertedIDs, record.ID)
				continue
			}

			if transactionAmendable(existing, txn) {
				existing.Status = string(txn.Status)
				if txn.BalanceAfter != nil {
					value := txn.BalanceAfter.String()
					existing.BalanceAfter = &value
				}
				existing.UpdatedAt = now
				if _, updateErr := tx.NewUpdate().Model(existing).Where("id = ?", existing.ID).Exec(ctx); updateErr != nil {
					return updateErr
				}
				result.Amended++
				continue
			}
			result.SkippedDuplicates++
		}

		if strings.TrimSpace(in.Cursor.Cursor) != "" || strings.TrimSpace(in.Cursor.ExpectedCursor) != "" {
			cursorInput := in.Cursor
			cursorInput.ConnectionID = connectionID
			if _, advanceErr := advanceSyncCursorTx(ctx, tx, cursorInput); advanceErr != nil {
				return advanceErr
			}
		}
		return nil
	})
	if err != nil {
		return core.CommitPageResult{}, err
	}
	return result, nil
}

// transactionAmendable reports whether a re-delivered fingerprint carries
// something worth writing: a settled status or a balance we did not have.
func transactionAmendable(existing *transactionRecord, incoming core.CanonicalTransaction) bool {
	if existing == nil {
		return false
	}
	if strings.TrimSpace(string(incoming.Status)) != "" && existing.Status != string(incoming.Status) {
		return true
	}
	if incoming.BalanceAfter != nil {
		if existing.BalanceAfter == nil {
			return true
		}
		if *existing.BalanceAfter != incoming.BalanceAfter.String() {
			return true
		}
	}
	return false
}

func (s *TransactionStore) Get(ctx context.Context, id string) (core.CanonicalTransaction, error) {
	if s == nil || s.repo == nil {
		return core.CanonicalTransaction{}, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	record, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return core.CanonicalTransaction{}, err
	}
	return record.toDomain()
}

func (s *TransactionStore) ListByConnection(ctx context.Context, connectionID string, from, to time.Time, limit int) ([]core.CanonicalTransaction, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil, fmt.Errorf("sqlstore: connection id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	records := []*transactionRecord{}
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.connection_id = ?", connectionID)
	if !from.IsZero() {
		query = query.Where("?TableAlias.booked_at >= ?", from.UTC())
	}
	if !to.IsZero() {
		query = query.Where("?TableAlias.booked_at <= ?", to.UTC())
	}
	err := query.
		OrderExpr("?TableAlias.booked_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]core.CanonicalTransaction, 0, len(records))
	for _, record := range records {
		txn, adaptErr := record.toDomain()
		if adaptErr != nil {
			return nil, adaptErr
		}
		out = append(out, txn)
	}
	return out, nil
}

// ClaimUncategorized stamps a claim marker on the oldest uncategorized
// rows so concurrent dispatchers do not hand the same transaction to the
// categorizer twice.
func (s *TransactionStore) ClaimUncategorized(ctx context.Context, limit int) ([]core.CanonicalTransaction, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()

	var out []core.CanonicalTransaction
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		records := []*transactionRecord{}
		selectErr := tx.NewSelect().
			Model(&records).
			Where("?TableAlias.category = ''").
			Where("?TableAlias.categorized_at IS NULL").
			OrderExpr("?TableAlias.booked_at ASC").
			Limit(limit).
			Scan(ctx)
		if selectErr != nil && selectErr != sql.ErrNoRows {
			return selectErr
		}
		if len(records) == 0 {
			return nil
		}

		ids := make([]string, 0, len(records))
		for _, record := range records {
			ids = append(ids, record.ID)
		}
		if _, updateErr := tx.NewUpdate().
			Model((*transactionRecord)(nil)).
			Set("categorized_at = ?", now).
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx); updateErr != nil {
			return updateErr
		}

		out = make([]core.CanonicalTransaction, 0, len(records))
		for _, record := range records {
			txn, adaptErr := record.toDomain()
			if adaptErr != nil {
				return adaptErr
			}
			out = append(out, txn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TransactionStore) WriteCategory(ctx context.Context, id string, category string, confidence float64, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: transaction store is not configured")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return fmt.Errorf("sqlstore: transaction id is required")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	result, err := s.db.NewUpdate().
		Model((*transactionRecord)(nil)).
		Set("category = ?", strings.TrimSpace(category)).
		Set("category_confidence = ?", confidence).
		Set("categorized_at = ?", at.UTC()).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", trimmedID).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, affectedErr := result.RowsAffected()
	if affectedErr == nil && affected == 0 {
		return fmt.Errorf("sqlstore: transaction %s not found", trimmedID)
	}
	return nil
}

func findTransactionByFingerprintTx(ctx context.Context, tx bun.Tx, connectionID string, fingerprint string) (*transactionRecord, error) {
	record := &transactionRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.connection_id = ?", connectionID).
		Where("?TableAlias.fingerprint = ?", fingerprint).
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
