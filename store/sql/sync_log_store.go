package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/caixadigital/banksync/core"
	"github.com/uptrace/bun"
)

type SyncLogStore struct {
	db   *bun.DB
	repo repository.Repository[*syncLogRecord]
}

func (s *SyncLogStore) Open(ctx context.Context, log core.SyncLog) (core.SyncLog, error) {
	if s == nil || s.repo == nil {
		return core.SyncLog{}, fmt.Errorf("sqlstore: sync log store is not configured")
	}
	if strings.TrimSpace(log.ConnectionID) == "" {
		return core.SyncLog{}, fmt.Errorf("sqlstore: connection id is required")
	}
	if strings.TrimSpace(string(log.Status)) == "" {
		log.Status = core.SyncLogStatusRunning
	}
	if strings.TrimSpace(string(log.Trigger)) == "" {
		log.Trigger = core.SyncTriggerScheduled
	}

	record := newSyncLogRecord(log, time.Now().UTC())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.SyncLog{}, err
	}
	return created.toDomain(), nil
}

// Close writes the terminal snapshot of a run. It is an upsert by id so
// a retried close after a transient failure stays harmless.
func (s *SyncLogStore) Close(ctx context.Context, log core.SyncLog) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: sync log store is not configured")
	}
	trimmedID := strings.TrimSpace(log.ID)
	if trimmedID == "" {
		return fmt.Errorf("sqlstore: sync log id is required")
	}

	query := s.db.NewUpdate().
		Model((*syncLogRecord)(nil)).
		Set("status = ?", string(log.Status)).
		Set("pages_fetched = ?", log.PagesFetched).
		Set("transactions_found = ?", log.TransactionsFound).
		Set("transactions_new = ?", log.TransactionsNew).
		Set("amended = ?", log.Amended).
		Set("skipped_duplicates = ?", log.SkippedDuplicates).
		Set("error_code = ?", log.ErrorCode).
		Set("error_message = ?", log.ErrorMessage).
		Where("id = ?", trimmedID)
	if log.WindowFrom != nil {
		query = query.Set("window_from = ?", log.WindowFrom.UTC())
	}
	if log.WindowTo != nil {
		query = query.Set("window_to = ?", log.WindowTo.UTC())
	}
	if log.FinishedAt != nil {
		query = query.Set("finished_at = ?", log.FinishedAt.UTC())
	} else {
		query = query.Set("finished_at = ?", time.Now().UTC())
	}

	_, err := query.Exec(ctx)
	return err
}

func (s *SyncLogStore) ListByConnection(ctx context.Context, connectionID string, limit int) ([]core.SyncLog, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: sync log store is not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("connection_id", "=", strings.TrimSpace(connectionID)),
		repository.OrderBy("started_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}

	out := make([]core.SyncLog, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}
