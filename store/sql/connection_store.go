package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/caixadigital/banksync/core"
	"github.com/uptrace/bun"
)

type ConnectionStore struct {
	db   *bun.DB
	repo repository.Repository[*connectionRecord]
}

func (s *ConnectionStore) Create(ctx context.Context, in core.CreateConnectionInput) (core.Connection, error) {
	if s == nil || s.repo == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	in.CompanyID = strings.TrimSpace(in.CompanyID)
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	if in.CompanyID == "" {
		return core.Connection{}, fmt.Errorf("sqlstore: company id is required")
	}
	if in.ProviderID == "" {
		return core.Connection{}, fmt.Errorf("sqlstore: provider id is required")
	}
	if strings.TrimSpace(string(in.Status)) == "" {
		in.Status = core.ConnectionStatusInit
	}

	record := newConnectionRecord(in, time.Now().UTC())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Connection{}, fmt.Errorf("%w: %s/%s", core.ErrDuplicateConnection, in.ProviderID, in.ExternalAccountID)
		}
		return core.Connection{}, err
	}
	return created.toDomain(), nil
}

func (s *ConnectionStore) Get(ctx context.Context, id string) (core.Connection, error) {
	if s == nil || s.repo == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	record, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		if isNotFound(err) {
			return core.Connection{}, fmt.Errorf("%w: %s", core.ErrConnectionNotFound, strings.TrimSpace(id))
		}
		return core.Connection{}, err
	}
	return record.toDomain(), nil
}

func (s *ConnectionStore) FindByAccount(ctx context.Context, companyID, providerID, externalAccountID string) (core.Connection, error) {
	if s == nil || s.repo == nil {
		return core.Connection{}, fmt.Errorf("sqlstore: connection store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("company_id", "=", strings.TrimSpace(companyID)),
		repository.SelectBy("provider_id", "=", strings.TrimSpace(providerID)),
		repository.SelectBy("external_account_id", "=", strings.TrimSpace(externalAccountID)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Connection{}, err
	}
	if len(records) == 0 {
		return core.Connection{}, core.ErrConnectionNotFound
	}
	return records[0].toDomain(), nil
}

func (s *ConnectionStore) ListByCompany(ctx context.Context, companyID string) ([]core.Connection, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: connection store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("company_id", "=", strings.TrimSpace(companyID)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}

	out := make([]core.Connection, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// ListDue returns active connections whose next sync slot has arrived:
// never-synced rows first, then rows whose last_synced_at plus their own
// frequency (or the default) is in the past.
func (s *ConnectionStore) ListDue(ctx context.Context, now time.Time, defaultFrequency time.Duration, limit int) ([]core.Connection, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: connection store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	defaultSeconds := int64(defaultFrequency / time.Second)
	if defaultSeconds <= 0 {
		defaultSeconds = int64((15 * time.Minute) / time.Second)
	}

	records := []*connectionRecord{}
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.deleted_at IS NULL").
		Where("?TableAlias.status = ?", string(core.ConnectionStatusActive)).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.last_synced_at IS NULL").
				WhereOr(
					"?TableAlias.last_synced_at <= ?",
					now.UTC().Add(-time.Duration(defaultSeconds)*time.Second),
				).
				WhereOr(
					"?TableAlias.sync_frequency_seconds > 0 AND ?TableAlias.last_synced_at <= ?",
					now.UTC(),
				)
		}).
		OrderExpr("?TableAlias.last_synced_at ASC NULLS FIRST").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]core.Connection, 0, len(records))
	for _, record := range records {
		connection := record.toDomain()
		if !connectionDue(connection, now, defaultFrequency) {
			continue
		}
		out = append(out, connection)
	}
	return out, nil
}

// connectionDue re-applies the per-connection frequency in Go. The SQL
// predicate over-selects for connections with a custom frequency because
// the database cannot add a column to a timestamp portably.
func connectionDue(connection core.Connection, now time.Time, defaultFrequency time.Duration) bool {
	if connection.LastSyncedAt == nil {
		return true
	}
	frequency := connection.SyncFrequency
	if frequency <= 0 {
		frequency = defaultFrequency
	}
	if frequency <= 0 {
		frequency = 15 * time.Minute
	}
	return !connection.LastSyncedAt.Add(frequency).After(now)
}

func (s *ConnectionStore) UpdateStatus(ctx context.Context, id string, status core.ConnectionStatus, reason string) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return fmt.Errorf("sqlstore: connection id is required")
	}
	current, err := s.repo.GetByID(ctx, trimmedID)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", core.ErrConnectionNotFound, trimmedID)
		}
		return err
	}

	now := time.Now().UTC()
	connection := current.toDomain()
	if err := connection.TransitionTo(status, reason, now); err != nil {
		return err
	}
	current.Status = string(connection.Status)
	current.StatusReason = connection.StatusReason
	current.UpdatedAt = now

	_, err = s.repo.Update(ctx, current, repository.UpdateByID(trimmedID))
	return err
}

// RecordSyncOutcome persists the result of one sync run. A zero syncedAt
// leaves last_synced_at untouched so a failed run does not shift the
// scheduling window.
func (s *ConnectionStore) RecordSyncOutcome(ctx context.Context, id string, syncedAt time.Time, failureCount int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return fmt.Errorf("sqlstore: connection id is required")
	}
	if failureCount < 0 {
		failureCount = 0
	}

	query := s.db.NewUpdate().
		Model((*connectionRecord)(nil)).
		Set("failure_count = ?", failureCount).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", trimmedID)
	if !syncedAt.IsZero() {
		query = query.Set("last_synced_at = ?", syncedAt.UTC())
	}

	result, err := query.Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffectedRow(result, core.ErrConnectionNotFound, trimmedID)
}

func (s *ConnectionStore) SetExternalAccount(ctx context.Context, id string, externalAccountID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return fmt.Errorf("sqlstore: connection id is required")
	}

	result, err := s.db.NewUpdate().
		Model((*connectionRecord)(nil)).
		Set("external_account_id = ?", strings.TrimSpace(externalAccountID)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", trimmedID).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: external account %s", core.ErrDuplicateConnection, strings.TrimSpace(externalAccountID))
		}
		return err
	}
	return requireAffectedRow(result, core.ErrConnectionNotFound, trimmedID)
}

func (s *ConnectionStore) SoftDelete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return fmt.Errorf("sqlstore: connection id is required")
	}

	result, err := s.db.NewUpdate().
		Model((*connectionRecord)(nil)).
		Set("deleted_at = ?", time.Now().UTC()).
		Where("id = ?", trimmedID).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffectedRow(result, core.ErrConnectionNotFound, trimmedID)
}

func requireAffectedRow(result sql.Result, notFound error, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
