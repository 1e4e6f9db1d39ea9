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

type ConsentStore struct {
	db   *bun.DB
	repo repository.Repository[*consentRecord]
}

func (s *ConsentStore) Create(ctx context.Context, in core.CreateConsentInput) (core.Consent, error) {
	if s == nil || s.repo == nil {
		return core.Consent{}, fmt.Errorf("sqlstore: consent store is not configured")
	}
	in.ConnectionID = strings.TrimSpace(in.ConnectionID)
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	if in.ConnectionID == "" {
		return core.Consent{}, fmt.Errorf("sqlstore: connection id is required")
	}
	if in.ProviderID == "" {
		return core.Consent{}, fmt.Errorf("sqlstore: provider id is required")
	}
	if strings.TrimSpace(string(in.Status)) == "" {
		in.Status = core.ConsentStatusRequested
	}

	record := newConsentRecord(in, time.Now().UTC())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Consent{}, err
	}
	return created.toDomain(), nil
}

func (s *ConsentStore) Get(ctx context.Context, id string) (core.Consent, error) {
	if s == nil || s.repo == nil {
		return core.Consent{}, fmt.Errorf("sqlstore: consent store is not configured")
	}
	record, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		if isNotFound(err) {
			return core.Consent{}, fmt.Errorf("%w: %s", core.ErrConsentNotFound, strings.TrimSpace(id))
		}
		return core.Consent{}, err
	}
	return record.toDomain(), nil
}

// GetOpenByConnection returns the latest consent still in requested or
// authorized status. A connection keeps at most one consent open.
func (s *ConsentStore) GetOpenByConnection(ctx context.Context, connectionID string) (core.Consent, error) {
	if s == nil || s.repo == nil {
		return core.Consent{}, fmt.Errorf("sqlstore: consent store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("connection_id", "=", strings.TrimSpace(connectionID)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.status IN (?)", bun.In([]string{
				string(core.ConsentStatusRequested),
				string(core.ConsentStatusAuthorized),
			}))
		}),
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Consent{}, err
	}
	if len(records) == 0 {
		return core.Consent{}, core.ErrConsentNotFound
	}
	return records[0].toDomain(), nil
}

func (s *ConsentStore) UpdateStatus(ctx context.Context, id string, status core.ConsentStatus) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: consent store is not configured")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return fmt.Errorf("sqlstore: consent id is required")
	}
	current, err := s.repo.GetByID(ctx, trimmedID)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", core.ErrConsentNotFound, trimmedID)
		}
		return err
	}

	now := time.Now().UTC()
	consent := current.toDomain()
	if err := consent.TransitionTo(status, now); err != nil {
		return err
	}
	current.Status = string(consent.Status)
	current.UpdatedAt = now

	_, err = s.repo.Update(ctx, current, repository.UpdateByID(trimmedID))
	return err
}

func (s *ConsentStore) SetProviderConsentID(ctx context.Context, id string, providerConsentID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: consent store is not configured")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return fmt.Errorf("sqlstore: consent id is required")
	}

	result, err := s.db.NewUpdate().
		Model((*consentRecord)(nil)).
		Set("provider_consent_id = ?", strings.TrimSpace(providerConsentID)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", trimmedID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffectedRow(result, core.ErrConsentNotFound, trimmedID)
}
