package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// newCorrelationID tags every provider call in a sync run so pages of
// the same run can be traced together on the provider side.
func newCorrelationID() string {
	return uuid.NewString()
}

// Sync runs one incremental synchronization for a connection: token
// check, windowing, page loop with per-page atomic commit + cursor
// advance, audit log, and async categorization handoff.
func (s *Service) Sync(ctx context.Context, req SyncRequest) (result SyncResult, err error) {
	startedAt := s.nowUTC()
	fields := map[string]any{
		"connection_id": req.ConnectionID,
		"trigger":       string(req.Trigger),
	}
	defer func() {
		fields["pages"] = result.Pages
		fields["committed"] = result.Committed
		fields["skipped_duplicates"] = result.SkippedDuplicates
		s.observeOperation(ctx, startedAt, "sync", err, fields)
	}()

	connectionID := strings.TrimSpace(req.ConnectionID)
	if connectionID == "" {
		err = s.mapError(fmt.Errorf("core: connection id is required"))
		return SyncResult{}, err
	}
	if s.connectionStore == nil || s.transactionStore == nil {
		err = s.mapError(fmt.Errorf("core: sync requires connection and transaction stores"))
		return SyncResult{}, err
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = SyncTriggerScheduled
	}

	connection, err := s.connectionStore.Get(ctx, connectionID)
	if err != nil {
		err = s.mapError(err)
		return SyncResult{}, err
	}
	fields["provider_id"] = connection.ProviderID
	if connection.Status != ConnectionStatusActive {
		err = s.mapError(fmt.Errorf(
			"%w: connection %s is %s, sync requires active",
			ErrInvalidConnectionStatusTransition, connectionID, connection.Status,
		))
		return SyncResult{}, err
	}

	entry, err := s.resolveDirectoryEntry(ctx, connection.ProviderID)
	if err != nil {
		err = s.mapError(err)
		return SyncResult{}, err
	}
	provider, err := s.resolveProvider(entry)
	if err != nil {
		return SyncResult{}, err
	}

	syncLog := SyncLog{
		ConnectionID: connectionID,
		Trigger:      trigger,
		Status:       SyncLogStatusRunning,
		StartedAt:    startedAt,
	}
	if s.syncLogStore != nil {
		syncLog, err = s.syncLogStore.Open(ctx, syncLog)
		if err != nil {
			err = s.mapError(err)
			return SyncResult{}, err
		}
	}
	result.SyncLogID = syncLog.ID

	runErr := s.runSyncPages(ctx, entry, provider, connection, req.MaxPages, &syncLog, &result)

	s.closeSyncLog(ctx, &syncLog, &result, runErr)
	s.recordConnectionSyncOutcome(ctx, connection, runErr)

	if runErr != nil {
		err = s.mapError(runErr)
		return result, err
	}

	s.dispatchCategorization(connectionID)
	return result, nil
}

func (s *Service) runSyncPages(
	ctx context.Context,
	entry ProviderDirectoryEntry,
	provider BankProvider,
	connection Connection,
	maxPagesOverride int,
	syncLog *SyncLog,
	result *SyncResult,
) error {
	token, err := s.GetValidToken(ctx, connection.ID)
	if err != nil {
		return err
	}

	cursor := SyncCursor{}
	if s.syncCursorStore != nil {
		cursor, _ = s.syncCursorStore.Get(ctx, connection.ID, SyncStreamTransactions)
	}

	now := s.nowUTC()
	from, to := s.syncWindow(connection, cursor, now)
	syncLog.WindowFrom = &from
	syncLog.WindowTo = &to

	maxPages := s.effectiveMaxPages(maxPagesOverride)

	currentCursor := cursor.Cursor
	rateKey := RateLimitKey{
		ProviderID:   entry.ProviderID,
		ConnectionID: connection.ID,
		BucketKey:    RateLimitBucketTransactions,
	}
	correlationID := newCorrelationID()

	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.rateLimitPolicy != nil {
			if err := s.rateLimitPolicy.BeforeCall(ctx, rateKey); err != nil {
				return err
			}
		}

		fetched, err := provider.FetchTransactions(ctx, FetchPageRequest{
			Directory:         entry,
			ExternalAccountID: connection.ExternalAccountID,
			Token:             token,
			Cursor:            currentCursor,
			From:              from,
			To:                to,
			PageSize:          s.config.Sync.PageSize,
			CorrelationID:     correlationID,
		})
		if s.rateLimitPolicy != nil {
			_ = s.rateLimitPolicy.AfterCall(ctx, rateKey, fetched.Meta)
		}
		if err != nil {
			return err
		}

		result.Pages++
		syncLog.PagesFetched = result.Pages
		result.Found += len(fetched.Transactions)
		syncLog.TransactionsFound = result.Found

		commitNow := s.nowUTC()
		normalized := make([]CanonicalTransaction, 0, len(fetched.Transactions))
		var lastBookedAt *time.Time
		for _, raw := range fetched.Transactions {
			canonical := normalizeTransaction(entry, connection.ID, raw, commitNow)
			normalized = append(normalized, canonical)
			booked := canonical.BookedAt
			if lastBookedAt == nil || booked.After(*lastBookedAt) {
				lastBookedAt = &booked
			}
		}

		committed, err := s.transactionStore.CommitPage(ctx, CommitPageInput{
			ConnectionID: connection.ID,
			Transactions: normalized,
			Cursor: AdvanceSyncCursorInput{
				ConnectionID:      connection.ID,
				ProviderID:        entry.ProviderID,
				Stream:            SyncStreamTransactions,
				ExpectedCursor:    currentCursor,
				Cursor:            fetched.NextCursor,
				LastTransactionAt: lastBookedAt,
			},
		})
		if err != nil {
			return err
		}

		result.Committed += committed.Inserted
		result.Amended += committed.Amended
		result.SkippedDuplicates += committed.SkippedDuplicates
		syncLog.TransactionsNew = result.Committed
		syncLog.Amended = result.Amended
		syncLog.SkippedDuplicates = result.SkippedDuplicates

		currentCursor = fetched.NextCursor
		result.NextCursor = currentCursor

		if !fetched.HasMore {
			return nil
		}
	}

	// Page limit reached with more data behind the cursor: partial run,
	// the next sync resumes from the committed position.
	result.Partial = true
	return nil
}

func (s *Service) syncWindow(connection Connection, cursor SyncCursor, now time.Time) (time.Time, time.Time) {
	if cursor.LastTransactionAt != nil {
		return cursor.LastTransactionAt.UTC(), now
	}
	lookback := s.config.Sync.BootstrapLookback
	if connection.LastSyncedAt != nil {
		lookback = s.config.Sync.IncrementalLookback
	}
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return now.Add(-lookback), now
}

func (s *Service) effectiveMaxPages(override int) int {
	if override > 0 {
		return override
	}
	if s.config.Sync.MaxPages > 0 {
		return s.config.Sync.MaxPages
	}
	return 20
}

func (s *Service) closeSyncLog(ctx context.Context, syncLog *SyncLog, result *SyncResult, runErr error) {
	if s == nil || syncLog == nil {
		return
	}
	status := SyncLogStatusCompleted
	switch {
	case runErr != nil:
		status = SyncLogStatusFailed
		mapped := s.errorMapper(runErr)
		if mapped != nil {
			syncLog.ErrorCode = mapped.TextCode
		}
		syncLog.ErrorMessage = truncateRunes(runErr.Error(), maxDescriptionRunes)
	case result != nil && result.Partial:
		status = SyncLogStatusPartial
	}
	_ = syncLog.TransitionTo(status, s.nowUTC())
	if s.syncLogStore != nil && syncLog.ID != "" {
		if closeErr := s.syncLogStore.Close(ctx, *syncLog); closeErr != nil {
			s.logWarn(ctx, "sync log close failed", map[string]any{
				"sync_log_id": syncLog.ID,
				"error":       closeErr.Error(),
			})
		}
	}
}

func (s *Service) recordConnectionSyncOutcome(ctx context.Context, connection Connection, runErr error) {
	if s == nil || s.connectionStore == nil {
		return
	}
	if runErr == nil {
		_ = s.connectionStore.RecordSyncOutcome(ctx, connection.ID, s.nowUTC(), 0)
		return
	}
	_ = s.connectionStore.RecordSyncOutcome(ctx, connection.ID, time.Time{}, connection.FailureCount+1)
}
