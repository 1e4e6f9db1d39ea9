package core

import (
	"context"
	"fmt"
	"strings"
)

// LoadSyncCursor returns the persisted cursor for one connection stream.
func (s *Service) LoadSyncCursor(ctx context.Context, connectionID string, stream string) (SyncCursor, error) {
	if s == nil || s.syncCursorStore == nil {
		return SyncCursor{}, s.mapError(fmt.Errorf("core: sync cursor store is required"))
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = SyncStreamTransactions
	}
	return s.syncCursorStore.Get(ctx, strings.TrimSpace(connectionID), stream)
}

// AdvanceSyncCursor moves a cursor under optimistic concurrency; a stale
// ExpectedCursor surfaces as ErrSyncCursorConflict.
func (s *Service) AdvanceSyncCursor(ctx context.Context, in AdvanceSyncCursorInput) (SyncCursor, error) {
	if s == nil || s.syncCursorStore == nil {
		return SyncCursor{}, s.mapError(fmt.Errorf("core: sync cursor store is required"))
	}
	in.ConnectionID = strings.TrimSpace(in.ConnectionID)
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	in.Stream = strings.TrimSpace(in.Stream)
	if in.Stream == "" {
		in.Stream = SyncStreamTransactions
	}
	in.ExpectedCursor = strings.TrimSpace(in.ExpectedCursor)
	in.Cursor = strings.TrimSpace(in.Cursor)

	cursor, err := s.syncCursorStore.Advance(ctx, in)
	if err != nil {
		return SyncCursor{}, s.mapError(err)
	}
	return cursor, nil
}
