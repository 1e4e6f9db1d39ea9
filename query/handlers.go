package query

import (
	"context"
	"time"

	"github.com/caixadigital/banksync/core"
)

type ConnectionReader interface {
	Get(ctx context.Context, id string) (core.Connection, error)
	ListByCompany(ctx context.Context, companyID string) ([]core.Connection, error)
}

type DirectoryReader interface {
	List(ctx context.Context) ([]core.ProviderDirectoryEntry, error)
}

type SyncCursorReader interface {
	LoadSyncCursor(ctx context.Context, connectionID string, stream string) (core.SyncCursor, error)
}

type SyncLogReader interface {
	ListByConnection(ctx context.Context, connectionID string, limit int) ([]core.SyncLog, error)
}

type TransactionReader interface {
	ListByConnection(ctx context.Context, connectionID string, from, to time.Time, limit int) ([]core.CanonicalTransaction, error)
}

type GetConnectionQuery struct {
	reader ConnectionReader
}

func NewGetConnectionQuery(reader ConnectionReader) *GetConnectionQuery {
	return &GetConnectionQuery{reader: reader}
}

func (q *GetConnectionQuery) Query(ctx context.Context, msg GetConnectionMessage) (core.Connection, error) {
	if q == nil || q.reader == nil {
		return core.Connection{}, queryDependencyError("query: connection reader is required")
	}
	return q.reader.Get(ctx, msg.ConnectionID)
}

type ListConnectionsQuery struct {
	reader ConnectionReader
}

func NewListConnectionsQuery(reader ConnectionReader) *ListConnectionsQuery {
	return &ListConnectionsQuery{reader: reader}
}

func (q *ListConnectionsQuery) Query(ctx context.Context, msg ListConnectionsMessage) ([]core.Connection, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: connection reader is required")
	}
	return q.reader.ListByCompany(ctx, msg.CompanyID)
}

type ListDirectoryQuery struct {
	reader DirectoryReader
}

func NewListDirectoryQuery(reader DirectoryReader) *ListDirectoryQuery {
	return &ListDirectoryQuery{reader: reader}
}

func (q *ListDirectoryQuery) Query(ctx context.Context, _ ListDirectoryMessage) ([]core.ProviderDirectoryEntry, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: directory reader is required")
	}
	return q.reader.List(ctx)
}

type LoadSyncCursorQuery struct {
	reader SyncCursorReader
}

func NewLoadSyncCursorQuery(reader SyncCursorReader) *LoadSyncCursorQuery {
	return &LoadSyncCursorQuery{reader: reader}
}

func (q *LoadSyncCursorQuery) Query(ctx context.Context, msg LoadSyncCursorMessage) (core.SyncCursor, error) {
	if q == nil || q.reader == nil {
		return core.SyncCursor{}, queryDependencyError("query: sync cursor reader is required")
	}
	return q.reader.LoadSyncCursor(ctx, msg.ConnectionID, msg.Stream)
}

type ListSyncLogsQuery struct {
	reader SyncLogReader
}

func NewListSyncLogsQuery(reader SyncLogReader) *ListSyncLogsQuery {
	return &ListSyncLogsQuery{reader: reader}
}

func (q *ListSyncLogsQuery) Query(ctx context.Context, msg ListSyncLogsMessage) ([]core.SyncLog, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: sync log reader is required")
	}
	return q.reader.ListByConnection(ctx, msg.ConnectionID, msg.Limit)
}

type ListTransactionsQuery struct {
	reader TransactionReader
}

func NewListTransactionsQuery(reader TransactionReader) *ListTransactionsQuery {
	return &ListTransactionsQuery{reader: reader}
}

func (q *ListTransactionsQuery) Query(ctx context.Context, msg ListTransactionsMessage) ([]core.CanonicalTransaction, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: transaction reader is required")
	}
	return q.reader.ListByConnection(ctx, msg.ConnectionID, msg.From, msg.To, msg.Limit)
}
