package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caixadigital/banksync/core"
)

type stubConnectionReader struct {
	getFn  func(context.Context, string) (core.Connection, error)
	listFn func(context.Context, string) ([]core.Connection, error)
}

func (s stubConnectionReader) Get(ctx context.Context, id string) (core.Connection, error) {
	return s.getFn(ctx, id)
}

func (s stubConnectionReader) ListByCompany(ctx context.Context, companyID string) ([]core.Connection, error) {
	return s.listFn(ctx, companyID)
}

type stubDirectoryReader struct {
	entries []core.ProviderDirectoryEntry
	err     error
}

func (s stubDirectoryReader) List(context.Context) ([]core.ProviderDirectoryEntry, error) {
	return s.entries, s.err
}

type stubSyncCursorReader struct {
	cursor core.SyncCursor
	err    error
}

func (s stubSyncCursorReader) LoadSyncCursor(_ context.Context, connectionID string, stream string) (core.SyncCursor, error) {
	if s.err != nil {
		return core.SyncCursor{}, s.err
	}
	cursor := s.cursor
	cursor.ConnectionID = connectionID
	cursor.Stream = stream
	return cursor, nil
}

type stubSyncLogReader struct {
	logs []core.SyncLog
}

func (s stubSyncLogReader) ListByConnection(_ context.Context, _ string, limit int) ([]core.SyncLog, error) {
	if limit > 0 && limit < len(s.logs) {
		return s.logs[:limit], nil
	}
	return s.logs, nil
}

type stubTransactionReader struct {
	lastFrom time.Time
	lastTo   time.Time
	txns     []core.CanonicalTransaction
}

func (s *stubTransactionReader) ListByConnection(_ context.Context, _ string, from, to time.Time, _ int) ([]core.CanonicalTransaction, error) {
	s.lastFrom = from
	s.lastTo = to
	return s.txns, nil
}

func TestGetConnectionQuery_Delegates(t *testing.T) {
	reader := stubConnectionReader{
		getFn: func(_ context.Context, id string) (core.Connection, error) {
			if id != "conn_1" {
				t.Fatalf("expected conn_1, got %q", id)
			}
			return core.Connection{ID: id, Status: core.ConnectionStatusActive}, nil
		},
	}
	q := NewGetConnectionQuery(reader)
	out, err := q.Query(context.Background(), GetConnectionMessage{ConnectionID: "conn_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if out.ID != "conn_1" || out.Status != core.ConnectionStatusActive {
		t.Fatalf("unexpected connection: %#v", out)
	}
}

func TestGetConnectionQuery_SurfacesNotFound(t *testing.T) {
	reader := stubConnectionReader{
		getFn: func(context.Context, string) (core.Connection, error) {
			return core.Connection{}, core.ErrConnectionNotFound
		},
	}
	q := NewGetConnectionQuery(reader)
	_, err := q.Query(context.Background(), GetConnectionMessage{ConnectionID: "missing"})
	if !errors.Is(err, core.ErrConnectionNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestListConnectionsQuery_Delegates(t *testing.T) {
	reader := stubConnectionReader{
		listFn: func(_ context.Context, companyID string) ([]core.Connection, error) {
			if companyID != "cmp_1" {
				t.Fatalf("expected cmp_1, got %q", companyID)
			}
			return []core.Connection{{ID: "conn_1"}, {ID: "conn_2"}}, nil
		},
	}
	q := NewListConnectionsQuery(reader)
	out, err := q.Query(context.Background(), ListConnectionsMessage{CompanyID: "cmp_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(out))
	}
}

func TestListDirectoryQuery_Delegates(t *testing.T) {
	reader := stubDirectoryReader{entries: []core.ProviderDirectoryEntry{
		{ProviderID: "077", DisplayName: "Banco Inter"},
		{ProviderID: "260", DisplayName: "Nubank"},
	}}
	q := NewListDirectoryQuery(reader)
	out, err := q.Query(context.Background(), ListDirectoryMessage{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 || out[0].ProviderID != "077" {
		t.Fatalf("unexpected directory: %#v", out)
	}
}

func TestLoadSyncCursorQuery_Delegates(t *testing.T) {
	q := NewLoadSyncCursorQuery(stubSyncCursorReader{cursor: core.SyncCursor{Cursor: "page_9"}})
	out, err := q.Query(context.Background(), LoadSyncCursorMessage{
		ConnectionID: "conn_1",
		Stream:       core.SyncStreamTransactions,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if out.Cursor != "page_9" || out.ConnectionID != "conn_1" {
		t.Fatalf("unexpected cursor: %#v", out)
	}
}

func TestListSyncLogsQuery_AppliesLimit(t *testing.T) {
	q := NewListSyncLogsQuery(stubSyncLogReader{logs: []core.SyncLog{
		{ID: "log_1"}, {ID: "log_2"}, {ID: "log_3"},
	}})
	out, err := q.Query(context.Background(), ListSyncLogsMessage{ConnectionID: "conn_1", Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(out))
	}
}

func TestListTransactionsQuery_PassesWindow(t *testing.T) {
	reader := &stubTransactionReader{}
	q := NewListTransactionsQuery(reader)
	from := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if _, err := q.Query(context.Background(), ListTransactionsMessage{
		ConnectionID: "conn_1",
		From:         from,
		To:           to,
		Limit:        50,
	}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if !reader.lastFrom.Equal(from) || !reader.lastTo.Equal(to) {
		t.Fatalf("expected window passed through, got %s..%s", reader.lastFrom, reader.lastTo)
	}
}

func TestNilQueriesReturnDependencyErrors(t *testing.T) {
	var getQ *GetConnectionQuery
	if _, err := getQ.Query(context.Background(), GetConnectionMessage{ConnectionID: "x"}); err == nil {
		t.Fatalf("expected dependency error")
	}
	var dirQ *ListDirectoryQuery
	if _, err := dirQ.Query(context.Background(), ListDirectoryMessage{}); err == nil {
		t.Fatalf("expected dependency error")
	}
}
