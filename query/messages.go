package query

import (
	"strings"
	"time"
)

const (
	TypeGetConnection    = "banksync.query.connection.get"
	TypeListConnections  = "banksync.query.connection.list"
	TypeListDirectory    = "banksync.query.directory.list"
	TypeLoadSyncCursor   = "banksync.query.sync_cursor.load"
	TypeListSyncLogs     = "banksync.query.sync_log.list"
	TypeListTransactions = "banksync.query.transactions.list"
)

type GetConnectionMessage struct {
	ConnectionID string
}

func (GetConnectionMessage) Type() string { return TypeGetConnection }

func (m GetConnectionMessage) Validate() error {
	if strings.TrimSpace(m.ConnectionID) == "" {
		return queryValidationError("connection_id", "connection id is required")
	}
	return nil
}

type ListConnectionsMessage struct {
	CompanyID string
}

func (ListConnectionsMessage) Type() string { return TypeListConnections }

func (m ListConnectionsMessage) Validate() error {
	if strings.TrimSpace(m.CompanyID) == "" {
		return queryValidationError("company_id", "company id is required")
	}
	return nil
}

type ListDirectoryMessage struct{}

func (ListDirectoryMessage) Type() string { return TypeListDirectory }

func (ListDirectoryMessage) Validate() error { return nil }

type LoadSyncCursorMessage struct {
	ConnectionID string
	Stream       string
}

func (LoadSyncCursorMessage) Type() string { return TypeLoadSyncCursor }

func (m LoadSyncCursorMessage) Validate() error {
	if strings.TrimSpace(m.ConnectionID) == "" {
		return queryValidationError("connection_id", "connection id is required")
	}
	return nil
}

type ListSyncLogsMessage struct {
	ConnectionID string
	Limit        int
}

func (ListSyncLogsMessage) Type() string { return TypeListSyncLogs }

func (m ListSyncLogsMessage) Validate() error {
	if strings.TrimSpace(m.ConnectionID) == "" {
		return queryValidationError("connection_id", "connection id is required")
	}
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}

type ListTransactionsMessage struct {
	ConnectionID string
	From         time.Time
	To           time.Time
	Limit        int
}

func (ListTransactionsMessage) Type() string { return TypeListTransactions }

func (m ListTransactionsMessage) Validate() error {
	if strings.TrimSpace(m.ConnectionID) == "" {
		return queryValidationError("connection_id", "connection id is required")
	}
	if !m.From.IsZero() && !m.To.IsZero() && m.To.Before(m.From) {
		return queryValidationError("to", "window end must not precede window start")
	}
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}
