package query

import (
	"github.com/caixadigital/banksync/core"

	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[GetConnectionMessage, core.Connection]                   = (*GetConnectionQuery)(nil)
	_ gocmd.Querier[ListConnectionsMessage, []core.Connection]               = (*ListConnectionsQuery)(nil)
	_ gocmd.Querier[ListDirectoryMessage, []core.ProviderDirectoryEntry]     = (*ListDirectoryQuery)(nil)
	_ gocmd.Querier[LoadSyncCursorMessage, core.SyncCursor]                  = (*LoadSyncCursorQuery)(nil)
	_ gocmd.Querier[ListSyncLogsMessage, []core.SyncLog]                     = (*ListSyncLogsQuery)(nil)
	_ gocmd.Querier[ListTransactionsMessage, []core.CanonicalTransaction]    = (*ListTransactionsQuery)(nil)
)
