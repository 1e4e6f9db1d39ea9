package sqlstore

import "github.com/caixadigital/banksync/core"

var (
	_ core.ConnectionStore        = (*ConnectionStore)(nil)
	_ core.ConsentStore           = (*ConsentStore)(nil)
	_ core.CredentialStore        = (*CredentialStore)(nil)
	_ core.SyncCursorStore        = (*SyncCursorStore)(nil)
	_ core.TransactionStore       = (*TransactionStore)(nil)
	_ core.SyncLogStore           = (*SyncLogStore)(nil)
	_ core.DirectoryStore         = (*DirectoryStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
