package banksync

import (
	"context"
	"fmt"

	bankscommand "github.com/caixadigital/banksync/command"
	"github.com/caixadigital/banksync/core"
	"github.com/caixadigital/banksync/inbound"
	banksquery "github.com/caixadigital/banksync/query"
)

// CommandQueryService is the surface the facade wires commands and queries
// against. *core.Service satisfies it.
type CommandQueryService interface {
	bankscommand.MutatingService
	banksquery.SyncCursorReader
}

type Commands struct {
	Connect          *bankscommand.ConnectCommand
	CompleteCallback *bankscommand.CompleteCallbackCommand
	Reauthorize      *bankscommand.ReauthorizeCommand
	Refresh          *bankscommand.RefreshCommand
	Revoke           *bankscommand.RevokeCommand
	TriggerSync      *bankscommand.TriggerSyncCommand
}

type Queries struct {
	GetConnection    *banksquery.GetConnectionQuery
	ListConnections  *banksquery.ListConnectionsQuery
	ListDirectory    *banksquery.ListDirectoryQuery
	LoadSyncCursor   *banksquery.LoadSyncCursorQuery
	ListSyncLogs     *banksquery.ListSyncLogsQuery
	ListTransactions *banksquery.ListTransactionsQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
	inbound  *inbound.Dispatcher
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	syncTrigger     bankscommand.SyncTriggerService
	connections     banksquery.ConnectionReader
	directory       banksquery.DirectoryReader
	syncLogs        banksquery.SyncLogReader
	transaction     banksquery.TransactionReader
	webhookVerifier inbound.Verifier
	webhookClaims   inbound.ClaimStore
}

// WithSyncTrigger wires the scheduler into the TriggerSync command. Without
// it the facade leaves Commands().TriggerSync nil.
func WithSyncTrigger(trigger bankscommand.SyncTriggerService) FacadeOption {
	return func(options *facadeOptions) {
		options.syncTrigger = trigger
	}
}

func WithConnectionReader(reader banksquery.ConnectionReader) FacadeOption {
	return func(options *facadeOptions) {
		options.connections = reader
	}
}

func WithDirectoryReader(reader banksquery.DirectoryReader) FacadeOption {
	return func(options *facadeOptions) {
		options.directory = reader
	}
}

func WithSyncLogReader(reader banksquery.SyncLogReader) FacadeOption {
	return func(options *facadeOptions) {
		options.syncLogs = reader
	}
}

func WithTransactionReader(reader banksquery.TransactionReader) FacadeOption {
	return func(options *facadeOptions) {
		options.transaction = reader
	}
}

// WithWebhookVerifier authenticates provider webhook deliveries before the
// inbound dispatcher runs a handler. Leave unset only behind the sandbox
// provider.
func WithWebhookVerifier(verifier inbound.Verifier) FacadeOption {
	return func(options *facadeOptions) {
		options.webhookVerifier = verifier
	}
}

// WithWebhookClaimStore overrides the in-memory idempotency store used to
// dedupe redelivered webhooks.
func WithWebhookClaimStore(store inbound.ClaimStore) FacadeOption {
	return func(options *facadeOptions) {
		options.webhookClaims = store
	}
}

// NewFacade builds the command/query handler set around a configured service.
// Read-side handlers default to the service's own stores; options override
// them for callers composing their own repositories.
func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("banksync: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	resolveDefaultReaders(service, &cfg)

	facade := &Facade{service: service}
	facade.commands = Commands{
		Connect:          bankscommand.NewConnectCommand(service),
		CompleteCallback: bankscommand.NewCompleteCallbackCommand(service),
		Reauthorize:      bankscommand.NewReauthorizeCommand(service),
		Refresh:          bankscommand.NewRefreshCommand(service),
		Revoke:           bankscommand.NewRevokeCommand(service),
	}
	if cfg.syncTrigger != nil {
		facade.commands.TriggerSync = bankscommand.NewTriggerSyncCommand(cfg.syncTrigger)
	}

	facade.queries = Queries{
		LoadSyncCursor: banksquery.NewLoadSyncCursorQuery(service),
	}
	if cfg.connections != nil {
		facade.queries.GetConnection = banksquery.NewGetConnectionQuery(cfg.connections)
		facade.queries.ListConnections = banksquery.NewListConnectionsQuery(cfg.connections)
	}
	if cfg.directory != nil {
		facade.queries.ListDirectory = banksquery.NewListDirectoryQuery(cfg.directory)
	}
	if cfg.syncLogs != nil {
		facade.queries.ListSyncLogs = banksquery.NewListSyncLogsQuery(cfg.syncLogs)
	}
	if cfg.transaction != nil {
		facade.queries.ListTransactions = banksquery.NewListTransactionsQuery(cfg.transaction)
	}

	if err := wireInbound(facade, service, &cfg); err != nil {
		return nil, err
	}

	return facade, nil
}

// syncRunner is the slice of the service the webhook surface falls back to
// when no scheduler is wired in.
type syncRunner interface {
	Sync(ctx context.Context, req core.SyncRequest) (core.SyncResult, error)
}

// directSyncExecutor runs the sync inline instead of enqueuing it.
type directSyncExecutor struct {
	runner syncRunner
}

func (e directSyncExecutor) Execute(ctx context.Context, msg bankscommand.TriggerSyncMessage) error {
	trigger := core.SyncTriggerScheduled
	if msg.Manual {
		trigger = core.SyncTriggerManual
	}
	_, err := e.runner.Sync(ctx, core.SyncRequest{
		ConnectionID: msg.ConnectionID,
		Trigger:      trigger,
	})
	return err
}

func wireInbound(facade *Facade, service CommandQueryService, cfg *facadeOptions) error {
	claims := cfg.webhookClaims
	if claims == nil {
		claims = inbound.NewInMemoryClaimStore()
	}
	dispatcher := inbound.NewDispatcher(cfg.webhookVerifier, claims)

	var sync inbound.SyncExecutor
	if facade.commands.TriggerSync != nil {
		sync = facade.commands.TriggerSync
	} else if runner, ok := service.(syncRunner); ok {
		sync = directSyncExecutor{runner: runner}
	}
	if err := dispatcher.Register(inbound.NewWebhookHandler(facade.commands.Revoke, sync)); err != nil {
		return err
	}
	if err := dispatcher.Register(inbound.NewConsentCallbackHandler(facade.commands.CompleteCallback)); err != nil {
		return err
	}
	facade.inbound = dispatcher
	return nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

// Inbound is the provider-facing delivery surface: webhook events and
// relayed consent callbacks, deduped and routed to the commands above.
func (f *Facade) Inbound() *inbound.Dispatcher {
	if f == nil {
		return nil
	}
	return f.inbound
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

func resolveDefaultReaders(service CommandQueryService, cfg *facadeOptions) {
	provider, ok := service.(interface {
		Dependencies() core.ServiceDependencies
	})
	if !ok {
		return
	}
	deps := provider.Dependencies()
	if cfg.connections == nil && deps.ConnectionStore != nil {
		cfg.connections = deps.ConnectionStore
	}
	if cfg.directory == nil && deps.DirectoryResolver != nil {
		cfg.directory = deps.DirectoryResolver
	}
	if cfg.syncLogs == nil && deps.SyncLogStore != nil {
		cfg.syncLogs = deps.SyncLogStore
	}
	if cfg.transaction == nil && deps.TransactionStore != nil {
		cfg.transaction = deps.TransactionStore
	}
}
