package banksync

import "github.com/caixadigital/banksync/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies
type OAuthStateStore = core.OAuthStateStore
type ConnectionLocker = core.ConnectionLocker
type RefreshBackoffScheduler = core.RefreshBackoffScheduler
type ConnectionStore = core.ConnectionStore
type ConsentStore = core.ConsentStore
type CredentialStore = core.CredentialStore
type SyncCursorStore = core.SyncCursorStore
type TransactionStore = core.TransactionStore
type SyncLogStore = core.SyncLogStore
type DirectoryStore = core.DirectoryStore

type ConnectRequest = core.ConnectRequest
type ReauthorizeRequest = core.ReauthorizeRequest

type CompleteAuthRequest = core.CompleteAuthRequest

type SyncRequest = core.SyncRequest
type SyncResult = core.SyncResult

var (
	WithLogger                  = core.WithLogger
	WithLoggerProvider          = core.WithLoggerProvider
	WithMetricsRecorder         = core.WithMetricsRecorder
	WithErrorFactory            = core.WithErrorFactory
	WithErrorMapper             = core.WithErrorMapper
	WithSecretProvider          = core.WithSecretProvider
	WithPersistenceClient       = core.WithPersistenceClient
	WithRepositoryFactory       = core.WithRepositoryFactory
	WithConfigProvider          = core.WithConfigProvider
	WithOptionsResolver         = core.WithOptionsResolver
	WithOAuthStateStore         = core.WithOAuthStateStore
	WithConnectionLocker        = core.WithConnectionLocker
	WithRefreshBackoffScheduler = core.WithRefreshBackoffScheduler
	WithRateLimitPolicy         = core.WithRateLimitPolicy
	WithProviderRegistry        = core.WithProviderRegistry
	WithDirectoryResolver       = core.WithDirectoryResolver
	WithDirectorySource         = core.WithDirectorySource
	WithConnectionStore         = core.WithConnectionStore
	WithConsentStore            = core.WithConsentStore
	WithCredentialStore         = core.WithCredentialStore
	WithSyncCursorStore         = core.WithSyncCursorStore
	WithTransactionStore        = core.WithTransactionStore
	WithSyncLogStore            = core.WithSyncLogStore
	WithDirectoryStore          = core.WithDirectoryStore
	WithCredentialCodec         = core.WithCredentialCodec
	WithCategorizer             = core.WithCategorizer
	WithJobEnqueuer             = core.WithJobEnqueuer
	WithNow                     = core.WithNow
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
