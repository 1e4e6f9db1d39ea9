package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	secretProvider    SecretProvider
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	oauthStateStore   OAuthStateStore
	connectionLocker  ConnectionLocker
	refreshScheduler  RefreshBackoffScheduler
	rateLimitPolicy   RateLimitPolicy
	registry          Registry
	directoryResolver DirectoryResolver
	directorySource   DirectorySource
	connectionStore   ConnectionStore
	consentStore      ConsentStore
	credentialStore   CredentialStore
	syncCursorStore   SyncCursorStore
	transactionStore  TransactionStore
	syncLogStore      SyncLogStore
	directoryStore    DirectoryStore
	credentialCodec   CredentialCodec
	categorizer       Categorizer
	enqueuer          JobEnqueuer
	now               func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithSecretProvider(provider SecretProvider) Option {
	return func(b *serviceBuilder) {
		b.secretProvider = provider
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithOAuthStateStore(store OAuthStateStore) Option {
	return func(b *serviceBuilder) {
		b.oauthStateStore = store
	}
}

func WithConnectionLocker(locker ConnectionLocker) Option {
	return func(b *serviceBuilder) {
		b.connectionLocker = locker
	}
}

func WithRefreshBackoffScheduler(scheduler RefreshBackoffScheduler) Option {
	return func(b *serviceBuilder) {
		b.refreshScheduler = scheduler
	}
}

func WithRateLimitPolicy(policy RateLimitPolicy) Option {
	return func(b *serviceBuilder) {
		b.rateLimitPolicy = policy
	}
}

func WithProviderRegistry(registry Registry) Option {
	return func(b *serviceBuilder) {
		b.registry = registry
	}
}

func WithDirectoryResolver(resolver DirectoryResolver) Option {
	return func(b *serviceBuilder) {
		b.directoryResolver = resolver
	}
}

func WithDirectorySource(source DirectorySource) Option {
	return func(b *serviceBuilder) {
		b.directorySource = source
	}
}

func WithConnectionStore(store ConnectionStore) Option {
	return func(b *serviceBuilder) {
		b.connectionStore = store
	}
}

func WithConsentStore(store ConsentStore) Option {
	return func(b *serviceBuilder) {
		b.consentStore = store
	}
}

func WithCredentialStore(store CredentialStore) Option {
	return func(b *serviceBuilder) {
		b.credentialStore = store
	}
}

func WithSyncCursorStore(store SyncCursorStore) Option {
	return func(b *serviceBuilder) {
		b.syncCursorStore = store
	}
}

func WithTransactionStore(store TransactionStore) Option {
	return func(b *serviceBuilder) {
		b.transactionStore = store
	}
}

func WithSyncLogStore(store SyncLogStore) Option {
	return func(b *serviceBuilder) {
		b.syncLogStore = store
	}
}

func WithDirectoryStore(store DirectoryStore) Option {
	return func(b *serviceBuilder) {
		b.directoryStore = store
	}
}

func WithCredentialCodec(codec CredentialCodec) Option {
	return func(b *serviceBuilder) {
		b.credentialCodec = codec
	}
}

func WithCategorizer(categorizer Categorizer) Option {
	return func(b *serviceBuilder) {
		b.categorizer = categorizer
	}
}

func WithJobEnqueuer(enqueuer JobEnqueuer) Option {
	return func(b *serviceBuilder) {
		b.enqueuer = enqueuer
	}
}

// WithNow overrides the clock, used by tests that pin token expiry and
// sync windows.
func WithNow(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

// defaultServiceBuilder leaves loggerProvider and logger nil so an
// injected logger is not shadowed by a pre-resolved nop provider;
// NewService falls back to the nop logger only when neither is set.
func defaultServiceBuilder(runtime Config) serviceBuilder {
	return serviceBuilder{
		runtimeConfig:   runtime,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		registry:        NewProviderRegistry(),
		credentialCodec: JSONCredentialCodec{},
		now:             time.Now,
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return serviceErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if includeZero || cfg.Directory.CacheTTL > 0 {
		layer["directory"] = map[string]any{
			"cache_ttl": cfg.Directory.CacheTTL,
		}
	}
	if includeZero || cfg.Consent.TTL > 0 || strings.TrimSpace(cfg.Consent.RedirectURI) != "" {
		layer["consent"] = map[string]any{
			"ttl":          cfg.Consent.TTL,
			"redirect_uri": cfg.Consent.RedirectURI,
		}
	}
	if includeZero || cfg.Token.RefreshLead > 0 || cfg.Token.LockTTL > 0 {
		layer["token"] = map[string]any{
			"refresh_lead": cfg.Token.RefreshLead,
			"lock_ttl":     cfg.Token.LockTTL,
		}
	}
	if includeZero || cfg.Sync != (SyncConfig{}) {
		layer["sync"] = map[string]any{
			"max_pages":            cfg.Sync.MaxPages,
			"page_size":            cfg.Sync.PageSize,
			"bootstrap_lookback":   cfg.Sync.BootstrapLookback,
			"incremental_lookback": cfg.Sync.IncrementalLookback,
			"default_frequency":    cfg.Sync.DefaultFrequency,
		}
	}
	if includeZero || cfg.Scheduler != (SchedulerConfig{}) {
		layer["scheduler"] = map[string]any{
			"planner_interval":  cfg.Scheduler.PlannerInterval,
			"workers":           cfg.Scheduler.Workers,
			"retry_initial":     cfg.Scheduler.RetryInitial,
			"retry_max":         cfg.Scheduler.RetryMax,
			"max_attempts":      cfg.Scheduler.MaxAttempts,
			"breaker_threshold": cfg.Scheduler.BreakerThreshold,
			"breaker_cooldown":  cfg.Scheduler.BreakerCooldown,
		}
	}
	if includeZero || cfg.Categorize != (CategorizeConfig{}) {
		layer["categorize"] = map[string]any{
			"batch_size":    cfg.Categorize.BatchSize,
			"max_attempts":  cfg.Categorize.MaxAttempts,
			"retry_initial": cfg.Categorize.RetryInitial,
		}
	}
	return layer
}
