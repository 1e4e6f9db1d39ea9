package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

const DefaultProviderProtocol = "openfinance"

type Service struct {
	config                  Config
	logger                  Logger
	loggerProvider          LoggerProvider
	metricsRecorder         MetricsRecorder
	errorFactory            ErrorFactory
	errorMapper             ErrorMapper
	secretProvider          SecretProvider
	persistenceClient       any
	repositoryFactory       any
	configProvider          ConfigProvider
	optionsResolver         OptionsResolver
	oauthStateStore         OAuthStateStore
	connectionLocker        ConnectionLocker
	refreshBackoffScheduler RefreshBackoffScheduler
	rateLimitPolicy         RateLimitPolicy
	registry                Registry
	directoryResolver       DirectoryResolver
	connectionStore         ConnectionStore
	consentStore            ConsentStore
	credentialStore         CredentialStore
	syncCursorStore         SyncCursorStore
	transactionStore        TransactionStore
	syncLogStore            SyncLogStore
	directoryStore          DirectoryStore
	credentialCodec         CredentialCodec
	categorizer             Categorizer
	enqueuer                JobEnqueuer
	now                     func() time.Time
}

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	SecretProvider    SecretProvider
	PersistenceClient any
	RepositoryFactory any
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	OAuthStateStore   OAuthStateStore
	ConnectionLocker  ConnectionLocker
	RefreshScheduler  RefreshBackoffScheduler
	RateLimitPolicy   RateLimitPolicy
	Registry          Registry
	DirectoryResolver DirectoryResolver
	ConnectionStore   ConnectionStore
	ConsentStore      ConsentStore
	CredentialStore   CredentialStore
	SyncCursorStore   SyncCursorStore
	TransactionStore  TransactionStore
	SyncLogStore      SyncLogStore
	DirectoryStore    DirectoryStore
	CredentialCodec   CredentialCodec
	Categorizer       Categorizer
	JobEnqueuer       JobEnqueuer
}

func NewService(cfg Config, options ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("banksync", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("banksync"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.registry == nil {
		builder.registry = NewProviderRegistry()
	}
	if builder.credentialCodec == nil {
		builder.credentialCodec = JSONCredentialCodec{}
	}
	if builder.connectionLocker == nil {
		builder.connectionLocker = NewMemoryConnectionLocker()
	}
	if builder.refreshScheduler == nil {
		builder.refreshScheduler = ExponentialBackoffScheduler{
			Initial: defaultRefreshInitialBackoff,
			Max:     defaultRefreshMaxBackoff,
		}
	}
	if builder.now == nil {
		builder.now = time.Now
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.oauthStateStore == nil {
		builder.oauthStateStore = NewMemoryOAuthStateStore(finalConfig.Consent.TTL, WithOAuthStateClock(builder.now))
	}

	if builder.repositoryFactory != nil {
		storeProvider, ok := builder.repositoryFactory.(StoreProvider)
		if !ok {
			if factory, isFactory := builder.repositoryFactory.(RepositoryStoreFactory); isFactory {
				built, buildErr := factory.BuildStores(builder.persistenceClient)
				if buildErr != nil {
					return nil, mapBuildError(builder.errorMapper, buildErr)
				}
				storeProvider = built
				ok = built != nil
			}
		}
		if ok && storeProvider != nil {
			if builder.connectionStore == nil {
				builder.connectionStore = storeProvider.ConnectionStore()
			}
			if builder.consentStore == nil {
				builder.consentStore = storeProvider.ConsentStore()
			}
			if builder.credentialStore == nil {
				builder.credentialStore = storeProvider.CredentialStore()
			}
			if builder.syncCursorStore == nil {
				builder.syncCursorStore = storeProvider.SyncCursorStore()
			}
			if builder.transactionStore == nil {
				builder.transactionStore = storeProvider.TransactionStore()
			}
			if builder.syncLogStore == nil {
				builder.syncLogStore = storeProvider.SyncLogStore()
			}
			if builder.directoryStore == nil {
				builder.directoryStore = storeProvider.DirectoryStore()
			}
		}
	}

	if builder.directoryResolver == nil {
		source := builder.directorySource
		if source == nil && builder.directoryStore != nil {
			source = builder.directoryStore
		}
		builder.directoryResolver = NewCachedDirectoryResolver(source, CachedDirectoryResolverOptions{
			TTL:    finalConfig.Directory.CacheTTL,
			Logger: logger,
			Now:    builder.now,
		})
	}

	return &Service{
		config:                  finalConfig,
		logger:                  logger,
		loggerProvider:          provider,
		metricsRecorder:         builder.metricsRecorder,
		errorFactory:            builder.errorFactory,
		errorMapper:             builder.errorMapper,
		secretProvider:          builder.secretProvider,
		persistenceClient:       builder.persistenceClient,
		repositoryFactory:       builder.repositoryFactory,
		configProvider:          builder.configProvider,
		optionsResolver:         builder.optionsResolver,
		oauthStateStore:         builder.oauthStateStore,
		connectionLocker:        builder.connectionLocker,
		refreshBackoffScheduler: builder.refreshScheduler,
		rateLimitPolicy:         builder.rateLimitPolicy,
		registry:                builder.registry,
		directoryResolver:       builder.directoryResolver,
		connectionStore:         builder.connectionStore,
		consentStore:            builder.consentStore,
		credentialStore:         builder.credentialStore,
		syncCursorStore:         builder.syncCursorStore,
		transactionStore:        builder.transactionStore,
		syncLogStore:            builder.syncLogStore,
		directoryStore:          builder.directoryStore,
		credentialCodec:         builder.credentialCodec,
		categorizer:             builder.categorizer,
		enqueuer:                builder.enqueuer,
		now:                     builder.now,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ErrorFactory:      s.errorFactory,
		ErrorMapper:       s.errorMapper,
		SecretProvider:    s.secretProvider,
		PersistenceClient: s.persistenceClient,
		RepositoryFactory: s.repositoryFactory,
		ConfigProvider:    s.configProvider,
		OptionsResolver:   s.optionsResolver,
		OAuthStateStore:   s.oauthStateStore,
		ConnectionLocker:  s.connectionLocker,
		RefreshScheduler:  s.refreshBackoffScheduler,
		RateLimitPolicy:   s.rateLimitPolicy,
		Registry:          s.registry,
		DirectoryResolver: s.directoryResolver,
		ConnectionStore:   s.connectionStore,
		ConsentStore:      s.consentStore,
		CredentialStore:   s.credentialStore,
		SyncCursorStore:   s.syncCursorStore,
		TransactionStore:  s.transactionStore,
		SyncLogStore:      s.syncLogStore,
		DirectoryStore:    s.directoryStore,
		CredentialCodec:   s.credentialCodec,
		Categorizer:       s.categorizer,
		JobEnqueuer:       s.enqueuer,
	}
}

// Connect starts the consent flow: directory lookup, state + PKCE,
// provider authorization URL, pending Consent and a consent_requested
// Connection.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (response BeginAuthResponse, err error) {
	startedAt := s.nowUTC()
	fields := map[string]any{
		"provider_id": req.ProviderID,
		"company_id":  req.CompanyID,
	}
	defer func() {
		if response.ConnectionID != "" {
			fields["connection_id"] = response.ConnectionID
		}
		s.observeOperation(ctx, startedAt, "connect", err, fields)
	}()

	companyID := strings.TrimSpace(req.CompanyID)
	if companyID == "" {
		err = s.mapError(fmt.Errorf("core: company id is required"))
		return BeginAuthResponse{}, err
	}

	entry, err := s.resolveDirectoryEntry(ctx, req.ProviderID)
	if err != nil {
		err = s.mapError(err)
		return BeginAuthResponse{}, err
	}
	if entry.RequiresAgencyAccount {
		if strings.TrimSpace(req.Agency) == "" || strings.TrimSpace(req.AccountNumber) == "" {
			wrapped := s.errorFactory(
				fmt.Sprintf("provider %q requires agency and account number", entry.ProviderID),
				goerrors.CategoryBadInput,
			).WithTextCode(ServiceErrorBadInput)
			err = s.mapError(wrapped.WithMetadata(map[string]any{"provider_id": entry.ProviderID}))
			return BeginAuthResponse{}, err
		}
	}

	connection := Connection{}
	if s.connectionStore != nil {
		connection, err = s.connectionStore.Create(ctx, CreateConnectionInput{
			CompanyID:     companyID,
			ProviderID:    entry.ProviderID,
			Agency:        strings.TrimSpace(req.Agency),
			AccountNumber: strings.TrimSpace(req.AccountNumber),
			Status:        ConnectionStatusConsentRequested,
		})
		if err != nil {
			err = s.mapError(err)
			return BeginAuthResponse{}, err
		}
	}

	response, err = s.beginConsentFlow(ctx, entry, connection, companyID, req.RequestedScopes, req.RedirectURI, req.Metadata)
	if err != nil {
		return BeginAuthResponse{}, err
	}
	return response, nil
}

func (s *Service) beginConsentFlow(
	ctx context.Context,
	entry ProviderDirectoryEntry,
	connection Connection,
	companyID string,
	requestedScopes []string,
	redirectURI string,
	metadata map[string]any,
) (BeginAuthResponse, error) {
	provider, err := s.resolveProvider(entry)
	if err != nil {
		return BeginAuthResponse{}, err
	}

	state, err := generateOAuthState()
	if err != nil {
		return BeginAuthResponse{}, s.mapError(err)
	}
	verifier, err := generatePKCEVerifier()
	if err != nil {
		return BeginAuthResponse{}, s.mapError(err)
	}

	redirectURI = strings.TrimSpace(redirectURI)
	if redirectURI == "" {
		redirectURI = strings.TrimSpace(s.config.Consent.RedirectURI)
	}

	begin, err := provider.BeginConsent(ctx, BeginConsentRequest{
		Directory:       entry,
		CompanyID:       companyID,
		RequestedScopes: append([]string(nil), requestedScopes...),
		RedirectURI:     redirectURI,
		State:           state,
		CodeChallenge:   pkceChallengeS256(verifier),
		Metadata:        copyAnyMap(metadata),
	})
	if err != nil {
		return BeginAuthResponse{}, s.mapError(err)
	}

	now := s.nowUTC()
	expiresAt := begin.ExpiresAt
	if expiresAt == nil && s.config.Consent.TTL > 0 {
		at := now.Add(s.config.Consent.TTL)
		expiresAt = &at
	}

	consent := Consent{}
	if s.consentStore != nil {
		consent, err = s.consentStore.Create(ctx, CreateConsentInput{
			ConnectionID:      connection.ID,
			ProviderID:        entry.ProviderID,
			ProviderConsentID: begin.ProviderConsentID,
			RequestedScopes:   append([]string(nil), requestedScopes...),
			Status:            ConsentStatusRequested,
			ExpiresAt:         expiresAt,
		})
		if err != nil {
			return BeginAuthResponse{}, s.mapError(err)
		}
	}

	if s.oauthStateStore != nil {
		saveErr := s.oauthStateStore.Save(ctx, OAuthStateRecord{
			State:        state,
			ProviderID:   entry.ProviderID,
			CompanyID:    companyID,
			ConnectionID: connection.ID,
			ConsentID:    consent.ID,
			RedirectURI:  redirectURI,
			CodeVerifier: verifier,
			Metadata:     copyAnyMap(metadata),
			CreatedAt:    now,
		})
		if saveErr != nil {
			return BeginAuthResponse{}, s.mapError(saveErr)
		}
	}

	return BeginAuthResponse{
		AuthorizationURL: begin.AuthorizationURL,
		State:            state,
		ConsentID:        consent.ID,
		ConnectionID:     connection.ID,
		ExpiresAt:        expiresAt,
	}, nil
}

// CompleteCallback consumes the one-time state, exchanges the code, and
// activates the connection once the first credential version is durable.
func (s *Service) CompleteCallback(ctx context.Context, req CompleteAuthRequest) (completion CallbackCompletion, err error) {
	startedAt := s.nowUTC()
	fields := map[string]any{}
	defer func() {
		if completion.Connection.ID != "" {
			fields["connection_id"] = completion.Connection.ID
			fields["provider_id"] = completion.Connection.ProviderID
		}
		s.observeOperation(ctx, startedAt, "complete_callback", err, fields)
	}()

	if s == nil || s.oauthStateStore == nil {
		err = s.mapError(fmt.Errorf("core: oauth state store is not configured"))
		return CallbackCompletion{}, err
	}

	record, err := s.oauthStateStore.Consume(ctx, req.State)
	if err != nil {
		// An expired state still names the consent it was minted for:
		// settle that consent and report the grant as unusable. A
		// replayed state carries no record and stays a state error.
		if record.ConsentID != "" {
			if s.consentStore != nil {
				if consent, getErr := s.consentStore.Get(ctx, record.ConsentID); getErr == nil {
					s.markConsentOutcome(ctx, &consent, ConsentStatusExpired)
				}
			}
			err = s.mapError(fmt.Errorf("%w: consent expired before callback", ErrInvalidGrant))
			return CallbackCompletion{}, err
		}
		err = s.mapError(err)
		return CallbackCompletion{}, err
	}
	fields["provider_id"] = record.ProviderID
	fields["company_id"] = record.CompanyID

	connection := Connection{}
	if s.connectionStore != nil && record.ConnectionID != "" {
		connection, err = s.connectionStore.Get(ctx, record.ConnectionID)
		if err != nil {
			err = s.mapError(err)
			return CallbackCompletion{}, err
		}
	}
	consent := Consent{}
	if s.consentStore != nil && record.ConsentID != "" {
		consent, err = s.consentStore.Get(ctx, record.ConsentID)
		if err != nil {
			err = s.mapError(err)
			return CallbackCompletion{}, err
		}
	}

	if deniedErr := callbackDenialError(req.Error); deniedErr != nil {
		s.markConsentOutcome(ctx, &consent, ConsentStatusDenied)
		s.transitionConnection(ctx, &connection, ConnectionStatusError, "consent_denied")
		err = s.mapError(deniedErr)
		return CallbackCompletion{}, err
	}
	if strings.TrimSpace(req.Code) == "" {
		err = s.mapError(fmt.Errorf("core: authorization code is required"))
		return CallbackCompletion{}, err
	}
	if consent.ID != "" && consent.ExpiresAt != nil && s.nowUTC().After(*consent.ExpiresAt) {
		s.markConsentOutcome(ctx, &consent, ConsentStatusExpired)
		err = s.mapError(fmt.Errorf("%w: consent expired before callback", ErrInvalidGrant))
		return CallbackCompletion{}, err
	}

	entry, err := s.resolveDirectoryEntry(ctx, record.ProviderID)
	if err != nil {
		err = s.mapError(err)
		return CallbackCompletion{}, err
	}
	provider, err := s.resolveProvider(entry)
	if err != nil {
		return CallbackCompletion{}, err
	}

	exchange, err := provider.ExchangeCode(ctx, ExchangeCodeRequest{
		Directory:    entry,
		Code:         req.Code,
		CodeVerifier: record.CodeVerifier,
		RedirectURI:  record.RedirectURI,
		Metadata:     copyAnyMap(req.Metadata),
	})
	if err != nil {
		err = s.mapError(err)
		return CallbackCompletion{}, err
	}

	externalAccountID := strings.TrimSpace(exchange.ExternalAccountID)
	if s.connectionStore != nil && externalAccountID != "" {
		existing, findErr := s.connectionStore.FindByAccount(ctx, record.CompanyID, entry.ProviderID, externalAccountID)
		if findErr == nil && existing.ID != "" && existing.ID != connection.ID && liveConnectionStatus(existing.Status) {
			err = s.mapError(fmt.Errorf("%w: account %s already linked", ErrDuplicateConnection, externalAccountID))
			return CallbackCompletion{}, err
		}
	}

	s.markConsentOutcome(ctx, &consent, ConsentStatusAuthorized)
	if err = s.transitionConnection(ctx, &connection, ConnectionStatusAuthorized, ""); err != nil {
		err = s.mapError(err)
		return CallbackCompletion{}, err
	}
	if s.connectionStore != nil && externalAccountID != "" && connection.ID != "" {
		if setErr := s.connectionStore.SetExternalAccount(ctx, connection.ID, externalAccountID); setErr != nil {
			err = s.mapError(setErr)
			return CallbackCompletion{}, err
		}
		connection.ExternalAccountID = externalAccountID
	}

	active := exchange.Credential
	active.ConnectionID = connection.ID
	credential := Credential{}
	if s.credentialStore != nil {
		input, sealErr := s.sealCredential(ctx, active)
		if sealErr != nil {
			err = s.mapError(sealErr)
			return CallbackCompletion{}, err
		}
		credential, err = s.credentialStore.SaveNewVersion(ctx, input)
		if err != nil {
			err = s.mapError(err)
			return CallbackCompletion{}, err
		}
	}

	// authorized -> active is automatic once the credential is durable.
	if err = s.transitionConnection(ctx, &connection, ConnectionStatusActive, ""); err != nil {
		err = s.mapError(err)
		return CallbackCompletion{}, err
	}

	completion = CallbackCompletion{
		Connection: connection,
		Consent:    consent,
		Credential: credential,
	}
	return completion, nil
}

// Reauthorize restarts consent for a token_expired or errored connection,
// reusing the scopes of its latest consent.
func (s *Service) Reauthorize(ctx context.Context, req ReauthorizeRequest) (response BeginAuthResponse, err error) {
	startedAt := s.nowUTC()
	fields := map[string]any{
		"connection_id": req.ConnectionID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "reauthorize", err, fields)
	}()

	if s == nil || s.connectionStore == nil {
		err = s.mapError(fmt.Errorf("core: connection store is required for reauthorization"))
		return BeginAuthResponse{}, err
	}
	connectionID := strings.TrimSpace(req.ConnectionID)
	if connectionID == "" {
		err = s.mapError(fmt.Errorf("core: connection id is required"))
		return BeginAuthResponse{}, err
	}

	connection, err := s.connectionStore.Get(ctx, connectionID)
	if err != nil {
		err = s.mapError(err)
		return BeginAuthResponse{}, err
	}
	fields["provider_id"] = connection.ProviderID

	scopes := []string{}
	if s.consentStore != nil {
		if latest, consentErr := s.consentStore.GetOpenByConnection(ctx, connectionID); consentErr == nil {
			scopes = append([]string(nil), latest.RequestedScopes...)
		}
	}

	if err = s.transitionConnection(ctx, &connection, ConnectionStatusConsentRequested, "reauthorization requested"); err != nil {
		err = s.mapError(err)
		return BeginAuthResponse{}, err
	}

	entry, err := s.resolveDirectoryEntry(ctx, connection.ProviderID)
	if err != nil {
		err = s.mapError(err)
		return BeginAuthResponse{}, err
	}
	response, err = s.beginConsentFlow(ctx, entry, connection, connection.CompanyID, scopes, req.RedirectURI, req.Metadata)
	if err != nil {
		return BeginAuthResponse{}, err
	}
	return response, nil
}

// Revoke tears a connection down: best-effort provider-side revocation,
// credential purge, consent and connection terminally revoked.
func (s *Service) Revoke(ctx context.Context, connectionID string, reason string) (err error) {
	startedAt := s.nowUTC()
	fields := map[string]any{
		"connection_id": connectionID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "revoke", err, fields)
	}()

	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		err = s.mapError(fmt.Errorf("core: connection id is required"))
		return err
	}

	connection := Connection{}
	if s.connectionStore != nil {
		connection, err = s.connectionStore.Get(ctx, connectionID)
		if err != nil {
			err = s.mapError(err)
			return err
		}
		fields["provider_id"] = connection.ProviderID
	}

	s.revokeAtProvider(ctx, connection, reason)

	if s.credentialStore != nil {
		if revokeErr := s.credentialStore.RevokeActive(ctx, connectionID, reason); revokeErr != nil && !errors.Is(revokeErr, ErrCredentialNotFound) {
			err = s.mapError(revokeErr)
			return err
		}
	}
	if s.consentStore != nil {
		if consent, consentErr := s.consentStore.GetOpenByConnection(ctx, connectionID); consentErr == nil && consent.ID != "" {
			_ = s.consentStore.UpdateStatus(ctx, consent.ID, ConsentStatusRevoked)
		}
	}
	if s.connectionStore != nil {
		if err = s.transitionConnection(ctx, &connection, ConnectionStatusRevoked, reason); err != nil {
			err = s.mapError(err)
			return err
		}
	}
	return nil
}

// revokeAtProvider is best effort: failures are logged, never surfaced.
func (s *Service) revokeAtProvider(ctx context.Context, connection Connection, reason string) {
	if s == nil || connection.ID == "" || strings.TrimSpace(connection.ProviderID) == "" {
		return
	}
	entry, err := s.resolveDirectoryEntry(ctx, connection.ProviderID)
	if err != nil {
		s.logWarn(ctx, "provider revoke skipped: directory lookup failed", map[string]any{
			"connection_id": connection.ID,
			"provider_id":   connection.ProviderID,
			"error":         err.Error(),
		})
		return
	}
	provider, err := s.resolveProvider(entry)
	if err != nil {
		return
	}

	var active *ActiveCredential
	if s.credentialStore != nil {
		if stored, credErr := s.credentialStore.GetActiveByConnection(ctx, connection.ID); credErr == nil {
			if decoded, decodeErr := s.unsealCredential(ctx, stored); decodeErr == nil {
				active = &decoded
			}
		}
	}
	providerConsentID := ""
	if s.consentStore != nil {
		if consent, consentErr := s.consentStore.GetOpenByConnection(ctx, connection.ID); consentErr == nil {
			providerConsentID = consent.ProviderConsentID
		}
	}

	if revokeErr := provider.RevokeConsent(ctx, RevokeConsentRequest{
		Directory:         entry,
		ProviderConsentID: providerConsentID,
		Credential:        active,
		Reason:            reason,
	}); revokeErr != nil {
		s.logWarn(ctx, "provider-side revocation failed", map[string]any{
			"connection_id": connection.ID,
			"provider_id":   connection.ProviderID,
			"error":         revokeErr.Error(),
		})
	}
}

func (s *Service) resolveDirectoryEntry(ctx context.Context, providerID string) (ProviderDirectoryEntry, error) {
	if s == nil || s.directoryResolver == nil {
		return ProviderDirectoryEntry{}, fmt.Errorf("core: directory resolver is not configured")
	}
	return s.directoryResolver.Resolve(ctx, providerID)
}

func (s *Service) resolveProvider(entry ProviderDirectoryEntry) (BankProvider, error) {
	if s == nil || s.registry == nil {
		return nil, s.mapError(fmt.Errorf("core: provider registry unavailable"))
	}
	protocol := strings.TrimSpace(entry.Protocol)
	if protocol == "" {
		protocol = DefaultProviderProtocol
	}
	provider, ok := s.registry.Get(protocol)
	if ok {
		return provider, nil
	}
	wrapped := s.errorFactory(
		fmt.Sprintf("no adapter registered for protocol %q", protocol),
		goerrors.CategoryNotFound,
	).WithTextCode(ServiceErrorProviderNotFound)
	return nil, wrapped.WithMetadata(map[string]any{"provider_id": entry.ProviderID, "protocol": protocol})
}

// transitionConnection validates the edge on the domain value, then
// persists the new status.
func (s *Service) transitionConnection(ctx context.Context, connection *Connection, status ConnectionStatus, reason string) error {
	if s == nil || connection == nil || connection.ID == "" {
		return nil
	}
	if err := connection.TransitionTo(status, reason, s.nowUTC()); err != nil {
		return err
	}
	if s.connectionStore == nil {
		return nil
	}
	return s.connectionStore.UpdateStatus(ctx, connection.ID, status, connection.StatusReason)
}

func (s *Service) markConsentOutcome(ctx context.Context, consent *Consent, status ConsentStatus) {
	if s == nil || consent == nil || consent.ID == "" || s.consentStore == nil {
		return
	}
	if err := consent.TransitionTo(status, s.nowUTC()); err != nil {
		return
	}
	_ = s.consentStore.UpdateStatus(ctx, consent.ID, status)
}

func (s *Service) sealCredential(ctx context.Context, active ActiveCredential) (SaveCredentialInput, error) {
	codec := s.credentialCodec
	if codec == nil {
		codec = JSONCredentialCodec{}
	}
	payload, err := codec.Encode(active)
	if err != nil {
		return SaveCredentialInput{}, err
	}
	if s.secretProvider != nil {
		payload, err = s.secretProvider.Encrypt(ctx, payload)
		if err != nil {
			return SaveCredentialInput{}, fmt.Errorf("core: seal credential payload: %w", err)
		}
	}
	return SaveCredentialInput{
		ConnectionID:     active.ConnectionID,
		EncryptedPayload: payload,
		PayloadFormat:    codec.Format(),
		PayloadVersion:   codec.Version(),
		TokenType:        active.TokenType,
		ExpiresAt:        cloneTimePointer(active.ExpiresAt),
		Refreshable:      active.Refreshable,
	}, nil
}

func (s *Service) unsealCredential(ctx context.Context, stored Credential) (ActiveCredential, error) {
	payload := stored.EncryptedPayload
	if s.secretProvider != nil {
		decrypted, err := s.secretProvider.Decrypt(ctx, payload)
		if err != nil {
			return ActiveCredential{}, fmt.Errorf("core: unseal credential payload: %w", err)
		}
		payload = decrypted
	}
	codec := s.credentialCodec
	if codec == nil {
		codec = JSONCredentialCodec{}
	}
	active, err := codec.Decode(payload)
	if err != nil {
		return ActiveCredential{}, err
	}
	if strings.TrimSpace(active.ConnectionID) == "" {
		active.ConnectionID = stored.ConnectionID
	}
	return active, nil
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) nowUTC() time.Time {
	if s == nil || s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func callbackDenialError(callbackError string) error {
	switch strings.ToLower(strings.TrimSpace(callbackError)) {
	case "":
		return nil
	case "access_denied", "consent_denied", "login_required":
		return fmt.Errorf("%w: provider reported %s", ErrConsentDenied, strings.TrimSpace(callbackError))
	default:
		return fmt.Errorf("%w: provider reported %s", ErrProviderUnavailable, strings.TrimSpace(callbackError))
	}
}

func liveConnectionStatus(status ConnectionStatus) bool {
	switch status {
	case ConnectionStatusRevoked:
		return false
	default:
		return true
	}
}
