package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// GetValidToken returns an access token valid for at least the refresh
// lead window. Stale tokens are refreshed behind the per-connection
// lock: concurrent callers block on Acquire and re-read after the
// in-flight refresh lands, so one expiry event costs one provider call.
func (s *Service) GetValidToken(ctx context.Context, connectionID string) (token AccessToken, err error) {
	startedAt := s.nowUTC()
	fields := map[string]any{
		"connection_id": connectionID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "get_valid_token", err, fields)
	}()

	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		err = s.mapError(fmt.Errorf("core: connection id is required"))
		return AccessToken{}, err
	}
	if s.credentialStore == nil {
		err = s.mapError(fmt.Errorf("core: credential store is not configured"))
		return AccessToken{}, err
	}

	active, state, err := s.loadActiveCredentialState(ctx, connectionID)
	if err != nil {
		err = s.mapError(err)
		return AccessToken{}, err
	}
	if !ShouldRefreshCredential(s.nowUTC(), state, s.config.Token.RefreshLead) {
		return accessTokenFromActive(active), nil
	}

	refreshed, err := s.refreshUnderLock(ctx, connectionID, false)
	if err != nil {
		return AccessToken{}, err
	}
	return accessTokenFromActive(refreshed.Credential), nil
}

// Refresh forces a token refresh regardless of remaining lifetime. Used
// by the manual refresh command.
func (s *Service) Refresh(ctx context.Context, connectionID string) (result RefreshResult, err error) {
	startedAt := s.nowUTC()
	fields := map[string]any{
		"connection_id": connectionID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "refresh", err, fields)
	}()

	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		err = s.mapError(fmt.Errorf("core: connection id is required"))
		return RefreshResult{}, err
	}
	result, err = s.refreshUnderLock(ctx, connectionID, true)
	return result, err
}

func (s *Service) refreshUnderLock(ctx context.Context, connectionID string, force bool) (RefreshResult, error) {
	lockTTL := s.config.Token.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultRefreshLockTTL
	}

	unlock := func() {}
	if s.connectionLocker != nil {
		handle, lockErr := s.connectionLocker.Acquire(ctx, connectionID, lockTTL)
		if lockErr != nil {
			return RefreshResult{}, s.mapError(lockErr)
		}
		unlock = func() {
			_ = handle.Unlock(ctx)
		}
	}
	defer unlock()

	// Double-checked re-read: an earlier flight holding the lock may
	// already have rotated the credential.
	active, state, err := s.loadActiveCredentialState(ctx, connectionID)
	if err != nil {
		return RefreshResult{}, s.mapError(err)
	}
	if !force && !ShouldRefreshCredential(s.nowUTC(), state, s.config.Token.RefreshLead) {
		return RefreshResult{Credential: active}, nil
	}

	if !state.CanAutoRefresh {
		failure := fmt.Errorf("%w: credential is not refreshable", ErrTokenExpired)
		s.recordRefreshFailure(ctx, connectionID, failure)
		return RefreshResult{}, s.mapError(failure)
	}

	connection := Connection{}
	if s.connectionStore != nil {
		connection, err = s.connectionStore.Get(ctx, connectionID)
		if err != nil {
			return RefreshResult{}, s.mapError(err)
		}
	}
	entry, err := s.resolveDirectoryEntry(ctx, connection.ProviderID)
	if err != nil {
		return RefreshResult{}, s.mapError(err)
	}
	provider, err := s.resolveProvider(entry)
	if err != nil {
		return RefreshResult{}, err
	}

	result, err := provider.RefreshToken(ctx, entry, active)
	if err != nil {
		if isUnrecoverableRefreshError(err) {
			s.recordRefreshFailure(ctx, connectionID, err)
			return RefreshResult{}, s.mapError(err)
		}
		return RefreshResult{}, s.mapError(fmt.Errorf("%w: %v", ErrRefreshFailed, err))
	}

	rotated := result.Credential
	rotated.ConnectionID = connectionID
	if strings.TrimSpace(rotated.RefreshToken) == "" {
		// Providers that do not rotate refresh tokens keep the old one.
		rotated.RefreshToken = active.RefreshToken
		rotated.Refreshable = active.Refreshable
	}

	input, err := s.sealCredential(ctx, rotated)
	if err != nil {
		return RefreshResult{}, s.mapError(err)
	}
	if _, err = s.credentialStore.Rotate(ctx, input, "token refreshed"); err != nil {
		return RefreshResult{}, s.mapError(err)
	}

	if s.connectionStore != nil && connection.Status == ConnectionStatusTokenExpired {
		_ = s.transitionConnection(ctx, &connection, ConnectionStatusActive, "")
	}

	s.logInfo(ctx, "credential rotated", map[string]any{
		"connection_id":     connectionID,
		"provider_id":       connection.ProviderID,
		"token_fingerprint": TokenFingerprint(rotated.AccessToken),
	})

	result.Credential = rotated
	return result, nil
}

func (s *Service) loadActiveCredentialState(ctx context.Context, connectionID string) (ActiveCredential, CredentialTokenState, error) {
	stored, err := s.credentialStore.GetActiveByConnection(ctx, connectionID)
	if err != nil {
		return ActiveCredential{}, CredentialTokenState{}, err
	}
	active, err := s.unsealCredential(ctx, stored)
	if err != nil {
		return ActiveCredential{}, CredentialTokenState{}, err
	}
	state := ResolveCredentialTokenState(s.nowUTC(), active, s.config.Token.RefreshLead)
	return active, state, nil
}

// recordRefreshFailure bumps the failure counter and moves the
// connection toward token_expired so the scheduler stops retrying a
// dead credential.
func (s *Service) recordRefreshFailure(ctx context.Context, connectionID string, cause error) {
	if s == nil || s.connectionStore == nil {
		return
	}
	connection, err := s.connectionStore.Get(ctx, connectionID)
	if err != nil {
		return
	}
	_ = s.connectionStore.RecordSyncOutcome(ctx, connectionID, time.Time{}, connection.FailureCount+1)

	reason := "token refresh failed"
	if cause != nil {
		reason = strings.TrimSpace(cause.Error())
	}
	if connection.Status == ConnectionStatusActive {
		_ = s.transitionConnection(ctx, &connection, ConnectionStatusTokenExpired, reason)
	}
}

func accessTokenFromActive(active ActiveCredential) AccessToken {
	return AccessToken{
		Token:     active.AccessToken,
		TokenType: active.TokenType,
		ExpiresAt: cloneTimePointer(active.ExpiresAt),
	}
}

func isUnrecoverableRefreshError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidGrant) || errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrConsentDenied) {
		return true
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryAuth, goerrors.CategoryAuthz, goerrors.CategoryValidation, goerrors.CategoryNotFound:
			return true
		}
		switch strings.TrimSpace(strings.ToUpper(richErr.TextCode)) {
		case ServiceErrorInvalidGrant, ServiceErrorTokenExpired, ServiceErrorConsentDenied:
			return true
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "invalid refresh token") ||
		strings.Contains(msg, "reauthorization required")
}
