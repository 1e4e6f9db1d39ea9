package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

var (
	ErrDirectoryUnavailable = errors.New("core: provider directory unavailable")
	ErrUnknownProvider      = errors.New("core: provider not registered in directory")
	ErrProviderUnavailable  = errors.New("core: provider unreachable")
	ErrConsentDenied        = errors.New("core: consent denied by account holder")
	ErrInvalidGrant         = errors.New("core: invalid_grant returned by token endpoint")
	ErrTokenExpired         = errors.New("core: refresh token no longer accepted")
	ErrRefreshFailed        = errors.New("core: token refresh failed")
	ErrDuplicateConnection  = errors.New("core: connection already exists for account")
	ErrSyncCursorConflict   = errors.New("core: sync cursor advanced concurrently")
	ErrOAuthStateInvalid    = errors.New("core: oauth callback state invalid or already used")
	ErrCircuitOpen          = errors.New("core: provider circuit open")
	ErrConnectionNotFound   = errors.New("core: connection not found")
	ErrCredentialNotFound   = errors.New("core: no active credential for connection")
	ErrConsentNotFound      = errors.New("core: consent not found")
)

const (
	ServiceErrorBadInput             = "BANKSYNC_BAD_INPUT"
	ServiceErrorDirectoryUnavailable = "BANKSYNC_DIRECTORY_UNAVAILABLE"
	ServiceErrorProviderNotFound     = "BANKSYNC_PROVIDER_NOT_FOUND"
	ServiceErrorProviderUnavailable  = "BANKSYNC_PROVIDER_UNAVAILABLE"
	ServiceErrorConsentDenied        = "BANKSYNC_CONSENT_DENIED"
	ServiceErrorInvalidGrant         = "BANKSYNC_INVALID_GRANT"
	ServiceErrorTokenExpired         = "BANKSYNC_TOKEN_EXPIRED"
	ServiceErrorRefreshFailed        = "BANKSYNC_REFRESH_FAILED"
	ServiceErrorInvalidTransition    = "BANKSYNC_INVALID_TRANSITION"
	ServiceErrorDuplicateConnection  = "BANKSYNC_DUPLICATE_CONNECTION"
	ServiceErrorCursorConflict       = "BANKSYNC_CURSOR_CONFLICT"
	ServiceErrorStateInvalid         = "BANKSYNC_STATE_INVALID"
	ServiceErrorCircuitOpen          = "BANKSYNC_CIRCUIT_OPEN"
	ServiceErrorRateLimited          = "BANKSYNC_RATE_LIMITED"
	ServiceErrorNotFound             = "BANKSYNC_NOT_FOUND"
	ServiceErrorPermissionDenied     = "BANKSYNC_PERMISSION_DENIED"
	ServiceErrorUnauthorized         = "BANKSYNC_UNAUTHORIZED"
	ServiceErrorConflict             = "BANKSYNC_CONFLICT"
	ServiceErrorOperationFailed      = "BANKSYNC_OPERATION_FAILED"
	ServiceErrorInternal             = "BANKSYNC_INTERNAL_ERROR"
)

// serviceErrorMapper normalizes every error leaving a service method into
// a rich error with a category, an HTTP status and a BANKSYNC text code.
func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrDirectoryUnavailable):
		return newServiceError(err.Error(), goerrors.CategoryExternal, ServiceErrorDirectoryUnavailable)
	case errors.Is(err, ErrUnknownProvider):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ServiceErrorProviderNotFound)
	case errors.Is(err, ErrProviderUnavailable):
		return newServiceError(err.Error(), goerrors.CategoryExternal, ServiceErrorProviderUnavailable)
	case errors.Is(err, ErrConsentDenied):
		return newServiceError(err.Error(), goerrors.CategoryAuth, ServiceErrorConsentDenied)
	case errors.Is(err, ErrInvalidGrant):
		return newServiceError(err.Error(), goerrors.CategoryAuth, ServiceErrorInvalidGrant)
	case errors.Is(err, ErrTokenExpired):
		return newServiceError(err.Error(), goerrors.CategoryAuth, ServiceErrorTokenExpired)
	case errors.Is(err, ErrRefreshFailed):
		return newServiceError(err.Error(), goerrors.CategoryExternal, ServiceErrorRefreshFailed)
	case errors.Is(err, ErrInvalidConnectionStatusTransition),
		errors.Is(err, ErrInvalidConsentStatusTransition),
		errors.Is(err, ErrInvalidCredentialStatusTransition),
		errors.Is(err, ErrInvalidSyncLogStatusTransition):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorInvalidTransition)
	case errors.Is(err, ErrDuplicateConnection):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorDuplicateConnection)
	case errors.Is(err, ErrSyncCursorConflict):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorCursorConflict)
	case errors.Is(err, ErrOAuthStateInvalid):
		return newServiceError(err.Error(), goerrors.CategoryAuth, ServiceErrorStateInvalid)
	case errors.Is(err, ErrCircuitOpen):
		return newServiceError(err.Error(), goerrors.CategoryRateLimit, ServiceErrorCircuitOpen)
	case errors.Is(err, ErrConnectionNotFound),
		errors.Is(err, ErrCredentialNotFound),
		errors.Is(err, ErrConsentNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, ServiceErrorNotFound)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newServiceError(err.Error(), goerrors.CategoryRateLimit, ServiceErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ServiceErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ServiceErrorBadInput
	case goerrors.CategoryNotFound:
		return ServiceErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ServiceErrorPermissionDenied
	case goerrors.CategoryConflict:
		return ServiceErrorCursorConflict
	case goerrors.CategoryRateLimit:
		return ServiceErrorRateLimited
	case goerrors.CategoryExternal:
		return ServiceErrorProviderUnavailable
	default:
		return ServiceErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
