package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestServiceErrorMapper_AssignsStableCodes(t *testing.T) {
	cases := []struct {
		err      error
		textCode string
		category goerrors.Category
	}{
		{fmt.Errorf("%w: 999", ErrUnknownProvider), ServiceErrorProviderNotFound, goerrors.CategoryNotFound},
		{fmt.Errorf("%w: provider reported access_denied", ErrConsentDenied), ServiceErrorConsentDenied, goerrors.CategoryAuth},
		{fmt.Errorf("%w: consent expired before callback", ErrInvalidGrant), ServiceErrorInvalidGrant, goerrors.CategoryAuth},
		{fmt.Errorf("%w: credential is not refreshable", ErrTokenExpired), ServiceErrorTokenExpired, goerrors.CategoryAuth},
		{fmt.Errorf("%w: gateway timeout", ErrRefreshFailed), ServiceErrorRefreshFailed, goerrors.CategoryExternal},
		{fmt.Errorf("%w: account acct-1 already linked", ErrDuplicateConnection), ServiceErrorDuplicateConnection, goerrors.CategoryConflict},
		{fmt.Errorf("%w: expected \"p1\"", ErrSyncCursorConflict), ServiceErrorCursorConflict, goerrors.CategoryConflict},
		{fmt.Errorf("%w: state not found", ErrOAuthStateInvalid), ServiceErrorStateInvalid, goerrors.CategoryAuth},
		{fmt.Errorf("%w: provider 077", ErrCircuitOpen), ServiceErrorCircuitOpen, goerrors.CategoryRateLimit},
		{fmt.Errorf("%w: conn_9", ErrConnectionNotFound), ServiceErrorNotFound, goerrors.CategoryNotFound},
		{fmt.Errorf("%w: active -> init", ErrInvalidConnectionStatusTransition), ServiceErrorInvalidTransition, goerrors.CategoryConflict},
	}

	for _, tc := range cases {
		mapped := serviceErrorMapper(tc.err)
		if mapped == nil {
			t.Fatalf("expected mapped error for %v", tc.err)
		}
		if mapped.TextCode != tc.textCode {
			t.Fatalf("expected %q for %v, got %q", tc.textCode, tc.err, mapped.TextCode)
		}
		if mapped.Category != tc.category {
			t.Fatalf("expected category %q for %v, got %q", tc.category, tc.err, mapped.Category)
		}
		if mapped.Code == 0 {
			t.Fatalf("expected http status on mapped error for %v", tc.err)
		}
	}
}

func TestServiceErrorMapper_MessageHeuristics(t *testing.T) {
	mapped := serviceErrorMapper(stderrors.New("core: connection id is required"))
	if mapped.TextCode != ServiceErrorBadInput {
		t.Fatalf("expected bad input code, got %q", mapped.TextCode)
	}

	mapped = serviceErrorMapper(stderrors.New("provider rate limit exceeded"))
	if mapped.TextCode != ServiceErrorRateLimited {
		t.Fatalf("expected rate limited code, got %q", mapped.TextCode)
	}
}

func TestServiceErrorMapper_PreservesRichErrors(t *testing.T) {
	original := goerrors.New("bank unavailable", goerrors.CategoryExternal).
		WithTextCode(ServiceErrorProviderUnavailable)
	mapped := serviceErrorMapper(original)
	if mapped != original {
		t.Fatalf("expected rich error to pass through unchanged")
	}
	if mapped.Code == 0 {
		t.Fatalf("expected envelope to backfill http status")
	}
}

func TestServiceMethods_MapErrorsToStableServiceCodes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.Connect(ctx, ConnectRequest{ProviderID: "077"})
	if err == nil {
		t.Fatalf("expected company validation error")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected go-errors type, got %T", err)
	}
	if richErr.TextCode != ServiceErrorBadInput {
		t.Fatalf("expected bad input text code, got %q", richErr.TextCode)
	}

	_, err = env.svc.Connect(ctx, ConnectRequest{CompanyID: "comp_1", ProviderID: "999"})
	if err == nil {
		t.Fatalf("expected unknown provider error")
	}
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected go-errors type, got %T", err)
	}
	if richErr.TextCode != ServiceErrorProviderNotFound {
		t.Fatalf("expected provider not found code, got %q", richErr.TextCode)
	}

	_, err = env.svc.CompleteCallback(ctx, CompleteAuthRequest{State: "never-issued", Code: "abc"})
	if err == nil {
		t.Fatalf("expected oauth state error")
	}
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected go-errors type, got %T", err)
	}
	if richErr.TextCode != ServiceErrorStateInvalid {
		t.Fatalf("expected state invalid code, got %q", richErr.TextCode)
	}
}

func TestEnsureServiceErrorEnvelope_Defaults(t *testing.T) {
	err := ensureServiceErrorEnvelope(goerrors.New("", goerrors.CategoryInternal))
	if err.TextCode != ServiceErrorInternal {
		t.Fatalf("expected internal text code, got %q", err.TextCode)
	}
	if err.Message == "" {
		t.Fatalf("expected fallback message for internal errors")
	}
	if err.Code == 0 {
		t.Fatalf("expected http status to be backfilled")
	}
}
