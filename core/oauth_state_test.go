package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryOAuthStateStore_ConsumeIsOneTime(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOAuthStateStore(0)

	record := OAuthStateRecord{
		State:        "state_a",
		ProviderID:   "077",
		CompanyID:    "comp_1",
		ConnectionID: "conn_1",
		CodeVerifier: "verifier-a",
	}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}

	consumed, err := store.Consume(ctx, "state_a")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if consumed.CodeVerifier != "verifier-a" || consumed.ConnectionID != "conn_1" {
		t.Fatalf("unexpected record: %+v", consumed)
	}
	if consumed.ExpiresAt.IsZero() {
		t.Fatalf("save must stamp a default expiry")
	}

	if _, err := store.Consume(ctx, "state_a"); !errors.Is(err, ErrOAuthStateInvalid) {
		t.Fatalf("replayed state must be invalid, got %v", err)
	}
}

func TestMemoryOAuthStateStore_ExpiredStateReturnsRecord(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store := NewMemoryOAuthStateStore(time.Minute, WithOAuthStateClock(clock.Now))

	if err := store.Save(ctx, OAuthStateRecord{
		State:     "state_stale",
		ConsentID: "cons_1",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	clock.Advance(2 * time.Minute)

	record, err := store.Consume(ctx, "state_stale")
	if !errors.Is(err, ErrOAuthStateInvalid) {
		t.Fatalf("expired state must be invalid, got %v", err)
	}
	if record.ConsentID != "cons_1" {
		t.Fatalf("expired consume must surface the linked consent, got %+v", record)
	}

	// The record is gone either way; a replay carries nothing back.
	record, err = store.Consume(ctx, "state_stale")
	if !errors.Is(err, ErrOAuthStateInvalid) || record.ConsentID != "" {
		t.Fatalf("replayed state must be invalid with no record, got %+v (%v)", record, err)
	}
}

func TestMemoryOAuthStateStore_ClockDrivesExpiryStamp(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store := NewMemoryOAuthStateStore(time.Minute, WithOAuthStateClock(clock.Now))

	if err := store.Save(ctx, OAuthStateRecord{State: "state_fresh"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	record, err := store.Consume(ctx, "state_fresh")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !record.ExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("expiry must be stamped from the injected clock, got %v", record.ExpiresAt)
	}
}

func TestMemoryOAuthStateStore_RejectsBlankState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOAuthStateStore(0)

	if err := store.Save(ctx, OAuthStateRecord{}); err == nil {
		t.Fatalf("expected error for blank state on save")
	}
	if _, err := store.Consume(ctx, "   "); !errors.Is(err, ErrOAuthStateInvalid) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestGenerateOAuthState_UniqueAndURLSafe(t *testing.T) {
	a, err := generateOAuthState()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := generateOAuthState()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a == b {
		t.Fatalf("states must be unique")
	}
	for _, ch := range a {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			t.Fatalf("state %q is not URL safe", a)
		}
	}
}
