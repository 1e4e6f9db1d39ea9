package inbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/caixadigital/banksync/core"
)

// Surfaces the dispatcher accepts. Webhooks are provider-initiated event
// notifications; consent callbacks are the browser redirect relayed by
// the web tier after the account holder finishes at the bank.
const (
	SurfaceWebhook         = "webhook"
	SurfaceConsentCallback = "consent_callback"
)

// Request is a provider-facing inbound delivery after the HTTP layer has
// read the body. Headers carry the raw header values the verifier and the
// idempotency extractor need; Metadata carries values the web tier already
// parsed (query params, path captures).
type Request struct {
	ProviderID string
	Surface    string
	Body       []byte
	Headers    map[string]string
	Metadata   map[string]any
}

// Result is what the HTTP layer turns into a response.
type Result struct {
	Accepted   bool
	StatusCode int
	Metadata   map[string]any
}

// Handler processes deliveries for one surface.
type Handler interface {
	Surface() string
	Handle(ctx context.Context, req Request) (Result, error)
}

// Verifier authenticates a delivery before any handler runs. Webhook
// verifiers check provider signatures; a nil verifier accepts everything,
// which is only appropriate behind the sandbox provider.
type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

// ClaimStore makes redelivered webhooks idempotent: the first Claim for a
// key wins, duplicates are acknowledged without re-running the handler,
// and Fail releases the key so the provider's retry can claim it again.
type ClaimStore interface {
	Claim(ctx context.Context, key string, lease time.Duration) (claimID string, accepted bool, err error)
	Complete(ctx context.Context, claimID string) error
	Fail(ctx context.Context, claimID string, cause error, retryAt time.Time) error
}

type IdempotencyKeyExtractor func(req Request) (string, error)

type Dispatcher struct {
	Verifier   Verifier
	Store      ClaimStore
	ExtractKey IdempotencyKeyExtractor
	KeyTTL     time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher(verifier Verifier, store ClaimStore) *Dispatcher {
	return &Dispatcher{
		Verifier:   verifier,
		Store:      store,
		ExtractKey: DefaultIdempotencyKeyExtractor,
		KeyTTL:     10 * time.Minute,
		handlers:   map[string]Handler{},
	}
}

func (d *Dispatcher) Register(handler Handler) error {
	if d == nil {
		return inboundInternal("inbound: dispatcher is nil", nil)
	}
	if handler == nil {
		return inboundBadInput("inbound: handler is nil", nil)
	}
	surface := normalizeSurface(handler.Surface())
	if !isSupportedSurface(surface) {
		return inboundBadInput(
			fmt.Sprintf("inbound: unsupported surface %q", surface),
			map[string]any{"surface": surface},
		)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[surface]; exists {
		return inboundError(
			fmt.Sprintf("inbound: handler already registered for surface %q", surface),
			goerrors.CategoryConflict,
			http.StatusConflict,
			core.ServiceErrorConflict,
			map[string]any{"surface": surface},
		)
	}
	d.handlers[surface] = handler
	return nil
}

// Dispatch authenticates the delivery, claims its idempotency key, and
// runs the surface's handler. A duplicate delivery is acknowledged
// without re-running the handler; a failed handler releases the claim
// so the provider's redelivery can try again.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if d == nil {
		return Result{}, inboundInternal("inbound: dispatcher is nil", nil)
	}
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.Surface = normalizeSurface(req.Surface)
	if req.ProviderID == "" {
		return Result{}, inboundBadInput("inbound: provider id is required", map[string]any{
			"surface": req.Surface,
		})
	}
	if !isSupportedSurface(req.Surface) {
		return Result{}, inboundBadInput(
			fmt.Sprintf("inbound: unsupported surface %q", req.Surface),
			req.tags(),
		)
	}
	if result, err := d.authenticate(ctx, req); err != nil {
		return result, err
	}

	claimID, deduped, err := d.claimDelivery(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if deduped {
		return Result{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Metadata: map[string]any{
				"provider_id": req.ProviderID,
				"surface":     req.Surface,
				"deduped":     true,
			},
		}, nil
	}

	handler := d.handlerFor(req.Surface)
	if handler == nil {
		return Result{}, inboundError(
			fmt.Sprintf("inbound: no handler registered for surface %q", req.Surface),
			goerrors.CategoryNotFound,
			http.StatusNotFound,
			core.ServiceErrorNotFound,
			req.tags(),
		)
	}

	result, err := handler.Handle(ctx, req)
	if err != nil {
		handlerErr := inboundWrapError(
			err,
			goerrors.CategoryOperation,
			"inbound: handler execution failed",
			http.StatusBadGateway,
			core.ServiceErrorOperationFailed,
			req.tags(),
		)
		return Result{}, d.releaseClaim(ctx, claimID, req, err, handlerErr)
	}
	if !result.Accepted || result.StatusCode >= http.StatusInternalServerError {
		retryErr := inboundError(
			fmt.Sprintf("inbound: handler returned retryable status %d", result.StatusCode),
			goerrors.CategoryOperation,
			http.StatusBadGateway,
			core.ServiceErrorOperationFailed,
			req.tagsWith("status_code", result.StatusCode),
		)
		return result, d.releaseClaim(ctx, claimID, req, retryErr, retryErr)
	}

	if d.Store != nil && claimID != "" {
		if err := d.Store.Complete(ctx, claimID); err != nil {
			return Result{}, inboundWrapError(
				err,
				goerrors.CategoryOperation,
				"inbound: complete idempotency claim",
				http.StatusInternalServerError,
				core.ServiceErrorOperationFailed,
				req.tagsWith("claim_id", claimID),
			)
		}
	}
	result.Metadata = ensureMetadata(result.Metadata)
	result.Metadata["provider_id"] = req.ProviderID
	result.Metadata["surface"] = req.Surface
	return result, nil
}

// authenticate runs the configured verifier. The rejected result carries
// enough metadata for the HTTP layer to answer 401 without consulting
// the error.
func (d *Dispatcher) authenticate(ctx context.Context, req Request) (Result, error) {
	if d.Verifier == nil {
		return Result{}, nil
	}
	if err := d.Verifier.Verify(ctx, req); err != nil {
		return Result{
				Accepted:   false,
				StatusCode: http.StatusUnauthorized,
				Metadata: map[string]any{
					"provider_id": req.ProviderID,
					"surface":     req.Surface,
					"rejected":    true,
				},
			}, inboundWrapError(
				err,
				goerrors.CategoryAuth,
				"inbound: request verification failed",
				http.StatusUnauthorized,
				core.ServiceErrorUnauthorized,
				req.tags(),
			)
	}
	return Result{}, nil
}

// claimDelivery claims the delivery's idempotency key. The claim is
// scoped to provider and surface so identical keys from different banks
// never collide.
func (d *Dispatcher) claimDelivery(ctx context.Context, req Request) (string, bool, error) {
	if d.Store == nil {
		return "", false, nil
	}
	extractor := d.ExtractKey
	if extractor == nil {
		extractor = DefaultIdempotencyKeyExtractor
	}
	key, err := extractor(req)
	if err != nil {
		return "", false, inboundWrapError(
			err,
			goerrors.CategoryBadInput,
			"inbound: resolve idempotency key",
			http.StatusBadRequest,
			core.ServiceErrorBadInput,
			req.tags(),
		)
	}
	claimID, accepted, err := d.Store.Claim(ctx, req.ProviderID+":"+req.Surface+":"+key, d.keyTTL())
	if err != nil {
		return "", false, inboundWrapError(
			err,
			goerrors.CategoryOperation,
			"inbound: idempotency claim failed",
			http.StatusInternalServerError,
			core.ServiceErrorOperationFailed,
			req.tagsWith("idempotency", key),
		)
	}
	return claimID, !accepted, nil
}

// releaseClaim marks the claim retry-ready and returns deliveryErr, or
// both errors when the release itself fails.
func (d *Dispatcher) releaseClaim(ctx context.Context, claimID string, req Request, cause error, deliveryErr error) error {
	if d.Store == nil || claimID == "" {
		return deliveryErr
	}
	if failErr := d.Store.Fail(ctx, claimID, cause, time.Time{}); failErr != nil {
		return errors.Join(
			deliveryErr,
			inboundWrapError(
				failErr,
				goerrors.CategoryOperation,
				"inbound: mark idempotency claim failed",
				http.StatusInternalServerError,
				core.ServiceErrorInternal,
				req.tagsWith("claim_id", claimID),
			),
		)
	}
	return deliveryErr
}

func (r Request) tags() map[string]any {
	return map[string]any{"provider_id": r.ProviderID, "surface": r.Surface}
}

func (r Request) tagsWith(key string, value any) map[string]any {
	tags := r.tags()
	tags[key] = value
	return tags
}

// DefaultIdempotencyKeyExtractor prefers an explicit idempotency key, then
// the delivery/event ids Open Finance webhooks carry, then the matching
// headers.
func DefaultIdempotencyKeyExtractor(req Request) (string, error) {
	for _, field := range []string{"idempotency_key", "delivery_id", "event_id"} {
		if value := trimAny(req.Metadata[field]); value != "" {
			return value, nil
		}
	}
	for _, header := range []string{"idempotency-key", "x-idempotency-key", "x-webhook-delivery-id"} {
		if value := headerValue(req.Headers, header); value != "" {
			return value, nil
		}
	}
	return "", inboundBadInput("inbound: idempotency key is required", req.tags())
}

type claimStatus string

const (
	claimStatusProcessing claimStatus = "processing"
	claimStatusRetryReady claimStatus = "retry_ready"
	claimStatusComplete   claimStatus = "complete"
)

type claimEntry struct {
	Key            string
	Status         claimStatus
	ClaimID        string
	Attempts       int
	KeyTTL         time.Duration
	LeaseExpiresAt time.Time
	RetryAt        time.Time
}

// held reports whether the entry still blocks a new claim: a completed
// delivery inside its dedup window, a processing delivery inside its
// lease, or a retry-ready delivery before its retry time.
func (e claimEntry) held(now time.Time) bool {
	switch e.Status {
	case claimStatusComplete:
		return !e.LeaseExpiresAt.IsZero() && now.Before(e.LeaseExpiresAt)
	case claimStatusProcessing:
		return now.Before(e.LeaseExpiresAt)
	case claimStatusRetryReady:
		return !e.RetryAt.IsZero() && now.Before(e.RetryAt)
	default:
		return false
	}
}

type InMemoryClaimStore struct {
	mu      sync.Mutex
	entries map[string]claimEntry
	claims  map[string]string
	nextID  int
	Now     func() time.Time
}

func NewInMemoryClaimStore() *InMemoryClaimStore {
	return &InMemoryClaimStore{
		entries: map[string]claimEntry{},
		claims:  map[string]string{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *InMemoryClaimStore) Claim(
	_ context.Context,
	key string,
	lease time.Duration,
) (string, bool, error) {
	if s == nil {
		return "", false, inboundInternal("inbound: idempotency store is nil", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, inboundBadInput("inbound: idempotency key is required", nil)
	}
	now := s.now()
	if lease <= 0 {
		lease = 10 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(now)

	entry, exists := s.entries[key]
	if exists && entry.held(now) {
		return "", false, nil
	}
	if entry.ClaimID != "" {
		delete(s.claims, entry.ClaimID)
	}

	claimID := s.nextClaimID()
	s.entries[key] = claimEntry{
		Key:            key,
		Status:         claimStatusProcessing,
		ClaimID:        claimID,
		Attempts:       entry.Attempts + 1,
		KeyTTL:         lease,
		LeaseExpiresAt: now.Add(lease),
	}
	s.claims[claimID] = key
	return claimID, true, nil
}

func (s *InMemoryClaimStore) Complete(_ context.Context, claimID string) error {
	if s == nil {
		return inboundInternal("inbound: idempotency store is nil", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, entry, ok, err := s.detachLocked(claimID)
	if err != nil || !ok {
		return err
	}
	ttl := entry.KeyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	entry.Status = claimStatusComplete
	entry.LeaseExpiresAt = s.now().Add(ttl)
	entry.RetryAt = time.Time{}
	s.entries[key] = entry
	return nil
}

func (s *InMemoryClaimStore) Fail(
	_ context.Context,
	claimID string,
	_ error,
	retryAt time.Time,
) error {
	if s == nil {
		return inboundInternal("inbound: idempotency store is nil", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, entry, ok, err := s.detachLocked(claimID)
	if err != nil || !ok {
		return err
	}
	if retryAt.IsZero() {
		retryAt = s.now()
	}
	entry.Status = claimStatusRetryReady
	entry.RetryAt = retryAt.UTC()
	entry.LeaseExpiresAt = time.Time{}
	s.entries[key] = entry
	return nil
}

// detachLocked resolves a claim id to its live entry and removes the
// claim mapping. A stale or unknown claim id is a no-op, not an error:
// the key may already be under a newer claim.
func (s *InMemoryClaimStore) detachLocked(claimID string) (string, claimEntry, bool, error) {
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return "", claimEntry{}, false, inboundBadInput("inbound: claim id is required", nil)
	}
	key, ok := s.claims[claimID]
	if !ok {
		return "", claimEntry{}, false, nil
	}
	delete(s.claims, claimID)
	entry, exists := s.entries[key]
	if !exists || entry.ClaimID != claimID || entry.Status != claimStatusProcessing {
		return "", claimEntry{}, false, nil
	}
	return key, entry, true, nil
}

func (s *InMemoryClaimStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *InMemoryClaimStore) nextClaimID() string {
	s.nextID++
	return fmt.Sprintf("claim_%d", s.nextID)
}

func (s *InMemoryClaimStore) evictExpiredLocked(now time.Time) {
	for key, entry := range s.entries {
		if entry.Status != claimStatusComplete {
			continue
		}
		if entry.LeaseExpiresAt.IsZero() || !now.Before(entry.LeaseExpiresAt) {
			if entry.ClaimID != "" {
				delete(s.claims, entry.ClaimID)
			}
			delete(s.entries, key)
		}
	}
}

func (d *Dispatcher) keyTTL() time.Duration {
	if d != nil && d.KeyTTL > 0 {
		return d.KeyTTL
	}
	return 10 * time.Minute
}

func (d *Dispatcher) handlerFor(surface string) Handler {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[normalizeSurface(surface)]
}

func normalizeSurface(surface string) string {
	return strings.TrimSpace(strings.ToLower(surface))
}

func isSupportedSurface(surface string) bool {
	switch normalizeSurface(surface) {
	case SurfaceWebhook, SurfaceConsentCallback:
		return true
	default:
		return false
	}
}

func trimAny(value any) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func ensureMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return metadata
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
