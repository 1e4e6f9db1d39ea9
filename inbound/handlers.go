package inbound

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/caixadigital/banksync/command"
	"github.com/caixadigital/banksync/core"
	goerrors "github.com/goliatone/go-errors"
)

// Webhook event types banks deliver. Unknown types are acknowledged and
// dropped so a provider adding event kinds does not start failing
// deliveries.
const (
	EventConsentRevoked      = "consent.revoked"
	EventTransactionsUpdated = "transactions.updated"
)

// RevokeExecutor and SyncExecutor are the command handlers the webhook
// handler drives. command.RevokeCommand and command.TriggerSyncCommand
// satisfy them.
type RevokeExecutor interface {
	Execute(ctx context.Context, msg command.RevokeMessage) error
}

type SyncExecutor interface {
	Execute(ctx context.Context, msg command.TriggerSyncMessage) error
}

type CallbackExecutor interface {
	Execute(ctx context.Context, msg command.CompleteCallbackMessage) error
}

type webhookEvent struct {
	EventType    string `json:"event_type"`
	ConnectionID string `json:"connection_id"`
	ConsentID    string `json:"consent_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// WebhookHandler turns provider event notifications into commands:
// consent revocations tear the connection down, transaction events
// enqueue an incremental sync.
type WebhookHandler struct {
	revoke RevokeExecutor
	sync   SyncExecutor
}

func NewWebhookHandler(revoke RevokeExecutor, sync SyncExecutor) *WebhookHandler {
	return &WebhookHandler{revoke: revoke, sync: sync}
}

func (h *WebhookHandler) Surface() string { return SurfaceWebhook }

func (h *WebhookHandler) Handle(ctx context.Context, req Request) (Result, error) {
	if h == nil {
		return Result{}, inboundInternal("inbound: webhook handler is nil", nil)
	}
	var event webhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return Result{}, inboundWrapError(
			err,
			goerrors.CategoryBadInput,
			"inbound: decode webhook payload",
			http.StatusBadRequest,
			core.ServiceErrorBadInput,
			map[string]any{"provider_id": req.ProviderID},
		)
	}
	event.EventType = strings.TrimSpace(strings.ToLower(event.EventType))
	event.ConnectionID = strings.TrimSpace(event.ConnectionID)
	if event.ConnectionID == "" {
		return Result{}, inboundBadInput("inbound: webhook payload has no connection id", map[string]any{
			"provider_id": req.ProviderID,
			"event_type":  event.EventType,
		})
	}

	switch event.EventType {
	case EventConsentRevoked:
		if h.revoke == nil {
			return Result{}, inboundInternal("inbound: revoke executor not configured", nil)
		}
		reason := event.Reason
		if reason == "" {
			reason = "revoked_at_provider"
		}
		if err := h.revoke.Execute(ctx, command.RevokeMessage{
			ConnectionID: event.ConnectionID,
			Reason:       reason,
		}); err != nil {
			return Result{}, err
		}
		return Result{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Metadata: map[string]any{
				"event_type":    event.EventType,
				"connection_id": event.ConnectionID,
			},
		}, nil
	case EventTransactionsUpdated:
		if h.sync == nil {
			return Result{}, inboundInternal("inbound: sync executor not configured", nil)
		}
		if err := h.sync.Execute(ctx, command.TriggerSyncMessage{
			ConnectionID: event.ConnectionID,
			Manual:       false,
		}); err != nil {
			return Result{}, err
		}
		return Result{
			Accepted:   true,
			StatusCode: http.StatusAccepted,
			Metadata: map[string]any{
				"event_type":    event.EventType,
				"connection_id": event.ConnectionID,
			},
		}, nil
	default:
		return Result{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Metadata: map[string]any{
				"event_type": event.EventType,
				"ignored":    true,
			},
		}, nil
	}
}

type consentCallbackPayload struct {
	State string `json:"state"`
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
}

// ConsentCallbackHandler completes the authorization leg when the web
// tier relays the bank's redirect. The one-time state token is the only
// authentication a callback carries, so this surface runs without a
// signature verifier.
type ConsentCallbackHandler struct {
	callback CallbackExecutor
}

func NewConsentCallbackHandler(callback CallbackExecutor) *ConsentCallbackHandler {
	return &ConsentCallbackHandler{callback: callback}
}

func (h *ConsentCallbackHandler) Surface() string { return SurfaceConsentCallback }

func (h *ConsentCallbackHandler) Handle(ctx context.Context, req Request) (Result, error) {
	if h == nil || h.callback == nil {
		return Result{}, inboundInternal("inbound: callback executor not configured", nil)
	}
	payload := consentCallbackPayload{
		State: trimAny(metadataValue(req.Metadata, "state")),
		Code:  trimAny(metadataValue(req.Metadata, "code")),
		Error: trimAny(metadataValue(req.Metadata, "error")),
	}
	if payload.State == "" && len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &payload); err != nil {
			return Result{}, inboundWrapError(
				err,
				goerrors.CategoryBadInput,
				"inbound: decode consent callback payload",
				http.StatusBadRequest,
				core.ServiceErrorBadInput,
				map[string]any{"provider_id": req.ProviderID},
			)
		}
	}
	if strings.TrimSpace(payload.State) == "" {
		return Result{}, inboundBadInput("inbound: consent callback has no state", map[string]any{
			"provider_id": req.ProviderID,
		})
	}
	msg := command.CompleteCallbackMessage{}
	msg.Request.State = strings.TrimSpace(payload.State)
	msg.Request.Code = strings.TrimSpace(payload.Code)
	msg.Request.Error = strings.TrimSpace(payload.Error)
	if err := h.callback.Execute(ctx, msg); err != nil {
		return Result{}, err
	}
	return Result{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Metadata:   map[string]any{},
	}, nil
}

// HMACVerifier checks the hex-encoded HMAC-SHA256 of the raw body that
// webhook senders place in the signature header. Comparison is constant
// time.
type HMACVerifier struct {
	Secret []byte
	Header string
}

func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{Secret: secret, Header: "X-Webhook-Signature"}
}

func (v *HMACVerifier) Verify(_ context.Context, req Request) error {
	if v == nil || len(v.Secret) == 0 {
		return errors.New("inbound: hmac verifier has no secret")
	}
	header := v.Header
	if header == "" {
		header = "X-Webhook-Signature"
	}
	presented := headerValue(req.Headers, header)
	if presented == "" {
		return errors.New("inbound: signature header missing")
	}
	presented = strings.TrimPrefix(presented, "sha256=")
	decoded, err := hex.DecodeString(presented)
	if err != nil {
		return errors.New("inbound: signature is not valid hex")
	}
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(req.Body)
	if !hmac.Equal(decoded, mac.Sum(nil)) {
		return errors.New("inbound: signature mismatch")
	}
	return nil
}

func metadataValue(metadata map[string]any, key string) any {
	if metadata == nil {
		return nil
	}
	return metadata[key]
}
