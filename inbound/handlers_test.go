package inbound

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/caixadigital/banksync/command"
)

type recordingRevoke struct {
	messages []command.RevokeMessage
	err      error
}

func (r *recordingRevoke) Execute(_ context.Context, msg command.RevokeMessage) error {
	r.messages = append(r.messages, msg)
	return r.err
}

type recordingSync struct {
	messages []command.TriggerSyncMessage
	err      error
}

func (r *recordingSync) Execute(_ context.Context, msg command.TriggerSyncMessage) error {
	r.messages = append(r.messages, msg)
	return r.err
}

type recordingCallback struct {
	messages []command.CompleteCallbackMessage
	err      error
}

func (r *recordingCallback) Execute(_ context.Context, msg command.CompleteCallbackMessage) error {
	r.messages = append(r.messages, msg)
	return r.err
}

func TestWebhookHandler_ConsentRevokedDispatchesRevoke(t *testing.T) {
	revoke := &recordingRevoke{}
	syncExec := &recordingSync{}
	handler := NewWebhookHandler(revoke, syncExec)

	result, err := handler.Handle(context.Background(), Request{
		ProviderID: "341",
		Surface:    SurfaceWebhook,
		Body:       []byte(`{"event_type":"consent.revoked","connection_id":"conn_1","reason":"user_request"}`),
	})
	if err != nil {
		t.Fatalf("handle consent revocation: %v", err)
	}
	if !result.Accepted || result.StatusCode != http.StatusOK {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(revoke.messages) != 1 {
		t.Fatalf("expected one revoke dispatch, got %d", len(revoke.messages))
	}
	if revoke.messages[0].ConnectionID != "conn_1" || revoke.messages[0].Reason != "user_request" {
		t.Fatalf("unexpected revoke message %+v", revoke.messages[0])
	}
	if len(syncExec.messages) != 0 {
		t.Fatalf("sync should not fire for revocation events")
	}
}

func TestWebhookHandler_RevocationWithoutReasonGetsDefault(t *testing.T) {
	revoke := &recordingRevoke{}
	handler := NewWebhookHandler(revoke, &recordingSync{})

	if _, err := handler.Handle(context.Background(), Request{
		ProviderID: "077",
		Body:       []byte(`{"event_type":"consent.revoked","connection_id":"conn_d"}`),
	}); err != nil {
		t.Fatalf("handle revocation: %v", err)
	}
	if revoke.messages[0].Reason != "revoked_at_provider" {
		t.Fatalf("expected default reason, got %q", revoke.messages[0].Reason)
	}
}

func TestWebhookHandler_TransactionsUpdatedEnqueuesSync(t *testing.T) {
	syncExec := &recordingSync{}
	handler := NewWebhookHandler(&recordingRevoke{}, syncExec)

	result, err := handler.Handle(context.Background(), Request{
		ProviderID: "260",
		Surface:    SurfaceWebhook,
		Body:       []byte(`{"event_type":"transactions.updated","connection_id":"conn_2"}`),
	})
	if err != nil {
		t.Fatalf("handle transaction event: %v", err)
	}
	if result.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", result.StatusCode)
	}
	if len(syncExec.messages) != 1 {
		t.Fatalf("expected one sync dispatch, got %d", len(syncExec.messages))
	}
	if syncExec.messages[0].ConnectionID != "conn_2" || syncExec.messages[0].Manual {
		t.Fatalf("unexpected sync message %+v", syncExec.messages[0])
	}
}

func TestWebhookHandler_UnknownEventAcknowledgedAndIgnored(t *testing.T) {
	revoke := &recordingRevoke{}
	syncExec := &recordingSync{}
	handler := NewWebhookHandler(revoke, syncExec)

	result, err := handler.Handle(context.Background(), Request{
		ProviderID: "341",
		Surface:    SurfaceWebhook,
		Body:       []byte(`{"event_type":"limits.changed","connection_id":"conn_3"}`),
	})
	if err != nil {
		t.Fatalf("handle unknown event: %v", err)
	}
	if ignored, _ := result.Metadata["ignored"].(bool); !ignored {
		t.Fatalf("expected unknown event marked ignored, got %+v", result.Metadata)
	}
	if len(revoke.messages) != 0 || len(syncExec.messages) != 0 {
		t.Fatalf("unknown event must not dispatch commands")
	}
}

func TestWebhookHandler_RejectsPayloadWithoutConnection(t *testing.T) {
	handler := NewWebhookHandler(&recordingRevoke{}, &recordingSync{})
	if _, err := handler.Handle(context.Background(), Request{
		ProviderID: "341",
		Body:       []byte(`{"event_type":"consent.revoked"}`),
	}); err == nil {
		t.Fatalf("expected missing connection id rejection")
	}
}

func TestConsentCallbackHandler_CompletesFromMetadata(t *testing.T) {
	callback := &recordingCallback{}
	handler := NewConsentCallbackHandler(callback)

	result, err := handler.Handle(context.Background(), Request{
		ProviderID: "341",
		Surface:    SurfaceConsentCallback,
		Metadata: map[string]any{
			"state": "st_abc",
			"code":  "authcode_1",
		},
	})
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected callback accepted")
	}
	if len(callback.messages) != 1 {
		t.Fatalf("expected one callback dispatch, got %d", len(callback.messages))
	}
	msg := callback.messages[0]
	if msg.Request.State != "st_abc" || msg.Request.Code != "authcode_1" {
		t.Fatalf("unexpected callback message %+v", msg)
	}
}

func TestConsentCallbackHandler_ParsesJSONBodyAndRequiresState(t *testing.T) {
	callback := &recordingCallback{}
	handler := NewConsentCallbackHandler(callback)

	if _, err := handler.Handle(context.Background(), Request{
		ProviderID: "260",
		Body:       []byte(`{"state":"st_json","error":"access_denied"}`),
	}); err != nil {
		t.Fatalf("handle body callback: %v", err)
	}
	if len(callback.messages) != 1 || callback.messages[0].Request.Error != "access_denied" {
		t.Fatalf("expected denial relayed, got %+v", callback.messages)
	}

	if _, err := handler.Handle(context.Background(), Request{
		ProviderID: "260",
		Body:       []byte(`{}`),
	}); err == nil {
		t.Fatalf("expected missing state rejection")
	}
}

func TestHMACVerifier(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte(`{"event_type":"transactions.updated","connection_id":"conn_9"}`)
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	verifier := NewHMACVerifier(secret)
	req := Request{
		ProviderID: "341",
		Body:       body,
		Headers:    map[string]string{"X-Webhook-Signature": "sha256=" + signature},
	}
	if err := verifier.Verify(context.Background(), req); err != nil {
		t.Fatalf("verify valid signature: %v", err)
	}

	req.Headers["X-Webhook-Signature"] = "sha256=" + hex.EncodeToString(make([]byte, sha256.Size))
	if err := verifier.Verify(context.Background(), req); err == nil {
		t.Fatalf("expected signature mismatch")
	}

	req.Headers = nil
	if err := verifier.Verify(context.Background(), req); err == nil {
		t.Fatalf("expected missing header rejection")
	}
}
