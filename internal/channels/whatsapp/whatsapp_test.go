package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/config"
)

// consumeInbound reads a message already sitting in msgBus's buffered
// inbound channel.
func consumeInbound(t *testing.T, msgBus *bus.MessageBus) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return msgBus.ConsumeInbound(ctx)
}

func newTestChannel(t *testing.T, cfg config.WhatsAppConfig) *Channel {
	t.Helper()
	ch, err := New(cfg, bus.NewMessageBus(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookHandlerPublishesInboundMessage(t *testing.T) {
	ch := newTestChannel(t, config.WhatsAppConfig{SendURL: "http://example.invalid/send"})
	ch.SetRunning(true)

	body, _ := json.Marshal(inboundWebhook{From: "15551234", Chat: "15551234", Content: "hi", ID: "m1"})
	req := httptest.NewRequest(http.MethodPost, "/hooks/whatsapp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ch.WebhookHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	msg, ok := consumeInbound(t, ch.Bus())
	if !ok {
		t.Fatal("expected an inbound message to be published")
	}
	if msg.Content != "hi" || msg.SenderID != "15551234" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestWebhookHandlerRejectsBadSignature(t *testing.T) {
	ch := newTestChannel(t, config.WhatsAppConfig{SendURL: "http://example.invalid/send", WebhookSecret: "s3cr3t"})

	body, _ := json.Marshal(inboundWebhook{From: "1", Content: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/hooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	ch.WebhookHandler()(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
}

func TestWebhookHandlerAcceptsValidSignature(t *testing.T) {
	secret := "s3cr3t"
	ch := newTestChannel(t, config.WhatsAppConfig{SendURL: "http://example.invalid/send", WebhookSecret: secret})
	ch.SetRunning(true)

	body, _ := json.Marshal(inboundWebhook{From: "1", Content: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/hooks/whatsapp", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, secret))
	rec := httptest.NewRecorder()
	ch.WebhookHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestWebhookHandlerGroupChatIDMarksGroupPeerKind(t *testing.T) {
	ch := newTestChannel(t, config.WhatsAppConfig{SendURL: "http://example.invalid/send"})
	ch.SetRunning(true)

	body, _ := json.Marshal(inboundWebhook{From: "1", Chat: "123@g.us", Content: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/hooks/whatsapp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ch.WebhookHandler()(rec, req)

	msg, ok := consumeInbound(t, ch.Bus())
	if !ok {
		t.Fatal("expected message")
	}
	if msg.PeerKind != "group" {
		t.Fatalf("expected group peer kind, got %q", msg.PeerKind)
	}
}

func TestSendPostsToSendURL(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := newTestChannel(t, config.WhatsAppConfig{SendURL: srv.URL})
	ch.SetRunning(true)

	if err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "123", Content: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotBody["to"] != "123" || gotBody["content"] != "hello" {
		t.Fatalf("unexpected sent body: %+v", gotBody)
	}
}
