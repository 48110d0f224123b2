package email

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/replbridge/internal/access"
	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/config"
	"github.com/nextlevelbuilder/replbridge/internal/state"
)

func newTestChannel(t *testing.T, cfg config.EmailProviderConfig, accessCtrl *access.Controller) *Channel {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	ch, err := New(cfg, bus.NewMessageBus(), accessCtrl, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func TestExtractAddress(t *testing.T) {
	cases := map[string]string{
		"Alice <alice@example.com>": "alice@example.com",
		"bob@example.com":           "bob@example.com",
		"  Bob <bob@example.com>  ": "bob@example.com",
	}
	for in, want := range cases {
		if got := extractAddress(in); got != want {
			t.Errorf("extractAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseRFC822(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\nSubject: Hi\r\n\r\nHello there\r\n"
	from, subject, body := parseRFC822(raw)
	if from != "Alice <alice@example.com>" {
		t.Errorf("from = %q", from)
	}
	if subject != "Hi" {
		t.Errorf("subject = %q", subject)
	}
	if body != "Hello there" {
		t.Errorf("body = %q", body)
	}
}

func TestEvaluateWithoutAccessControllerUsesAllowlist(t *testing.T) {
	ch := newTestChannel(t, config.EmailProviderConfig{AllowFrom: []string{"alice@example.com"}, DMPolicy: "allowlist"}, nil)

	if ch.evaluate("bob@example.com", "Bob", "hi") {
		t.Fatal("expected sender not on allowlist to be rejected")
	}
	if !ch.evaluate("alice@example.com", "Alice", "hi") {
		t.Fatal("expected allowlisted sender to be accepted")
	}
}

func TestEvaluateWithAccessControllerRequestsPairing(t *testing.T) {
	senders, err := state.NewSenderStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSenderStore: %v", err)
	}
	ctrl := access.NewController(senders, nil, nil)
	ch := newTestChannel(t, config.EmailProviderConfig{DMPolicy: "pairing"}, ctrl)

	if ch.evaluate("eve@example.com", "Eve", "hi") {
		t.Fatal("expected an unpaired sender to be rejected pending pairing")
	}
}

func TestHandleIncomingPublishesToBus(t *testing.T) {
	msgBus := bus.NewMessageBus()
	ch, err := New(config.EmailProviderConfig{Name: "p1"}, msgBus, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch.handleIncoming(IncomingMail{UID: "1", From: "alice@example.com", Subject: "Hi", Body: "hello"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a published inbound message")
	}
	if msg.Content != "hello" || msg.SenderID != "alice@example.com" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSendRequiresSMTPHost(t *testing.T) {
	ch := newTestChannel(t, config.EmailProviderConfig{}, nil)
	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "a@example.com", Content: "hi"})
	if err == nil {
		t.Fatal("expected an error when smtp_host is not configured")
	}
}
