package telegram

import (
	"testing"

	"github.com/nextlevelbuilder/replbridge/internal/access"
	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/config"
	"github.com/nextlevelbuilder/replbridge/internal/state"
)

func newTestChannel(t *testing.T, cfg config.TelegramConfig, accessCtrl *access.Controller) *Channel {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "123456:testTokenABCDEFghijklmnop"
	}
	ch, err := New(cfg, bus.NewMessageBus(), accessCtrl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("-100123456")
	if err != nil {
		t.Fatalf("parseChatID: %v", err)
	}
	if id != -100123456 {
		t.Fatalf("got %d", id)
	}
}

func TestEvaluateWithoutAccessControllerUsesAllowlist(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{AllowFrom: []string{"42"}, DMPolicy: "allowlist"}, nil)

	if ch.evaluate("1", "1|bob", "bob", "direct", "hi") {
		t.Fatal("expected sender not on allowlist to be rejected")
	}
	if !ch.evaluate("1", "42|alice", "alice", "direct", "hi") {
		t.Fatal("expected allowlisted sender to be accepted")
	}
}

func TestEvaluateWithAccessControllerRequestsPairing(t *testing.T) {
	senders, err := state.NewSenderStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSenderStore: %v", err)
	}
	ctrl := access.NewController(senders, nil, nil)
	ch := newTestChannel(t, config.TelegramConfig{DMPolicy: "pairing"}, ctrl)

	if ch.evaluate("1", "99|eve", "eve", "direct", "hi") {
		t.Fatal("expected an unpaired direct sender to be rejected pending pairing")
	}
}
