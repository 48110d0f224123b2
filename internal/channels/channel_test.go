package channels

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/replbridge/internal/bus"
)

func TestBaseChannelIsAllowedEmptyAllowlist(t *testing.T) {
	c := NewBaseChannel("telegram", bus.NewMessageBus(), nil)
	if !c.IsAllowed("12345") {
		t.Fatal("empty allowlist should allow any sender")
	}
}

func TestBaseChannelIsAllowedCompoundID(t *testing.T) {
	c := NewBaseChannel("telegram", bus.NewMessageBus(), []string{"12345|alice"})

	cases := []struct {
		sender string
		want   bool
	}{
		{"12345|alice", true},
		{"12345|bob", true},
		{"99999|alice", true},
		{"99999|bob", false},
		{"alice", true},
	}
	for _, tc := range cases {
		if got := c.IsAllowed(tc.sender); got != tc.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tc.sender, got, tc.want)
		}
	}
}

func TestBaseChannelCheckPolicy(t *testing.T) {
	c := NewBaseChannel("discord", bus.NewMessageBus(), []string{"42"})

	if c.CheckPolicy("direct", "disabled", "open", "42") {
		t.Fatal("disabled policy must reject")
	}
	if !c.CheckPolicy("group", "disabled", "open", "42") {
		t.Fatal("open group policy must accept")
	}
	if c.CheckPolicy("direct", "allowlist", "open", "1") {
		t.Fatal("allowlist policy must reject senders not on the list")
	}
	if !c.CheckPolicy("direct", "allowlist", "open", "42") {
		t.Fatal("allowlist policy must accept listed sender")
	}
}

func TestBaseChannelHandleMessagePublishes(t *testing.T) {
	msgBus := bus.NewMessageBus()
	c := NewBaseChannel("telegram", msgBus, nil)

	c.HandleMessage("42|alice", "chat-1", "hello", nil, nil, "direct")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a published inbound message")
	}
	if msg.SenderID != "42|alice" || msg.UserID != "42" || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestBaseChannelHandleMessageRejectsDisallowed(t *testing.T) {
	msgBus := bus.NewMessageBus()
	c := NewBaseChannel("telegram", msgBus, []string{"1"})

	c.HandleMessage("2", "chat-1", "hello", nil, nil, "direct")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := msgBus.ConsumeInbound(ctx); ok {
		t.Fatal("disallowed sender should not publish a message")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("hello world", 5); got != "he..." {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("hello world", 11); got != "hello world" {
		t.Fatalf("expected exact-length content untouched, got %q", got)
	}
}
