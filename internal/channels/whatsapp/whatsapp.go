// Package whatsapp implements a webhook-only WhatsApp adapter: no SDK, a
// thin HTTP handler receiving provider webhooks (e.g. WhatsApp Cloud API
// style payloads) and a plain HTTP POST to the provider's send endpoint.
// Unlike the gateway-connected Telegram/Discord adapters, Start/Stop are
// no-ops here; the webhook handler is mounted on the daemon's HTTP API and
// driven by the provider, not by a long-running connection this adapter
// owns.
package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/replbridge/internal/access"
	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/channels"
	"github.com/nextlevelbuilder/replbridge/internal/config"
)

// Channel is the webhook-only WhatsApp adapter.
type Channel struct {
	*channels.BaseChannel
	config     config.WhatsAppConfig
	access     *access.Controller // nil disables pairing, falls back to allowlist
	httpClient *http.Client
}

// inboundWebhook is the provider webhook payload shape this adapter
// expects: {"from":"...","chat":"...","content":"...","id":"...","from_name":"...","media":[...]}.
type inboundWebhook struct {
	From     string   `json:"from"`
	Chat     string   `json:"chat"`
	Content  string   `json:"content"`
	ID       string   `json:"id"`
	FromName string   `json:"from_name"`
	Media    []string `json:"media,omitempty"`
}

// New creates a new WhatsApp channel from config. accessCtrl is optional
// (nil disables the pairing flow for unknown direct-message senders).
func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus, accessCtrl *access.Controller) (*Channel, error) {
	if cfg.SendURL == "" {
		return nil, fmt.Errorf("whatsapp send_url is required")
	}

	base := channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom)

	return &Channel{
		BaseChannel: base,
		config:      cfg,
		access:      accessCtrl,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Start marks the adapter running. There is no persistent connection to
// open; inbound delivery happens via WebhookHandler mounted by the caller.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("whatsapp webhook adapter ready", "webhook_path", c.config.WebhookPath)
	c.SetRunning(true)
	return nil
}

// Stop marks the adapter stopped.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// Send posts an outbound message to the provider's plain send endpoint.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("whatsapp adapter not running")
	}

	body, err := json.Marshal(map[string]string{
		"to":      msg.ChatID,
		"content": msg.Content,
	})
	if err != nil {
		return fmt.Errorf("marshal whatsapp send payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.SendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build whatsapp send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.SendToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.SendToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp send endpoint returned %s", resp.Status)
	}
	return nil
}

// WebhookHandler returns the http.HandlerFunc the daemon mounts at
// cfg.WebhookPath to receive inbound provider webhooks.
func (c *Channel) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if c.config.WebhookSecret != "" && !validSignature(body, r.Header.Get("X-Webhook-Signature"), c.config.WebhookSecret) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var payload inboundWebhook
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		c.handleIncoming(payload)
		w.WriteHeader(http.StatusOK)
	}
}

// validSignature checks an HMAC-SHA256 hex signature over the raw webhook
// body, the scheme WhatsApp Cloud API style providers use for their
// X-Hub-Signature-256 header.
func validSignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

func (c *Channel) handleIncoming(payload inboundWebhook) {
	if payload.From == "" {
		return
	}

	chatID := payload.Chat
	if chatID == "" {
		chatID = payload.From
	}

	peerKind := "direct"
	if strings.HasSuffix(chatID, "@g.us") {
		peerKind = "group"
	}

	content := payload.Content
	if content == "" {
		content = "[empty message]"
	}

	if !c.evaluate(chatID, payload.From, payload.FromName, peerKind, content) {
		return
	}

	metadata := make(map[string]string)
	if payload.ID != "" {
		metadata["message_id"] = payload.ID
	}
	if payload.FromName != "" {
		metadata["user_name"] = payload.FromName
	}

	slog.Debug("whatsapp message received", "sender_id", payload.From, "chat_id", chatID, "preview", channels.Truncate(content, 50))
	c.HandleMessage(payload.From, chatID, content, payload.Media, metadata, peerKind)
}

// evaluate checks policy (access.Controller pairing flow if configured,
// otherwise the plain allowlist) and sends a pairing-code reply when one is
// needed. Returns whether the message should be forwarded to the bus.
func (c *Channel) evaluate(chatID, senderID, displayName, peerKind, content string) bool {
	if c.access == nil {
		return c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID)
	}

	decision := c.access.Evaluate("whatsapp", senderID, displayName, peerKind, c.config.DMPolicy, c.config.GroupPolicy, content)
	if decision.Allowed {
		return true
	}
	if decision.NeedsPairing {
		c.sendPairingReply(chatID, decision.PairingCode)
	} else if decision.WaitingAck {
		c.sendWaitingAckReply(chatID)
	}
	return false
}

func (c *Channel) sendPairingReply(chatID, code string) {
	text := fmt.Sprintf(
		"Access not configured.\n\nPairing code: %s\n\nAsk the operator to approve with:\n  replbridged pairing approve %s",
		code, code,
	)
	if err := c.Send(context.Background(), bus.OutboundMessage{Channel: "whatsapp", ChatID: chatID, Content: text}); err != nil {
		slog.Warn("whatsapp pairing reply failed", "error", err)
	}
}

func (c *Channel) sendWaitingAckReply(chatID string) {
	text := "Your message is waiting on the operator's review. You'll hear back once it's approved."
	if err := c.Send(context.Background(), bus.OutboundMessage{Channel: "whatsapp", ChatID: chatID, Content: text}); err != nil {
		slog.Warn("whatsapp waiting-ack reply failed", "error", err)
	}
}
