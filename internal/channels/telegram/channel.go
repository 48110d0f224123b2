// Package telegram implements the Telegram chat-messenger adapter (spec
// §4.3) on top of github.com/mymmrac/telego's long-polling bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/replbridge/internal/access"
	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/channels"
	"github.com/nextlevelbuilder/replbridge/internal/config"
)

const telegramMaxMessageLen = 4096

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	config config.TelegramConfig
	access *access.Controller // nil disables pairing, falls back to allowlist

	requireMention bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a new Telegram channel from config. accessCtrl is optional
// (nil disables the pairing flow for unknown direct-message senders).
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, accessCtrl *access.Controller) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	base := channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom)

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    base,
		bot:            bot,
		config:         cfg,
		access:         accessCtrl,
		requireMention: requireMention,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the Telegram bot by cancelling the long polling context
// and waiting for the polling goroutine to exit, so Telegram releases the
// getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send delivers an outbound message to a Telegram chat, truncating with a
// visible ellipsis marker if it exceeds telegramMaxMessageLen (spec §4.3).
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	content := channels.Truncate(msg.Content, telegramMaxMessageLen)
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), content)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (c *Channel) handleMessage(m *telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}

	senderID := fmt.Sprintf("%d|%s", m.From.ID, m.From.Username)
	chatID := fmt.Sprintf("%d", m.Chat.ID)
	isGroup := m.Chat.Type == "group" || m.Chat.Type == "supergroup"
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	content := m.Text
	if content == "" && m.Caption != "" {
		content = m.Caption
	}
	if content == "" {
		return
	}

	if isGroup && c.requireMention {
		mentioned := false
		botUsername := "@" + c.bot.Username()
		if strings.Contains(content, botUsername) {
			mentioned = true
			content = strings.TrimSpace(strings.ReplaceAll(content, botUsername, ""))
		}
		for _, ent := range m.Entities {
			if ent.Type == "mention" {
				mentioned = true
			}
		}
		if !mentioned {
			return
		}
	}

	if !c.evaluate(chatID, senderID, m.From.FirstName, peerKind, content) {
		return
	}

	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", m.MessageID),
		"user_id":    fmt.Sprintf("%d", m.From.ID),
		"username":   m.From.Username,
	}
	c.HandleMessage(senderID, chatID, content, nil, metadata, peerKind)
}

// evaluate checks policy (access.Controller pairing flow if configured,
// otherwise the plain allowlist) and sends a pairing-code reply when one is
// needed. Returns whether the message should be forwarded to the bus.
func (c *Channel) evaluate(chatID, senderID, displayName, peerKind, content string) bool {
	if c.access == nil {
		return c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID)
	}

	decision := c.access.Evaluate("telegram", senderID, displayName, peerKind, c.config.DMPolicy, c.config.GroupPolicy, content)
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
	c.sendPlain(chatID, text)
}

func (c *Channel) sendWaitingAckReply(chatID string) {
	c.sendPlain(chatID, "Your message is waiting on the operator's review. You'll hear back once it's approved.")
}

func (c *Channel) sendPlain(chatID, text string) {
	id, err := parseChatID(chatID)
	if err != nil {
		return
	}
	if _, err := c.bot.SendMessage(context.Background(), tu.Message(tu.ID(id), text)); err != nil {
		slog.Warn("telegram reply failed", "error", err)
	}
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
