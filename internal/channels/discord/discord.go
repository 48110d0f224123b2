// Package discord implements the Discord chat-messenger adapter (spec
// §4.3) on top of github.com/bwmarrin/discordgo's gateway client.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/replbridge/internal/access"
	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/channels"
	"github.com/nextlevelbuilder/replbridge/internal/config"
)

const discordMaxMessageLen = 2000

// Channel connects to Discord via the gateway (bot) API.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	access         *access.Controller // nil disables pairing, falls back to allowlist
	botUserID      string
	requireMention bool
}

// New creates a new Discord channel from config. accessCtrl is optional
// (nil disables the pairing flow for unknown direct-message senders).
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus, accessCtrl *access.Controller) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	base := channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom)

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	return &Channel{
		BaseChannel:    base,
		session:        session,
		config:         cfg,
		access:         accessCtrl,
		requireMention: requireMention,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message to a Discord channel, truncating with a
// visible ellipsis marker if it exceeds discordMaxMessageLen (spec §4.3).
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	content := channels.Truncate(msg.Content, discordMaxMessageLen)
	if _, err := c.session.ChannelMessageSend(msg.ChatID, content); err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)
	channelID := m.ChannelID
	isDM := m.GuildID == ""
	peerKind := "direct"
	if !isDM {
		peerKind = "group"
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	if peerKind == "group" && c.requireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	if !c.evaluate(channelID, senderID, senderName, peerKind, content) {
		return
	}

	metadata := map[string]string{
		"message_id": m.ID,
		"user_id":    senderID,
		"username":   m.Author.Username,
		"guild_id":   m.GuildID,
	}
	c.HandleMessage(senderID, channelID, content, nil, metadata, peerKind)
}

// evaluate checks policy (access.Controller pairing flow if configured,
// otherwise the plain allowlist) and sends a pairing-code reply when one is
// needed. Returns whether the message should be forwarded to the bus.
func (c *Channel) evaluate(channelID, senderID, displayName, peerKind, content string) bool {
	if c.access == nil {
		return c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID)
	}

	decision := c.access.Evaluate("discord", senderID, displayName, peerKind, c.config.DMPolicy, c.config.GroupPolicy, content)
	if decision.Allowed {
		return true
	}
	if decision.NeedsPairing {
		c.sendPairingReply(channelID, decision.PairingCode)
	} else if decision.WaitingAck {
		c.sendWaitingAckReply(channelID)
	}
	return false
}

func (c *Channel) sendPairingReply(channelID, code string) {
	text := fmt.Sprintf(
		"Access not configured.\n\nPairing code: %s\n\nAsk the operator to approve with:\n  replbridged pairing approve %s",
		code, code,
	)
	if _, err := c.session.ChannelMessageSend(channelID, text); err != nil {
		slog.Warn("discord pairing reply failed", "error", err)
	}
}

func (c *Channel) sendWaitingAckReply(channelID string) {
	text := "Your message is waiting on the operator's review. You'll hear back once it's approved."
	if _, err := c.session.ChannelMessageSend(channelID, text); err != nil {
		slog.Warn("discord waiting-ack reply failed", "error", err)
	}
}

// resolveDisplayName returns the best available display name for a Discord
// message author: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
