// Package email implements the email channel adapter (spec §4.4): send via
// SMTP, poll an inbox via a pluggable Fetcher. Provider APIs are treated as
// opaque send/fetchIncoming transports, so Fetcher is the seam a real
// IMAP/Graph/Gmail client slots into without touching adapter logic; the
// bundled popFetcher is a minimal POP3S client built on stdlib
// net/textproto, since no mail-retrieval library appears anywhere in the
// retrieval pack.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/replbridge/internal/access"
	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/channels"
	"github.com/nextlevelbuilder/replbridge/internal/config"
)

const defaultPollInterval = 60 * time.Second

// IncomingMail is one message returned by a Fetcher.
type IncomingMail struct {
	UID     string
	From    string
	Subject string
	Body    string
}

// Fetcher retrieves new inbound mail since the last call. Implementations
// are responsible for their own dedup/cursor bookkeeping against the
// provider; Channel additionally dedups by UID as a second layer.
type Fetcher interface {
	FetchIncoming(ctx context.Context) ([]IncomingMail, error)
}

// Channel is one configured email provider instance: SMTP send plus a
// polled Fetcher for inbound.
type Channel struct {
	*channels.BaseChannel
	cfg     config.EmailProviderConfig
	access  *access.Controller // nil disables pairing, falls back to allowlist
	fetcher Fetcher

	pollInterval time.Duration
	seen         map[string]bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates an email Channel for one provider instance. accessCtrl is
// optional (nil disables pairing for unknown senders). fetcher is optional;
// nil builds the bundled POP3S fetcher from cfg.IMAPHost/IMAPPort (the
// adapter's inbound host/port fields, protocol-agnostic from the config's
// point of view).
func New(cfg config.EmailProviderConfig, msgBus *bus.MessageBus, accessCtrl *access.Controller, fetcher Fetcher) (*Channel, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("email provider name is required")
	}

	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	if fetcher == nil && cfg.IMAPHost != "" {
		port := cfg.IMAPPort
		if port == 0 {
			port = 995
		}
		fetcher = &popFetcher{host: cfg.IMAPHost, port: port, username: cfg.Username, password: cfg.Password}
	}

	base := channels.NewBaseChannel("email:"+cfg.Name, msgBus, cfg.AllowFrom)

	return &Channel{
		BaseChannel:  base,
		cfg:          cfg,
		access:       accessCtrl,
		fetcher:      fetcher,
		pollInterval: interval,
		seen:         make(map[string]bool),
	}, nil
}

// Start begins the inbox poll loop. A provider with no fetcher configured
// (no IMAPHost) only supports outbound send.
func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)
	if c.fetcher == nil {
		slog.Info("email.send_only", "provider", c.cfg.Name)
		return nil
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	go func() {
		defer close(c.pollDone)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			c.pollOnce(pollCtx)
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	slog.Info("email.polling_started", "provider", c.cfg.Name, "interval", c.pollInterval)
	return nil
}

// Stop halts the poll loop.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		<-c.pollDone
	}
	return nil
}

// Send delivers an outbound message as a plain-text email via SMTP.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if c.cfg.SMTPHost == "" {
		return fmt.Errorf("email provider %s has no smtp_host configured", c.cfg.Name)
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty recipient address for email send")
	}

	port := c.cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, port)

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.SMTPHost)
	}

	subject := msg.Metadata["subject"]
	if subject == "" {
		subject = "Message from your agent"
	}
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", c.cfg.From, msg.ChatID, subject, msg.Content)

	if err := smtp.SendMail(addr, auth, c.cfg.From, []string{msg.ChatID}, []byte(body)); err != nil {
		return fmt.Errorf("send email via %s: %w", addr, err)
	}
	return nil
}

func (c *Channel) pollOnce(ctx context.Context) {
	mails, err := c.fetcher.FetchIncoming(ctx)
	if err != nil {
		slog.Warn("email.fetch_failed", "provider", c.cfg.Name, "error", err)
		return
	}

	for _, m := range mails {
		if m.UID != "" {
			if c.seen[m.UID] {
				continue
			}
			c.seen[m.UID] = true
		}
		c.handleIncoming(m)
	}
}

func (c *Channel) handleIncoming(m IncomingMail) {
	sender := extractAddress(m.From)
	if sender == "" {
		return
	}

	content := m.Body
	if content == "" {
		content = m.Subject
	}
	if content == "" {
		content = "[empty message]"
	}

	if !c.evaluate(sender, m.From, content) {
		return
	}

	metadata := map[string]string{"subject": m.Subject, "uid": m.UID}
	slog.Debug("email message received", "provider", c.cfg.Name, "from", sender, "preview", channels.Truncate(content, 50))
	c.HandleMessage(sender, sender, content, nil, metadata, "direct")
}

// evaluate checks policy (access.Controller pairing flow if configured,
// otherwise the plain allowlist). Email has no group concept, so peerKind
// is always "direct"; there's also no inline reply channel for a pairing
// code prompt other than an email back to the sender, sent via Send.
func (c *Channel) evaluate(sender, displayName, content string) bool {
	if c.access == nil {
		return c.CheckPolicy("direct", c.cfg.DMPolicy, "", sender)
	}

	decision := c.access.Evaluate("email", sender, displayName, "direct", c.cfg.DMPolicy, "", content)
	if decision.Allowed {
		return true
	}
	if decision.NeedsPairing {
		text := fmt.Sprintf(
			"Access not configured.\n\nPairing code: %s\n\nAsk the operator to approve with:\n  replbridged pairing approve %s",
			decision.PairingCode, decision.PairingCode,
		)
		if err := c.Send(context.Background(), bus.OutboundMessage{Channel: c.Name(), ChatID: sender, Content: text}); err != nil {
			slog.Warn("email pairing reply failed", "error", err)
		}
	} else if decision.WaitingAck {
		text := "Your message is waiting on the operator's review. You'll hear back once it's approved."
		if err := c.Send(context.Background(), bus.OutboundMessage{Channel: c.Name(), ChatID: sender, Content: text}); err != nil {
			slog.Warn("email waiting-ack reply failed", "error", err)
		}
	}
	return false
}

// extractAddress pulls the bare address out of a "Display Name <addr>"
// header value, or returns s unchanged if it's already bare.
func extractAddress(s string) string {
	start := strings.IndexByte(s, '<')
	end := strings.IndexByte(s, '>')
	if start >= 0 && end > start {
		return strings.TrimSpace(s[start+1 : end])
	}
	return strings.TrimSpace(s)
}

// popFetcher is a minimal POP3S client: connect over TLS, USER/PASS, UIDL
// to get stable message identifiers, RETR each, leave messages on the
// server (no DELE) since dedup is by UID, not by consumption.
type popFetcher struct {
	host, username, password string
	port                     int
}

func (f *popFetcher) FetchIncoming(ctx context.Context) ([]IncomingMail, error) {
	addr := fmt.Sprintf("%s:%d", f.host, f.port)
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: f.host})
	if err != nil {
		return nil, fmt.Errorf("dial pop3s %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := newPop3Client(conn)
	if err != nil {
		return nil, err
	}
	defer client.quit()

	if err := client.login(f.username, f.password); err != nil {
		return nil, fmt.Errorf("pop3 login: %w", err)
	}

	uids, err := client.uidl()
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}

	mails := make([]IncomingMail, 0, len(uids))
	for num, uid := range uids {
		raw, err := client.retr(num)
		if err != nil {
			slog.Warn("pop3 retr failed", "num", num, "error", err)
			continue
		}
		from, subject, body := parseRFC822(raw)
		mails = append(mails, IncomingMail{UID: uid, From: from, Subject: subject, Body: body})
	}
	return mails, nil
}
