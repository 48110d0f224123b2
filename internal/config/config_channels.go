package config

// TelegramConfig configures the Telegram chat-messenger adapter (via
// github.com/mymmrac/telego).
type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"-"` // from env REPLBRIDGE_SECRET_TELEGRAM_TOKEN only
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // require @bot mention in groups (default true)
}

// DiscordConfig configures the Discord chat-messenger adapter (via
// github.com/bwmarrin/discordgo).
type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"-"` // from env REPLBRIDGE_SECRET_DISCORD_TOKEN only
	AllowFrom      FlexibleStringSlice `json:"allow_from,omitempty"`
	DMPolicy       string              `json:"dm_policy,omitempty"`
	GroupPolicy    string              `json:"group_policy,omitempty"`
	RequireMention *bool               `json:"require_mention,omitempty"`
}

// WhatsAppConfig configures the webhook-only WhatsApp adapter: no SDK, a
// thin HTTP bridge receiving provider webhooks and sending via the
// provider's plain send API.
type WhatsAppConfig struct {
	Enabled       bool                `json:"enabled"`
	WebhookPath   string              `json:"webhook_path,omitempty"` // default "/hooks/whatsapp"
	SendURL       string              `json:"send_url,omitempty"`     // provider's outbound send endpoint
	WebhookSecret string              `json:"-"`                      // from env REPLBRIDGE_SECRET_WHATSAPP_WEBHOOK_SECRET only
	SendToken     string              `json:"-"`                      // from env REPLBRIDGE_SECRET_WHATSAPP_SEND_TOKEN only
	AllowFrom     FlexibleStringSlice `json:"allow_from,omitempty"`
	DMPolicy      string              `json:"dm_policy,omitempty"`
	GroupPolicy   string              `json:"group_policy,omitempty"`
}

// EmailProviderConfig configures one email adapter instance: poll inbox,
// send mail.
type EmailProviderConfig struct {
	Name                string              `json:"name"`
	SMTPHost            string              `json:"smtp_host,omitempty"`
	SMTPPort            int                 `json:"smtp_port,omitempty"` // default 587
	IMAPHost            string              `json:"imap_host,omitempty"`
	IMAPPort            int                 `json:"imap_port,omitempty"` // default 995 (the bundled fetcher speaks POP3S)
	Username            string              `json:"username,omitempty"`
	Password            string              `json:"-"` // from env REPLBRIDGE_SECRET_EMAIL_<NAME>_PASSWORD only
	From                string              `json:"from,omitempty"`
	PollIntervalSeconds int                 `json:"poll_interval_seconds,omitempty"` // default 60
	AllowFrom           FlexibleStringSlice `json:"allow_from,omitempty"`
	DMPolicy            string              `json:"dm_policy,omitempty"`
}
