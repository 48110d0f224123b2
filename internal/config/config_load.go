package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/replbridge/internal/secrets"
)

const DefaultAgentCommsPort = 8790

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Host:        "127.0.0.1",
			Port:        18790,
			StateDir:    "~/.replbridge/state",
			TmuxBin:     "tmux",
			TmuxSession: "repl",
			LogLevel:    "info",
		},
		Channels: ChannelsConfig{
			Chat: ChatChannelsConfig{
				Telegram: TelegramConfig{DMPolicy: "pairing", GroupPolicy: "open"},
				Discord:  DiscordConfig{DMPolicy: "open", GroupPolicy: "open"},
				WhatsApp: WhatsAppConfig{WebhookPath: "/hooks/whatsapp", DMPolicy: "pairing", GroupPolicy: "open"},
			},
		},
		AgentComms: AgentCommsConfig{
			ListenPort: DefaultAgentCommsPort,
		},
		Network: NetworkConfig{
			PollIntervalSeconds: 30,
		},
		Security: SecurityConfig{
			RateLimits: RateLimitsConfig{
				InboundPerSender:     30,
				OutboundPerRecipient: 30,
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays environment variables
// (secrets and a handful of operational knobs). A missing file is not an
// error — Default() plus env overrides is a valid configuration for a
// terminal-only, no-channels run.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyNetworkDefaults()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyNetworkDefaults()
	return cfg, cfg.Validate()
}

// Validate enforces the required fields spec §6.4 names: agent.name and
// daemon.port.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.Name) == "" {
		return fmt.Errorf("config: agent.name is required")
	}
	if c.Daemon.Port <= 0 {
		return fmt.Errorf("config: daemon.port is required")
	}
	c.Agent.Name = strings.ToLower(strings.TrimSpace(c.Agent.Name))
	return nil
}

// applyNetworkDefaults clamps network.poll_interval_seconds to the §9 Open
// Question 3 minimum of 30 seconds.
func (c *Config) applyNetworkDefaults() {
	if c.Network.PollIntervalSeconds < 30 {
		c.Network.PollIntervalSeconds = 30
	}
}

// applyEnvOverrides overlays secret-store-backed credentials and a handful
// of operational env vars. Env values always win over file values.
func (c *Config) applyEnvOverrides() {
	store := secrets.EnvStore{}
	trySecret := func(key string, dst *string) {
		if v, err := store.Get(key); err == nil && v != "" {
			*dst = v
		}
	}

	trySecret("telegram_token", &c.Channels.Chat.Telegram.Token)
	trySecret("discord_token", &c.Channels.Chat.Discord.Token)
	trySecret("whatsapp_webhook_secret", &c.Channels.Chat.WhatsApp.WebhookSecret)
	trySecret("whatsapp_send_token", &c.Channels.Chat.WhatsApp.SendToken)
	trySecret("agent_comms_shared_secret", &c.AgentComms.SharedSecret)
	trySecret("postgres_dsn", &c.Database.PostgresDSN)
	trySecret("tsnet_auth_key", &c.Tailscale.AuthKey)

	for i := range c.Channels.Email.Providers {
		p := &c.Channels.Email.Providers[i]
		trySecret("email_"+strings.ToLower(p.Name)+"_password", &p.Password)
	}

	if c.Channels.Chat.Telegram.Token != "" {
		c.Channels.Chat.Telegram.Enabled = true
	}
	if c.Channels.Chat.Discord.Token != "" {
		c.Channels.Chat.Discord.Enabled = true
	}

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("REPLBRIDGE_AGENT_NAME", &c.Agent.Name)
	envStr("REPLBRIDGE_STATE_DIR", &c.Daemon.StateDir)
	envStr("REPLBRIDGE_TMUX_SESSION", &c.Daemon.TmuxSession)

	if v := os.Getenv("REPLBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Daemon.Port = port
		}
	}
	if v := os.Getenv("REPLBRIDGE_LOG_JSON"); v != "" {
		c.Daemon.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("REPLBRIDGE_LOG_LEVEL"); v != "" {
		c.Daemon.LogLevel = v
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call this after modifying config in place to restore runtime
// secrets sourced from env.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
	c.applyNetworkDefaults()
}

// Save writes the config to a JSON file (secrets, tagged `json:"-"`, are
// never serialized).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Hash returns a short SHA-256 hash of the config, for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// StateDirPath returns the expanded, absolute state directory.
func (c *Config) StateDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Daemon.StateDir)
}

// ExpandHome replaces a leading ~ with the user home directory, per §9 Open
// Question 4 — the file paths read from config (daemon.state_dir,
// tailscale.state_dir) are passed through this helper before any file I/O.
// The transcript_path in a /hook/response body is not opened: the tailer
// reads its own path under the state dir.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
