package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the replbridge daemon.
type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Daemon     DaemonConfig     `json:"daemon"`
	Channels   ChannelsConfig   `json:"channels"`
	Scheduler  SchedulerConfig  `json:"scheduler,omitempty"`
	AgentComms AgentCommsConfig `json:"agent_comms,omitempty"`
	Network    NetworkConfig    `json:"network,omitempty"`
	Security   SecurityConfig   `json:"security,omitempty"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Tailscale  TailscaleConfig  `json:"tailscale,omitempty"`
	Sidecars   []SidecarConfig  `json:"sidecars,omitempty"`

	mu sync.RWMutex
}

// SidecarConfig describes one supervised child process (spec's opaque
// subprocess+HTTP lifecycle contract — browser automation, voice, or any
// other auxiliary process the REPL agent shells out to).
type SidecarConfig struct {
	Name           string   `json:"name"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	Env            []string `json:"env,omitempty"`
	HealthURL      string   `json:"health_url,omitempty"`
	StartupTimeout string   `json:"startup_timeout,omitempty"` // Go duration string, default "30s"
}

// AgentConfig identifies the REPL-backed agent this daemon fronts.
type AgentConfig struct {
	// Name is required; normalized to lowercase for protocol use (relay
	// registration, peer lookups).
	Name string `json:"name"`
}

// DaemonConfig controls the daemon's own process and HTTP surface.
type DaemonConfig struct {
	// Port is required — the local HTTP endpoint (§6.1).
	Port int    `json:"port"`
	Host string `json:"host,omitempty"` // default "127.0.0.1"

	StateDir    string `json:"state_dir,omitempty"`    // default "~/.replbridge/state"
	TmuxBin     string `json:"tmux_bin,omitempty"`     // default "tmux"
	TmuxSession string `json:"tmux_session,omitempty"` // default "repl"

	LogJSON  bool   `json:"log_json,omitempty"`
	LogLevel string `json:"log_level,omitempty"` // default "info"

	// TranscriptVerbose includes the REPL's thinking blocks in captured
	// AssistantResponse text (§4.2: "included only when the channel's
	// verbose flag is set"). Off by default.
	TranscriptVerbose bool `json:"transcript_verbose,omitempty"`
}

// ChannelsConfig groups the pluggable chat and email adapter sets.
type ChannelsConfig struct {
	Chat  ChatChannelsConfig  `json:"chat"`
	Email EmailChannelsConfig `json:"email,omitempty"`
}

// ChatChannelsConfig lists this daemon's chat-messenger providers[].
type ChatChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
}

// EmailChannelsConfig lists the email providers[] this daemon watches/sends
// through.
type EmailChannelsConfig struct {
	Providers []EmailProviderConfig `json:"providers,omitempty"`
}

// SchedulerConfig holds the declared scheduled tasks[].
type SchedulerConfig struct {
	Tasks []ScheduledTaskConfig `json:"tasks,omitempty"`
}

// ScheduledTaskConfig is one scheduler entry: name, schedule{interval|cron},
// enabled, busyGate, maxDuration (§6.4).
type ScheduledTaskConfig struct {
	Name        string       `json:"name"`
	Schedule    ScheduleSpec `json:"schedule"`
	Enabled     bool         `json:"enabled"`
	BusyGate    bool         `json:"busy_gate,omitempty"`     // skip this tick if the REPL is mid-turn
	MaxDuration string       `json:"max_duration,omitempty"` // Go duration string, e.g. "5m"
	MinGap      string       `json:"min_gap,omitempty"`       // minimum spacing between firings
	Prompt      string       `json:"prompt,omitempty"`        // text injected into the REPL on fire
	Target      string       `json:"target,omitempty"`        // channel/chatID to notify, or "" for terminal-only
}

// ScheduleSpec is exactly one of Interval or Cron.
type ScheduleSpec struct {
	Interval string `json:"interval,omitempty"` // Go duration string, e.g. "30m"
	Cron     string `json:"cron,omitempty"`     // standard 5-field cron expression
}

// AgentCommsConfig configures LAN Peer Comms (§4.7).
type AgentCommsConfig struct {
	Enabled bool         `json:"enabled"`
	Peers   []PeerConfig `json:"peers,omitempty"`

	ListenPort   int    `json:"listen_port,omitempty"`   // default 8790
	SharedSecret string `json:"-"`                       // from env REPLBRIDGE_SECRET_AGENT_COMMS_SHARED_SECRET only
}

// PeerConfig names one reachable peer agent: {name, host, port}.
type PeerConfig struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NetworkConfig configures the Ed25519 relay path (§4.8).
type NetworkConfig struct {
	Enabled             bool   `json:"enabled"`
	RelayURL            string `json:"relay_url,omitempty"`
	OwnerEmail          string `json:"owner_email,omitempty"`
	PollIntervalSeconds int    `json:"poll_interval_seconds,omitempty"` // default 30, clamped to >= 30
}

// SecurityConfig groups rate limits and Access Control owner identities
// (§6.4).
type SecurityConfig struct {
	RateLimits RateLimitsConfig `json:"rate_limits,omitempty"`

	// Owners lists "channel|senderID" pairs (or a bare senderID, matched
	// against any channel) that always classify as TierOwner regardless of
	// the persisted sender trust files — the daemon operator's own
	// identities across the configured channels.
	Owners []string `json:"owners,omitempty"`

	// Blocked lists "channel|senderID" pairs (or a bare senderID) dropped
	// silently regardless of tier — checked before the persisted sender
	// trust files are even consulted.
	Blocked []string `json:"blocked,omitempty"`
}

// RateLimitsConfig holds inbound-per-sender and outbound-per-recipient
// limits. The daemon does not read these values: the inbound limit is
// access.DefaultRateLimitMaxHits per access.DefaultRateLimitWindow, and the
// router paces outbound sends per channel, not per recipient.
type RateLimitsConfig struct {
	InboundPerSender     int `json:"inbound_per_sender,omitempty"`     // default 30 per minute
	OutboundPerRecipient int `json:"outbound_per_recipient,omitempty"` // default 30 per minute
}

// DatabaseConfig configures the optional Postgres audit mirror.
// PostgresDSN is NEVER read from config.json — only from env
// REPLBRIDGE_SECRET_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Enabled     bool   `json:"enabled,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for outbound-send spans.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener (§C.5 of
// SPEC_FULL). Auth key from env only (never persisted).
type TailscaleConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env REPLBRIDGE_SECRET_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Daemon = src.Daemon
	c.Channels = src.Channels
	c.Scheduler = src.Scheduler
	c.AgentComms = src.AgentComms
	c.Network = src.Network
	c.Security = src.Security
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
	c.Sidecars = src.Sidecars
}

// Snapshot returns a copy of the config safe to read without holding the
// lock further — the "immutable snapshot" pattern spec §9 calls for around
// the daemon's global mutable state.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}
