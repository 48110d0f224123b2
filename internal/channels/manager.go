package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/errkind"
)

// Manager owns every registered channel adapter's lifecycle and provides
// direct, synchronous Send access so the channel router controls delivery
// timing (retries, rate limiting, dedup) itself instead of racing a second
// dispatch loop underneath it.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager creates an empty channel manager. Adapters are registered via
// RegisterChannel before StartAll.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// StartAll starts every registered channel adapter. A failure to start one
// adapter is logged and does not prevent the others from starting.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("channels.no_adapters_enabled")
		return nil
	}

	for name, channel := range m.channels {
		slog.Info("channels.starting", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("channels.start_failed", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll gracefully stops every registered channel adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, channel := range m.channels {
		slog.Info("channels.stopping", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("channels.stop_failed", "channel", name, "error", err)
		}
	}
	return nil
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of every registered channel.
func (m *Manager) GetStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool, len(m.channels))
	for name, channel := range m.channels {
		status[name] = channel.IsRunning()
	}
	return status
}

// GetEnabledChannels returns the names of every registered channel.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// RegisterChannel adds a channel adapter to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel adapter from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// Send delivers msg to the named channel's adapter directly. Callers
// (the channel router) are responsible for retry/backoff around this call.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	m.mu.RLock()
	channel, exists := m.channels[msg.Channel]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channels: unknown channel %q: %w", msg.Channel, errkind.PermanentRemote)
	}
	return channel.Send(ctx, msg)
}

// SendToChannel is a convenience wrapper over Send for plain-text messages.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	return m.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}
