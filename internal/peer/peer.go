// Package peer implements LAN Peer Comms (spec §4.7): bearer-token-secured
// inbound agent messages injected straight into the Session Bridge, and a
// plain-HTTP outbound client for reaching other agents on the same network.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replbridge/internal/errkind"
	"github.com/nextlevelbuilder/replbridge/internal/state"
)

// PeerStatus is one LAN peer's last-observed liveness.
type PeerStatus string

const (
	PeerIdle    PeerStatus = "idle"
	PeerBusy    PeerStatus = "busy"
	PeerUnknown PeerStatus = "unknown"
)

// PeerState is the last-observed state of one configured peer, refreshed by
// a periodic heartbeat task and surfaced on GET /status.
type PeerState struct {
	Name      string     `json:"name"`
	Status    PeerStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
	LatencyMs int64      `json:"latency_ms,omitempty"`
}

// allowedMessageTypes is the closed set spec §3 names for AgentMessage.Type.
var allowedMessageTypes = map[string]bool{
	"text": true, "status": true, "coordination": true, "pr-review": true,
}

// AgentMessage is the inter-agent envelope exchanged over LAN Peer Comms
// and, with additional signing fields, over the Ed25519 relay.
type AgentMessage struct {
	From      string    `json:"from"`
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text,omitempty"`

	Status string `json:"status,omitempty"`
	Action string `json:"action,omitempty"`
	Task   string `json:"task,omitempty"`
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
	PR     string `json:"pr,omitempty"`
}

// Validate checks the required-fields and allowed-type invariants spec §4.7
// names for inbound AgentMessages.
func (m AgentMessage) Validate() error {
	if m.From == "" || m.MessageID == "" {
		return fmt.Errorf("agent message missing required field: %w", errkind.ValidationFailure)
	}
	if !allowedMessageTypes[m.Type] {
		return fmt.Errorf("agent message has unrecognized type %q: %w", m.Type, errkind.ValidationFailure)
	}
	return nil
}

// Injector is the narrow Session Bridge surface the peer comms handler
// needs: format+inject a line of text, without waiting for a response.
type Injector interface {
	InjectLine(ctx context.Context, text string) error
}

// Peer names one configured LAN peer: {name, host, port}.
type Peer struct {
	Name string
	Host string
	Port int
}

func (p Peer) baseURL() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// Manager owns inbound validation + injection and outbound LAN sends, with
// a rotating comms log recording every inbound/outbound event.
type Manager struct {
	sharedSecret string
	injector     Injector
	log          *state.PeerCommsLog
	client       *http.Client

	peers map[string]Peer

	mu     sync.Mutex
	states map[string]PeerState
}

// New builds a Manager. sharedSecret authenticates inbound /agent/message
// requests; peers maps configured peer name to connection info for
// outbound sends.
func New(sharedSecret string, injector Injector, log *state.PeerCommsLog, peers []Peer) *Manager {
	m := &Manager{
		sharedSecret: sharedSecret,
		injector:     injector,
		log:          log,
		client:       &http.Client{Timeout: 10 * time.Second},
		peers:        make(map[string]Peer, len(peers)),
		states:       make(map[string]PeerState, len(peers)),
	}
	for _, p := range peers {
		m.peers[p.Name] = p
	}
	return m
}

// HandleInbound validates bearerToken and msg, then injects a formatted
// "[Agent] Name: text" line into the Session Bridge. Returns an error
// classified via internal/errkind (AuthFailure for a bad bearer,
// ValidationFailure for a malformed message).
func (m *Manager) HandleInbound(ctx context.Context, bearerToken string, msg AgentMessage) error {
	if bearerToken == "" || bearerToken != m.sharedSecret {
		m.appendLog("inbound_rejected", msg.From, msg.MessageID, "bad bearer")
		return fmt.Errorf("peer: bad bearer token: %w", errkind.AuthFailure)
	}
	if err := msg.Validate(); err != nil {
		m.appendLog("inbound_rejected", msg.From, msg.MessageID, err.Error())
		return err
	}

	line := fmt.Sprintf("[Agent] %s: %s", msg.From, msg.Text)
	if err := m.injector.InjectLine(ctx, line); err != nil {
		m.appendLog("inbound_inject_failed", msg.From, msg.MessageID, err.Error())
		return fmt.Errorf("peer: inject: %w", err)
	}

	m.appendLog("inbound", msg.From, msg.MessageID, "")
	return nil
}

// SendToPeer delivers msg to the named LAN peer over plain HTTP. Spec §9
// documents a subprocess-curl fallback for hosts where the network stack
// cannot reach LAN destinations reliably; SendViaSubprocess implements that
// path and callers should fall back to it on a transport-level failure from
// this method.
func (m *Manager) SendToPeer(ctx context.Context, peerName string, msg AgentMessage) error {
	p, ok := m.peers[peerName]
	if !ok {
		return fmt.Errorf("peer: unknown peer %q: %w", peerName, errkind.PermanentRemote)
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal agent message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+"/agent/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build peer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.sharedSecret)

	resp, err := m.client.Do(req)
	if err != nil {
		m.appendLog("outbound_failed", peerName, msg.MessageID, err.Error())
		return fmt.Errorf("peer: send to %s: %w", peerName, errkind.TransientRemote)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		m.appendLog("outbound_failed", peerName, msg.MessageID, resp.Status)
		return fmt.Errorf("peer: %s returned %s: %w", peerName, resp.Status, errkind.TransientRemote)
	}
	if resp.StatusCode >= 400 {
		m.appendLog("outbound_failed", peerName, msg.MessageID, resp.Status)
		return fmt.Errorf("peer: %s returned %s: %w", peerName, resp.Status, errkind.PermanentRemote)
	}

	m.appendLog("outbound", peerName, msg.MessageID, "")
	return nil
}

// Heartbeat polls every configured peer's /agent/status endpoint and
// records its liveness and round-trip latency, returning the refreshed
// snapshot. A peer that doesn't answer is recorded PeerUnknown rather than
// dropped, so it stays visible on GET /status.
func (m *Manager) Heartbeat(ctx context.Context) []PeerState {
	for name, p := range m.peers {
		start := time.Now()
		status := PeerUnknown

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL()+"/agent/status", nil)
		if err == nil {
			if resp, err := m.client.Do(req); err == nil {
				var body struct {
					Busy bool `json:"busy"`
				}
				if json.NewDecoder(resp.Body).Decode(&body) == nil {
					status = PeerIdle
					if body.Busy {
						status = PeerBusy
					}
				}
				resp.Body.Close()
			}
		}

		m.mu.Lock()
		m.states[name] = PeerState{
			Name:      name,
			Status:    status,
			UpdatedAt: time.Now(),
			LatencyMs: time.Since(start).Milliseconds(),
		}
		m.mu.Unlock()
	}
	return m.States()
}

// States returns a snapshot of every configured peer's last-observed state.
func (m *Manager) States() []PeerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	return out
}

func (m *Manager) appendLog(event, peerOrSender, messageID, detail string) {
	if m.log == nil {
		return
	}
	_ = m.log.Append(map[string]any{
		"event":      event,
		"peer":       peerOrSender,
		"message_id": messageID,
		"detail":     detail,
		"at":         time.Now(),
	})
}
