package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replbridge/internal/errkind"
	"github.com/nextlevelbuilder/replbridge/internal/state"
)

// RelayMessage is the envelope exchanged over the Ed25519 relay, matching
// spec §3's Data Model plus the relay's own sequencing fields.
type RelayMessage struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId"`
	Nonce     string    `json:"nonce"`

	Status string `json:"status,omitempty"`
	Action string `json:"action,omitempty"`
	Task   string `json:"task,omitempty"`
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
	PR     string `json:"pr,omitempty"`
}

// relayInboxEntry is one row returned by GET /relay/inbox/<name>.
type relayInboxEntry struct {
	MessageID string          `json:"messageId"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Injector is the narrow Session Bridge surface a verified (or unverified)
// inbox entry gets injected through.
type Injector interface {
	InjectLine(ctx context.Context, text string) error
}

// Manager owns identity bootstrap, registration, outbound signed sends,
// and inbound signed polling over the Ed25519 relay.
type Manager struct {
	identity   *Identity
	relayURL   string
	ownerEmail string

	httpClient *http.Client
	dir        *directory
	nonces     *NonceStore
	injector   Injector
	log        *state.PeerCommsLog
}

// New builds a relay Manager.
func New(identity *Identity, relayURL, ownerEmail string, nonces *NonceStore, injector Injector, log *state.PeerCommsLog) *Manager {
	client := &http.Client{Timeout: 15 * time.Second}
	return &Manager{
		identity:   identity,
		relayURL:   relayURL,
		ownerEmail: ownerEmail,
		httpClient: client,
		dir:        newDirectory(relayURL, client),
		nonces:     nonces,
		injector:   injector,
		log:        log,
	}
}

// registerRequest is the POST /registry/agents body.
type registerRequest struct {
	Name       string `json:"name"`
	PublicKey  string `json:"publicKey"`
	OwnerEmail string `json:"ownerEmail,omitempty"`
}

// Register performs the idempotent identity-registration handshake
// (spec §4.8): POST /registry/agents, treating 409 as "already registered"
// and following up with a status check rather than an error.
func (m *Manager) Register(ctx context.Context) (status string, err error) {
	body, err := json.Marshal(registerRequest{
		Name:       m.identity.Name,
		PublicKey:  m.identity.PublicKeyBase64(),
		OwnerEmail: m.ownerEmail,
	})
	if err != nil {
		return "", fmt.Errorf("marshal registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.relayURL+"/registry/agents", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("network: register: %w", errkind.TransientRemote)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		var reg struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(respBody, &reg)
		if reg.Status == "" {
			reg.Status = "pending"
		}
		return reg.Status, nil
	case http.StatusConflict:
		return m.checkStatus(ctx)
	default:
		return "", fmt.Errorf("network: registration returned %s: %w", resp.Status, errkind.PermanentRemote)
	}
}

func (m *Manager) checkStatus(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.relayURL+"/registry/agents", nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("network: status check: %w", errkind.TransientRemote)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read status check response: %w", err)
	}
	var list []registryEntry
	if err := json.Unmarshal(body, &list); err != nil {
		return "", fmt.Errorf("decode status check response: %w", err)
	}
	for _, e := range list {
		if e.Name == m.identity.Name {
			return e.Status, nil
		}
	}
	return "", fmt.Errorf("network: %q not found after 409 on registration", m.identity.Name)
}

// Send signs msg and POSTs it to /relay/send (spec §4.8's "Outbound send").
func (m *Manager) Send(ctx context.Context, msg RelayMessage) error {
	msg.From = m.identity.Name
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Nonce == "" {
		msg.Nonce = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	sig := ed25519.Sign(m.identity.Private, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.relayURL+"/relay/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relay send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent", m.identity.Name)
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.appendLog("relay_send_failed", msg.To, msg.MessageID, err.Error())
		return fmt.Errorf("network: send to relay: %w", errkind.TransientRemote)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		m.appendLog("relay_send_failed", msg.To, msg.MessageID, resp.Status)
		return fmt.Errorf("network: relay returned %s: %w", resp.Status, errkind.TransientRemote)
	}
	if resp.StatusCode >= 400 {
		m.appendLog("relay_send_failed", msg.To, msg.MessageID, resp.Status)
		return fmt.Errorf("network: relay returned %s: %w", resp.Status, errkind.PermanentRemote)
	}

	m.appendLog("relay_send", msg.To, msg.MessageID, "")
	return nil
}

func (m *Manager) appendLog(event, peer, messageID, detail string) {
	if m.log == nil {
		return
	}
	_ = m.log.Append(map[string]any{
		"event":      event,
		"peer":       peer,
		"message_id": messageID,
		"detail":     detail,
		"at":         time.Now(),
	})
}
