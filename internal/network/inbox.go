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

	"github.com/nextlevelbuilder/replbridge/internal/errkind"
)

// ackRequest is the POST /relay/inbox/<name>/ack body.
type ackRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// PollInbox runs one cycle of spec §4.8's "Inbound poll": a signed GET for
// new entries, per-entry signature verification against the cached agent
// directory, injection of the resulting line into the Session Bridge (with
// an [UNVERIFIED] marker when verification fails), replay-defense against
// (from, nonce), and a signed ack of everything handled.
func (m *Manager) PollInbox(ctx context.Context) error {
	entries, err := m.fetchInbox(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	handled := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := m.handleEntry(ctx, entry); err != nil {
			// A malformed or unparsable entry is logged and skipped — it
			// is not acked, so the relay will redeliver it next poll.
			m.appendLog("relay_inbox_entry_failed", entry.From, entry.MessageID, err.Error())
			continue
		}
		handled = append(handled, entry.MessageID)
	}

	if len(handled) > 0 {
		if err := m.ack(ctx, handled); err != nil {
			return fmt.Errorf("network: ack inbox entries: %w", err)
		}
	}
	return nil
}

func (m *Manager) fetchInbox(ctx context.Context) ([]relayInboxEntry, error) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	signingString := fmt.Sprintf("GET /inbox/%s %s", m.identity.Name, ts)
	sig := ed25519.Sign(m.identity.Private, []byte(signingString))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.relayURL+"/relay/inbox/"+m.identity.Name, nil)
	if err != nil {
		return nil, fmt.Errorf("build inbox request: %w", err)
	}
	req.Header.Set("X-Agent", m.identity.Name)
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))
	req.Header.Set("X-Timestamp", ts)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network: poll inbox: %w", errkind.TransientRemote)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read inbox response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("network: inbox poll returned %s: %w", resp.Status, errkind.TransientRemote)
	}

	var entries []relayInboxEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode inbox response: %w", err)
	}
	return entries, nil
}

func (m *Manager) handleEntry(ctx context.Context, entry relayInboxEntry) error {
	var msg RelayMessage
	if err := json.Unmarshal(entry.Payload, &msg); err != nil {
		return fmt.Errorf("decode entry payload: %w", err)
	}

	verified := m.verifyEntry(entry)

	if msg.Nonce != "" {
		seen, err := m.nonces.CheckAndRecord(entry.From, msg.Nonce, time.Now())
		if err != nil {
			return fmt.Errorf("replay check: %w", err)
		}
		if seen {
			m.appendLog("relay_replay_rejected", entry.From, entry.MessageID, "")
			// Still considered handled: ack it so the relay stops
			// redelivering a message we've already accepted once.
			return nil
		}
	}

	line := fmt.Sprintf("[Network] %s: %s", msg.From, msg.Text)
	if !verified {
		line += " [UNVERIFIED]"
	}
	if err := m.injector.InjectLine(ctx, line); err != nil {
		return fmt.Errorf("inject: %w", err)
	}

	m.appendLog("relay_inbound", entry.From, entry.MessageID, fmt.Sprintf("verified=%v", verified))
	return nil
}

func (m *Manager) verifyEntry(entry relayInboxEntry) bool {
	sig, err := base64.StdEncoding.DecodeString(entry.Signature)
	if err != nil {
		return false
	}
	pub, _, err := m.dir.lookup(entry.From)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, entry.Payload, sig)
}

func (m *Manager) ack(ctx context.Context, messageIDs []string) error {
	body, err := json.Marshal(ackRequest{MessageIDs: messageIDs})
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}
	sig := ed25519.Sign(m.identity.Private, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.relayURL+"/relay/inbox/"+m.identity.Name+"/ack", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent", m.identity.Name)
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network: ack: %w", errkind.TransientRemote)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("network: ack returned %s: %w", resp.Status, errkind.TransientRemote)
	}
	return nil
}
