package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// directoryTTL is how long a fetched registry snapshot is trusted before
// the next signature verification triggers a refetch (spec §4.8: "cached
// directory (TTL ~5 min)").
const directoryTTL = 5 * time.Minute

// registryEntry is one row of GET /registry/agents.
type registryEntry struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	PublicKey string `json:"publicKey"`
}

// directory caches the relay's agent registry so every inbox poll doesn't
// need a fresh GET /registry/agents round trip.
type directory struct {
	relayURL   string
	httpClient *http.Client

	mu        sync.Mutex
	entries   map[string]registryEntry
	fetchedAt time.Time
}

func newDirectory(relayURL string, client *http.Client) *directory {
	return &directory{relayURL: relayURL, httpClient: client, entries: make(map[string]registryEntry)}
}

// lookup returns the public key and status for name, refreshing the whole
// registry if the cache is stale or name isn't present yet.
func (d *directory) lookup(agentName string) (ed25519.PublicKey, string, error) {
	d.mu.Lock()
	entry, ok := d.entries[agentName]
	stale := time.Since(d.fetchedAt) > directoryTTL
	d.mu.Unlock()

	if !ok || stale {
		if err := d.refresh(); err != nil {
			if ok {
				// Serve the stale entry rather than fail outright on a
				// transient registry outage.
				return decodeRegistryKey(entry)
			}
			return nil, "", err
		}
		d.mu.Lock()
		entry, ok = d.entries[agentName]
		d.mu.Unlock()
		if !ok {
			return nil, "", fmt.Errorf("network: agent %q not found in registry", agentName)
		}
	}
	return decodeRegistryKey(entry)
}

func decodeRegistryKey(entry registryEntry) (ed25519.PublicKey, string, error) {
	raw, err := base64.StdEncoding.DecodeString(entry.PublicKey)
	if err != nil {
		return nil, entry.Status, fmt.Errorf("decode public key for %q: %w", entry.Name, err)
	}
	return ed25519.PublicKey(raw), entry.Status, nil
}

func (d *directory) refresh() error {
	resp, err := d.httpClient.Get(d.relayURL + "/registry/agents")
	if err != nil {
		return fmt.Errorf("fetch agent registry: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read agent registry: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent registry returned %s", resp.Status)
	}

	var list []registryEntry
	if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("decode agent registry: %w", err)
	}

	d.mu.Lock()
	d.entries = make(map[string]registryEntry, len(list))
	for _, e := range list {
		d.entries[e.Name] = e
	}
	d.fetchedAt = time.Now()
	d.mu.Unlock()
	return nil
}
