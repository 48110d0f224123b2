// Package network implements the Ed25519 Relay (spec §4.8): the fallback
// path for inter-agent comms when LAN Peer Comms can't reach a peer
// directly, and the general path for agents on different networks.
package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/nextlevelbuilder/replbridge/internal/secrets"
)

// identityKey is the well-known secret-store key under which the relay
// identity's private key is persisted.
const identityKey = "network_identity_private_key"

// Identity is this agent's Ed25519 keypair, used to sign every relay
// request and to register with the relay's agent directory.
type Identity struct {
	Name    string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Bootstrap loads the identity's private key from store, generating and
// persisting a fresh Ed25519 keypair on first run (spec §4.8's "Identity
// bootstrap").
func Bootstrap(store secrets.Store, name string) (*Identity, error) {
	if encoded, err := store.Get(identityKey); err == nil {
		priv, err := decodePrivateKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("network: stored identity key is corrupt: %w", err)
		}
		return &Identity{Name: name, Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("network: generate identity keypair: %w", err)
	}
	if err := store.Set(identityKey, base64.StdEncoding.EncodeToString(priv)); err != nil {
		return nil, fmt.Errorf("network: persist identity private key: %w", err)
	}
	return &Identity{Name: name, Public: pub, Private: priv}, nil
}

func decodePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("unexpected key length %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// PublicKeyBase64 returns the identity's public key as the relay's registry
// wire format expects it.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.Public)
}
