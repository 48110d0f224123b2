package network

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replbridge/internal/errkind"
	"github.com/nextlevelbuilder/replbridge/internal/secrets"
	"github.com/nextlevelbuilder/replbridge/internal/state"
)

type memStore struct{ values map[string]string }

func newMemStore() *memStore { return &memStore{values: make(map[string]string)} }

func (m *memStore) Get(key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", secrets.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(key, value string) error {
	m.values[key] = value
	return nil
}

type recordingInjector struct{ lines []string }

func (r *recordingInjector) InjectLine(ctx context.Context, text string) error {
	r.lines = append(r.lines, text)
	return nil
}

func newTestManager(t *testing.T, relayURL string, identity *Identity, injector Injector) *Manager {
	t.Helper()
	nonces, err := NewNonceStore(filepath.Join(t.TempDir(), "nonces.db"))
	if err != nil {
		t.Fatalf("NewNonceStore: %v", err)
	}
	t.Cleanup(func() { nonces.Close() })
	log, err := state.NewPeerCommsLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewPeerCommsLog: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return New(identity, relayURL, "owner@example.com", nonces, injector, log)
}

func TestBootstrapGeneratesAndPersistsIdentity(t *testing.T) {
	store := newMemStore()

	id1, err := Bootstrap(store, "alpha")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(id1.Public) != ed25519.PublicKeySize {
		t.Fatalf("unexpected public key size %d", len(id1.Public))
	}

	id2, err := Bootstrap(store, "alpha")
	if err != nil {
		t.Fatalf("Bootstrap (second run): %v", err)
	}
	if !id1.Public.Equal(id2.Public) {
		t.Fatal("expected the second bootstrap to reuse the persisted keypair")
	}
}

func TestRegisterHandlesCreated(t *testing.T) {
	store := newMemStore()
	identity, err := Bootstrap(store, "alpha")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"status":"pending"}`))
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, identity, &recordingInjector{})

	status, err := m.Register(context.Background())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if status != "pending" {
		t.Fatalf("expected pending, got %q", status)
	}
}

func TestRegisterConflictFallsBackToStatusCheck(t *testing.T) {
	store := newMemStore()
	identity, err := Bootstrap(store, "alpha")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/registry/agents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		case http.MethodGet:
			json.NewEncoder(w).Encode([]registryEntry{
				{Name: "alpha", Status: "approved", PublicKey: base64.StdEncoding.EncodeToString(identity.Public)},
			})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(t, srv.URL, identity, &recordingInjector{})

	status, err := m.Register(context.Background())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if status != "approved" {
		t.Fatalf("expected approved after conflict fallback, got %q", status)
	}
}

func TestSendSignsAndPostsToRelay(t *testing.T) {
	store := newMemStore()
	identity, err := Bootstrap(store, "alpha")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	var gotAgent, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("X-Agent")
		gotSig = r.Header.Get("X-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, identity, &recordingInjector{})
	if err := m.Send(context.Background(), RelayMessage{To: "bravo", Type: "text", Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAgent != "alpha" {
		t.Fatalf("expected X-Agent alpha, got %q", gotAgent)
	}
	sig, err := base64.StdEncoding.DecodeString(gotSig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !ed25519.Verify(identity.Public, gotBody, sig) {
		t.Fatal("signature does not verify over the exact sent body")
	}
}

func TestSendClassifiesServerErrorAsTransient(t *testing.T) {
	store := newMemStore()
	identity, _ := Bootstrap(store, "alpha")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, identity, &recordingInjector{})
	err := m.Send(context.Background(), RelayMessage{To: "bravo", Type: "text"})
	if err == nil || !errIs(err, errkind.TransientRemote) {
		t.Fatalf("expected TransientRemote, got %v", err)
	}
}

func TestPollInboxInjectsVerifiedAndUnverifiedEntries(t *testing.T) {
	recipientStore := newMemStore()
	recipient, err := Bootstrap(recipientStore, "alpha")
	if err != nil {
		t.Fatalf("bootstrap recipient: %v", err)
	}

	senderStore := newMemStore()
	sender, err := Bootstrap(senderStore, "bravo")
	if err != nil {
		t.Fatalf("bootstrap sender: %v", err)
	}
	impostorStore := newMemStore()
	impostor, err := Bootstrap(impostorStore, "impostor")
	if err != nil {
		t.Fatalf("bootstrap impostor: %v", err)
	}

	goodPayload, _ := json.Marshal(RelayMessage{From: "bravo", Type: "text", Text: "legit", MessageID: "m1", Nonce: "n1"})
	goodSig := ed25519.Sign(sender.Private, goodPayload)

	badPayload, _ := json.Marshal(RelayMessage{From: "bravo", Type: "text", Text: "spoofed", MessageID: "m2", Nonce: "n2"})
	badSig := ed25519.Sign(impostor.Private, badPayload) // signed with the wrong key

	var ackedIDs []string
	mux := http.NewServeMux()
	mux.HandleFunc("/registry/agents", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]registryEntry{
			{Name: "bravo", Status: "approved", PublicKey: base64.StdEncoding.EncodeToString(sender.Public)},
		})
	})
	mux.HandleFunc("/relay/inbox/alpha", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			entries := []relayInboxEntry{
				{MessageID: "m1", From: "bravo", Payload: goodPayload, Signature: base64.StdEncoding.EncodeToString(goodSig)},
				{MessageID: "m2", From: "bravo", Payload: badPayload, Signature: base64.StdEncoding.EncodeToString(badSig)},
			}
			json.NewEncoder(w).Encode(entries)
			return
		}
	})
	mux.HandleFunc("/relay/inbox/alpha/ack", func(w http.ResponseWriter, r *http.Request) {
		var ack ackRequest
		json.NewDecoder(r.Body).Decode(&ack)
		ackedIDs = ack.MessageIDs
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	inj := &recordingInjector{}
	m := newTestManager(t, srv.URL, recipient, inj)

	if err := m.PollInbox(context.Background()); err != nil {
		t.Fatalf("PollInbox: %v", err)
	}

	if len(inj.lines) != 2 {
		t.Fatalf("expected 2 injected lines, got %v", inj.lines)
	}
	if inj.lines[0] != "[Network] bravo: legit" {
		t.Fatalf("expected verified line without marker, got %q", inj.lines[0])
	}
	if inj.lines[1] != "[Network] bravo: spoofed [UNVERIFIED]" {
		t.Fatalf("expected unverified marker on spoofed entry, got %q", inj.lines[1])
	}
	if len(ackedIDs) != 2 {
		t.Fatalf("expected both entries acked, got %v", ackedIDs)
	}
}

func TestPollInboxRejectsReplayedNonce(t *testing.T) {
	recipientStore := newMemStore()
	recipient, _ := Bootstrap(recipientStore, "alpha")
	senderStore := newMemStore()
	sender, _ := Bootstrap(senderStore, "bravo")

	payload, _ := json.Marshal(RelayMessage{From: "bravo", Type: "text", Text: "hi", MessageID: "m1", Nonce: "same-nonce"})
	sig := ed25519.Sign(sender.Private, payload)

	poll := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/registry/agents", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]registryEntry{
			{Name: "bravo", Status: "approved", PublicKey: base64.StdEncoding.EncodeToString(sender.Public)},
		})
	})
	mux.HandleFunc("/relay/inbox/alpha", func(w http.ResponseWriter, r *http.Request) {
		poll++
		entries := []relayInboxEntry{{MessageID: fmt.Sprintf("m%d", poll), From: "bravo", Payload: payload, Signature: base64.StdEncoding.EncodeToString(sig)}}
		json.NewEncoder(w).Encode(entries)
	})
	mux.HandleFunc("/relay/inbox/alpha/ack", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	inj := &recordingInjector{}
	m := newTestManager(t, srv.URL, recipient, inj)

	if err := m.PollInbox(context.Background()); err != nil {
		t.Fatalf("first PollInbox: %v", err)
	}
	if err := m.PollInbox(context.Background()); err != nil {
		t.Fatalf("second PollInbox: %v", err)
	}

	if len(inj.lines) != 1 {
		t.Fatalf("expected the replayed nonce to be rejected on the second poll, got %v", inj.lines)
	}
}

func TestNonceStoreRejectsDuplicateWithinWindow(t *testing.T) {
	store, err := NewNonceStore(filepath.Join(t.TempDir(), "nonces.db"))
	if err != nil {
		t.Fatalf("NewNonceStore: %v", err)
	}
	defer store.Close()

	now := time.Now()
	seen, err := store.CheckAndRecord("bravo", "n1", now)
	if err != nil || seen {
		t.Fatalf("expected first check to be fresh, seen=%v err=%v", seen, err)
	}
	seen, err = store.CheckAndRecord("bravo", "n1", now.Add(time.Second))
	if err != nil || !seen {
		t.Fatalf("expected repeated nonce to be flagged as seen, seen=%v err=%v", seen, err)
	}
}

func errIs(err error, kind errkind.Kind) bool {
	k, ok := errkind.Classify(err)
	return ok && k == kind
}
