package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replbridge/internal/errkind"
	"github.com/nextlevelbuilder/replbridge/internal/peer"
	"github.com/nextlevelbuilder/replbridge/internal/state"
)

type fakeHooks struct {
	called         bool
	transcriptPath string
}

func (f *fakeHooks) NotifyTranscriptChanged(ctx context.Context, transcriptPath, hookEvent string) error {
	f.called = true
	f.transcriptPath = transcriptPath
	return nil
}

type fakeStatus struct{ busy bool }

func (f *fakeStatus) Status(ctx context.Context) map[string]any {
	return map[string]any{"session": "s1"}
}
func (f *fakeStatus) IsBusy() bool { return f.busy }

type fakePeers struct {
	inboundErr error
	sendErr    error
	sentTo     string
}

func (f *fakePeers) HandleInbound(ctx context.Context, bearerToken string, msg peer.AgentMessage) error {
	return f.inboundErr
}
func (f *fakePeers) SendToPeer(ctx context.Context, peerName string, msg peer.AgentMessage) error {
	f.sentTo = peerName
	return f.sendErr
}

func newTestServer(hooks HookNotifier, status StatusProvider, peers PeerMessenger) (*Server, string) {
	s := New(hooks, status, peers, nil)
	ctx, cancel := context.WithCancel(context.Background())
	addr, start := StartTestServer(s, ctx)
	go start()
	time.Sleep(20 * time.Millisecond)
	_ = cancel
	return s, addr
}

func TestHealthEndpoint(t *testing.T) {
	_, addr := newTestServer(&fakeHooks{}, &fakeStatus{}, &fakePeers{})
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHookResponseRequiresTranscriptPath(t *testing.T) {
	hooks := &fakeHooks{}
	_, addr := newTestServer(hooks, &fakeStatus{}, &fakePeers{})

	resp, err := http.Post("http://"+addr+"/hook/response", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST /hook/response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing transcript_path, got %d", resp.StatusCode)
	}
	if hooks.called {
		t.Fatal("expected NotifyTranscriptChanged not to be called for an invalid request")
	}
}

func TestHookResponseDispatchesToNotifier(t *testing.T) {
	hooks := &fakeHooks{}
	_, addr := newTestServer(hooks, &fakeStatus{}, &fakePeers{})

	body, _ := json.Marshal(map[string]string{"transcript_path": "/tmp/t.jsonl"})
	resp, err := http.Post("http://"+addr+"/hook/response", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /hook/response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !hooks.called || hooks.transcriptPath != "/tmp/t.jsonl" {
		t.Fatalf("expected notifier called with the transcript path, got called=%v path=%q", hooks.called, hooks.transcriptPath)
	}
}

func TestAgentMessageRejectsBadBearerWithUnauthorized(t *testing.T) {
	peers := &fakePeers{inboundErr: fmt.Errorf("bad bearer: %w", errkind.AuthFailure)}
	_, addr := newTestServer(&fakeHooks{}, &fakeStatus{}, peers)

	body, _ := json.Marshal(peer.AgentMessage{From: "bravo", Type: "text", MessageID: "m1"})
	req, _ := http.NewRequest(http.MethodPost, "http://"+addr+"/agent/message", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /agent/message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAgentStatusReportsBusy(t *testing.T) {
	_, addr := newTestServer(&fakeHooks{}, &fakeStatus{busy: true}, &fakePeers{})

	resp, err := http.Get("http://" + addr + "/agent/status")
	if err != nil {
		t.Fatalf("GET /agent/status: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if busy, _ := body["busy"].(bool); !busy {
		t.Fatalf("expected busy=true, got %v", body)
	}
}

func TestAgentSendRequiresPeer(t *testing.T) {
	peers := &fakePeers{}
	_, addr := newTestServer(&fakeHooks{}, &fakeStatus{}, peers)

	resp, err := http.Post("http://"+addr+"/agent/send", "application/json", bytes.NewReader([]byte(`{"type":"text","text":"hi"}`)))
	if err != nil {
		t.Fatalf("POST /agent/send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing peer, got %d", resp.StatusCode)
	}
}

type fakePairing struct {
	approveErr error
	approved   string
	pending    []state.Sender
}

func (f *fakePairing) Approve(code, approvedBy string) error {
	f.approved = code
	return f.approveErr
}
func (f *fakePairing) Deny(code, deniedBy string) error { return nil }

func (f *fakePairing) ListPending() []state.Sender { return f.pending }

func TestPairingApproveRequiresEnabledApprover(t *testing.T) {
	_, addr := newTestServer(&fakeHooks{}, &fakeStatus{}, &fakePeers{})

	resp, err := http.Post("http://"+addr+"/pairing/approve", "application/json", bytes.NewReader([]byte(`{"code":"ABC"}`)))
	if err != nil {
		t.Fatalf("POST /pairing/approve: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no pairing approver wired, got %d", resp.StatusCode)
	}
}

func TestPairingApproveDispatchesToController(t *testing.T) {
	s, addr := newTestServer(&fakeHooks{}, &fakeStatus{}, &fakePeers{})
	pairing := &fakePairing{}
	s.SetPairingApprover(pairing)

	body, _ := json.Marshal(map[string]string{"code": "abc123"})
	resp, err := http.Post("http://"+addr+"/pairing/approve", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /pairing/approve: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if pairing.approved != "abc123" {
		t.Fatalf("expected Approve called with abc123, got %q", pairing.approved)
	}
}

func TestPairingListReturnsPendingSenders(t *testing.T) {
	s, addr := newTestServer(&fakeHooks{}, &fakeStatus{}, &fakePeers{})
	s.SetPairingApprover(&fakePairing{pending: []state.Sender{{Channel: "telegram", SenderID: "42"}}})

	resp, err := http.Get("http://" + addr + "/pairing/list")
	if err != nil {
		t.Fatalf("GET /pairing/list: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAgentSendDispatchesToPeerManager(t *testing.T) {
	peers := &fakePeers{}
	_, addr := newTestServer(&fakeHooks{}, &fakeStatus{}, peers)

	body, _ := json.Marshal(map[string]string{"peer": "bravo", "type": "text", "text": "hi"})
	resp, err := http.Post("http://"+addr+"/agent/send", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /agent/send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if peers.sentTo != "bravo" {
		t.Fatalf("expected SendToPeer called with bravo, got %q", peers.sentTo)
	}
}
