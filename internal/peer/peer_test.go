package peer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/nextlevelbuilder/replbridge/internal/errkind"
	"github.com/nextlevelbuilder/replbridge/internal/state"
)

type recordingInjector struct {
	lines []string
}

func (r *recordingInjector) InjectLine(ctx context.Context, text string) error {
	r.lines = append(r.lines, text)
	return nil
}

func newTestManager(t *testing.T, injector Injector, peers []Peer) *Manager {
	t.Helper()
	log, err := state.NewPeerCommsLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewPeerCommsLog: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return New("s3cr3t", injector, log, peers)
}

func TestHandleInboundValidMessageInjectsFormattedLine(t *testing.T) {
	inj := &recordingInjector{}
	m := newTestManager(t, inj, nil)

	err := m.HandleInbound(context.Background(), "s3cr3t", AgentMessage{
		From: "bravo", Type: "text", MessageID: "m1", Text: "status check",
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(inj.lines) != 1 || inj.lines[0] != "[Agent] bravo: status check" {
		t.Fatalf("unexpected injected lines: %v", inj.lines)
	}
}

func TestHandleInboundRejectsBadBearer(t *testing.T) {
	inj := &recordingInjector{}
	m := newTestManager(t, inj, nil)

	err := m.HandleInbound(context.Background(), "wrong", AgentMessage{From: "bravo", Type: "text", MessageID: "m1"})
	if !errors.Is(err, errkind.AuthFailure) {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
	if len(inj.lines) != 0 {
		t.Fatal("expected no injection for a rejected bearer")
	}
}

func TestHandleInboundRejectsMissingFields(t *testing.T) {
	inj := &recordingInjector{}
	m := newTestManager(t, inj, nil)

	err := m.HandleInbound(context.Background(), "s3cr3t", AgentMessage{Type: "text"})
	if !errors.Is(err, errkind.ValidationFailure) {
		t.Fatalf("expected ValidationFailure, got %v", err)
	}
}

func TestHandleInboundRejectsUnknownType(t *testing.T) {
	inj := &recordingInjector{}
	m := newTestManager(t, inj, nil)

	err := m.HandleInbound(context.Background(), "s3cr3t", AgentMessage{From: "bravo", Type: "nonsense", MessageID: "m1"})
	if !errors.Is(err, errkind.ValidationFailure) {
		t.Fatalf("expected ValidationFailure, got %v", err)
	}
}

func TestSendToPeerUnknownPeerIsPermanent(t *testing.T) {
	m := newTestManager(t, &recordingInjector{}, nil)
	err := m.SendToPeer(context.Background(), "missing", AgentMessage{From: "a", Type: "text"})
	if !errors.Is(err, errkind.PermanentRemote) {
		t.Fatalf("expected PermanentRemote, got %v", err)
	}
}

func TestSendToPeerSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true,"queued":false}`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}

	m := newTestManager(t, &recordingInjector{}, []Peer{{Name: "bravo", Host: u.Hostname(), Port: port}})

	if err := m.SendToPeer(context.Background(), "bravo", AgentMessage{From: "alpha", Type: "text", Text: "hi"}); err != nil {
		t.Fatalf("SendToPeer: %v", err)
	}
	if gotAuth != "Bearer s3cr3t" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
}
