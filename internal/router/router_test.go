package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/channels"
	"github.com/nextlevelbuilder/replbridge/internal/errkind"
	"github.com/nextlevelbuilder/replbridge/internal/state"
)

type flakyChannel struct {
	name    string
	failN   int
	calls   int
	lastMsg bus.OutboundMessage
}

func (f *flakyChannel) Name() string                     { return f.name }
func (f *flakyChannel) Start(ctx context.Context) error   { return nil }
func (f *flakyChannel) Stop(ctx context.Context) error    { return nil }
func (f *flakyChannel) IsRunning() bool                   { return true }
func (f *flakyChannel) IsAllowed(senderID string) bool    { return true }
func (f *flakyChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.calls++
	f.lastMsg = msg
	if f.calls <= f.failN {
		return fmt.Errorf("flaky: %w", errkind.TransientRemote)
	}
	return nil
}

type permanentFailChannel struct{ name string }

func (p *permanentFailChannel) Name() string                   { return p.name }
func (p *permanentFailChannel) Start(ctx context.Context) error { return nil }
func (p *permanentFailChannel) Stop(ctx context.Context) error  { return nil }
func (p *permanentFailChannel) IsRunning() bool                 { return true }
func (p *permanentFailChannel) IsAllowed(senderID string) bool  { return true }
func (p *permanentFailChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	return fmt.Errorf("rejected: %w", errkind.PermanentRemote)
}

func newTestRouter(t *testing.T) (*Router, *channels.Manager) {
	t.Helper()
	mgr := channels.NewManager()
	log, err := state.NewDeliveryLog(filepath.Join(t.TempDir()))
	if err != nil {
		t.Fatalf("NewDeliveryLog: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return New(mgr, log), mgr
}

func TestRouteDeliversOnFirstSuccess(t *testing.T) {
	r, mgr := newTestRouter(t)
	ch := &flakyChannel{name: "terminal"}
	mgr.RegisterChannel("terminal", ch)

	err := r.Route(context.Background(), Target{Channel: "terminal", ChatID: "1", Tone: ToneTerminal}, "hello", "fp-1")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ch.calls != 1 {
		t.Fatalf("expected 1 call, got %d", ch.calls)
	}
}

func TestRouteDedupsRepeatedFingerprint(t *testing.T) {
	r, mgr := newTestRouter(t)
	ch := &flakyChannel{name: "terminal"}
	mgr.RegisterChannel("terminal", ch)

	target := Target{Channel: "terminal", ChatID: "1", Tone: ToneTerminal}
	if err := r.Route(context.Background(), target, "hello", "fp-dup"); err != nil {
		t.Fatalf("first Route: %v", err)
	}
	if err := r.Route(context.Background(), target, "hello", "fp-dup"); err != nil {
		t.Fatalf("second Route: %v", err)
	}
	if ch.calls != 1 {
		t.Fatalf("expected dedup to suppress the second send, got %d calls", ch.calls)
	}
}

func TestRouteSilentToneSkipsSend(t *testing.T) {
	r, mgr := newTestRouter(t)
	ch := &flakyChannel{name: "chat"}
	mgr.RegisterChannel("chat", ch)

	err := r.Route(context.Background(), Target{Channel: "chat", ChatID: "1", Tone: ToneSilent}, "quiet", "fp-silent")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ch.calls != 0 {
		t.Fatalf("expected no send for silent tone, got %d calls", ch.calls)
	}
}

func TestRouteRetriesTransientFailureThenSucceeds(t *testing.T) {
	r, mgr := newTestRouter(t)
	ch := &flakyChannel{name: "terminal", failN: 2}
	mgr.RegisterChannel("terminal", ch)

	err := r.Route(context.Background(), Target{Channel: "terminal", ChatID: "1", Tone: ToneTerminal}, "hi", "fp-retry")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if ch.calls != 3 {
		t.Fatalf("expected 3 attempts (2 failures + success), got %d", ch.calls)
	}
}

func TestRouteAbortsOnPermanentFailure(t *testing.T) {
	r, mgr := newTestRouter(t)
	mgr.RegisterChannel("terminal", &permanentFailChannel{name: "terminal"})

	err := r.Route(context.Background(), Target{Channel: "terminal", ChatID: "1", Tone: ToneTerminal}, "hi", "fp-perm")
	if err == nil {
		t.Fatal("expected an error for permanent failure")
	}
	if !errors.Is(err, errkind.PermanentRemote) {
		t.Fatalf("expected PermanentRemote classification, got %v", err)
	}
}

func TestRouteUnknownChannelIsPermanent(t *testing.T) {
	r, _ := newTestRouter(t)
	err := r.Route(context.Background(), Target{Channel: "missing", ChatID: "1", Tone: ToneTerminal}, "hi", "fp-missing")
	if err == nil {
		t.Fatal("expected an error for unknown channel")
	}
}

type recordingMirror struct {
	mu    sync.Mutex
	calls int
}

func (m *recordingMirror) RecordDelivery(ctx context.Context, rec state.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return nil
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestAuditMirrorRecordsDelivery(t *testing.T) {
	r, mgr := newTestRouter(t)
	ch := &flakyChannel{name: "terminal"}
	mgr.RegisterChannel("terminal", ch)
	mirror := &recordingMirror{}
	r.SetAuditMirror(mirror)

	if err := r.Route(context.Background(), Target{Channel: "terminal", ChatID: "1", Tone: ToneTerminal}, "hi", "fp-mirror"); err != nil {
		t.Fatalf("Route: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for mirror.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if mirror.count() == 0 {
		t.Fatal("expected audit mirror to record the delivery")
	}
}

func TestDedupCacheEvictsOldestBeyondCapacity(t *testing.T) {
	d := newDedupCache()
	for i := 0; i < dedupCacheSize+10; i++ {
		d.seen(fmt.Sprintf("key-%d", i))
	}
	if d.order.Len() != dedupCacheSize {
		t.Fatalf("expected cache capped at %d, got %d", dedupCacheSize, d.order.Len())
	}
	if d.seen("key-0") {
		t.Fatal("expected the oldest key to have been evicted")
	}
}
