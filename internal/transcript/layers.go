package transcript

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/replbridge/internal/bridge"
	"github.com/nextlevelbuilder/replbridge/internal/errkind"
)

// dedupCacheSize bounds the recently-seen fingerprint cache. No library in
// the example corpus provides a bounded LRU, so this is a small hand-rolled
// container/list + map cache — the same "stdlib first, nothing in the
// corpus reaches for one here" call the config loader's mutex pattern makes.
const dedupCacheSize = 512

type dedupCache struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

func newDedupCache() *dedupCache {
	return &dedupCache{order: list.New(), index: make(map[string]*list.Element)}
}

// seen reports whether fingerprint was already observed, marking it most
// recently used if so, and recording it (evicting the least recently used
// entry past dedupCacheSize) if not.
func (d *dedupCache) seen(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[fingerprint]; ok {
		d.order.MoveToBack(el)
		return true
	}

	el := d.order.PushBack(fingerprint)
	d.index[fingerprint] = el

	if d.order.Len() > dedupCacheSize {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}

	return false
}

// retryBackoff is the layer-2 retry schedule: 500ms, 1s, 2s, then capped at
// 5s until the capture horizon elapses.
var retryBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

const retryBackoffCap = 5 * time.Second

// backgroundPollInterval is how far into a turn AwaitResponse's transcript
// polls start counting as layer 3 (background poll) instead of layer 2
// (retry). Polling while no turn is in flight is done by the daemon's own
// idle loop, which has its own ticker.
const backgroundPollInterval = 10 * time.Second

// defaultCaptureHorizon bounds how long AwaitResponse waits across layers
// 1-3 before falling back to layer 4 (pane capture).
const defaultCaptureHorizon = 60 * time.Second

// Capturer orchestrates the four capture layers for one REPL session.
type Capturer struct {
	Session bridge.ReplSession
	Bridge  *bridge.Bridge
	Tailer  *Tailer

	dedup *dedupCache
	sm    *StateMachine
}

// NewCapturer builds a Capturer for one session.
func NewCapturer(session bridge.ReplSession, br *bridge.Bridge, tailer *Tailer) *Capturer {
	return &Capturer{
		Session: session,
		Bridge:  br,
		Tailer:  tailer,
		dedup:   newDedupCache(),
		sm:      NewStateMachine(),
	}
}

// State returns the session's current turn state.
func (c *Capturer) State() TurnState { return c.sm.Current() }

// BeginTurn transitions idle -> awaiting_response, called right after
// InjectText succeeds.
func (c *Capturer) BeginTurn() error {
	return c.sm.Transition(StateAwaitingResponse)
}

// observe applies the dedup cache, returning (resp, true) only for
// fingerprints not already delivered this process's lifetime.
func (c *Capturer) observe(resp AssistantResponse) (AssistantResponse, bool) {
	if c.dedup.seen(resp.Fingerprint) {
		return AssistantResponse{}, false
	}
	return resp, true
}

// HandleHookPush processes a response pushed by /hook/response (layer 1).
// It is the fastest and most accurate layer, since the REPL itself reports
// turn completion instead of the daemon inferring it.
func (c *Capturer) HandleHookPush(resp AssistantResponse) (AssistantResponse, bool) {
	resp.CapturedVia = LayerHook
	out, ok := c.observe(resp)
	if ok {
		_ = c.sm.Transition(StateDelivered)
	}
	return out, ok
}

// pollTranscript runs the tailer and tags + dedups every new assistant
// turn found, used by both layer 2 (retry) and layer 3 (background poll).
func (c *Capturer) pollTranscript(layer CaptureLayer) ([]AssistantResponse, error) {
	found, err := c.Tailer.ReadNew()
	if err != nil {
		return nil, err
	}

	out := make([]AssistantResponse, 0, len(found))
	for _, resp := range found {
		resp.CapturedVia = layer
		if accepted, ok := c.observe(resp); ok {
			out = append(out, accepted)
		}
	}
	return out, nil
}

// paneCaptureFallback is layer 4: read the raw pane, strip status-line
// noise, and treat what's left as the response when every file-based layer
// has failed (e.g. the transcript file's own write was delayed or the
// session predates this daemon's file-path convention).
func (c *Capturer) paneCaptureFallback(ctx context.Context) (AssistantResponse, bool, error) {
	raw, err := c.Bridge.CapturePane(ctx, c.Session, 200)
	if err != nil {
		return AssistantResponse{}, false, err
	}

	content := StripStatusLine(raw)
	if content == "" {
		return AssistantResponse{}, false, nil
	}

	resp := AssistantResponse{
		SessionID:   c.Tailer.SessionID,
		Content:     content,
		Fingerprint: Fingerprint(content),
		CapturedVia: LayerPaneCapture,
		Timestamp:   time.Now(),
	}
	out, ok := c.observe(resp)
	return out, ok, nil
}

// AwaitResponse drives layers 2-4 across one turn's capture horizon after
// an inject: short-interval retries against the transcript file, escalating
// to a capped interval, and finally a pane-capture attempt once the horizon
// is exhausted. hookCh delivers layer-1 pushes concurrently — whichever
// layer produces an accepted (non-duplicate) response first wins.
func (c *Capturer) AwaitResponse(ctx context.Context, hookCh <-chan AssistantResponse, horizon time.Duration) (AssistantResponse, error) {
	if horizon <= 0 {
		horizon = defaultCaptureHorizon
	}

	start := time.Now()
	deadline := start.Add(horizon)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	attempt := 0
	for {
		delay := retryBackoffCap
		if attempt < len(retryBackoff) {
			delay = retryBackoff[attempt]
		}
		attempt++

		timer := time.NewTimer(delay)
		select {
		case resp, ok := <-hookCh:
			timer.Stop()
			if !ok {
				continue
			}
			accepted, ok := c.HandleHookPush(resp)
			if ok {
				return accepted, nil
			}
		case <-timer.C:
			layer := LayerRetry
			if time.Since(start) >= backgroundPollInterval {
				layer = LayerBackgroundPoll
			}
			found, err := c.pollTranscript(layer)
			if err != nil {
				slog.Warn("transcript.poll_failed", "session", c.Tailer.SessionID, "layer", layer, "error", err)
			} else if len(found) > 0 {
				_ = c.sm.Transition(StateDelivered)
				return found[len(found)-1], nil
			}
		case <-ctx.Done():
			resp, ok, err := c.paneCaptureFallback(context.WithoutCancel(ctx))
			if err == nil && ok {
				_ = c.sm.Transition(StateDelivered)
				return resp, nil
			}
			_ = c.sm.Transition(StateIdle)
			return AssistantResponse{}, fmt.Errorf("await response: %w", errkind.CaptureExhausted)
		}
	}
}

// EndTurn transitions delivered -> idle, closing the turn out once its
// response has been captured; routing the response happens afterwards.
func (c *Capturer) EndTurn() error {
	return c.sm.Transition(StateIdle)
}
