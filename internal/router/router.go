package router

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/channels"
	"github.com/nextlevelbuilder/replbridge/internal/errkind"
	"github.com/nextlevelbuilder/replbridge/internal/state"
	"github.com/nextlevelbuilder/replbridge/internal/telemetry"
)

// dedupCacheSize bounds the router's recently-delivered fingerprint set —
// the same hand-rolled bounded cache shape internal/transcript uses for its
// own capture-layer dedup, sized independently since the router sees one
// entry per delivered turn rather than one per capture attempt.
const dedupCacheSize = 256

type dedupCache struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

func newDedupCache() *dedupCache {
	return &dedupCache{order: list.New(), index: make(map[string]*list.Element)}
}

func (d *dedupCache) seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[key]; ok {
		return true
	}
	el := d.order.PushBack(key)
	d.index[key] = el
	if d.order.Len() > dedupCacheSize {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
	return false
}

// retryBackoff is the layered retry schedule: 500ms, 1s, 2s, then capped at
// 5s, abandoned once retryHorizon has elapsed since the first attempt.
var retryBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

const (
	retryBackoffCap = 5 * time.Second
	retryHorizon    = 60 * time.Second

	// defaultOutboundRate and defaultOutboundBurst size the per-channel
	// token bucket: a sustained one message per 2 seconds with room for a
	// 5-message burst, generous enough for normal conversational replies
	// without letting a runaway proactive loop spam a channel.
	defaultOutboundRate  = rate.Limit(0.5)
	defaultOutboundBurst = 5
)

// Target names where a response should go: a channel plus chat/thread ID
// plus the tone that channel's medium calls for.
type Target struct {
	Channel string
	ChatID  string
	Tone    Tone
}

// AuditMirror is the narrow surface internal/state/pg.Mirror satisfies for
// delivery outcomes; declared here so this package never depends on
// database/sql or a Postgres driver when the mirror is disabled.
type AuditMirror interface {
	RecordDelivery(ctx context.Context, rec state.DeliveryRecord) error
}

// Router delivers AssistantResponse content to channel adapters with
// dedup, rate limiting, retry, and tone shaping.
type Router struct {
	manager *channels.Manager
	log     *state.DeliveryLog
	mirror  AuditMirror

	dedup *dedupCache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Router over manager, appending every delivery attempt to
// log.
func New(manager *channels.Manager, log *state.DeliveryLog) *Router {
	return &Router{
		manager:  manager,
		log:      log,
		dedup:    newDedupCache(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetAuditMirror wires the optional Postgres audit mirror after
// construction, matching the same setter idiom access.Controller and
// httpapi.Server use for their own optional dependencies.
func (r *Router) SetAuditMirror(mirror AuditMirror) {
	r.mirror = mirror
}

func (r *Router) limiterFor(channel string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[channel]
	if !ok {
		l = rate.NewLimiter(defaultOutboundRate, defaultOutboundBurst)
		r.limiters[channel] = l
	}
	return l
}

// Route delivers content (already captured, already fingerprinted) to
// target, applying dedup, tone shaping, rate limiting, and layered retry in
// that order. A duplicate fingerprint or a silent-tone target both return
// nil without calling the channel adapter; every outcome, including those
// two and exhausting the retry horizon, is recorded in the delivery log.
func (r *Router) Route(ctx context.Context, target Target, content, fingerprint string) error {
	if r.dedup.seen(fingerprint) {
		r.record(target, fingerprint, state.DeliveryDeduped, 0, nil)
		return nil
	}

	shaped, send := Shape(content, target.Tone)
	if !send {
		r.record(target, fingerprint, state.DeliveryDelivered, 0, nil)
		return nil
	}

	limiter := r.limiterFor(target.Channel)
	waitCtx, cancel := context.WithTimeout(ctx, retryHorizon)
	defer cancel()
	if err := limiter.Wait(waitCtx); err != nil {
		r.record(target, fingerprint, state.DeliveryRateLimited, 0, err)
		return fmt.Errorf("route: %w: %v", errkind.TransientRemote, err)
	}

	return r.deliverWithRetry(ctx, target, shaped, fingerprint)
}

func (r *Router) deliverWithRetry(ctx context.Context, target Target, content, fingerprint string) error {
	spanCtx, endSpan := telemetry.StartSend(ctx, target.Channel, string(target.Tone))
	var spanErr error
	defer func() { endSpan(spanErr) }()

	deadline := time.Now().Add(retryHorizon)
	var lastErr error

	for attempt := 1; ; attempt++ {
		err := r.manager.Send(spanCtx, bus.OutboundMessage{
			Channel: target.Channel,
			ChatID:  target.ChatID,
			Content: content,
		})
		if err == nil {
			r.record(target, fingerprint, state.DeliveryDelivered, attempt, nil)
			return nil
		}
		lastErr = err
		spanErr = err

		kind, _ := errkind.Classify(err)
		if kind == errkind.PermanentRemote || kind == errkind.ValidationFailure || kind == errkind.AuthFailure {
			r.record(target, fingerprint, state.DeliveryFailed, attempt, err)
			return fmt.Errorf("route: permanent failure: %w", err)
		}

		if time.Now().After(deadline) {
			break
		}

		delay := retryBackoffCap
		if attempt-1 < len(retryBackoff) {
			delay = retryBackoff[attempt-1]
		}
		slog.Warn("router.retrying", "channel", target.Channel, "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.record(target, fingerprint, state.DeliveryFailed, attempt, ctx.Err())
			return fmt.Errorf("route: %w", ctx.Err())
		}
	}

	slog.Error("router.retry_exhausted", "channel", target.Channel, "error", lastErr)
	r.record(target, fingerprint, state.DeliveryFailed, 0, lastErr)
	return fmt.Errorf("route: %w: retries exhausted: %v", errkind.TransientRemote, lastErr)
}

func (r *Router) record(target Target, fingerprint string, status state.DeliveryStatus, attempt int, err error) {
	rec := state.DeliveryRecord{
		Timestamp:   time.Now(),
		Channel:     target.Channel,
		ChatID:      target.ChatID,
		Fingerprint: fingerprint,
		Status:      status,
		Attempt:     attempt,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if r.mirror != nil {
		go func() {
			if err := r.mirror.RecordDelivery(context.Background(), rec); err != nil {
				slog.Warn("router.mirror_failed", "channel", rec.Channel, "error", err)
			}
		}()
	}

	if r.log == nil {
		return
	}
	if logErr := r.log.Append(rec); logErr != nil {
		slog.Error("router.delivery_log_write_failed", "error", logErr)
	}
}
