// Package access implements the Access Control module: sender trust
// classification, DM/group policy evaluation, pairing-code approval, and
// the inbound sliding-window rate limit that protects the session bridge
// from being flooded by an unapproved or hostile sender.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replbridge/internal/state"
)

// AuditMirror is the narrow surface internal/state/pg.Mirror satisfies;
// declared here (not imported from pg) so this package never depends on
// database/sql or a Postgres driver when the mirror is disabled.
type AuditMirror interface {
	RecordSenderChange(ctx context.Context, s state.Sender) error
}

// Decision is the outcome of evaluating one inbound message against Access
// Control.
type Decision struct {
	Allowed      bool
	Tier         state.Tier
	RateLimited  bool
	NeedsPairing bool
	PairingCode  string
	// WaitingAck is set when a pending or denied sender's message was
	// enqueued and the primary notified (spec §4.4 step 3) — the adapter
	// should reply with a waiting-on-human acknowledgment instead of a
	// fresh pairing code.
	WaitingAck bool
}

// Notifier is the narrow surface Evaluate uses to tell the primary owner
// about a message from a pending/denied sender. runtime.InjectLine in
// cmd/replbridged already has this exact shape, so SetNotifier wires
// straight to it without introducing a new method there.
type Notifier interface {
	InjectLine(ctx context.Context, text string) error
}

// Controller ties the sender trust store to the inbound rate limiter and
// the configured owner identities.
type Controller struct {
	senders     *state.SenderStore
	limiter     *SlidingWindowLimiter
	owners      map[string]bool // "channel|senderID"
	blocked     map[string]bool // "channel|senderID"
	mirror      AuditMirror
	notifier    Notifier
	approvalTTL time.Duration

	pendingCodes map[string]pairingRequest

	mu      sync.Mutex
	pending []PendingMessage
}

// PendingMessage is one inbound message enqueued because its sender was
// pending or denied, waiting for a human decision (spec §4.4 step 3).
type PendingMessage struct {
	Channel     string
	SenderID    string
	DisplayName string
	Content     string
	At          time.Time
}

// maxPendingMessages bounds the in-memory waiting queue; the oldest entries
// are dropped once it fills, matching the cap-then-drop pattern the rate
// limiter uses for inbound bursts.
const maxPendingMessages = 100

type pairingRequest struct {
	channel     string
	senderID    string
	displayName string
	issuedAt    time.Time
}

// DefaultRateLimitWindow and DefaultRateLimitMaxHits match the sliding
// window the teacher's webhook rate limiter used before this package
// adapted it for per-sender, not per-source-IP, keys.
const (
	DefaultRateLimitWindow  = 60 * time.Second
	DefaultRateLimitMaxHits = 30

	pairingCodeTTL = 10 * time.Minute

	// DefaultApprovalTTL is how long a pairing approval stands before the
	// approval-audit scheduled task demotes it back to pending (spec
	// §4.5: "Approvals have an expiry date").
	DefaultApprovalTTL = 90 * 24 * time.Hour
)

// NewController builds a Controller. owners and blocked are both lists of
// "channel|senderID" strings (or a bare senderID, matched against any
// channel); owners always get TierOwner, blocked senders are always
// silently dropped, both checked ahead of the persisted sender store.
func NewController(senders *state.SenderStore, owners, blocked []string) *Controller {
	ownerSet := make(map[string]bool, len(owners))
	for _, o := range owners {
		ownerSet[o] = true
	}
	blockedSet := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		blockedSet[b] = true
	}
	return &Controller{
		senders:      senders,
		limiter:      NewSlidingWindowLimiter(DefaultRateLimitWindow, DefaultRateLimitMaxHits),
		owners:       ownerSet,
		blocked:      blockedSet,
		approvalTTL:  DefaultApprovalTTL,
		pendingCodes: make(map[string]pairingRequest),
	}
}

// SetAuditMirror wires the optional Postgres audit mirror after
// construction, the same post-construction-setter idiom httpapi.Server
// uses for its PairingApprover — keeps NewController's signature stable for
// callers that never enable config.DatabaseConfig.
func (c *Controller) SetAuditMirror(mirror AuditMirror) {
	c.mirror = mirror
}

// SetNotifier wires the primary-owner notification path after construction.
// Unset (nil), a pending/denied sender's message is still enqueued but no
// notification fires.
func (c *Controller) SetNotifier(notifier Notifier) {
	c.notifier = notifier
}

// SetApprovalTTL overrides DefaultApprovalTTL. ttl <= 0 means approvals
// never expire.
func (c *Controller) SetApprovalTTL(ttl time.Duration) {
	c.approvalTTL = ttl
}

// RunApprovalAudit demotes every expired safe-sender approval to pending
// (spec §4.5, §4.6's "approval-audit" task type) and returns how many were
// demoted.
func (c *Controller) RunApprovalAudit() (int, error) {
	return c.senders.DemoteExpiredApprovals(time.Now())
}

// isBlocked checks the configured blocklist by exact "channel|id" match or
// bare senderID match — mirrors isOwner.
func (c *Controller) isBlocked(channel, senderID string) bool {
	return c.blocked[channel+"|"+senderID] || c.blocked[senderID]
}

func (c *Controller) mirrorSenderChange(s state.Sender) {
	if c.mirror == nil {
		return
	}
	go func() {
		if err := c.mirror.RecordSenderChange(context.Background(), s); err != nil {
			slog.Warn("access.mirror_failed", "channel", s.Channel, "sender_id", s.SenderID, "error", err)
		}
	}()
}

// isOwner checks the configured owner list by exact "channel|id" match or
// bare senderID match.
func (c *Controller) isOwner(channel, senderID string) bool {
	if c.owners[channel+"|"+senderID] || c.owners[senderID] {
		return true
	}
	return false
}

// Evaluate classifies sender and applies the sliding-window rate limit.
// dmPolicy/groupPolicy are the channel's configured policy strings ("open",
// "allowlist", "pairing", "disabled"); peerKind is "direct" or "group".
// content is the inbound message text, enqueued (spec §4.4 step 3) if the
// sender is pending or denied under a pairing policy.
//
// Tiers are checked in the order spec §4.5 names them: blocked → primary →
// approvedThirdParty → recentlyDenied → unknown.
func (c *Controller) Evaluate(channel, senderID, displayName, peerKind, dmPolicy, groupPolicy, content string) Decision {
	if c.isBlocked(channel, senderID) {
		return Decision{Allowed: false, Tier: state.TierBlocked}
	}
	if c.isOwner(channel, senderID) {
		return Decision{Allowed: true, Tier: state.TierOwner}
	}

	tier := c.senders.Classify(channel, senderID)

	policy := dmPolicy
	if peerKind == "group" {
		policy = groupPolicy
	}
	if policy == "" {
		policy = "open"
	}

	key := channel + "|" + senderID
	if !c.limiter.Allow(key) {
		slog.Warn("access.rate_limited", "channel", channel, "sender_id", senderID)
		return Decision{Allowed: false, Tier: tier, RateLimited: true}
	}

	switch policy {
	case "disabled":
		return Decision{Allowed: false, Tier: tier}
	case "open":
		if tier == state.TierUnknown {
			_ = c.senders.TrackThirdParty(channel, senderID, displayName)
			tier = state.TierThirdParty
			c.mirrorSenderChange(state.Sender{
				Channel: channel, SenderID: senderID, DisplayName: displayName,
				Tier: tier, LastSeenAt: time.Now(),
			})
		}
		return Decision{Allowed: true, Tier: tier}
	case "allowlist":
		return Decision{Allowed: tier == state.TierSafe, Tier: tier}
	default: // "pairing"
		switch tier {
		case state.TierSafe:
			return Decision{Allowed: true, Tier: tier}
		case state.TierPending, state.TierDenied:
			c.enqueueWaiting(channel, senderID, displayName, content)
			return Decision{Allowed: false, Tier: tier, WaitingAck: true}
		default:
			_ = c.senders.MarkPending(channel, senderID, displayName)
			code := c.issuePairingCode(channel, senderID, displayName)
			return Decision{Allowed: false, Tier: state.TierPending, NeedsPairing: true, PairingCode: code}
		}
	}
}

// enqueueWaiting records content in the bounded pending-message queue and
// notifies the primary owner, if a Notifier is wired.
func (c *Controller) enqueueWaiting(channel, senderID, displayName, content string) {
	c.mu.Lock()
	c.pending = append(c.pending, PendingMessage{
		Channel: channel, SenderID: senderID, DisplayName: displayName,
		Content: content, At: time.Now(),
	})
	if len(c.pending) > maxPendingMessages {
		c.pending = c.pending[len(c.pending)-maxPendingMessages:]
	}
	c.mu.Unlock()

	if c.notifier == nil {
		return
	}
	line := fmt.Sprintf("[Access] waiting on human: %s via %s (%s) says: %s", displayName, channel, senderID, content)
	go func() {
		if err := c.notifier.InjectLine(context.Background(), line); err != nil {
			slog.Warn("access.notify_primary_failed", "error", err)
		}
	}()
}

// PendingMessages returns every message enqueued while its sender awaited a
// pairing decision, oldest first.
func (c *Controller) PendingMessages() []PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PendingMessage(nil), c.pending...)
}

// issuePairingCode returns the still-valid code for this sender if one was
// issued within pairingCodeTTL, otherwise mints a new one.
func (c *Controller) issuePairingCode(channel, senderID, displayName string) string {
	key := channel + "|" + senderID
	if req, ok := c.pendingCodes[key]; ok && time.Since(req.issuedAt) < pairingCodeTTL {
		for code, r := range c.pendingCodes {
			if r == req {
				return code
			}
		}
	}

	code := strings.ToUpper(uuid.New().String()[:8])
	c.pendingCodes[code] = pairingRequest{
		channel:     channel,
		senderID:    senderID,
		displayName: displayName,
		issuedAt:    time.Now(),
	}
	return code
}

// Approve resolves a pending pairing code, moving the sender into
// safe-senders.json. Returns an error if the code is unknown or expired.
func (c *Controller) Approve(code, approvedBy string) error {
	req, ok := c.pendingCodes[strings.ToUpper(code)]
	if !ok {
		return fmt.Errorf("unknown or expired pairing code %q", code)
	}
	if time.Since(req.issuedAt) >= pairingCodeTTL {
		delete(c.pendingCodes, strings.ToUpper(code))
		return fmt.Errorf("pairing code %q expired", code)
	}

	if err := c.senders.Approve(req.channel, req.senderID, req.displayName, approvedBy, c.approvalTTL); err != nil {
		return fmt.Errorf("approve pairing: %w", err)
	}
	c.mirrorSenderChange(state.Sender{
		Channel: req.channel, SenderID: req.senderID, DisplayName: req.displayName,
		Tier: state.TierSafe, ApprovedBy: approvedBy, ApprovedAt: time.Now(),
	})
	delete(c.pendingCodes, strings.ToUpper(code))
	return nil
}

// Deny resolves a pending pairing code by recording the sender as denied
// rather than approved — a human explicitly rejected the request. Future
// messages from this sender get a waiting-on-human acknowledgment instead
// of a repeat pairing code (spec §4.4 step 3) until a fresh approval.
func (c *Controller) Deny(code, deniedBy string) error {
	req, ok := c.pendingCodes[strings.ToUpper(code)]
	if !ok {
		return fmt.Errorf("unknown or expired pairing code %q", code)
	}

	if err := c.senders.Deny(req.channel, req.senderID, deniedBy); err != nil {
		return fmt.Errorf("deny pairing: %w", err)
	}
	c.mirrorSenderChange(state.Sender{
		Channel: req.channel, SenderID: req.senderID, DisplayName: req.displayName,
		Tier: state.TierDenied, DeniedBy: deniedBy, DeniedAt: time.Now(),
	})
	delete(c.pendingCodes, strings.ToUpper(code))
	return nil
}

// ListPending returns every sender tracked (but not yet approved) via
// third-party tracking, for `pairing list`.
func (c *Controller) ListPending() []state.Sender {
	return c.senders.ListPending()
}
