// Package bus defines the shared message/event types passed between the
// transcript stream, the channel adapters, and the channel router, plus the
// concrete pub/sub implementation (MessageBus) they pass through.
package bus

import "context"

// InboundMessage is a message a channel adapter received from its platform,
// queued for delivery into the live REPL session.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []string          `json:"media,omitempty"`
	PeerKind string            `json:"peer_kind,omitempty"` // "direct" or "group"
	UserID   string            `json:"user_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is an AssistantResponse (or proactive notification) headed
// out through the Channel Router to one channel adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file referenced by path or URL, passed through
// to the channel adapter by reference — never re-encoded by the router.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a server-side event broadcast to /ws observers: delivery records,
// channel state transitions, peer traffic.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Event names used by internal/httpapi's /ws feed.
const (
	EventDelivery      = "delivery"
	EventChannelState  = "channel_state"
	EventPeerMessage   = "peer_message"
	EventSchedulerTick = "scheduler_tick"
)

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so callers don't
// need to depend on the concrete MessageBus type.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channel
// adapters and the channel router.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
