// Package channel abstracts the real-time backend as session-scoped
// publish/subscribe. Delivery is at-least-once and unordered across
// devices; callers own deduplication and echo filtering.
package channel

import (
	"context"

	"github.com/eldtechnologies/pairlink/internal/models"
)

// EventType distinguishes user messages from lifecycle signals.
type EventType string

const (
	EventMessage EventType = "message"
	EventSystem  EventType = "system"
)

// System event names carried over the channel.
const (
	SystemJoined       = "joined"
	SystemDisconnected = "disconnected"
)

// Event is the wire envelope for everything a session's topic carries.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`

	// Message fields
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"ts,omitempty"` // Unix ms

	// System fields
	Event string `json:"event,omitempty"`
	Actor string `json:"actor,omitempty"`
}

// Handler receives inbound events for a subscribed session.
type Handler func(ev Event)

// Channel is the transport abstraction. Subscribe is idempotent per
// session: subscribing twice must not duplicate delivery.
type Channel interface {
	Connect(ctx context.Context, desc *models.Descriptor) error
	PublishMessage(ctx context.Context, sessionID, sender, content string, ts int64) error
	PublishSystemEvent(ctx context.Context, sessionID, event, actor string) error
	Subscribe(ctx context.Context, sessionID string, h Handler) error
	Unsubscribe(sessionID string)
	Disconnect() error
}
