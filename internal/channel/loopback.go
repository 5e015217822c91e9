package channel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairlink/internal/models"
)

// loopbackDelay simulates network latency for looped-back publishes.
const loopbackDelay = 150 * time.Millisecond

// Loopback is the degraded single-device channel: with no backend
// reachable, publishes are delivered back to the local subscriber after
// a short delay so the full message pipeline still runs. Nothing ever
// reaches a second device.
type Loopback struct {
	log zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	delay    time.Duration
}

// NewLoopback creates a loopback channel.
func NewLoopback(logger zerolog.Logger) *Loopback {
	return &Loopback{
		log:      logger.With().Str("component", "loopback").Logger(),
		handlers: make(map[string]Handler),
		delay:    loopbackDelay,
	}
}

// Connect always succeeds; there is nothing to dial.
func (l *Loopback) Connect(ctx context.Context, desc *models.Descriptor) error {
	l.log.Info().Str("session_id", desc.SessionID).Msg("loopback mode: no backend, echoing locally")
	return nil
}

// PublishMessage loops a user message back to the local subscriber.
func (l *Loopback) PublishMessage(ctx context.Context, sessionID, sender, content string, ts int64) error {
	l.deliver(Event{
		SessionID: sessionID,
		Type:      EventMessage,
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
	})
	return nil
}

// PublishSystemEvent loops a lifecycle signal back to the local
// subscriber.
func (l *Loopback) PublishSystemEvent(ctx context.Context, sessionID, event, actor string) error {
	l.deliver(Event{
		SessionID: sessionID,
		Type:      EventSystem,
		Event:     event,
		Actor:     actor,
	})
	return nil
}

func (l *Loopback) deliver(ev Event) {
	time.AfterFunc(l.delay, func() {
		l.mu.Lock()
		h := l.handlers[ev.SessionID]
		l.mu.Unlock()

		if h != nil {
			h(ev)
		}
	})
}

// Subscribe registers the session's handler. A second subscribe for the
// same session replaces the handler; delivery is never duplicated.
func (l *Loopback) Subscribe(ctx context.Context, sessionID string, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[sessionID] = h
	return nil
}

// Unsubscribe stops delivery for a session.
func (l *Loopback) Unsubscribe(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, sessionID)
}

// Disconnect drops all subscriptions.
func (l *Loopback) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = make(map[string]Handler)
	return nil
}
