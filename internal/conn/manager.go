// Package conn owns the lifecycle of the active chat session: it turns a
// decoded pairing descriptor into a live subscription, reconciles inbound
// events against the store, and fans accepted events out to listeners.
package conn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairlink/internal/channel"
	"github.com/eldtechnologies/pairlink/internal/metrics"
	"github.com/eldtechnologies/pairlink/internal/models"
	"github.com/eldtechnologies/pairlink/internal/store"
)

// State is the connection state machine: Disconnected -> Connecting ->
// Connected -> Disconnected. Reconnection is a fresh Connecting attempt
// from a persisted descriptor, not a separate state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	// ErrNotConnected is returned by SendMessage outside Connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrSessionEnded is returned once the session's sticky ended flag is
	// set; the peer left and further sends are rejected by policy.
	ErrSessionEnded = errors.New("session ended")

	// ErrEmptyMessage is returned for whitespace-only content.
	ErrEmptyMessage = errors.New("empty message")

	// ErrAlreadyConnecting is returned when a connect attempt is already
	// in flight.
	ErrAlreadyConnecting = errors.New("connect already in progress")
)

// Default tuning; overridable via the public fields before first use.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishRetries = 3
	defaultRetryBackoff   = 100 * time.Millisecond
)

// Manager owns the process's single active session. Construct one per
// process at the composition root; it is safe for concurrent use.
type Manager struct {
	// ConnectTimeout bounds a whole connect attempt; exceeding it is a
	// failure, never a pending state.
	ConnectTimeout time.Duration

	// PublishRetries and RetryBackoff tune the bounded, linear-backoff
	// retry loop around message publishes.
	PublishRetries int
	RetryBackoff   time.Duration

	store   store.Store
	channel channel.Channel
	rec     *reconciler
	log     zerolog.Logger

	mu            sync.Mutex
	state         State
	desc          *models.Descriptor
	lastSentTS    int64
	msgListeners  map[int]MessageListener
	connListeners map[int]ConnectionListener
	nextListener  int
}

// NewManager creates a connection manager over the given store and
// channel adapter.
func NewManager(st store.Store, ch channel.Channel, logger zerolog.Logger) *Manager {
	logger = logger.With().Str("component", "conn").Logger()
	return &Manager{
		ConnectTimeout: defaultConnectTimeout,
		PublishRetries: defaultPublishRetries,
		RetryBackoff:   defaultRetryBackoff,
		store:          st,
		channel:        ch,
		rec:            &reconciler{store: st, log: logger},
		log:            logger,
		msgListeners:   make(map[int]MessageListener),
		connListeners:  make(map[int]ConnectionListener),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Descriptor returns the active session's descriptor, or nil.
func (m *Manager) Descriptor() *models.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desc
}

// Connect establishes the session described by desc. The descriptor is
// persisted before the attempt so a crash mid-connect can still recover
// on restart. The whole attempt is bounded by ConnectTimeout. Listeners
// are notified with the outcome; on failure the state is Disconnected.
func (m *Manager) Connect(ctx context.Context, desc *models.Descriptor) error {
	m.mu.Lock()
	if m.state == StateConnecting {
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}
	m.state = StateConnecting
	m.desc = desc
	m.mu.Unlock()

	err := m.connect(ctx, desc)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		metrics.ConnectAttempts.WithLabelValues("fail").Inc()
		m.log.Warn().Err(err).Str("session_id", desc.SessionID).Msg("connect failed")
		m.fanOutConnection(false)
		return err
	}

	m.mu.Lock()
	m.state = StateConnected
	m.mu.Unlock()
	metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	m.log.Info().Str("session_id", desc.SessionID).Str("user", desc.UserName).Msg("connected")
	m.fanOutConnection(true)
	return nil
}

func (m *Manager) connect(ctx context.Context, desc *models.Descriptor) error {
	ctx, cancel := context.WithTimeout(ctx, m.ConnectTimeout)
	defer cancel()

	// Persist first: a crash between here and Connected must leave
	// enough state behind to retry on the next start.
	if err := m.store.SaveDescriptor(ctx, desc); err != nil {
		return fmt.Errorf("persist descriptor: %w", err)
	}
	if err := m.ensureSessionRow(ctx, desc); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	if err := m.channel.Connect(ctx, desc); err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}
	if err := m.channel.Subscribe(ctx, desc.SessionID, m.handleEvent); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	return nil
}

// ensureSessionRow creates the ChatSession on first connect without
// clobbering a participant name learned in an earlier run.
func (m *Manager) ensureSessionRow(ctx context.Context, desc *models.Descriptor) error {
	session, err := m.store.GetChatSession(ctx, desc.SessionID)
	if err != nil {
		return err
	}
	if session != nil {
		return nil
	}
	now := time.Now().UnixMilli()
	return m.store.SaveChatSession(ctx, &models.ChatSession{
		SessionID:       desc.SessionID,
		ParticipantName: models.UnknownParticipant,
		CreatedAt:       now,
		LastMessageAt:   now,
	})
}

// Restore replays Connect from the persisted descriptor, if any. It
// returns false when no descriptor is stored.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	desc, err := m.store.LoadDescriptor(ctx)
	if err != nil {
		return false, err
	}
	if desc == nil {
		return false, nil
	}
	m.log.Info().Str("session_id", desc.SessionID).Msg("restoring previous session")
	return true, m.Connect(ctx, desc)
}

// SendMessage publishes a locally authored message. The message is
// persisted and echoed to listeners before the publish, so a transport
// failure never loses the local copy. Content is capped at
// models.MaxContentRunes code points.
func (m *Manager) SendMessage(ctx context.Context, content string) error {
	m.mu.Lock()
	state, desc := m.state, m.desc
	m.mu.Unlock()

	if state != StateConnected || desc == nil {
		return ErrNotConnected
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	if runes := []rune(content); len(runes) > models.MaxContentRunes {
		content = string(runes[:models.MaxContentRunes])
	}

	// Peer-initiated termination is sticky; check it on every send.
	ended, err := m.store.SessionEnded(ctx, desc.SessionID)
	if err != nil {
		return fmt.Errorf("check session state: %w", err)
	}
	if ended {
		return ErrSessionEnded
	}

	ts := m.stampOutbound()
	msg := &models.Message{
		SessionID: desc.SessionID,
		Sender:    desc.UserName,
		Content:   content,
		Timestamp: ts,
		IsOwn:     true,
	}

	// Durable before anything can race: persist, bump activity, echo to
	// listeners, then publish.
	if _, err := m.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	if err := m.store.UpdateSessionLastMessage(ctx, desc.SessionID, ts); err != nil {
		m.log.Error().Err(err).Str("session_id", desc.SessionID).Msg("failed to update session activity")
	}

	m.fanOutMessage(channel.Event{
		SessionID: desc.SessionID,
		Type:      channel.EventMessage,
		Sender:    desc.UserName,
		Content:   content,
		Timestamp: ts,
	})

	if err := m.publishWithRetry(ctx, desc.SessionID, desc.UserName, content, ts); err != nil {
		metrics.PublishFailures.Inc()
		return fmt.Errorf("publish: %w", err)
	}

	metrics.MessagesSent.Inc()
	return nil
}

// stampOutbound returns a wall-clock timestamp strictly greater than
// every previous outbound stamp. Two sends in the same millisecond would
// otherwise share the store's dedup key and the second would be silently
// absorbed as a duplicate.
func (m *Manager) stampOutbound() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := time.Now().UnixMilli()
	if ts <= m.lastSentTS {
		ts = m.lastSentTS + 1
	}
	m.lastSentTS = ts
	return ts
}

func (m *Manager) publishWithRetry(ctx context.Context, sessionID, sender, content string, ts int64) error {
	var err error
	for attempt := 1; attempt <= m.PublishRetries; attempt++ {
		err = m.channel.PublishMessage(ctx, sessionID, sender, content, ts)
		if err == nil {
			return nil
		}
		if attempt < m.PublishRetries {
			m.log.Warn().Err(err).Int("attempt", attempt).Msg("publish failed, retrying")
			select {
			case <-time.After(time.Duration(attempt) * m.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

// SendSystemEvent notifies the peer of a lifecycle change. Fire and
// forget: failures are logged, never returned, and nothing is queued.
func (m *Manager) SendSystemEvent(ctx context.Context, event, actor string) {
	m.mu.Lock()
	state, desc := m.state, m.desc
	m.mu.Unlock()

	if state != StateConnected || desc == nil {
		return
	}
	if err := m.channel.PublishSystemEvent(ctx, desc.SessionID, event, actor); err != nil {
		m.log.Warn().Err(err).Str("event", event).Msg("system event not delivered")
	}
}

// Disconnect tears the session down: the peer is notified before the
// channel goes away, the local ended flag is persisted, the recovery
// descriptor is cleared, and listeners see false. Notify-step errors are
// logged only; disconnect always completes locally.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	desc := m.desc
	if m.state == StateDisconnected && desc == nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if desc != nil {
		// Notify first; teardown must not race ahead of it.
		if err := m.channel.PublishSystemEvent(ctx, desc.SessionID, channel.SystemDisconnected, desc.UserName); err != nil {
			m.log.Warn().Err(err).Msg("disconnect notification not delivered")
		}
		if err := m.store.MarkSessionEnded(ctx, desc.SessionID); err != nil {
			m.log.Error().Err(err).Msg("failed to persist ended flag")
		}
		if err := m.store.ClearDescriptor(ctx); err != nil {
			m.log.Error().Err(err).Msg("failed to clear recovery descriptor")
		}
		m.channel.Unsubscribe(desc.SessionID)
	}

	if err := m.channel.Disconnect(); err != nil {
		m.log.Warn().Err(err).Msg("channel teardown")
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.desc = nil
	m.mu.Unlock()

	m.log.Info().Msg("disconnected")
	m.fanOutConnection(false)
}

// handleEvent is the inbound path: classification, persistence, then
// fan-out. It runs on the channel's delivery goroutine and never waits
// on an in-flight send.
func (m *Manager) handleEvent(ev channel.Event) {
	m.mu.Lock()
	desc := m.desc
	m.mu.Unlock()

	if desc == nil {
		return
	}

	if m.rec.apply(context.Background(), ev, desc.SessionID, desc.UserName) {
		m.fanOutMessage(ev)
	}
}
