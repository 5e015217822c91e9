package conn

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairlink/internal/channel"
	"github.com/eldtechnologies/pairlink/internal/metrics"
	"github.com/eldtechnologies/pairlink/internal/models"
	"github.com/eldtechnologies/pairlink/internal/store"
)

// reconciler classifies every inbound event before it reaches listeners
// or the store: it drops mis-routed events and self-echoes, applies
// session-terminating and identity-revealing system events, and persists
// exactly the peer messages that must survive a restart.
type reconciler struct {
	store store.Store
	log   zerolog.Logger
}

// apply runs the classification pipeline for one inbound event and
// reports whether it should be fanned out to listeners.
func (r *reconciler) apply(ctx context.Context, ev channel.Event, sessionID, localName string) bool {
	// Defensive re-check: the adapter already scopes subscriptions by
	// session, but a mis-routed event must never cross conversations.
	if ev.SessionID != sessionID {
		r.log.Warn().Str("got", ev.SessionID).Str("want", sessionID).Msg("dropping mis-routed event")
		return false
	}

	switch ev.Type {
	case channel.EventSystem:
		return r.applySystem(ctx, ev, localName)
	case channel.EventMessage:
		return r.applyMessage(ctx, ev, localName)
	default:
		r.log.Warn().Str("type", string(ev.Type)).Msg("dropping event of unknown type")
		return false
	}
}

func (r *reconciler) applySystem(ctx context.Context, ev channel.Event, localName string) bool {
	// Our own lifecycle signals loop back in loopback mode; they carry
	// no new information and must not overwrite the peer's identity.
	if ev.Actor == localName {
		return false
	}

	switch ev.Event {
	case channel.SystemDisconnected:
		if err := r.store.MarkSessionEnded(ctx, ev.SessionID); err != nil {
			r.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("failed to persist ended flag")
		}
		metrics.SessionsEnded.Inc()
		r.log.Info().Str("session_id", ev.SessionID).Str("actor", ev.Actor).Msg("peer ended the session")

	case channel.SystemJoined:
		if ev.Actor != "" && ev.Actor != models.UnknownParticipant {
			r.ensureSession(ctx, ev.SessionID, ev.Actor)
			if err := r.store.UpdateSessionParticipantName(ctx, ev.SessionID, ev.Actor); err != nil {
				r.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("failed to update participant name")
			}
		}

	default:
		r.log.Debug().Str("event", ev.Event).Msg("ignoring unknown system event")
	}

	return true
}

func (r *reconciler) applyMessage(ctx context.Context, ev channel.Event, localName string) bool {
	// Self-echo: locally authored messages were already persisted and
	// fanned out on send.
	if ev.Sender == localName {
		metrics.EchoesDiscarded.Inc()
		return false
	}

	session := r.ensureSession(ctx, ev.SessionID, ev.Sender)

	// Identity inference: adopt the first real sender name we see for a
	// session whose peer is still the placeholder.
	if session != nil && (session.ParticipantName == "" || session.ParticipantName == models.UnknownParticipant) && ev.Sender != "" {
		if err := r.store.UpdateSessionParticipantName(ctx, ev.SessionID, ev.Sender); err != nil {
			r.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("failed to adopt participant name")
		}
	}

	msg := &models.Message{
		SessionID: ev.SessionID,
		Sender:    ev.Sender,
		Content:   ev.Content,
		Timestamp: ev.Timestamp,
		IsOwn:     false,
	}
	if _, err := r.store.SaveMessage(ctx, msg); err != nil {
		r.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("failed to persist peer message")
	}
	if err := r.store.UpdateSessionLastMessage(ctx, ev.SessionID, ev.Timestamp); err != nil {
		r.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("failed to update session activity")
	}

	metrics.MessagesReceived.Inc()
	return true
}

// ensureSession lazily creates the session row the first time an event
// for an unknown session id arrives.
func (r *reconciler) ensureSession(ctx context.Context, sessionID, participant string) *models.ChatSession {
	session, err := r.store.GetChatSession(ctx, sessionID)
	if err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session")
		return nil
	}
	if session != nil {
		return session
	}

	if participant == "" {
		participant = models.UnknownParticipant
	}
	now := time.Now().UnixMilli()
	session = &models.ChatSession{
		SessionID:       sessionID,
		ParticipantName: participant,
		CreatedAt:       now,
		LastMessageAt:   now,
	}
	if err := r.store.SaveChatSession(ctx, session); err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to create session")
		return nil
	}
	return session
}
