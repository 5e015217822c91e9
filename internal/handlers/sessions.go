package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SessionInfo represents one conversation in the history listing.
type SessionInfo struct {
	SessionID       string `json:"session_id"`
	ParticipantName string `json:"participant_name"`
	CreatedAt       int64  `json:"created_at"`
	LastMessageAt   int64  `json:"last_message_at"`
	Ended           bool   `json:"ended"`
}

// SessionsResponse represents the session history listing.
type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// Sessions lists all known chat sessions, most recent activity first.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessions, err := h.store.GetChatSessions(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	resp := SessionsResponse{Sessions: make([]SessionInfo, 0, len(sessions))}
	for _, s := range sessions {
		ended, err := h.store.SessionEnded(ctx, s.SessionID)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to read session state")
			return
		}
		resp.Sessions = append(resp.Sessions, SessionInfo{
			SessionID:       s.SessionID,
			ParticipantName: s.ParticipantName,
			CreatedAt:       s.CreatedAt,
			LastMessageAt:   s.LastMessageAt,
			Ended:           ended,
		})
	}

	h.JSON(w, http.StatusOK, resp)
}

// MessageInfo represents one message in a session transcript.
type MessageInfo struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"`
	IsOwn     bool   `json:"is_own"`
}

// MessagesResponse represents a session transcript.
type MessagesResponse struct {
	SessionID string        `json:"session_id"`
	Messages  []MessageInfo `json:"messages"`
}

// Messages returns the transcript for one session in timestamp order.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")

	session, err := h.store.GetChatSession(ctx, sessionID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		h.Error(w, http.StatusNotFound, "unknown session")
		return
	}

	msgs, err := h.store.GetMessages(ctx, sessionID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	resp := MessagesResponse{SessionID: sessionID, Messages: make([]MessageInfo, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, MessageInfo{
			ID:        m.ID,
			Sender:    m.Sender,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			IsOwn:     m.IsOwn,
		})
	}

	h.JSON(w, http.StatusOK, resp)
}
