package models

import "time"

// UnknownParticipant is the placeholder name used until the peer's
// display name is learned from the channel.
const UnknownParticipant = "Unknown"

// ChatSession represents one paired conversation. Exactly one row exists
// per SessionID; saves are upserts.
type ChatSession struct {
	SessionID       string `json:"session_id"`
	ParticipantName string `json:"participant_name"`
	CreatedAt       int64  `json:"created_at"`      // Unix ms
	LastMessageAt   int64  `json:"last_message_at"` // Unix ms, drives history ordering
}

// Descriptor is the decoded form of a pairing token: everything a device
// needs to open (or re-open) the channel for a session. It is also
// persisted under a well-known slot so a restart can reconnect.
type Descriptor struct {
	SessionID string `json:"session_id"`
	UserName  string `json:"user_name"` // local display name
	ServerURL string `json:"server_url"`
	IssuedAt  int64  `json:"ts"` // Unix ms
}

// StaleAfter is the advisory validity window for a pairing token. A stale
// token still decodes; staleness is a display concern for the caller.
const StaleAfter = time.Hour

// Stale reports whether the descriptor's issue time is older than the
// validity window at time now.
func (d *Descriptor) Stale(now time.Time) bool {
	issued := time.UnixMilli(d.IssuedAt)
	return now.Sub(issued) > StaleAfter
}
