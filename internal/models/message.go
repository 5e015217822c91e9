package models

// MaxContentRunes bounds message content length in code points.
const MaxContentRunes = 1000

// Message represents a single chat message within a session.
type Message struct {
	ID        string `json:"id"` // ULID, assigned by the store on insert
	SessionID string `json:"session_id"`
	Sender    string `json:"sender"` // display name, not a stable identity
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"` // Unix ms
	IsOwn     bool   `json:"is_own"`
}
