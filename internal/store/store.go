package store

import (
	"context"

	"github.com/eldtechnologies/pairlink/internal/models"
)

// descriptorSlot is the well-known key under which the last-active
// connection descriptor is persisted for restart recovery.
const descriptorSlot = "active_connection"

// Store defines the interface for durable chat state. SQLiteStore,
// PostgresStore and RedisStore all implement it with identical observable
// semantics: message retrieval ordered by (timestamp, id), upsert sessions
// keyed by session id, cascade delete, and insert-or-ignore message
// deduplication on (session, timestamp, sender, is_own).
type Store interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Message operations. SaveMessage assigns a ULID id on insert and
	// returns it; if an identical message (per the dedup key) already
	// exists, the existing id is returned and nothing is written.
	SaveMessage(ctx context.Context, msg *models.Message) (string, error)
	GetMessages(ctx context.Context, sessionID string) ([]models.Message, error)

	// Session operations. SaveChatSession is an upsert keyed by session
	// id. GetChatSession returns (nil, nil) when the session is unknown.
	// DeleteChatSession also removes the session's messages and flags.
	SaveChatSession(ctx context.Context, session *models.ChatSession) error
	GetChatSession(ctx context.Context, sessionID string) (*models.ChatSession, error)
	GetChatSessions(ctx context.Context) ([]models.ChatSession, error)
	UpdateSessionLastMessage(ctx context.Context, sessionID string, ts int64) error
	UpdateSessionParticipantName(ctx context.Context, sessionID, name string) error
	DeleteChatSession(ctx context.Context, sessionID string) error

	// Restart-recovery state: one slot for the last-active connection
	// descriptor, one sticky ended flag per session. LoadDescriptor
	// returns (nil, nil) when the slot is empty.
	SaveDescriptor(ctx context.Context, desc *models.Descriptor) error
	LoadDescriptor(ctx context.Context) (*models.Descriptor, error)
	ClearDescriptor(ctx context.Context) error
	MarkSessionEnded(ctx context.Context, sessionID string) error
	SessionEnded(ctx context.Context, sessionID string) (bool, error)
}
