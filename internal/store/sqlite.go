package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/pairlink/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/pairlink.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/pairlink.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		session_id TEXT PRIMARY KEY,
		participant_name TEXT NOT NULL DEFAULT 'Unknown',
		created_at INTEGER NOT NULL,
		last_message_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		ts INTEGER NOT NULL,
		is_own INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recovery_state (
		slot TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ended_sessions (
		session_id TEXT PRIMARY KEY,
		ended_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
		ON messages(session_id, ts, sender, is_own);
	CREATE INDEX IF NOT EXISTS idx_messages_session_ts
		ON messages(session_id, ts);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_message
		ON chat_sessions(last_message_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveMessage inserts a message, assigning a ULID id. Redelivered copies
// (same session, timestamp, sender and is_own) are ignored and the id of
// the already-stored row is returned instead.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *models.Message) (string, error) {
	id := ulid.Make().String()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, session_id, sender, content, ts, is_own)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, msg.SessionID, msg.Sender, msg.Content, msg.Timestamp, msg.IsOwn)
	if err != nil {
		return "", err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		// Duplicate delivery; hand back the existing row's id.
		err = s.db.QueryRowContext(ctx, `
			SELECT id FROM messages
			WHERE session_id = ? AND ts = ? AND sender = ? AND is_own = ?
		`, msg.SessionID, msg.Timestamp, msg.Sender, msg.IsOwn).Scan(&id)
		if err != nil {
			return "", err
		}
	}

	msg.ID = id
	return id, nil
}

// GetMessages retrieves all messages for a session in ascending
// timestamp order, ties broken by id.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender, content, ts, is_own
		FROM messages
		WHERE session_id = ?
		ORDER BY ts ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Content, &msg.Timestamp, &msg.IsOwn); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// SaveChatSession upserts a session keyed by session id.
func (s *SQLiteStore) SaveChatSession(ctx context.Context, session *models.ChatSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, participant_name, created_at, last_message_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			participant_name = excluded.participant_name,
			last_message_at = excluded.last_message_at
	`, session.SessionID, session.ParticipantName, session.CreatedAt, session.LastMessageAt)
	return err
}

// GetChatSession retrieves a session by id, or (nil, nil) if unknown.
func (s *SQLiteStore) GetChatSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	session := &models.ChatSession{}
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, participant_name, created_at, last_message_at
		FROM chat_sessions
		WHERE session_id = ?
	`, sessionID).Scan(&session.SessionID, &session.ParticipantName, &session.CreatedAt, &session.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetChatSessions lists all sessions, most recent activity first.
func (s *SQLiteStore) GetChatSessions(ctx context.Context) ([]models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, participant_name, created_at, last_message_at
		FROM chat_sessions
		ORDER BY last_message_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []models.ChatSession{}
	for rows.Next() {
		var session models.ChatSession
		if err := rows.Scan(&session.SessionID, &session.ParticipantName, &session.CreatedAt, &session.LastMessageAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// UpdateSessionLastMessage sets the session's last-activity timestamp.
func (s *SQLiteStore) UpdateSessionLastMessage(ctx context.Context, sessionID string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET last_message_at = ? WHERE session_id = ?
	`, ts, sessionID)
	return err
}

// UpdateSessionParticipantName sets the best-known peer display name.
func (s *SQLiteStore) UpdateSessionParticipantName(ctx context.Context, sessionID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET participant_name = ? WHERE session_id = ?
	`, name, sessionID)
	return err
}

// DeleteChatSession removes a session together with its messages and
// ended flag, atomically.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ended_sessions WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE session_id = ?`, sessionID); err != nil {
		return err
	}

	return tx.Commit()
}

// SaveDescriptor persists the active connection descriptor.
func (s *SQLiteStore) SaveDescriptor(ctx context.Context, desc *models.Descriptor) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovery_state (slot, payload) VALUES (?, ?)
		ON CONFLICT(slot) DO UPDATE SET payload = excluded.payload
	`, descriptorSlot, string(payload))
	return err
}

// LoadDescriptor reads back the persisted descriptor, or (nil, nil) if
// none is stored.
func (s *SQLiteStore) LoadDescriptor(ctx context.Context) (*models.Descriptor, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM recovery_state WHERE slot = ?
	`, descriptorSlot).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var desc models.Descriptor
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// ClearDescriptor empties the recovery slot.
func (s *SQLiteStore) ClearDescriptor(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM recovery_state WHERE slot = ?
	`, descriptorSlot)
	return err
}

// MarkSessionEnded sets the sticky ended flag for a session.
func (s *SQLiteStore) MarkSessionEnded(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ended_sessions (session_id) VALUES (?)
	`, sessionID)
	return err
}

// SessionEnded reports whether the session's ended flag is set.
func (s *SQLiteStore) SessionEnded(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM ended_sessions WHERE session_id = ?
	`, sessionID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
