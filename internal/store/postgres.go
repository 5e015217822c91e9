package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/pairlink/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}

	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist. Statements run one at
// a time; pgx's extended protocol rejects multi-statement commands.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id TEXT PRIMARY KEY,
			participant_name TEXT NOT NULL DEFAULT 'Unknown',
			created_at BIGINT NOT NULL,
			last_message_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			ts BIGINT NOT NULL,
			is_own BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recovery_state (
			slot TEXT PRIMARY KEY,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ended_sessions (
			session_id TEXT PRIMARY KEY,
			ended_at BIGINT NOT NULL DEFAULT (extract(epoch from now()) * 1000)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
			ON messages(session_id, ts, sender, is_own)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_ts
			ON messages(session_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_message
			ON chat_sessions(last_message_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveMessage inserts a message, assigning a ULID id. Duplicate
// deliveries return the existing row's id.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg *models.Message) (string, error) {
	id := ulid.Make().String()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, sender, content, ts, is_own)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, ts, sender, is_own) DO NOTHING
	`, id, msg.SessionID, msg.Sender, msg.Content, msg.Timestamp, msg.IsOwn)
	if err != nil {
		return "", err
	}

	if tag.RowsAffected() == 0 {
		err = s.pool.QueryRow(ctx, `
			SELECT id FROM messages
			WHERE session_id = $1 AND ts = $2 AND sender = $3 AND is_own = $4
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
func (s *PostgresStore) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, sender, content, ts, is_own
		FROM messages
		WHERE session_id = $1
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
func (s *PostgresStore) SaveChatSession(ctx context.Context, session *models.ChatSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_sessions (session_id, participant_name, created_at, last_message_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			participant_name = EXCLUDED.participant_name,
			last_message_at = EXCLUDED.last_message_at
	`, session.SessionID, session.ParticipantName, session.CreatedAt, session.LastMessageAt)
	return err
}

// GetChatSession retrieves a session by id, or (nil, nil) if unknown.
func (s *PostgresStore) GetChatSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	session := &models.ChatSession{}
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, participant_name, created_at, last_message_at
		FROM chat_sessions
		WHERE session_id = $1
	`, sessionID).Scan(&session.SessionID, &session.ParticipantName, &session.CreatedAt, &session.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetChatSessions lists all sessions, most recent activity first.
func (s *PostgresStore) GetChatSessions(ctx context.Context) ([]models.ChatSession, error) {
	rows, err := s.pool.Query(ctx, `
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
func (s *PostgresStore) UpdateSessionLastMessage(ctx context.Context, sessionID string, ts int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET last_message_at = $1 WHERE session_id = $2
	`, ts, sessionID)
	return err
}

// UpdateSessionParticipantName sets the best-known peer display name.
func (s *PostgresStore) UpdateSessionParticipantName(ctx context.Context, sessionID, name string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions SET participant_name = $1 WHERE session_id = $2
	`, name, sessionID)
	return err
}

// DeleteChatSession removes a session together with its messages and
// ended flag, atomically.
func (s *PostgresStore) DeleteChatSession(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM ended_sessions WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chat_sessions WHERE session_id = $1`, sessionID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SaveDescriptor persists the active connection descriptor.
func (s *PostgresStore) SaveDescriptor(ctx context.Context, desc *models.Descriptor) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recovery_state (slot, payload) VALUES ($1, $2)
		ON CONFLICT (slot) DO UPDATE SET payload = EXCLUDED.payload
	`, descriptorSlot, string(payload))
	return err
}

// LoadDescriptor reads back the persisted descriptor, or (nil, nil) if
// none is stored.
func (s *PostgresStore) LoadDescriptor(ctx context.Context) (*models.Descriptor, error) {
	var payload string
	err := s.pool.QueryRow(ctx, `
		SELECT payload FROM recovery_state WHERE slot = $1
	`, descriptorSlot).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) ClearDescriptor(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM recovery_state WHERE slot = $1
	`, descriptorSlot)
	return err
}

// MarkSessionEnded sets the sticky ended flag for a session.
func (s *PostgresStore) MarkSessionEnded(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ended_sessions (session_id) VALUES ($1)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID)
	return err
}

// SessionEnded reports whether the session's ended flag is set.
func (s *PostgresStore) SessionEnded(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(1) FROM ended_sessions WHERE session_id = $1
	`, sessionID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
