package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/pairlink/internal/models"
)

// RedisStore is the key-value Store implementation: messages live in a
// per-session sorted set scored by timestamp, session metadata in a hash,
// and the history index in a sorted set scored by last activity.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client, mainly for tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

const sessionIndexKey = "sessions:by_activity"

// sessionMessagesKey returns the key for a session's message sorted set.
func sessionMessagesKey(sessionID string) string {
	return fmt.Sprintf("session:%s:messages", sessionID)
}

// sessionMetaKey returns the key for a session's metadata hash.
func sessionMetaKey(sessionID string) string {
	return fmt.Sprintf("session:%s:meta", sessionID)
}

// sessionEndedKey returns the key for a session's sticky ended flag.
func sessionEndedKey(sessionID string) string {
	return fmt.Sprintf("session:%s:ended", sessionID)
}

// descriptorKey is where the active connection descriptor is stored.
const descriptorKey = "recovery:" + descriptorSlot

// Close closes the Redis connection.
func (s *RedisStore) Close() {
	s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SaveMessage stores a message in the session's sorted set. Duplicate
// deliveries (same timestamp, sender and is_own at the same score) are
// detected by scanning the score bucket and return the existing id.
func (s *RedisStore) SaveMessage(ctx context.Context, msg *models.Message) (string, error) {
	key := sessionMessagesKey(msg.SessionID)
	score := fmt.Sprintf("%d", msg.Timestamp)

	existing, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: score,
		Max: score,
	}).Result()
	if err != nil {
		return "", err
	}
	for _, data := range existing {
		var prev models.Message
		if err := json.Unmarshal([]byte(data), &prev); err != nil {
			continue
		}
		if prev.Sender == msg.Sender && prev.IsOwn == msg.IsOwn {
			msg.ID = prev.ID
			return prev.ID, nil
		}
	}

	msg.ID = ulid.Make().String()

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	err = s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(msg.Timestamp),
		Member: string(data),
	}).Err()
	if err != nil {
		return "", err
	}

	return msg.ID, nil
}

// GetMessages retrieves all messages for a session in ascending
// timestamp order, ties broken by id.
func (s *RedisStore) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	results, err := s.client.ZRange(ctx, sessionMessagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(results))
	for _, data := range results {
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].ID < messages[j].ID
	})

	return messages, nil
}

// SaveChatSession upserts a session keyed by session id.
func (s *RedisStore) SaveChatSession(ctx context.Context, session *models.ChatSession) error {
	// Preserve the original creation time on upsert.
	createdAt := session.CreatedAt
	if prev, err := s.GetChatSession(ctx, session.SessionID); err != nil {
		return err
	} else if prev != nil {
		createdAt = prev.CreatedAt
	}

	err := s.client.HSet(ctx, sessionMetaKey(session.SessionID), map[string]interface{}{
		"participant_name": session.ParticipantName,
		"created_at":       createdAt,
		"last_message_at":  session.LastMessageAt,
	}).Err()
	if err != nil {
		return err
	}

	return s.client.ZAdd(ctx, sessionIndexKey, redis.Z{
		Score:  float64(session.LastMessageAt),
		Member: session.SessionID,
	}).Err()
}

// GetChatSession retrieves a session by id, or (nil, nil) if unknown.
func (s *RedisStore) GetChatSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	fields, err := s.client.HGetAll(ctx, sessionMetaKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	session := &models.ChatSession{
		SessionID:       sessionID,
		ParticipantName: fields["participant_name"],
	}
	session.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	session.LastMessageAt, _ = strconv.ParseInt(fields["last_message_at"], 10, 64)
	return session, nil
}

// GetChatSessions lists all sessions, most recent activity first.
func (s *RedisStore) GetChatSessions(ctx context.Context) ([]models.ChatSession, error) {
	ids, err := s.client.ZRevRange(ctx, sessionIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]models.ChatSession, 0, len(ids))
	for _, id := range ids {
		session, err := s.GetChatSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if session == nil {
			continue
		}
		sessions = append(sessions, *session)
	}

	return sessions, nil
}

// UpdateSessionLastMessage sets the session's last-activity timestamp.
func (s *RedisStore) UpdateSessionLastMessage(ctx context.Context, sessionID string, ts int64) error {
	err := s.client.HSet(ctx, sessionMetaKey(sessionID), "last_message_at", ts).Err()
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, sessionIndexKey, redis.Z{
		Score:  float64(ts),
		Member: sessionID,
	}).Err()
}

// UpdateSessionParticipantName sets the best-known peer display name.
func (s *RedisStore) UpdateSessionParticipantName(ctx context.Context, sessionID, name string) error {
	return s.client.HSet(ctx, sessionMetaKey(sessionID), "participant_name", name).Err()
}

// DeleteChatSession removes a session together with its messages and
// ended flag.
func (s *RedisStore) DeleteChatSession(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionMessagesKey(sessionID))
	pipe.Del(ctx, sessionMetaKey(sessionID))
	pipe.Del(ctx, sessionEndedKey(sessionID))
	pipe.ZRem(ctx, sessionIndexKey, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// SaveDescriptor persists the active connection descriptor.
func (s *RedisStore) SaveDescriptor(ctx context.Context, desc *models.Descriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, descriptorKey, string(data), 0).Err()
}

// LoadDescriptor reads back the persisted descriptor, or (nil, nil) if
// none is stored.
func (s *RedisStore) LoadDescriptor(ctx context.Context) (*models.Descriptor, error) {
	data, err := s.client.Get(ctx, descriptorKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var desc models.Descriptor
	if err := json.Unmarshal([]byte(data), &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// ClearDescriptor empties the recovery slot.
func (s *RedisStore) ClearDescriptor(ctx context.Context) error {
	return s.client.Del(ctx, descriptorKey).Err()
}

// MarkSessionEnded sets the sticky ended flag for a session.
func (s *RedisStore) MarkSessionEnded(ctx context.Context, sessionID string) error {
	return s.client.Set(ctx, sessionEndedKey(sessionID), time.Now().UnixMilli(), 0).Err()
}

// SessionEnded reports whether the session's ended flag is set.
func (s *RedisStore) SessionEnded(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, sessionEndedKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
