package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairlink/internal/models"
)

// ErrNotConnected is returned when publishing before Connect succeeded.
var ErrNotConnected = errors.New("channel not connected")

// sessionTopic returns the pub/sub topic for a session.
func sessionTopic(sessionID string) string {
	return fmt.Sprintf("pairlink:session:%s", sessionID)
}

// RedisChannel implements Channel over Redis pub/sub, one topic per
// session.
type RedisChannel struct {
	log zerolog.Logger

	mu     sync.Mutex
	client *redis.Client
	subs   map[string]*redis.PubSub
}

// NewRedisChannel creates an unconnected Redis channel adapter.
func NewRedisChannel(logger zerolog.Logger) *RedisChannel {
	return &RedisChannel{
		log:  logger.With().Str("component", "channel").Logger(),
		subs: make(map[string]*redis.PubSub),
	}
}

// Connect dials the backend named by the descriptor's server URL.
func (c *RedisChannel) Connect(ctx context.Context, desc *models.Descriptor) error {
	opts, err := redis.ParseURL(desc.ServerURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("ping backend: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
	}
	c.client = client
	return nil
}

// PublishMessage publishes a user message on the session's topic.
func (c *RedisChannel) PublishMessage(ctx context.Context, sessionID, sender, content string, ts int64) error {
	return c.publish(ctx, Event{
		SessionID: sessionID,
		Type:      EventMessage,
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
	})
}

// PublishSystemEvent publishes a lifecycle signal on the session's topic.
func (c *RedisChannel) PublishSystemEvent(ctx context.Context, sessionID, event, actor string) error {
	return c.publish(ctx, Event{
		SessionID: sessionID,
		Type:      EventSystem,
		Event:     event,
		Actor:     actor,
	})
}

func (c *RedisChannel) publish(ctx context.Context, ev Event) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return client.Publish(ctx, sessionTopic(ev.SessionID), string(data)).Err()
}

// Subscribe starts delivering the session's events to h. Subscribing a
// session that already has a subscription replaces the handler instead
// of opening a second stream.
func (c *RedisChannel) Subscribe(ctx context.Context, sessionID string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return ErrNotConnected
	}

	if prev, ok := c.subs[sessionID]; ok {
		prev.Close()
		delete(c.subs, sessionID)
	}

	pubsub := c.client.Subscribe(ctx, sessionTopic(sessionID))

	// Force the SUBSCRIBE round trip so a dead backend fails here, not
	// silently in the reader goroutine.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	c.subs[sessionID] = pubsub

	go func() {
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.log.Warn().Err(err).Str("session_id", sessionID).Msg("dropping unparseable event")
				continue
			}
			h(ev)
		}
	}()

	return nil
}

// Unsubscribe stops delivery for a session.
func (c *RedisChannel) Unsubscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pubsub, ok := c.subs[sessionID]; ok {
		pubsub.Close()
		delete(c.subs, sessionID)
	}
}

// Disconnect tears down all subscriptions and the client connection.
func (c *RedisChannel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, pubsub := range c.subs {
		pubsub.Close()
		delete(c.subs, id)
	}
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}
