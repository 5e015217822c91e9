package conn_test

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/eldtechnologies/pairlink/internal/channel"
	"github.com/eldtechnologies/pairlink/internal/models"
)

// MockChannel is a testify mock of the channel adapter for failure-path
// tests.
type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) Connect(ctx context.Context, desc *models.Descriptor) error {
	args := m.Called(ctx, desc)
	return args.Error(0)
}

func (m *MockChannel) PublishMessage(ctx context.Context, sessionID, sender, content string, ts int64) error {
	args := m.Called(ctx, sessionID, sender, content, ts)
	return args.Error(0)
}

func (m *MockChannel) PublishSystemEvent(ctx context.Context, sessionID, event, actor string) error {
	args := m.Called(ctx, sessionID, event, actor)
	return args.Error(0)
}

func (m *MockChannel) Subscribe(ctx context.Context, sessionID string, h channel.Handler) error {
	args := m.Called(ctx, sessionID, h)
	return args.Error(0)
}

func (m *MockChannel) Unsubscribe(sessionID string) {
	m.Called(sessionID)
}

func (m *MockChannel) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

// bus simulates the real-time backend in memory: every endpoint is one
// device's channel adapter, and a publish on any endpoint is delivered
// to every endpoint subscribed to that session, the publisher included
// (real pub/sub echoes your own messages back).
type bus struct {
	mu        sync.Mutex
	endpoints []*busEndpoint
}

func newBus() *bus {
	return &bus{}
}

func (b *bus) endpoint() *busEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &busEndpoint{bus: b, handlers: make(map[string]channel.Handler)}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

func (b *bus) broadcast(ev channel.Event) {
	b.mu.Lock()
	endpoints := append([]*busEndpoint(nil), b.endpoints...)
	b.mu.Unlock()

	for _, ep := range endpoints {
		ep.deliver(ev)
	}
}

type busEndpoint struct {
	bus *bus

	mu       sync.Mutex
	handlers map[string]channel.Handler
}

func (ep *busEndpoint) Connect(ctx context.Context, desc *models.Descriptor) error {
	return nil
}

func (ep *busEndpoint) PublishMessage(ctx context.Context, sessionID, sender, content string, ts int64) error {
	go ep.bus.broadcast(channel.Event{
		SessionID: sessionID,
		Type:      channel.EventMessage,
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
	})
	return nil
}

func (ep *busEndpoint) PublishSystemEvent(ctx context.Context, sessionID, event, actor string) error {
	go ep.bus.broadcast(channel.Event{
		SessionID: sessionID,
		Type:      channel.EventSystem,
		Event:     event,
		Actor:     actor,
	})
	return nil
}

func (ep *busEndpoint) Subscribe(ctx context.Context, sessionID string, h channel.Handler) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.handlers[sessionID] = h
	return nil
}

func (ep *busEndpoint) Unsubscribe(sessionID string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.handlers, sessionID)
}

func (ep *busEndpoint) Disconnect() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.handlers = make(map[string]channel.Handler)
	return nil
}

// deliver hands an event to this endpoint's subscriber, if any.
func (ep *busEndpoint) deliver(ev channel.Event) {
	ep.mu.Lock()
	h := ep.handlers[ev.SessionID]
	ep.mu.Unlock()
	if h != nil {
		h(ev)
	}
}
