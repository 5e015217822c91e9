package conn

import (
	"github.com/eldtechnologies/pairlink/internal/channel"
	"github.com/eldtechnologies/pairlink/internal/metrics"
)

// MessageListener receives every accepted inbound event plus the
// optimistic echo of local sends.
type MessageListener func(ev channel.Event)

// ConnectionListener is notified with true when a session comes up and
// false when it goes down.
type ConnectionListener func(connected bool)

// Subscription is the handle returned by the listener registries.
// Cancel removes the listener; cancelling twice is harmless.
type Subscription struct {
	cancel func()
}

// Cancel removes the listener from its registry.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// AddMessageListener registers a message listener and returns its handle.
func (m *Manager) AddMessageListener(l MessageListener) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.msgListeners[id] = l

	return &Subscription{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.msgListeners, id)
	}}
}

// AddConnectionListener registers a connection listener and returns its
// handle.
func (m *Manager) AddConnectionListener(l ConnectionListener) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.connListeners[id] = l

	return &Subscription{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.connListeners, id)
	}}
}

// fanOutMessage invokes every message listener with the event. Each
// invocation is isolated: a panicking listener is logged and the rest
// still run.
func (m *Manager) fanOutMessage(ev channel.Event) {
	m.mu.Lock()
	listeners := make([]MessageListener, 0, len(m.msgListeners))
	for _, l := range m.msgListeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		m.invoke(func() { l(ev) })
	}
}

// fanOutConnection invokes every connection listener with the new state.
func (m *Manager) fanOutConnection(connected bool) {
	m.mu.Lock()
	listeners := make([]ConnectionListener, 0, len(m.connListeners))
	for _, l := range m.connListeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		m.invoke(func() { l(connected) })
	}
}

func (m *Manager) invoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerPanics.Inc()
			m.log.Error().Interface("panic", r).Msg("listener panicked")
		}
	}()
	f()
}
