package conn_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/pairlink/internal/channel"
	"github.com/eldtechnologies/pairlink/internal/conn"
	"github.com/eldtechnologies/pairlink/internal/models"
	"github.com/eldtechnologies/pairlink/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newTestManager(t *testing.T, st store.Store, ch channel.Channel) *conn.Manager {
	t.Helper()
	m := conn.NewManager(st, ch, zerolog.Nop())
	m.ConnectTimeout = 2 * time.Second
	m.RetryBackoff = time.Millisecond
	return m
}

func testDescriptor(sessionID, userName string) *models.Descriptor {
	return &models.Descriptor{
		SessionID: sessionID,
		UserName:  userName,
		ServerURL: "redis://localhost:6379",
		IssuedAt:  time.Now().UnixMilli(),
	}
}

func TestConnectSuccess(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, newBus().endpoint())

	notified := make(chan bool, 1)
	m.AddConnectionListener(func(up bool) { notified <- up })

	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))
	assert.Equal(t, conn.StateConnected, m.State())

	select {
	case up := <-notified:
		assert.True(t, up)
	case <-time.After(time.Second):
		t.Fatal("connection listener not notified")
	}

	// Descriptor and session row are durable.
	desc, err := st.LoadDescriptor(context.Background())
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, "s1", desc.SessionID)

	session, err := st.GetChatSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, models.UnknownParticipant, session.ParticipantName)
}

func TestConnectFailure(t *testing.T) {
	st := newTestStore(t)
	ch := new(MockChannel)
	ch.On("Connect", mock.Anything, mock.Anything).Return(errors.New("backend down"))

	m := newTestManager(t, st, ch)

	notified := make(chan bool, 1)
	m.AddConnectionListener(func(up bool) { notified <- up })

	err := m.Connect(context.Background(), testDescriptor("s1", "Alice"))
	require.Error(t, err)
	assert.Equal(t, conn.StateDisconnected, m.State())

	select {
	case up := <-notified:
		assert.False(t, up)
	case <-time.After(time.Second):
		t.Fatal("connection listener not notified of failure")
	}

	// The descriptor was persisted before the attempt, so a restart can
	// still try to recover this session.
	desc, err := st.LoadDescriptor(context.Background())
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, "s1", desc.SessionID)
}

func TestSendRequiresConnection(t *testing.T) {
	m := newTestManager(t, newTestStore(t), newBus().endpoint())
	err := m.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, conn.ErrNotConnected)
}

func TestSendRejectsEmptyContent(t *testing.T) {
	m := newTestManager(t, newTestStore(t), newBus().endpoint())
	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))

	err := m.SendMessage(context.Background(), "   \n ")
	assert.ErrorIs(t, err, conn.ErrEmptyMessage)
}

func TestSendTruncatesLongContent(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, newBus().endpoint())
	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))

	// Multi-byte runes so a byte-based cap would slice mid-character.
	long := strings.Repeat("é", models.MaxContentRunes+50)
	require.NoError(t, m.SendMessage(context.Background(), long))

	msgs, err := st.GetMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MaxContentRunes, len([]rune(msgs[0].Content)))
	assert.Equal(t, strings.Repeat("é", models.MaxContentRunes), msgs[0].Content)
}

func TestConnectTimesOut(t *testing.T) {
	st := newTestStore(t)
	ch := new(MockChannel)
	ch.On("Connect", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			<-ctx.Done()
		}).Return(context.DeadlineExceeded)

	m := newTestManager(t, st, ch)
	m.ConnectTimeout = 50 * time.Millisecond

	notified := make(chan bool, 1)
	m.AddConnectionListener(func(up bool) { notified <- up })

	start := time.Now()
	err := m.Connect(context.Background(), testDescriptor("s1", "Alice"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "connect attempt was not bounded")
	assert.Equal(t, conn.StateDisconnected, m.State())

	select {
	case up := <-notified:
		assert.False(t, up)
	case <-time.After(time.Second):
		t.Fatal("connection listener not notified of timeout")
	}
}

// Two sends inside the same millisecond must both survive: the store's
// duplicate heuristic keys on (session, ts, sender, is_own), so outbound
// stamps have to be strictly increasing.
func TestRapidSendsAllPersisted(t *testing.T) {
	st := newTestStore(t)
	ch := new(MockChannel)
	ch.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ch.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("PublishMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil)

	m := newTestManager(t, st, ch)
	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))

	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, m.SendMessage(context.Background(), content))
	}

	msgs, err := st.GetMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, msgs[i].Content)
		if i > 0 {
			assert.Greater(t, msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
	}
}

// Scenario: no backend, loopback mode. The sent message lands in the
// local store with is_own=true, and the looped-back copy is filtered as
// a self-echo rather than persisted a second time.
func TestLoopbackSendPersistsOnce(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, channel.NewLoopback(zerolog.Nop()))

	done := make(chan channel.Event, 4)
	m.AddMessageListener(func(ev channel.Event) { done <- ev })

	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))
	require.NoError(t, m.SendMessage(context.Background(), "hello"))

	// The optimistic local echo arrives immediately.
	select {
	case ev := <-done:
		assert.Equal(t, "Alice", ev.Sender)
	case <-time.After(time.Second):
		t.Fatal("optimistic echo not fanned out")
	}

	// The looped-back copy is filtered, so nothing else arrives even
	// after the loopback delay has passed.
	select {
	case ev := <-done:
		t.Fatalf("self-echo fanned out a second time: %+v", ev)
	case <-time.After(400 * time.Millisecond):
	}

	msgs, err := st.GetMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsOwn)
	assert.Equal(t, "hello", msgs[0].Content)
}

// Scenario: host and joiner paired over the backend. The joiner's send
// shows up in the host's listener and store as a peer message, and the
// host adopts the joiner's display name.
func TestTwoPeerExchange(t *testing.T) {
	b := newBus()
	hostStore, joinerStore := newTestStore(t), newTestStore(t)

	host := newTestManager(t, hostStore, b.endpoint())
	joiner := newTestManager(t, joinerStore, b.endpoint())

	received := make(chan channel.Event, 4)
	host.AddMessageListener(func(ev channel.Event) {
		if ev.Type == channel.EventMessage {
			received <- ev
		}
	})

	require.NoError(t, host.Connect(context.Background(), testDescriptor("s1", "Alice")))
	require.NoError(t, joiner.Connect(context.Background(), testDescriptor("s1", "Bob")))
	require.NoError(t, joiner.SendMessage(context.Background(), "hi"))

	select {
	case ev := <-received:
		assert.Equal(t, "Bob", ev.Sender)
		assert.Equal(t, "hi", ev.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("host never received the joiner's message")
	}

	require.Eventually(t, func() bool {
		msgs, err := hostStore.GetMessages(context.Background(), "s1")
		return err == nil && len(msgs) == 1 && !msgs[0].IsOwn
	}, 2*time.Second, 10*time.Millisecond, "message not persisted on host")

	// Identity inference: the host learned the joiner's name.
	require.Eventually(t, func() bool {
		session, err := hostStore.GetChatSession(context.Background(), "s1")
		return err == nil && session != nil && session.ParticipantName == "Bob"
	}, 2*time.Second, 10*time.Millisecond, "participant name not adopted")

	// The joiner holds exactly its own copy; the broadcast echo was
	// filtered.
	msgs, err := joinerStore.GetMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsOwn)
}

// Scenario: the peer disconnects. The session stays in history but all
// further sends fail, and the rejection survives a simulated process
// restart.
func TestPeerDisconnectIsTerminal(t *testing.T) {
	b := newBus()
	hostStore := newTestStore(t)

	host := newTestManager(t, hostStore, b.endpoint())
	joiner := newTestManager(t, newTestStore(t), b.endpoint())

	require.NoError(t, host.Connect(context.Background(), testDescriptor("s1", "Alice")))
	require.NoError(t, joiner.Connect(context.Background(), testDescriptor("s1", "Bob")))

	joiner.Disconnect(context.Background())

	require.Eventually(t, func() bool {
		ended, err := hostStore.SessionEnded(context.Background(), "s1")
		return err == nil && ended
	}, 2*time.Second, 10*time.Millisecond, "ended flag not set on host")

	err := host.SendMessage(context.Background(), "anyone there?")
	assert.ErrorIs(t, err, conn.ErrSessionEnded)

	// History still lists the session.
	sessions, err := hostStore.GetChatSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// Simulated restart: fresh manager over the same store restores the
	// persisted descriptor, and the session is still terminal.
	restarted := newTestManager(t, hostStore, b.endpoint())
	ok, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	err = restarted.SendMessage(context.Background(), "still there?")
	assert.ErrorIs(t, err, conn.ErrSessionEnded)
}

func TestDisconnectNotifiesPeerBeforeTeardown(t *testing.T) {
	st := newTestStore(t)
	ch := new(MockChannel)

	var order []string
	ch.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ch.On("Subscribe", mock.Anything, "s1", mock.Anything).Return(nil)
	ch.On("PublishSystemEvent", mock.Anything, "s1", channel.SystemDisconnected, "Alice").
		Run(func(args mock.Arguments) { order = append(order, "notify") }).Return(nil)
	ch.On("Unsubscribe", "s1").
		Run(func(args mock.Arguments) { order = append(order, "unsubscribe") })
	ch.On("Disconnect").
		Run(func(args mock.Arguments) { order = append(order, "teardown") }).Return(nil)

	m := newTestManager(t, st, ch)
	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))

	m.Disconnect(context.Background())

	require.Equal(t, []string{"notify", "unsubscribe", "teardown"}, order)
	assert.Equal(t, conn.StateDisconnected, m.State())

	// Local state: descriptor cleared, session marked ended.
	desc, err := st.LoadDescriptor(context.Background())
	require.NoError(t, err)
	assert.Nil(t, desc)

	ended, err := st.SessionEnded(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, ended)
}

func TestDisconnectCompletesWhenNotifyFails(t *testing.T) {
	st := newTestStore(t)
	ch := new(MockChannel)
	ch.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ch.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("PublishSystemEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("peer gone"))
	ch.On("Unsubscribe", mock.Anything)
	ch.On("Disconnect").Return(nil)

	m := newTestManager(t, st, ch)
	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))

	m.Disconnect(context.Background())
	assert.Equal(t, conn.StateDisconnected, m.State())

	desc, err := st.LoadDescriptor(context.Background())
	require.NoError(t, err)
	assert.Nil(t, desc)
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	st := newTestStore(t)
	ch := new(MockChannel)
	ch.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ch.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("PublishMessage", mock.Anything, "s1", "Alice", "hello", mock.Anything).
		Return(errors.New("flaky")).Twice()
	ch.On("PublishMessage", mock.Anything, "s1", "Alice", "hello", mock.Anything).
		Return(nil).Once()

	m := newTestManager(t, st, ch)
	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))
	require.NoError(t, m.SendMessage(context.Background(), "hello"))

	ch.AssertNumberOfCalls(t, "PublishMessage", 3)
}

func TestPublishFailureKeepsLocalCopy(t *testing.T) {
	st := newTestStore(t)
	ch := new(MockChannel)
	ch.On("Connect", mock.Anything, mock.Anything).Return(nil)
	ch.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	ch.On("PublishMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("backend down"))

	m := newTestManager(t, st, ch)
	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))

	err := m.SendMessage(context.Background(), "hello")
	require.Error(t, err)

	// The user's message is durable even though every publish failed.
	msgs, merr := st.GetMessages(context.Background(), "s1")
	require.NoError(t, merr)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsOwn)
}

func TestListenerPanicIsolation(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, newBus().endpoint())

	called := make(chan struct{}, 1)
	m.AddMessageListener(func(ev channel.Event) { panic("bad listener") })
	m.AddMessageListener(func(ev channel.Event) { called <- struct{}{} })

	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))
	require.NoError(t, m.SendMessage(context.Background(), "hello"))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("surviving listener was not invoked")
	}
}

func TestSubscriptionCancel(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t, st, newBus().endpoint())

	got := make(chan channel.Event, 1)
	sub := m.AddMessageListener(func(ev channel.Event) { got <- ev })
	sub.Cancel()
	sub.Cancel() // double cancel is harmless

	require.NoError(t, m.Connect(context.Background(), testDescriptor("s1", "Alice")))
	require.NoError(t, m.SendMessage(context.Background(), "hello"))

	select {
	case ev := <-got:
		t.Fatalf("cancelled listener invoked with %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRestoreWithoutDescriptor(t *testing.T) {
	m := newTestManager(t, newTestStore(t), newBus().endpoint())
	ok, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, conn.StateDisconnected, m.State())
}
