package sharedws

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

const testTarget = "ws://example.test/ws"

func noJitterPolicy() ReconnectPolicy {
	p := DefaultReconnectPolicy()
	p.Jitter = false
	return p
}

func newTestSocket(opts ...SocketOption) (*SocketConnection, *mockTransportFactory, *ManualScheduler) {
	sched := NewManualScheduler(epoch)
	factory := &mockTransportFactory{
		Setup: func(t *mockTransport) {
			t.On("Write", mock.Anything).Return(nil)
		},
	}

	all := append([]SocketOption{WithScheduler(sched), WithReconnectPolicy(noJitterPolicy())}, opts...)
	return NewSocketConnection(factory.Factory(), all...), factory, sched
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func recordStates(c interface {
	OnStateChange(func(ConnectionState)) func()
}) *stateRecorder {
	r := &stateRecorder{}
	c.OnStateChange(func(s ConnectionState) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.Status)
	}
	return out
}

func (r *stateRecorder) last() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func TestSocketConnection_InitialState(t *testing.T) {
	conn, factory, _ := newTestSocket()

	s := conn.State()
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.Zero(t, s.ReconnectAttempts)
	assert.Equal(t, time.Second, s.ReconnectDelay)
	assert.Equal(t, 30*time.Second, s.MaxReconnectDelay)
	assert.Nil(t, s.LastError)
	assert.Equal(t, epoch, s.CreatedAt)
	assert.Zero(t, factory.Calls())
}

func TestSocketConnection_ConnectAndOpen(t *testing.T) {
	conn, factory, _ := newTestSocket()
	states := recordStates(conn)

	require.True(t, conn.Connect(testTarget, "v1"))
	assert.Equal(t, StatusConnecting, conn.State().Status)
	require.Equal(t, 1, factory.Calls())

	tr := factory.Last()
	assert.Equal(t, testTarget, tr.target)
	assert.Equal(t, []string{"v1"}, tr.protocols)

	tr.simulateOpen()

	s := conn.State()
	assert.Equal(t, StatusConnected, s.Status)
	assert.Equal(t, testTarget, s.URL)
	assert.Equal(t, []string{"v1"}, s.Protocols)
	assert.Equal(t, epoch, s.Statistics.ConnectedAt)
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, states.statuses())
}

func TestSocketConnection_UncleanCloseSchedulesReconnect(t *testing.T) {
	conn, factory, sched := newTestSocket()
	states := recordStates(conn)

	conn.Connect(testTarget)
	factory.Last().simulateOpen()
	factory.Last().simulateClose(CloseAbnormalClosure, false)

	s := conn.State()
	assert.Equal(t, StatusReconnecting, s.Status)
	assert.Equal(t, 1, s.ReconnectAttempts)
	assert.Equal(t, time.Second, s.ReconnectDelay)
	require.NotNil(t, s.LastError)
	assert.Equal(t, CloseAbnormalClosure, s.LastError.Code)
	assert.True(t, s.Statistics.ConnectedAt.IsZero())
	assert.Equal(t, 1, sched.Pending())

	assert.Equal(t, []Status{
		StatusConnecting,
		StatusConnected,
		StatusDisconnected,
		StatusReconnecting,
	}, states.statuses())

	sched.Advance(999 * time.Millisecond)
	assert.Equal(t, 1, factory.Calls())

	sched.Advance(time.Millisecond)
	assert.Equal(t, 2, factory.Calls())
	assert.Equal(t, StatusConnecting, conn.State().Status)
}

func TestSocketConnection_OpenResetsAttempts(t *testing.T) {
	conn, factory, sched := newTestSocket()

	conn.Connect(testTarget)
	factory.Last().simulateClose(CloseAbnormalClosure, false)
	sched.Advance(time.Second)
	factory.Last().simulateClose(CloseAbnormalClosure, false)

	s := conn.State()
	assert.Equal(t, 2, s.ReconnectAttempts)
	assert.Equal(t, 1500*time.Millisecond, s.ReconnectDelay)

	sched.Advance(1500 * time.Millisecond)
	factory.Last().simulateOpen()

	s = conn.State()
	assert.Equal(t, StatusConnected, s.Status)
	assert.Zero(t, s.ReconnectAttempts)
	assert.Equal(t, time.Second, s.ReconnectDelay)
	assert.Nil(t, s.LastError)
}

func TestSocketConnection_AtMostOnePendingReconnect(t *testing.T) {
	conn, factory, sched := newTestSocket()

	conn.Connect(testTarget)
	factory.Last().simulateClose(CloseAbnormalClosure, false)

	conn.mu.Lock()
	_, armed := conn.reconnectLocked(conn.generation)
	conn.mu.Unlock()
	assert.False(t, armed)

	assert.Equal(t, 1, sched.Pending())
	assert.Equal(t, 1, conn.State().ReconnectAttempts)

	sched.Advance(time.Minute)
	assert.Equal(t, 2, factory.Calls())
}

func TestSocketConnection_CleanCloseDoesNotReconnect(t *testing.T) {
	conn, factory, sched := newTestSocket()

	conn.Connect(testTarget)
	factory.Last().simulateOpen()
	factory.Last().simulateClose(CloseNormalClosure, true)

	s := conn.State()
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.Nil(t, s.LastError)
	assert.Zero(t, s.ReconnectAttempts)
	assert.Zero(t, sched.Pending())

	sched.Advance(time.Minute)
	assert.Equal(t, 1, factory.Calls())
}

func TestSocketConnection_DisconnectCancelsPendingReconnect(t *testing.T) {
	conn, factory, sched := newTestSocket()

	conn.Connect(testTarget)
	tr := factory.Last()
	tr.simulateClose(CloseAbnormalClosure, false)
	require.Equal(t, 1, sched.Pending())

	assert.True(t, conn.Disconnect(0, ""))

	assert.Zero(t, sched.Pending())
	sched.Advance(time.Minute)
	assert.Equal(t, 1, factory.Calls())
	assert.Equal(t, StatusDisconnected, conn.State().Status)
}

func TestSocketConnection_DisconnectFromCloseObserverWins(t *testing.T) {
	conn, factory, sched := newTestSocket()

	conn.Connect(testTarget)
	factory.Last().simulateOpen()

	states := recordStates(conn)
	var once sync.Once
	conn.OnStateChange(func(s ConnectionState) {
		if s.Status == StatusDisconnected {
			once.Do(func() { conn.Disconnect(0, "") })
		}
	})

	factory.Last().simulateClose(CloseAbnormalClosure, false)

	assert.Zero(t, sched.Pending())
	assert.Equal(t, StatusDisconnected, conn.State().Status)
	assert.NotContains(t, states.statuses(), StatusReconnecting)
	assert.Equal(t, StatusDisconnected, states.last().Status)

	sched.Advance(time.Minute)
	assert.Equal(t, 1, factory.Calls())
	assert.Equal(t, StatusDisconnected, conn.State().Status)
}

func TestSocketConnection_DisconnectFromFailureObserverWins(t *testing.T) {
	conn, factory, sched := newTestSocket()
	factory.ConstructErr = errors.New("invalid websocket url")

	var once sync.Once
	conn.OnStateChange(func(s ConnectionState) {
		if s.Status == StatusFailed {
			once.Do(func() { conn.Disconnect(0, "") })
		}
	})

	assert.False(t, conn.Connect(testTarget))
	sched.Advance(time.Minute)

	assert.Zero(t, sched.Pending())
	assert.Equal(t, 1, factory.Calls())
	assert.Equal(t, StatusDisconnected, conn.State().Status)
}

func TestSocketConnection_DisconnectClosesTransport(t *testing.T) {
	conn, factory, _ := newTestSocket()

	conn.Connect(testTarget)
	tr := factory.Last()
	tr.simulateOpen()

	conn.Disconnect(CloseGoingAway, "bye")

	assert.Equal(t, []CloseEvent{{Code: CloseGoingAway, Reason: "bye"}}, tr.closeCalls())
	s := conn.State()
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.True(t, s.Statistics.ConnectedAt.IsZero())
}

func TestSocketConnection_DisconnectWithoutTransport(t *testing.T) {
	conn, _, _ := newTestSocket()
	states := recordStates(conn)

	assert.True(t, conn.Disconnect(0, ""))
	assert.Equal(t, []Status{StatusDisconnected}, states.statuses())
}

func TestSocketConnection_ConstructionFailure(t *testing.T) {
	conn, factory, sched := newTestSocket()
	factory.ConstructErr = errors.New("invalid websocket url")
	states := recordStates(conn)

	assert.False(t, conn.Connect("not a url"))

	s := conn.State()
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, 1, s.ReconnectAttempts)
	require.NotNil(t, s.LastError)
	assert.Equal(t, "invalid websocket url", s.LastError.Message)
	assert.Equal(t, 1, sched.Pending())
	assert.Equal(t, StatusConnecting, states.statuses()[0])

	sched.Advance(time.Second)

	s = conn.State()
	assert.Equal(t, 2, factory.Calls())
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, 2, s.ReconnectAttempts)
	assert.Equal(t, 1500*time.Millisecond, s.ReconnectDelay)
}

func TestSocketConnection_ConnectCancelsPendingReconnect(t *testing.T) {
	conn, factory, sched := newTestSocket()

	conn.Connect(testTarget)
	factory.Last().simulateClose(CloseAbnormalClosure, false)
	require.Equal(t, 1, sched.Pending())

	conn.Connect("ws://other.test/ws")
	assert.Zero(t, sched.Pending())
	assert.Equal(t, 2, factory.Calls())

	sched.Advance(time.Minute)
	assert.Equal(t, 2, factory.Calls())
}

func TestSocketConnection_IgnoresSupersededTransport(t *testing.T) {
	conn, factory, sched := newTestSocket()

	conn.Connect(testTarget)
	first := factory.Last()
	conn.Connect("ws://other.test/ws")
	second := factory.Last()

	assert.Equal(t, []CloseEvent{{Code: CloseNormalClosure, Reason: "reconnecting"}}, first.closeCalls())

	first.simulateOpen()
	assert.Equal(t, StatusConnecting, conn.State().Status)

	first.simulateClose(CloseAbnormalClosure, false)
	assert.Zero(t, sched.Pending())

	second.simulateOpen()
	assert.Equal(t, StatusConnected, conn.State().Status)
	assert.Equal(t, "ws://other.test/ws", conn.State().URL)
}

func TestSocketConnection_IgnoresEventsAfterDisconnect(t *testing.T) {
	conn, factory, sched := newTestSocket()

	conn.Connect(testTarget)
	tr := factory.Last()
	tr.simulateOpen()
	conn.Disconnect(0, "")

	tr.simulateText(`{"type":"update"}`)
	tr.simulateClose(CloseAbnormalClosure, false)

	s := conn.State()
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.Zero(t, s.Statistics.MessagesReceived)
	assert.Nil(t, s.LastError)
	assert.Zero(t, sched.Pending())
}

func TestSocketConnection_TransportError(t *testing.T) {
	conn, factory, _ := newTestSocket()

	conn.Connect(testTarget)
	factory.Last().simulateError(errors.New("connection refused"))

	s := conn.State()
	require.NotNil(t, s.LastError)
	assert.Equal(t, "WebSocket connection error", s.LastError.Message)
	assert.Equal(t, StatusConnecting, s.Status)
}

func TestSocketConnection_SendRequiresOpenTransport(t *testing.T) {
	conn, factory, _ := newTestSocket()

	assert.False(t, conn.Send("hello"))
	s := conn.State()
	require.NotNil(t, s.LastError)
	assert.Equal(t, "WebSocket is not connected", s.LastError.Message)

	conn.Connect(testTarget)
	assert.False(t, conn.Send("hello"), "connecting transport")

	tr := factory.Last()
	tr.simulateOpen()
	assert.True(t, conn.Send("hello"))
	tr.AssertCalled(t, "Write", NewDataMessage([]byte("hello")))

	s = conn.State()
	assert.Equal(t, int64(1), s.Statistics.MessagesSent)
	assert.Equal(t, int64(5), s.Statistics.BytesSent)
	assert.Equal(t, epoch, s.Statistics.LastMessageSentAt)
	assert.True(t, s.Statistics.LastPingSentAt.IsZero())
}

func TestSocketConnection_SendEncodesValues(t *testing.T) {
	conn, factory, _ := newTestSocket()
	conn.Connect(testTarget)
	tr := factory.Last()
	tr.simulateOpen()

	assert.True(t, conn.Send(map[string]any{"type": "subscribe", "topic": "prices"}))
	assert.True(t, conn.Send([]byte{1, 2, 3}))

	tr.AssertCalled(t, "Write", NewDataMessage([]byte(`{"topic":"prices","type":"subscribe"}`)))
	tr.AssertCalled(t, "Write", NewBinaryMessage([]byte{1, 2, 3}))
}

func TestSocketConnection_SendWriteFailure(t *testing.T) {
	conn, factory, _ := newTestSocket()
	factory.Setup = func(t *mockTransport) {
		t.On("Write", mock.Anything).Return(errors.New("broken pipe"))
	}

	conn.Connect(testTarget)
	factory.Last().simulateOpen()

	assert.False(t, conn.Send("hello"))
	s := conn.State()
	require.NotNil(t, s.LastError)
	assert.Equal(t, "broken pipe", s.LastError.Message)
	assert.Zero(t, s.Statistics.MessagesSent)
}

func TestSocketConnection_LatencyAverage(t *testing.T) {
	conn, factory, sched := newTestSocket()
	conn.Connect(testTarget)
	tr := factory.Last()
	tr.simulateOpen()

	require.True(t, conn.Send(PingPayload(sched.Now())))
	assert.Equal(t, epoch, conn.State().Statistics.LastPingSentAt)

	sched.Advance(100 * time.Millisecond)
	tr.simulateText(`{"type":"pong"}`)

	stats := conn.State().Statistics
	assert.InDelta(t, 100.0, stats.AverageLatencyMs, 1e-9)
	assert.Equal(t, int64(1), stats.LatencySamples)
	assert.Equal(t, epoch.Add(100*time.Millisecond), stats.LastPongReceivedAt)

	require.True(t, conn.Send(PingPayload(sched.Now())))
	sched.Advance(50 * time.Millisecond)
	tr.simulateText(`{"type":"pong"}`)

	stats = conn.State().Statistics
	assert.InDelta(t, 85.0, stats.AverageLatencyMs, 1e-9)
	assert.Equal(t, int64(2), stats.LatencySamples)
}

func TestSocketConnection_PongWithoutPingKeepsAverage(t *testing.T) {
	conn, factory, _ := newTestSocket()
	conn.Connect(testTarget)
	factory.Last().simulateOpen()

	factory.Last().simulateText(`{"type":"pong"}`)

	stats := conn.State().Statistics
	assert.Zero(t, stats.LatencySamples)
	assert.Equal(t, epoch, stats.LastPongReceivedAt)
}

func TestSocketConnection_InboundPayloads(t *testing.T) {
	conn, factory, _ := newTestSocket()

	var (
		order    []string
		payloads []Payload
	)
	conn.OnPayload(func(p Payload) {
		order = append(order, "payload")
		payloads = append(payloads, p)
	})
	conn.OnStateChange(func(ConnectionState) {
		order = append(order, "state")
	})

	conn.Connect(testTarget)
	tr := factory.Last()
	tr.simulateOpen()
	order = nil

	tr.simulateText(`{"type":"pong"}`)
	tr.simulateText("hello")
	tr.simulateBinary([]byte("hi"))

	require.Len(t, payloads, 3)
	assert.Equal(t, PayloadPong, payloads[0].Kind)
	assert.Equal(t, PayloadRaw, payloads[1].Kind)
	assert.Equal(t, "hello", payloads[1].Content)
	assert.True(t, payloads[2].Binary)
	assert.Equal(t, "aGk=", payloads[2].Content)

	assert.Equal(t, []string{"payload", "state", "payload", "state", "payload", "state"}, order)

	stats := conn.State().Statistics
	assert.Equal(t, int64(3), stats.MessagesReceived)
	assert.Equal(t, int64(len(`{"type":"pong"}`)+len("hello")+len("hi")), stats.BytesReceived)
}

func TestSocketConnection_OnMessageNormalizes(t *testing.T) {
	conn, factory, _ := newTestSocket()

	var got []ConnectionMessage
	conn.OnMessage(func(m ConnectionMessage) { got = append(got, m) })

	conn.Connect(testTarget)
	factory.Last().simulateOpen()
	factory.Last().simulateText(`{"type":"update","topic":"prices","payload":{"bid":1}}`)

	require.Len(t, got, 1)
	assert.Equal(t, "update", got[0].Type)
	assert.Equal(t, "prices", got[0].Topic)
	assert.JSONEq(t, `{"bid":1}`, string(got[0].Payload))
	assert.Equal(t, epoch, got[0].Timestamp)
}

func TestSocketConnection_ObserverPanicIsolated(t *testing.T) {
	var logs safeBuffer
	conn, _, _ := newTestSocket(WithLogger(NewWriterLogger(&logs)))

	conn.OnStateChange(func(ConnectionState) { panic("observer bug") })
	states := recordStates(conn)

	require.NotPanics(t, func() { conn.Connect(testTarget) })
	assert.Equal(t, []Status{StatusConnecting}, states.statuses())
	assert.Contains(t, logs.String(), "observer bug")
}

func TestSocketConnection_UnsubscribedObserverNotCalled(t *testing.T) {
	conn, _, _ := newTestSocket()

	var calls int
	unsub := conn.OnStateChange(func(ConnectionState) { calls++ })
	conn.Connect(testTarget)
	unsub()
	conn.Disconnect(0, "")

	assert.Equal(t, 1, calls)
}

func TestSocketConnection_SnapshotsAreIndependent(t *testing.T) {
	conn, _, _ := newTestSocket()
	conn.Connect(testTarget, "v1")

	s := conn.State()
	s.Protocols[0] = "mutated"

	assert.Equal(t, []string{"v1"}, conn.State().Protocols)
}

func TestSocketConnection_ControlFramesFeedLatency(t *testing.T) {
	conn, factory, sched := newTestSocket()
	conn.Connect(testTarget)
	tr := factory.Last()
	tr.simulateOpen()

	require.True(t, conn.Send(NewPingMessage(nil)))
	tr.AssertCalled(t, "Write", NewPingMessage(nil))
	assert.Equal(t, epoch, conn.State().Statistics.LastPingSentAt)

	sched.Advance(40 * time.Millisecond)
	tr.listener.OnMessage(NewPongMessage(nil))

	stats := conn.State().Statistics
	assert.InDelta(t, 40.0, stats.AverageLatencyMs, 1e-9)
	assert.Equal(t, int64(1), stats.LatencySamples)
}
