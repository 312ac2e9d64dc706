package sharedws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var echoUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newEchoServer echoes every frame back. The text "close-me" makes it close cleanly, "drop-me"
// makes it drop the TCP connection without a close frame.
func newEchoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := echoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch string(data) {
			case "close-me":
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
					time.Now().Add(time.Second),
				)
				return
			case "drop-me":
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

type recordingListener struct {
	opened   chan struct{}
	messages chan Message
	errs     chan error
	closed   chan CloseEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		opened:   make(chan struct{}, 1),
		messages: make(chan Message, 16),
		errs:     make(chan error, 16),
		closed:   make(chan CloseEvent, 1),
	}
}

func (l *recordingListener) OnOpen()               { l.opened <- struct{}{} }
func (l *recordingListener) OnMessage(m Message)   { l.messages <- m }
func (l *recordingListener) OnError(err error)     { l.errs <- err }
func (l *recordingListener) OnClose(ev CloseEvent) { l.closed <- ev }

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		var zero T
		return zero
	}
}

func TestWebsocketFactory_RejectsInvalidTargets(t *testing.T) {
	factory := NewWebsocketFactory(NewNoopLogger(), nil, nil, ErrorAdapters{})

	for _, target := range []string{"http://example.test/ws", "::not a url", ""} {
		_, err := factory(target, nil, newRecordingListener())
		assert.ErrorIs(t, err, ErrInvalidURL, target)
	}
}

func TestWsTransport_EchoAndCleanClose(t *testing.T) {
	_, target := newEchoServer(t)
	factory := NewWebsocketFactory(NewNoopLogger(), nil, nil, ErrorAdapters{})
	l := newRecordingListener()

	tr, err := factory(target, nil, l)
	require.NoError(t, err)

	waitFor(t, l.opened)
	assert.Equal(t, ReadyOpen, tr.ReadyState())

	require.NoError(t, tr.Write(NewDataMessage([]byte(`{"type":"hello"}`))))
	echoed := waitFor(t, l.messages)
	assert.True(t, echoed.Type().IsData())
	assert.Equal(t, `{"type":"hello"}`, string(echoed.Data()))

	require.NoError(t, tr.Write(NewBinaryMessage([]byte{1, 2})))
	echoed = waitFor(t, l.messages)
	assert.True(t, echoed.Type().IsBinary())

	require.NoError(t, tr.Write(NewDataMessage([]byte("close-me"))))
	ev := waitFor(t, l.closed)
	assert.True(t, ev.WasClean)
	assert.Equal(t, CloseNormalClosure, ev.Code)
	assert.Equal(t, "bye", ev.Reason)
	assert.Equal(t, ReadyClosed, tr.ReadyState())
	assert.ErrorIs(t, tr.Write(NewDataMessage([]byte("late"))), ErrNotConnected)
}

func TestWsTransport_DroppedConnectionIsUnclean(t *testing.T) {
	_, target := newEchoServer(t)
	factory := NewWebsocketFactory(NewNoopLogger(), nil, nil, ErrorAdapters{})
	l := newRecordingListener()

	tr, err := factory(target, nil, l)
	require.NoError(t, err)
	waitFor(t, l.opened)

	require.NoError(t, tr.Write(NewDataMessage([]byte("drop-me"))))

	ev := waitFor(t, l.closed)
	assert.False(t, ev.WasClean)
	assert.Equal(t, CloseAbnormalClosure, ev.Code)
}

func TestWsTransport_DialFailure(t *testing.T) {
	server, target := newEchoServer(t)
	server.Close()

	factory := NewWebsocketFactory(NewNoopLogger(), nil, nil, ErrorAdapters{})
	l := newRecordingListener()

	_, err := factory(target, nil, l)
	require.NoError(t, err)

	assert.ErrorIs(t, waitFor(t, l.errs), ErrCannotConnect)
	ev := waitFor(t, l.closed)
	assert.False(t, ev.WasClean)
	assert.Equal(t, CloseAbnormalClosure, ev.Code)
}

func TestWsTransport_DialErrorAdapter(t *testing.T) {
	server, target := newEchoServer(t)
	server.Close()

	adapted := errors.New("adapted")
	factory := NewWebsocketFactory(NewNoopLogger(), nil, nil, ErrorAdapters{
		OnDial: func(_ *websocket.Conn, _ *http.Response, err error) error {
			if err != nil {
				return adapted
			}
			return nil
		},
	})
	l := newRecordingListener()

	_, err := factory(target, nil, l)
	require.NoError(t, err)

	assert.Equal(t, adapted, waitFor(t, l.errs))
}

func TestWsTransport_LocalCloseIsClean(t *testing.T) {
	_, target := newEchoServer(t)
	factory := NewWebsocketFactory(NewNoopLogger(), nil, nil, ErrorAdapters{})
	l := newRecordingListener()

	tr, err := factory(target, nil, l)
	require.NoError(t, err)
	waitFor(t, l.opened)

	require.NoError(t, tr.Close(CloseNormalClosure, "done"))

	ev := waitFor(t, l.closed)
	assert.True(t, ev.WasClean)
}

func TestSocketConnection_OverWebsocket(t *testing.T) {
	_, target := newEchoServer(t)
	conn := NewSocketConnection(NewWebsocketFactory(NewNoopLogger(), nil, nil, ErrorAdapters{}))
	defer conn.Close()

	payloads := make(chan Payload, 8)
	conn.OnPayload(func(p Payload) { payloads <- p })

	require.True(t, conn.Connect(target))
	require.Eventually(t, func() bool {
		return conn.State().Status == StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, conn.Send(PingPayload(time.Now())))
	echoed := waitFor(t, payloads)
	assert.Equal(t, PayloadPing, echoed.Kind)

	require.True(t, conn.Send(`{"type":"pong"}`))
	assert.Equal(t, PayloadPong, waitFor(t, payloads).Kind)
	assert.Eventually(t, func() bool {
		return conn.State().Statistics.LatencySamples == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, conn.Send(NewPingMessage([]byte("probe"))))
	assert.Eventually(t, func() bool {
		return conn.State().Statistics.LatencySamples == 2
	}, 2*time.Second, 10*time.Millisecond, "control pong answers the control ping")

	conn.Disconnect(0, "")
	assert.Equal(t, StatusDisconnected, conn.State().Status)
}
