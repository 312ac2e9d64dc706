package sharedws

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

const transportWriteTimeout = time.Second

type (
	ErrAdapter func(*websocket.Conn, *http.Response, error) error

	ErrorAdapters struct {
		OnDial ErrAdapter
	}

	// WsTransport is a Transport over a fasthttp/websocket client connection. The dial happens in the
	// background; its outcome and everything after it is reported through the TransportListener.
	WsTransport struct {
		errAdapters ErrorAdapters
		logger      Logger
		dialer      websocket.Dialer
		header      http.Header
		target      string
		listener    TransportListener

		conn   *websocket.Conn
		connMu sync.Mutex
		state  atomic.Int32

		writeMu       sync.Mutex
		closeOnce     sync.Once
		closedLocally atomic.Bool
		cancel        context.CancelFunc
	}
)

// NewWebsocketFactory returns a TransportFactory dialing with dialer. Construction fails
// synchronously only for malformed targets.
func NewWebsocketFactory(
	logger Logger,
	dialer *websocket.Dialer,
	header http.Header,
	errorHandlers ErrorAdapters,
) TransportFactory {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return func(target string, protocols []string, listener TransportListener) (Transport, error) {
		u, err := url.Parse(target)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidURL, err.Error())
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, errors.Wrapf(ErrInvalidURL, "unsupported scheme %q", u.Scheme)
		}

		d := *dialer
		d.Subprotocols = append([]string(nil), protocols...)

		ctx, cancel := context.WithCancel(context.Background())
		t := &WsTransport{
			errAdapters: errorHandlers,
			logger:      logger.WithField("net", "ws_transport"),
			dialer:      d,
			header:      header,
			target:      u.String(),
			listener:    listener,
			cancel:      cancel,
		}
		t.state.Store(int32(ReadyConnecting))

		go t.run(ctx)

		return t, nil
	}
}

func (w *WsTransport) ReadyState() ReadyState {
	return ReadyState(w.state.Load())
}

// Write sends a frame. Only Open transports accept writes.
func (w *WsTransport) Write(m Message) error {
	if w.ReadyState() != ReadyOpen {
		return ErrNotConnected
	}

	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline := time.Now().Add(transportWriteTimeout)
	_ = conn.SetWriteDeadline(deadline)

	var err error
	switch m.Type() {
	case PingMessage:
		w.logger.Debugln("=> [PING]")
		err = conn.WriteControl(websocket.PingMessage, m.Data(), deadline)
	case PongMessage:
		w.logger.Debugln("=> [PONG]")
		err = conn.WriteControl(websocket.PongMessage, m.Data(), deadline)
	case BinaryMessage:
		w.logger.Debugln("=> [BIN]")
		err = conn.WriteMessage(websocket.BinaryMessage, m.Data())
	default:
		w.logger.Debugf("=> [DATA] %s", m.Data())
		err = conn.WriteMessage(websocket.TextMessage, m.Data())
	}

	if err != nil {
		return errors.Wrap(ErrConnectionClosed, err.Error())
	}
	return nil
}

// Close starts the closing handshake and releases the socket. Events after Close are still delivered
// to the listener; SocketConnection ignores them once it has detached the transport.
func (w *WsTransport) Close(code int, reason string) error {
	var err error
	w.closeOnce.Do(func() {
		w.closedLocally.Store(true)
		w.state.Store(int32(ReadyClosing))
		w.cancel()

		w.connMu.Lock()
		conn := w.conn
		w.connMu.Unlock()

		if conn == nil {
			w.state.Store(int32(ReadyClosed))
			return
		}

		w.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(transportWriteTimeout),
		)
		w.writeMu.Unlock()

		err = conn.Close()
	})
	return err
}

func (w *WsTransport) run(ctx context.Context) {
	conn, resp, err := w.dialer.DialContext(ctx, w.target, w.header)
	if err = w.handleDialError(conn, resp, err); err != nil {
		w.state.Store(int32(ReadyClosed))
		if w.closedLocally.Load() {
			return
		}
		w.logger.Errorf("connection err to %s: %s", w.target, err)
		w.listener.OnError(err)
		w.listener.OnClose(CloseEvent{Code: CloseAbnormalClosure, Reason: err.Error()})
		return
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	if w.closedLocally.Load() {
		_ = conn.Close()
		w.state.Store(int32(ReadyClosed))
		return
	}

	conn.SetPongHandler(func(data string) error {
		w.logger.Debugln("<= [PONG]")
		w.listener.OnMessage(NewPongMessage([]byte(data)))
		return nil
	})

	w.logger.Debugf("success opening connection to %s", w.target)
	w.state.Store(int32(ReadyOpen))
	w.listener.OnOpen()

	w.read(conn)
}

func (w *WsTransport) read(conn *websocket.Conn) {
	for {
		messageType, bts, err := conn.ReadMessage()
		if err != nil {
			w.state.Store(int32(ReadyClosed))
			w.listener.OnClose(w.closeEvent(err))
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			w.logger.Debugln("<= [BIN]")
			w.listener.OnMessage(NewBinaryMessage(bts))
		default:
			w.logger.Debugf("<= [DATA] %s", string(bts))
			w.listener.OnMessage(NewDataMessage(bts))
		}
	}
}

// closeEvent maps a read error to a CloseEvent. A received close frame is a clean close, except
// the abnormal-closure code which only ever signals a dropped connection.
func (w *WsTransport) closeEvent(err error) CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseEvent{
			Code:     ce.Code,
			Reason:   ce.Text,
			WasClean: ce.Code != websocket.CloseAbnormalClosure,
		}
	}

	if w.closedLocally.Load() {
		return CloseEvent{Code: CloseNormalClosure, WasClean: true}
	}

	w.logger.Errorf("error occurred on websocket read: %s", err)
	w.listener.OnError(err)
	return CloseEvent{Code: CloseAbnormalClosure, Reason: err.Error()}
}

func (w *WsTransport) handleDialError(conn *websocket.Conn, resp *http.Response, err error) error {
	if w.errAdapters.OnDial != nil {
		return w.errAdapters.OnDial(conn, resp, err)
	}

	// 1. Check HTTP errors first
	var msg string

	if resp != nil {
		if resp.Body != nil {
			bts, err := io.ReadAll(resp.Body)
			if err == nil {
				msg = string(bts)
			}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return errors.Wrap(ErrRateLimit, msg)
		}
	}

	// 2. Network errors
	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}

	return nil
}
