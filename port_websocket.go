package sharedws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

const (
	portWriteTimeout = 5 * time.Second
	portOutboxSize   = 256
)

// websocketPort carries envelopes as JSON text frames over a websocket, so that consumers living in
// other processes can reach the broker. Posts are queued on an outbox drained by a single writer, so
// a slow peer never stalls the poster.
type websocketPort struct {
	conn      *websocket.Conn
	logger    Logger
	outbox    chan Envelope
	writeMu   sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func newWebsocketPort(conn *websocket.Conn, logger Logger) *websocketPort {
	p := &websocketPort{
		conn:   conn,
		logger: logger.WithField("net", "ws_port"),
		outbox: make(chan Envelope, portOutboxSize),
		done:   make(chan struct{}),
	}
	go p.write()
	return p
}

func (p *websocketPort) write() {
	for {
		select {
		case <-p.done:
			return
		case e := <-p.outbox:
			p.writeMu.Lock()
			_ = p.conn.SetWriteDeadline(time.Now().Add(portWriteTimeout))
			err := p.conn.WriteJSON(e)
			p.writeMu.Unlock()

			if err != nil {
				p.logger.Warnf("cannot write %s: %s", e.Type, err)
				_ = p.Close()
				return
			}
		}
	}
}

func (p *websocketPort) Start(onMessage func(Envelope), onClose func(error)) {
	p.startOnce.Do(func() {
		go p.read(onMessage, onClose)
	})
}

func (p *websocketPort) read(onMessage func(Envelope), onClose func(error)) {
	var reason error
	defer func() {
		_ = p.Close()
		if onClose != nil {
			onClose(reason)
		}
	}()

	for {
		var e Envelope
		if err := p.conn.ReadJSON(&e); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = ErrPortClosed
			} else {
				reason = errors.Wrap(ErrPortClosed, err.Error())
			}
			return
		}
		onMessage(e)
	}
}

// Post queues e for the writer. It fails with ErrPortOverflow when the outbox is full; envelopes
// still queued when the port closes are dropped.
func (p *websocketPort) Post(e Envelope) error {
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}

	select {
	case p.outbox <- e:
		return nil
	default:
		return ErrPortOverflow
	}
}

func (p *websocketPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)

		p.writeMu.Lock()
		_ = p.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		p.writeMu.Unlock()

		err = p.conn.Close()
	})
	return err
}

// Done is closed once the port is closed.
func (p *websocketPort) Done() <-chan struct{} {
	return p.done
}

// NewConsumerHandler returns a fasthttp handler upgrading each request to a consumer port and
// handing it to accept. The handler returns when the port closes.
func NewConsumerHandler(logger Logger, accept func(Port)) fasthttp.RequestHandler {
	upgrader := websocket.FastHTTPUpgrader{
		CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
	}

	return func(ctx *fasthttp.RequestCtx) {
		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			port := newWebsocketPort(conn, logger)
			accept(port)
			<-port.Done()
		})
		if err != nil {
			logger.Warnf("cannot upgrade consumer connection: %s", err)
		}
	}
}

// WebsocketPortDialer returns a PortDialer connecting to a broker served by NewConsumerHandler.
func WebsocketPortDialer(logger Logger, dialer *websocket.Dialer, target string, header http.Header) PortDialer {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return func(ctx context.Context) (Port, error) {
		conn, resp, err := dialer.DialContext(ctx, target, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, errors.Wrapf(ErrCannotConnect, "dial broker %s: %s", target, err)
		}
		return newWebsocketPort(conn, logger), nil
	}
}
