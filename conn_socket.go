package sharedws

import (
	"fmt"
	"sync"
	"time"
)

// SocketConnection owns one transport at a time and drives its lifecycle:
//
//	Disconnected -> Connecting -> Connected -> Disconnected (clean close)
//	                                        -> Reconnecting (unclean close) -> Connecting -> ...
//	Connecting  -> Failed (transport construction error) -> Connecting -> ...
//
// Unclean closes and construction failures are retried forever with exponential backoff. Only
// Disconnect (or a clean close) ends in Disconnected without a scheduled retry.
//
// All observers run on the goroutine that produced the event, after the internal lock is released.
type SocketConnection struct {
	factory   TransportFactory
	scheduler Scheduler
	policy    ReconnectPolicy
	delay     backoffCalculator
	logger    Logger

	mu             sync.Mutex
	state          ConnectionState
	transport      Transport
	generation     uint64
	reconnectTimer Timer
	reconnectSeq   uint64

	stateEmitter   *EventEmitterCallback[EventType, ConnectionState]
	payloadEmitter *EventEmitterCallback[EventType, Payload]
}

type SocketOption func(*SocketConnection)

func WithScheduler(s Scheduler) SocketOption {
	return func(c *SocketConnection) {
		c.scheduler = s
	}
}

func WithReconnectPolicy(p ReconnectPolicy) SocketOption {
	return func(c *SocketConnection) {
		c.policy = p
	}
}

func WithLogger(l Logger) SocketOption {
	return func(c *SocketConnection) {
		c.logger = l
	}
}

// NewSocketConnection returns a Disconnected connection that opens transports through factory.
func NewSocketConnection(factory TransportFactory, opts ...SocketOption) *SocketConnection {
	c := &SocketConnection{
		factory:        factory,
		scheduler:      RealScheduler(),
		policy:         DefaultReconnectPolicy(),
		logger:         NewNoopLogger(),
		stateEmitter:   NewEventEmitter[EventType, ConnectionState](),
		payloadEmitter: NewEventEmitter[EventType, Payload](),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.WithField("type", "socket_connection")
	c.delay = c.policy.calculator()
	c.state = newConnectionState(c.policy)

	c.stateEmitter.OnPanic(c.logPanic)
	c.payloadEmitter.OnPanic(c.logPanic)

	return c
}

func (c *SocketConnection) logPanic(event EventType, recovered any) {
	c.logger.Errorf("handler for event %d panicked: %v", event, recovered)
}

// OnStateChange registers fn to receive a snapshot after every state mutation.
func (c *SocketConnection) OnStateChange(fn func(ConnectionState)) func() {
	return c.stateEmitter.On(EventStateChange, fn)
}

// OnPayload registers fn to receive every inbound frame, parsed, exactly once.
func (c *SocketConnection) OnPayload(fn func(Payload)) func() {
	return c.payloadEmitter.On(EventPayload, fn)
}

// OnMessage registers fn to receive every inbound frame as a normalized ConnectionMessage.
func (c *SocketConnection) OnMessage(fn func(ConnectionMessage)) func() {
	return c.OnPayload(func(p Payload) {
		fn(NormalizeMessage(p, c.scheduler.Now()))
	})
}

// State returns a snapshot of the connection state stamped with the current time.
func (c *SocketConnection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked()
}

func (c *SocketConnection) snapshotLocked() ConnectionState {
	s := c.state.clone()
	s.CreatedAt = c.scheduler.Now()
	return s
}

func (c *SocketConnection) notify(s ConnectionState) {
	c.stateEmitter.Emit(EventStateChange, s)
}

// Connect stores the target, tears down the current transport and opens a new one. It returns false
// when the transport cannot be constructed; the connection is then Failed and a retry is scheduled.
func (c *SocketConnection) Connect(target string, protocols ...string) bool {
	c.mu.Lock()
	c.cancelReconnectLocked()
	old := c.detachTransportLocked()
	c.state.URL = target
	c.state.Protocols = append([]string(nil), protocols...)
	c.state.Status = StatusConnecting
	gen := c.generation
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if old != nil {
		_ = old.Close(CloseNormalClosure, "reconnecting")
	}

	c.logger.Debugf("connecting to %s", target)
	c.notify(snapshot)

	transport, err := c.factory(target, protocols, &transportListener{conn: c, generation: gen})
	if err != nil {
		c.logger.Errorf("cannot construct transport to %s: %s", target, err)

		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return false
		}
		c.state.Status = StatusFailed
		c.state.LastError = &ErrorInfo{Message: err.Error(), Timestamp: c.scheduler.Now()}
		seq, scheduled := c.reconnectLocked(gen)
		snapshot = c.snapshotLocked()
		c.mu.Unlock()

		if scheduled {
			c.notifyRetry(seq, snapshot)
		}
		return false
	}

	c.mu.Lock()
	if gen != c.generation {
		// superseded by a Disconnect or Connect while constructing
		c.mu.Unlock()
		_ = transport.Close(CloseNormalClosure, "superseded")
		return false
	}
	c.transport = transport
	c.mu.Unlock()

	return true
}

// Disconnect cancels any pending reconnection, closes the transport and ends in Disconnected.
// It is safe to call without an active transport. A zero code means a normal closure.
func (c *SocketConnection) Disconnect(code int, reason string) bool {
	if code == 0 {
		code = CloseNormalClosure
	}

	c.mu.Lock()
	// the timer goes first, otherwise a pending retry could resurrect the connection
	c.cancelReconnectLocked()
	transport := c.detachTransportLocked()
	c.state.Status = StatusDisconnected
	c.state.Statistics.ConnectedAt = time.Time{}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Close(code, reason); err != nil {
			c.logger.Debugf("error closing transport: %s", err)
		}
	}

	c.notify(snapshot)
	return true
}

// Send writes data on the open transport. It returns false, and records LastError, when there is no
// open transport or the write fails. Sending the liveness ping records LastPingSentAt.
func (c *SocketConnection) Send(data any) bool {
	m, err := encodeOutbound(data)
	if err != nil {
		c.fail(err.Error())
		return false
	}

	c.mu.Lock()
	transport := c.transport
	ready := transport != nil &&
		c.state.Status == StatusConnected &&
		transport.ReadyState() == ReadyOpen
	c.mu.Unlock()

	if !ready {
		c.fail(errMsgNotConnected)
		return false
	}

	if err := transport.Write(m); err != nil {
		c.logger.Warnf("cannot send message: %s", err)
		c.fail(err.Error())
		return false
	}

	now := c.scheduler.Now()

	c.mu.Lock()
	stats := &c.state.Statistics
	stats.MessagesSent++
	stats.BytesSent += int64(len(m.Data()))
	stats.LastMessageSentAt = now
	if isPingFrame(m) {
		stats.LastPingSentAt = now
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snapshot)
	return true
}

// Close disconnects and drops every observer.
func (c *SocketConnection) Close() {
	c.Disconnect(CloseNormalClosure, "closed")
	c.stateEmitter.Close()
	c.payloadEmitter.Close()
}

func (c *SocketConnection) fail(msg string) {
	c.mu.Lock()
	c.state.LastError = &ErrorInfo{Message: msg, Timestamp: c.scheduler.Now()}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snapshot)
}

// reconnectLocked arms the retry timer for generation gen. Nothing is armed when a retry is already
// pending or gen has been superseded by a Connect or Disconnect.
func (c *SocketConnection) reconnectLocked(gen uint64) (uint64, bool) {
	if gen != c.generation || c.reconnectTimer != nil {
		return 0, false
	}

	c.state.ReconnectAttempts++
	attempts := c.state.ReconnectAttempts
	delay := c.delay(attempts)
	c.state.ReconnectDelay = delay
	// a construction failure stays visible as Failed until the retry starts
	if c.state.Status != StatusFailed {
		c.state.Status = StatusReconnecting
	}

	c.reconnectSeq++
	seq := c.reconnectSeq
	c.reconnectTimer = c.scheduler.AfterFunc(delay, func() { c.fireReconnect(seq) })

	c.logger.WithField("attempt", attempts).Infof("reconnecting to %s in %s", c.state.URL, delay)
	return seq, true
}

// notifyRetry emits the snapshot taken when retry seq was armed, unless it has been cancelled since.
func (c *SocketConnection) notifyRetry(seq uint64, snapshot ConnectionState) {
	c.mu.Lock()
	pending := c.reconnectTimer != nil && c.reconnectSeq == seq
	c.mu.Unlock()

	if pending {
		c.notify(snapshot)
	}
}

func (c *SocketConnection) fireReconnect(seq uint64) {
	c.mu.Lock()
	if c.reconnectTimer == nil || c.reconnectSeq != seq {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	target := c.state.URL
	protocols := append([]string(nil), c.state.Protocols...)
	c.mu.Unlock()

	c.Connect(target, protocols...)
}

func (c *SocketConnection) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// detachTransportLocked forgets the current transport. Late events from it are ignored.
func (c *SocketConnection) detachTransportLocked() Transport {
	t := c.transport
	c.transport = nil
	c.generation++
	return t
}

func (c *SocketConnection) handleOpen(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.state.ReconnectAttempts = 0
	c.state.ReconnectDelay = c.policy.BaseDelay
	c.state.LastError = nil
	c.state.Statistics.ConnectedAt = c.scheduler.Now()
	c.state.Status = StatusConnected
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Infof("connected to %s", snapshot.URL)
	c.notify(snapshot)
}

func (c *SocketConnection) handleMessage(gen uint64, m Message) {
	now := c.scheduler.Now()
	payload := ParsePayload(m, now)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	stats := &c.state.Statistics
	stats.MessagesReceived++
	stats.BytesReceived += int64(len(m.Data()))
	stats.LastMessageReceivedAt = now
	if payload.Kind == PayloadPong {
		stats.LastPongReceivedAt = now
		if !stats.LastPingSentAt.IsZero() {
			stats.recordLatency(float64(now.Sub(stats.LastPingSentAt)) / float64(time.Millisecond))
		}
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.payloadEmitter.Emit(EventPayload, payload)
	c.notify(snapshot)
}

func (c *SocketConnection) handleError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.state.LastError = &ErrorInfo{Message: errMsgTransport, Timestamp: c.scheduler.Now()}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Warnf("transport error on %s: %v", snapshot.URL, err)
	c.notify(snapshot)
}

func (c *SocketConnection) handleClose(gen uint64, ev CloseEvent) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if !ev.WasClean {
		c.state.LastError = &ErrorInfo{
			Message:   closeMessage(ev),
			Code:      ev.Code,
			Reason:    ev.Reason,
			Timestamp: c.scheduler.Now(),
		}
	}
	c.detachTransportLocked()
	c.state.Statistics.ConnectedAt = time.Time{}
	c.state.Status = StatusDisconnected
	closed := c.snapshotLocked()

	// armed before unlocking so that a concurrent Disconnect always finds the timer to cancel
	var (
		seq       uint64
		scheduled bool
		retry     ConnectionState
	)
	if !ev.WasClean {
		seq, scheduled = c.reconnectLocked(c.generation)
		retry = c.snapshotLocked()
	}
	c.mu.Unlock()

	c.logger.Infof("connection to %s closed: code=%d clean=%t", closed.URL, ev.Code, ev.WasClean)
	c.notify(closed)

	if scheduled {
		c.notifyRetry(seq, retry)
	}
}

func closeMessage(ev CloseEvent) string {
	if ev.Reason == "" {
		return fmt.Sprintf("connection closed unexpectedly (code %d)", ev.Code)
	}
	return fmt.Sprintf("connection closed unexpectedly (code %d): %s", ev.Code, ev.Reason)
}

// transportListener binds transport events to the generation they were opened for.
type transportListener struct {
	conn       *SocketConnection
	generation uint64
}

func (l *transportListener) OnOpen()               { l.conn.handleOpen(l.generation) }
func (l *transportListener) OnMessage(m Message)   { l.conn.handleMessage(l.generation, m) }
func (l *transportListener) OnError(err error)     { l.conn.handleError(l.generation, err) }
func (l *transportListener) OnClose(ev CloseEvent) { l.conn.handleClose(l.generation, ev) }
