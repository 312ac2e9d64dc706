package sharedws

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second
	DefaultKeepAliveInterval = 25 * time.Second
)

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	// HeartbeatInterval must be shorter than HeartbeatTimeout.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Reconnect         ReconnectPolicy
	// KeepAliveInterval enables the application ping probe on the shared socket. Zero disables it.
	KeepAliveInterval time.Duration
	// ReplyToPings answers application pings from the server with a pong.
	ReplyToPings bool
}

func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		Reconnect:         DefaultReconnectPolicy(),
		KeepAliveInterval: DefaultKeepAliveInterval,
	}
}

// Validate checks the heartbeat invariant.
func (c BrokerConfig) Validate() error {
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat interval and timeout must be positive")
	}
	if c.HeartbeatInterval >= c.HeartbeatTimeout {
		return errors.Errorf(
			"heartbeat interval %s must be shorter than timeout %s",
			c.HeartbeatInterval, c.HeartbeatTimeout,
		)
	}
	return nil
}

// Broker owns one SocketConnection and fans its state and messages out to every registered
// consumer, so that many consumers share a single network connection. The socket is created on the
// first ConnectSocket command.
type Broker struct {
	cfg       BrokerConfig
	factory   TransportFactory
	scheduler Scheduler
	logger    Logger
	newID     func() string

	mu        sync.Mutex
	consumers map[string]*ConsumerRegistration

	// connectMu serializes ConnectSocket so concurrent requests for one target dial once
	connectMu sync.Mutex
	socketMu  sync.Mutex
	socket    *SocketConnection
	keepAlive *KeepAlive
	unsubs    []func()
}

type BrokerOption func(*Broker)

func WithBrokerConfig(cfg BrokerConfig) BrokerOption {
	return func(b *Broker) {
		b.cfg = cfg
	}
}

func WithBrokerScheduler(s Scheduler) BrokerOption {
	return func(b *Broker) {
		b.scheduler = s
	}
}

func WithBrokerLogger(l Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = l
	}
}

// WithIDGenerator replaces the consumer id generator.
func WithIDGenerator(fn func() string) BrokerOption {
	return func(b *Broker) {
		b.newID = fn
	}
}

// NewBroker returns a broker opening its shared socket through factory.
func NewBroker(factory TransportFactory, opts ...BrokerOption) *Broker {
	b := &Broker{
		cfg:       DefaultBrokerConfig(),
		factory:   factory,
		scheduler: RealScheduler(),
		logger:    NewNoopLogger(),
		newID:     newConsumerID,
		consumers: make(map[string]*ConsumerRegistration),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.logger = b.logger.WithField("type", "broker")

	return b
}

// AcceptConsumer registers the consumer behind port: it assigns an id, wires inbound handling,
// starts the heartbeat, tells the consumer its id and current connection state, and broadcasts the
// new consumer list.
func (b *Broker) AcceptConsumer(port Port) *ConsumerRegistration {
	now := b.scheduler.Now()
	c := &ConsumerRegistration{
		ID:               b.newID(),
		FirstConnectedAt: now,
		lastActiveAt:     now,
		port:             port,
	}

	b.mu.Lock()
	b.consumers[c.ID] = c
	b.mu.Unlock()

	port.Start(
		func(e Envelope) { b.HandleConsumerMessage(c, e) },
		func(err error) {
			b.logger.WithField("consumer_id", c.ID).Debugf("consumer port closed: %v", err)
			b.HandleConsumerDisconnect(c)
		},
	)

	b.mu.Lock()
	if b.consumers[c.ID] == c {
		b.scheduleHeartbeatLocked(c)
	}
	b.mu.Unlock()

	b.logger.WithField("consumer_id", c.ID).Info("consumer connected")

	if err := b.post(c, EnvelopeClientIDAssigned, ClientIDAssignedData{ID: c.ID}); err != nil {
		b.HandleConsumerDisconnect(c)
		return c
	}
	if err := b.post(c, EnvelopeConnectionStateChanged, b.socketState()); err != nil {
		b.HandleConsumerDisconnect(c)
		return c
	}

	b.broadcastConsumerList()

	return c
}

// HandleConsumerDisconnect stops the consumer's heartbeat, removes it and broadcasts the new
// consumer list. Consumers that are no longer registered are ignored.
func (b *Broker) HandleConsumerDisconnect(c *ConsumerRegistration) {
	b.mu.Lock()
	if current, ok := b.consumers[c.ID]; !ok || current != c {
		b.mu.Unlock()
		return
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	delete(b.consumers, c.ID)
	remaining := len(b.consumers)
	b.mu.Unlock()

	_ = c.port.Close()

	b.logger.WithField("consumer_id", c.ID).Infof("consumer disconnected, %d remaining", remaining)
	b.broadcastConsumerList()
}

// HandleConsumerMessage processes one envelope from c. Any message counts as activity.
func (b *Broker) HandleConsumerMessage(c *ConsumerRegistration, e Envelope) {
	if !b.touch(c) {
		return
	}

	switch e.Type {
	case EnvelopePong:
	case EnvelopeRequestConsumerList:
		_ = b.post(c, EnvelopeConsumerList, ConsumerListData{Consumers: b.Consumers()})
	default:
		b.handleConnectionCommand(c, e)
	}
}

// Broadcast posts e to every consumer registered at call time. A failed post is logged and does not
// stop delivery to the rest.
func (b *Broker) Broadcast(e Envelope) {
	b.mu.Lock()
	targets := make([]*ConsumerRegistration, 0, len(b.consumers))
	for _, c := range b.consumers {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		if err := c.port.Post(e); err != nil {
			b.logger.WithField("consumer_id", c.ID).Warnf("cannot deliver %s: %s", e.Type, err)
		}
	}
}

// Consumers returns the live registry ordered by first connection.
func (b *Broker) Consumers() []ConsumerInfo {
	b.mu.Lock()
	list := make([]ConsumerInfo, 0, len(b.consumers))
	for _, c := range b.consumers {
		list = append(list, c.info())
	}
	b.mu.Unlock()

	sortConsumers(list)
	return list
}

// Socket returns the shared connection, or nil before the first ConnectSocket.
func (b *Broker) Socket() *SocketConnection {
	b.socketMu.Lock()
	defer b.socketMu.Unlock()

	return b.socket
}

// Close drops every consumer and shuts the shared socket down.
func (b *Broker) Close() {
	b.mu.Lock()
	consumers := make([]*ConsumerRegistration, 0, len(b.consumers))
	for id, c := range b.consumers {
		if c.heartbeat != nil {
			c.heartbeat.Stop()
			c.heartbeat = nil
		}
		delete(b.consumers, id)
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	for _, c := range consumers {
		_ = c.port.Close()
	}

	b.socketMu.Lock()
	socket, keepAlive, unsubs := b.socket, b.keepAlive, b.unsubs
	b.socket, b.keepAlive, b.unsubs = nil, nil, nil
	b.socketMu.Unlock()

	if keepAlive != nil {
		keepAlive.Stop()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	if socket != nil {
		socket.Close()
	}
}

func (b *Broker) handleConnectionCommand(c *ConsumerRegistration, e Envelope) {
	log := b.logger.WithField("consumer_id", c.ID)

	switch e.Type {
	case EnvelopeConnectSocket:
		var data ConnectSocketData
		if err := e.Decode(&data); err != nil {
			log.Warnf("invalid connect command: %s", err)
			return
		}
		if !b.ConnectSocket(data.URL, data.Protocols...) {
			// already serving this target; just bring the requester up to date
			_ = b.post(c, EnvelopeConnectionStateChanged, b.socketState())
		}

	case EnvelopeDisconnectSocket:
		var data DisconnectSocketData
		if len(e.Data) > 0 {
			if err := e.Decode(&data); err != nil {
				log.Warnf("invalid disconnect command: %s", err)
				return
			}
		}
		if socket := b.Socket(); socket != nil {
			socket.Disconnect(data.Code, data.Reason)
		}

	case EnvelopeSendSocketMessage:
		var data SendSocketMessageData
		if err := e.Decode(&data); err != nil {
			log.Warnf("invalid send command: %s", err)
			return
		}
		b.ensureSocket().Send(data.frame())

	default:
		log.Warnf("%s: %q", ErrUnknownEnvelope, e.Type)
	}
}

// ConnectSocket points the shared socket at target. It returns false without redialling when the
// socket is already connecting or connected to that target.
func (b *Broker) ConnectSocket(target string, protocols ...string) bool {
	b.connectMu.Lock()
	defer b.connectMu.Unlock()

	socket := b.ensureSocket()
	state := socket.State()
	if state.URL == target && isActive(state.Status) {
		return false
	}
	socket.Connect(target, protocols...)
	return true
}

func isActive(s Status) bool {
	return s == StatusConnecting || s == StatusConnected || s == StatusReconnecting
}

// ensureSocket lazily creates the shared connection and wires its observers to broadcasts.
func (b *Broker) ensureSocket() *SocketConnection {
	b.socketMu.Lock()
	defer b.socketMu.Unlock()

	if b.socket != nil {
		return b.socket
	}

	socket := NewSocketConnection(
		b.factory,
		WithScheduler(b.scheduler),
		WithReconnectPolicy(b.cfg.Reconnect),
		WithLogger(b.logger),
	)

	b.unsubs = append(b.unsubs,
		socket.OnStateChange(func(s ConnectionState) {
			b.broadcast(EnvelopeConnectionStateChanged, s)
		}),
		socket.OnPayload(func(p Payload) {
			b.broadcast(EnvelopeConnectionMessage, ConnectionMessageData{Data: p})
		}),
	)

	if b.cfg.ReplyToPings {
		b.unsubs = append(b.unsubs, ReplyPingWithPong(socket))
	}

	if b.cfg.KeepAliveInterval > 0 {
		b.keepAlive = NewKeepAlive(socket, b.cfg.KeepAliveInterval, WithKeepAliveScheduler(b.scheduler))
		b.keepAlive.Start()
	}

	b.socket = socket
	return socket
}

func (b *Broker) socketState() ConnectionState {
	if socket := b.Socket(); socket != nil {
		return socket.State()
	}
	s := newConnectionState(b.cfg.Reconnect)
	s.CreatedAt = b.scheduler.Now()
	return s
}

func (b *Broker) broadcast(t EnvelopeType, data any) {
	e, err := NewEnvelope(t, data)
	if err != nil {
		b.logger.Errorf("cannot broadcast: %s", err)
		return
	}
	b.Broadcast(e)
}

func (b *Broker) broadcastConsumerList() {
	b.broadcast(EnvelopeConsumerList, ConsumerListData{Consumers: b.Consumers()})
}

func (b *Broker) post(c *ConsumerRegistration, t EnvelopeType, data any) error {
	e, err := NewEnvelope(t, data)
	if err != nil {
		b.logger.Errorf("cannot post to consumer %s: %s", c.ID, err)
		return err
	}
	if err := c.port.Post(e); err != nil {
		b.logger.WithField("consumer_id", c.ID).Warnf("cannot deliver %s: %s", t, err)
		return err
	}
	return nil
}

// touch records activity from c. It reports false when c is no longer registered.
func (b *Broker) touch(c *ConsumerRegistration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consumers[c.ID] != c {
		return false
	}
	c.lastActiveAt = b.scheduler.Now()
	return true
}
