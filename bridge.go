package sharedws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// Bridge is the consumer side of a Broker. It offers the same connect, disconnect, send and message
// subscription surface as a SocketConnection, but every operation travels to the broker over a
// Port, and state and messages come back from it.
//
// When the runtime has no shared broker channel the bridge reports Supported() == false instead of
// failing; callers then fall back to a direct SocketConnection (see NewClient).
type Bridge struct {
	dialer    PortDialer
	scheduler Scheduler
	logger    Logger
	target    *OpenConnectionParamsRepo

	mu          sync.RWMutex
	initialized bool
	supported   bool
	port        Port
	clientID    string
	consumers   []ConsumerInfo
	state       ConnectionState

	messageEmitter *EventEmitterCallback[EventType, ConnectionMessage]
	stateEmitter   *EventEmitterCallback[EventType, ConnectionState]
}

type BridgeOption func(*Bridge)

func WithBridgeScheduler(s Scheduler) BridgeOption {
	return func(b *Bridge) {
		b.scheduler = s
	}
}

func WithBridgeLogger(l Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithAutoConnect makes Initialize request a connection to the target resolved by repo as soon as
// the broker channel is open.
func WithAutoConnect(repo OpenConnectionParamsRepo) BridgeOption {
	return func(b *Bridge) {
		b.target = &repo
	}
}

// NewBridge returns an uninitialized bridge reaching the broker through dialer. A nil dialer means
// the shared channel is unsupported.
func NewBridge(dialer PortDialer, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		dialer:         dialer,
		scheduler:      RealScheduler(),
		logger:         NewNoopLogger(),
		messageEmitter: NewEventEmitter[EventType, ConnectionMessage](),
		stateEmitter:   NewEventEmitter[EventType, ConnectionState](),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.logger = b.logger.WithField("type", "bridge")
	b.state = newConnectionState(DefaultReconnectPolicy())

	b.messageEmitter.OnPanic(func(_ EventType, r any) {
		b.logger.Errorf("message handler panicked: %v", r)
	})
	b.stateEmitter.OnPanic(func(_ EventType, r any) {
		b.logger.Errorf("state handler panicked: %v", r)
	})

	return b
}

// Initialize opens the broker channel once. An unsupported runtime is recorded, not returned as an
// error; an error is only returned when a supported channel fails to open.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.initialized = true
	b.mu.Unlock()

	if b.dialer == nil {
		b.logger.Info("shared broker channel unsupported")
		return nil
	}

	port, err := b.dialer(ctx)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			b.logger.Info("shared broker channel unsupported")
			return nil
		}
		b.logger.Warnf("cannot open broker channel: %s", err)
		return err
	}

	b.mu.Lock()
	b.supported = true
	b.port = port
	b.mu.Unlock()

	port.Start(b.dispatch, b.handlePortClosed)

	if b.target != nil {
		params, err := b.target.Get(ctx)
		if err != nil {
			return err
		}
		b.Connect(params.Target(), params.Protocols...)
	}

	return nil
}

// Supported reports whether the broker channel is available in this runtime.
func (b *Bridge) Supported() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.supported
}

// SendToBroker posts e to the broker. It returns false, without failing, when the channel is not open.
func (b *Bridge) SendToBroker(e Envelope) bool {
	b.mu.RLock()
	port := b.port
	b.mu.RUnlock()

	if port == nil {
		return false
	}
	if err := port.Post(e); err != nil {
		b.logger.Debugf("cannot post %s to broker: %s", e.Type, err)
		return false
	}
	return true
}

func (b *Bridge) send(t EnvelopeType, data any) bool {
	e, err := NewEnvelope(t, data)
	if err != nil {
		b.logger.Errorf("cannot encode %s: %s", t, err)
		return false
	}
	return b.SendToBroker(e)
}

// Connect asks the broker to connect the shared socket to target.
func (b *Bridge) Connect(target string, protocols ...string) bool {
	return b.send(EnvelopeConnectSocket, ConnectSocketData{URL: target, Protocols: protocols})
}

// Disconnect asks the broker to disconnect the shared socket, for every consumer.
func (b *Bridge) Disconnect(code int, reason string) bool {
	return b.send(EnvelopeDisconnectSocket, DisconnectSocketData{Code: code, Reason: reason})
}

// Send asks the broker to write data on the shared socket. Strings travel as text; other values are
// JSON-encoded.
func (b *Bridge) Send(data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Errorf("cannot encode outbound message: %s", err)
		return false
	}
	return b.send(EnvelopeSendSocketMessage, SendSocketMessageData{Data: raw})
}

// RequestConsumerList asks the broker for the current consumer registry.
func (b *Bridge) RequestConsumerList() bool {
	return b.SendToBroker(Envelope{Type: EnvelopeRequestConsumerList})
}

// OnMessage registers handler for every message of the shared socket. The returned func removes
// exactly this registration.
func (b *Bridge) OnMessage(handler func(ConnectionMessage)) func() {
	return b.messageEmitter.On(EventMessage, handler)
}

// OnStateChange registers fn for every state received from the broker.
func (b *Bridge) OnStateChange(fn func(ConnectionState)) func() {
	return b.stateEmitter.On(EventStateChange, fn)
}

// State returns the last state received from the broker.
func (b *Bridge) State() ConnectionState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.state.clone()
}

// ClientID returns the id the broker assigned to this consumer, empty until assigned.
func (b *Bridge) ClientID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.clientID
}

// Consumers returns the last consumer list received from the broker.
func (b *Bridge) Consumers() []ConsumerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return append([]ConsumerInfo(nil), b.consumers...)
}

// Close ends this consumer's scope. The port is closed so the broker forgets this consumer, but the
// shared socket is left alone: other consumers may still be using it.
func (b *Bridge) Close() {
	b.mu.Lock()
	port := b.port
	b.port = nil
	b.mu.Unlock()

	if port != nil {
		_ = port.Close()
	}
	b.messageEmitter.Close()
	b.stateEmitter.Close()
}

func (b *Bridge) handlePortClosed(err error) {
	b.mu.Lock()
	b.port = nil
	b.mu.Unlock()

	b.logger.Infof("broker channel closed: %v", err)
}

func (b *Bridge) dispatch(e Envelope) {
	switch e.Type {
	case EnvelopePing:
		b.SendToBroker(Envelope{Type: EnvelopePong})

	case EnvelopeClientIDAssigned:
		var data ClientIDAssignedData
		if err := e.Decode(&data); err != nil {
			b.logger.Warnf("invalid client id: %s", err)
			return
		}
		b.mu.Lock()
		b.clientID = data.ID
		b.mu.Unlock()

	case EnvelopeConsumerList:
		var data ConsumerListData
		if err := e.Decode(&data); err != nil {
			b.logger.Warnf("invalid consumer list: %s", err)
			return
		}
		b.mu.Lock()
		b.consumers = data.Consumers
		b.mu.Unlock()

	case EnvelopeConnectionStateChanged:
		var state ConnectionState
		if err := e.Decode(&state); err != nil {
			b.logger.Warnf("invalid connection state: %s", err)
			return
		}
		if state.CreatedAt.IsZero() {
			state.CreatedAt = b.scheduler.Now()
		}
		// replaced wholesale; merging would keep stale fields around
		b.mu.Lock()
		b.state = state
		b.mu.Unlock()
		b.stateEmitter.Emit(EventStateChange, state.clone())

	case EnvelopeConnectionMessage:
		var data ConnectionMessageData
		if err := e.Decode(&data); err != nil {
			b.logger.Warnf("invalid connection message: %s", err)
			return
		}
		b.messageEmitter.Emit(EventMessage, NormalizeMessage(data.Data, b.scheduler.Now()))

	default:
		b.logger.Debugf("%s: %q", ErrUnknownEnvelope, e.Type)
	}
}
