package sharedws

// ReadyState mirrors the readiness of a transport socket.
type ReadyState int32

const (
	ReadyConnecting ReadyState = iota
	ReadyOpen
	ReadyClosing
	ReadyClosed
)

// Close codes used by this package (RFC 6455).
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseAbnormalClosure = 1006
)

type (
	// CloseEvent reports the end of a transport. WasClean is true when the closing handshake completed.
	CloseEvent struct {
		Code     int
		Reason   string
		WasClean bool
	}

	// TransportListener receives transport events in delivery order.
	TransportListener interface {
		OnOpen()
		OnMessage(m Message)
		OnError(err error)
		OnClose(ev CloseEvent)
	}

	// Transport is one underlying socket. It is owned exclusively by a SocketConnection.
	Transport interface {
		Write(m Message) error
		ReadyState() ReadyState
		Close(code int, reason string) error
	}

	// TransportFactory constructs a transport and starts opening it. An error means construction
	// failed synchronously; opening failures are reported through the listener.
	TransportFactory func(target string, protocols []string, listener TransportListener) (Transport, error)
)
