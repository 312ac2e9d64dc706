package sharedws

type (
	// Client is the connection surface UI code programs against. Both a direct SocketConnection and
	// a Bridge to a shared Broker implement it.
	Client interface {
		// Connect targets url and starts connecting
		Connect(url string, protocols ...string) bool
		// Disconnect closes the connection without scheduling a retry
		Disconnect(code int, reason string) bool
		// Send writes a message on the connection
		Send(data any) bool
		// State returns the latest connection state
		State() ConnectionState
		// OnMessage subscribes to inbound messages
		OnMessage(handler func(ConnectionMessage)) func()
		// OnStateChange subscribes to state changes
		OnStateChange(fn func(ConnectionState)) func()
		// Close releases the client
		Close()
	}
)

var (
	_ Client = (*SocketConnection)(nil)
	_ Client = (*Bridge)(nil)
)
