package sharedws

import "context"

type (
	// Port is one end of the channel between the broker and a consumer.
	Port interface {
		// Start begins delivering inbound envelopes to onMessage, one at a time and in order.
		// onClose is called once, when the port stops delivering.
		Start(onMessage func(Envelope), onClose func(error))
		// Post sends an envelope to the other end. It fails once the port is closed.
		Post(e Envelope) error
		Close() error
	}

	// PortDialer opens a consumer port to the broker. It returns ErrUnsupported when the runtime
	// offers no shared broker channel.
	PortDialer func(ctx context.Context) (Port, error)
)

// UnsupportedPortDialer is the dialer of a runtime without a shared broker.
func UnsupportedPortDialer(context.Context) (Port, error) {
	return nil, ErrUnsupported
}
