package sharedws

import (
	"context"
)

// ClientConfig assembles a Client.
type ClientConfig struct {
	// Dialer reaches the shared broker. Nil, or a dialer returning ErrUnsupported, selects the
	// direct connection.
	Dialer PortDialer
	// Factory opens transports for the direct connection.
	Factory TransportFactory
	// Target, when set, is connected to right away.
	Target    *OpenConnectionParamsRepo
	Scheduler Scheduler
	Logger    Logger
	Reconnect ReconnectPolicy
}

// NewClient returns a Bridge when the shared broker channel is available and a direct
// SocketConnection otherwise.
func NewClient(ctx context.Context, cfg ClientConfig) (Client, error) {
	if cfg.Scheduler == nil {
		cfg.Scheduler = RealScheduler()
	}
	if cfg.Logger == nil {
		cfg.Logger = NewNoopLogger()
	}
	if cfg.Reconnect.BaseDelay == 0 {
		cfg.Reconnect = DefaultReconnectPolicy()
	}

	opts := []BridgeOption{WithBridgeScheduler(cfg.Scheduler), WithBridgeLogger(cfg.Logger)}
	if cfg.Target != nil {
		opts = append(opts, WithAutoConnect(*cfg.Target))
	}

	bridge := NewBridge(cfg.Dialer, opts...)
	if err := bridge.Initialize(ctx); err != nil {
		return nil, err
	}
	if bridge.Supported() {
		return bridge, nil
	}

	cfg.Logger.Info("falling back to a direct connection")

	conn := NewSocketConnection(
		cfg.Factory,
		WithScheduler(cfg.Scheduler),
		WithLogger(cfg.Logger),
		WithReconnectPolicy(cfg.Reconnect),
	)

	if cfg.Target != nil {
		params, err := cfg.Target.Get(ctx)
		if err != nil {
			return nil, err
		}
		conn.Connect(params.Target(), params.Protocols...)
	}

	return conn, nil
}
