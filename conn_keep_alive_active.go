package sharedws

import (
	"sync"
	"time"
)

type KeepAliveMessageFactory func(now time.Time) any

// KeepAlive periodically sends the application liveness probe over a SocketConnection while it is
// Connected. The matching pong feeds the connection's latency average.
type KeepAlive struct {
	conn                    *SocketConnection
	scheduler               Scheduler
	pingInterval            time.Duration
	keepAliveMessageFactory KeepAliveMessageFactory

	mu      sync.Mutex
	timer   Timer
	running bool
}

type KeepAliveOption func(*KeepAlive)

func WithKeepAliveScheduler(s Scheduler) KeepAliveOption {
	return func(k *KeepAlive) {
		k.scheduler = s
	}
}

func WithKeepAliveMessageFactory(f KeepAliveMessageFactory) KeepAliveOption {
	return func(k *KeepAlive) {
		k.keepAliveMessageFactory = f
	}
}

// NewKeepAlive returns a stopped probe sending every interval.
func NewKeepAlive(conn *SocketConnection, interval time.Duration, opts ...KeepAliveOption) *KeepAlive {
	k := &KeepAlive{
		conn:         conn,
		scheduler:    RealScheduler(),
		pingInterval: interval,
		keepAliveMessageFactory: func(now time.Time) any {
			return PingPayload(now)
		},
	}

	for _, opt := range opts {
		opt(k)
	}

	return k
}

// Start arms the probe. It only has effect on a stopped probe.
func (k *KeepAlive) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.running {
		return
	}
	k.running = true
	k.armLocked()
}

// Stop cancels the next probe.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.running = false
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}

func (k *KeepAlive) armLocked() {
	k.timer = k.scheduler.AfterFunc(k.pingInterval, k.tick)
}

func (k *KeepAlive) tick() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	k.timer = nil
	k.mu.Unlock()

	if k.conn.State().Status == StatusConnected {
		k.conn.Send(k.keepAliveMessageFactory(k.scheduler.Now()))
	}

	k.mu.Lock()
	if k.running && k.timer == nil {
		k.armLocked()
	}
	k.mu.Unlock()
}
