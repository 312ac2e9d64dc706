package sharedws

import (
	"sync"
)

// mockTransportFactory records every construction. ConstructErr makes construction fail; Setup runs
// on each new transport before it is returned, typically to register Write expectations.
type mockTransportFactory struct {
	ConstructErr error
	Setup        func(t *mockTransport)

	mu         sync.Mutex
	calls      int
	transports []*mockTransport
}

func (f *mockTransportFactory) Factory() TransportFactory {
	return func(target string, protocols []string, listener TransportListener) (Transport, error) {
		f.mu.Lock()
		f.calls++
		err := f.ConstructErr
		setup := f.Setup
		f.mu.Unlock()

		if err != nil {
			return nil, err
		}

		t := &mockTransport{target: target, protocols: protocols, listener: listener}
		t.state.Store(int32(ReadyConnecting))
		if setup != nil {
			setup(t)
		}

		f.mu.Lock()
		f.transports = append(f.transports, t)
		f.mu.Unlock()

		return t, nil
	}
}

func (f *mockTransportFactory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *mockTransportFactory) Last() *mockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// mockPort is a Port whose behaviour is set per test. Without a PostFunc, posted envelopes are
// recorded; Deliver and Drop play the other end.
type mockPort struct {
	PostFunc  func(e Envelope) error
	CloseFunc func() error

	mu        sync.Mutex
	posted    []Envelope
	onMessage func(Envelope)
	onClose   func(error)
	closed    bool
}

func (m *mockPort) Start(onMessage func(Envelope), onClose func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = onMessage
	m.onClose = onClose
}

func (m *mockPort) Post(e Envelope) error {
	if m.PostFunc != nil {
		if err := m.PostFunc(e); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrPortClosed
	}
	m.posted = append(m.posted, e)
	return nil
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *mockPort) Deliver(e Envelope) {
	m.mu.Lock()
	fn := m.onMessage
	m.mu.Unlock()
	fn(e)
}

// Drop simulates the other end going away.
func (m *mockPort) Drop(err error) {
	m.mu.Lock()
	m.closed = true
	fn := m.onClose
	m.mu.Unlock()
	fn(err)
}

func (m *mockPort) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockPort) Posted() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.posted...)
}

// PostedOfType returns the recorded envelopes of type t.
func (m *mockPort) PostedOfType(t EnvelopeType) []Envelope {
	var out []Envelope
	for _, e := range m.Posted() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockPort) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted = nil
}
