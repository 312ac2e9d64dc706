package sharedws

import (
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"
)

// mockTransport is a Transport driven by the test: Write goes through testify expectations and the
// simulate helpers push events to the listener the factory handed over.
type mockTransport struct {
	mock.Mock

	target    string
	protocols []string
	listener  TransportListener
	state     atomic.Int32

	closeMu sync.Mutex
	closes  []CloseEvent
}

func (m *mockTransport) Write(msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}

func (m *mockTransport) ReadyState() ReadyState {
	return ReadyState(m.state.Load())
}

func (m *mockTransport) Close(code int, reason string) error {
	m.state.Store(int32(ReadyClosed))

	m.closeMu.Lock()
	m.closes = append(m.closes, CloseEvent{Code: code, Reason: reason})
	m.closeMu.Unlock()
	return nil
}

func (m *mockTransport) closeCalls() []CloseEvent {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	return append([]CloseEvent(nil), m.closes...)
}

func (m *mockTransport) simulateOpen() {
	m.state.Store(int32(ReadyOpen))
	m.listener.OnOpen()
}

func (m *mockTransport) simulateText(text string) {
	m.listener.OnMessage(NewDataMessage([]byte(text)))
}

func (m *mockTransport) simulateBinary(data []byte) {
	m.listener.OnMessage(NewBinaryMessage(data))
}

func (m *mockTransport) simulateError(err error) {
	m.listener.OnError(err)
}

func (m *mockTransport) simulateClose(code int, clean bool) {
	m.state.Store(int32(ReadyClosed))
	m.listener.OnClose(CloseEvent{Code: code, WasClean: clean})
}
