package tele

import (
	"context"
	"sync"

	"github.com/juju/errors"
	tele_api "github.com/temoto/sensorlog/tele"
)

// MockTransport is scripted transport for tests and offline runs.
// Events are queued by Mock* methods and delivered by Pump as real transport does.
type MockTransport struct {
	mu        sync.Mutex
	q         *eventQueue
	stop      chan struct{}
	connected bool
	closed    bool
	sent      [][]byte
	SendErr   error
	// AutoConnect queues connect event on Connect()
	AutoConnect bool
}

var _ tele_api.Transport = (*MockTransport)(nil) // compile-time interface test

func NewMockTransport() *MockTransport {
	stop := make(chan struct{})
	return &MockTransport{q: newEventQueue(256, stop), stop: stop}
}

func (self *MockTransport) Connect(ctx context.Context) error {
	self.mu.Lock()
	closed := self.closed
	self.mu.Unlock()
	if closed {
		return tele_api.ErrClosed
	}
	if self.AutoConnect {
		self.MockConnect()
	}
	return nil
}

func (self *MockTransport) Send(frame []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.connected {
		return errors.Annotate(tele_api.ErrTransport, "mock not connected")
	}
	if self.SendErr != nil {
		return self.SendErr
	}
	self.sent = append(self.sent, copyBytes(frame))
	return nil
}

func (self *MockTransport) Pump(h tele_api.Handler) int { return self.q.pump(h) }

func (self *MockTransport) IsConnected() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.connected
}

func (self *MockTransport) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.closed {
		self.closed = true
		self.connected = false
		close(self.stop)
	}
	return nil
}

func (self *MockTransport) MockConnect() {
	self.mu.Lock()
	self.connected = true
	self.mu.Unlock()
	self.q.push(event{kind: eventConnect})
}

func (self *MockTransport) MockDisconnect(code int) {
	self.mu.Lock()
	self.connected = false
	self.mu.Unlock()
	self.q.push(event{kind: eventDisconnect, code: code})
}

func (self *MockTransport) MockFrame(frame []byte) { self.q.pushFrame(frame) }
func (self *MockTransport) MockError(err error)    { self.q.push(event{kind: eventError, err: err}) }

// Sent returns and forgets frames written so far.
func (self *MockTransport) Sent() [][]byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	s := self.sent
	self.sent = nil
	return s
}

// split send/receive buffer identity for safe concurrent access
func copyBytes(b []byte) []byte {
	new := make([]byte, len(b))
	copy(new, b)
	return new
}
