package tele

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// MqttMock is in-memory mqtt.Client, runs connect handlers synchronously.
type MqttMock struct {
	Opt  *mqtt.ClientOptions
	Pub  chan MockMsg
	mu   sync.Mutex
	subs []MockSub
	open bool
}
type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

var _ mqtt.Client = (*MqttMock)(nil) // compile-time interface test

func NewMqttMock() *MqttMock {
	return &MqttMock{
		Pub:  make(chan MockMsg, 32),
		subs: make([]MockSub, 0, 16),
	}
}

func (self *MqttMock) MockNew(opt *mqtt.ClientOptions) mqtt.Client {
	self.Opt = opt
	return self
}

func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	self.mu.Lock()
	subs := append([]MockSub(nil), self.subs...)
	self.mu.Unlock()
	for _, sub := range subs {
		if topic == sub.Pattern {
			msg := MockMsg{T: topic, P: payload}
			if sub.Qos > 0 {
				msg.acked = make(chan struct{})
			}
			sub.Handler(self, msg)
			if sub.Qos > 0 {
				select {
				case <-msg.acked:
				default:
					t.Errorf("message='%s' handled without Ack()", string(payload))
					return
				}
			}
			return
		}
	}
	t.Errorf("not subscribed for topic=%s", topic)
}

func (self *MqttMock) MockConnectionLost(err error) {
	self.mu.Lock()
	self.open = false
	self.subs = self.subs[:0]
	self.mu.Unlock()
	if self.Opt.OnConnectionLost != nil {
		self.Opt.OnConnectionLost(self, err)
	}
}

func (self *MqttMock) MockReconnect() {
	self.mu.Lock()
	self.open = true
	self.mu.Unlock()
	if self.Opt.OnConnect != nil {
		self.Opt.OnConnect(self)
	}
}

func (self *MqttMock) Disconnect(uint) {
	self.mu.Lock()
	self.open = false
	self.mu.Unlock()
}
func (self *MqttMock) IsConnected() bool { return self.IsConnectionOpen() }
func (self *MqttMock) IsConnectionOpen() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.open
}

func (self *MqttMock) Connect() mqtt.Token {
	self.MockReconnect()
	return mockToken{nil}
}

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	self.Pub <- MockMsg{T: topic, P: payload.([]byte)}
	return mockToken{nil}
}

func (self *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.mu.Lock()
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	self.mu.Unlock()
	return mockToken{nil}
}

func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return tok.Wait() }

type MockMsg struct {
	T     string
	P     []byte
	acked chan struct{}
}

func (msg MockMsg) Ack() {
	if msg.acked != nil {
		close(msg.acked)
	}
}

func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return 0 }
func (msg MockMsg) Retained() bool    { return false }
func (msg MockMsg) Topic() string     { return msg.T }
