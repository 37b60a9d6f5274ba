package tele

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensorlog/helpers"
	"github.com/temoto/sensorlog/log2"
	tele_api "github.com/temoto/sensorlog/tele"
)

type MqttOptions struct {
	Log            *log2.Log
	LogDebug       bool
	BrokerURL      string
	ClientID       string
	Credential     func() (username string, password string)
	TopicPrefix    string
	TlsCaFile      string
	NetworkTimeout time.Duration
	// test code sets NewClient
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

// transportMqtt bridges channel frames over MQTT broker:
// outbound frames to <prefix>/w/frame, inbound from <prefix>/r/frame.
// paho does reconnect, this only translates its callbacks into events.
type transportMqtt struct {
	opt        MqttOptions
	log        *log2.Log
	alive      *alive.Alive
	q          *eventQueue
	m          mqtt.Client
	mopt       *mqtt.ClientOptions
	connected  uint32
	started    uint32
	topicWrite string
	topicRead  string
}

func TopicFrameWrite(prefix string) string { return fmt.Sprintf("%s/w/frame", prefix) }
func TopicFrameRead(prefix string) string  { return fmt.Sprintf("%s/r/frame", prefix) }

func NewMqtt(opt MqttOptions) (tele_api.Transport, error) {
	if opt.NetworkTimeout < time.Second {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.NewClient == nil {
		opt.NewClient = mqtt.NewClient
	}
	if opt.TopicPrefix == "" {
		return nil, errors.NotValidf("mqtt topic prefix empty")
	}
	mqttLog := opt.Log.Clone(log2.LInfo)
	if opt.LogDebug {
		mqttLog.SetLevel(log2.LDebug)
	}
	// paho loggers are package globals
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if opt.LogDebug {
		mqtt.DEBUG = mqttLog
	}

	tlsconf := new(tls.Config)
	if opt.TlsCaFile != "" {
		tlsconf.RootCAs = x509.NewCertPool()
		cabytes, err := ioutil.ReadFile(opt.TlsCaFile)
		if err != nil {
			return nil, errors.Annotatef(err, "TLS")
		}
		tlsconf.RootCAs.AppendCertsFromPEM(cabytes)
	}

	a := alive.NewAlive()
	self := &transportMqtt{
		opt:        opt,
		log:        opt.Log,
		alive:      a,
		q:          newEventQueue(64, a.StopChan()),
		topicWrite: TopicFrameWrite(opt.TopicPrefix),
		topicRead:  TopicFrameRead(opt.TopicPrefix),
	}
	connectTimeout := opt.NetworkTimeout * 3
	self.mopt = mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetConnectTimeout(connectTimeout).
		SetDefaultPublishHandler(self.defaultHandler).
		SetKeepAlive(opt.NetworkTimeout).
		SetMaxReconnectInterval(connectTimeout).
		SetOrderMatters(true).
		SetPingTimeout(opt.NetworkTimeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(opt.NetworkTimeout).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	if opt.Credential != nil {
		self.mopt.SetCredentialsProvider(mqtt.CredentialsProvider(opt.Credential))
	}
	return self, nil
}

func (self *transportMqtt) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&self.started, 0, 1) {
		return errors.Errorf("code error mqtt Connect called twice")
	}
	if !self.alive.Add(1) {
		return tele_api.ErrClosed
	}
	self.m = self.opt.NewClient(self.mopt)
	go self.online(helpers.AliveContext(ctx, self.alive))
	return nil
}

// online retries first connect, later reconnects are done by paho.
func (self *transportMqtt) online(ctx context.Context) {
	defer self.alive.Done()
	for ctx.Err() == nil {
		t := self.m.Connect()
		err := self.tokenWait(t, "connect")
		if err == nil {
			return // success path
		}
		self.q.push(event{kind: eventError, err: errors.Annotate(tele_api.ErrTransport, err.Error())})
		select {
		case <-time.After(self.opt.NetworkTimeout):
		case <-ctx.Done():
			return
		}
	}
}

func (self *transportMqtt) Send(frame []byte) error {
	if !self.IsConnected() {
		return errors.Annotate(tele_api.ErrTransport, "mqtt not connected")
	}
	// delivery is confirmed asynchronously, publish errors surface as connection lost
	self.m.Publish(self.topicWrite, 1, false, frame)
	return nil
}

func (self *transportMqtt) Pump(h tele_api.Handler) int { return self.q.pump(h) }

func (self *transportMqtt) IsConnected() bool { return atomic.LoadUint32(&self.connected) == 1 }

func (self *transportMqtt) Close() error {
	self.alive.Stop()
	self.alive.Wait()
	if self.m != nil {
		atomic.StoreUint32(&self.connected, 0)
		self.m.Disconnect(uint(self.opt.NetworkTimeout / time.Millisecond))
	}
	return nil
}

func (self *transportMqtt) onConnectHandler(c mqtt.Client) {
	self.log.Infof("tele: mqtt connected broker=%s", self.opt.BrokerURL)
	t := c.Subscribe(self.topicRead, 1, self.onFrame)
	if err := self.tokenWait(t, "subscribe:"+self.topicRead); err != nil {
		self.q.push(event{kind: eventError, err: errors.Annotate(tele_api.ErrTransport, err.Error())})
		return
	}
	atomic.StoreUint32(&self.connected, 1)
	self.q.push(event{kind: eventConnect})
}

func (self *transportMqtt) connectLostHandler(c mqtt.Client, err error) {
	self.log.Infof("tele: mqtt disconnected err=%v", err)
	if atomic.CompareAndSwapUint32(&self.connected, 1, 0) {
		self.q.push(event{kind: eventDisconnect})
	}
}

func (self *transportMqtt) onFrame(_ mqtt.Client, msg mqtt.Message) {
	self.q.pushFrame(msg.Payload())
	msg.Ack()
}

func (self *transportMqtt) defaultHandler(_ mqtt.Client, msg mqtt.Message) {
	self.log.Errorf("tele: mqtt unexpected message topic=%s payload=%x", msg.Topic(), msg.Payload())
}

func (self *transportMqtt) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.opt.NetworkTimeout * 3) {
		err := errors.Timeoutf(tag)
		self.log.Errorf("tele: mqtt %v", err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("tele: mqtt %v", err)
		return err
	}
	return nil
}
