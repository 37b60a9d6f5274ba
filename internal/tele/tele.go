// Package tele is connection supervisor: owns transport, drives channel
// session, heartbeat, clock sync and sensor schedule from one cooperative Tick.
package tele

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/sensorlog/helpers/atomic_clock"
	"github.com/temoto/sensorlog/internal/channel"
	"github.com/temoto/sensorlog/internal/clocksync"
	"github.com/temoto/sensorlog/internal/phx"
	"github.com/temoto/sensorlog/internal/schedule"
	"github.com/temoto/sensorlog/internal/sensor"
	"github.com/temoto/sensorlog/log2"
	tele_api "github.com/temoto/sensorlog/tele"
	tele_config "github.com/temoto/sensorlog/tele/config"
)

const (
	DefaultNetworkTimeout = tele_config.DefaultNetworkTimeout
	DefaultReconnectDelay = tele_config.DefaultReconnectDelay
)

type Options struct {
	// nil means build from config
	Transport    tele_api.Transport
	Sensors      *sensor.Set
	PollInterval time.Duration
	Updater      tele_api.Updater
	Registerer   prometheus.Registerer
	Source       atomic_clock.Millis

	// OnError receives only errors that need caller decision: auth rejection.
	OnError   func(error)
	OnMessage func(phx.Message)
	AfterJoin func(tele_api.JoinResult)
}

// Tele contract:
// - Init() fails only with invalid config, network issues are handled by transport in background
// - Tick() never blocks, must be called repeatedly from one goroutine
// - callbacks run inside Tick(), calling Tick() from them returns ErrReentrant
// - readings and status are fire-and-forget, nothing is queued while offline
type Tele struct { //nolint:maligned
	opt       Options
	config    tele_config.Config
	log       *log2.Log
	src       atomic_clock.Millis
	transport tele_api.Transport
	session   *channel.Session
	clock     *clocksync.Sync
	sched     *schedule.Scheduler
	metrics   *Metrics

	apiKey      atomic.Value // string
	inTick      uint32
	heartbeatAt uint32
	heartbeatMs uint32
	authOnce    sync.Once
	enabled     bool
}

func New(opt Options) *Tele {
	if opt.Sensors == nil {
		opt.Sensors = &sensor.Set{}
	}
	if opt.Source == nil {
		opt.Source = atomic_clock.Mono{}
	}
	return &Tele{opt: opt, src: opt.Source}
}

func (self *Tele) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config) error {
	self.config = teleConfig
	self.log = log
	if self.config.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}
	if err := self.config.Validate(); err != nil {
		return errors.Annotate(err, "tele config")
	}
	self.metrics = NewMetrics(self.opt.Registerer)
	if !self.config.Enabled {
		self.log.Infof("tele: disabled")
		return nil
	}
	if self.config.Mode == tele_config.ModeHTTP {
		return errors.NotSupportedf("tele.mode=http in channel supervisor, use httplog")
	}
	self.apiKey.Store(self.config.APIKey)

	join, err := self.joinPayload(self.config.APIKey)
	if err != nil {
		return err
	}
	self.clock = clocksync.New(clocksync.Options{
		Source:          self.src,
		ResyncAfter:     self.config.TimeResync(),
		RequestCooldown: self.config.TimeSyncCooldown(),
	})
	self.session = self.newSession(self.config.ChannelTopic(), join)
	self.sched = schedule.New(schedule.Options{
		Sensors:    self.opt.Sensors,
		Dispatcher: self.session,
		Clock:      self.clock,
		Source:     self.src,
		Log:        self.log,
		Style:      self.config.SensorEventStyle(),
		Interval:   self.opt.PollInterval,
		OnBatch:    self.metrics.batch,
	})
	self.heartbeatMs = uint32(self.config.Heartbeat() / time.Millisecond)

	if self.transport == nil {
		self.transport = self.opt.Transport
	}
	if self.transport == nil { // production path
		if self.transport, err = self.newTransport(); err != nil {
			return errors.Annotate(err, "tele transport")
		}
	}
	if err = self.transport.Connect(ctx); err != nil {
		return errors.Annotate(err, "tele transport")
	}
	self.enabled = true
	return nil
}

func (self *Tele) newTransport() (tele_api.Transport, error) {
	switch self.config.Transport {
	case tele_config.TransportMqtt:
		prefix := self.config.MqttPrefix
		if prefix == "" {
			prefix = "devices/" + tele_api.UserID(self.config.APIKey)
		}
		return NewMqtt(MqttOptions{
			Log:            self.log,
			LogDebug:       self.config.MqttLogDebug,
			BrokerURL:      self.config.MqttBroker,
			ClientID:       self.config.ChannelTopic(),
			Credential:     func() (string, string) { return tele_api.UserID(self.credential()), self.credential() },
			TopicPrefix:    prefix,
			TlsCaFile:      self.config.TlsCaFile,
			NetworkTimeout: self.config.NetworkTimeout(),
		})
	default:
		return NewWebsocket(WebsocketOptions{
			Log:            self.log,
			URL:            self.config.ServerURL,
			Credential:     self.credential,
			TlsCaFile:      self.config.TlsCaFile,
			NetworkTimeout: self.config.NetworkTimeout(),
			ReconnectDelay: self.config.ReconnectDelay(),
			ReadLimit:      self.config.FrameLimit(),
		})
	}
}

func (self *Tele) newSession(topic string, join []byte) *channel.Session {
	return channel.New(channel.Options{
		Topic:          topic,
		JoinPayload:    join,
		SensorCount:    self.opt.Sensors.Len(),
		RejoinInterval: self.config.RejoinInterval(),
		FrameLimit:     self.config.FrameLimit(),
		Clock:          self.clock,
		Source:         self.src,
		Log:            self.log,
		Send:           self.send,
		Assign:         self.opt.Sensors.Assign,
		AfterJoin:      self.afterJoin,
		OnMessage:      self.opt.OnMessage,
		OnError:        self.onSessionError,
		OnNotice:       self.onNotice,
		OnState:        func(_, to tele_api.ChannelState) { self.metrics.ChannelState.Set(float64(to)) },
		OnSent:         self.metrics.sent,
	})
}

func (self *Tele) joinPayload(apiKey string) ([]byte, error) {
	p := tele_api.JoinPayload{
		Token:      apiKey,
		DeviceID:   uint64(self.config.DeviceID),
		DeviceName: self.config.DeviceName,
		GroupName:  self.config.GroupName,
		Sensors:    self.opt.Sensors.Descriptors(),
	}
	return p.Marshal()
}

// Tick pumps transport events and runs due periodic work.
func (self *Tele) Tick() error {
	if !atomic.CompareAndSwapUint32(&self.inTick, 0, 1) {
		return tele_api.ErrReentrant
	}
	defer atomic.StoreUint32(&self.inTick, 0)
	if !self.enabled {
		return nil
	}

	self.transport.Pump(self)

	connected := self.transport.IsConnected()
	if connected {
		switch self.session.State() {
		case tele_api.ConnectedUnjoined, tele_api.Joining:
			self.session.TryJoin()
		}
		now := self.src.Millis()
		if atomic_clock.Elapsed(now, self.heartbeatAt) >= self.heartbeatMs {
			self.heartbeatAt = now
			if err := self.session.Heartbeat(); err != nil {
				self.log.Errorf("tele: heartbeat err=%v", err)
				self.metrics.error(err)
			}
		}
	}
	if self.session.Joined() && self.clock.Due() {
		if err := self.session.RequestTime(); err != nil {
			self.log.Errorf("tele: time request err=%v", err)
			self.metrics.error(err)
		}
	}
	self.sched.Tick()
	self.metrics.ClockUnix.Set(float64(self.clock.NowUnix()))
	return nil
}

// Handler implementation, called only from Pump inside Tick.
var _ tele_api.Handler = (*Tele)(nil) // compile-time interface test

func (self *Tele) OnConnect() {
	self.metrics.Connected.Set(1)
	// first heartbeat one interval after connect
	self.heartbeatAt = self.src.Millis()
	self.session.OnConnect()
}

func (self *Tele) OnDisconnect(code int) {
	self.metrics.Connected.Set(0)
	self.session.OnDisconnect(code)
}

func (self *Tele) OnFrame(frame []byte) {
	self.metrics.FramesReceived.Inc()
	self.session.HandleFrame(frame)
}

func (self *Tele) OnError(err error) {
	self.log.Errorf("tele: transport %v", err)
	self.metrics.error(err)
}

func (self *Tele) IsConnected() bool {
	return self.enabled && self.transport.IsConnected()
}

func (self *Tele) State() tele_api.ChannelState {
	if !self.enabled {
		return tele_api.Disconnected
	}
	return self.session.State()
}

func (self *Tele) NowUnix() uint32 {
	if !self.enabled {
		return 0
	}
	return self.clock.NowUnix()
}

func (self *Tele) Topic() string {
	if self.session == nil {
		return ""
	}
	return self.session.Topic()
}

func (self *Tele) Clock() *clocksync.Sync         { return self.clock }
func (self *Tele) Scheduler() *schedule.Scheduler { return self.sched }
func (self *Tele) Metrics() *Metrics              { return self.metrics }

func (self *Tele) SendStatus(payload []byte) error {
	if !self.enabled {
		return errors.Annotate(tele_api.ErrNotJoined, "tele disabled")
	}
	return self.session.SendStatus(payload)
}

// Reset leaves Rejected state with new credential. Empty apiKey keeps current one.
func (self *Tele) Reset(apiKey string) error {
	if !self.enabled {
		return nil
	}
	if apiKey == "" {
		apiKey = self.credential()
	}
	join, err := self.joinPayload(apiKey)
	if err != nil {
		return err
	}
	self.apiKey.Store(apiKey)
	self.authOnce = sync.Once{}
	topic := self.config.Topic
	if topic == "" {
		topic = tele_api.ChannelTopic(apiKey)
	}
	if topic != self.session.Topic() {
		self.log.Infof("tele: reset topic %s -> %s", self.session.Topic(), topic)
		old := self.session
		self.session = self.newSession(topic, join)
		self.sched = schedule.New(schedule.Options{
			Sensors:    self.opt.Sensors,
			Dispatcher: self.session,
			Clock:      self.clock,
			Source:     self.src,
			Log:        self.log,
			Style:      self.config.SensorEventStyle(),
			Interval:   self.sched.Interval(),
			OnBatch:    self.metrics.batch,
		})
		if old.State() != tele_api.Disconnected && self.transport.IsConnected() {
			self.session.OnConnect()
		}
		return nil
	}
	self.session.Reset(join)
	return nil
}

func (self *Tele) Close() error {
	if self.transport == nil {
		return nil
	}
	return self.transport.Close()
}

func (self *Tele) credential() string {
	s, _ := self.apiKey.Load().(string)
	return s
}

func (self *Tele) send(frame []byte) error { return self.transport.Send(frame) }

func (self *Tele) afterJoin(r tele_api.JoinResult) {
	if self.opt.AfterJoin != nil {
		self.opt.AfterJoin(r)
	}
}

func (self *Tele) onSessionError(err error) {
	self.metrics.error(err)
	if errors.Cause(err) == tele_api.ErrAuth {
		self.authOnce.Do(func() {
			if self.opt.OnError != nil {
				self.opt.OnError(err)
			}
		})
	}
}

func (self *Tele) onNotice(firmwareID string) {
	if self.opt.Updater == nil {
		self.log.Errorf("tele: firmware_id=%s update required but updater is not configured", firmwareID)
		return
	}
	if err := self.opt.Updater.Start(firmwareID); err != nil {
		self.log.Errorf("tele: updater start firmware_id=%s err=%v", firmwareID, err)
	}
}
