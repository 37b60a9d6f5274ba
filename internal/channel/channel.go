// Package channel is Phoenix channel session: join handshake,
// ref issuance and reply routing over one transport connection.
// Session is not safe for concurrent use, all calls are expected
// from single tick goroutine.
package channel

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensorlog/helpers/atomic_clock"
	"github.com/temoto/sensorlog/internal/clocksync"
	"github.com/temoto/sensorlog/internal/phx"
	"github.com/temoto/sensorlog/log2"
	tele_api "github.com/temoto/sensorlog/tele"
)

const (
	DefaultRejoinInterval = 5 * time.Second
	MaxPending            = 32

	ReasonInvalidToken = "invalid token"
	NoticeUpdate       = "update_required"
)

type Options struct {
	Topic          string
	JoinPayload    []byte
	SensorCount    int
	RejoinInterval time.Duration
	FrameLimit     int

	Clock  *clocksync.Sync
	Source atomic_clock.Millis
	Log    *log2.Log

	// Send writes frame to transport without blocking.
	Send func(frame []byte) error

	Assign    func(ids []string) error
	AfterJoin func(tele_api.JoinResult)
	OnMessage func(phx.Message)
	OnError   func(error)
	OnNotice  func(firmwareID string)
	OnState   func(from, to tele_api.ChannelState)
	OnSent    func(event string, size int)
}

type pending struct {
	ref      uint64
	purpose  tele_api.Purpose
	issuedAt uint32
}

type Session struct {
	opt   Options
	log   *log2.Log
	src   atomic_clock.Millis
	limit int

	state     tele_api.ChannelState
	connected bool
	ref       uint64
	pending   []pending

	joinAttempted bool
	joinAt        uint32
	joinRef       uint64
	joinPending   bool
	rejoinMs      uint32
}

func New(opt Options) *Session {
	if opt.Send == nil {
		panic("code error channel.Options.Send=nil")
	}
	if opt.RejoinInterval <= 0 {
		opt.RejoinInterval = DefaultRejoinInterval
	}
	if opt.Source == nil {
		opt.Source = atomic_clock.Mono{}
	}
	if opt.FrameLimit <= 0 {
		opt.FrameLimit = phx.MaxFrameSize
	}
	return &Session{
		opt:      opt,
		log:      opt.Log,
		src:      opt.Source,
		limit:    opt.FrameLimit,
		rejoinMs: uint32(opt.RejoinInterval / time.Millisecond),
		pending:  make([]pending, 0, MaxPending),
	}
}

func (self *Session) State() tele_api.ChannelState { return self.state }
func (self *Session) Joined() bool                 { return self.state == tele_api.Joined }
func (self *Session) Topic() string                { return self.opt.Topic }

// LastRef is the most recently issued ref, 0 if none.
func (self *Session) LastRef() uint64 { return self.ref }

func (self *Session) OnConnect() {
	self.connected = true
	if self.state == tele_api.Disconnected {
		self.setState(tele_api.ConnectedUnjoined)
	}
}

// OnDisconnect keeps join payload and sensor ids, next join reply assigns ids again.
func (self *Session) OnDisconnect(code int) {
	self.log.Debugf("channel: disconnect code=%d state=%s", code, self.state)
	self.connected = false
	self.clearPending()
	if self.state != tele_api.Rejected {
		self.setState(tele_api.Disconnected)
	}
}

// Reset leaves Rejected state with new join payload (nil keeps current).
func (self *Session) Reset(joinPayload []byte) {
	if joinPayload != nil {
		self.opt.JoinPayload = joinPayload
	}
	self.clearPending()
	self.joinAttempted = false
	if self.connected {
		self.setState(tele_api.ConnectedUnjoined)
	} else {
		self.setState(tele_api.Disconnected)
	}
}

// TryJoin sends phx_join when allowed by state and rejoin cooldown.
// Pending join older than cooldown is superseded by new attempt.
func (self *Session) TryJoin() bool {
	switch self.state {
	case tele_api.ConnectedUnjoined, tele_api.Joining:
	default:
		return false
	}
	now := self.src.Millis()
	if self.joinAttempted && atomic_clock.Elapsed(now, self.joinAt) < self.rejoinMs {
		return false
	}
	if self.joinPending {
		self.log.Debugf("channel: join ref=%d stale, supersede", self.joinRef)
		self.removePending(self.joinRef)
		self.joinPending = false
	}
	self.joinAttempted = true
	self.joinAt = now
	ref, err := self.send(self.opt.Topic, phx.EventJoin, self.opt.JoinPayload, tele_api.PurposeJoin)
	if err != nil {
		self.reportError(errors.Annotate(err, "join"))
		if self.state == tele_api.Joining {
			self.setState(tele_api.ConnectedUnjoined)
		}
		return false
	}
	self.joinRef = ref
	self.joinPending = true
	self.setState(tele_api.Joining)
	return true
}

// HandleFrame processes one inbound frame.
func (self *Session) HandleFrame(frame []byte) {
	m, err := phx.Decode(frame)
	if err != nil {
		self.reportError(err)
		return
	}
	if !m.IsReply() {
		if self.opt.OnMessage != nil {
			self.opt.OnMessage(m)
		}
		return
	}
	if m.Topic != self.opt.Topic && m.Topic != phx.TopicPhoenix {
		self.log.Debugf("channel: reply for foreign topic=%s ref=%d", m.Topic, m.Ref)
		return
	}

	var p pending
	found := false
	if m.HasRef {
		p, found = self.findPending(m.Ref)
	}
	reply, err := phx.ParseReply(m.Payload)
	if err != nil {
		if found && p.purpose == tele_api.PurposeJoin {
			self.removePending(p.ref)
			self.joinFailed(err)
			return
		}
		self.reportError(err)
		return
	}
	self.checkNotice(&reply)
	if !found {
		self.log.Debugf("channel: reply for unknown ref %s", m.String())
		return
	}
	self.removePending(p.ref)

	switch p.purpose {
	case tele_api.PurposeJoin:
		self.joinPending = false
		self.handleJoin(&reply)
	default:
		if self.state != tele_api.Joined {
			return
		}
		if ts, ok := reply.Uint32("timestamp"); ok && self.opt.Clock != nil {
			if !self.opt.Clock.OnReply(ts) {
				self.log.Debugf("channel: clock reply timestamp=%d regress, ignored", ts)
			}
		}
	}
}

func (self *Session) handleJoin(r *phx.Reply) {
	if reason, _ := r.String("reason"); reason == ReasonInvalidToken {
		self.setState(tele_api.Rejected)
		self.reportError(errors.Annotatef(tele_api.ErrAuth, "join topic=%s reason=%s", self.opt.Topic, reason))
		return
	}
	gid, ok := r.Int("group_id")
	if !ok {
		self.joinFailed(fmt.Errorf("group_id missing or not integer status=%s", r.Status))
		return
	}
	ids, ok := r.IDs("sensor_ids")
	if !ok {
		ids, ok = r.IDs("sensors_ids")
	}
	if !ok {
		self.joinFailed(fmt.Errorf("sensor_ids missing or invalid"))
		return
	}
	if len(ids) != self.opt.SensorCount {
		self.joinFailed(fmt.Errorf("sensor_ids length=%d expected=%d", len(ids), self.opt.SensorCount))
		return
	}
	if self.opt.Assign != nil {
		if err := self.opt.Assign(ids); err != nil {
			self.joinFailed(err)
			return
		}
	}
	self.setState(tele_api.Joined)
	self.log.Infof("channel: joined topic=%s group_id=%d sensors=%d", self.opt.Topic, gid, len(ids))
	if self.opt.AfterJoin != nil {
		self.opt.AfterJoin(tele_api.JoinResult{GroupID: gid, SensorIDs: ids})
	}
}

func (self *Session) joinFailed(err error) {
	self.joinPending = false
	self.setState(tele_api.ConnectedUnjoined)
	self.reportError(errors.Annotatef(tele_api.ErrProtocol, "join reply: %v", err))
}

func (self *Session) checkNotice(r *phx.Reply) {
	notice, _ := r.String("notice")
	if notice != NoticeUpdate {
		return
	}
	id, ok := r.String("firmware_id")
	if !ok {
		if x, okInt := r.Int("firmware_id"); okInt {
			id, ok = fmt.Sprint(x), true
		}
	}
	if !ok || id == "" {
		self.log.Errorf("channel: notice=%s without firmware_id", notice)
		return
	}
	self.log.Infof("channel: firmware update required firmware_id=%s", id)
	if self.opt.OnNotice != nil {
		self.opt.OnNotice(id)
	}
}

// Push sends event on session topic, requires Joined.
func (self *Session) Push(event string, payload []byte, purpose tele_api.Purpose) (uint64, error) {
	if self.state != tele_api.Joined {
		return 0, errors.Annotatef(tele_api.ErrNotJoined, "event=%s state=%s", event, self.state)
	}
	return self.send(self.opt.Topic, event, payload, purpose)
}

// Heartbeat goes to "phoenix" topic and is allowed on any live connection.
func (self *Session) Heartbeat() error {
	if !self.connected {
		return errors.Annotate(tele_api.ErrTransport, "heartbeat not connected")
	}
	_, err := self.send(phx.TopicPhoenix, phx.EventHeartbeat, nil, tele_api.PurposeHeartbeat)
	return err
}

func (self *Session) RequestTime() error {
	_, err := self.Push(phx.EventTime, nil, tele_api.PurposeClockSync)
	return err
}

func (self *Session) SendStatus(payload []byte) error {
	_, err := self.Push(phx.EventStatus, payload, tele_api.PurposeOther)
	return err
}

// SendReading sends {"value":"%f"} on event named after assigned sensor id.
func (self *Session) SendReading(id string, value float64, style tele_api.SensorEventStyle) error {
	if id == "" {
		return errors.NotAssignedf("sensor id")
	}
	payload := fmt.Sprintf(`{"value":"%f"}`, value)
	_, err := self.Push(tele_api.SensorEvent(style, id), []byte(payload), tele_api.PurposeOther)
	return err
}

func (self *Session) send(topic, event string, payload []byte, purpose tele_api.Purpose) (uint64, error) {
	self.ref++
	ref := self.ref
	frame, err := phx.EncodeLimit(topic, event, ref, payload, self.limit)
	if err != nil {
		return 0, err
	}
	if err = self.opt.Send(frame); err != nil {
		return 0, errors.Annotatef(tele_api.ErrTransport, "send event=%s ref=%d err=%v", event, ref, err)
	}
	if self.opt.OnSent != nil {
		self.opt.OnSent(event, len(frame))
	}
	self.addPending(pending{ref: ref, purpose: purpose, issuedAt: self.src.Millis()})
	return ref, nil
}

func (self *Session) addPending(p pending) {
	if len(self.pending) >= MaxPending {
		for i, old := range self.pending {
			if old.purpose != tele_api.PurposeJoin {
				self.log.Debugf("channel: pending table full, drop ref=%d purpose=%s", old.ref, old.purpose)
				self.pending = append(self.pending[:i], self.pending[i+1:]...)
				break
			}
		}
	}
	self.pending = append(self.pending, p)
}

func (self *Session) findPending(ref uint64) (pending, bool) {
	for _, p := range self.pending {
		if p.ref == ref {
			return p, true
		}
	}
	return pending{}, false
}

func (self *Session) removePending(ref uint64) {
	for i, p := range self.pending {
		if p.ref == ref {
			self.pending = append(self.pending[:i], self.pending[i+1:]...)
			return
		}
	}
}

func (self *Session) clearPending() {
	self.pending = self.pending[:0]
	self.joinPending = false
}

func (self *Session) setState(to tele_api.ChannelState) {
	from := self.state
	if from == to {
		return
	}
	self.state = to
	self.log.Debugf("channel: state %s -> %s", from, to)
	if self.opt.OnState != nil {
		self.opt.OnState(from, to)
	}
}

func (self *Session) reportError(err error) {
	self.log.Errorf("channel: %v", err)
	if self.opt.OnError != nil {
		self.opt.OnError(err)
	}
}
