// Package schedule polls sensors and dispatches readings while channel is joined.
package schedule

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/temoto/sensorlog/helpers"
	"github.com/temoto/sensorlog/helpers/atomic_clock"
	"github.com/temoto/sensorlog/internal/sensor"
	"github.com/temoto/sensorlog/log2"
	tele_api "github.com/temoto/sensorlog/tele"
)

const (
	MinPollInterval     = 10 * time.Second
	MaxPollInterval     = 1800 * time.Second
	DefaultPollInterval = 60 * time.Second
)

type Dispatcher interface {
	Joined() bool
	SendReading(id string, value float64, style tele_api.SensorEventStyle) error
}

type UnixClock interface {
	NowUnix() uint32
}

type Options struct {
	Sensors    *sensor.Set
	Dispatcher Dispatcher
	Clock      UnixClock
	Source     atomic_clock.Millis
	Log        *log2.Log
	Style      tele_api.SensorEventStyle
	Interval   time.Duration
	// OnBatch is called after every batch with wall clock cost and number of readings sent.
	OnBatch func(cost time.Duration, sent int)
}

type Scheduler struct {
	opt        Options
	log        *log2.Log
	src        atomic_clock.Millis
	intervalMs uint32
	joined     bool
	lastAt     uint32
	lastCost   int64 // atomic, nanoseconds
}

func New(opt Options) *Scheduler {
	if opt.Sensors == nil {
		opt.Sensors = &sensor.Set{}
	}
	if opt.Dispatcher == nil {
		panic("code error schedule.Options.Dispatcher=nil")
	}
	if opt.Source == nil {
		opt.Source = atomic_clock.Mono{}
	}
	if opt.Style == "" {
		opt.Style = tele_api.SensorEventID
	}
	self := &Scheduler{opt: opt, log: opt.Log, src: opt.Source}
	if opt.Interval == 0 {
		opt.Interval = DefaultPollInterval
	}
	self.Configure(opt.Interval)
	return self
}

// Configure silently clamps interval to [10s, 1800s] and returns applied value.
func (self *Scheduler) Configure(d time.Duration) time.Duration {
	d = helpers.ClampDuration(d, MinPollInterval, MaxPollInterval)
	self.intervalMs = uint32(d / time.Millisecond)
	return d
}

func (self *Scheduler) Interval() time.Duration {
	return time.Duration(self.intervalMs) * time.Millisecond
}

func (self *Scheduler) Sensors() *sensor.Set { return self.opt.Sensors }

// Assign is channel join hook: sensor ids in declaration order.
func (self *Scheduler) Assign(ids []string) error { return self.opt.Sensors.Assign(ids) }

func (self *Scheduler) LastBatchCost() time.Duration {
	return time.Duration(atomic.LoadInt64(&self.lastCost))
}

// Tick runs batch immediately after becoming joined, then every interval.
// Returns true if batch was executed.
func (self *Scheduler) Tick() bool {
	if !self.opt.Dispatcher.Joined() {
		self.joined = false
		return false
	}
	if self.joined && atomic_clock.Elapsed(self.src.Millis(), self.lastAt) < self.intervalMs {
		return false
	}
	self.joined = true
	self.batch()
	return true
}

func (self *Scheduler) batch() {
	begin := atomic_clock.Now()
	var unix uint32
	if self.opt.Clock != nil {
		unix = self.opt.Clock.NowUnix()
	}
	sent := 0
	if !self.opt.Sensors.Assigned() {
		// sensor added after join, ids arrive with next join reply
		self.log.Errorf("schedule: sensor ids not assigned, batch skipped")
		self.lastAt = self.src.Millis()
		return
	}
	for _, s := range self.opt.Sensors.List() {
		v := s.Sample(unix)
		if math.IsNaN(v) {
			self.log.Errorf("schedule: sensor=%s no value", s.Name)
			continue
		}
		if err := self.opt.Dispatcher.SendReading(s.ID(), v, self.opt.Style); err != nil {
			self.log.Errorf("schedule: sensor=%s id=%s err=%v", s.Name, s.ID(), err)
			continue
		}
		sent++
	}
	cost := atomic_clock.Since(begin)
	atomic.StoreInt64(&self.lastCost, int64(cost))
	self.lastAt = self.src.Millis()
	self.log.Debugf("schedule: batch sensors=%d sent=%d unix=%d cost=%v", self.opt.Sensors.Len(), sent, unix, cost)
	if self.log.Enabled(log2.LDebug) {
		self.log.Debugf("schedule: readings %s", self.opt.Sensors.Diagnostic())
	}
	if self.opt.OnBatch != nil {
		self.opt.OnBatch(cost, sent)
	}
}
