// Package clocksync estimates server unix time from local monotonic
// milliseconds anchored at last server reply.
package clocksync

import (
	"sync"
	"time"

	"github.com/temoto/sensorlog/helpers/atomic_clock"
)

const (
	DefaultRequestCooldown = 1 * time.Second
	DefaultResyncAfter     = 24 * time.Hour

	// anchor is re-based after this much local time to survive counter wraparound
	rebaseAfterMs = 24 * 60 * 60 * 1000
)

type Estimate struct {
	ServerUnix uint32 // seconds
	Anchor     uint32 // local monotonic ms at ServerUnix
}

type Options struct {
	Source atomic_clock.Millis
	// 0 disables periodic resync, negative means default
	ResyncAfter     time.Duration
	RequestCooldown time.Duration
}

type Sync struct {
	mu          sync.Mutex
	src         atomic_clock.Millis
	resyncMs    uint32
	cooldownMs  uint32
	est         Estimate
	synced      bool
	syncedAt    uint32
	requested   bool
	requestedAt uint32
}

func New(opt Options) *Sync {
	if opt.Source == nil {
		opt.Source = atomic_clock.Mono{}
	}
	if opt.ResyncAfter < 0 {
		opt.ResyncAfter = DefaultResyncAfter
	}
	if opt.RequestCooldown <= 0 {
		opt.RequestCooldown = DefaultRequestCooldown
	}
	return &Sync{
		src:        opt.Source,
		resyncMs:   durationMs(opt.ResyncAfter),
		cooldownMs: durationMs(opt.RequestCooldown),
	}
}

// Due reports whether time request should be sent now and, if so, records request time.
func (self *Sync) Due() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	now := self.src.Millis()
	if self.synced {
		self.rebase(now)
	}
	if self.requested && atomic_clock.Elapsed(now, self.requestedAt) < self.cooldownMs {
		return false
	}
	due := !self.synced ||
		(self.resyncMs != 0 && atomic_clock.Elapsed(now, self.syncedAt) >= self.resyncMs)
	if due {
		self.requested = true
		self.requestedAt = now
	}
	return due
}

// OnReply anchors server time ts at current local time.
// Returns false and keeps estimate if ts would move time backwards,
// still the reply completes resync period.
func (self *Sync) OnReply(ts uint32) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	now := self.src.Millis()
	if self.synced && ts < self.nowUnix(now) {
		self.syncedAt = now
		return false
	}
	self.est = Estimate{ServerUnix: ts, Anchor: now}
	self.synced = true
	self.syncedAt = now
	return true
}

// NowUnix returns 0 until first reply.
func (self *Sync) NowUnix() uint32 {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.synced {
		return 0
	}
	return self.nowUnix(self.src.Millis())
}

func (self *Sync) Synced() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.synced
}

func (self *Sync) Estimate() (Estimate, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.est, self.synced
}

func (self *Sync) nowUnix(now uint32) uint32 {
	self.rebase(now)
	return self.est.ServerUnix + atomic_clock.Elapsed(now, self.est.Anchor)/1000
}

// rebase moves anchor forward keeping sub-second remainder,
// so elapsed never gets close to uint32 wraparound.
func (self *Sync) rebase(now uint32) {
	elapsed := atomic_clock.Elapsed(now, self.est.Anchor)
	if elapsed > rebaseAfterMs {
		self.est.ServerUnix += elapsed / 1000
		self.est.Anchor = now - elapsed%1000
	}
}

func durationMs(d time.Duration) uint32 {
	ms := d / time.Millisecond
	if ms > 1<<31 {
		ms = 1 << 31
	}
	return uint32(ms)
}
