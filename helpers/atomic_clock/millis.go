package atomic_clock

import (
	"sync/atomic"
	"time"
)

// Millis is a local monotonic millisecond counter.
// It wraps around every 2^32 ms (~49.7 days), consumers must use
// unsigned subtraction to compute elapsed time.
type Millis interface {
	Millis() uint32
}

// Elapsed returns wraparound-safe distance from begin to now.
func Elapsed(now, begin uint32) uint32 { return now - begin }

// ElapsedDuration is Elapsed as time.Duration.
func ElapsedDuration(now, begin uint32) time.Duration {
	return time.Duration(Elapsed(now, begin)) * time.Millisecond
}

// Mono reads the OS monotonic clock, see mono_*.go
type Mono struct{}

var _ Millis = Mono{} // compile-time interface test

func (Mono) Millis() uint32 { return uint32(monoNanos() / int64(time.Millisecond)) }

// Fake is manually advanced source for tests and simulation.
type Fake struct{ v uint32 }

var _ Millis = (*Fake)(nil) // compile-time interface test

func NewFake(start uint32) *Fake { return &Fake{v: start} }

func (f *Fake) Millis() uint32      { return atomic.LoadUint32(&f.v) }
func (f *Fake) Set(v uint32)        { atomic.StoreUint32(&f.v, v) }
func (f *Fake) Add(d time.Duration) { atomic.AddUint32(&f.v, uint32(d/time.Millisecond)) }
func (f *Fake) AddMillis(ms uint32) { atomic.AddUint32(&f.v, ms) }
