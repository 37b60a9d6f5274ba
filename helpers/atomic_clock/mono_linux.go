package atomic_clock

import (
	"golang.org/x/sys/unix"
)

func monoNanos() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return monoFallback()
	}
	return ts.Nano()
}
