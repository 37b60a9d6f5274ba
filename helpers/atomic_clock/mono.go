package atomic_clock

import "time"

var monoStart = time.Now()

// time.Since uses Go runtime monotonic reading.
func monoFallback() int64 { return int64(time.Since(monoStart)) }
