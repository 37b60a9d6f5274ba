//go:build !linux
// +build !linux

package atomic_clock

func monoNanos() int64 { return monoFallback() }
