package tele

import (
	tele_api "github.com/temoto/sensorlog/tele"
)

type eventKind uint8

const (
	eventConnect eventKind = iota + 1
	eventDisconnect
	eventFrame
	eventError
)

type event struct {
	kind  eventKind
	code  int
	frame []byte
	err   error
}

// eventQueue passes transport events from background goroutines to Pump caller.
// push blocks when queue is full until consumer drains it or stop is closed.
type eventQueue struct {
	ch   chan event
	stop <-chan struct{}
}

func newEventQueue(size int, stop <-chan struct{}) *eventQueue {
	return &eventQueue{ch: make(chan event, size), stop: stop}
}

func (q *eventQueue) push(e event) bool {
	select {
	case q.ch <- e:
		return true
	case <-q.stop:
		return false
	}
}

func (q *eventQueue) pushFrame(b []byte) bool {
	return q.push(event{kind: eventFrame, frame: copyBytes(b)})
}

// pump delivers events queued at call time without blocking.
func (q *eventQueue) pump(h tele_api.Handler) int {
	n := len(q.ch)
	for i := 0; i < n; i++ {
		var e event
		select {
		case e = <-q.ch:
		default:
			return i
		}
		switch e.kind {
		case eventConnect:
			h.OnConnect()
		case eventDisconnect:
			h.OnDisconnect(e.code)
		case eventFrame:
			h.OnFrame(e.frame)
		case eventError:
			h.OnError(e.err)
		}
	}
	return n
}
