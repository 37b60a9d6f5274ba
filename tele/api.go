package tele

import (
	"context"
	"fmt"
)

var (
	// TransportError: non-fatal, resolved by transport reconnect.
	ErrTransport = fmt.Errorf("transport")
	// ProtocolError: frame dropped, no state change.
	ErrMalformed = fmt.Errorf("malformed frame")
	ErrProtocol  = fmt.Errorf("protocol")
	// AuthError: terminal, requires new credentials and Reset.
	ErrAuth = fmt.Errorf("auth rejected")

	ErrPayloadTooLarge  = fmt.Errorf("payload too large")
	ErrNotJoined        = fmt.Errorf("channel not joined")
	ErrReentrant        = fmt.Errorf("reentrant tick")
	ErrRetriesExhausted = fmt.Errorf("retries exhausted")
	ErrClosed           = fmt.Errorf("closed")
)

type ChannelState int32

const (
	Disconnected ChannelState = iota
	ConnectedUnjoined
	Joining
	Joined
	Rejected
)

func (s ChannelState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ConnectedUnjoined:
		return "connected-unjoined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("ChannelState(%d)", int32(s))
}

// Purpose of outstanding request, used to route reply by ref.
type Purpose uint8

const (
	PurposeOther Purpose = iota
	PurposeJoin
	PurposeClockSync
	PurposeHeartbeat
)

func (p Purpose) String() string {
	switch p {
	case PurposeJoin:
		return "join"
	case PurposeClockSync:
		return "clock"
	case PurposeHeartbeat:
		return "heartbeat"
	}
	return "other"
}

type JoinResult struct {
	GroupID   int64
	SensorIDs []string
}

// Handler receives transport events.
// Transport calls it only from Pump, on caller goroutine.
type Handler interface {
	OnConnect()
	OnDisconnect(code int)
	OnFrame(frame []byte)
	OnError(err error)
}

// Transport contract:
// - Connect starts background connection, network errors are reported as events, not returned
// - reconnect and backoff are transport business, upstream only sees connect/disconnect
// - Send is fire-and-forget, error means frame was not written to current connection
// - Pump delivers queued events to Handler without blocking, returns number of events
type Transport interface {
	Connect(ctx context.Context) error
	Send(frame []byte) error
	Pump(h Handler) int
	IsConnected() bool
	Close() error
}

// Updater executes firmware update, started only by server notice.
type Updater interface {
	Start(firmwareID string) error
}

type SensorEventStyle string

const (
	SensorEventID       SensorEventStyle = "id"
	SensorEventNewValue SensorEventStyle = "new_value"
)

// SensorEvent returns outbound event name for sensor reading.
func SensorEvent(style SensorEventStyle, id string) string {
	if style == SensorEventNewValue {
		return "new_value_sensor:" + id
	}
	return id
}
