package tele

import (
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/sensorlog/internal/phx"
	tele_api "github.com/temoto/sensorlog/tele"
)

type Metrics struct {
	FramesSent     *prometheus.CounterVec
	BytesSent      prometheus.Counter
	FramesReceived prometheus.Counter
	Errors         *prometheus.CounterVec
	JoinAttempts   prometheus.Counter
	ChannelState   prometheus.Gauge
	Connected      prometheus.Gauge
	ReadingsSent   prometheus.Counter
	BatchDuration  prometheus.Histogram
	ClockUnix      prometheus.Gauge
	LogErrors      prometheus.Counter
	Updates        *prometheus.CounterVec
}

// NewMetrics registers collectors on reg, nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorlog_frames_sent_total",
			Help: "Frames written to transport by kind.",
		}, []string{"kind"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorlog_bytes_sent_total",
			Help: "Encoded frame bytes written to transport.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorlog_frames_received_total",
			Help: "Frames received from transport.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorlog_errors_total",
			Help: "Channel errors by kind.",
		}, []string{"kind"}),
		JoinAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorlog_join_attempts_total",
			Help: "phx_join frames sent.",
		}),
		ChannelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensorlog_channel_state",
			Help: "0=disconnected 1=connected-unjoined 2=joining 3=joined 4=rejected",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensorlog_connected",
			Help: "Transport connection is open.",
		}),
		ReadingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorlog_readings_sent_total",
			Help: "Sensor readings dispatched.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sensorlog_batch_duration_seconds",
			Help:    "Wall clock cost of reading and dispatching all sensors.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		ClockUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensorlog_server_clock_unix_seconds",
			Help: "Estimated server time, 0 until synchronized.",
		}),
		LogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sensorlog_log_errors_total",
			Help: "Messages logged at error level.",
		}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorlog_firmware_updates_total",
			Help: "Firmware updater runs by result: started, ok, failed.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesSent, m.BytesSent, m.FramesReceived, m.Errors, m.JoinAttempts,
			m.ChannelState, m.Connected, m.ReadingsSent, m.BatchDuration, m.ClockUnix, m.LogErrors, m.Updates)
	}
	return m
}

func (m *Metrics) sent(event string, size int) {
	m.FramesSent.WithLabelValues(frameKind(event)).Inc()
	m.BytesSent.Add(float64(size))
	if event == phx.EventJoin {
		m.JoinAttempts.Inc()
	}
}

func (m *Metrics) batch(cost time.Duration, sent int) {
	m.BatchDuration.Observe(cost.Seconds())
	m.ReadingsSent.Add(float64(sent))
}

func (m *Metrics) error(err error) {
	m.Errors.WithLabelValues(ErrorKind(err)).Inc()
}

// frameKind keeps label cardinality bounded, sensor ids are not labels.
func frameKind(event string) string {
	switch event {
	case phx.EventJoin, phx.EventHeartbeat, phx.EventTime, phx.EventStatus:
		return event
	}
	return "reading"
}

func ErrorKind(err error) string {
	switch errors.Cause(err) {
	case tele_api.ErrMalformed:
		return "malformed"
	case tele_api.ErrProtocol:
		return "protocol"
	case tele_api.ErrAuth:
		return "auth"
	case tele_api.ErrTransport:
		return "transport"
	case tele_api.ErrPayloadTooLarge:
		return "too-large"
	case tele_api.ErrNotJoined:
		return "not-joined"
	case tele_api.ErrRetriesExhausted:
		return "retries"
	}
	if strings.Contains(err.Error(), "timeout") {
		return "timeout"
	}
	return "other"
}
