// Separate package is workaround to import cycles.
package tele_config

import (
	"net/url"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensorlog/helpers"
	tele_api "github.com/temoto/sensorlog/tele"
)

const (
	ModeSocket = "socket"
	ModeHTTP   = "http"

	TransportWebsocket = "websocket"
	TransportMqtt      = "mqtt"

	DefaultRejoinInterval   = 5 * time.Second
	DefaultHeartbeat        = 30 * time.Second
	DefaultTimeSyncCooldown = 1 * time.Second
	DefaultTimeResync       = 24 * time.Hour
	DefaultNetworkTimeout   = 30 * time.Second
	DefaultReconnectDelay   = 5 * time.Second
	DefaultMaxFrameSize     = 64 << 10
	DefaultHttpRetries      = 3
	DefaultHttpRetryDelay   = 500 * time.Millisecond
)

type Config struct { //nolint:maligned
	Enabled   bool   `hcl:"enable"`
	Mode      string `hcl:"mode"`
	Transport string `hcl:"transport"`
	LogDebug  bool   `hcl:"log_debug"`

	ServerURL  string `hcl:"server_url"`
	APIKey     string `hcl:"api_key"` // secret
	Topic      string `hcl:"topic"`
	DeviceID   int    `hcl:"device_id"`
	DeviceName string `hcl:"device_name"`
	GroupName  string `hcl:"group_name"`

	SensorEvent        string `hcl:"sensor_event"`
	RejoinIntervalMs   int    `hcl:"rejoin_interval_ms"`
	HeartbeatSec       int    `hcl:"heartbeat_sec"`
	TimeSyncCooldownMs int    `hcl:"time_sync_cooldown_ms"`
	TimeResyncSec      int    `hcl:"time_resync_sec"`
	NetworkTimeoutSec  int    `hcl:"network_timeout_sec"`
	ReconnectDelaySec  int    `hcl:"reconnect_delay_sec"`
	MaxFrameSize       int    `hcl:"max_frame_size"`
	TlsCaFile          string `hcl:"tls_ca_file"`

	MqttBroker   string `hcl:"mqtt_broker"`
	MqttPrefix   string `hcl:"mqtt_prefix"`
	MqttLogDebug bool   `hcl:"mqtt_log_debug"`

	HttpRetries      int `hcl:"http_retries"`
	HttpRetryDelayMs int `hcl:"http_retry_delay_ms"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Mode {
	case "", ModeSocket, ModeHTTP:
	default:
		return errors.NotValidf("tele.mode=%s", c.Mode)
	}
	switch c.Transport {
	case "", TransportWebsocket:
	case TransportMqtt:
		if c.MqttBroker == "" {
			return errors.NotValidf("tele.transport=mqtt requires mqtt_broker")
		}
		if _, err := url.ParseRequestURI(c.MqttBroker); err != nil {
			return errors.Annotatef(err, "tele.mqtt_broker=%s", c.MqttBroker)
		}
	default:
		return errors.NotValidf("tele.transport=%s", c.Transport)
	}
	switch tele_api.SensorEventStyle(c.SensorEvent) {
	case "", tele_api.SensorEventID, tele_api.SensorEventNewValue:
	default:
		return errors.NotValidf("tele.sensor_event=%s", c.SensorEvent)
	}
	if c.APIKey == "" {
		return errors.NotValidf("tele.api_key empty")
	}
	if c.Transport != TransportMqtt || c.Mode == ModeHTTP {
		if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
			return errors.Annotatef(err, "tele.server_url=%s", c.ServerURL)
		}
	}
	return nil
}

func (c *Config) ChannelTopic() string {
	if c.Topic != "" {
		return c.Topic
	}
	return tele_api.ChannelTopic(c.APIKey)
}

func (c *Config) SensorEventStyle() tele_api.SensorEventStyle {
	if c.SensorEvent == "" {
		return tele_api.SensorEventID
	}
	return tele_api.SensorEventStyle(c.SensorEvent)
}

func (c *Config) RejoinInterval() time.Duration {
	return helpers.IntMillisecondDefault(c.RejoinIntervalMs, DefaultRejoinInterval)
}
func (c *Config) Heartbeat() time.Duration {
	return helpers.IntSecondDefault(c.HeartbeatSec, DefaultHeartbeat)
}
func (c *Config) TimeSyncCooldown() time.Duration {
	return helpers.IntMillisecondDefault(c.TimeSyncCooldownMs, DefaultTimeSyncCooldown)
}

// TimeResync negative value disables periodic resync.
func (c *Config) TimeResync() time.Duration {
	if c.TimeResyncSec < 0 {
		return 0
	}
	return helpers.IntSecondDefault(c.TimeResyncSec, DefaultTimeResync)
}
func (c *Config) NetworkTimeout() time.Duration {
	d := helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
	if d < time.Second {
		d = time.Second
	}
	return d
}
func (c *Config) ReconnectDelay() time.Duration {
	return helpers.IntSecondDefault(c.ReconnectDelaySec, DefaultReconnectDelay)
}
func (c *Config) FrameLimit() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}
func (c *Config) HttpRetryCount() int {
	if c.HttpRetries <= 0 {
		return DefaultHttpRetries
	}
	return c.HttpRetries
}
func (c *Config) HttpRetryDelay() time.Duration {
	return helpers.IntMillisecondDefault(c.HttpRetryDelayMs, DefaultHttpRetryDelay)
}
