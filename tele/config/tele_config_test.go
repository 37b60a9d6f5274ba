package tele_config

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	tele_api "github.com/temoto/sensorlog/tele"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{Enabled: true, APIKey: "u1_key", ServerURL: "wss://example.org/socket/websocket"}
	}
	cases := []struct {
		name      string
		modify    func(*Config)
		expectErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"disabled-anything", func(c *Config) { *c = Config{Mode: "bogus"} }, ""},
		{"mode", func(c *Config) { c.Mode = "carrier-pigeon" }, "tele.mode=carrier-pigeon not valid"},
		{"transport", func(c *Config) { c.Transport = "udp" }, "tele.transport=udp not valid"},
		{"mqtt-broker", func(c *Config) { c.Transport = TransportMqtt }, "tele.transport=mqtt requires mqtt_broker not valid"},
		{"mqtt-no-server-url", func(c *Config) {
			c.Transport = TransportMqtt
			c.MqttBroker = "tcp://127.0.0.1:1883"
			c.ServerURL = ""
		}, ""},
		{"event", func(c *Config) { c.SensorEvent = "nope" }, "tele.sensor_event=nope not valid"},
		{"api-key", func(c *Config) { c.APIKey = "" }, "tele.api_key empty not valid"},
		{"server-url", func(c *Config) { c.ServerURL = "" }, "tele.server_url="},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			cfg := valid()
			c.modify(&cfg)
			err := cfg.Validate()
			if c.expectErr == "" {
				assert.NoError(t, err)
			} else {
				if assert.Error(t, err) {
					assert.Contains(t, err.Error(), c.expectErr)
				}
				if c.name != "server-url" {
					assert.True(t, errors.IsNotValid(err), "err=%v", err)
				}
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	c := Config{APIKey: "u9_x"}
	assert.Equal(t, "devices:u9", c.ChannelTopic())
	assert.Equal(t, tele_api.SensorEventID, c.SensorEventStyle())
	assert.Equal(t, 5*time.Second, c.RejoinInterval())
	assert.Equal(t, 30*time.Second, c.Heartbeat())
	assert.Equal(t, time.Second, c.TimeSyncCooldown())
	assert.Equal(t, 24*time.Hour, c.TimeResync())
	assert.Equal(t, 30*time.Second, c.NetworkTimeout())
	assert.Equal(t, DefaultMaxFrameSize, c.FrameLimit())
	assert.Equal(t, 3, c.HttpRetryCount())
	assert.Equal(t, 500*time.Millisecond, c.HttpRetryDelay())

	c.Topic = "custom:1"
	c.TimeResyncSec = -1
	c.SensorEvent = "new_value"
	assert.Equal(t, "custom:1", c.ChannelTopic())
	assert.Equal(t, time.Duration(0), c.TimeResync())
	assert.Equal(t, tele_api.SensorEventNewValue, c.SensorEventStyle())
}
