package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensorlog/helpers/atomic_clock"
	"github.com/temoto/sensorlog/internal/phx"
	"github.com/temoto/sensorlog/internal/tele"
	"github.com/temoto/sensorlog/log2"
	tele_api "github.com/temoto/sensorlog/tele"
)

func newTestGlobal(t testing.TB, input string) (context.Context, *Global, error) {
	log := log2.NewTest(t, log2.LDebug)
	ctx, g := NewContext(log)
	g.BuildVersion = "test"
	g.Source = atomic_clock.NewFake(1000)
	mock := tele.NewMockTransport()
	mock.AutoConnect = true
	g.Transport = mock
	fs := NewMockFullReader(map[string]string{"test-inline": input})
	cfg, err := ReadConfig(log, fs, "test-inline")
	require.NoError(t, err)
	return ctx, g, g.Init(ctx, cfg)
}

const testTeleConfig = `
tele {
	enable = true
	api_key = "u1_secret"
	server_url = "wss://telemetry.example/socket/websocket"
}
sensor "temp" { unit = "C" type = "temperature" source = "const:21.5" }
sensor "hum" { unit = "%" type = "humidity" source = "const:40" }
`

func TestGlobalTele(t *testing.T) {
	t.Parallel()

	ctx, g, err := newTestGlobal(t, testTeleConfig+`updater { command = ["true"] }`)
	require.NoError(t, err)
	assert.Same(t, g, GetGlobal(ctx))
	assert.Equal(t, 2, g.Sensors.Len())
	require.NotNil(t, g.Tele)
	assert.Nil(t, g.HttpLog)
	require.NotNil(t, g.Updater)

	require.NoError(t, g.Tick(ctx))
	assert.True(t, g.Tele.IsConnected())
	assert.Equal(t, tele_api.Joining, g.Tele.State())
	frames := g.Transport.(*tele.MockTransport).Sent()
	require.Len(t, frames, 1)
	m, err := phx.Decode(frames[0])
	require.NoError(t, err)
	assert.Equal(t, "devices:u1", m.Topic)
	assert.Equal(t, phx.EventJoin, m.Event)

	g.Log.Errorf("counted")
	assert.Equal(t, 1.0, testutil.ToFloat64(g.Metrics.LogErrors))
	assert.True(t, g.StopWait(time.Second))
}

func TestGlobalUpdater(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		command string
		result  string
	}{
		{"ok", `["true"]`, "ok"},
		{"failed", `["false"]`, "failed"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			_, g, err := newTestGlobal(t, testTeleConfig+`updater { command = `+c.command+` }`)
			require.NoError(t, err)
			require.NoError(t, g.Updater.Start("fw1"))
			g.Updater.Wait()
			assert.Equal(t, 1.0, testutil.ToFloat64(g.Metrics.Updates.WithLabelValues("started")))
			assert.Equal(t, 1.0, testutil.ToFloat64(g.Metrics.Updates.WithLabelValues(c.result)))
		})
	}
}

func TestGlobalRunReset(t *testing.T) {
	t.Parallel()

	ctx, g, err := newTestGlobal(t, testTeleConfig)
	require.NoError(t, err)
	ticks := 0
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx, func() {
			ticks++
			if ticks == 2 {
				g.ResetCh <- "u2_other"
			}
			if g.Tele.Topic() == "devices:u2" {
				g.Stop()
			}
		})
	}()
	require.NoError(t, <-done)
	assert.Equal(t, "devices:u2", g.Tele.Topic())
}

func TestGlobalHttp(t *testing.T) {
	t.Parallel()

	_, g, err := newTestGlobal(t, `
tele { enable = true mode = "http" api_key = "u1_secret" server_url = "https://logger.example" }
schedule { read_interval_sec = 1 log_interval_sec = 600 }
sensor "temp" { source = "const:1" }`)
	require.NoError(t, err)
	require.NotNil(t, g.HttpLog)
	assert.Nil(t, g.Tele)
	assert.Equal(t, 10*time.Second, g.HttpLog.ReadInterval())
	assert.Equal(t, 600*time.Second, g.HttpLog.LogInterval())
	g.Log.Error(fmt.Errorf("counted"))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.Metrics.LogErrors))
}

func TestGlobalInitError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		check func(error) bool
	}{
		{"sensor-source", `sensor "x" { source = "gpio:1" }`, errors.IsNotSupported},
		{"tele-mode", `tele { enable = true mode = "carrier-pigeon" api_key = "k" }`, errors.IsNotValid},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := newTestGlobal(t, c.input)
			require.Error(t, err)
			assert.True(t, c.check(errors.Cause(err)), "err=%v", err)
		})
	}
}
