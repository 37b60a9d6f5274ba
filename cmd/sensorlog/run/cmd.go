// Package run is main telemetry daemon.
package run

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/sensorlog/cmd/sensorlog/subcmd"
	"github.com/temoto/sensorlog/helpers/atomic_clock"
	"github.com/temoto/sensorlog/internal/state"
)

var Mod = subcmd.Mod{Name: "run", Usage: "connect and send sensor readings", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.Debugf("sensors=%d", g.Sensors.Len())

	if listen := config.Metrics.Listen; listen != "" {
		if err := serveMetrics(g, listen); err != nil {
			return errors.Annotate(err, "metrics")
		}
	}
	handleSignals(g)

	watchdog, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		g.Log.Errorf("sdnotify watchdog err=%v", err)
	}
	var src atomic_clock.Mono
	watchdogAt := src.Millis()
	onTick := func() {
		if watchdog == 0 {
			return
		}
		now := src.Millis()
		if atomic_clock.ElapsedDuration(now, watchdogAt) >= watchdog/2 {
			watchdogAt = now
			subcmd.SdNotify(daemon.SdNotifyWatchdog)
		}
	}

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("sensorlog init complete, running")
	err = g.Run(ctx, onTick)
	subcmd.SdNotify(daemon.SdNotifyStopping)
	g.StopWait(5 * time.Second)
	return err
}

func serveMetrics(g *state.Global, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux}
	if !g.Alive.Add(1) {
		return errors.Errorf("already stopping")
	}
	go func() {
		defer g.Alive.Done()
		<-g.Alive.StopChan()
		_ = srv.Close()
	}()
	go func() {
		g.Log.Infof("metrics: listen=%s", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.Log.Errorf("metrics: err=%v", err)
		}
	}()
	return nil
}

// SIGHUP rereads config and resets tele with its api key.
func handleSignals(g *state.Global) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigs {
			if sig != syscall.SIGHUP {
				g.Log.Infof("signal=%v stopping", sig)
				g.Stop()
				return
			}
			cfg, err := state.ReadConfig(g.Log, state.NewOsFullReader(), g.Config.Names()...)
			if err != nil {
				g.Error(err, "config reload")
				continue
			}
			select {
			case g.ResetCh <- cfg.Tele.APIKey:
			default:
				g.Log.Errorf("config reload: previous reset is pending")
			}
		}
	}()
}
