package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensorlog/helpers/atomic_clock"
	"github.com/temoto/sensorlog/internal/httplog"
	"github.com/temoto/sensorlog/internal/phx"
	"github.com/temoto/sensorlog/internal/sensor"
	"github.com/temoto/sensorlog/internal/tele"
	"github.com/temoto/sensorlog/internal/updater"
	"github.com/temoto/sensorlog/log2"
	tele_api "github.com/temoto/sensorlog/tele"
	tele_config "github.com/temoto/sensorlog/tele/config"
)

const (
	ContextKey = "run/state-global"

	TickInterval     = 100 * time.Millisecond
	HttpTickInterval = time.Second
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
	Registry     *prometheus.Registry
	Sensors      *sensor.Set
	Metrics      *tele.Metrics
	Tele         *tele.Tele
	HttpLog      *httplog.Logger
	Updater      *updater.Exec

	// tests set these before Init
	Transport tele_api.Transport
	Source    atomic_clock.Millis

	// ResetCh delivers new API key into run loop, tele is not safe for concurrent use
	ResetCh chan string

	_copy_guard sync.Mutex //nolint:unused
}

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive:    alive.NewAlive(),
		Log:      log,
		Registry: prometheus.NewRegistry(),
		Sensors:  new(sensor.Set),
		ResetCh:  make(chan string, 1),
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)

	if err := g.initSensors(); err != nil {
		return errors.Annotate(err, "sensors init")
	}
	if len(cfg.Updater.Command) != 0 {
		g.Updater = &updater.Exec{
			Command: cfg.Updater.Command,
			Log:     g.Log,
			OnStart: g.updateStarted,
			OnEnd:   g.updateFinished,
		}
	}

	// tele gets g.Log clone before SetErrorFunc, so its own errors are counted once
	if cfg.Tele.Enabled && cfg.Tele.Mode == tele_config.ModeHTTP {
		if err := g.initHttpLog(); err != nil {
			return errors.Annotate(err, "httplog init")
		}
	} else if err := g.initTele(ctx); err != nil {
		return errors.Annotate(err, "tele init")
	}
	g.Log.SetErrorFunc(func(error) { g.Metrics.LogErrors.Inc() })
	return nil
}

// updater callbacks run outside of tick loop, only metrics are safe here
func (g *Global) updateStarted(firmwareID string) {
	g.Log.Infof("update: started firmware_id=%s", firmwareID)
	g.Metrics.Updates.WithLabelValues("started").Inc()
}

func (g *Global) updateFinished(firmwareID string, err error) {
	if err != nil {
		g.Log.Errorf("update: firmware_id=%s err=%v", firmwareID, err)
		g.Metrics.Updates.WithLabelValues("failed").Inc()
		return
	}
	g.Log.Infof("update: finished firmware_id=%s, restart pending", firmwareID)
	g.Metrics.Updates.WithLabelValues("ok").Inc()
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) initSensors() error {
	errs := make([]error, 0)
	for _, sc := range g.Config.Sensors {
		read, err := sensor.NewSource(g.Log, sc.Name, sc.Source, sc.Scale)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s := &sensor.Sensor{Name: sc.Name, Unit: sc.Unit, Type: sc.Type, Read: read}
		if err = g.Sensors.Add(s); err != nil {
			errs = append(errs, err)
			continue
		}
		g.Log.Debugf("config: %s source=%s", s.String(), sc.Source)
	}
	if len(errs) != 0 {
		return errs[0]
	}
	return nil
}

func (g *Global) initTele(ctx context.Context) error {
	opt := tele.Options{
		Transport:    g.Transport,
		Sensors:      g.Sensors,
		PollInterval: g.Config.PollInterval(),
		Registerer:   g.Registry,
		Source:       g.Source,
		OnError: func(err error) {
			g.Log.Errorf("tele: %v, waiting for new api key", err)
		},
		OnMessage: func(m phx.Message) {
			g.Log.Debugf("tele: message %s", m.String())
		},
		AfterJoin: func(r tele_api.JoinResult) {
			g.Log.Infof("tele: joined group_id=%d sensor_ids=%v", r.GroupID, r.SensorIDs)
		},
	}
	if g.Updater != nil {
		opt.Updater = g.Updater
	}
	g.Tele = tele.New(opt)
	err := g.Tele.Init(ctx, g.Log.Clone(log2.LInfo), g.Config.Tele)
	g.Metrics = g.Tele.Metrics()
	return err
}

func (g *Global) initHttpLog() error {
	g.Metrics = tele.NewMetrics(g.Registry)
	tc := &g.Config.Tele
	var err error
	g.HttpLog, err = httplog.New(httplog.Options{
		BaseURL:      tc.ServerURL,
		APIKey:       tc.APIKey,
		DeviceID:     uint64(tc.DeviceID),
		DeviceName:   tc.DeviceName,
		GroupName:    tc.GroupName,
		Sensors:      g.Sensors,
		ReadInterval: g.Config.ReadInterval(),
		LogInterval:  g.Config.LogInterval(),
		Retries:      tc.HttpRetryCount(),
		RetryDelay:   tc.HttpRetryDelay(),
		Timeout:      tc.NetworkTimeout(),
		Source:       g.Source,
		Log:          g.Log.Clone(log2.LInfo),
	})
	return err
}

// Run drives telemetry from single goroutine until Stop.
func (g *Global) Run(ctx context.Context, onTick func()) error {
	interval := TickInterval
	if g.HttpLog != nil {
		interval = HttpTickInterval
	}
	tmr := time.NewTicker(interval)
	defer tmr.Stop()
	stopch := g.Alive.StopChan()
	for {
		if err := g.Tick(ctx); err != nil {
			g.Error(err)
		}
		if onTick != nil {
			onTick()
		}
		select {
		case key := <-g.ResetCh:
			if g.Tele != nil {
				if err := g.Tele.Reset(key); err != nil {
					g.Error(err, "tele reset")
				}
			}
		case <-tmr.C:
		case <-stopch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Global) Tick(ctx context.Context) error {
	switch {
	case g.HttpLog != nil:
		return g.HttpLog.Tick(ctx)
	case g.Tele != nil:
		return g.Tele.Tick()
	}
	return nil
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	if g.Tele != nil {
		_ = g.Tele.Close()
	}
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
