// Package httplog is request/response variant of telemetry:
// sensors are sampled into local buffer and posted in batches over HTTP.
package httplog

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensorlog/helpers"
	"github.com/temoto/sensorlog/helpers/atomic_clock"
	"github.com/temoto/sensorlog/internal/clocksync"
	"github.com/temoto/sensorlog/internal/sensor"
	"github.com/temoto/sensorlog/log2"
	tele_api "github.com/temoto/sensorlog/tele"
)

const (
	PathLog  = "/api/v1/log"
	PathTime = "/api/v1/time"

	MinReadInterval     = 10 * time.Second
	MaxReadInterval     = 1800 * time.Second
	DefaultReadInterval = 30 * time.Second
	MinLogInterval      = 60 * time.Second
	MaxLogInterval      = 3600 * time.Second
	DefaultLogInterval  = 60 * time.Second

	DefaultRetries    = 3
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultTimeout    = 30 * time.Second

	// late reads shorten next wait by at most this many seconds
	MaxReadOffset = 5
	// per sensor, oldest values are dropped
	MaxBuffered     = 1024
	maxResponseSize = 64 << 10
)

type Options struct {
	BaseURL    string // scheme://host[:port]
	APIKey     string
	DeviceID   uint64
	DeviceName string
	GroupName  string
	Sensors    *sensor.Set

	ReadInterval time.Duration
	LogInterval  time.Duration
	Retries      int // attempts per request
	RetryDelay   time.Duration
	Timeout      time.Duration

	Source atomic_clock.Millis
	Log    *log2.Log
	// nil means fresh clone of http.DefaultTransport
	Transport http.RoundTripper
}

type Logger struct {
	opt    Options
	log    *log2.Log
	clock  *clocksync.Sync
	client *http.Client

	readSec    uint32
	logSec     uint32
	lastRead   uint32
	lastReadTs uint32
	lastLog    uint32
	offset     uint32
	buf        [][]Value
}

type Value struct {
	Value     float64 `json:"value"`
	Timestamp uint32  `json:"timestamp"`
}

type SensorLog struct {
	Name   string  `json:"name"`
	Unit   string  `json:"unit"`
	Type   string  `json:"sensor_type"`
	Values []Value `json:"sensor_values"`
}

type LogBody struct {
	DeviceID   uint64      `json:"device_id"`
	DeviceName string      `json:"device_name"`
	GroupName  string      `json:"group_name"`
	Sensors    []SensorLog `json:"sensors"`
}

type timeResponse struct {
	UnixTime *uint32 `json:"unix_time"`
}

func New(opt Options) (*Logger, error) {
	u, err := url.Parse(opt.BaseURL)
	if err != nil {
		return nil, errors.Annotatef(err, "httplog base url=%s", opt.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.NotValidf("httplog base url=%s", opt.BaseURL)
	}
	opt.BaseURL = strings.TrimRight(opt.BaseURL, "/")
	if opt.APIKey == "" {
		return nil, errors.NotValidf("httplog api key empty")
	}
	if opt.Sensors == nil {
		return nil, errors.Errorf("code error httplog Sensors=nil")
	}
	if opt.ReadInterval == 0 {
		opt.ReadInterval = DefaultReadInterval
	}
	if opt.LogInterval == 0 {
		opt.LogInterval = DefaultLogInterval
	}
	opt.ReadInterval = helpers.ClampDuration(opt.ReadInterval, MinReadInterval, MaxReadInterval)
	opt.LogInterval = helpers.ClampDuration(opt.LogInterval, MinLogInterval, MaxLogInterval)
	if opt.Retries <= 0 {
		opt.Retries = DefaultRetries
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	self := &Logger{
		opt:     opt,
		log:     opt.Log,
		clock:   clocksync.New(clocksync.Options{Source: opt.Source, ResyncAfter: -1}),
		readSec: uint32(opt.ReadInterval / time.Second),
		logSec:  uint32(opt.LogInterval / time.Second),
	}
	self.client = self.newClient()
	return self, nil
}

func (self *Logger) ReadInterval() time.Duration { return self.opt.ReadInterval }
func (self *Logger) LogInterval() time.Duration  { return self.opt.LogInterval }
func (self *Logger) Clock() *clocksync.Sync      { return self.clock }

// Tick samples sensors and posts buffered values when due.
// Without server time it only requests time.
func (self *Logger) Tick(ctx context.Context) error {
	now := self.clock.NowUnix()
	if now == 0 {
		if !self.clock.Due() {
			return nil
		}
		return self.SyncTime(ctx)
	}
	self.readSensors(now)
	if now-self.lastLog <= self.logSec {
		return nil
	}
	self.lastLog = now
	if err := self.send(ctx); err != nil {
		return errors.Annotate(err, "httplog send")
	}
	self.lastLog = self.clock.NowUnix()
	if self.clock.Due() {
		if err := self.SyncTime(ctx); err != nil {
			self.log.Errorf("httplog: resync err=%v", err)
		}
	}
	return nil
}

func (self *Logger) SyncTime(ctx context.Context) error {
	b, err := self.do(ctx, http.MethodGet, PathTime, nil, http.StatusOK)
	if err != nil {
		return errors.Annotate(err, "httplog time")
	}
	var tr timeResponse
	if err = json.Unmarshal(b, &tr); err != nil || tr.UnixTime == nil {
		return errors.Annotatef(tele_api.ErrMalformed, "httplog time response=%s err=%v", b, err)
	}
	first := !self.clock.Synced()
	if !self.clock.OnReply(*tr.UnixTime) {
		self.log.Errorf("httplog: time regression ignored unix=%d estimate=%d", *tr.UnixTime, self.clock.NowUnix())
		return nil
	}
	self.log.Debugf("httplog: time synced unix=%d", *tr.UnixTime)
	if first {
		self.lastLog = *tr.UnixTime
		self.lastRead = *tr.UnixTime
	}
	return nil
}

func (self *Logger) readSensors(now uint32) {
	if now-self.lastRead <= self.readSec-self.offset {
		return
	}
	if self.lastReadTs != 0 {
		diff := int64(now) - int64(self.lastReadTs) - int64(self.readSec)
		if diff != 0 {
			self.offset = uint32(minInt64(maxInt64(diff, 0), MaxReadOffset))
		}
	}
	list := self.opt.Sensors.List()
	for len(self.buf) < len(list) {
		self.buf = append(self.buf, nil)
	}
	for i, s := range list {
		v := s.Sample(now)
		if math.IsNaN(v) {
			self.log.Debugf("httplog: sensor=%s no value", s.Name)
			continue
		}
		if len(self.buf[i]) >= MaxBuffered {
			self.buf[i] = self.buf[i][1:]
		}
		self.buf[i] = append(self.buf[i], Value{Value: v, Timestamp: now})
	}
	self.lastReadTs = now
	self.lastRead = self.clock.NowUnix()
}

// send posts and forgets buffered values regardless of result.
func (self *Logger) send(ctx context.Context) error {
	list := self.opt.Sensors.List()
	body := LogBody{
		DeviceID:   self.opt.DeviceID,
		DeviceName: self.opt.DeviceName,
		GroupName:  self.opt.GroupName,
		Sensors:    make([]SensorLog, len(list)),
	}
	for i, s := range list {
		values := []Value{}
		if i < len(self.buf) && self.buf[i] != nil {
			values = self.buf[i]
		}
		body.Sensors[i] = SensorLog{Name: s.Name, Unit: s.Unit, Type: s.Type, Values: values}
	}
	self.buf = nil
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = self.do(ctx, http.MethodPost, PathLog, b, http.StatusCreated)
	return err
}

// do retries transient failures, then replaces HTTP client.
func (self *Logger) do(ctx context.Context, method, path string, body []byte, want int) ([]byte, error) {
	var last error
	for attempt := 1; attempt <= self.opt.Retries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(self.opt.RetryDelay):
			case <-ctx.Done():
				return nil, errors.Trace(ctx.Err())
			}
		}
		b, err := self.once(ctx, method, path, body, want)
		if err == nil {
			return b, nil
		}
		if errors.Cause(err) == tele_api.ErrAuth {
			return nil, err
		}
		last = err
		self.log.Debugf("httplog: %s %s attempt=%d err=%v", method, path, attempt, err)
	}
	self.client.CloseIdleConnections()
	self.client = self.newClient()
	return nil, errors.Annotatef(tele_api.ErrRetriesExhausted, "%s %s attempts=%d last=%v", method, path, self.opt.Retries, last)
}

func (self *Logger) once(ctx context.Context, method, path string, body []byte, want int) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, self.opt.BaseURL+path, r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Authorization", "Bearer "+self.opt.APIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := self.client.Do(req)
	if err != nil {
		return nil, errors.Annotatef(tele_api.ErrTransport, "err=%v", err)
	}
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	switch resp.StatusCode {
	case want:
		if err != nil {
			return nil, errors.Annotatef(tele_api.ErrTransport, "read body err=%v", err)
		}
		return b, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errors.Annotatef(tele_api.ErrAuth, "status=%d", resp.StatusCode)
	}
	return nil, errors.Annotatef(tele_api.ErrTransport, "status=%d body=%s", resp.StatusCode, b)
}

func (self *Logger) newClient() *http.Client {
	tr := self.opt.Transport
	if tr == nil {
		tr = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &http.Client{Timeout: self.opt.Timeout, Transport: tr}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
