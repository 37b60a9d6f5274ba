package tele

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensorlog/helpers"
	"github.com/temoto/sensorlog/log2"
	tele_api "github.com/temoto/sensorlog/tele"
)

type WebsocketOptions struct {
	Log            *log2.Log
	URL            string
	Credential     func() string // Bearer token, read on every dial
	TlsCaFile      string
	NetworkTimeout time.Duration
	ReconnectDelay time.Duration
	ReadLimit      int
}

// transportWebsocket keeps one websocket connection alive in background.
// Reconnect uses exponential backoff from ReconnectDelay up to 10x.
type transportWebsocket struct {
	opt       WebsocketOptions
	log       *log2.Log
	dialer    websocket.Dialer
	backoff   helpers.Backoff
	alive     *alive.Alive
	q         *eventQueue
	started   uint32
	connected uint32

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebsocket(opt WebsocketOptions) (tele_api.Transport, error) {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	tlsconf := new(tls.Config)
	if opt.TlsCaFile != "" {
		tlsconf.RootCAs = x509.NewCertPool()
		cabytes, err := ioutil.ReadFile(opt.TlsCaFile)
		if err != nil {
			return nil, errors.Annotatef(err, "TLS")
		}
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("TLS CA file=%s", opt.TlsCaFile)
		}
	}
	a := alive.NewAlive()
	self := &transportWebsocket{
		opt: opt,
		log: opt.Log,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opt.NetworkTimeout,
			TLSClientConfig:  tlsconf,
		},
		backoff: helpers.Backoff{
			Min: opt.ReconnectDelay,
			Max: opt.ReconnectDelay * 10,
			K:   2,
		},
		alive: a,
		q:     newEventQueue(64, a.StopChan()),
	}
	return self, nil
}

func (self *transportWebsocket) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&self.started, 0, 1) {
		return errors.Errorf("code error websocket Connect called twice")
	}
	if !self.alive.Add(1) {
		return tele_api.ErrClosed
	}
	go self.worker(helpers.AliveContext(ctx, self.alive))
	return nil
}

func (self *transportWebsocket) worker(ctx context.Context) {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for self.alive.IsRunning() {
		if delay := self.backoff.DelayBefore(); delay > 0 {
			self.log.Debugf("tele: websocket wait reconnect delay=%v", delay)
			select {
			case <-time.After(delay):
			case <-stopch:
				return
			}
		}
		conn, err := self.dial(ctx)
		if err != nil {
			self.backoff.Failure()
			self.q.push(event{kind: eventError, err: err})
			continue
		}
		code := self.serve(conn)
		// healthy session ended, next reconnect waits minimal delay
		self.backoff.Reset()
		self.q.push(event{kind: eventDisconnect, code: code})
	}
}

func (self *transportWebsocket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if self.opt.Credential != nil {
		header.Set("Authorization", "Bearer "+self.opt.Credential())
	}
	conn, resp, err := self.dialer.DialContext(ctx, self.opt.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, errors.Annotatef(tele_api.ErrTransport, "websocket dial url=%s status=%d err=%v", self.opt.URL, status, err)
	}
	if self.opt.ReadLimit > 0 {
		conn.SetReadLimit(int64(self.opt.ReadLimit))
	}
	return conn, nil
}

// serve reads frames until connection breaks, returns close code.
func (self *transportWebsocket) serve(conn *websocket.Conn) int {
	self.mu.Lock()
	self.conn = conn
	self.mu.Unlock()
	atomic.StoreUint32(&self.connected, 1)
	self.q.push(event{kind: eventConnect})
	self.log.Infof("tele: websocket connected url=%s", self.opt.URL)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-self.alive.StopChan():
			self.closeConn(conn)
		case <-done:
		}
	}()

	code := websocket.CloseAbnormalClosure
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			if self.alive.IsRunning() {
				self.log.Infof("tele: websocket disconnected code=%d err=%v", code, err)
			}
			break
		}
		if !self.q.push(event{kind: eventFrame, frame: b}) {
			break
		}
	}
	atomic.StoreUint32(&self.connected, 0)
	self.mu.Lock()
	self.conn = nil
	self.mu.Unlock()
	_ = conn.Close()
	return code
}

func (self *transportWebsocket) Send(frame []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.conn == nil {
		return errors.Annotate(tele_api.ErrTransport, "websocket not connected")
	}
	_ = self.conn.SetWriteDeadline(time.Now().Add(self.opt.NetworkTimeout))
	if err := self.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Annotatef(tele_api.ErrTransport, "websocket write err=%v", err)
	}
	return nil
}

func (self *transportWebsocket) Pump(h tele_api.Handler) int { return self.q.pump(h) }

func (self *transportWebsocket) IsConnected() bool { return atomic.LoadUint32(&self.connected) == 1 }

func (self *transportWebsocket) Close() error {
	self.alive.Stop()
	self.alive.Wait()
	return nil
}

func (self *transportWebsocket) closeConn(conn *websocket.Conn) {
	self.mu.Lock()
	defer self.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}
