// Package upstream owns the single websocket to the music server's control
// endpoint and keeps it alive with capped exponential backoff.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mopirelay/internal/bus"
)

var log = logging.Logger("upstream")

var (
	ErrNotConnected      = errors.New("upstream not connected")
	ErrRetriesExhausted  = errors.New("upstream reconnect attempts exhausted")
	errShutdown          = errors.New("shutdown")
	errLivenessCheckFail = errors.New("liveness ping failed")
)

const writeTimeout = 5 * time.Second

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Options struct {
	URL         string
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	ReadTimeout time.Duration
	DialTimeout time.Duration
	Header      http.Header
}

func (o *Options) normalize() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
}

// Connector is the state machine Disconnected → Connecting → Connected →
// Disconnected, retrying until MaxRetries consecutive attempts have failed.
type Connector struct {
	opt Options
	bus *bus.Bus

	// swapped in tests
	dial func(ctx context.Context, url string) (*websocket.Conn, error)
	wait func(ctx context.Context, d time.Duration) bool

	state     atomic.Int32
	exhausted atomic.Bool

	mu   sync.Mutex
	conn *websocket.Conn

	retries int // touched only by Run's goroutine
}

func New(opt Options, b *bus.Bus) *Connector {
	opt.normalize()
	c := &Connector{opt: opt, bus: b}
	c.dial = c.dialWebsocket
	c.wait = sleepCtx
	return c
}

func (c *Connector) State() State { return State(c.state.Load()) }

// Exhausted reports whether the connector has given up for good.
func (c *Connector) Exhausted() bool { return c.exhausted.Load() }

// Run drives the connection until ctx is cancelled. Exhausting the retry
// budget is not returned as an error: the connector stays disconnected,
// keeps rejecting sends, and Run returns nil on shutdown.
func (c *Connector) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	defer wg.Wait()

	for {
		c.setState(Connecting)
		conn, err := c.dial(ctx, c.opt.URL)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			c.setState(Disconnected)
			return nil
		}

		if err != nil {
			c.setState(Disconnected)
			log.Warnf("dial %s failed: %v", c.opt.URL, err)
			c.bus.Publish(bus.Event{Type: bus.EventError, Err: err.Error()})
		} else {
			c.retries = 0
			c.attach(conn)
			log.Infof("connected to %s", c.opt.URL)
			c.bus.Publish(bus.Event{Type: bus.EventConnected})

			reason := c.receive(ctx, conn)

			c.detach()
			conn.Close()
			if errors.Is(reason, errShutdown) {
				return nil
			}
			log.Warnf("connection lost: %v", reason)
			c.bus.Publish(bus.Event{Type: bus.EventDisconnected, Err: reason.Error()})
		}

		c.retries++
		if c.retries >= c.opt.MaxRetries {
			c.exhausted.Store(true)
			log.Errorf("giving up after %d failed attempts", c.retries)
			c.bus.Publish(bus.Event{Type: bus.EventError, Err: ErrRetriesExhausted.Error(), Terminal: true})
			<-ctx.Done()
			return nil
		}

		delay := Backoff(c.retries-1, c.opt.BackoffBase, c.opt.BackoffCap)
		log.Infof("reconnecting in %s (attempt %d/%d)", delay, c.retries+1, c.opt.MaxRetries)
		if !c.wait(ctx, delay) {
			return nil
		}
	}
}

// Send writes one text frame. While disconnected it is a no-op that reports
// ErrNotConnected on the bus instead of blocking.
func (c *Connector) Send(raw []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.bus.Publish(bus.Event{Type: bus.EventError, Err: ErrNotConnected.Error()})
		return ErrNotConnected
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		err = fmt.Errorf("write upstream: %w", err)
		c.bus.Publish(bus.Event{Type: bus.EventError, Err: err.Error()})
		return err
	}
	return nil
}

func (c *Connector) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-c.bus.Outbound():
			if err := c.Send(raw); err != nil {
				log.Debugf("dropped outbound command: %v", err)
			}
		}
	}
}

type inFrame struct {
	kind int
	data []byte
}

// receive blocks on the socket until it fails. A quiet socket is not a
// failure: each ReadTimeout without traffic triggers a ping instead.
func (c *Connector) receive(ctx context.Context, conn *websocket.Conn) error {
	frames := make(chan inFrame, 64)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	conn.SetPingHandler(func(appData string) error {
		c.bus.Publish(bus.Event{Type: bus.EventFrame, Frame: bus.FramePing, Data: []byte(appData)})
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(appData string) error {
		c.bus.Publish(bus.Event{Type: bus.EventFrame, Frame: bus.FramePong, Data: []byte(appData)})
		return nil
	})

	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- inFrame{kind: mt, data: data}:
			case <-done:
				return
			}
		}
	}()

	timer := time.NewTimer(c.opt.ReadTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return errShutdown

		case f := <-frames:
			switch f.kind {
			case websocket.TextMessage:
				c.bus.Publish(bus.Text(f.data))
			case websocket.BinaryMessage:
				c.bus.Publish(bus.Event{Type: bus.EventFrame, Frame: bus.FrameBinary, Data: f.data})
			}
			resetTimer(timer, c.opt.ReadTimeout)

		case err := <-readErr:
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.bus.Publish(bus.Event{Type: bus.EventFrame, Frame: bus.FrameClose, Data: []byte(ce.Text)})
				return fmt.Errorf("closed by server: %w", err)
			}
			return err

		case <-timer.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opt.ReadTimeout)); err != nil {
				return fmt.Errorf("%w: %v", errLivenessCheckFail, err)
			}
			timer.Reset(c.opt.ReadTimeout)
		}
	}
}

func (c *Connector) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Connected)
}

func (c *Connector) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.setState(Disconnected)
}

func (c *Connector) setState(s State) { c.state.Store(int32(s)) }

func (c *Connector) dialWebsocket(ctx context.Context, url string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opt.DialTimeout)
	defer cancel()

	d := websocket.Dialer{HandshakeTimeout: c.opt.DialTimeout}
	conn, resp, err := d.DialContext(dialCtx, url, c.opt.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
