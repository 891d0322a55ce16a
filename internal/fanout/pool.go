// Package fanout shares the upstream stream with every connected browser
// and funnels their commands back toward it.
package fanout

import (
	"context"
	"errors"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mopirelay/internal/bus"
	"github.com/petervdpas/mopirelay/internal/proto"
)

var log = logging.Logger("fanout")

// DefaultQueueSize bounds frames waiting for one browser.
const DefaultQueueSize = 256

var (
	ErrPoolStopped   = errors.New("client pool stopped")
	ErrUpstreamQueue = errors.New("upstream queue full")
)

// CommandSink sees every browser command before it is forwarded.
type CommandSink interface {
	HandleCommand(ctx context.Context, userID *int64, raw []byte) error
}

// Upstream queues a command for the connector without blocking.
type Upstream interface {
	Send(raw []byte) bool
}

// Pool owns the set of registered handles. Registration, removal and
// broadcast all happen on the Run goroutine.
type Pool struct {
	out       Upstream
	sink      CommandSink
	queueSize int

	register   chan *Handle
	unregister chan *Handle
	done       chan struct{}
	count      atomic.Int64

	// owned by Run
	handles   map[*Handle]struct{}
	connected bool
	terminal  string // reason the connector gave up, if it did
}

func New(out Upstream, sink CommandSink, queueSize int) *Pool {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Pool{
		out:        out,
		sink:       sink,
		queueSize:  queueSize,
		register:   make(chan *Handle),
		unregister: make(chan *Handle),
		done:       make(chan struct{}),
		handles:    make(map[*Handle]struct{}),
	}
}

// NewHandle creates an unregistered handle. userID is nil for anonymous
// browsers.
func (p *Pool) NewHandle(userID *int64) *Handle {
	return newHandle(userID, p.queueSize)
}

// Register adds h. A browser joining while upstream is up is told so
// straight away.
func (p *Pool) Register(ctx context.Context, h *Handle) error {
	select {
	case p.register <- h:
		return nil
	case <-p.done:
		h.close()
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister removes h and closes it. Safe to call more than once and
// after the pool has stopped.
func (p *Pool) Unregister(h *Handle) {
	select {
	case p.unregister <- h:
	case <-p.done:
		h.close()
	}
}

// SendToUpstream hands raw to the command sink, then queues it for the
// connector. Sink failures are logged and never stop the command.
func (p *Pool) SendToUpstream(ctx context.Context, h *Handle, raw []byte) error {
	if p.sink != nil {
		if err := p.sink.HandleCommand(ctx, h.UserID, raw); err != nil {
			log.Debugf("command from %s not tracked: %v", h.ID, err)
		}
	}
	if !p.out.Send(raw) {
		return ErrUpstreamQueue
	}
	return nil
}

// Count is the number of registered handles.
func (p *Pool) Count() int { return int(p.count.Load()) }

// Run serves the pool until ctx is cancelled or sub closes, then closes
// every handle.
func (p *Pool) Run(ctx context.Context, sub *bus.Subscription) error {
	defer close(p.done)
	defer p.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil

		case h := <-p.register:
			p.handles[h] = struct{}{}
			p.count.Store(int64(len(p.handles)))
			switch {
			case p.connected:
				h.push(Message{Kind: bus.FrameText, Data: proto.RelayStatus(true, "")})
			case p.terminal != "":
				h.push(Message{Kind: bus.FrameText, Data: proto.RelayStatus(false, p.terminal)})
			}
			log.Debugf("client %s registered (%d total)", h.ID, len(p.handles))

		case h := <-p.unregister:
			if _, ok := p.handles[h]; ok {
				delete(p.handles, h)
				p.count.Store(int64(len(p.handles)))
				log.Debugf("client %s unregistered (%d total)", h.ID, len(p.handles))
			}
			h.close()

		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			p.broadcast(ev)
		}
	}
}

func (p *Pool) broadcast(ev bus.Event) {
	var m Message
	switch ev.Type {
	case bus.EventFrame:
		if ev.Frame != bus.FrameText && ev.Frame != bus.FrameBinary {
			// control frames stay between relay and server
			return
		}
		m = Message{Kind: ev.Frame, Data: ev.Data}
	case bus.EventConnected:
		p.connected = true
		p.terminal = ""
		m = Message{Kind: bus.FrameText, Data: proto.RelayStatus(true, "")}
	case bus.EventDisconnected:
		p.connected = false
		m = Message{Kind: bus.FrameText, Data: proto.RelayStatus(false, ev.Err)}
	case bus.EventError:
		if !ev.Terminal {
			return
		}
		p.connected = false
		p.terminal = ev.Err
		m = Message{Kind: bus.FrameText, Data: proto.RelayStatus(false, ev.Err)}
	default:
		return
	}
	for h := range p.handles {
		h.push(m)
	}
}

func (p *Pool) closeAll() {
	for h := range p.handles {
		h.close()
		delete(p.handles, h)
	}
	p.count.Store(0)
}
