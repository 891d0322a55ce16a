// Package bus is the in-process pub/sub between the upstream connector and
// its consumers: one outbound queue of commands heading upstream and one
// broadcast stream of inbound frames and connection status.
package bus

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bus")

const (
	// outboundCap bounds commands waiting for the connector's writer.
	outboundCap = 256

	// DefaultSubscriberCap is used when Subscribe is called with size <= 0.
	DefaultSubscriberCap = 128
)

type EventType int

const (
	EventFrame EventType = iota
	EventConnected
	EventDisconnected
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventFrame:
		return "frame"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FrameClose
	FramePing
	FramePong
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameClose:
		return "close"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	default:
		return "unknown"
	}
}

// Event is one item on the inbound broadcast stream.
type Event struct {
	Type  EventType
	Frame FrameKind // EventFrame only
	Data  []byte    // EventFrame only
	Err   string    // EventError / EventDisconnected reason

	// Terminal marks the error published once the connector gives up.
	Terminal bool
}

func Text(data []byte) Event { return Event{Type: EventFrame, Frame: FrameText, Data: data} }

// Bus carries commands out and events in. The zero value is not usable.
type Bus struct {
	outbound chan []byte

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func New() *Bus {
	return &Bus{
		outbound: make(chan []byte, outboundCap),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Send queues a command for the upstream connector. It never blocks; when the
// queue is full the command is dropped and false is returned.
func (b *Bus) Send(raw []byte) bool {
	select {
	case b.outbound <- raw:
		return true
	default:
		log.Warnf("outbound queue full, dropping %d byte command", len(raw))
		return false
	}
}

// Outbound is consumed by the upstream connector's writer.
func (b *Bus) Outbound() <-chan []byte {
	return b.outbound
}

// Publish delivers ev to every subscriber without blocking. A subscriber
// whose buffer is full loses its oldest queued event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(ev)
	}
}

// Subscribe registers a new broadcast listener with a buffer of size events.
func (b *Bus) Subscribe(name string, size int) *Subscription {
	return b.subscribe(name, size, false)
}

// SubscribeOrdered is Subscribe for a consumer that needs every frame in
// order. It still never blocks Publish, but each drop is logged at error.
func (b *Bus) SubscribeOrdered(name string, size int) *Subscription {
	return b.subscribe(name, size, true)
}

func (b *Bus) subscribe(name string, size int, ordered bool) *Subscription {
	if size <= 0 {
		size = DefaultSubscriberCap
	}
	s := &Subscription{name: name, ordered: ordered, ch: make(chan Event, size), bus: b}

	b.mu.Lock()
	if b.closed {
		close(s.ch)
	} else {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()
	return s
}

// Close detaches and closes every subscription. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}

// Subscription is one listener on the broadcast stream.
type Subscription struct {
	name    string
	ordered bool
	ch      chan Event
	bus     *Bus

	dropMu  sync.Mutex
	dropped int
}

// C yields events in publish order. It is closed by Close or Bus.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped counts events discarded because this subscriber fell behind.
func (s *Subscription) Dropped() int {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	return s.dropped
}

// Close unsubscribes. Idempotent.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
}

// push is called with the bus read lock held, so the channel cannot be
// closed underneath it. Publish calls are serialised per subscriber through
// dropMu so drop-oldest cannot interleave with another publisher.
func (s *Subscription) push(ev Event) {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			switch {
			case s.ordered:
				log.Errorf("subscriber %s full, dropped %d events; order no longer complete", s.name, s.dropped)
			case s.dropped == 1 || s.dropped%100 == 0:
				log.Warnf("subscriber %s full, dropped %d events", s.name, s.dropped)
			}
		default:
		}
	}
}
