package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/petervdpas/mopirelay/internal/bus"
)

// Message is one frame headed to a browser.
type Message struct {
	Kind bus.FrameKind // FrameText or FrameBinary
	Data []byte
}

// Handle is one browser connection as the pool sees it. The pool is the
// only producer on its queue; the socket writer is the only consumer.
type Handle struct {
	ID     string
	UserID *int64

	queue   chan Message
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newHandle(userID *int64, size int) *Handle {
	if size <= 0 {
		size = DefaultQueueSize
	}
	var uid *int64
	if userID != nil {
		v := *userID
		uid = &v
	}
	return &Handle{
		ID:     uuid.NewString(),
		UserID: uid,
		queue:  make(chan Message, size),
		done:   make(chan struct{}),
	}
}

// C yields queued frames. It is never closed; watch Done.
func (h *Handle) C() <-chan Message { return h.queue }

// Done is closed once the handle is unregistered or the pool stops.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Dropped counts frames discarded because the browser fell behind.
func (h *Handle) Dropped() int64 { return h.dropped.Load() }

func (h *Handle) close() {
	h.once.Do(func() { close(h.done) })
}

// push never blocks: a full queue loses its oldest frame.
func (h *Handle) push(m Message) {
	for {
		select {
		case h.queue <- m:
			return
		default:
		}
		select {
		case <-h.queue:
			n := h.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				log.Warnf("client %s slow, dropped %d frames", h.ID, n)
			}
		default:
		}
	}
}
