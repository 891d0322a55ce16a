package bus

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/mopirelay/internal/viewer/logtail"
)

func TestPublishReachesEverySubscriberInOrder(t *testing.T) {
	t.Parallel()

	b := New()
	a := b.Subscribe("a", 8)
	c := b.Subscribe("c", 8)

	b.Publish(Event{Type: EventConnected})
	b.Publish(Text([]byte(`{"event":"seeked"}`)))

	for _, sub := range []*Subscription{a, c} {
		first := <-sub.C()
		second := <-sub.C()
		assert.Equal(t, EventConnected, first.Type)
		assert.Equal(t, EventFrame, second.Type)
		assert.Equal(t, FrameText, second.Frame)
	}
}

func TestSlowSubscriberDropsOldestWithoutBlocking(t *testing.T) {
	t.Parallel()

	b := New()
	slow := b.Subscribe("slow", 2)
	fast := b.Subscribe("fast", 16)

	for i := 0; i < 5; i++ {
		b.Publish(Text([]byte{byte('0' + i)}))
	}

	assert.Equal(t, 3, slow.Dropped())
	assert.Equal(t, "3", string((<-slow.C()).Data))
	assert.Equal(t, "4", string((<-slow.C()).Data))

	assert.Equal(t, 0, fast.Dropped())
	assert.Len(t, fast.C(), 5)
}

func TestSendNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	for i := 0; i < outboundCap; i++ {
		require.True(t, b.Send([]byte("x")))
	}
	assert.False(t, b.Send([]byte("overflow")))
	assert.Len(t, b.Outbound(), outboundCap)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	s := b.Subscribe("s", 0)
	s.Close()
	s.Close()

	_, ok := <-s.C()
	assert.False(t, ok)

	// publishing after unsubscribe must not panic
	b.Publish(Event{Type: EventConnected})
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	s := b.Subscribe("s", 1)
	b.Close()
	b.Close()

	_, ok := <-s.C()
	assert.False(t, ok)

	late := b.Subscribe("late", 1)
	_, ok = <-late.C()
	assert.False(t, ok)
	s.Close()
}

func TestOrderedSubscriberLogsEveryDropAtError(t *testing.T) {
	t.Parallel()

	tail := logtail.New(64)
	capture := tail.Capture()
	defer capture.Close()

	b := New()
	ordered := b.SubscribeOrdered("ordered-drops", 1)
	for i := 0; i < 3; i++ {
		b.Publish(Text([]byte{byte('0' + i)}))
	}

	assert.Equal(t, 2, ordered.Dropped())
	assert.Equal(t, "2", string((<-ordered.C()).Data))

	require.Eventually(t, func() bool {
		n := 0
		for _, e := range tail.Tail(logtail.Query{Subsystem: "bus", Level: "error"}) {
			if strings.Contains(e.Msg, "ordered-drops") {
				n++
			}
		}
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)
}
