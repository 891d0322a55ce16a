package state

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/mopirelay/internal/bus"
	"github.com/petervdpas/mopirelay/internal/intercept"
	"github.com/petervdpas/mopirelay/internal/playback"
	"github.com/petervdpas/mopirelay/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	playback []storage.PlaybackLogEntry
	commands []intercept.AuditRow
	opened   []storage.Session
	closed   []storage.Session
	listens  []storage.Listen
}

func (r *recorder) RecordPlayback(e storage.PlaybackLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback = append(r.playback, e)
}

func (r *recorder) RecordCommand(row intercept.AuditRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, row)
}

func (r *recorder) SessionOpened(s storage.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, s)
}

func (r *recorder) SessionClosed(s storage.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, s)
}

func (r *recorder) RecordListen(l storage.Listen) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listens = append(r.listens, l)
}

func (r *recorder) rows() []storage.PlaybackLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.PlaybackLogEntry(nil), r.playback...)
}

type sender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *sender) Send(raw []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, raw)
	return true
}

type sentRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
}

func (s *sender) requests(t *testing.T) []sentRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentRequest, 0, len(s.sent))
	for _, raw := range s.sent {
		var r sentRequest
		require.NoError(t, json.Unmarshal(raw, &r))
		out = append(out, r)
	}
	return out
}

type harness struct {
	*Actor
	t     *testing.T
	clock *clock
	rec   *recorder
	out   *sender
}

func startActor(t *testing.T) *harness {
	t.Helper()
	return startActorWith(t, Options{SweepInterval: time.Hour})
}

func startActorWith(t *testing.T, opt Options) *harness {
	t.Helper()
	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	rec := &recorder{}
	out := &sender{}
	opt.Now = clk.Now
	a := New(opt, out, rec)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = a.Run(ctx, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return &harness{Actor: a, t: t, clock: clk, rec: rec, out: out}
}

func (h *harness) command(user int64, raw string) {
	h.t.Helper()
	require.NoError(h.t, h.HandleCommand(context.Background(), &user, []byte(raw)))
}

func (h *harness) frame(raw string) {
	h.t.Helper()
	require.NoError(h.t, h.Deliver(context.Background(), bus.Text([]byte(raw))))
}

// session copies the open session for user from the actor goroutine.
func (h *harness) session(user int64) (session, bool) {
	h.t.Helper()
	var s session
	var ok bool
	require.NoError(h.t, h.call(context.Background(), func() {
		if cur, found := h.sessions.get(user); found {
			s, ok = *cur, true
		}
	}))
	return s, ok
}

// sync waits until everything queued so far has been processed.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.call(context.Background(), func() {}))
}

const (
	startedX = `{"event":"track_playback_started","tl_track":{"tlid":1,"track":{"uri":"local:x","name":"X","artists":[{"name":"Ann"}],"length":10000}}}`
	nextCmd  = `{"jsonrpc":"2.0","id":1,"method":"core.playback.next"}`
	pauseCmd = `{"jsonrpc":"2.0","id":2,"method":"core.playback.pause"}`
	pausedX  = `{"event":"track_playback_paused","tl_track":{"tlid":1,"track":{"uri":"local:x"}},"time_position":100}`
)

func TestNextThenStartedIsAttributed(t *testing.T) {
	t.Parallel()
	h := startActor(t)

	h.command(7, nextCmd)
	h.clock.Advance(400 * time.Millisecond)
	h.frame(startedX)
	h.sync()

	rows := h.rec.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, string(playback.TrackStarted), rows[0].EventType)
	require.NotNil(t, rows[0].UserID)
	assert.Equal(t, int64(7), *rows[0].UserID)
	assert.Equal(t, "local:x", rows[0].TrackURI)
	assert.Equal(t, 0, *rows[0].PositionMs)
	assert.Equal(t, "playing", rows[0].PlaybackState)

	// the audit row saw the context before the command took effect
	require.Len(t, h.rec.commands, 1)
	assert.Empty(t, h.rec.commands[0].TrackURI)
}

func TestAttributionWindow(t *testing.T) {
	t.Parallel()

	h := startActor(t)
	h.command(1, pauseCmd)
	h.clock.Advance(2000 * time.Millisecond)
	h.frame(pausedX)
	h.sync()
	rows := h.rec.rows()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].UserID)
	assert.Equal(t, int64(1), *rows[0].UserID)

	h = startActor(t)
	h.command(1, pauseCmd)
	h.clock.Advance(2001 * time.Millisecond)
	h.frame(pausedX)
	h.sync()
	rows = h.rec.rows()
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].UserID)
}

func TestAttributionTakesOldestMatchAndConsumesIt(t *testing.T) {
	t.Parallel()
	h := startActor(t)

	h.command(1, pauseCmd)
	h.clock.Advance(100 * time.Millisecond)
	h.command(2, `{"jsonrpc":"2.0","id":3,"method":"core.playback.seek","params":{"time_position":5}}`)
	h.command(3, pauseCmd)
	h.frame(pausedX)
	h.frame(pausedX)
	h.frame(pausedX)
	h.frame(`{"event":"seeked","time_position":5}`)
	h.sync()

	rows := h.rec.rows()
	require.Len(t, rows, 4)
	assert.Equal(t, int64(1), *rows[0].UserID)
	assert.Equal(t, int64(3), *rows[1].UserID)
	assert.Nil(t, rows[2].UserID)
	assert.Equal(t, int64(2), *rows[3].UserID)
}

func TestNextAttributesBothEndAndStart(t *testing.T) {
	t.Parallel()
	h := startActor(t)

	h.frame(startedX)
	h.clock.Advance(9 * time.Second)
	h.command(4, nextCmd)
	h.frame(`{"event":"track_playback_ended","tl_track":{"tlid":1,"track":{"uri":"local:x"}},"time_position":9000}`)
	h.frame(`{"event":"track_playback_started","tl_track":{"tlid":2,"track":{"uri":"local:y","name":"Y"}}}`)
	h.sync()

	rows := h.rec.rows()
	require.Len(t, rows, 3)
	assert.Nil(t, rows[0].UserID)
	assert.Equal(t, string(playback.TrackEnded), rows[1].EventType)
	assert.Equal(t, int64(4), *rows[1].UserID)
	assert.Equal(t, string(playback.TrackStarted), rows[2].EventType)
	assert.Equal(t, int64(4), *rows[2].UserID)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.listens, 1)
	l := h.rec.listens[0]
	assert.Equal(t, "local:x", l.TrackURI)
	assert.InDelta(t, 0.9, l.Outcome.ListenPct, 1e-9)
	assert.False(t, l.Outcome.IsSkip)
}

func TestVolumeDebounce(t *testing.T) {
	t.Parallel()
	h := startActor(t)

	h.command(5, `{"jsonrpc":"2.0","id":9,"method":"core.mixer.set_volume","params":{"volume":10}}`)
	h.frame(`{"event":"volume_changed","volume":10}`)
	h.clock.Advance(1000 * time.Millisecond)
	h.command(6, `{"jsonrpc":"2.0","id":10,"method":"core.mixer.set_volume","params":{"volume":20}}`)
	h.frame(`{"event":"volume_changed","volume":20}`)
	h.sync()

	rows := h.rec.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 10, *rows[0].Volume)
	assert.Equal(t, int64(5), *rows[0].UserID)

	// the debounced event did not consume user 6's command
	h.clock.Advance(500 * time.Millisecond)
	h.frame(`{"event":"volume_changed","volume":30}`)
	h.sync()
	rows = h.rec.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, 30, *rows[1].Volume)
	assert.Equal(t, int64(6), *rows[1].UserID)

	snap, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, *snap.Volume)
}

func TestSessionGap(t *testing.T) {
	t.Parallel()
	h := startActor(t)

	h.command(1, pauseCmd)
	h.frame(pausedX)
	h.sync()

	first, ok := h.session(1)
	require.True(t, ok)

	h.clock.Advance(299999 * time.Millisecond)
	h.command(1, pauseCmd)
	h.frame(pausedX)
	h.sync()

	s, ok := h.session(1)
	require.True(t, ok)
	assert.Equal(t, first.ID, s.ID)
	assert.Equal(t, first.TrackCount, s.TrackCount)
	assert.Equal(t, h.clock.Now(), s.LastActivity)

	h.clock.Advance(300001 * time.Millisecond)
	h.command(1, pauseCmd)
	h.frame(pausedX)
	h.sync()

	s, ok = h.session(1)
	require.True(t, ok)
	assert.NotEqual(t, first.ID, s.ID)
	assert.Zero(t, s.TrackCount)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.opened, 2)
	require.Len(t, h.rec.closed, 1)
	assert.Equal(t, first.ID, h.rec.closed[0].ID)
	require.NotNil(t, h.rec.closed[0].EndedMs)
}

func TestTrackEndedCountsAndAffinityNeedAUser(t *testing.T) {
	t.Parallel()
	h := startActor(t)

	h.frame(startedX)
	h.clock.Advance(time.Second)
	h.frame(`{"event":"track_playback_ended","tl_track":{"tlid":1,"track":{"uri":"local:x"}},"time_position":1000}`)
	h.sync()

	h.rec.mu.Lock()
	assert.Empty(t, h.rec.listens)
	assert.Empty(t, h.rec.opened)
	h.rec.mu.Unlock()

	h.frame(startedX)
	h.command(8, `{"jsonrpc":"2.0","id":3,"method":"core.playback.stop"}`)
	h.frame(`{"event":"track_playback_ended","tl_track":{"tlid":1,"track":{"uri":"local:x"}},"time_position":1000}`)
	h.sync()

	h.rec.mu.Lock()
	require.Len(t, h.rec.listens, 1)
	assert.True(t, h.rec.listens[0].Outcome.IsSkip)
	assert.True(t, h.rec.listens[0].Outcome.IsEarlySkip)
	assert.Equal(t, int64(8), h.rec.listens[0].UserID)
	h.rec.mu.Unlock()

	s, ok := h.session(8)
	require.True(t, ok)
	assert.Equal(t, 1, s.TrackCount)
}

func TestTracklistChangedRequeriesWithReservedID(t *testing.T) {
	t.Parallel()
	h := startActor(t)

	h.command(2, `{"jsonrpc":"2.0","id":11,"method":"core.tracklist.add","params":{"uris":["Y"]}}`)
	h.frame(`{"event":"tracklist_changed"}`)
	h.sync()

	reqs := h.out.requests(t)
	require.Len(t, reqs, 1)
	assert.Equal(t, "core.tracklist.get_tl_tracks", reqs[0].Method)
	assert.GreaterOrEqual(t, reqs[0].ID, int64(900000))

	rows := h.rec.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, string(playback.TracklistChanged), rows[0].EventType)
	assert.Equal(t, 0, rows[0].QueueLength)
	assert.Equal(t, int64(2), *rows[0].UserID)

	h.frame(`{"jsonrpc":"2.0","id":900000,"result":[{"tlid":1,"track":{"uri":"Y","name":"Yonder"}}]}`)
	snap, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.QueueLength)
}

func TestConnectedIssuesInitialQueries(t *testing.T) {
	t.Parallel()
	h := startActor(t)

	require.NoError(t, h.Deliver(context.Background(), bus.Event{Type: bus.EventConnected}))
	h.sync()

	reqs := h.out.requests(t)
	require.Len(t, reqs, len(initialQueries))
	for i, r := range reqs {
		assert.Equal(t, int64(900000+i), r.ID)
		assert.Equal(t, initialQueries[i], r.Method)
	}

	h.frame(`{"jsonrpc":"2.0","id":900001,"result":"paused"}`)
	h.frame(`{"jsonrpc":"2.0","id":900002,"result":64}`)
	snap, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, playback.StatePaused, snap.PlaybackState)
	assert.Equal(t, 64, *snap.Volume)
}

func TestAnonymousCommandsAreCorrelatedOnly(t *testing.T) {
	t.Parallel()
	h := startActor(t)

	require.NoError(t, h.HandleCommand(context.Background(), nil, []byte(`{"jsonrpc":"2.0","id":5,"method":"core.mixer.get_volume"}`)))
	require.NoError(t, h.HandleCommand(context.Background(), nil, []byte(pauseCmd)))
	h.frame(`{"jsonrpc":"2.0","id":5,"result":33}`)
	h.frame(pausedX)
	h.sync()

	snap, err := h.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 33, *snap.Volume)

	rows := h.rec.rows()
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].UserID)
	assert.Empty(t, h.rec.commands)
}

func TestGarbageCommandIsIgnored(t *testing.T) {
	t.Parallel()
	h := startActor(t)

	h.command(1, `not json`)
	h.command(1, `{"jsonrpc":"2.0","id":1}`)
	h.sync()
	assert.Empty(t, h.rec.commands)
}

func TestSweepExpiresState(t *testing.T) {
	t.Parallel()
	h := startActorWith(t, Options{SweepInterval: 5 * time.Millisecond})

	h.command(1, pauseCmd)
	h.frame(pausedX)
	h.command(1, `{"jsonrpc":"2.0","id":40,"method":"core.playback.get_state"}`)
	h.command(1, nextCmd)
	h.sync()

	h.clock.Advance(6 * time.Minute)

	require.Eventually(t, func() bool {
		_, ok := h.session(1)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "ticker sweep should close the idle session")
	var attrs, reqs int
	require.NoError(t, h.call(context.Background(), func() {
		attrs = h.pending.len()
		reqs = len(h.ctx.PendingRequests)
	}))
	assert.Zero(t, attrs)
	assert.Zero(t, reqs)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.closed, 1)
}

func TestStoppedActorRejectsMessages(t *testing.T) {
	t.Parallel()

	a := New(Options{}, &sender{}, &recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx, nil)
		close(done)
	}()
	cancel()
	<-done

	_, err := a.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrActorStopped)
}

func TestPumpPreservesBusOrder(t *testing.T) {
	t.Parallel()

	b := bus.New()
	defer b.Close()
	sub := b.Subscribe("state", 16)

	rec := &recorder{}
	a := New(Options{SweepInterval: time.Hour}, b, rec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx, sub)

	b.Publish(bus.Text([]byte(startedX)))
	b.Publish(bus.Text([]byte(`{"event":"seeked","time_position":4000}`)))

	require.Eventually(t, func() bool {
		snap, err := a.Snapshot(ctx)
		return err == nil && snap.PositionMs != nil && *snap.PositionMs == 4000
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.rows(), 2)
}

func TestMailboxSizeDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1024, New(Options{}, &sender{}, &recorder{}).Mailbox())
	assert.Equal(t, 16, New(Options{Mailbox: 16}, &sender{}, &recorder{}).Mailbox())
}
