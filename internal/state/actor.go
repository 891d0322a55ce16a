// Package state is the single owner of the playback context. One goroutine
// folds the upstream stream into it, attributes transitions to users,
// tracks listening sessions and hands rows to the recorder.
package state

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mopirelay/internal/affinity"
	"github.com/petervdpas/mopirelay/internal/bus"
	"github.com/petervdpas/mopirelay/internal/intercept"
	"github.com/petervdpas/mopirelay/internal/playback"
	"github.com/petervdpas/mopirelay/internal/proto"
	"github.com/petervdpas/mopirelay/internal/storage"
)

var log = logging.Logger("state")

var ErrActorStopped = errors.New("state actor stopped")

// Recorder receives rows for persistence. Implementations must not block.
type Recorder interface {
	RecordPlayback(storage.PlaybackLogEntry)
	RecordCommand(intercept.AuditRow)
	SessionOpened(storage.Session)
	SessionClosed(storage.Session)
	RecordListen(storage.Listen)
}

// Sender queues a frame for the upstream connector without blocking.
type Sender interface {
	Send(raw []byte) bool
}

type Options struct {
	AttributionTTL time.Duration
	VolumeDebounce time.Duration
	SessionGap     time.Duration
	PendingTTL     time.Duration
	SweepInterval  time.Duration

	// IDBase is the first request id used for the actor's own queries.
	// Browser ids at or above it are forwarded but not correlated.
	IDBase int64

	Mailbox int
	Now     func() time.Time
}

func (o *Options) normalize() {
	if o.AttributionTTL <= 0 {
		o.AttributionTTL = 2 * time.Second
	}
	if o.VolumeDebounce <= 0 {
		o.VolumeDebounce = time.Second
	}
	if o.SessionGap <= 0 {
		o.SessionGap = 5 * time.Minute
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.IDBase <= 0 {
		o.IDBase = 900000
	}
	if o.Mailbox <= 0 {
		o.Mailbox = 1024
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// initialQueries rebuild the context after every (re)connect.
var initialQueries = []string{
	proto.MethodGetCurrentTlTrack,
	proto.MethodGetState,
	proto.MethodGetVolume,
	proto.MethodGetTimePosition,
	proto.MethodGetTlTracks,
}

type commandMsg struct {
	userID *int64
	raw    []byte
	at     time.Time
}

type inboundMsg struct {
	ev bus.Event
	at time.Time
}

type callMsg struct {
	fn   func()
	done chan struct{}
}

// Actor serialises everything that touches the playback context through
// one mailbox. Commands and inbound frames share it, so a command handed
// over before it is forwarded upstream is always processed before its
// response.
type Actor struct {
	opt     Options
	out     Sender
	rec     Recorder
	mailbox chan any
	done    chan struct{}

	// owned by Run
	ctx        *playback.Context
	pending    attributions
	sessions   *sessionTable
	nextID     int64
	lastVolume time.Time
}

func New(opt Options, out Sender, rec Recorder) *Actor {
	opt.normalize()
	return &Actor{
		opt:      opt,
		out:      out,
		rec:      rec,
		mailbox:  make(chan any, opt.Mailbox),
		done:     make(chan struct{}),
		ctx:      playback.NewContext(),
		pending:  attributions{ttl: opt.AttributionTTL},
		sessions: newSessionTable(opt.SessionGap),
		nextID:   opt.IDBase,
	}
}

// Mailbox is the mailbox capacity after defaults are applied.
func (a *Actor) Mailbox() int { return a.opt.Mailbox }

// Run processes the mailbox until ctx is cancelled. When sub is non-nil its
// events are pumped into the mailbox in order. Run must be called once.
func (a *Actor) Run(ctx context.Context, sub *bus.Subscription) error {
	defer close(a.done)

	if sub != nil {
		go a.pump(ctx, sub)
	}

	ticker := time.NewTicker(a.opt.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-a.mailbox:
			a.handle(m)
		case <-ticker.C:
			a.sweep(a.opt.Now())
		}
	}
}

func (a *Actor) pump(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := a.Deliver(ctx, ev); err != nil {
				return
			}
		}
	}
}

// HandleCommand notes that a browser sent raw. userID is nil for
// unauthenticated sockets; their commands are correlated but not audited
// or attributed. Call it before the command is queued upstream.
func (a *Actor) HandleCommand(ctx context.Context, userID *int64, raw []byte) error {
	var uid *int64
	if userID != nil {
		v := *userID
		uid = &v
	}
	return a.enqueue(ctx, commandMsg{userID: uid, raw: raw, at: a.opt.Now()})
}

// Deliver hands one bus event to the actor.
func (a *Actor) Deliver(ctx context.Context, ev bus.Event) error {
	return a.enqueue(ctx, inboundMsg{ev: ev, at: a.opt.Now()})
}

// Snapshot returns a copy of the current playback context.
func (a *Actor) Snapshot(ctx context.Context) (playback.Snapshot, error) {
	var s playback.Snapshot
	err := a.call(ctx, func() { s = a.ctx.Snapshot() })
	return s, err
}

func (a *Actor) enqueue(ctx context.Context, m any) error {
	select {
	case a.mailbox <- m:
		return nil
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the actor goroutine and waits for it.
func (a *Actor) call(ctx context.Context, fn func()) error {
	m := callMsg{fn: fn, done: make(chan struct{})}
	if err := a.enqueue(ctx, m); err != nil {
		return err
	}
	select {
	case <-m.done:
		return nil
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) handle(m any) {
	switch m := m.(type) {
	case commandMsg:
		a.onCommand(m)
	case inboundMsg:
		a.onInbound(m.ev, m.at)
	case callMsg:
		m.fn()
		close(m.done)
	}
}

// ── commands ─────────────────────────────────────────────────────────────────

func (a *Actor) onCommand(m commandMsg) {
	cmd, err := proto.DecodeCommand(m.raw)
	if err != nil {
		log.Debugf("untracked browser frame: %v", err)
		return
	}

	if cmd.HasID() {
		if *cmd.ID >= a.opt.IDBase {
			log.Debugf("browser id %d is in the reserved range, not correlated", *cmd.ID)
		} else {
			a.ctx.Track(*cmd.ID, cmd.Method, m.at)
		}
	}

	if m.userID == nil {
		return
	}
	row, ok := intercept.Intercept(a.ctx, cmd, *m.userID, m.at)
	if !ok {
		return
	}
	a.rec.RecordCommand(row)
	a.pending.add(*m.userID, proto.ShortName(cmd.Method), m.at)
}

// ── inbound ──────────────────────────────────────────────────────────────────

func (a *Actor) onInbound(ev bus.Event, at time.Time) {
	switch ev.Type {
	case bus.EventConnected:
		for _, method := range initialQueries {
			a.query(method, at)
		}
	case bus.EventFrame:
		if ev.Frame == bus.FrameText {
			a.onFrame(ev.Data, at)
		}
	}
}

func (a *Actor) onFrame(raw []byte, at time.Time) {
	in := a.ctx.ApplyRaw(raw)
	tr := playback.Classify(in)
	if tr == playback.None {
		a.pending.prune(at)
		return
	}

	if tr == playback.Volume && !a.lastVolume.IsZero() && at.Sub(a.lastVolume) <= a.opt.VolumeDebounce {
		log.Debugf("volume change debounced")
		return
	}

	if tr == playback.TracklistChanged {
		// the refreshed queue shows up in the next row, not this one
		a.query(proto.MethodGetTlTracks, at)
	}

	user := a.pending.attribute(tr, at)
	a.rec.RecordPlayback(a.logEntry(tr, user, at))
	if tr == playback.Volume {
		a.lastVolume = at
	}
	if user == nil {
		return
	}

	s := a.touchSession(*user, at)
	if tr == playback.TrackEnded {
		s.TrackCount++
		a.recordListen(*user, at)
	}
}

func (a *Actor) logEntry(tr playback.Transition, user *int64, at time.Time) storage.PlaybackLogEntry {
	snap := a.ctx.Snapshot()
	return storage.PlaybackLogEntry{
		TimestampMs:     at.UnixMilli(),
		EventType:       string(tr),
		UserID:          user,
		TrackURI:        snap.TrackURI,
		TrackName:       snap.TrackName,
		ArtistName:      snap.ArtistName,
		AlbumName:       snap.AlbumName,
		TrackDurationMs: snap.TrackDurationMs,
		PositionMs:      snap.PositionMs,
		Volume:          snap.Volume,
		PlaybackState:   string(snap.PlaybackState),
		QueueLength:     snap.QueueLength,
	}
}

func (a *Actor) touchSession(userID int64, at time.Time) *session {
	s, closed, opened := a.sessions.touch(userID, at)
	if closed != nil {
		log.Debugf("session %s for user %d closed after %d tracks", closed.ID, userID, closed.TrackCount)
		a.rec.SessionClosed(closed.closedRow())
	}
	if opened {
		a.rec.SessionOpened(s.row())
	}
	return s
}

func (a *Actor) recordListen(userID int64, at time.Time) {
	a.rec.RecordListen(storage.Listen{
		UserID:      userID,
		TrackURI:    a.ctx.TrackURI,
		TrackName:   a.ctx.TrackName,
		ArtistName:  a.ctx.ArtistName,
		TimestampMs: at.UnixMilli(),
		Outcome:     affinity.Classify(a.ctx.PositionMs, a.ctx.TrackDurationMs),
	})
}

// query sends one of the actor's own requests upstream.
func (a *Actor) query(method string, at time.Time) {
	id := a.nextID
	a.nextID++
	raw, err := proto.NewRequest(id, method, nil)
	if err != nil {
		log.Errorf("encode %s: %v", method, err)
		return
	}
	a.ctx.Track(id, method, at)
	if !a.out.Send(raw) {
		delete(a.ctx.PendingRequests, id)
	}
}

// ── housekeeping ─────────────────────────────────────────────────────────────

func (a *Actor) sweep(now time.Time) {
	attrs := a.pending.prune(now)
	reqs := a.ctx.PrunePending(now, a.opt.PendingTTL)
	idle := a.sessions.pruneIdle(now)
	for _, s := range idle {
		a.rec.SessionClosed(s.closedRow())
	}
	if attrs+reqs+len(idle) > 0 {
		log.Debugf("sweep: %d attributions, %d requests, %d sessions expired", attrs, reqs, len(idle))
	}
}
