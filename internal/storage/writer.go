package storage

import (
	"context"
	"sync/atomic"

	"github.com/petervdpas/mopirelay/internal/intercept"
)

// DefaultWriteQueue bounds rows waiting to be written.
const DefaultWriteQueue = 1024

type job struct {
	name string
	fn   func(*DB) error
	done chan struct{} // flush barrier only
}

// Writer moves database writes off the caller's goroutine. Enqueueing never
// blocks: when the queue is full the row is dropped and counted. Write
// errors are logged and otherwise ignored.
type Writer struct {
	db      *DB
	jobs    chan job
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewWriter(db *DB, size int) *Writer {
	if size <= 0 {
		size = DefaultWriteQueue
	}
	return &Writer{db: db, jobs: make(chan job, size)}
}

// Run drains the queue until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-w.jobs:
			w.exec(j)
		}
	}
}

func (w *Writer) exec(j job) {
	if j.done != nil {
		close(j.done)
		return
	}
	if err := j.fn(w.db); err != nil {
		w.failed.Add(1)
		log.Errorf("%s: %v", j.name, err)
	}
}

// Flush waits until everything queued before the call has been written.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case w.jobs <- job{name: "flush", done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped counts rows lost to a full queue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Failed counts rows whose write returned an error.
func (w *Writer) Failed() int64 { return w.failed.Load() }

func (w *Writer) enqueue(name string, fn func(*DB) error) {
	select {
	case w.jobs <- job{name: name, fn: fn}:
	default:
		n := w.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			log.Warnf("write queue full, dropped %d rows (%s)", n, name)
		}
	}
}

// ── Recorder ─────────────────────────────────────────────────────────────────

func (w *Writer) RecordPlayback(e PlaybackLogEntry) {
	w.enqueue("playback log", func(d *DB) error { return d.AppendPlaybackLog(e) })
}

func (w *Writer) RecordCommand(r intercept.AuditRow) {
	w.enqueue("command audit", func(d *DB) error { return d.AppendCommandAudit(r) })
}

func (w *Writer) SessionOpened(s Session) {
	w.enqueue("open session", func(d *DB) error { return d.OpenSession(s) })
}

func (w *Writer) SessionClosed(s Session) {
	w.enqueue("close session", func(d *DB) error { return d.CloseSession(s) })
}

func (w *Writer) RecordListen(l Listen) {
	w.enqueue("affinity", func(d *DB) error { return d.ApplyListen(l) })
}
