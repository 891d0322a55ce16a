// Package logtail keeps the relay's recent log entries in memory so operators
// can read or follow them per subsystem without shell access.
package logtail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

// go-log's JSON encoder writes ISO8601 with milliseconds.
const tsLayout = "2006-01-02T15:04:05.000Z0700"

type Entry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

// Query selects entries. Zero value matches everything; Level is the
// minimum severity.
type Query struct {
	Subsystem string
	Level     string
	Limit     int
}

func (q Query) Validate() error {
	if q.Level == "" {
		return nil
	}
	if _, err := logging.LevelFromString(q.Level); err != nil {
		return fmt.Errorf("level %q: %w", q.Level, err)
	}
	return nil
}

func (q Query) match(e Entry) bool {
	if q.Subsystem != "" && q.Subsystem != e.Subsystem {
		return false
	}
	if q.Level == "" {
		return true
	}
	floor, err := logging.LevelFromString(q.Level)
	if err != nil {
		return true
	}
	lvl, err := logging.LevelFromString(e.Level)
	if err != nil {
		lvl = logging.LevelInfo
	}
	return lvl >= floor
}

type sub struct {
	q  Query
	ch chan Entry
}

// Buffer holds the newest entries in a fixed ring and pushes new ones to
// followers. Followers that fall behind miss entries.
type Buffer struct {
	mu    sync.Mutex
	ring  []Entry
	head  int
	count int

	subs    map[*sub]struct{}
	partial bytes.Buffer
	now     func() time.Time
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &Buffer{
		ring: make([]Entry, capacity),
		subs: make(map[*sub]struct{}),
		now:  time.Now,
	}
}

// Capture tees every go-log subsystem into b as JSON until the returned
// closer is closed.
func (b *Buffer) Capture() io.Closer {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput))
	go func() {
		_, _ = io.Copy(b, pr)
	}()
	return pr
}

// Write accepts newline separated go-log JSON records. Lines that are not
// JSON are kept verbatim at info level. Partial lines wait for the next call.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimSpace(string(data[:i]))
		b.partial.Next(i + 1)
		if line == "" {
			continue
		}
		b.add(b.parse(line))
	}
	return len(p), nil
}

type record struct {
	Level  string `json:"level"`
	TS     string `json:"ts"`
	Logger string `json:"logger"`
	Msg    string `json:"msg"`
}

func (b *Buffer) parse(line string) Entry {
	var rec record
	if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Msg == "" {
		return Entry{Time: b.now(), Level: "info", Msg: line}
	}
	ts, err := time.Parse(tsLayout, rec.TS)
	if err != nil {
		ts = b.now()
	}
	if rec.Level == "" {
		rec.Level = "info"
	}
	return Entry{Time: ts, Level: rec.Level, Subsystem: rec.Logger, Msg: rec.Msg}
}

// add requires b.mu.
func (b *Buffer) add(e Entry) {
	b.ring[(b.head+b.count)%len(b.ring)] = e
	if b.count == len(b.ring) {
		b.head = (b.head + 1) % len(b.ring)
	} else {
		b.count++
	}
	for s := range b.subs {
		if !s.q.match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Tail returns the matching entries oldest first, at most q.Limit of the
// newest when a limit is set.
func (b *Buffer) Tail(q Query) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, 0, b.count)
	for i := 0; i < b.count; i++ {
		if e := b.ring[(b.head+i)%len(b.ring)]; q.match(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Len is the number of retained entries regardless of any query.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Follow delivers new entries matching q until cancel is called. cancel is
// idempotent and closes the channel.
func (b *Buffer) Follow(q Query) (<-chan Entry, func()) {
	s := &sub{q: q, ch: make(chan Entry, 64)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return s.ch, cancel
}
