// Package playback folds the upstream message stream into a model of what is
// currently playing. It holds no goroutines and no locks; the state actor is
// the only owner of a Context.
package playback

import (
	"time"

	"github.com/petervdpas/mopirelay/internal/proto"
)

type State string

const (
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

func parseState(s string) (State, bool) {
	switch State(s) {
	case StatePlaying, StatePaused, StateStopped:
		return State(s), true
	}
	return "", false
}

// TlTrackEntry is one row of the play queue.
type TlTrackEntry struct {
	Tlid   int    `json:"tlid"`
	URI    string `json:"uri"`
	Name   string `json:"name"`
	Artist string `json:"artist"`
}

// PendingRequest is a request id waiting for its response.
type PendingRequest struct {
	Method   string
	IssuedAt time.Time
}

// Context is the reconstructed playback model. Empty strings and nil
// pointers mean "not known yet".
type Context struct {
	TrackURI        string
	TrackName       string
	ArtistName      string
	AlbumName       string
	TrackDurationMs *int
	PositionMs      *int
	Volume          *int
	PlaybackState   State

	PendingRequests map[int64]PendingRequest
	Tracklist       []TlTrackEntry
	CurrentTlid     *int

	// URINames only grows.
	URINames map[string]string
}

func NewContext() *Context {
	return &Context{
		PendingRequests: make(map[int64]PendingRequest),
		URINames:        make(map[string]string),
	}
}

// Track registers an outgoing request so its response can be correlated.
func (c *Context) Track(id int64, method string, at time.Time) {
	c.PendingRequests[id] = PendingRequest{Method: method, IssuedAt: at}
}

// PrunePending drops requests older than ttl and returns how many were removed.
func (c *Context) PrunePending(now time.Time, ttl time.Duration) int {
	n := 0
	for id, p := range c.PendingRequests {
		if now.Sub(p.IssuedAt) > ttl {
			delete(c.PendingRequests, id)
			n++
		}
	}
	return n
}

// QueueLength is the size of the last tracklist snapshot.
func (c *Context) QueueLength() int { return len(c.Tracklist) }

// CurrentIndex is the position of the current tlid in the tracklist.
func (c *Context) CurrentIndex() (int, bool) {
	if c.CurrentTlid == nil {
		return 0, false
	}
	for i, e := range c.Tracklist {
		if e.Tlid == *c.CurrentTlid {
			return i, true
		}
	}
	return 0, false
}

// EntryByTlid looks a tlid up in the tracklist snapshot.
func (c *Context) EntryByTlid(tlid int) (TlTrackEntry, int, bool) {
	for i, e := range c.Tracklist {
		if e.Tlid == tlid {
			return e, i, true
		}
	}
	return TlTrackEntry{}, -1, false
}

// EntryByURI returns the first tracklist entry with uri.
func (c *Context) EntryByURI(uri string) (TlTrackEntry, int, bool) {
	for i, e := range c.Tracklist {
		if e.URI == uri {
			return e, i, true
		}
	}
	return TlTrackEntry{}, -1, false
}

// NameFor resolves a uri to a label using the name cache, then the tracklist.
func (c *Context) NameFor(uri string) string {
	if n, ok := c.URINames[uri]; ok {
		return n
	}
	if e, _, ok := c.EntryByURI(uri); ok {
		return proto.DisplayName(e.Name, artistsOf(e.Artist))
	}
	return ""
}

// setTrack replaces the current track. Position is relative to the track,
// so a different uri invalidates it.
func (c *Context) setTrack(t proto.Track) {
	if t.URI != c.TrackURI {
		c.PositionMs = nil
	}
	c.TrackURI = t.URI
	c.TrackName = t.Name
	c.ArtistName = t.ArtistNames()
	c.AlbumName = t.AlbumName()
	c.TrackDurationMs = copyInt(t.Length)
	if t.URI != "" {
		c.URINames[t.URI] = proto.DisplayName(t.Name, t.Artists)
	}
}

func (c *Context) clearTrack() {
	c.TrackURI = ""
	c.TrackName = ""
	c.ArtistName = ""
	c.AlbumName = ""
	c.TrackDurationMs = nil
	c.PositionMs = nil
	c.CurrentTlid = nil
}

// Snapshot is the read-only view served to HTTP handlers.
type Snapshot struct {
	PlaybackState   State  `json:"playback_state,omitempty"`
	TrackURI        string `json:"track_uri,omitempty"`
	TrackName       string `json:"track_name,omitempty"`
	ArtistName      string `json:"artist_name,omitempty"`
	AlbumName       string `json:"album_name,omitempty"`
	TrackDurationMs *int   `json:"track_duration_ms"`
	PositionMs      *int   `json:"position_ms"`
	Volume          *int   `json:"volume"`
	QueueLength     int    `json:"queue_length"`
}

func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		PlaybackState:   c.PlaybackState,
		TrackURI:        c.TrackURI,
		TrackName:       c.TrackName,
		ArtistName:      c.ArtistName,
		AlbumName:       c.AlbumName,
		TrackDurationMs: copyInt(c.TrackDurationMs),
		PositionMs:      copyInt(c.PositionMs),
		Volume:          copyInt(c.Volume),
		QueueLength:     c.QueueLength(),
	}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func intPtr(v int) *int { return &v }

func artistsOf(joined string) []proto.Artist {
	if joined == "" {
		return nil
	}
	return []proto.Artist{{Name: joined}}
}
