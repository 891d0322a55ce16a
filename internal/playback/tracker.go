package playback

import (
	"encoding/json"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mopirelay/internal/proto"
)

var log = logging.Logger("playback")

// Apply folds one inbound message into the context. Messages that do not
// fit any known shape leave the context untouched.
func (c *Context) Apply(in proto.Inbound) {
	switch in.Kind {
	case proto.KindEvent:
		c.applyEvent(in)
	case proto.KindResponse:
		c.applyResponse(in)
	case proto.KindError:
		// the request is answered; nothing to learn from it
		delete(c.PendingRequests, in.ID)
	}
}

// ApplyRaw decodes and applies a raw text frame.
func (c *Context) ApplyRaw(raw []byte) proto.Inbound {
	in := proto.DecodeInbound(raw)
	c.Apply(in)
	return in
}

func (c *Context) applyEvent(in proto.Inbound) {
	switch in.Event {
	case proto.EventTrackPlaybackStarted:
		var ev proto.TrackEvent
		if err := in.DecodeEvent(&ev); err != nil {
			log.Debugf("%s payload: %v", in.Event, err)
			return
		}
		if ev.TlTrack != nil {
			c.setTrack(ev.TlTrack.Track)
			c.CurrentTlid = intPtr(ev.TlTrack.Tlid)
		}
		c.PositionMs = intPtr(0)
		c.PlaybackState = StatePlaying

	case proto.EventTrackPlaybackEnded, proto.EventTrackPlaybackPaused, proto.EventTrackPlaybackResumed:
		var ev proto.TrackEvent
		if err := in.DecodeEvent(&ev); err != nil {
			log.Debugf("%s payload: %v", in.Event, err)
			return
		}
		if ev.TlTrack != nil && ev.TlTrack.Track.URI != "" && ev.TlTrack.Track.URI != c.TrackURI {
			c.setTrack(ev.TlTrack.Track)
			c.CurrentTlid = intPtr(ev.TlTrack.Tlid)
		}
		if ev.TimePosition != nil {
			c.PositionMs = intPtr(*ev.TimePosition)
		}
		switch in.Event {
		case proto.EventTrackPlaybackEnded:
			c.PlaybackState = StateStopped
		case proto.EventTrackPlaybackPaused:
			c.PlaybackState = StatePaused
		default:
			c.PlaybackState = StatePlaying
		}

	case proto.EventVolumeChanged:
		var ev proto.VolumeEvent
		if err := in.DecodeEvent(&ev); err != nil || ev.Volume == nil {
			return
		}
		c.Volume = intPtr(clampVolume(*ev.Volume))

	case proto.EventSeeked:
		var ev proto.SeekEvent
		if err := in.DecodeEvent(&ev); err != nil || ev.TimePosition == nil {
			return
		}
		c.PositionMs = intPtr(*ev.TimePosition)

	case proto.EventPlaybackStateChanged:
		var ev proto.StateChangedEvent
		if err := in.DecodeEvent(&ev); err != nil {
			return
		}
		if s, ok := parseState(ev.NewState); ok {
			c.PlaybackState = s
		}
	}
}

func (c *Context) applyResponse(in proto.Inbound) {
	pending, ok := c.PendingRequests[in.ID]
	if !ok {
		return
	}
	delete(c.PendingRequests, in.ID)

	switch pending.Method {
	case proto.MethodGetCurrentTlTrack:
		if in.IsNullResult() {
			c.clearTrack()
			return
		}
		var tl proto.TlTrack
		if !decodeResult(in, &tl) {
			return
		}
		c.setTrack(tl.Track)
		c.CurrentTlid = intPtr(tl.Tlid)

	case proto.MethodGetCurrentTrack:
		if in.IsNullResult() {
			c.clearTrack()
			return
		}
		var t proto.Track
		if decodeResult(in, &t) {
			c.setTrack(t)
		}

	case proto.MethodGetVolume, proto.MethodLegacyGetVolume:
		var v *int
		if decodeResult(in, &v) && v != nil {
			c.Volume = intPtr(clampVolume(*v))
		}

	case proto.MethodGetState:
		var s string
		if decodeResult(in, &s) {
			if st, ok := parseState(s); ok {
				c.PlaybackState = st
			}
		}

	case proto.MethodGetTimePosition:
		var p *int
		if decodeResult(in, &p) && p != nil {
			c.PositionMs = intPtr(*p)
		}

	case proto.MethodGetTlTracks:
		var tls []proto.TlTrack
		if !decodeResult(in, &tls) {
			return
		}
		list := make([]TlTrackEntry, 0, len(tls))
		for _, tl := range tls {
			list = append(list, TlTrackEntry{
				Tlid:   tl.Tlid,
				URI:    tl.Track.URI,
				Name:   tl.Track.Name,
				Artist: tl.Track.ArtistNames(),
			})
			if tl.Track.URI != "" {
				c.URINames[tl.Track.URI] = proto.DisplayName(tl.Track.Name, tl.Track.Artists)
			}
		}
		c.Tracklist = list

	case proto.MethodBrowse:
		var refs []proto.Ref
		if !decodeResult(in, &refs) {
			return
		}
		for _, r := range refs {
			c.rememberName(r.URI, r.Name, nil)
		}

	case proto.MethodSearch:
		var results []proto.SearchResult
		if !decodeResult(in, &results) {
			// single-backend servers answer with one object
			var one proto.SearchResult
			if !decodeResult(in, &one) {
				return
			}
			results = []proto.SearchResult{one}
		}
		for _, r := range results {
			for _, t := range r.Tracks {
				c.rememberName(t.URI, t.Name, t.Artists)
			}
			for _, a := range r.Artists {
				c.rememberName(a.URI, a.Name, nil)
			}
			for _, al := range r.Albums {
				c.rememberName(al.URI, al.Name, al.Artists)
			}
		}

	case proto.MethodLookup:
		for _, t := range proto.DecodeLookup(in.Result) {
			c.rememberName(t.URI, t.Name, t.Artists)
		}
	}
}

func (c *Context) rememberName(uri, name string, artists []proto.Artist) {
	if uri == "" {
		return
	}
	if label := proto.DisplayName(name, artists); label != "" {
		c.URINames[uri] = label
	}
}

func decodeResult(in proto.Inbound, v any) bool {
	if err := json.Unmarshal(in.Result, v); err != nil {
		log.Debugf("response %d: %v", in.ID, err)
		return false
	}
	return true
}

func clampVolume(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
