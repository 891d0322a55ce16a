package state

import (
	"slices"
	"time"

	"github.com/petervdpas/mopirelay/internal/playback"
)

// PendingAttribution is a recent user command that may explain a transition
// seen shortly after it.
type PendingAttribution struct {
	UserID int64
	Method string // short method name
	At     time.Time
}

// causes lists the commands that can produce each transition. A match is
// consumed so one command explains at most one transition.
var causes = map[playback.Transition][]string{
	playback.TrackStarted:     {"play", "next", "previous"},
	playback.TrackEnded:       {"stop"},
	playback.Paused:           {"pause"},
	playback.Resumed:          {"resume", "play"},
	playback.Seeked:           {"seek"},
	playback.Volume:           {"set_volume"},
	playback.TracklistChanged: {"add", "remove", "clear", "shuffle", "move"},
}

// endedBy lists commands that end the current track and then start another.
// They attribute the track_ended without being consumed, so the following
// track_started can still claim them.
var endedBy = []string{"next", "previous", "play"}

type attributions struct {
	ttl  time.Duration
	list []PendingAttribution
}

func (a *attributions) add(userID int64, method string, at time.Time) {
	a.list = append(a.list, PendingAttribution{UserID: userID, Method: method, At: at})
}

// prune drops entries older than ttl and returns how many were removed.
func (a *attributions) prune(now time.Time) int {
	before := len(a.list)
	a.list = slices.DeleteFunc(a.list, func(p PendingAttribution) bool {
		return now.Sub(p.At) > a.ttl
	})
	return before - len(a.list)
}

// find returns the oldest live entry whose method is in methods.
func (a *attributions) find(methods []string, now time.Time, consume bool) (int64, bool) {
	a.prune(now)
	for i, p := range a.list {
		if !slices.Contains(methods, p.Method) {
			continue
		}
		if consume {
			a.list = slices.Delete(a.list, i, i+1)
		}
		return p.UserID, true
	}
	return 0, false
}

// attribute resolves the user behind tr, or nil.
func (a *attributions) attribute(tr playback.Transition, now time.Time) *int64 {
	if uid, ok := a.find(causes[tr], now, true); ok {
		return &uid
	}
	if tr == playback.TrackEnded {
		if uid, ok := a.find(endedBy, now, false); ok {
			return &uid
		}
	}
	return nil
}

func (a *attributions) len() int { return len(a.list) }
