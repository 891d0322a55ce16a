package playback

import "github.com/petervdpas/mopirelay/internal/proto"

// Transition is a loggable change detected in the inbound stream.
type Transition string

const (
	None             Transition = "none"
	TrackStarted     Transition = "track_started"
	TrackEnded       Transition = "track_ended"
	Paused           Transition = "paused"
	Resumed          Transition = "resumed"
	Seeked           Transition = "seeked"
	Volume           Transition = "volume"
	TracklistChanged Transition = "tracklist_changed"
)

// Classify maps an inbound message to the transition it represents.
func Classify(in proto.Inbound) Transition {
	if in.Kind != proto.KindEvent {
		return None
	}
	switch in.Event {
	case proto.EventTrackPlaybackStarted:
		return TrackStarted
	case proto.EventTrackPlaybackEnded:
		return TrackEnded
	case proto.EventTrackPlaybackPaused:
		return Paused
	case proto.EventTrackPlaybackResumed:
		return Resumed
	case proto.EventSeeked:
		return Seeked
	case proto.EventVolumeChanged:
		return Volume
	case proto.EventTracklistChanged:
		return TracklistChanged
	}
	return None
}
