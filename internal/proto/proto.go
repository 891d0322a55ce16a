package proto

import "strings"

const JSONRPCVersion = "2.0"

// Mopidy core methods the relay understands. Browsers may send anything;
// only these participate in context tracking, interception and attribution.
const (
	MethodPlay     = "core.playback.play"
	MethodPause    = "core.playback.pause"
	MethodResume   = "core.playback.resume"
	MethodStop     = "core.playback.stop"
	MethodNext     = "core.playback.next"
	MethodPrevious = "core.playback.previous"
	MethodSeek     = "core.playback.seek"

	MethodSetVolume       = "core.mixer.set_volume"
	MethodLegacySetVolume = "core.playback.set_volume"

	MethodGetCurrentTlTrack = "core.playback.get_current_tl_track"
	MethodGetCurrentTrack   = "core.playback.get_current_track"
	MethodGetState          = "core.playback.get_state"
	MethodGetTimePosition   = "core.playback.get_time_position"
	MethodGetVolume         = "core.mixer.get_volume"
	MethodLegacyGetVolume   = "core.playback.get_volume"

	MethodTracklistAdd     = "core.tracklist.add"
	MethodTracklistRemove  = "core.tracklist.remove"
	MethodTracklistClear   = "core.tracklist.clear"
	MethodTracklistShuffle = "core.tracklist.shuffle"
	MethodTracklistMove    = "core.tracklist.move"
	MethodGetTlTracks      = "core.tracklist.get_tl_tracks"

	MethodSetRepeat  = "core.tracklist.set_repeat"
	MethodSetRandom  = "core.tracklist.set_random"
	MethodSetSingle  = "core.tracklist.set_single"
	MethodSetConsume = "core.tracklist.set_consume"

	MethodBrowse = "core.library.browse"
	MethodSearch = "core.library.search"
	MethodLookup = "core.library.lookup"
)

// Mopidy event names.
const (
	EventTrackPlaybackStarted = "track_playback_started"
	EventTrackPlaybackEnded   = "track_playback_ended"
	EventTrackPlaybackPaused  = "track_playback_paused"
	EventTrackPlaybackResumed = "track_playback_resumed"
	EventPlaybackStateChanged = "playback_state_changed"
	EventVolumeChanged        = "volume_changed"
	EventSeeked               = "seeked"
	EventTracklistChanged     = "tracklist_changed"
)

// Event name used for relay-originated status notifications to browsers.
const EventRelayStatus = "relay_status"

// ShortName returns the last dotted segment of a method name
// ("core.playback.next" -> "next").
func ShortName(method string) string {
	if i := strings.LastIndexByte(method, '.'); i >= 0 {
		return method[i+1:]
	}
	return method
}
