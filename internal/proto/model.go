package proto

import (
	"encoding/json"
	"strings"
)

type Artist struct {
	URI  string `json:"uri,omitempty"`
	Name string `json:"name"`
}

type Album struct {
	URI     string   `json:"uri,omitempty"`
	Name    string   `json:"name"`
	Artists []Artist `json:"artists,omitempty"`
}

type Track struct {
	URI     string   `json:"uri"`
	Name    string   `json:"name"`
	Artists []Artist `json:"artists,omitempty"`
	Album   *Album   `json:"album,omitempty"`
	Length  *int     `json:"length,omitempty"` // ms
}

// ArtistNames joins the artist names with ", ".
func (t Track) ArtistNames() string {
	return JoinArtists(t.Artists)
}

// AlbumName is "" when the track has no album.
func (t Track) AlbumName() string {
	if t.Album == nil {
		return ""
	}
	return t.Album.Name
}

type TlTrack struct {
	Tlid  int   `json:"tlid"`
	Track Track `json:"track"`
}

// Ref is a library browse entry.
type Ref struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type SearchResult struct {
	URI     string   `json:"uri,omitempty"`
	Tracks  []Track  `json:"tracks,omitempty"`
	Artists []Artist `json:"artists,omitempty"`
	Albums  []Album  `json:"albums,omitempty"`
}

// TrackEvent is the payload shared by the track_playback_* events.
type TrackEvent struct {
	TlTrack      *TlTrack `json:"tl_track"`
	TimePosition *int     `json:"time_position"`
}

type VolumeEvent struct {
	Volume *int `json:"volume"`
}

type SeekEvent struct {
	TimePosition *int `json:"time_position"`
}

type StateChangedEvent struct {
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

func JoinArtists(artists []Artist) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return strings.Join(names, ", ")
}

// DisplayName prefers "name — artists" when artists are known.
func DisplayName(name string, artists []Artist) string {
	joined := JoinArtists(artists)
	switch {
	case name == "":
		return joined
	case joined == "":
		return name
	default:
		return name + " — " + joined
	}
}

// DecodeLookup accepts both lookup result shapes: {uri: [Track]} (Mopidy 3)
// and a flat [Track] list (older servers).
func DecodeLookup(raw json.RawMessage) []Track {
	var byURI map[string][]Track
	if err := json.Unmarshal(raw, &byURI); err == nil {
		var out []Track
		for _, ts := range byURI {
			out = append(out, ts...)
		}
		return out
	}
	var flat []Track
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat
	}
	return nil
}
