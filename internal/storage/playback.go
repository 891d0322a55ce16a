package storage

import "fmt"

// PlaybackLogEntry is one detected playback transition. Rows are never updated.
type PlaybackLogEntry struct {
	ID              int64  `db:"id" json:"id"`
	TimestampMs     int64  `db:"timestamp_ms" json:"timestamp_ms"`
	EventType       string `db:"event_type" json:"event_type"`
	UserID          *int64 `db:"user_id" json:"user_id"`
	TrackURI        string `db:"track_uri" json:"track_uri"`
	TrackName       string `db:"track_name" json:"track_name"`
	ArtistName      string `db:"artist_name" json:"artist_name"`
	AlbumName       string `db:"album_name" json:"album_name"`
	TrackDurationMs *int   `db:"track_duration_ms" json:"track_duration_ms"`
	PositionMs      *int   `db:"position_ms" json:"position_ms"`
	Volume          *int   `db:"volume" json:"volume"`
	PlaybackState   string `db:"playback_state" json:"playback_state"`
	QueueLength     int    `db:"queue_length" json:"queue_length"`
}

func (d *DB) AppendPlaybackLog(e PlaybackLogEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.NamedExec(`
		INSERT INTO playback_log
			(timestamp_ms, event_type, user_id, track_uri, track_name, artist_name, album_name,
			 track_duration_ms, position_ms, volume, playback_state, queue_length)
		VALUES
			(:timestamp_ms, :event_type, :user_id, :track_uri, :track_name, :artist_name, :album_name,
			 :track_duration_ms, :position_ms, :volume, :playback_state, :queue_length)`, e)
	if err != nil {
		return fmt.Errorf("append playback log: %w", err)
	}
	return nil
}

// RecentPlaybackLog returns the newest rows first. A nil userID means all users.
func (d *DB) RecentPlaybackLog(limit int, userID *int64) ([]PlaybackLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var rows []PlaybackLogEntry
	var err error
	if userID == nil {
		err = d.db.Select(&rows, `SELECT * FROM playback_log ORDER BY id DESC LIMIT ?`, limit)
	} else {
		err = d.db.Select(&rows, `SELECT * FROM playback_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`, *userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("recent playback log: %w", err)
	}
	return rows, nil
}
