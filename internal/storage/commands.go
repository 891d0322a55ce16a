package storage

import (
	"encoding/json"
	"fmt"

	"github.com/petervdpas/mopirelay/internal/intercept"
)

type commandRow struct {
	TimestampMs int64  `db:"timestamp_ms"`
	UserID      int64  `db:"user_id"`
	Method      string `db:"method"`
	Category    string `db:"category"`
	TrackURI    string `db:"track_uri"`
	TrackName   string `db:"track_name"`
	ArtistName  string `db:"artist_name"`
	PositionMs  *int   `db:"position_ms"`
	Volume      *int   `db:"volume"`
	QueueLength int    `db:"queue_length"`
	TargetURIs  string `db:"target_uris"`
	TargetLabel string `db:"target_label"`
	InsertIndex *int   `db:"insert_index"`
	RelativePos *int   `db:"relative_pos"`
	Details     string `db:"details"`
}

// CommandAudit is a stored command row as read back for history views.
type CommandAudit struct {
	ID          int64  `db:"id" json:"id"`
	TimestampMs int64  `db:"timestamp_ms" json:"timestamp_ms"`
	UserID      int64  `db:"user_id" json:"user_id"`
	Method      string `db:"method" json:"method"`
	Category    string `db:"category" json:"category"`
	TrackURI    string `db:"track_uri" json:"track_uri"`
	TrackName   string `db:"track_name" json:"track_name"`
	ArtistName  string `db:"artist_name" json:"artist_name"`
	PositionMs  *int   `db:"position_ms" json:"position_ms"`
	Volume      *int   `db:"volume" json:"volume"`
	QueueLength int    `db:"queue_length" json:"queue_length"`
	TargetURIs  string `db:"target_uris" json:"target_uris"`
	TargetLabel string `db:"target_label" json:"target_label"`
	InsertIndex *int   `db:"insert_index" json:"insert_index"`
	RelativePos *int   `db:"relative_pos" json:"relative_pos"`
	Details     string `db:"details" json:"details"`
}

func (d *DB) AppendCommandAudit(r intercept.AuditRow) error {
	uris, _ := json.Marshal(r.TargetURIs)
	if r.TargetURIs == nil {
		uris = []byte("[]")
	}
	row := commandRow{
		TimestampMs: r.TimestampMs,
		UserID:      r.UserID,
		Method:      r.Method,
		Category:    string(r.Category),
		TrackURI:    r.TrackURI,
		TrackName:   r.TrackName,
		ArtistName:  r.ArtistName,
		PositionMs:  r.PositionMs,
		Volume:      r.Volume,
		QueueLength: r.QueueLength,
		TargetURIs:  string(uris),
		TargetLabel: r.TargetLabel,
		InsertIndex: r.InsertIndex,
		RelativePos: r.RelativePos,
		Details:     r.DetailsJSON(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.NamedExec(`
		INSERT INTO command_log
			(timestamp_ms, user_id, method, category, track_uri, track_name, artist_name,
			 position_ms, volume, queue_length, target_uris, target_label, insert_index,
			 relative_pos, details)
		VALUES
			(:timestamp_ms, :user_id, :method, :category, :track_uri, :track_name, :artist_name,
			 :position_ms, :volume, :queue_length, :target_uris, :target_label, :insert_index,
			 :relative_pos, :details)`, row)
	if err != nil {
		return fmt.Errorf("append command audit: %w", err)
	}
	return nil
}

// RecentCommands returns a user's newest command rows first.
func (d *DB) RecentCommands(userID int64, limit int) ([]CommandAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var rows []CommandAudit
	if err := d.db.Select(&rows, `SELECT * FROM command_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit); err != nil {
		return nil, fmt.Errorf("recent commands: %w", err)
	}
	return rows, nil
}
