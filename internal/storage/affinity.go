package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/petervdpas/mopirelay/internal/affinity"
)

// Listen is one finished play attributed to a user.
type Listen struct {
	UserID      int64
	TrackURI    string
	TrackName   string
	ArtistName  string
	TimestampMs int64
	Outcome     affinity.Outcome
}

type TrackAffinity struct {
	UserID     int64  `db:"user_id" json:"user_id"`
	TrackURI   string `db:"track_uri" json:"track_uri"`
	TrackName  string `db:"track_name" json:"track_name"`
	ArtistName string `db:"artist_name" json:"artist_name"`
	UpdatedMs  int64  `db:"updated_ms" json:"updated_ms"`
	affinity.Record
}

type ArtistAffinity struct {
	UserID     int64  `db:"user_id" json:"user_id"`
	ArtistName string `db:"artist_name" json:"artist_name"`
	UpdatedMs  int64  `db:"updated_ms" json:"updated_ms"`
	affinity.Record
}

// ApplyListen folds one play into the user's track and artist records.
// The artist key is the joined artist string of the track.
func (d *DB) ApplyListen(l Listen) error {
	if l.TrackURI == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("apply listen: %w", err)
	}
	defer tx.Rollback()

	var track TrackAffinity
	err = tx.Get(&track, `SELECT * FROM track_affinity WHERE user_id = ? AND track_uri = ?`, l.UserID, l.TrackURI)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load track affinity: %w", err)
	}
	track.UserID = l.UserID
	track.TrackURI = l.TrackURI
	track.TrackName = l.TrackName
	track.ArtistName = l.ArtistName
	track.UpdatedMs = l.TimestampMs
	track.Record = affinity.Apply(track.Record, l.Outcome)
	if err := upsertTrack(tx, track); err != nil {
		return err
	}

	if l.ArtistName != "" {
		var artist ArtistAffinity
		err = tx.Get(&artist, `SELECT * FROM artist_affinity WHERE user_id = ? AND artist_name = ?`, l.UserID, l.ArtistName)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load artist affinity: %w", err)
		}
		artist.UserID = l.UserID
		artist.ArtistName = l.ArtistName
		artist.UpdatedMs = l.TimestampMs
		artist.Record = affinity.Apply(artist.Record, l.Outcome)
		if err := upsertArtist(tx, artist); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertTrack(tx *sqlx.Tx, t TrackAffinity) error {
	_, err := tx.NamedExec(`
		INSERT INTO track_affinity
			(user_id, track_uri, track_name, artist_name, play_count, skip_count,
			 early_skip_count, listened_ms, score, updated_ms)
		VALUES
			(:user_id, :track_uri, :track_name, :artist_name, :play_count, :skip_count,
			 :early_skip_count, :listened_ms, :score, :updated_ms)
		ON CONFLICT(user_id, track_uri) DO UPDATE SET
			track_name       = excluded.track_name,
			artist_name      = excluded.artist_name,
			play_count       = excluded.play_count,
			skip_count       = excluded.skip_count,
			early_skip_count = excluded.early_skip_count,
			listened_ms      = excluded.listened_ms,
			score            = excluded.score,
			updated_ms       = excluded.updated_ms`, t)
	if err != nil {
		return fmt.Errorf("upsert track affinity: %w", err)
	}
	return nil
}

func upsertArtist(tx *sqlx.Tx, a ArtistAffinity) error {
	_, err := tx.NamedExec(`
		INSERT INTO artist_affinity
			(user_id, artist_name, play_count, skip_count, early_skip_count,
			 listened_ms, score, updated_ms)
		VALUES
			(:user_id, :artist_name, :play_count, :skip_count, :early_skip_count,
			 :listened_ms, :score, :updated_ms)
		ON CONFLICT(user_id, artist_name) DO UPDATE SET
			play_count       = excluded.play_count,
			skip_count       = excluded.skip_count,
			early_skip_count = excluded.early_skip_count,
			listened_ms      = excluded.listened_ms,
			score            = excluded.score,
			updated_ms       = excluded.updated_ms`, a)
	if err != nil {
		return fmt.Errorf("upsert artist affinity: %w", err)
	}
	return nil
}

// TopTracks returns the user's highest scoring tracks.
func (d *DB) TopTracks(userID int64, limit int) ([]TrackAffinity, error) {
	if limit <= 0 {
		limit = 20
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []TrackAffinity
	if err := d.db.Select(&out, `SELECT * FROM track_affinity WHERE user_id = ? ORDER BY score DESC, play_count DESC LIMIT ?`, userID, limit); err != nil {
		return nil, fmt.Errorf("top tracks: %w", err)
	}
	return out, nil
}

func (d *DB) TopArtists(userID int64, limit int) ([]ArtistAffinity, error) {
	if limit <= 0 {
		limit = 20
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []ArtistAffinity
	if err := d.db.Select(&out, `SELECT * FROM artist_affinity WHERE user_id = ? ORDER BY score DESC, play_count DESC LIMIT ?`, userID, limit); err != nil {
		return nil, fmt.Errorf("top artists: %w", err)
	}
	return out, nil
}
