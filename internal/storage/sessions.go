package storage

import "fmt"

// Session is one user's listening session. EndedMs is nil while open.
type Session struct {
	ID             string `db:"session_id" json:"session_id"`
	UserID         int64  `db:"user_id" json:"user_id"`
	StartedMs      int64  `db:"started_ms" json:"started_ms"`
	LastActivityMs int64  `db:"last_activity_ms" json:"last_activity_ms"`
	EndedMs        *int64 `db:"ended_ms" json:"ended_ms"`
	TrackCount     int    `db:"track_count" json:"track_count"`
}

func (d *DB) OpenSession(s Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.NamedExec(`
		INSERT INTO listening_sessions (session_id, user_id, started_ms, last_activity_ms, track_count)
		VALUES (:session_id, :user_id, :started_ms, :last_activity_ms, :track_count)
		ON CONFLICT(session_id) DO NOTHING`, s)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	return nil
}

// CloseSession stores the final activity time, end time and track count.
func (d *DB) CloseSession(s Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.NamedExec(`
		UPDATE listening_sessions
		SET last_activity_ms = :last_activity_ms, ended_ms = :ended_ms, track_count = :track_count
		WHERE session_id = :session_id`, s)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("close session %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// UserSessions returns a user's sessions, newest first.
func (d *DB) UserSessions(userID int64, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Session
	if err := d.db.Select(&out, `SELECT * FROM listening_sessions WHERE user_id = ? ORDER BY started_ms DESC LIMIT ?`, userID, limit); err != nil {
		return nil, fmt.Errorf("user sessions: %w", err)
	}
	return out, nil
}
