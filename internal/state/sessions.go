package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/mopirelay/internal/storage"
)

type session struct {
	ID           string
	UserID       int64
	Started      time.Time
	LastActivity time.Time
	TrackCount   int
}

func (s *session) row() storage.Session {
	return storage.Session{
		ID:             s.ID,
		UserID:         s.UserID,
		StartedMs:      s.Started.UnixMilli(),
		LastActivityMs: s.LastActivity.UnixMilli(),
		TrackCount:     s.TrackCount,
	}
}

// closedRow ends the session at its last activity.
func (s *session) closedRow() storage.Session {
	r := s.row()
	end := r.LastActivityMs
	r.EndedMs = &end
	return r
}

// sessionTable holds at most one open session per user.
type sessionTable struct {
	gap    time.Duration
	active map[int64]*session
	newID  func() string
}

func newSessionTable(gap time.Duration) *sessionTable {
	return &sessionTable{
		gap:    gap,
		active: make(map[int64]*session),
		newID:  uuid.NewString,
	}
}

// touch records activity for userID. closed is the session that ended
// because the gap was exceeded; opened is set when cur is new.
func (t *sessionTable) touch(userID int64, now time.Time) (cur, closed *session, opened bool) {
	if s, ok := t.active[userID]; ok {
		if now.Sub(s.LastActivity) <= t.gap {
			s.LastActivity = now
			return s, nil, false
		}
		closed = s
	}
	cur = &session{ID: t.newID(), UserID: userID, Started: now, LastActivity: now}
	t.active[userID] = cur
	return cur, closed, true
}

func (t *sessionTable) get(userID int64) (*session, bool) {
	s, ok := t.active[userID]
	return s, ok
}

// pruneIdle removes and returns sessions idle for longer than the gap.
func (t *sessionTable) pruneIdle(now time.Time) []*session {
	var out []*session
	for id, s := range t.active {
		if now.Sub(s.LastActivity) > t.gap {
			out = append(out, s)
			delete(t.active, id)
		}
	}
	return out
}
