// Package affinity scores how much a user likes a track or artist from how
// much of each play they actually listened to.
package affinity

const (
	SkipThreshold      = 0.8
	EarlySkipThreshold = 0.25

	// Alpha is the weight of the newest play in the running score.
	Alpha = 0.3

	SignalCompleted = 1.0
	SignalSkip      = -0.25
	SignalEarlySkip = -1.0
)

// Outcome classifies one finished play.
type Outcome struct {
	ListenPct   float64
	ListenedMs  int
	IsSkip      bool
	IsEarlySkip bool
}

// ListenPct is position/duration clamped to [0,1]; 0 when either is unknown.
func ListenPct(positionMs, durationMs *int) float64 {
	if positionMs == nil || durationMs == nil || *durationMs <= 0 || *positionMs <= 0 {
		return 0
	}
	pct := float64(*positionMs) / float64(*durationMs)
	if pct > 1 {
		return 1
	}
	return pct
}

func Classify(positionMs, durationMs *int) Outcome {
	pct := ListenPct(positionMs, durationMs)
	o := Outcome{
		ListenPct:   pct,
		IsSkip:      pct < SkipThreshold,
		IsEarlySkip: pct < EarlySkipThreshold,
	}
	if positionMs != nil && *positionMs > 0 {
		o.ListenedMs = *positionMs
		if durationMs != nil && *durationMs > 0 && o.ListenedMs > *durationMs {
			o.ListenedMs = *durationMs
		}
	}
	return o
}

// Signal is the target the score moves toward for this outcome.
func (o Outcome) Signal() float64 {
	switch {
	case o.IsEarlySkip:
		return SignalEarlySkip
	case o.IsSkip:
		return SignalSkip
	}
	return SignalCompleted
}

// Record is the running tally for one user and one track or artist.
type Record struct {
	PlayCount      int     `db:"play_count" json:"play_count"`
	SkipCount      int     `db:"skip_count" json:"skip_count"`
	EarlySkipCount int     `db:"early_skip_count" json:"early_skip_count"`
	ListenedMs     int64   `db:"listened_ms" json:"listened_ms"`
	Score          float64 `db:"score" json:"score"`
}

// Apply folds one play into r and returns the updated record.
func Apply(r Record, o Outcome) Record {
	r.PlayCount++
	if o.IsSkip {
		r.SkipCount++
	}
	if o.IsEarlySkip {
		r.EarlySkipCount++
	}
	r.ListenedMs += int64(o.ListenedMs)
	r.Score += Alpha * (o.Signal() - r.Score)
	return r
}
