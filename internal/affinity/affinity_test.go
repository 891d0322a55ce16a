package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ms(v int) *int { return &v }

func TestSkipClassification(t *testing.T) {
	t.Parallel()

	o := Classify(ms(8500), ms(10000))
	assert.InDelta(t, 0.85, o.ListenPct, 1e-9)
	assert.False(t, o.IsSkip)
	assert.False(t, o.IsEarlySkip)
	assert.Equal(t, SignalCompleted, o.Signal())

	o = Classify(ms(1000), ms(10000))
	assert.InDelta(t, 0.1, o.ListenPct, 1e-9)
	assert.True(t, o.IsSkip)
	assert.True(t, o.IsEarlySkip)
	assert.Equal(t, SignalEarlySkip, o.Signal())

	o = Classify(ms(5000), ms(10000))
	assert.True(t, o.IsSkip)
	assert.False(t, o.IsEarlySkip)
	assert.Equal(t, SignalSkip, o.Signal())
}

func TestListenPctUnknownDuration(t *testing.T) {
	t.Parallel()

	assert.Zero(t, ListenPct(ms(5000), nil))
	assert.Zero(t, ListenPct(nil, ms(5000)))
	assert.Zero(t, ListenPct(ms(5000), ms(0)))
	assert.Equal(t, 1.0, ListenPct(ms(12000), ms(10000)))

	o := Classify(ms(5000), nil)
	assert.True(t, o.IsEarlySkip)
	assert.Equal(t, 5000, o.ListenedMs)
}

func TestApplyMovesScoreTowardSignal(t *testing.T) {
	t.Parallel()

	var r Record
	r = Apply(r, Classify(ms(10000), ms(10000)))
	assert.Equal(t, 1, r.PlayCount)
	assert.Zero(t, r.SkipCount)
	assert.Equal(t, int64(10000), r.ListenedMs)
	assert.InDelta(t, 0.3, r.Score, 1e-9)

	r = Apply(r, Classify(ms(1000), ms(10000)))
	assert.Equal(t, 2, r.PlayCount)
	assert.Equal(t, 1, r.SkipCount)
	assert.Equal(t, 1, r.EarlySkipCount)
	assert.Equal(t, int64(11000), r.ListenedMs)
	// 0.3 + 0.3*(-1 - 0.3)
	assert.InDelta(t, -0.09, r.Score, 1e-9)
}

func TestListenedMsCappedAtDuration(t *testing.T) {
	t.Parallel()

	o := Classify(ms(15000), ms(10000))
	assert.Equal(t, 10000, o.ListenedMs)
}
