package logtail

import (
	"testing"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteParsesGoLogRecords(t *testing.T) {
	t.Parallel()

	b := New(4)
	_, _ = b.Write([]byte(`{"level":"warn","ts":"2026-03-04T05:06:07.890+0000","logger":"upstream","caller":"upstream/conn.go:88","msg":"retrying in 2s"}` + "\n"))

	got := b.Tail(Query{})
	require.Len(t, got, 1)
	assert.Equal(t, "warn", got[0].Level)
	assert.Equal(t, "upstream", got[0].Subsystem)
	assert.Equal(t, "retrying in 2s", got[0].Msg)
	assert.True(t, got[0].Time.Equal(time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.UTC)))
}

func TestWriteKeepsPlainLinesAndJoinsPartials(t *testing.T) {
	t.Parallel()

	b := New(4)
	_, _ = b.Write([]byte("plain one\n{\"level\":\"error\",\"logger\":\"st"))
	_, _ = b.Write([]byte("ate\",\"msg\":\"boom\"}\n\n  \n"))

	got := b.Tail(Query{})
	require.Len(t, got, 2)
	assert.Equal(t, Entry{Time: got[0].Time, Level: "info", Msg: "plain one"}, got[0])
	assert.Equal(t, "state", got[1].Subsystem)
	assert.Equal(t, "error", got[1].Level)
}

func TestRingDropsOldest(t *testing.T) {
	t.Parallel()

	b := New(3)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		_, _ = b.Write([]byte(m + "\n"))
	}
	assert.Equal(t, 3, b.Len())

	msgs := func(es []Entry) []string {
		out := make([]string, len(es))
		for i, e := range es {
			out[i] = e.Msg
		}
		return out
	}
	assert.Equal(t, []string{"c", "d", "e"}, msgs(b.Tail(Query{})))
	assert.Equal(t, []string{"e"}, msgs(b.Tail(Query{Limit: 1})))
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()

	b := New(8)
	_, _ = b.Write([]byte(
		`{"level":"debug","logger":"fanout","msg":"d"}` + "\n" +
			`{"level":"info","logger":"state","msg":"i"}` + "\n" +
			`{"level":"error","logger":"state","msg":"e"}` + "\n"))

	assert.Len(t, b.Tail(Query{Subsystem: "state"}), 2)
	assert.Len(t, b.Tail(Query{Level: "info"}), 2)
	assert.Len(t, b.Tail(Query{Subsystem: "state", Level: "error"}), 1)
	assert.Empty(t, b.Tail(Query{Subsystem: "viewer"}))

	require.NoError(t, Query{Level: "WARN"}.Validate())
	require.Error(t, Query{Level: "noisy"}.Validate())
}

func TestFollowFiltersAndCancels(t *testing.T) {
	t.Parallel()

	b := New(4)
	ch, cancel := b.Follow(Query{Subsystem: "state", Level: "warn"})

	_, _ = b.Write([]byte(`{"level":"error","logger":"upstream","msg":"other"}` + "\n"))
	_, _ = b.Write([]byte(`{"level":"info","logger":"state","msg":"quiet"}` + "\n"))
	_, _ = b.Write([]byte(`{"level":"warn","logger":"state","msg":"loud"}` + "\n"))

	select {
	case e := <-ch:
		assert.Equal(t, "loud", e.Msg)
	case <-time.After(time.Second):
		t.Fatal("no entry")
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestCaptureReceivesSubsystemLogs(t *testing.T) {
	t.Parallel()

	b := New(16)
	c := b.Capture()
	defer c.Close()

	logger := logging.Logger("logtail-capture")
	require.NoError(t, logging.SetLogLevel("logtail-capture", "info"))
	logger.Warn("captured line")

	require.Eventually(t, func() bool {
		return len(b.Tail(Query{Subsystem: "logtail-capture", Level: "warn"})) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
