package config

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Upstream.MaxRetries)
	assert.Equal(t, int64(900000), cfg.Tracking.ActorIDBase)
	assert.Equal(t, 300*time.Second, Ms(cfg.Tracking.SessionGapMs))
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Config){
		"scheme":    func(c *Config) { c.Upstream.URL = "http://host/ws" },
		"no host":   func(c *Config) { c.Upstream.URL = "ws://" },
		"retries":   func(c *Config) { c.Upstream.MaxRetries = 0 },
		"cap":       func(c *Config) { c.Upstream.BackoffCapMs = 10 },
		"ttl":       func(c *Config) { c.Tracking.AttributionTTLMs = 0 },
		"debounce":  func(c *Config) { c.Tracking.VolumeDebounceMs = 0 },
		"id base":   func(c *Config) { c.Tracking.ActorIDBase = 0 },
		"queue":     func(c *Config) { c.Clients.QueueSize = 0 },
		"db":        func(c *Config) { c.Storage.DBPath = " " },
		"addr":      func(c *Config) { c.Viewer.HTTPAddr = "" },
		"level":     func(c *Config) { c.Log.Level = "loud" },
		"subsystem": func(c *Config) { c.Log.Subsystems = map[string]string{"state": "loud"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "mopirelay.json")
	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	cfg, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, Default().Upstream, cfg.Upstream)
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "c.json")
	body := "\xEF\xBB\xBF" + `{"upstream":{"url":"wss://music.lan/mopidy/ws"},"log":{"level":"debug","subsystems":{"state":"warn"}}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://music.lan/mopidy/ws", cfg.Upstream.URL)
	assert.Equal(t, 30000, cfg.Upstream.BackoffCapMs)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "warn", cfg.Log.Subsystems["state"])
	assert.Equal(t, ":8080", cfg.Viewer.HTTPAddr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"upstream":{"max_retries":0}}`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

// Not parallel: environment is process wide.
func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, Save(path, Default()))

	t.Setenv("MOPIRELAY_UPSTREAM_URL", "ws://other:6680/mopidy/ws")
	t.Setenv("MOPIRELAY_TRACKING_SESSION_GAP_MS", "60000")
	t.Setenv("MOPIRELAY_AUTH_JWT_SECRET", "shh")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://other:6680/mopidy/ws", cfg.Upstream.URL)
	assert.Equal(t, 60000, cfg.Tracking.SessionGapMs)
	assert.Equal(t, "shh", cfg.Auth.JWTSecret)
}

func TestWatchReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, Save(path, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	go Watch(ctx, path, func(c Config) { got <- c })
	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		assert.Equal(t, "debug", c.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
}

func TestLogApply(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Log{Level: "warn", Subsystems: map[string]string{"state": "debug"}}.Apply())
	assert.Error(t, Log{Level: "nope"}.Apply())
}

// Not parallel: log levels are process-wide.
func TestViewerDebugRaisesBrowserSubsystems(t *testing.T) {
	viewerLog := logging.Logger("viewer")
	stateLog := logging.Logger("state")
	logging.Logger("fanout")

	pr := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput))
	defer pr.Close()
	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	cfg := Default()
	cfg.Log.Level = "info"
	cfg.Viewer.Debug = true
	require.NoError(t, cfg.ApplyLogging())
	t.Cleanup(func() { _ = Default().ApplyLogging() })

	stateLog.Debug("state stays quiet")
	viewerLog.Debug("viewer traced")

	timeout := time.After(2 * time.Second)
	for {
		select {
		case line := <-lines:
			assert.NotContains(t, line, "state stays quiet")
			if strings.Contains(line, "viewer traced") {
				assert.Contains(t, line, `"logger":"viewer"`)
				return
			}
		case <-timeout:
			t.Fatal("viewer debug line not emitted")
		}
	}
}
