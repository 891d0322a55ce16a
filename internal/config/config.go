package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/viper"

	"github.com/petervdpas/mopirelay/internal/util"
)

var log = logging.Logger("config")

// EnvPrefix prefixes environment overrides: upstream.url is read from
// MOPIRELAY_UPSTREAM_URL.
const EnvPrefix = "MOPIRELAY"

type Config struct {
	Upstream Upstream `json:"upstream" mapstructure:"upstream"`
	Tracking Tracking `json:"tracking" mapstructure:"tracking"`
	Clients  Clients  `json:"clients" mapstructure:"clients"`
	Storage  Storage  `json:"storage" mapstructure:"storage"`
	Auth     Auth     `json:"auth" mapstructure:"auth"`
	Viewer   Viewer   `json:"viewer" mapstructure:"viewer"`
	Log      Log      `json:"log" mapstructure:"log"`
}

type Upstream struct {
	// Mopidy websocket endpoint, e.g. ws://localhost:6680/mopidy/ws
	URL string `json:"url" mapstructure:"url"`

	MaxRetries    int `json:"max_retries" mapstructure:"max_retries"`
	BackoffBaseMs int `json:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BackoffCapMs  int `json:"backoff_cap_ms" mapstructure:"backoff_cap_ms"`
	ReadTimeoutMs int `json:"read_timeout_ms" mapstructure:"read_timeout_ms"`
	DialTimeoutMs int `json:"dial_timeout_ms" mapstructure:"dial_timeout_ms"`
}

type Tracking struct {
	AttributionTTLMs    int   `json:"attribution_ttl_ms" mapstructure:"attribution_ttl_ms"`
	VolumeDebounceMs    int   `json:"volume_debounce_ms" mapstructure:"volume_debounce_ms"`
	SessionGapMs        int   `json:"session_gap_ms" mapstructure:"session_gap_ms"`
	ActorIDBase         int64 `json:"actor_id_base" mapstructure:"actor_id_base"`
	PendingRequestTTLMs int   `json:"pending_request_ttl_ms" mapstructure:"pending_request_ttl_ms"`
	SweepIntervalMs     int   `json:"sweep_interval_ms" mapstructure:"sweep_interval_ms"`
}

type Clients struct {
	QueueSize int `json:"queue_size" mapstructure:"queue_size"`
}

type Storage struct {
	DBPath     string `json:"db_path" mapstructure:"db_path"`
	WriteQueue int    `json:"write_queue" mapstructure:"write_queue"`
}

type Auth struct {
	// Empty disables authentication; every browser is anonymous.
	JWTSecret string `json:"jwt_secret" mapstructure:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer" mapstructure:"jwt_issuer"`
}

type Viewer struct {
	HTTPAddr  string `json:"http_addr" mapstructure:"http_addr"`
	Debug     bool   `json:"debug" mapstructure:"debug"` // viewer and fanout log at debug
	LogBuffer int    `json:"log_buffer" mapstructure:"log_buffer"` // lines kept for /api/logs
}

type Log struct {
	Level      string            `json:"level" mapstructure:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty" mapstructure:"subsystems"`
}

func Default() Config {
	return Config{
		Upstream: Upstream{
			URL:           "ws://localhost:6680/mopidy/ws",
			MaxRetries:    10,
			BackoffBaseMs: 1000,
			BackoffCapMs:  30000,
			ReadTimeoutMs: 5000,
			DialTimeoutMs: 5000,
		},
		Tracking: Tracking{
			AttributionTTLMs:    2000,
			VolumeDebounceMs:    1000,
			SessionGapMs:        300000,
			ActorIDBase:         900000,
			PendingRequestTTLMs: 60000,
			SweepIntervalMs:     30000,
		},
		Clients: Clients{
			QueueSize: 256,
		},
		Storage: Storage{
			DBPath:     "data/mopirelay.db",
			WriteQueue: 1024,
		},
		Viewer: Viewer{
			HTTPAddr:  ":8080",
			LogBuffer: 1000,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Upstream
	u, err := url.Parse(strings.TrimSpace(c.Upstream.URL))
	if err != nil || u.Host == "" {
		return errors.New("upstream.url must be a ws:// or wss:// url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("upstream.url scheme must be ws or wss")
	}
	if c.Upstream.MaxRetries < 1 {
		return errors.New("upstream.max_retries must be >= 1")
	}
	if c.Upstream.BackoffBaseMs <= 0 {
		return errors.New("upstream.backoff_base_ms must be > 0")
	}
	if c.Upstream.BackoffCapMs < c.Upstream.BackoffBaseMs {
		return errors.New("upstream.backoff_cap_ms must be >= backoff_base_ms")
	}
	if c.Upstream.ReadTimeoutMs <= 0 || c.Upstream.DialTimeoutMs <= 0 {
		return errors.New("upstream timeouts must be > 0")
	}

	// Tracking
	if c.Tracking.AttributionTTLMs <= 0 {
		return errors.New("tracking.attribution_ttl_ms must be > 0")
	}
	if c.Tracking.VolumeDebounceMs <= 0 {
		return errors.New("tracking.volume_debounce_ms must be > 0")
	}
	if c.Tracking.SessionGapMs <= 0 {
		return errors.New("tracking.session_gap_ms must be > 0")
	}
	if c.Tracking.ActorIDBase <= 0 {
		return errors.New("tracking.actor_id_base must be > 0")
	}
	if c.Tracking.PendingRequestTTLMs <= 0 || c.Tracking.SweepIntervalMs <= 0 {
		return errors.New("tracking pending_request_ttl_ms and sweep_interval_ms must be > 0")
	}

	if c.Clients.QueueSize <= 0 {
		return errors.New("clients.queue_size must be > 0")
	}
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}
	if c.Storage.WriteQueue <= 0 {
		return errors.New("storage.write_queue must be > 0")
	}
	if strings.TrimSpace(c.Viewer.HTTPAddr) == "" {
		return errors.New("viewer.http_addr is required")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for name, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
	}
	return nil
}

// Ms converts a millisecond setting to a duration.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Apply sets the global and per-subsystem log levels.
func (l Log) Apply() error {
	lvl, err := logging.LevelFromString(l.Level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	for name, s := range l.Subsystems {
		if err := logging.SetLogLevel(name, s); err != nil {
			log.Warnf("log level for %s: %v", name, err)
		}
	}
	return nil
}

// debugSubsystems are the browser-facing loggers raised by viewer.debug.
var debugSubsystems = []string{"viewer", "fanout"}

// ApplyLogging applies Log, then raises debugSubsystems to debug when
// Viewer.Debug is set.
func (c Config) ApplyLogging() error {
	if err := c.Log.Apply(); err != nil {
		return err
	}
	if !c.Viewer.Debug {
		return nil
	}
	for _, name := range debugSubsystems {
		if err := logging.SetLogLevel(name, "debug"); err != nil {
			log.Warnf("debug level for %s: %v", name, err)
		}
	}
	return nil
}

// Load reads a JSON config file over the defaults, then applies
// MOPIRELAY_* environment overrides.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	if err := v.ReadConfig(bytes.NewReader(b)); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// newViper registers every default key so AutomaticEnv can see it.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	raw, err := json.Marshal(Default())
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	setDefaults(v, "", tree)
	return v, nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
