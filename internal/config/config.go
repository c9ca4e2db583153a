package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "relaypush.yaml"

const envPrefix = "RELAYPUSH"

// Config is the daemon configuration. Values come from defaults, then the
// optional YAML file, then RELAYPUSH_* environment variables.
type Config struct {
	Origin     string
	ListenAddr string
	DataDir    string
	LockPath   string

	CacheDSN      string
	QueueDSN      string
	QueueCapacity int

	RemoteBaseURL string
	RemoteAPIKey  string
	RemoteTimeout time.Duration
	RemoteRetries int

	ManifestPath        string
	ManifestBaseVersion string
	TimeZone            string

	SyncInterval     time.Duration
	SyncJitter       float64
	ReminderInterval time.Duration

	JWTSecret       string
	PushHMACSecret  string
	PushMaxSkew     time.Duration
	PushStreamURL   string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64

	LogLevel        string
	ShutdownTimeout time.Duration
	OTelEndpoint    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("origin", "http://127.0.0.1:8787")
	v.SetDefault("listen.addr", ":8787")
	v.SetDefault("data_dir", ".relaypush")
	v.SetDefault("lock_path", "")
	v.SetDefault("cache.dsn", "")
	v.SetDefault("queue.dsn", "")
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("remote.base_url", "http://127.0.0.1:54321")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.retries", 0)
	v.SetDefault("manifest.path", "precache.yaml")
	v.SetDefault("manifest.base_version", "moodlog-v1")
	v.SetDefault("timezone", "Local")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.jitter", 0.2)
	v.SetDefault("reminder.interval", 24*time.Hour)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("push.hmac_secret", "")
	v.SetDefault("push.max_skew", 5*time.Minute)
	v.SetDefault("push.stream_url", "")
	v.SetDefault("http.rate_limit_max", 0)
	v.SetDefault("http.rate_limit_window", time.Minute)
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("log.level", "info")
	v.SetDefault("shutdown.timeout", 10*time.Second)
	v.SetDefault("otel.endpoint", "")
}

// Load reads the configuration. An empty path falls back to DefaultFile,
// which may be absent; an explicit path must exist.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultFile
	}
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || explicit {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	} else {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg := Config{
		Origin:              strings.TrimSpace(v.GetString("origin")),
		ListenAddr:          strings.TrimSpace(v.GetString("listen.addr")),
		DataDir:             strings.TrimSpace(v.GetString("data_dir")),
		LockPath:            strings.TrimSpace(v.GetString("lock_path")),
		CacheDSN:            strings.TrimSpace(v.GetString("cache.dsn")),
		QueueDSN:            strings.TrimSpace(v.GetString("queue.dsn")),
		QueueCapacity:       v.GetInt("queue.capacity"),
		RemoteBaseURL:       strings.TrimSpace(v.GetString("remote.base_url")),
		RemoteAPIKey:        strings.TrimSpace(v.GetString("remote.api_key")),
		RemoteTimeout:       v.GetDuration("remote.timeout"),
		RemoteRetries:       v.GetInt("remote.retries"),
		ManifestPath:        strings.TrimSpace(v.GetString("manifest.path")),
		ManifestBaseVersion: strings.TrimSpace(v.GetString("manifest.base_version")),
		TimeZone:            strings.TrimSpace(v.GetString("timezone")),
		SyncInterval:        v.GetDuration("sync.interval"),
		SyncJitter:          v.GetFloat64("sync.jitter"),
		ReminderInterval:    v.GetDuration("reminder.interval"),
		JWTSecret:           v.GetString("auth.jwt_secret"),
		PushHMACSecret:      v.GetString("push.hmac_secret"),
		PushMaxSkew:         v.GetDuration("push.max_skew"),
		PushStreamURL:       strings.TrimSpace(v.GetString("push.stream_url")),
		RateLimitMax:        v.GetInt("http.rate_limit_max"),
		RateLimitWindow:     v.GetDuration("http.rate_limit_window"),
		MaxBodyBytes:        v.GetInt64("http.max_body_bytes"),
		LogLevel:            strings.TrimSpace(v.GetString("log.level")),
		ShutdownTimeout:     v.GetDuration("shutdown.timeout"),
		OTelEndpoint:        strings.TrimSpace(v.GetString("otel.endpoint")),
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDerived() {
	if c.DataDir == "" {
		c.DataDir = ".relaypush"
	}
	if c.CacheDSN == "" {
		c.CacheDSN = "sqlite://" + filepath.Join(c.DataDir, "cache.db")
	}
	if c.QueueDSN == "" {
		c.QueueDSN = "sqlite://" + filepath.Join(c.DataDir, "outbox.db")
	}
	if c.LockPath == "" {
		c.LockPath = filepath.Join(c.DataDir, "relaypush.lock")
	}
	if c.SyncJitter < 0 {
		c.SyncJitter = 0
	} else if c.SyncJitter > 1 {
		c.SyncJitter = 1
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	origin, err := url.Parse(c.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("origin must be an absolute URL, got %q", c.Origin)
	}
	if c.ListenAddr == "" {
		return errors.New("listen.addr is required")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.SyncInterval)
	}
	if c.ReminderInterval <= 0 {
		return fmt.Errorf("reminder.interval must be positive, got %s", c.ReminderInterval)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone; "" and "Local" mean the host zone.
func (c Config) Location() (*time.Location, error) {
	switch c.TimeZone {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// SlogLevel maps LogLevel onto slog.
func (c Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", raw, err)
	}
	return level, nil
}
