// Package config loads edge process configuration from an optional YAML file,
// a .env file and KADAI_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all edge settings.
type Config struct {
	HTTPAddr   string `yaml:"http_addr"`
	APIBaseURL string `yaml:"api_base_url"`
	AppBaseURL string `yaml:"app_base_url"`
	APIToken   string `yaml:"api_token"`
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`

	Cache   CacheConfig   `yaml:"cache"`
	Sync    SyncConfig    `yaml:"sync"`
	Probe   ProbeConfig   `yaml:"probe"`
	Request RequestConfig `yaml:"request"`
}

// CacheConfig configures the fetch interception caches.
type CacheConfig struct {
	Version   string   `yaml:"version"`
	Backend   string   `yaml:"backend"` // sqlite or redis
	RedisURL  string   `yaml:"redis_url"`
	ShellURLs []string `yaml:"shell_urls"`
}

// SyncConfig configures the reconciler.
type SyncConfig struct {
	SettleDelay   time.Duration `yaml:"settle_delay"`
	MaxRetries    int           `yaml:"max_retries"`
	QueueInterval time.Duration `yaml:"queue_interval"`
	Strategy      string        `yaml:"strategy"` // rebase or server_wins
}

// ProbeConfig configures reachability probing.
type ProbeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// RequestConfig configures outgoing API calls.
type RequestConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:   ":8787",
		APIBaseURL: "http://localhost:8000",
		AppBaseURL: "http://localhost:5173",
		DataDir:    "./data",
		LogLevel:   "info",
		Cache: CacheConfig{
			Version:   "v1",
			Backend:   "sqlite",
			ShellURLs: []string{"/", "/index.html", "/manifest.json"},
		},
		Sync: SyncConfig{
			SettleDelay:   2 * time.Second,
			MaxRetries:    5,
			QueueInterval: time.Minute,
			Strategy:      "rebase",
		},
		Probe: ProbeConfig{
			Enabled:  false,
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
			Attempts: 3,
			Backoff:  2 * time.Second,
		},
		Request: RequestConfig{Timeout: 15 * time.Second},
	}
}

// Load reads .env (if present), the YAML file named by KADAI_CONFIG (if set)
// and then applies environment overrides.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("KADAI_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, "KADAI_HTTP_ADDR")
	setString(&c.APIBaseURL, "KADAI_API_BASE_URL")
	setString(&c.AppBaseURL, "KADAI_APP_BASE_URL")
	setString(&c.APIToken, "KADAI_API_TOKEN")
	setString(&c.DataDir, "KADAI_DATA_DIR")
	setString(&c.LogLevel, "KADAI_LOG_LEVEL")
	setString(&c.Cache.Version, "KADAI_CACHE_VERSION")
	setString(&c.Cache.Backend, "KADAI_CACHE_BACKEND")
	setString(&c.Cache.RedisURL, "KADAI_REDIS_URL")
	setString(&c.Sync.Strategy, "KADAI_SYNC_STRATEGY")
	if v := os.Getenv("KADAI_CACHE_SHELL_URLS"); v != "" {
		c.Cache.ShellURLs = splitCSV(v)
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.Sync.SettleDelay, "KADAI_SYNC_SETTLE_DELAY"},
		{&c.Sync.QueueInterval, "KADAI_SYNC_QUEUE_INTERVAL"},
		{&c.Probe.Interval, "KADAI_PROBE_INTERVAL"},
		{&c.Probe.Timeout, "KADAI_PROBE_TIMEOUT"},
		{&c.Probe.Backoff, "KADAI_PROBE_BACKOFF"},
		{&c.Request.Timeout, "KADAI_REQUEST_TIMEOUT"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}
	if err := setInt(&c.Sync.MaxRetries, "KADAI_SYNC_MAX_RETRIES"); err != nil {
		return err
	}
	if err := setInt(&c.Probe.Attempts, "KADAI_PROBE_ATTEMPTS"); err != nil {
		return err
	}
	if v := os.Getenv("KADAI_PROBE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KADAI_PROBE_ENABLED: %w", err)
		}
		c.Probe.Enabled = b
	}
	return nil
}

// Validate checks required settings.
func (c Config) Validate() error {
	for name, raw := range map[string]string{"api_base_url": c.APIBaseURL, "app_base_url": c.AppBaseURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	switch c.Cache.Backend {
	case "sqlite":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Sync.Strategy {
	case "rebase", "server_wins":
	default:
		return fmt.Errorf("unknown sync strategy %q", c.Sync.Strategy)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1")
	}
	if c.Probe.Attempts < 1 {
		return fmt.Errorf("probe.attempts must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
