// Package config loads gateway configuration from a YAML file, layers
// environment variable overrides on top, and fills in defaults for
// calibration values spec'd as constants. A single process-wide instance
// is constructed via Get(); there is no import-time initialization.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the root configuration tree for the gateway process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Control   ControlConfig   `yaml:"control"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Risk      RiskConfig      `yaml:"risk"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Audit     AuditConfig     `yaml:"audit"`
	Env       string          `yaml:"env"`
}

type ServerConfig struct {
	Port               string `yaml:"port"`
	ReadTimeoutSec     int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec    int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec     int    `yaml:"idle_timeout_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type RedisConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// ControlConfig points at the control-plane HTTP API that serves project
// configuration and ingests audit events (out of scope per spec.md §1 —
// this is only the client-side address book for it).
type ControlConfig struct {
	BaseURL                string `yaml:"base_url"`
	SharedSecret           string `yaml:"shared_secret"`
	ConfigRefreshSec       int    `yaml:"config_refresh_sec"`
	ConfigFetchTimeoutSec  int    `yaml:"config_fetch_timeout_sec"`
	AuditSendTimeoutMillis int    `yaml:"audit_send_timeout_millis"`
}

// RateLimitConfig calibrates C4. Values are spec-fixed constants
// (RPM=60, BURST=20) but exposed as overridable config the same way the
// teacher exposes its calibration-only values.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// RiskConfig holds a rolling-window length for C5. It is loaded and
// defaulted but not passed to the risk scorer, which always uses its own
// fixed 60s window.
type RiskConfig struct {
	WindowSec int `yaml:"window_sec"`
}

// ProxyConfig calibrates C7's outbound transport.
type ProxyConfig struct {
	TimeoutSec          int `yaml:"timeout_sec"`
	MaxIdleConns        int `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host"`
}

// AuditConfig calibrates C8's bounded queue.
type AuditConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading it on first call. Per
// spec.md §6, a process missing any required configuration value exits
// non-zero rather than starting with a silently defaulted control-plane
// address or KV backend.
func Get() *Config {
	once.Do(func() {
		_ = godotenv.Load() // optional .env; ignored if absent

		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()

		if err := cfg.validateRequired(); err != nil {
			slog.Error("config: missing required configuration", "error", err)
			os.Exit(1)
		}

		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// validateRequired checks the configuration values spec.md §6 requires to
// be explicitly set (via config file or environment) before the process
// may serve traffic: the control-plane address book and the KV backend.
func (c *Config) validateRequired() error {
	var missing []string
	if c.Control.BaseURL == "" {
		missing = append(missing, "CONTROL_API_BASE_URL")
	}
	if c.Control.SharedSecret == "" {
		missing = append(missing, "CONTROL_WORKER_SHARED_SECRET")
	}
	if c.Redis.URL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}
	return nil
}

// LoadConfig loads config from a YAML file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Env = getEnv("ENV", c.Env)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	if v := getEnv("REDIS_ENABLED", ""); v != "" {
		c.Redis.Enabled = v == "true" || v == "1"
	}

	c.Control.BaseURL = getEnv("CONTROL_API_BASE_URL", c.Control.BaseURL)
	c.Control.SharedSecret = getEnv("CONTROL_WORKER_SHARED_SECRET", c.Control.SharedSecret)

	if v := getEnvInt("RATE_LIMIT_RPM", 0); v > 0 {
		c.RateLimit.RequestsPerMinute = v
	}
	if v := getEnvInt("RATE_LIMIT_BURST", 0); v > 0 {
		c.RateLimit.Burst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 35 // covers the 30s proxy budget plus margin
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 30
	}
	if c.Control.ConfigRefreshSec == 0 {
		c.Control.ConfigRefreshSec = 30
	}
	if c.Control.ConfigFetchTimeoutSec == 0 {
		c.Control.ConfigFetchTimeoutSec = 5
	}
	if c.Control.AuditSendTimeoutMillis == 0 {
		c.Control.AuditSendTimeoutMillis = 300
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Risk.WindowSec == 0 {
		c.Risk.WindowSec = 60
	}
	if c.Proxy.TimeoutSec == 0 {
		c.Proxy.TimeoutSec = 30
	}
	if c.Proxy.MaxIdleConns == 0 {
		c.Proxy.MaxIdleConns = 500
	}
	if c.Proxy.MaxIdleConnsPerHost == 0 {
		c.Proxy.MaxIdleConnsPerHost = 100
	}
	if c.Audit.QueueCapacity == 0 {
		c.Audit.QueueCapacity = 1000
	}
	if c.Env == "" {
		c.Env = "dev"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
