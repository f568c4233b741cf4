package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LocalStore LocalStoreConfig `yaml:"local_store"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Polling    PollingConfig    `yaml:"polling"`
	Requests   RequestsConfig   `yaml:"requests"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	RequestIPHeader string        `yaml:"request_ip_header"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
	CacheTTL        time.Duration `yaml:"-"`
}

// Local store drivers.
const (
	StoreMemory = "memory"
	StoreGorm   = "gorm"
	StoreRedis  = "redis"
)

// LocalStoreConfig selects the local cache backend.
type LocalStoreConfig struct {
	Driver string `yaml:"driver"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig is used when local_store.driver is "redis".
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RemoteConfig describes the server of record.
type RemoteConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	TimeoutSeconds  int           `yaml:"timeout_seconds"`
	Timeout         time.Duration `yaml:"-"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	HTTPProxy       string        `yaml:"http_proxy"`
}

// PollingConfig holds the refresh intervals of the update feeds.
type PollingConfig struct {
	ChildIntervalSeconds   int           `yaml:"child_interval_seconds"`
	ServiceIntervalSeconds int           `yaml:"service_interval_seconds"`
	RosterIntervalSeconds  int           `yaml:"roster_interval_seconds"`
	ChildInterval          time.Duration `yaml:"-"`
	ServiceInterval        time.Duration `yaml:"-"`
	RosterInterval         time.Duration `yaml:"-"`
}

// RequestsConfig controls QR check-in requests.
type RequestsConfig struct {
	TTLSeconds           int           `yaml:"ttl_seconds"`
	TTL                  time.Duration `yaml:"-"`
	TokenLength          int           `yaml:"token_length"`
	SweepIntervalSeconds int           `yaml:"sweep_interval_seconds"`
	SweepInterval        time.Duration `yaml:"-"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads the configuration from the given path. ${VAR} placeholders are
// expanded from the environment before decoding.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes a YAML document and applies defaults.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 20
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 2 * int(c.Server.RateLimitPerSec)
	}
	if c.Server.CacheTTLSeconds <= 0 {
		c.Server.CacheTTLSeconds = 5
	}
	c.Server.CacheTTL = time.Duration(c.Server.CacheTTLSeconds) * time.Second

	c.LocalStore.Driver = strings.ToLower(strings.TrimSpace(c.LocalStore.Driver))
	if c.LocalStore.Driver == "" {
		c.LocalStore.Driver = StoreGorm
	}

	if c.Database.DSN == "" {
		c.Database.DSN = "data/checkin.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetimeMinutes <= 0 {
		c.Database.ConnMaxLifetimeMinutes = 30
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "checkin"
	}

	if c.Remote.TimeoutSeconds <= 0 {
		c.Remote.TimeoutSeconds = 10
	}
	c.Remote.Timeout = time.Duration(c.Remote.TimeoutSeconds) * time.Second
	if c.Remote.RateLimitPerSec <= 0 {
		c.Remote.RateLimitPerSec = 10
	}
	if c.Remote.RateLimitBurst <= 0 {
		c.Remote.RateLimitBurst = 5
	}

	if c.Polling.ChildIntervalSeconds <= 0 {
		c.Polling.ChildIntervalSeconds = 30
	}
	if c.Polling.ServiceIntervalSeconds <= 0 {
		c.Polling.ServiceIntervalSeconds = 10
	}
	if c.Polling.RosterIntervalSeconds <= 0 {
		c.Polling.RosterIntervalSeconds = 5
	}
	c.Polling.ChildInterval = time.Duration(c.Polling.ChildIntervalSeconds) * time.Second
	c.Polling.ServiceInterval = time.Duration(c.Polling.ServiceIntervalSeconds) * time.Second
	c.Polling.RosterInterval = time.Duration(c.Polling.RosterIntervalSeconds) * time.Second

	if c.Requests.TTLSeconds <= 0 {
		c.Requests.TTLSeconds = 600
	}
	c.Requests.TTL = time.Duration(c.Requests.TTLSeconds) * time.Second
	if c.Requests.TokenLength <= 0 {
		c.Requests.TokenLength = 12
	}
	if c.Requests.SweepIntervalSeconds <= 0 {
		c.Requests.SweepIntervalSeconds = 30
	}
	c.Requests.SweepInterval = time.Duration(c.Requests.SweepIntervalSeconds) * time.Second

	if c.Push.TTL <= 0 {
		c.Push.TTL = 3600
	}

	if c.WorkerPool.Size <= 0 {
		c.WorkerPool.Size = 1
	}
	if c.WorkerPool.QueueSize <= 0 {
		c.WorkerPool.QueueSize = 100
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	switch c.LocalStore.Driver {
	case StoreMemory, StoreGorm, StoreRedis:
	default:
		return fmt.Errorf("unknown local_store.driver %q", c.LocalStore.Driver)
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.HTTPProxy != "" {
		if _, err := url.Parse(c.Remote.HTTPProxy); err != nil {
			return fmt.Errorf("invalid remote.http_proxy %q: %w", c.Remote.HTTPProxy, err)
		}
	}
	if c.Requests.TokenLength < 8 {
		return fmt.Errorf("requests.token_length must be at least 8, got %d", c.Requests.TokenLength)
	}
	if c.Push.Enabled && (c.Push.PublicKey == "" || c.Push.PrivateKey == "") {
		return fmt.Errorf("push is enabled but VAPID keys are missing")
	}
	return nil
}
