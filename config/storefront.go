package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/orchestra-mcp/boxoffice/src/bridge"
	"gopkg.in/yaml.v3"
)

// StorefrontConfig holds the reservation client's settings.
type StorefrontConfig struct {
	ChannelURL string `yaml:"channel_url"`
	APIBaseURL string `yaml:"api_base_url"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ExpiryPoll        time.Duration `yaml:"expiry_poll"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReadBufferSize    int           `yaml:"read_buffer_size"`
	WriteBufferSize   int           `yaml:"write_buffer_size"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	SampleCapacity int    `yaml:"sample_capacity"`
	StatusAddr     string `yaml:"status_addr"`
	LogLevel       string `yaml:"log_level"`

	// Redis enables the cross-instance availability relay when set.
	Redis *bridge.RedisConfig `yaml:"redis"`
}

// ReconnectConfig controls the backoff after an involuntary disconnect.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultConfig returns the default storefront configuration.
func DefaultConfig() *StorefrontConfig {
	return &StorefrontConfig{
		ChannelURL:        "ws://localhost:3000/socket",
		APIBaseURL:        "http://localhost:3000/api",
		RequestTimeout:    10 * time.Second,
		ExpiryPoll:        time.Second,
		HeartbeatInterval: 25 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		Reconnect: ReconnectConfig{
			Enabled:     true,
			Initial:     time.Second,
			Max:         30 * time.Second,
			MaxAttempts: 5,
		},
		SampleCapacity: 50,
		StatusAddr:     ":8089",
		LogLevel:       "info",
	}
}

// LoadFile reads a YAML file over the defaults.
func LoadFile(path string) (*StorefrontConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BOXOFFICE_* variables. Unparseable values
// are reported, not ignored.
func (c *StorefrontConfig) ApplyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("BOXOFFICE_CHANNEL_URL", &c.ChannelURL)
	str("BOXOFFICE_API_URL", &c.APIBaseURL)
	str("BOXOFFICE_STATUS_ADDR", &c.StatusAddr)
	str("BOXOFFICE_LOG_LEVEL", &c.LogLevel)
	dur("BOXOFFICE_REQUEST_TIMEOUT", &c.RequestTimeout)
	dur("BOXOFFICE_EXPIRY_POLL", &c.ExpiryPoll)
	dur("BOXOFFICE_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	num("BOXOFFICE_SAMPLE_CAPACITY", &c.SampleCapacity)
	num("BOXOFFICE_RECONNECT_ATTEMPTS", &c.Reconnect.MaxAttempts)
	if v := os.Getenv("BOXOFFICE_RECONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BOXOFFICE_RECONNECT: %w", err))
		} else {
			c.Reconnect.Enabled = b
		}
	}
	if os.Getenv("REDIS_ADDR") != "" {
		if c.Redis == nil {
			c.Redis = bridge.DefaultRedisConfig()
		}
		bridge.ApplyEnv(c.Redis)
	}
	return errors.Join(errs...)
}

// Validate checks the invariants the client relies on.
func (c *StorefrontConfig) Validate() error {
	var errs []error
	if c.ChannelURL == "" {
		errs = append(errs, errors.New("channel_url is required"))
	}
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("api_base_url is required"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.ExpiryPoll <= 0 || c.ExpiryPoll > time.Second {
		errs = append(errs, fmt.Errorf("expiry_poll must be in (0, 1s], got %s", c.ExpiryPoll))
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("heartbeat_interval must not be negative"))
	}
	if c.SampleCapacity <= 0 {
		errs = append(errs, errors.New("sample_capacity must be positive"))
	}
	if r := c.Reconnect; r.Enabled {
		if r.Initial <= 0 || r.Max < r.Initial {
			errs = append(errs, errors.New("reconnect delays must satisfy 0 < initial <= max"))
		}
		if r.MaxAttempts <= 0 {
			errs = append(errs, errors.New("reconnect max_attempts must be positive"))
		}
	}
	return errors.Join(errs...)
}
