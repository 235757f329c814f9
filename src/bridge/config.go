package bridge

import (
	"os"
	"strconv"
)

// RedisConfig holds connection settings for the Redis pub/sub relay.
type RedisConfig struct {
	Addr     string `yaml:"addr"`     // default "localhost:6379"
	Password string `yaml:"password"` // default ""
	DB       int    `yaml:"db"`       // default 0
	Prefix   string `yaml:"prefix"`   // default "boxoffice:"
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "boxoffice:",
	}
}

// RedisConfigFromEnv loads Redis configuration from environment variables.
// Falls back to defaults for any missing values.
func RedisConfigFromEnv() *RedisConfig {
	return ApplyEnv(DefaultRedisConfig())
}

// ApplyEnv overrides cfg from REDIS_* variables and returns it.
func ApplyEnv(cfg *RedisConfig) *RedisConfig {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			cfg.DB = db
		}
	}
	if prefix := os.Getenv("REDIS_BOXOFFICE_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	return cfg
}

// Channel is the pub/sub channel samples travel on.
func (c *RedisConfig) Channel() string {
	return c.Prefix + "availability"
}
