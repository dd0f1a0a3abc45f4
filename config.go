package browserstream

import (
	"fmt"
	"time"
)

// Config holds the host wide settings shared by every stream and transport.
type Config struct {
	BufferSize int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	HTTP       HTTPConfig    `mapstructure:"http" yaml:"http"`
	Retry      RetryConfig   `mapstructure:"retry" yaml:"retry"`
	RateLimit  RateConfig    `mapstructure:"rate_limit" yaml:"rate_limit"`
	Cache      CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Log        LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// RetryConfig bounds how long a transport keeps trying to open a stream.
type RetryConfig struct {
	MaxAttempts     uint64        `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
}

// RateConfig throttles data delivery. Zero BytesPerSecond disables throttling.
type RateConfig struct {
	BytesPerSecond int `mapstructure:"bytes_per_second" yaml:"bytes_per_second"`
	Burst          int `mapstructure:"burst" yaml:"burst"`
}

type CacheConfig struct {
	Dir        string `mapstructure:"dir" yaml:"dir"`
	MaxEntries int    `mapstructure:"max_entries" yaml:"max_entries"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

const (
	DefaultBufferSize = 64 * 1024
	minBufferSize     = 512
)

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BufferSize: DefaultBufferSize,
		HTTP: HTTPConfig{
			Timeout:   60 * time.Second,
			UserAgent: "browserstream/1.0",
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 200 * time.Millisecond,
			MaxElapsedTime:  10 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries: 128,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
	}
}

// Validate checks the configuration for values no transport can work with.
func (c Config) Validate() error {
	if c.BufferSize < minBufferSize {
		return fmt.Errorf("buffer_size must be at least %d, got %d", minBufferSize, c.BufferSize)
	}
	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("http.timeout must not be negative")
	}
	if c.RateLimit.BytesPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	return nil
}

// bufferSize resolves the per stream buffer hint against the host default.
func (c Config) bufferSize(hint int) int {
	if hint <= 0 {
		return c.BufferSize
	}
	if hint < minBufferSize {
		return minBufferSize
	}
	return hint
}
