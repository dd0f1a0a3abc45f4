// Package config loads browserstream.Config from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/OpenListTeam/browserstream"
)

// EnvPrefix prefixes every environment override, e.g. BROWSERSTREAM_HTTP_TIMEOUT.
const EnvPrefix = "BROWSERSTREAM"

// Load reads path (optional) on top of the defaults, applies environment
// overrides and validates the result.
func Load(path string) (browserstream.Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller supplied viper instance, so flags bound to v
// take part in the lookup.
func LoadWith(v *viper.Viper, path string) (browserstream.Config, error) {
	setDefaults(v, browserstream.DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return browserstream.Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg browserstream.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return browserstream.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return browserstream.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d browserstream.Config) {
	v.SetDefault("buffer_size", d.BufferSize)
	v.SetDefault("http.timeout", d.HTTP.Timeout)
	v.SetDefault("http.user_agent", d.HTTP.UserAgent)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.max_elapsed_time", d.Retry.MaxElapsedTime)
	v.SetDefault("rate_limit.bytes_per_second", d.RateLimit.BytesPerSecond)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
}
