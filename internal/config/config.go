package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the blackhole configuration.
type Config struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogPath     string `yaml:"log_path"`
	LogLevel    string `yaml:"log_level"`
	BufferSize  int    `yaml:"buffer_size"`
	MaxBodySize int64  `yaml:"max_body_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:        "0.0.0.0:8080",
		MetricsAddr: "0.0.0.0:8089",
		LogPath:     "request_log",
		LogLevel:    "info",
		BufferSize:  100,
		MaxBodySize: 256 << 10,
	}
}

// MetricsEnabled reports whether the metrics listener should be started.
func (c Config) MetricsEnabled() bool {
	return c.MetricsAddr != "" && !strings.EqualFold(c.MetricsAddr, "off")
}

// Load builds the configuration from the defaults, the YAML file named by
// BLACKHOLE_CONFIG (if any) and the BLACKHOLE_* environment variables, in
// that order.
func Load(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()

	if path := getenv("BLACKHOLE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	if v := getenv("BLACKHOLE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := getenv("BLACKHOLE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("BLACKHOLE_LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
	if v := getenv("BLACKHOLE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.BufferSize = int(parseInt(getenv("BLACKHOLE_BUFFER_SIZE"), int64(cfg.BufferSize)))
	cfg.MaxBodySize = parseInt(getenv("BLACKHOLE_MAX_BODY_SIZE"), cfg.MaxBodySize)

	return cfg, nil
}

func parseInt(s string, defaultValue int64) int64 {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil || i <= 0 {
		return defaultValue
	}

	return i
}

func ParseLogLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
