// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chatrelay service.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the server configuration settings including security controls,
// persistence locations, and liveness timings.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`

	// DataDir holds the flat-file state: users.json and messages.json.
	DataDir    string `yaml:"data_dir"`
	HistoryCap int    `yaml:"history_cap"`

	// IdleTimeout is the application-level inactivity bound enforced by the
	// liveness sweeper every SweepInterval.
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// PongWait bounds the network-level heartbeat; pings go out every
	// PingPeriod, derived a little under PongWait.
	PongWait  time.Duration `yaml:"pong_wait"`
	WriteWait time.Duration `yaml:"write_wait"`

	TokenTTL time.Duration `yaml:"token_ttl"`
	LogLevel string        `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 64 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		DataDir:       "data",
		HistoryCap:    1000,
		IdleTimeout:   5 * time.Minute,
		SweepInterval: time.Minute,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
		TokenTTL:      30 * 24 * time.Hour,
		LogLevel:      "info",
	}
}

// Sanitize replaces out-of-range values with defaults so a partially filled
// Config is always usable.
func (cfg *Config) Sanitize() {
	def := DefaultConfig()
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
}

// PingPeriod is how often the write pump sends protocol pings. It must be
// shorter than PongWait so a healthy peer always answers in time.
func (cfg *Config) PingPeriod() time.Duration {
	return cfg.PongWait * 9 / 10
}

// UsersFile returns the path of the user table document.
func (cfg *Config) UsersFile() string {
	return filepath.Join(cfg.DataDir, "users.json")
}

// MessagesFile returns the path of the message log document.
func (cfg *Config) MessagesFile() string {
	return filepath.Join(cfg.DataDir, "messages.json")
}

// LoadConfig builds the effective configuration: defaults, overlaid by the
// optional YAML file at path (empty path skips the file), overlaid by
// environment variables, then sanitized.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Sanitize()
	return cfg, nil
}

// applyEnv overrides config fields from environment variables. Unset or
// unparseable values leave the current value in place.
func (cfg *Config) applyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseInt64Value(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDurationValue(interval, cfg.RateLimit.RefillInterval)
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if capacity := os.Getenv("HISTORY_CAP"); capacity != "" {
		cfg.HistoryCap = parseIntValue(capacity, cfg.HistoryCap)
	}
	if idle := os.Getenv("IDLE_TIMEOUT"); idle != "" {
		cfg.IdleTimeout = parseDurationValue(idle, cfg.IdleTimeout)
	}
	if sweep := os.Getenv("SWEEP_INTERVAL"); sweep != "" {
		cfg.SweepInterval = parseDurationValue(sweep, cfg.SweepInterval)
	}
	if ttl := os.Getenv("TOKEN_TTL"); ttl != "" {
		cfg.TokenTTL = parseDurationValue(ttl, cfg.TokenTTL)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseInt64Value(value string, defaultValue int64) int64 {
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDurationValue accepts Go duration syntax ("90s", "5m") and bare
// second counts ("90") for compatibility with older deployment env files.
func parseDurationValue(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
