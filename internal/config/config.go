package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/nidhogg/teamwarden/internal/watchdog"
	"github.com/tidwall/jsonc"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Notify   NotifyConfig   `json:"notify"`
	Session  SessionConfig  `json:"session"`
}

type ServerConfig struct {
	Port        int      `json:"port"`
	LogLevel    string   `json:"log_level"`
	CORSOrigins []string `json:"cors_origins"`
}

type StorageConfig struct {
	// BaseDir holds one directory per project. Empty means ~/.teamwarden/teams.
	BaseDir string `json:"base_dir"`
}

type WatchdogConfig struct {
	Enabled              *bool `json:"enabled"`
	CheckIntervalSecs    int   `json:"check_interval_secs"`
	HeartbeatTimeoutSecs int   `json:"heartbeat_timeout_secs"`
	RecoveryDelaySecs    *int  `json:"recovery_delay_secs"`
}

type NotifyConfig struct {
	QueueSize      int            `json:"queue_size"`
	MemoryCapacity int            `json:"memory_capacity"`
	Redis          RedisConfig    `json:"redis"`
	Slack          SlackConfig    `json:"slack"`
	Discord        DiscordConfig  `json:"discord"`
	Postgres       PostgresConfig `json:"postgres"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
	MaxLen int64  `json:"max_len"`
}

type SlackConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type SessionConfig struct {
	TrackerFile           string `json:"tracker_file"`
	HeartbeatIntervalSecs int    `json:"heartbeat_interval_secs"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, allowing comments and trailing commas,
// and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config text and applies defaults.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(jsonc.ToJSON(data)), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.WithDefaults()
	return &cfg, nil
}

// WithDefaults fills zero values.
func (c *Config) WithDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3290
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "development"
	}
	if c.Storage.BaseDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Storage.BaseDir = filepath.Join(home, ".teamwarden", "teams")
		}
	}
	if c.Notify.QueueSize <= 0 {
		c.Notify.QueueSize = 256
	}
	if c.Notify.MemoryCapacity <= 0 {
		c.Notify.MemoryCapacity = 200
	}
	if c.Notify.Redis.Stream == "" {
		c.Notify.Redis.Stream = "teamwarden:events"
	}
	if c.Notify.Redis.MaxLen <= 0 {
		c.Notify.Redis.MaxLen = 10000
	}
	if c.Notify.Postgres.MigrationsDir == "" {
		c.Notify.Postgres.MigrationsDir = "migrations"
	}
	if c.Session.TrackerFile == "" && c.Storage.BaseDir != "" {
		c.Session.TrackerFile = filepath.Join(filepath.Dir(c.Storage.BaseDir), "active_sessions.json")
	}
	if c.Session.HeartbeatIntervalSecs <= 0 {
		c.Session.HeartbeatIntervalSecs = 5
	}
}

// WatchdogSettings converts the file form into watchdog.Config. Unset
// fields take watchdog.DefaultConfig values.
func (c *Config) WatchdogSettings() watchdog.Config {
	wc := watchdog.DefaultConfig()
	w := c.Watchdog
	if w.Enabled != nil {
		wc.Enabled = *w.Enabled
	}
	if w.CheckIntervalSecs > 0 {
		wc.CheckInterval = time.Duration(w.CheckIntervalSecs) * time.Second
	}
	if w.HeartbeatTimeoutSecs > 0 {
		wc.HeartbeatTimeout = time.Duration(w.HeartbeatTimeoutSecs) * time.Second
	}
	if w.RecoveryDelaySecs != nil && *w.RecoveryDelaySecs >= 0 {
		wc.RecoveryDelay = time.Duration(*w.RecoveryDelaySecs) * time.Second
	}
	return wc
}

// HeartbeatInterval is the minimum spacing of heartbeats written by
// session pumps.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Session.HeartbeatIntervalSecs) * time.Second
}
