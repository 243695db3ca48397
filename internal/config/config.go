package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/fleet/internal/taxonomy"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig     `json:"server"`
	Dispatcher   DispatcherConfig `json:"dispatcher"`
	TaxonomyPath string           `json:"taxonomy_path"`
	Agents       []AgentConfig    `json:"agents"`
	Database     DatabaseConfig   `json:"database"`
	Notify       NotifyConfig     `json:"notify"`
}

type ServerConfig struct {
	Port        int    `json:"port"`
	LogLevel    string `json:"log_level"`
	LogEncoding string `json:"log_encoding"`
}

type DispatcherConfig struct {
	IntervalSeconds float64 `json:"interval_seconds"`
	MaxAttempts     int     `json:"max_attempts"`
	RetryBudget     int     `json:"retry_budget"`

	// DeliveryTimeoutSeconds bounds each event publish and alert send.
	DeliveryTimeoutSeconds float64 `json:"delivery_timeout_seconds"`
}

// Interval returns the pass interval as a duration.
func (d DispatcherConfig) Interval() time.Duration {
	return time.Duration(d.IntervalSeconds * float64(time.Second))
}

// DeliveryTimeout returns the per-send deadline as a duration.
func (d DispatcherConfig) DeliveryTimeout() time.Duration {
	return time.Duration(d.DeliveryTimeoutSeconds * float64(time.Second))
}

// AgentConfig seeds an agent at startup if it is not already registered.
type AgentConfig struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Class string `json:"class"`
}

type DatabaseConfig struct {
	// Driver selects the journal backend: "postgres", "sqlite" or empty for
	// in-memory only.
	Driver        string         `json:"driver"`
	Postgres      PostgresConfig `json:"postgres"`
	SQLite        SQLiteConfig   `json:"sqlite"`
	Redis         RedisConfig    `json:"redis"`
	MigrationsDir string         `json:"migrations_dir"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	Slack   SlackConfig   `json:"slack"`
	Discord DiscordConfig `json:"discord"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info", LogEncoding: "console"},
		Dispatcher: DispatcherConfig{
			IntervalSeconds:        5,
			MaxAttempts:            3,
			RetryBudget:            1,
			DeliveryTimeoutSeconds: 10,
		},
		Database: DatabaseConfig{
			SQLite:        SQLiteConfig{Path: "fleet.db"},
			MigrationsDir: "migrations",
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over Default, substitutes environment
// variable references and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes JSON config data. See Load.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Dispatcher.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("dispatcher.interval_seconds must be positive"))
	}
	if c.Dispatcher.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatcher.max_attempts must be at least 1"))
	}
	if c.Dispatcher.RetryBudget < 0 {
		errs = append(errs, errors.New("dispatcher.retry_budget must not be negative"))
	}
	if c.Dispatcher.DeliveryTimeoutSeconds < 0 {
		errs = append(errs, errors.New("dispatcher.delivery_timeout_seconds must not be negative"))
	}

	switch c.Database.Driver {
	case "":
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, errors.New("database.postgres.dsn is required for driver postgres"))
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			errs = append(errs, errors.New("database.sqlite.path is required for driver sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not postgres or sqlite", c.Database.Driver))
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
		if _, err := taxonomy.ParseClass(a.Class); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
		}
	}

	if s := c.Notify.Slack; s.Enabled && (s.BotToken == "" || s.Channel == "") {
		errs = append(errs, errors.New("notify.slack needs bot_token and channel when enabled"))
	}
	if d := c.Notify.Discord; d.Enabled && (d.BotToken == "" || d.ChannelID == "") {
		errs = append(errs, errors.New("notify.discord needs bot_token and channel_id when enabled"))
	}
	return errors.Join(errs...)
}
