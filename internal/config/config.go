// ABOUTME: Configuration loading and parsing for coven-threads
// ABOUTME: YAML or TOML files with .env loading, ${VAR} expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-threads configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Agents  AgentsConfig  `yaml:"agents" toml:"agents"`
	Replies RepliesConfig `yaml:"replies" toml:"replies"`
	Health  HealthConfig  `yaml:"health" toml:"health"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	IdempotencyTTL    time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTLRaw string        `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// StoreConfig selects the row-store backend
type StoreConfig struct {
	Remote RemoteStoreConfig `yaml:"remote" toml:"remote"`
	Local  LocalStoreConfig  `yaml:"local" toml:"local"`
}

// RemoteStoreConfig configures the relational backend
type RemoteStoreConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	DSN     string `yaml:"dsn" toml:"dsn"`
}

// LocalStoreConfig configures the emulator's key-value storage
type LocalStoreConfig struct {
	Backend string      `yaml:"backend" toml:"backend"` // sqlite, file, minio, memory
	Path    string      `yaml:"path" toml:"path"`       // sqlite database file
	Dir     string      `yaml:"dir" toml:"dir"`         // file backend directory
	MinIO   MinIOConfig `yaml:"minio" toml:"minio"`
}

// MinIOConfig holds object storage credentials
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Bucket    string `yaml:"bucket" toml:"bucket"`
	Prefix    string `yaml:"prefix" toml:"prefix"`
	Secure    bool   `yaml:"secure" toml:"secure"`
}

// AgentsConfig holds agent definitions
type AgentsConfig struct {
	DefaultAgent string            `yaml:"default_agent" toml:"default_agent"`
	Seed         *bool             `yaml:"seed" toml:"seed"` // nil: seed only with the local store
	Definitions  []AgentDefinition `yaml:"definitions" toml:"definitions"`
}

// AgentDefinition describes one agent and how it replies
type AgentDefinition struct {
	ID            string `yaml:"id" toml:"id"`
	Name          string `yaml:"name" toml:"name"`
	Description   string `yaml:"description" toml:"description"`
	Category      string `yaml:"category" toml:"category"`
	AccentColor   string `yaml:"accent_color" toml:"accent_color"`
	Avatar        string `yaml:"avatar" toml:"avatar"`
	SystemPrompt  string `yaml:"system_prompt" toml:"system_prompt"`
	Strategy      string `yaml:"strategy" toml:"strategy"` // stream, invoke, canned
	StreamURL     string `yaml:"stream_url" toml:"stream_url"`
	InvocationURL string `yaml:"invocation_url" toml:"invocation_url"`
	ProbeURL      string `yaml:"probe_url" toml:"probe_url"`
	Reply         string `yaml:"reply" toml:"reply"`
}

// RepliesConfig is the canned reply table
type RepliesConfig struct {
	Default    []string            `yaml:"default" toml:"default"`
	Categories map[string][]string `yaml:"categories" toml:"categories"`
}

// HealthConfig controls agent liveness probing
type HealthConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	Interval time.Duration `yaml:"-" toml:"-"`
	Timeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IntervalRaw string `yaml:"interval" toml:"interval"`
	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"` // text or json
	File       string `yaml:"file" toml:"file"`     // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// SeedAgents reports whether the agents table is overwritten with the
// definitions at startup.
func (c *Config) SeedAgents() bool {
	if c.Agents.Seed != nil {
		return *c.Agents.Seed
	}
	return !c.Store.Remote.Enabled
}

// Default returns the built-in configuration: a local SQLite store and the
// two stock agents.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:          "127.0.0.1:8090",
			IdempotencyTTLRaw: "10m",
			IdempotencyTTL:    10 * time.Minute,
		},
		Store: StoreConfig{
			Local: LocalStoreConfig{
				Backend: "sqlite",
				Path:    defaultDataPath("threads.db"),
				Dir:     defaultDataPath("tables"),
			},
		},
		Agents: AgentsConfig{
			DefaultAgent: "service-validation",
			Definitions: []AgentDefinition{
				{
					ID:            "service-validation",
					Name:          "Service Validation",
					Description:   "Validates services, requirements, and fit.",
					Category:      "General",
					AccentColor:   "#FF6600",
					Avatar:        "fa-shield-alt",
					Strategy:      "stream",
					StreamURL:     "ws://localhost:8082/ws",
					InvocationURL: "http://localhost:8082/invocations",
				},
				{
					ID:          "comptency-ai",
					Name:        "Comptency AI",
					Description: "Assesses competency and team enablement needs.",
					Category:    "General",
					AccentColor: "#FF6600",
					Avatar:      "fa-users-cog",
					Strategy:    "canned",
					Reply:       "I can help with competency mapping, role requirements, and skills validation. What do you need?",
				},
			},
		},
		Replies: RepliesConfig{
			Default: []string{"How can I help you today?"},
		},
		Health: HealthConfig{
			Enabled:     true,
			IntervalRaw: "30s",
			TimeoutRaw:  "2500ms",
			Interval:    30 * time.Second,
			Timeout:     2500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			MaxBackups: 3,
		},
	}
}

func defaultDataPath(name string) string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "coven", name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data", name)
	}
	return filepath.Join(home, ".local", "share", "coven", name)
}

// DefaultPath returns the config file location: COVEN_THREADS_CONFIG,
// then $XDG_CONFIG_HOME/coven/threads.yaml, then ~/.config/coven/threads.yaml.
func DefaultPath() string {
	if p := os.Getenv("COVEN_THREADS_CONFIG"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "coven", "threads.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "threads.yaml"
	}
	return filepath.Join(home, ".config", "coven", "threads.yaml")
}

// LoadOrDefault loads path, returning Default() when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		loadDotEnv(filepath.Dir(path))
		return Default(), nil
	}
	return cfg, err
}

// Load reads a configuration file from the given path and returns a parsed
// Config layered over Default(). Files ending in .toml are parsed as TOML,
// everything else as YAML. A .env file next to the config file or in the
// working directory is loaded first; variables already set win.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	loadDotEnv(filepath.Dir(path))
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(dir string) {
	for _, p := range []string{filepath.Join(dir, ".env"), ".env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Store.Remote.Enabled {
		if c.Store.Remote.DSN == "" {
			return fmt.Errorf("store.remote.dsn is required when the remote store is enabled")
		}
	} else {
		switch c.Store.Local.Backend {
		case "sqlite":
			if c.Store.Local.Path == "" {
				return fmt.Errorf("store.local.path is required for the sqlite backend")
			}
		case "file":
			if c.Store.Local.Dir == "" {
				return fmt.Errorf("store.local.dir is required for the file backend")
			}
		case "minio":
			if c.Store.Local.MinIO.Endpoint == "" || c.Store.Local.MinIO.Bucket == "" {
				return fmt.Errorf("store.local.minio.endpoint and bucket are required for the minio backend")
			}
		case "memory":
		default:
			return fmt.Errorf("store.local.backend %q is not one of sqlite, file, minio, memory", c.Store.Local.Backend)
		}
	}

	seen := make(map[string]bool, len(c.Agents.Definitions))
	for i, d := range c.Agents.Definitions {
		if d.ID == "" {
			return fmt.Errorf("agents.definitions[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("agents.definitions[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if d.Name == "" {
			return fmt.Errorf("agents.definitions[%d].name is required", i)
		}
		switch d.Strategy {
		case "", "canned":
		case "stream":
			if d.StreamURL == "" {
				return fmt.Errorf("agent %q: stream_url is required for the stream strategy", d.ID)
			}
		case "invoke":
			if d.InvocationURL == "" {
				return fmt.Errorf("agent %q: invocation_url is required for the invoke strategy", d.ID)
			}
		default:
			return fmt.Errorf("agent %q: unknown strategy %q", d.ID, d.Strategy)
		}
	}

	if c.Agents.DefaultAgent != "" && len(seen) > 0 && !seen[c.Agents.DefaultAgent] {
		return fmt.Errorf("agents.default_agent %q is not defined", c.Agents.DefaultAgent)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.IdempotencyTTLRaw != "" {
		cfg.Server.IdempotencyTTL, err = time.ParseDuration(cfg.Server.IdempotencyTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idempotency_ttl %q: %w", cfg.Server.IdempotencyTTLRaw, err)
		}
	}

	if cfg.Health.IntervalRaw != "" {
		cfg.Health.Interval, err = time.ParseDuration(cfg.Health.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing health interval %q: %w", cfg.Health.IntervalRaw, err)
		}
	}

	if cfg.Health.TimeoutRaw != "" {
		cfg.Health.Timeout, err = time.ParseDuration(cfg.Health.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing health timeout %q: %w", cfg.Health.TimeoutRaw, err)
		}
	}

	return nil
}
