// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Worker    WorkerConfig    `yaml:"worker"`
	State     StateConfig     `yaml:"state"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WorkerConfig holds agent-worker endpoint configuration
type WorkerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// StateBackend identifies a shared state store implementation.
type StateBackend string

const (
	BackendLocal StateBackend = "local"
	BackendNATS  StateBackend = "nats"
)

// StateConfig selects and configures the shared state store backend.
// The backend is a startup-time decision; the store never probes the
// environment at runtime.
type StateConfig struct {
	Backend StateBackend `yaml:"backend"`
	NATS    NATSConfig   `yaml:"nats"`
}

// NATSConfig holds connection settings for the distributed state backend
type NATSConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// ApprovalsConfig holds pending-approval lifecycle configuration
type ApprovalsConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	MaxChain      int           `yaml:"max_chain"`

	// Raw string values for YAML unmarshaling
	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// AuthConfig holds operator API authentication configuration
type AuthConfig struct {
	// APIToken protects the operator HTTP API when set. Empty disables auth.
	APIToken string `yaml:"api_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied after parsing when fields are unset.
const (
	DefaultWorkerTimeout = 30 * time.Second
	DefaultApprovalTTL   = 10 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultMaxChain      = 8
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional fields.
func (c *Config) applyDefaults() {
	if c.Worker.Timeout == 0 {
		c.Worker.Timeout = DefaultWorkerTimeout
	}
	if c.Approvals.TTL == 0 {
		c.Approvals.TTL = DefaultApprovalTTL
	}
	if c.Approvals.SweepInterval == 0 {
		c.Approvals.SweepInterval = DefaultSweepInterval
	}
	if c.Approvals.MaxChain == 0 {
		c.Approvals.MaxChain = DefaultMaxChain
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendLocal
	}
	if c.State.NATS.Bucket == "" {
		c.State.NATS.Bucket = "relay-sessions"
	}
	if c.State.NATS.Prefix == "" {
		c.State.NATS.Prefix = "relay"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Worker.URL == "" {
		return fmt.Errorf("worker.url is required")
	}

	switch c.State.Backend {
	case BackendLocal:
	case BackendNATS:
		if c.State.NATS.URL == "" {
			return fmt.Errorf("state.nats.url is required when state.backend is %q", BackendNATS)
		}
	default:
		return fmt.Errorf("state.backend must be %q or %q, got %q", BackendLocal, BackendNATS, c.State.Backend)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Worker.TimeoutRaw != "" {
		cfg.Worker.Timeout, err = time.ParseDuration(cfg.Worker.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing worker.timeout %q: %w", cfg.Worker.TimeoutRaw, err)
		}
	}

	if cfg.Approvals.TTLRaw != "" {
		cfg.Approvals.TTL, err = time.ParseDuration(cfg.Approvals.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing approvals.ttl %q: %w", cfg.Approvals.TTLRaw, err)
		}
	}

	if cfg.Approvals.SweepIntervalRaw != "" {
		cfg.Approvals.SweepInterval, err = time.ParseDuration(cfg.Approvals.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing approvals.sweep_interval %q: %w", cfg.Approvals.SweepIntervalRaw, err)
		}
	}

	return nil
}
