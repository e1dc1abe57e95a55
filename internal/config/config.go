// ABOUTME: Configuration loading and parsing for fleetgate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleetgate configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty JWT secret
// disables API authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	OfflineThreshold  time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`
	CommandTimeout    time.Duration `yaml:"-"`
	ResultRetention   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	OfflineThresholdRaw  string `yaml:"offline_threshold"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
	CommandTimeoutRaw    string `yaml:"command_timeout"`
	ResultRetentionRaw   string `yaml:"result_retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

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

// applyDefaults fills in timing values left unset by the file.
func (c *Config) applyDefaults() {
	if c.Agents.HeartbeatInterval <= 0 {
		c.Agents.HeartbeatInterval = 30 * time.Second
	}
	if c.Agents.SweepInterval <= 0 {
		c.Agents.SweepInterval = 30 * time.Second
	}
	if c.Agents.OfflineThreshold <= 0 {
		c.Agents.OfflineThreshold = 2 * c.Agents.SweepInterval
	}
	if c.Agents.CommandTimeout <= 0 {
		c.Agents.CommandTimeout = 30 * time.Second
	}
	if c.Agents.ResultRetention <= 0 {
		c.Agents.ResultRetention = 5 * time.Minute
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

	// A threshold at or below the sweep interval would flap agents offline
	// between consecutive heartbeats.
	if c.Agents.OfflineThreshold <= c.Agents.SweepInterval {
		return fmt.Errorf("agents.offline_threshold (%s) must be greater than agents.sweep_interval (%s)",
			c.Agents.OfflineThreshold, c.Agents.SweepInterval)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"offline_threshold", cfg.Agents.OfflineThresholdRaw, &cfg.Agents.OfflineThreshold},
		{"sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
		{"command_timeout", cfg.Agents.CommandTimeoutRaw, &cfg.Agents.CommandTimeout},
		{"result_retention", cfg.Agents.ResultRetentionRaw, &cfg.Agents.ResultRetention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
