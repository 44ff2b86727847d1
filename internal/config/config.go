// ABOUTME: Configuration loading and parsing for mist-broker.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mist-broker configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Admin    AdminConfig    `yaml:"admin"`
	Channel  ChannelConfig  `yaml:"channel"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener configuration. SocketPath is the unix
// domain socket agents connect to; TCPAddr, when set, exposes the same
// framing over TCP for remote deployments.
type ServerConfig struct {
	SocketPath string `yaml:"socket_path"`
	TCPAddr    string `yaml:"tcp_addr"`
}

// DatabaseConfig holds the storage collaborator configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig holds inference backend configuration.
type LLMConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	MaxConcurrent int    `yaml:"max_concurrent"`

	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// AdminConfig names the one privileged administrative agent.
type AdminConfig struct {
	AgentName string `yaml:"agent_name"`
}

// ChannelConfig controls per-connection write buffering.
type ChannelConfig struct {
	BufferSize int `yaml:"buffer_size"`
	// Policy is "block" (default) or "fail".
	Policy string `yaml:"policy"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with all defaults applied, suitable when no
// config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a
// parsed Config. Environment variables in the format ${VAR_NAME} are
// expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.SocketPath == "" {
		c.Server.SocketPath = "mist.sock"
	}
	if c.Database.Path == "" {
		c.Database.Path = "mist.db"
	}
	if c.LLM.MaxConcurrent == 0 {
		c.LLM.MaxConcurrent = 1
	}
	if c.Channel.BufferSize == 0 {
		c.Channel.BufferSize = 64
	}
	if c.Channel.Policy == "" {
		c.Channel.Policy = "block"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are consistent.
func (c *Config) Validate() error {
	if c.Server.SocketPath == "" && c.Server.TCPAddr == "" {
		return fmt.Errorf("server.socket_path or server.tcp_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.LLM.MaxConcurrent < 1 {
		return fmt.Errorf("llm.max_concurrent must be at least 1")
	}
	switch c.Channel.Policy {
	case "block", "fail":
	default:
		return fmt.Errorf("channel.policy must be \"block\" or \"fail\", got %q", c.Channel.Policy)
	}
	return nil
}

func (c *Config) parseDurations() error {
	if c.LLM.TimeoutRaw != "" {
		d, err := time.ParseDuration(c.LLM.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing llm.timeout %q: %w", c.LLM.TimeoutRaw, err)
		}
		c.LLM.Timeout = d
	}
	return nil
}
