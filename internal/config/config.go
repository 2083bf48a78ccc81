package config

import (
	"os"
	"time"

	"github.com/nikandfor/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains the poll loop parameters
type ServerConfig struct {
	BindAddress    string `yaml:"bind_address"`
	DataClients    int    `yaml:"data_clients"`
	ControlClients int    `yaml:"control_clients"`
	ListenBacklog  int    `yaml:"listen_backlog"`
	PollTimeout    int    `yaml:"poll_timeout"` // milliseconds
	BufferSize     int    `yaml:"buffer_size"`
	StatusWidth    int    `yaml:"status_width"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration the server runs with when no file is
// given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:    "0.0.0.0",
			DataClients:    2,
			ControlClients: 2,
			ListenBacklog:  5,
			PollTimeout:    5000,
			BufferSize:     1024,
			StatusWidth:    1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9100",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return cfg, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return errors.Wrap(err, "server config")
	}

	if err := c.Logging.Validate(); err != nil {
		return errors.Wrap(err, "logging config")
	}

	if err := c.Metrics.Validate(); err != nil {
		return errors.Wrap(err, "metrics config")
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.DataClients < 1 {
		return errors.New("data_clients must be at least 1, got %d", s.DataClients)
	}

	if s.ControlClients < 1 {
		return errors.New("control_clients must be at least 1, got %d", s.ControlClients)
	}

	if s.ListenBacklog < 1 {
		return errors.New("listen_backlog must be positive, got %d", s.ListenBacklog)
	}

	if s.PollTimeout < 1 {
		return errors.New("poll_timeout must be positive, got %d", s.PollTimeout)
	}

	if s.BufferSize < 1 {
		return errors.New("buffer_size must be positive, got %d", s.BufferSize)
	}

	if s.StatusWidth < 1 {
		return errors.New("status_width must be positive, got %d", s.StatusWidth)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("invalid log level: %s (must be debug, info, warn, or error)", l.Level)
	}

	switch l.Format {
	case "console", "json":
	default:
		return errors.New("invalid log format: %s (must be console or json)", l.Format)
	}

	if l.Output == "" {
		return errors.New("log output cannot be empty")
	}

	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Address == "" {
		return errors.New("metrics address cannot be empty when metrics are enabled")
	}

	return nil
}

// GetPollTimeout returns the poll timeout as a duration
func (s *ServerConfig) GetPollTimeout() time.Duration {
	return time.Duration(s.PollTimeout) * time.Millisecond
}
