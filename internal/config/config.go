package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig contains the relational store configuration.
// Driver is "sqlite" (default, on-prem single box) or "postgres".
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" envconfig:"DRIVER"`
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
}

// LicenseConfig contains license subsystem configuration.
//
// Secret has no default on purpose: the signing secret must come from the
// environment or a secret store, never from a value embedded in the binary.
type LicenseConfig struct {
	Secret                string        `yaml:"secret" envconfig:"SECRET"`
	InstallID             string        `yaml:"install_id" envconfig:"INSTALL_ID"`
	TrialDays             int           `yaml:"trial_days" envconfig:"TRIAL_DAYS"`
	WarningDays           int           `yaml:"warning_days" envconfig:"WARNING_DAYS"`
	AttemptWindow         time.Duration `yaml:"attempt_window" envconfig:"ATTEMPT_WINDOW"`
	MaxFailedAttempts     int           `yaml:"max_failed_attempts" envconfig:"MAX_FAILED_ATTEMPTS"`
	AllowUnregisteredKeys bool          `yaml:"allow_unregistered_keys" envconfig:"ALLOW_UNREGISTERED_KEYS"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains HTTP-level rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "data/licgate.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		License: LicenseConfig{
			TrialDays:             30,
			WarningDays:           7,
			AttemptWindow:         60 * time.Minute,
			MaxFailedAttempts:     5,
			AllowUnregisteredKeys: true,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/app.log",
		},
	}
}

// Load loads configuration from environment variables and an optional
// config file. Precedence: defaults, then file, then environment.
func Load() (*Config, error) {
	return LoadFrom(configFilePath())
}

// LoadFrom loads configuration with an explicit config file path.
func LoadFrom(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			if err := loadFromFile(configFile, cfg); err != nil {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
		}
	}

	// Only explicitly set LICGATE_* variables override file and defaults.
	if err := envconfig.Process("LICGATE", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile merges values from a YAML file into cfg. Keys absent from
// the file leave the existing values untouched.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func configFilePath() string {
	if path := os.Getenv("LICGATE_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if strings.TrimSpace(c.License.Secret) == "" {
		return fmt.Errorf("license secret is required: set LICGATE_LICENSE_SECRET")
	}
	if len(c.License.Secret) < 16 {
		return fmt.Errorf("license secret must be at least 16 characters")
	}

	if c.License.TrialDays <= 0 {
		return fmt.Errorf("trial_days must be positive, got %d", c.License.TrialDays)
	}
	if c.License.MaxFailedAttempts <= 0 {
		return fmt.Errorf("max_failed_attempts must be positive, got %d", c.License.MaxFailedAttempts)
	}
	if c.License.AttemptWindow <= 0 {
		return fmt.Errorf("attempt_window must be positive, got %s", c.License.AttemptWindow)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	return nil
}
