package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	UI          UIConfig          `mapstructure:"ui"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	MockBackend MockBackendConfig `mapstructure:"mockbackend"`
}

// APIConfig holds remote backend configuration
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"` // Requests per second, 0 = unlimited
	RateBurst int           `mapstructure:"rate_burst"`
}

// AuthConfig holds credential persistence configuration
type AuthConfig struct {
	CredentialsPath string `mapstructure:"credentials_path"`
}

// SessionsConfig holds session polling configuration
type SessionsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// UIConfig holds live view configuration
type UIConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// AgentConfig holds host agent configuration
type AgentConfig struct {
	HostID            string        `mapstructure:"host_id"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MetricsInterval   time.Duration `mapstructure:"metrics_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SSHHost           string        `mapstructure:"ssh_host"`
	SSHPort           int           `mapstructure:"ssh_port"`
	SSHUsername       string        `mapstructure:"ssh_username"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// MockBackendConfig holds configuration of the development backend
type MockBackendConfig struct {
	Addr          string        `mapstructure:"addr"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	RotateRefresh bool          `mapstructure:"rotate_refresh"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DefaultCredentialsPath returns ~/.labhya/credentials.db, or a relative
// path when the home directory cannot be resolved
func DefaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".labhya", "credentials.db")
	}
	return filepath.Join(home, ".labhya", "credentials.db")
}

func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.base_url", "http://localhost:8000/api")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.rate_limit", 10.0)
	v.SetDefault("api.rate_burst", 5)

	v.SetDefault("auth.credentials_path", DefaultCredentialsPath())

	v.SetDefault("sessions.poll_interval", 4*time.Second)
	v.SetDefault("ui.tick_interval", time.Second)

	// Agent defaults
	v.SetDefault("agent.poll_interval", 10*time.Second)
	v.SetDefault("agent.metrics_interval", 30*time.Second)
	v.SetDefault("agent.heartbeat_interval", 30*time.Second)
	v.SetDefault("agent.ssh_port", 22)
	v.SetDefault("agent.ssh_username", "labhya")

	// Logging defaults (the CLI stays quiet unless asked)
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "text")

	// Development backend defaults
	v.SetDefault("mockbackend.addr", ":8000")
	v.SetDefault("mockbackend.jwt_secret", "labhya-dev-secret")
	v.SetDefault("mockbackend.access_ttl", 5*time.Minute)
	v.SetDefault("mockbackend.refresh_ttl", 24*time.Hour)
	v.SetDefault("mockbackend.rotate_refresh", false)
}

func bindEnvVars(v *viper.Viper) {
	// BindEnv errors are non-fatal but should be logged
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	bindEnv("api.base_url", "LABHYA_API_URL")
	bindEnv("api.timeout", "LABHYA_API_TIMEOUT")
	bindEnv("auth.credentials_path", "LABHYA_CREDENTIALS_PATH")
	bindEnv("sessions.poll_interval", "LABHYA_POLL_INTERVAL")

	bindEnv("agent.host_id", "LABHYA_AGENT_HOST_ID")
	bindEnv("agent.ssh_host", "LABHYA_AGENT_SSH_HOST")
	bindEnv("agent.ssh_port", "LABHYA_AGENT_SSH_PORT")
	bindEnv("agent.ssh_username", "LABHYA_AGENT_SSH_USERNAME")

	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")

	bindEnv("mockbackend.addr", "MOCKBACKEND_ADDR")
	bindEnv("mockbackend.jwt_secret", "MOCKBACKEND_JWT_SECRET")
	bindEnv("mockbackend.rotate_refresh", "MOCKBACKEND_ROTATE_REFRESH")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute URL, got %q", c.API.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url must use http or https, got %q", u.Scheme)
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
		return fmt.Errorf("api.rate_limit and api.rate_burst must not be negative")
	}

	if c.Sessions.PollInterval <= 0 {
		return fmt.Errorf("sessions.poll_interval must be positive")
	}
	if c.UI.TickInterval <= 0 {
		return fmt.Errorf("ui.tick_interval must be positive")
	}

	if c.Auth.CredentialsPath == "" {
		return fmt.Errorf("auth.credentials_path is required")
	}

	return nil
}

// ValidateAgent checks the settings required to run the host agent
func (c *Config) ValidateAgent() error {
	if c.Agent.HostID == "" {
		return fmt.Errorf("LABHYA_AGENT_HOST_ID is required to run the agent")
	}
	if c.Agent.SSHHost == "" {
		return fmt.Errorf("LABHYA_AGENT_SSH_HOST is required to run the agent")
	}
	if c.Agent.SSHPort <= 0 || c.Agent.SSHPort > 65535 {
		return fmt.Errorf("agent.ssh_port must be between 1 and 65535")
	}
	if c.Agent.PollInterval <= 0 || c.Agent.MetricsInterval <= 0 || c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent intervals must be positive")
	}
	return nil
}
