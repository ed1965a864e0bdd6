// Package config loads and validates the API configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file <
// environment variables. Environment variables use the VANTAGE_ prefix
// (e.g. VANTAGE_DATABASE_HOST overrides database.host in the YAML), so
// the same binary runs with a config.yaml in local development and with
// pure environment variables in containers.
//
// The VANTAGE_AUTH_SECRET variable is read directly by the token package
// rather than through this file; it is a secret, not configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Security      SecurityConfig      `mapstructure:"security"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GetAddress returns the server address in host:port format.
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection configuration. DSN, when
// set, wins over the individual fields.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// AuthConfig holds token issuance configuration.
type AuthConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// SecurityConfig holds transport-level security configuration. Per-org
// policy (lockouts, password rules, IP lists) lives in the database,
// not here.
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	MaxBodyBytes int64              `mapstructure:"max_body_bytes"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration.
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// RetentionConfig holds the event retention sweep configuration. The
// cutoff itself comes from each organization's security settings; this
// only controls how often the sweep runs.
type RetentionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// NotificationsConfig holds settings for outbound admin notifications.
type NotificationsConfig struct {
	// Enabled globally toggles outbound notifications. When disabled,
	// notifications are written to the structured log instead.
	Enabled bool `mapstructure:"enabled"`
	// WebhookURL receives notification payloads as JSON POSTs.
	WebhookURL string `mapstructure:"webhook_url"`
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration `mapstructure:"timeout"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not surface env-only values through
// Unmarshal, so every key is bound by hand. viper.BindEnv only errors
// when called with zero keys; any error here is a programming bug.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",

		"database.dsn",
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",

		"auth.token_ttl",

		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.max_body_bytes",

		"retention.enabled",
		"retention.sweep_interval",

		"notifications.enabled",
		"notifications.webhook_url",
		"notifications.timeout",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/vantagecrm")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment variables only.
	}

	v.SetEnvPrefix("VANTAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in sensitive fields.
	cfg.Database.DSN = os.ExpandEnv(cfg.Database.DSN)
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Notifications.WebhookURL = os.ExpandEnv(cfg.Notifications.WebhookURL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "vantagecrm")
	v.SetDefault("database.user", "vantage")
	v.SetDefault("database.ssl_mode", "require")

	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 300)
	v.SetDefault("security.rate_limiting.burst", 50)
	v.SetDefault("security.max_body_bytes", 1<<20)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.sweep_interval", "1h")

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.timeout", "10s")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.DSN == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Security.RateLimiting.Enabled {
		if c.Security.RateLimiting.RequestsPerMinute < 1 {
			return fmt.Errorf("security.rate_limiting.requests_per_minute must be positive")
		}
		if c.Security.RateLimiting.Burst < 1 {
			return fmt.Errorf("security.rate_limiting.burst must be positive")
		}
	}
	if c.Retention.Enabled && c.Retention.SweepInterval < time.Minute {
		return fmt.Errorf("retention.sweep_interval must be at least one minute")
	}
	if c.Notifications.Enabled && c.Notifications.WebhookURL == "" {
		return fmt.Errorf("notifications.webhook_url is required when notifications are enabled")
	}
	return nil
}
