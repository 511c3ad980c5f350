// Package config provides configuration management for DjinnBot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the DjinnBot core.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds state-store connection configuration.
// When Driver is "sqlite3", Path is used; for "pgx" the host/port/user
// fields build a PostgreSQL DSN.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RedisConfig holds event bus broker configuration.
// An empty URL selects the in-memory bus (single-process mode).
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceToken string `mapstructure:"serviceToken"`
}

// CORSConfig holds allowed origins for the HTTP surface.
type CORSConfig struct {
	Origins []string `mapstructure:"origins"` // ["*"] allows all
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// GitHubConfig holds GitHub App configuration for the webhook router.
type GitHubConfig struct {
	AppID          string `mapstructure:"appId"`
	ClientID       string `mapstructure:"clientId"`
	WebhookSecret  string `mapstructure:"webhookSecret"`
	PrivateKeyPath string `mapstructure:"privateKeyPath"`
}

// PathsConfig holds filesystem layout roots.
type PathsConfig struct {
	DataPath     string `mapstructure:"dataPath"`     // base data volume
	AgentsDir    string `mapstructure:"agentsDir"`    // per-agent personas + config
	VaultsDir    string `mapstructure:"vaultsDir"`    // per-agent markdown vaults
	SandboxesDir string `mapstructure:"sandboxesDir"` // per-agent scratch space
	PipelinesDir string `mapstructure:"pipelinesDir"` // pipeline definitions
	// MountPrefix rewrites resolved paths when another process sees the data
	// volume under a different prefix.
	MountPrefix string `mapstructure:"mountPrefix"`
}

// LifecycleConfig holds the default wake guardrail thresholds. Per-agent
// config may override any of them.
type LifecycleConfig struct {
	WakeCooldownSeconds        int `mapstructure:"wakeCooldownSeconds"`
	MaxWakesPerDay             int `mapstructure:"maxWakesPerDay"`
	MaxSessionMinutesPerDay    int `mapstructure:"maxSessionMinutesPerDay"`
	MaxWakesPerPairPerDay      int `mapstructure:"maxWakesPerPairPerDay"`
	MaxConcurrentPulseSessions int `mapstructure:"maxConcurrentPulseSessions"`
	PulseIntervalMinutes       int `mapstructure:"pulseIntervalMinutes"`
	WorkLockTTLSeconds         int `mapstructure:"workLockTtlSeconds"`
}

// WebhookConfig holds ingress limits and routing defaults for the webhook
// router.
type WebhookConfig struct {
	RateLimitPerMinute int    `mapstructure:"rateLimitPerMinute"`
	ReviewAgent        string `mapstructure:"reviewAgent"` // pulsed when a PR opens
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// WakeCooldown returns the wake cooldown as a time.Duration.
func (l *LifecycleConfig) WakeCooldown() time.Duration {
	return time.Duration(l.WakeCooldownSeconds) * time.Second
}

// PulseInterval returns the default pulse interval as a time.Duration.
func (l *LifecycleConfig) PulseInterval() time.Duration {
	return time.Duration(l.PulseIntervalMinutes) * time.Minute
}

// WorkLockTTL returns the default work-lock TTL as a time.Duration.
func (l *LifecycleConfig) WorkLockTTL() time.Duration {
	return time.Duration(l.WorkLockTTLSeconds) * time.Second
}

// AllowAllOrigins reports whether CORS is wide open.
func (c *CORSConfig) AllowAllOrigins() bool {
	for _, o := range c.Origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DJINN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file under the data volume
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./djinnbot.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "djinnbot")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "djinnbot")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults - empty URL means use in-memory event bus
	v.SetDefault("redis.url", "")

	// Auth defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.serviceToken", "")

	// CORS defaults
	v.SetDefault("cors.origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// GitHub defaults
	v.SetDefault("github.appId", "")
	v.SetDefault("github.clientId", "")
	v.SetDefault("github.webhookSecret", "")
	v.SetDefault("github.privateKeyPath", "")

	// Paths defaults
	v.SetDefault("paths.dataPath", "./data")
	v.SetDefault("paths.agentsDir", "")
	v.SetDefault("paths.vaultsDir", "")
	v.SetDefault("paths.sandboxesDir", "")
	v.SetDefault("paths.pipelinesDir", "")
	v.SetDefault("paths.mountPrefix", "")

	// Lifecycle guardrail defaults, tuned for a sustainable daily cost
	v.SetDefault("lifecycle.wakeCooldownSeconds", 300)
	v.SetDefault("lifecycle.maxWakesPerDay", 12)
	v.SetDefault("lifecycle.maxSessionMinutesPerDay", 120)
	v.SetDefault("lifecycle.maxWakesPerPairPerDay", 5)
	v.SetDefault("lifecycle.maxConcurrentPulseSessions", 2)
	v.SetDefault("lifecycle.pulseIntervalMinutes", 60)
	v.SetDefault("lifecycle.workLockTtlSeconds", 900)

	// Webhook defaults
	v.SetDefault("webhook.rateLimitPerMinute", 100)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DJINN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/djinnbot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DJINN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the externally recognized env vars whose names
	// do not follow the DJINN_ prefix convention.
	_ = v.BindEnv("redis.url", "REDIS_URL", "DJINN_REDIS_URL")
	_ = v.BindEnv("cors.origins", "CORS_ORIGINS")
	_ = v.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = v.BindEnv("github.appId", "GITHUB_APP_ID")
	_ = v.BindEnv("github.clientId", "GITHUB_APP_CLIENT_ID")
	_ = v.BindEnv("github.webhookSecret", "GITHUB_APP_WEBHOOK_SECRET")
	_ = v.BindEnv("github.privateKeyPath", "GITHUB_APP_PRIVATE_KEY_PATH")
	_ = v.BindEnv("paths.agentsDir", "AGENTS_DIR")
	_ = v.BindEnv("paths.vaultsDir", "VAULTS_DIR")
	_ = v.BindEnv("paths.sandboxesDir", "SANDBOXES_DIR")
	_ = v.BindEnv("paths.dataPath", "DJINN_DATA_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/djinnbot/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite3")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for pgx")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for pgx")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for pgx")
		}
	default:
		errs = append(errs, "database.driver must be sqlite3 or pgx")
	}

	if cfg.Auth.Enabled && cfg.Auth.ServiceToken == "" {
		errs = append(errs, "auth.serviceToken is required when auth.enabled is true")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Lifecycle.MaxWakesPerDay <= 0 {
		errs = append(errs, "lifecycle.maxWakesPerDay must be positive")
	}
	if cfg.Webhook.RateLimitPerMinute <= 0 {
		errs = append(errs, "webhook.rateLimitPerMinute must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
