package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the quorum orchestrator.
type Config struct {
	General      GeneralConfig            `mapstructure:"general"`
	Services     map[string]ServiceConfig `mapstructure:"services"`
	Orchestrator OrchestratorConfig       `mapstructure:"orchestrator"`
	Session      SessionConfig            `mapstructure:"session"`
	Storage      StorageConfig            `mapstructure:"storage"`
	Server       ServerConfig             `mapstructure:"server"`
	Telemetry    TelemetryConfig          `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServiceConfig describes one target AI service and how to reach it.
type ServiceConfig struct {
	Type    string        `mapstructure:"type"` // browser, httpapi
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`

	// Browser-automated services.
	URL               string   `mapstructure:"url"`
	AuthMarkers       []string `mapstructure:"auth_markers"`       // selectors present only when logged in
	InputSelectors    []string `mapstructure:"input_selectors"`    // tried in order
	ResponseSelectors []string `mapstructure:"response_selectors"` // tried in order
	Headless          bool     `mapstructure:"headless"`

	// Native API services.
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// OrchestratorConfig contains fan-out and retry settings.
type OrchestratorConfig struct {
	MaxConcurrentServices int           `mapstructure:"max_concurrent_services"`
	AttemptTimeout        time.Duration `mapstructure:"attempt_timeout"`
	MaxRetriesPerService  int           `mapstructure:"max_retries_per_service"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	StabilityPolls        int           `mapstructure:"stability_polls"`
	Backoff               BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig controls the delay inserted before retry dispatches.
type BackoffConfig struct {
	Strategy       string        `mapstructure:"strategy"` // fixed, exponential
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	RateLimitDelay time.Duration `mapstructure:"rate_limit_delay"`
}

// SessionConfig contains session persistence settings.
type SessionConfig struct {
	Backend    string           `mapstructure:"backend"` // file, redis
	ProfileDir string           `mapstructure:"profile_dir"`
	Revalidate RevalidateConfig `mapstructure:"revalidate"`
}

// RevalidateConfig schedules background authentication probes.
type RevalidateConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"` // cron expression, @hourly, @daily
}

// StorageConfig contains audit store and redis settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings for the audit store.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// TelemetryConfig contains monitoring settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PeriodicLogs bool `mapstructure:"periodic_logs"`
}

// DSN builds the Postgres connection string from either the URL or discrete fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// Addr joins host and port for redis clients.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("quorum")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("QUORUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Config file is optional; defaults plus env cover a minimal setup.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "60s")

	viper.SetDefault("orchestrator.max_concurrent_services", 4)
	viper.SetDefault("orchestrator.attempt_timeout", "60s")
	viper.SetDefault("orchestrator.max_retries_per_service", 2)
	viper.SetDefault("orchestrator.poll_interval", "2s")
	viper.SetDefault("orchestrator.stability_polls", 3)
	viper.SetDefault("orchestrator.backoff.strategy", "exponential")
	viper.SetDefault("orchestrator.backoff.initial_delay", "2s")
	viper.SetDefault("orchestrator.backoff.max_delay", "30s")
	viper.SetDefault("orchestrator.backoff.rate_limit_delay", "90s")

	viper.SetDefault("session.backend", "file")
	viper.SetDefault("session.profile_dir", "./profiles")
	viper.SetDefault("session.revalidate.enabled", false)
	viper.SetDefault("session.revalidate.cron", "@hourly")

	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", 6379)
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.timeout", "5s")
	viper.SetDefault("storage.postgres.host", "")
	viper.SetDefault("storage.postgres.port", 5432)
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.postgres.timeout", "5s")

	viper.SetDefault("server.addr", ":10010")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.periodic_logs", false)
}

// overrideFromEnv overrides sensitive values with environment variables.
func overrideFromEnv() {
	if secret := os.Getenv("QUORUM_JWT_SECRET"); secret != "" {
		viper.Set("server.jwt_secret", secret)
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		viper.Set("storage.redis.password", pass)
	}
	if url := os.Getenv("POSTGRES_URL"); url != "" {
		viper.Set("storage.postgres.url", url)
	}
	// Per-service API keys: QUORUM_SERVICE_<NAME>_API_KEY
	for _, kv := range os.Environ() {
		const prefix = "QUORUM_SERVICE_"
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		rest := strings.TrimPrefix(kv, prefix)
		eq := strings.Index(rest, "=")
		if eq < 0 || !strings.HasSuffix(rest[:eq], "_API_KEY") {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(rest[:eq], "_API_KEY"))
		viper.Set(fmt.Sprintf("services.%s.api_key", name), rest[eq+1:])
	}
}

func validateConfig(config *Config) error {
	if config.Orchestrator.MaxConcurrentServices <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_services must be positive")
	}
	if config.Orchestrator.MaxRetriesPerService < 0 {
		return fmt.Errorf("orchestrator.max_retries_per_service must not be negative")
	}
	if config.Orchestrator.StabilityPolls <= 0 {
		return fmt.Errorf("orchestrator.stability_polls must be positive")
	}
	switch config.Orchestrator.Backoff.Strategy {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("unknown backoff strategy: %s", config.Orchestrator.Backoff.Strategy)
	}
	switch config.Session.Backend {
	case "", "file", "redis":
	default:
		return fmt.Errorf("unknown session backend: %s", config.Session.Backend)
	}
	for name, svc := range config.Services {
		switch svc.Type {
		case "browser":
			if svc.URL == "" {
				return fmt.Errorf("service %s: browser services need a url", name)
			}
		case "httpapi":
			if svc.BaseURL == "" {
				return fmt.Errorf("service %s: httpapi services need a base_url", name)
			}
		default:
			return fmt.Errorf("service %s: unknown type %q", name, svc.Type)
		}
	}
	return nil
}
