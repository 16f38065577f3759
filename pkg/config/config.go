package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/clinicaccess/pkg/observability"
)

// ConfigFileEnv names the YAML file read before environment overrides
const ConfigFileEnv = "CLINICACCESS_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Cache         CacheConfig         `yaml:"cache"`
	Session       SessionConfig       `yaml:"session"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// Health/metrics server (separate port for k8s health checks)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig selects the SQL store
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite3"
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables cross-instance invalidation and shared rate limits.
// An empty URL keeps both in-process.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Channel  string `yaml:"channel"`
	PoolSize int    `yaml:"pool_size"`
}

// CacheConfig sizes the read-through cache
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// SessionConfig controls the live session registry
type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// RateLimitConfig limits /v1 requests per caller
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
	Burst             int           `yaml:"burst"`
	FailOpen          bool          `yaml:"fail_open"`
}

// AuditConfig selects the audit sinks
type AuditConfig struct {
	Database    bool   `yaml:"database"`
	FilePath    string `yaml:"file_path"`
	MaxFileSize int64  `yaml:"max_file_size"`
	MaxFiles    int    `yaml:"max_files"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel `yaml:"-"`
	LogLevelName   string                 `yaml:"log_level"`
	MetricsEnabled bool                   `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Channel:  "clinicaccess:invalidate",
			PoolSize: 10,
		},
		Cache: CacheConfig{
			Size: 4096,
			TTL:  5 * time.Minute,
		},
		Session: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			SweepSchedule: "@every 1m",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: 120,
			Window:            time.Minute,
			Burst:             20,
		},
		Audit: AuditConfig{
			Database: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.InfoLevel,
			LogLevelName:       "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "clinicaccess",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig loads configuration from the file named by CLINICACCESS_CONFIG_FILE
// (if any) and then from environment variables
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(ConfigFileEnv))
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides every field whose CLINICACCESS_* variable is set
func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("CLINICACCESS_HOST", s.Host)
	s.Port = getEnv("CLINICACCESS_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("CLINICACCESS_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("CLINICACCESS_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("CLINICACCESS_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("CLINICACCESS_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("CLINICACCESS_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.HealthPort = getEnv("CLINICACCESS_HEALTH_PORT", s.HealthPort)

	// Database
	d := &c.Database
	d.Driver = getEnv("CLINICACCESS_DB_DRIVER", d.Driver)
	d.URL = getEnv("CLINICACCESS_DB_URL", d.URL)
	d.MaxOpenConns = getEnvInt("CLINICACCESS_DB_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("CLINICACCESS_DB_MAX_IDLE_CONNS", d.MaxIdleConns)
	d.ConnMaxLifetime = getEnvDuration("CLINICACCESS_DB_CONN_MAX_LIFETIME", d.ConnMaxLifetime)

	// Redis
	r := &c.Redis
	r.URL = getEnv("CLINICACCESS_REDIS_URL", r.URL)
	r.Channel = getEnv("CLINICACCESS_REDIS_CHANNEL", r.Channel)
	r.PoolSize = getEnvInt("CLINICACCESS_REDIS_POOL_SIZE", r.PoolSize)

	// Cache and sessions
	c.Cache.Size = getEnvInt("CLINICACCESS_CACHE_SIZE", c.Cache.Size)
	c.Cache.TTL = getEnvDuration("CLINICACCESS_CACHE_TTL", c.Cache.TTL)
	c.Session.IdleTimeout = getEnvDuration("CLINICACCESS_SESSION_IDLE_TIMEOUT", c.Session.IdleTimeout)
	c.Session.SweepSchedule = getEnv("CLINICACCESS_SESSION_SWEEP_SCHEDULE", c.Session.SweepSchedule)

	// Rate limiting
	rl := &c.RateLimit
	rl.Enabled = getEnvBool("CLINICACCESS_RATE_LIMIT_ENABLED", rl.Enabled)
	rl.RequestsPerWindow = getEnvInt("CLINICACCESS_RATE_LIMIT_REQUESTS", rl.RequestsPerWindow)
	rl.Window = getEnvDuration("CLINICACCESS_RATE_LIMIT_WINDOW", rl.Window)
	rl.Burst = getEnvInt("CLINICACCESS_RATE_LIMIT_BURST", rl.Burst)
	rl.FailOpen = getEnvBool("CLINICACCESS_RATE_LIMIT_FAIL_OPEN", rl.FailOpen)

	// Audit
	a := &c.Audit
	a.Database = getEnvBool("CLINICACCESS_AUDIT_DB", a.Database)
	a.FilePath = getEnv("CLINICACCESS_AUDIT_FILE_PATH", a.FilePath)
	a.MaxFileSize = getEnvInt64("CLINICACCESS_AUDIT_MAX_FILE_SIZE", a.MaxFileSize)
	a.MaxFiles = getEnvInt("CLINICACCESS_AUDIT_MAX_FILES", a.MaxFiles)

	// Observability
	o := &c.Observability
	o.LogLevelName = getEnv("CLINICACCESS_LOG_LEVEL", o.LogLevelName)
	o.LogLevel = observability.ParseLogLevel(o.LogLevelName)
	o.MetricsEnabled = getEnvBool("CLINICACCESS_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("CLINICACCESS_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("CLINICACCESS_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("CLINICACCESS_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("CLINICACCESS_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("CLINICACCESS_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("CLINICACCESS_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
		if c.Database.URL == "" {
			return fmt.Errorf("database URL is required for %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}

	if c.Cache.Size <= 0 {
		return fmt.Errorf("cache size must be positive")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache TTL must not be negative")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit requests and window must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Burst < 0 {
			return fmt.Errorf("rate limit burst must not be negative")
		}
	}

	if !c.Audit.Database && c.Audit.FilePath == "" {
		return fmt.Errorf("at least one audit sink (database or file) is required")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// OTel converts the observability settings for observability.InitOTel
func (c *Config) OTel() observability.OTelConfig {
	o := c.Observability
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
