package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/hearth/pkg/observability"
)

// SessionTokenKey is where the CLI keeps its refresh token, in the same
// backend as the persisted role tier
const SessionTokenKey = "hearth:session:refresh_token"

// Persisted cache tier backends
const (
	PersistedBackendRedis  = "redis"
	PersistedBackendSQLite = "sqlite"
	PersistedBackendNone   = "none"
)

// Rate limiter backends
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Auth          AuthConfig
	Roles         RolesConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds the Postgres connection for the members/admins tables
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// CacheConfig configures both tiers. TTLs are independent.
type CacheConfig struct {
	MemoryTTL        time.Duration
	MemoryMaxEntries int

	PersistedBackend string
	PersistedTTL     time.Duration
	RedisURL         string
	SQLitePath       string
	KeyPrefix        string
}

// AuthConfig configures the external OpenID Connect identity provider
type AuthConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// SessionPath is where the CLI keeps its refresh token
	SessionPath string
}

// RolesConfig configures role resolution and the admin workflow
type RolesConfig struct {
	ResolveTimeout      time.Duration
	CapabilitiesFile    string
	WatchCapabilities   bool
	ConsistencySchedule string
}

// RateLimitConfig limits API requests per user, or per client address when
// unauthenticated. The redis backend shares counters across replicas using
// Cache.RedisURL.
type RateLimitConfig struct {
	Enabled  bool
	Backend  string
	Requests int
	Window   time.Duration
	Burst    int
}

// AuditConfig controls how long audit events stay in Postgres. When
// ArchiveBucket is set, hearth-sweeper moves events older than Retention to
// that S3 bucket.
type AuditConfig struct {
	Retention      time.Duration
	ArchiveBatch   int
	ArchiveBucket  string
	ArchivePrefix  string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// ArchiveEnabled reports whether an archive bucket is configured
func (c AuditConfig) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from the environment. A .env file (or the file
// named by HEARTH_ENV_FILE) is read first; variables already set take precedence.
func LoadConfig() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Auth:          loadAuthConfig(),
		Roles:         loadRolesConfig(),
		RateLimit:     loadRateLimitConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadEnvFile() error {
	path := os.Getenv("HEARTH_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return fmt.Errorf("env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HEARTH_HOST", "0.0.0.0"),
		Port:            getEnv("HEARTH_PORT", "8080"),
		ReadTimeout:     getEnvDuration("HEARTH_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("HEARTH_WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getEnvDuration("HEARTH_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("HEARTH_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("HEARTH_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("HEARTH_DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("HEARTH_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("HEARTH_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		AutoMigrate:     getEnvBool("HEARTH_DATABASE_AUTO_MIGRATE", true),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		MemoryTTL:        getEnvDuration("HEARTH_CACHE_MEMORY_TTL", 5*time.Minute),
		MemoryMaxEntries: getEnvInt("HEARTH_CACHE_MEMORY_MAX_ENTRIES", 10000),
		PersistedBackend: strings.ToLower(getEnv("HEARTH_CACHE_PERSISTED_BACKEND", PersistedBackendRedis)),
		PersistedTTL:     getEnvDuration("HEARTH_CACHE_PERSISTED_TTL", 30*time.Minute),
		RedisURL:         getEnv("HEARTH_REDIS_URL", "redis://localhost:6379/0"),
		SQLitePath:       getEnv("HEARTH_CACHE_SQLITE_PATH", "hearth-cache.db"),
		KeyPrefix:        getEnv("HEARTH_CACHE_KEY_PREFIX", "hearth:role:"),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		IssuerURL:    getEnv("HEARTH_OIDC_ISSUER_URL", ""),
		ClientID:     getEnv("HEARTH_OIDC_CLIENT_ID", ""),
		ClientSecret: getEnv("HEARTH_OIDC_CLIENT_SECRET", ""),
		Scopes:       getEnvList("HEARTH_OIDC_SCOPES", []string{"openid", "email", "profile", "offline_access"}),
		SessionPath:  getEnv("HEARTH_SESSION_PATH", defaultSessionPath()),
	}
}

func loadRolesConfig() RolesConfig {
	return RolesConfig{
		ResolveTimeout:      getEnvDuration("HEARTH_RESOLVE_TIMEOUT", 5*time.Second),
		CapabilitiesFile:    getEnv("HEARTH_CAPABILITIES_FILE", ""),
		WatchCapabilities:   getEnvBool("HEARTH_CAPABILITIES_WATCH", false),
		ConsistencySchedule: getEnv("HEARTH_CONSISTENCY_SCHEDULE", "@every 15m"),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:  getEnvBool("HEARTH_RATE_LIMIT_ENABLED", true),
		Backend:  strings.ToLower(getEnv("HEARTH_RATE_LIMIT_BACKEND", RateLimitBackendMemory)),
		Requests: getEnvInt("HEARTH_RATE_LIMIT_REQUESTS", 300),
		Window:   getEnvDuration("HEARTH_RATE_LIMIT_WINDOW", time.Minute),
		Burst:    getEnvInt("HEARTH_RATE_LIMIT_BURST", 30),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Retention:      getEnvDuration("HEARTH_AUDIT_RETENTION", 90*24*time.Hour),
		ArchiveBatch:   getEnvInt("HEARTH_AUDIT_ARCHIVE_BATCH", 1000),
		ArchiveBucket:  getEnv("HEARTH_AUDIT_ARCHIVE_BUCKET", ""),
		ArchivePrefix:  getEnv("HEARTH_AUDIT_ARCHIVE_PREFIX", "audit"),
		S3Region:       getEnv("HEARTH_S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("HEARTH_S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("HEARTH_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("HEARTH_S3_SECRET_KEY", ""),
		S3UsePathStyle: getEnvBool("HEARTH_S3_USE_PATH_STYLE", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("HEARTH_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("HEARTH_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("HEARTH_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("HEARTH_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("HEARTH_OTEL_SERVICE_NAME", "hearth"),
		OTelServiceVersion: getEnv("HEARTH_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("HEARTH_OTEL_INSECURE", true),
	}
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Server.Port == c.Server.HealthPort {
		errs = append(errs, errors.New("health port must differ from server port"))
	}

	if c.Cache.MemoryTTL <= 0 {
		errs = append(errs, errors.New("cache memory TTL must be positive"))
	}
	if c.Cache.MemoryMaxEntries <= 0 {
		errs = append(errs, errors.New("cache memory max entries must be positive"))
	}
	// clearing the role cache deletes every key under the prefix
	if strings.HasPrefix(SessionTokenKey, c.Cache.KeyPrefix) {
		errs = append(errs, fmt.Errorf("cache key prefix %q would cover the session token key %s", c.Cache.KeyPrefix, SessionTokenKey))
	}
	switch c.Cache.PersistedBackend {
	case PersistedBackendRedis:
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("redis URL is required for the redis persisted tier"))
		}
	case PersistedBackendSQLite:
		if c.Cache.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path is required for the sqlite persisted tier"))
		}
	case PersistedBackendNone:
	default:
		errs = append(errs, fmt.Errorf("unknown persisted cache backend %q", c.Cache.PersistedBackend))
	}
	if c.Cache.PersistedBackend != PersistedBackendNone && c.Cache.PersistedTTL <= 0 {
		errs = append(errs, errors.New("cache persisted TTL must be positive"))
	}

	if c.Roles.ResolveTimeout <= 0 {
		errs = append(errs, errors.New("resolve timeout must be positive"))
	}
	if c.Roles.ConsistencySchedule != "" {
		if _, err := cron.ParseStandard(c.Roles.ConsistencySchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid consistency schedule: %w", err))
		}
	}
	if c.Roles.WatchCapabilities && c.Roles.CapabilitiesFile == "" {
		errs = append(errs, errors.New("capabilities watch requires a capabilities file"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("rate limit requests and window must be positive"))
		}
		switch c.RateLimit.Backend {
		case RateLimitBackendMemory:
		case RateLimitBackendRedis:
			if c.Cache.RedisURL == "" {
				errs = append(errs, errors.New("redis URL is required for the redis rate limiter"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend))
		}
	}

	if c.Audit.ArchiveEnabled() {
		if c.Audit.Retention <= 0 {
			errs = append(errs, errors.New("audit retention must be positive"))
		}
		if c.Audit.ArchiveBatch <= 0 {
			errs = append(errs, errors.New("audit archive batch must be positive"))
		}
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		errs = append(errs, errors.New("OTel endpoint is required when OTel is enabled"))
	}

	return errors.Join(errs...)
}

// ValidateServer checks the settings only the HTTP server needs
func (c *Config) ValidateServer() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("HEARTH_DATABASE_URL is required"))
	}
	if c.Auth.IssuerURL == "" || c.Auth.ClientID == "" {
		errs = append(errs, errors.New("HEARTH_OIDC_ISSUER_URL and HEARTH_OIDC_CLIENT_ID are required"))
	}
	return errors.Join(errs...)
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "hearth-session.db"
	}
	return dir + string(os.PathSeparator) + "hearth" + string(os.PathSeparator) + "session.db"
}

// getEnv returns an environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
