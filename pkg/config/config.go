package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/storyloom/storyloom/pkg/httputil"
	"github.com/storyloom/storyloom/pkg/observability"
)

// Cache backends for resolved principal permissions
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Audit sinks
const (
	AuditSinkDB   = "db"
	AuditSinkLog  = "log"
	AuditSinkBoth = "both"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	RBAC          RBACConfig
	Auth          AuthConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Per principal (or per IP before auth); 0 disables
	RateLimitPerMinute int
	RateLimitBurst     int

	// Proxies (CIDRs or addresses) allowed to set X-Forwarded-For and
	// X-Real-IP. Empty means the connection peer is the client.
	TrustedProxies []string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

// RedisConfig holds Redis connection settings. Redis is optional unless a
// Redis-backed cache or rate limiter is selected.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
}

// RBACConfig holds permission resolution settings
type RBACConfig struct {
	CacheBackend   string
	CacheTTL       time.Duration
	CacheSize      int
	SuperAdminRole string
	SeedFile       string
	WatchSeed      bool
}

// AuthConfig holds admin session settings
type AuthConfig struct {
	SessionTTL time.Duration

	// OIDC sign-in is off when OIDCIssuerURL is empty
	OIDCIssuerURL     string
	OIDCClientID      string
	OIDCClientSecret  string
	OIDCRedirectURL   string
	OIDCScopes        []string
	OIDCUsernameClaim string
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	Sink          string
	RetentionDays int
	Async         bool

	// Webhook delivery is off when WebhookURL is empty
	WebhookURL    string
	WebhookSecret string
	WebhookEvents []string

	Archive ArchiveConfig
}

// ArchiveConfig holds the S3 bucket that receives audit events before
// retention deletes them
type ArchiveConfig struct {
	Enabled      bool
	Bucket       string
	Region       string
	Endpoint     string // for MinIO or other S3-compatible stores
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		RBAC:          loadRBACConfig(),
		Auth:          loadAuthConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:               getEnv("STORYLOOM_HOST", "0.0.0.0"),
		Port:               getEnv("STORYLOOM_PORT", "8080"),
		ReadTimeout:        getEnvDuration("STORYLOOM_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:       getEnvDuration("STORYLOOM_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:        getEnvDuration("STORYLOOM_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:    getEnvDuration("STORYLOOM_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:         getEnv("STORYLOOM_HEALTH_PORT", "9090"),
		RateLimitPerMinute: getEnvInt("STORYLOOM_RATE_LIMIT_PER_MINUTE", 300),
		RateLimitBurst:     getEnvInt("STORYLOOM_RATE_LIMIT_BURST", 30),
		TrustedProxies:     getEnvList("STORYLOOM_TRUSTED_PROXIES"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("STORYLOOM_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("STORYLOOM_DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("STORYLOOM_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("STORYLOOM_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		MigrateOnStart:  getEnvBool("STORYLOOM_MIGRATE_ON_START", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("STORYLOOM_REDIS_URL", ""),
		Password:   getEnv("STORYLOOM_REDIS_PASSWORD", ""),
		DB:         getEnvInt("STORYLOOM_REDIS_DB", 0),
		PoolSize:   getEnvInt("STORYLOOM_REDIS_POOL_SIZE", 10),
		MaxRetries: getEnvInt("STORYLOOM_REDIS_MAX_RETRIES", 3),
	}
}

func loadRBACConfig() RBACConfig {
	return RBACConfig{
		CacheBackend:   strings.ToLower(getEnv("STORYLOOM_RBAC_CACHE_BACKEND", CacheBackendMemory)),
		CacheTTL:       getEnvDuration("STORYLOOM_RBAC_CACHE_TTL", 300*time.Second),
		CacheSize:      getEnvInt("STORYLOOM_RBAC_CACHE_SIZE", 10000),
		SuperAdminRole: getEnv("STORYLOOM_RBAC_SUPER_ADMIN_ROLE", "super_admin"),
		SeedFile:       getEnv("STORYLOOM_RBAC_SEED_FILE", ""),
		WatchSeed:      getEnvBool("STORYLOOM_RBAC_WATCH_SEED", false),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		SessionTTL:        getEnvDuration("STORYLOOM_SESSION_TTL", 12*time.Hour),
		OIDCIssuerURL:     getEnv("STORYLOOM_OIDC_ISSUER_URL", ""),
		OIDCClientID:      getEnv("STORYLOOM_OIDC_CLIENT_ID", ""),
		OIDCClientSecret:  getEnv("STORYLOOM_OIDC_CLIENT_SECRET", ""),
		OIDCRedirectURL:   getEnv("STORYLOOM_OIDC_REDIRECT_URL", ""),
		OIDCScopes:        getEnvList("STORYLOOM_OIDC_SCOPES"),
		OIDCUsernameClaim: getEnv("STORYLOOM_OIDC_USERNAME_CLAIM", ""),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Sink:          strings.ToLower(getEnv("STORYLOOM_AUDIT_SINK", AuditSinkBoth)),
		RetentionDays: getEnvInt("STORYLOOM_AUDIT_RETENTION_DAYS", 90),
		Async:         getEnvBool("STORYLOOM_AUDIT_ASYNC", false),
		WebhookURL:    getEnv("STORYLOOM_AUDIT_WEBHOOK_URL", ""),
		WebhookSecret: getEnv("STORYLOOM_AUDIT_WEBHOOK_SECRET", ""),
		WebhookEvents: getEnvList("STORYLOOM_AUDIT_WEBHOOK_EVENTS"),
		Archive: ArchiveConfig{
			Enabled:      getEnvBool("STORYLOOM_AUDIT_ARCHIVE_ENABLED", false),
			Bucket:       getEnv("STORYLOOM_AUDIT_ARCHIVE_BUCKET", ""),
			Region:       getEnv("STORYLOOM_AUDIT_ARCHIVE_REGION", "us-east-1"),
			Endpoint:     getEnv("STORYLOOM_AUDIT_ARCHIVE_ENDPOINT", ""),
			Prefix:       getEnv("STORYLOOM_AUDIT_ARCHIVE_PREFIX", ""),
			AccessKey:    getEnv("STORYLOOM_AUDIT_ARCHIVE_ACCESS_KEY", ""),
			SecretKey:    getEnv("STORYLOOM_AUDIT_ARCHIVE_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("STORYLOOM_AUDIT_ARCHIVE_PATH_STYLE", false),
		},
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("STORYLOOM_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("STORYLOOM_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("STORYLOOM_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("STORYLOOM_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("STORYLOOM_OTEL_SERVICE_NAME", "storyloom-admin"),
		OTelServiceVersion: getEnv("STORYLOOM_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("STORYLOOM_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	if _, err := httputil.ParseProxyNetworks(c.Server.TrustedProxies); err != nil {
		return err
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.RBAC.CacheBackend {
	case CacheBackendMemory:
		if c.RBAC.CacheSize <= 0 {
			return fmt.Errorf("rbac cache size must be positive")
		}
	case CacheBackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("invalid rbac cache backend: %s (must be memory or redis)", c.RBAC.CacheBackend)
	}
	if c.RBAC.CacheTTL <= 0 {
		return fmt.Errorf("rbac cache TTL must be positive")
	}
	if c.RBAC.SuperAdminRole == "" {
		return fmt.Errorf("super admin role name is required")
	}
	if c.RBAC.WatchSeed && c.RBAC.SeedFile == "" {
		return fmt.Errorf("seed file is required when seed watching is enabled")
	}

	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Auth.OIDCIssuerURL != "" && (c.Auth.OIDCClientID == "" || c.Auth.OIDCRedirectURL == "") {
		return fmt.Errorf("OIDC client id and redirect URL are required when an issuer is set")
	}

	switch c.Audit.Sink {
	case AuditSinkDB, AuditSinkLog, AuditSinkBoth:
	default:
		return fmt.Errorf("invalid audit sink: %s (must be db, log, or both)", c.Audit.Sink)
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive")
	}
	if c.Audit.WebhookURL != "" {
		u, err := url.Parse(c.Audit.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid audit webhook URL: %s", c.Audit.WebhookURL)
		}
	}
	if c.Audit.Archive.Enabled && c.Audit.Archive.Bucket == "" {
		return fmt.Errorf("audit archive bucket is required when archiving is enabled")
	}
	if c.Audit.Archive.Enabled && c.Audit.Sink == AuditSinkLog {
		return fmt.Errorf("audit archiving requires the db sink")
	}

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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable, dropping blanks
func getEnvList(key string) []string {
	var values []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
