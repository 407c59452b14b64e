package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported attempt store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverRedis    = "redis"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Store         StoreConfig
	Guard         GuardConfig
	RateLimit     RateLimitConfig
	Auth          AuthConfig
	Notify        NotifyConfig
	Observability ObservabilityConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	LogLevel        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	TrustedProxies  []string // CIDR ranges whose forwarding headers are honoured
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	AutoMigrate       bool
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type StoreConfig struct {
	Driver string
}

// GuardConfig holds the progressive blocking policy and ledger settings
type GuardConfig struct {
	IPThresholds         [3]int
	EmailThresholds      [3]int
	BlockDurations       [3]time.Duration
	StalenessWindow      time.Duration
	RetentionDays        int
	IncludeExpiredBlocks bool
	FailClosed           bool
	StoreTimeout         time.Duration
	SweepTimeout         time.Duration
	CleanupSchedule      string
	CleanupTimeout       time.Duration
}

// RateLimitConfig holds the generic request rate limit layers
type RateLimitConfig struct {
	Enabled        bool
	GlobalRequests int
	GlobalWindow   time.Duration
	LoginRequests  int
	LoginWindow    time.Duration
	APIRequests    int
	APIWindow      time.Duration
	StrictRequests int
	StrictWindow   time.Duration
}

type AuthConfig struct {
	JWTSecret       string
	TokenIssuer     string
	DefaultTokenTTL time.Duration
	RejectDelay     time.Duration // Minimum response time for rejected tokens
	RejectJitter    time.Duration
}

type NotifyConfig struct {
	FromAddress string // Notifications are disabled when empty
	AWSRegion   string
	MinTier     int
}

type ObservabilityConfig struct {
	SentryDSN        string
	SentrySampleRate float64
	MetricsEnabled   bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Env:             env,
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			TrustedProxies:  getEnvAsSlice("TRUSTED_PROXIES", nil),
		},
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "loginguard"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			AutoMigrate:       getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "loginguard"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		},
		Guard: GuardConfig{
			IPThresholds: [3]int{
				getEnvAsInt("GUARD_IP_FIRST_THRESHOLD", 3),
				getEnvAsInt("GUARD_IP_SECOND_THRESHOLD", 5),
				getEnvAsInt("GUARD_IP_THIRD_THRESHOLD", 8),
			},
			EmailThresholds: [3]int{
				getEnvAsInt("GUARD_EMAIL_FIRST_THRESHOLD", 3),
				getEnvAsInt("GUARD_EMAIL_SECOND_THRESHOLD", 5),
				getEnvAsInt("GUARD_EMAIL_THIRD_THRESHOLD", 8),
			},
			BlockDurations: [3]time.Duration{
				getEnvAsDuration("GUARD_FIRST_BLOCK_DURATION", 15*time.Minute),
				getEnvAsDuration("GUARD_SECOND_BLOCK_DURATION", 1*time.Hour),
				getEnvAsDuration("GUARD_THIRD_BLOCK_DURATION", 24*time.Hour),
			},
			StalenessWindow:      getEnvAsDuration("GUARD_STALENESS_WINDOW", 24*time.Hour),
			RetentionDays:        getEnvAsInt("GUARD_RETENTION_DAYS", 30),
			IncludeExpiredBlocks: getEnvAsBool("GUARD_CLEANUP_INCLUDE_EXPIRED", false),
			FailClosed:           getEnvAsBool("GUARD_FAIL_CLOSED", false),
			StoreTimeout:         getEnvAsDuration("GUARD_STORE_TIMEOUT", 2*time.Second),
			SweepTimeout:         getEnvAsDuration("GUARD_SWEEP_TIMEOUT", 30*time.Second),
			CleanupSchedule:      getEnv("CLEANUP_SCHEDULE", "@every 1h"),
			CleanupTimeout:       getEnvAsDuration("CLEANUP_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvAsBool("RATE_LIMIT_ENABLED", true),
			GlobalRequests: getEnvAsInt("RATE_LIMIT_GLOBAL_REQUESTS", 6000),
			GlobalWindow:   getEnvAsDuration("RATE_LIMIT_GLOBAL_WINDOW", 1*time.Minute),
			LoginRequests:  getEnvAsInt("RATE_LIMIT_LOGIN_REQUESTS", 20),
			LoginWindow:    getEnvAsDuration("RATE_LIMIT_LOGIN_WINDOW", 15*time.Minute),
			APIRequests:    getEnvAsInt("RATE_LIMIT_API_REQUESTS", 3000),
			APIWindow:      getEnvAsDuration("RATE_LIMIT_API_WINDOW", 1*time.Minute),
			StrictRequests: getEnvAsInt("RATE_LIMIT_STRICT_REQUESTS", 5),
			StrictWindow:   getEnvAsDuration("RATE_LIMIT_STRICT_WINDOW", 1*time.Hour),
		},
		Auth: AuthConfig{
			JWTSecret:       jwtSecret,
			TokenIssuer:     getEnv("TOKEN_ISSUER", "loginguard"),
			DefaultTokenTTL: getEnvAsDuration("TOKEN_DEFAULT_TTL", 30*24*time.Hour),
			RejectDelay:     getEnvAsDuration("AUTH_REJECT_DELAY", 100*time.Millisecond),
			RejectJitter:    getEnvAsDuration("AUTH_REJECT_JITTER", 50*time.Millisecond),
		},
		Notify: NotifyConfig{
			FromAddress: getEnv("NOTIFY_FROM_ADDRESS", ""),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			MinTier:     getEnvAsInt("NOTIFY_MIN_TIER", 2),
		},
		Observability: ObservabilityConfig{
			SentryDSN:        getEnv("SENTRY_DSN", ""),
			SentrySampleRate: getEnvAsFloat("SENTRY_SAMPLE_RATE", 1.0),
			MetricsEnabled:   getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that do not depend on other components
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_DRIVER=%s", StoreDriverRedis)
		}
	case StoreDriverMemory:
		if c.Server.Env == "production" {
			return fmt.Errorf("STORE_DRIVER=%s is not allowed in production", StoreDriverMemory)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want postgres, redis or memory)", c.Store.Driver)
	}

	if err := validateJWTSecret(c.Auth.JWTSecret, c.Server.Env); err != nil {
		return err
	}

	if c.Guard.RetentionDays <= 0 {
		return fmt.Errorf("GUARD_RETENTION_DAYS must be positive (got %d)", c.Guard.RetentionDays)
	}
	if c.Guard.StoreTimeout <= 0 {
		return fmt.Errorf("GUARD_STORE_TIMEOUT must be positive")
	}
	if c.Guard.SweepTimeout <= 0 {
		return fmt.Errorf("GUARD_SWEEP_TIMEOUT must be positive")
	}
	for _, cidr := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("TRUSTED_PROXIES entry %q is not a CIDR range: %w", cidr, err)
		}
	}
	if c.Notify.MinTier < 1 || c.Notify.MinTier > 3 {
		return fmt.Errorf("NOTIFY_MIN_TIER must be between 1 and 3 (got %d)", c.Notify.MinTier)
	}

	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	// Minimum length based on environment
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsSlice splits a comma separated variable, dropping empty entries
func getEnvAsSlice(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
