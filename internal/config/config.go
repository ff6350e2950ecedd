package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Redis    RedisConfig
	MFA      MFAConfig
	Email    EmailConfig
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
	RunMigrations     bool
	LogQueries        bool
}

type ServerConfig struct {
	Port             string
	Env              string
	LogLevel         string
	TrustedProxies   []string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	LoginRateLimit   int // requests per minute per IP and handle
	RefreshRateLimit int // requests per minute per IP
}

type AuthConfig struct {
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	MFAChallengeExpiry time.Duration
	TimingBaseDelayMs  int
	TimingRandomMs     int
	CleanupInterval    time.Duration
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type MFAConfig struct {
	Issuer              string
	EncryptionKey       []byte
	BackupCodeCount     int
	BackupCodeHashCost  int
	BackupCodeValidity  time.Duration // 0 = codes never expire
	EmailOtpExpiry      time.Duration
	EmailOtpMaxAttempts int
	SetupExpiry         time.Duration
	AlertThreshold      int
	AlertWindow         time.Duration
}

type EmailConfig struct {
	Enabled       bool
	Region        string
	FromAddress   string
	SendPerSecond float64
	SendBurst     int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "gatekeeper"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			RunMigrations:     getEnvAsBool("DB_RUN_MIGRATIONS", true),
			LogQueries:        getEnvAsBool("DB_LOG_QUERIES", false),
		},
		Server: ServerConfig{
			Port:             getEnv("PORT", "8080"),
			Env:              env,
			LogLevel:         getEnv("LOG_LEVEL", "info"),
			TrustedProxies:   getEnvAsList("TRUSTED_PROXIES"),
			ReadTimeout:      getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:     getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:      getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			LoginRateLimit:   getEnvAsInt("LOGIN_RATE_LIMIT", 5),
			RefreshRateLimit: getEnvAsInt("REFRESH_RATE_LIMIT", 30),
		},
		Auth: AuthConfig{
			JWTSecret:          jwtSecret,
			AccessTokenExpiry:  getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			MFAChallengeExpiry: getEnvAsDuration("MFA_CHALLENGE_EXPIRY", 5*time.Minute),
			TimingBaseDelayMs:  getEnvAsInt("AUTH_TIMING_BASE_DELAY_MS", 500),
			TimingRandomMs:     getEnvAsInt("AUTH_TIMING_RANDOM_DELAY_MS", 100),
			CleanupInterval:    getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "gk"),
		},
		MFA: MFAConfig{
			Issuer:              getEnv("MFA_ISSUER", "Gatekeeper"),
			EncryptionKey:       []byte(getEnv("MFA_ENCRYPTION_KEY", "")),
			BackupCodeCount:     getEnvAsInt("MFA_BACKUP_CODE_COUNT", 10),
			BackupCodeHashCost:  getEnvAsInt("MFA_BACKUP_CODE_HASH_COST", 12),
			BackupCodeValidity:  getEnvAsDuration("MFA_BACKUP_CODE_VALIDITY", 0),
			EmailOtpExpiry:      getEnvAsDuration("MFA_EMAIL_OTP_EXPIRY", 10*time.Minute),
			EmailOtpMaxAttempts: getEnvAsInt("MFA_EMAIL_OTP_MAX_ATTEMPTS", 3),
			SetupExpiry:         getEnvAsDuration("MFA_SETUP_EXPIRY", 15*time.Minute),
			AlertThreshold:      getEnvAsInt("MFA_ALERT_THRESHOLD", 5),
			AlertWindow:         getEnvAsDuration("MFA_ALERT_WINDOW", 1*time.Hour),
		},
		Email: EmailConfig{
			Enabled:       getEnvAsBool("EMAIL_ENABLED", false),
			Region:        getEnv("AWS_REGION", "us-east-1"),
			FromAddress:   getEnv("EMAIL_FROM_ADDRESS", "no-reply@localhost"),
			SendPerSecond: getEnvAsFloat("EMAIL_SEND_RATE", 1),
			SendBurst:     getEnvAsInt("EMAIL_SEND_BURST", 5),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if len(cfg.MFA.EncryptionKey) != 32 {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must be exactly 32 bytes (got %d)", len(cfg.MFA.EncryptionKey))
	}

	if cfg.MFA.EmailOtpMaxAttempts < 1 {
		return nil, fmt.Errorf("MFA_EMAIL_OTP_MAX_ATTEMPTS must be at least 1")
	}

	if cfg.MFA.BackupCodeCount < 1 {
		return nil, fmt.Errorf("MFA_BACKUP_CODE_COUNT must be at least 1")
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
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

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return []string{}
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
