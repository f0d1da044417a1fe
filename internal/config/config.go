package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Device   DeviceConfig
	Session  SessionConfig
	Storage  StorageConfig
	Registry RegistryConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         string `validate:"required"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSCert      string
	TLSKey       string
	BaseURL      string `validate:"required,url"`
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type AuthConfig struct {
	Issuer               string `validate:"required,url"`
	SigningAlgorithm     string `validate:"oneof=HS256 RS256"`
	JWTSecret            string `validate:"required_if=SigningAlgorithm HS256"`
	SigningKeyFile       string
	AccessTokenTTL       time.Duration `validate:"gt=0"`
	RefreshTokenTTL      time.Duration `validate:"gt=0"`
	AuthorizationCodeTTL time.Duration `validate:"gt=0"`
	IDTokenTTL           time.Duration `validate:"gt=0"`
}

type DeviceConfig struct {
	CodeTTL         time.Duration `validate:"gt=0"`
	PollInterval    time.Duration `validate:"gt=0"`
	VerificationURI string
}

type SessionConfig struct {
	CookieName string        `validate:"required"`
	Secret     string        `validate:"required,min=32"`
	TTL        time.Duration `validate:"gt=0"`
	Secure     bool
	LoginURL   string `validate:"required"`
	DevLogin   bool
}

type StorageConfig struct {
	Backend   string        `validate:"oneof=memory redis postgres"`
	Timeout   time.Duration `validate:"gt=0"`
	Housekeep time.Duration
}

type RegistryConfig struct {
	Backend      string `validate:"oneof=file postgres"`
	File         string `validate:"required_if=Backend file"`
	IdentityFile string
	Cache        string `validate:"oneof=none memory redis"`
	CacheTTL     time.Duration
}

type SecurityConfig struct {
	RateLimitBackend  string `validate:"oneof=memory redis"`
	RateLimitRequests int    `validate:"gt=0"`
	RateLimitWindow   time.Duration
	AllowedOrigins    []string
	MaxRequestSize    int64
	CSRFSecret        string `validate:"required,min=32"`
	CSRFTTL           time.Duration
}

type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

func Load() *Config {
	baseURL := getEnv("BASE_URL", "http://localhost:8080")
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "localhost"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
			TLSCert:      getEnv("TLS_CERT", ""),
			TLSKey:       getEnv("TLS_KEY", ""),
			BaseURL:      baseURL,
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Name:         getEnv("DB_NAME", "authz_server"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLife:  getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getIntEnv("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "authz:"),
		},
		Auth: AuthConfig{
			Issuer:               getEnv("ISSUER", baseURL),
			SigningAlgorithm:     getEnv("SIGNING_ALG", "RS256"),
			JWTSecret:            getEnv("JWT_SECRET", ""),
			SigningKeyFile:       getEnv("SIGNING_KEY_FILE", ""),
			AccessTokenTTL:       getDurationEnv("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTokenTTL:      getDurationEnv("REFRESH_TOKEN_TTL", 14*24*time.Hour),
			AuthorizationCodeTTL: getDurationEnv("AUTH_CODE_TTL", 5*time.Minute),
			IDTokenTTL:           getDurationEnv("ID_TOKEN_TTL", 15*time.Minute),
		},
		Device: DeviceConfig{
			CodeTTL:         getDurationEnv("DEVICE_CODE_TTL", 15*time.Minute),
			PollInterval:    getDurationEnv("DEVICE_POLL_INTERVAL", 5*time.Second),
			VerificationURI: getEnv("DEVICE_VERIFICATION_URI", strings.TrimRight(baseURL, "/")+"/verify"),
		},
		Session: SessionConfig{
			CookieName: getEnv("SESSION_COOKIE", "authz_session"),
			Secret:     getEnv("SESSION_SECRET", ""),
			TTL:        getDurationEnv("SESSION_TTL", 12*time.Hour),
			Secure:     getBoolEnv("SESSION_SECURE", true),
			LoginURL:   getEnv("LOGIN_URL", "/login"),
			DevLogin:   getBoolEnv("DEV_LOGIN", false),
		},
		Storage: StorageConfig{
			Backend:   getEnv("GRANT_STORE", "memory"),
			Timeout:   getDurationEnv("STORAGE_TIMEOUT", 3*time.Second),
			Housekeep: getDurationEnv("STORAGE_HOUSEKEEP_INTERVAL", 5*time.Minute),
		},
		Registry: RegistryConfig{
			Backend:      getEnv("CLIENT_REGISTRY", "file"),
			File:         getEnv("CLIENT_REGISTRY_FILE", "clients.yaml"),
			IdentityFile: getEnv("IDENTITY_FILE", ""),
			Cache:        getEnv("CLIENT_CACHE", "memory"),
			CacheTTL:     getDurationEnv("CLIENT_CACHE_TTL", 5*time.Minute),
		},
		Security: SecurityConfig{
			RateLimitBackend:  getEnv("RATE_LIMIT_BACKEND", "memory"),
			RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 100),
			RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
			AllowedOrigins:    parseStringArray(getEnv("ALLOWED_ORIGINS", "")),
			MaxRequestSize:    getInt64Env("MAX_REQUEST_SIZE", 1024*1024),
			CSRFSecret:        getEnv("CSRF_SECRET", ""),
			CSRFTTL:           getDurationEnv("CSRF_TTL", 30*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Validate checks the loaded configuration for values the server cannot start with.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Auth.SigningAlgorithm == "HS256" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("invalid configuration: JWT_SECRET must be at least 32 bytes for HS256")
	}
	if c.Server.TLSCert != "" && c.Server.TLSKey == "" {
		return fmt.Errorf("invalid configuration: TLS_KEY is required when TLS_CERT is set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func parseStringArray(value string) []string {
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
