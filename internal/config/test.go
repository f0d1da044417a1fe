package config

import "time"

func LoadTestConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         "18080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			BaseURL:      "http://localhost:18080",
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "test",
			Password: "test",
			Name:     "test_authz",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "test:",
		},
		Auth: AuthConfig{
			Issuer:               "http://localhost:18080",
			SigningAlgorithm:     "HS256",
			JWTSecret:            "test-secret-key-for-integration-testing",
			AccessTokenTTL:       15 * time.Minute,
			RefreshTokenTTL:      7 * 24 * time.Hour,
			AuthorizationCodeTTL: 5 * time.Minute,
			IDTokenTTL:           15 * time.Minute,
		},
		Device: DeviceConfig{
			CodeTTL:         15 * time.Minute,
			PollInterval:    5 * time.Second,
			VerificationURI: "http://localhost:18080/verify",
		},
		Session: SessionConfig{
			CookieName: "authz_session",
			Secret:     "test-session-secret-for-integration-tests",
			TTL:        time.Hour,
			LoginURL:   "/login",
			DevLogin:   true,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Timeout: time.Second,
		},
		Registry: RegistryConfig{
			Backend: "file",
			File:    "testdata/clients.yaml",
			Cache:   "none",
		},
		Security: SecurityConfig{
			RateLimitBackend:  "memory",
			RateLimitRequests: 1000,
			RateLimitWindow:   time.Minute,
			AllowedOrigins:    []string{"*"},
			MaxRequestSize:    1024 * 1024,
			CSRFSecret:        "test-csrf-secret-for-integration-tests",
			CSRFTTL:           30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "error",
			Format: "json",
		},
	}
}
