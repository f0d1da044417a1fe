package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"authz-server/internal/audit"
	"authz-server/internal/auth"
	"authz-server/internal/cache"
	"authz-server/internal/config"
	"authz-server/internal/db"
	"authz-server/internal/handlers"
	"authz-server/internal/logging"
	"authz-server/internal/middleware"
	"authz-server/internal/monitoring"
	"authz-server/internal/oidc"
	"authz-server/internal/principal"
	"authz-server/internal/ratelimit"
	"authz-server/internal/registry"
	"authz-server/internal/session"
	"authz-server/internal/store"
	"authz-server/pkg/jwks"
	jwtpkg "authz-server/pkg/jwt"
)

// backends holds the shared connections so they can be closed on shutdown.
type backends struct {
	db    *sql.DB
	redis *redis.Client
}

func (b *backends) close() {
	if b.redis != nil {
		b.redis.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Storage.Backend == "redis" || cfg.Registry.Cache == "redis" || cfg.Security.RateLimitBackend == "redis"
}

func needsDatabase(cfg *config.Config) bool {
	return cfg.Storage.Backend == "postgres" || cfg.Registry.Backend == "postgres"
}

func connect(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*backends, error) {
	b := &backends{}
	if needsDatabase(cfg) {
		conn, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		b.db = conn
		logger.InfoEvent().Str("host", cfg.Database.Host).Str("database", cfg.Database.Name).Msg("Connected to Postgres")
	}
	if needsRedis(cfg) {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			b.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.redis = client
		logger.InfoEvent().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}
	return b, nil
}

func newStore(cfg *config.Config, b *backends) store.Store {
	switch cfg.Storage.Backend {
	case "postgres":
		return store.NewPostgresStore(b.db)
	case "redis":
		return store.NewRedisStore(b.redis, cfg.Redis.KeyPrefix)
	default:
		return store.NewMemoryStore()
	}
}

func newRegistry(cfg *config.Config, b *backends) (registry.Registry, cache.Cache, error) {
	var reg registry.Registry
	switch cfg.Registry.Backend {
	case "postgres":
		reg = registry.NewPostgresRegistry(b.db)
	default:
		fileReg, err := registry.LoadFile(cfg.Registry.File)
		if err != nil {
			return nil, nil, err
		}
		reg = fileReg
	}

	var c cache.Cache
	switch cfg.Registry.Cache {
	case "memory":
		c = cache.NewMemoryCache(cfg.Registry.CacheTTL)
	case "redis":
		c = cache.NewRedisCache(b.redis, cfg.Redis.KeyPrefix)
	default:
		return reg, nil, nil
	}
	return cache.NewCachedRegistry(reg, c, cfg.Registry.CacheTTL), c, nil
}

func newSigner(cfg *config.Config, logger *logging.Logger) (*jwtpkg.Manager, *jwks.KeyManager, error) {
	if cfg.Auth.SigningAlgorithm == "HS256" {
		logger.Warn("Signing tokens with HS256; resource servers cannot verify them without the shared secret")
		return jwtpkg.NewManager(cfg.Auth.Issuer, cfg.Auth.JWTSecret), nil, nil
	}

	var keys *jwks.KeyManager
	var err error
	if cfg.Auth.SigningKeyFile != "" {
		keys, err = jwks.LoadKeyManager(cfg.Auth.SigningKeyFile)
	} else {
		logger.Warn("SIGNING_KEY_FILE not set, generating an ephemeral RSA key")
		keys, err = jwks.NewKeyManager()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load signing key: %w", err)
	}
	return jwtpkg.NewRSAManager(cfg.Auth.Issuer, keys), keys, nil
}

func newIdentities(cfg *config.Config) (principal.IdentityProvider, error) {
	if cfg.Registry.IdentityFile == "" {
		return principal.NewStaticDirectory(), nil
	}
	return principal.LoadDirectory(cfg.Registry.IdentityFile)
}

func newLimiter(cfg *config.Config, b *backends) ratelimit.RateLimiter {
	rl := &ratelimit.Config{
		MaxRequests: cfg.Security.RateLimitRequests,
		Window:      cfg.Security.RateLimitWindow,
	}
	if cfg.Security.RateLimitBackend == "redis" {
		return ratelimit.NewRedisRateLimiter(b.redis, cfg.Redis.KeyPrefix, rl)
	}
	return ratelimit.NewMemoryRateLimiter(rl)
}

func runServe(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		logger.WithError(err).Error("Configuration validation failed")
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.InfoEvent().
		Str("issuer", cfg.Auth.Issuer).
		Str("grant_store", cfg.Storage.Backend).
		Str("client_registry", cfg.Registry.Backend).
		Str("signing_alg", cfg.Auth.SigningAlgorithm).
		Msg("Starting authorization server")

	b, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect backends")
		return err
	}
	defer b.close()

	grants := newStore(cfg, b)
	reg, clientCache, err := newRegistry(cfg, b)
	if err != nil {
		logger.WithError(err).Error("Failed to load client registry")
		return err
	}
	tokens, keys, err := newSigner(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to configure token signing")
		return err
	}
	identities, err := newIdentities(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to load identity directory")
		return err
	}

	metrics := monitoring.NewService()
	metrics.AddHealthCheck("grant_store", grants.Ping)
	if b.db != nil {
		checker := db.NewHealthChecker(b.db)
		metrics.AddHealthCheck("database", func(ctx context.Context) error {
			if status := checker.CheckHealth(ctx); status.Error != "" {
				return errors.New(status.Error)
			}
			return nil
		})
	}
	if b.redis != nil {
		metrics.AddHealthCheck("redis", func(ctx context.Context) error {
			return b.redis.Ping(ctx).Err()
		})
	}
	if clientCache != nil {
		metrics.AddHealthCheck("client_cache", clientCache.Ping)
		defer clientCache.Close()
	}

	service := auth.NewService(cfg, auth.Deps{
		Registry:   reg,
		Store:      grants,
		Tokens:     tokens,
		Principals: principal.NewAssembler(identities, reg),
		Audit:      audit.NewLogEmitter(logger.WithComponent("audit")),
		Metrics:    metrics,
	})

	limiter := newLimiter(cfg, b)
	defer limiter.Close()

	h := handlers.NewHandler(cfg, handlers.Deps{
		Auth:       service,
		Sessions:   session.NewManager(cfg.Session),
		OIDC:       oidc.NewProvider(cfg, tokens, keys, reg),
		Identities: identities,
		Metrics:    metrics,
		Limiter:    limiter,
	})
	if cfg.Session.DevLogin {
		logger.Warn("Development login page is enabled; any subject in the identity directory can sign in without a password")
	}

	go store.NewJanitor(grants, cfg.Storage.Housekeep, cfg.Storage.Timeout, logger.WithComponent("janitor")).Run(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      h.Router(middleware.NewMiddleware(logger, metrics)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoEvent().Str("addr", srv.Addr).Bool("tls", cfg.Server.TLSCert != "").Msg("Listening")
		var err error
		if cfg.Server.TLSCert != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.WithError(err).Error("Server failed")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return err
	}
	logger.Info("Server exited")
	return nil
}
