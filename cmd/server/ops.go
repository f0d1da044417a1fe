package main

import (
	"context"

	"authz-server/internal/config"
	"authz-server/internal/db"
	"authz-server/internal/logging"
	"authz-server/internal/registry"
)

// Operational commands only need the database settings, so they skip full validation.
func opsConfig() (*config.Config, *logging.Logger) {
	cfg := config.Load()
	return cfg, logging.New(&logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
}

func runMigrate(ctx context.Context) error {
	cfg, logger := opsConfig()
	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		return err
	}
	defer conn.Close()

	applied, err := db.NewMigrationManager(conn).Migrate(ctx)
	if err != nil {
		logger.WithError(err).Error("Migration failed")
		return err
	}
	if len(applied) == 0 {
		logger.Info("Database is up to date")
		return nil
	}
	for _, version := range applied {
		logger.InfoEvent().Int("version", version).Msg("Applied migration")
	}
	return nil
}

func runSeed(ctx context.Context, path string) error {
	cfg, logger := opsConfig()
	if path == "" {
		path = cfg.Registry.File
	}
	src, err := registry.LoadFile(path)
	if err != nil {
		logger.WithError(err).Error("Failed to read registry file")
		return err
	}

	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		return err
	}
	defer conn.Close()

	if err := registry.NewPostgresRegistry(conn).Seed(ctx, src); err != nil {
		logger.WithError(err).Error("Failed to seed registry")
		return err
	}
	logger.InfoEvent().Str("file", path).Msg("Registry seeded")
	return nil
}
