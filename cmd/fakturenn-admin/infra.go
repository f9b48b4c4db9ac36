package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fakturenn/fakturenn/config"
	"github.com/fakturenn/fakturenn/internal/bootstrap"
)

// connectDB wires up the Postgres connection for commands that only need
// the database.
func connectDB(logger *slog.Logger, cfg *config.AppConfig) (*sql.DB, error) {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	return db, nil
}

// connectInfra wires up both Postgres and Redis for commands that publish
// on the bus.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func connectInfra(logger *slog.Logger, cfg *config.AppConfig) (*sql.DB, redis.UniversalClient, error) {
	db, err := connectDB(logger, cfg)
	if err != nil {
		return nil, nil, err
	}

	redisClient, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: cfg.Redis, Logger: logger})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("close database after redis connect failure", "error", closeErr)
		}
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	return db, redisClient, nil
}

func closeQuietly(logger *slog.Logger, name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logger.Warn(name+" close failed", "error", err)
	}
}
