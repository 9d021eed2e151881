package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Pool is an alias for pgxpool.Pool
type Pool = pgxpool.Pool

// PoolConfig holds the settings of the PostgreSQL pool
type PoolConfig struct {
	URL         string
	MaxConns    int32
	AutoMigrate bool
}

// NewPool creates a new PostgreSQL connection pool. Schema migrations run on
// start when AutoMigrate is set.
func NewPool(lc fx.Lifecycle, logger *zap.Logger, cfg PoolConfig) (*pgxpool.Pool, error) {
	logger.Info("initializing database connection pool", zap.String("url", maskPassword(cfg.URL)))

	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to create connection pool: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("attempting to connect to database...")
			if err := pool.Ping(ctx); err != nil {
				logger.Error("database ping failed", zap.Error(err), zap.String("url", maskPassword(cfg.URL)))
				return fmt.Errorf("[DATABASE CONNECTION FAILED] cannot reach database, check that it is running and DATABASE_URL is correct: %w", err)
			}
			logger.Info("database connection established successfully")

			if cfg.AutoMigrate {
				if err := Migrate(cfg.URL, logger); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			logger.Info("database connection closed")
			return nil
		},
	})

	return pool, nil
}

// maskPassword masks the password in database URL for logging
func maskPassword(url string) string {
	if len(url) == 0 {
		return "<empty>"
	}
	start := 0
	for i := 0; i < len(url); i++ {
		if url[i] == ':' && i > 0 && url[i-1] != '/' {
			start = i + 1
		}
		if url[i] == '@' && start > 0 {
			return url[:start] + "***" + url[i:]
		}
	}
	return url
}
