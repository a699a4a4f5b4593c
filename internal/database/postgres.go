package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgelab/signalforge/internal/config"
	"github.com/edgelab/signalforge/internal/logging"
)

// Connect builds the pgx pool and verifies it with a ping, retrying with
// exponential backoff while the database comes up. Startup ordering in
// containerized deployments makes the first attempts routinely fail.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger) (Pool, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = cfg.ConnLifetime()

	var pool *pgxpool.Pool
	policy := backoff.WithContext(connectBackoff(), ctx)
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		p, connErr := pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			connErr = p.Ping(ctx)
			if connErr != nil {
				p.Close()
			}
		}
		if connErr != nil {
			logger.WithError(connErr).WithField("attempt", attempt).Warn("database connection failed, retrying")
			return connErr
		}
		pool = p
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	logger.WithFields(logging.Fields{
		"host":      cfg.Host,
		"max_conns": poolCfg.MaxConns,
	}).Info("connected to postgres")
	return WrapPool(pool), nil
}

func connectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}
