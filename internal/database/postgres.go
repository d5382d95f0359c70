package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/config"
)

// connectRetryBudget bounds how long startup waits for a backend to come up.
const connectRetryBudget = 30 * time.Second

// NewPostgresPool creates and validates a PostgreSQL connection pool.
// The first ping is retried with backoff so the server can start alongside the database.
func NewPostgresPool(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxDBConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pingWithRetry(ctx, "postgres", log, pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().
		Int32("max_conns", cfg.MaxDBConns).
		Msg("PostgreSQL connected")

	return pool, nil
}

// pingWithRetry calls ping until it succeeds or the retry budget runs out.
func pingWithRetry(ctx context.Context, backend string, log zerolog.Logger, ping func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectRetryBudget),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("backend", backend).Dur("retry_in", next).Msg("Backend not ready, retrying")
		}),
	)
	return err
}
