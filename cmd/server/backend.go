package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/config"
	"github.com/stemsi/academy-attendance/internal/database"
	"github.com/stemsi/academy-attendance/internal/handler"
	"github.com/stemsi/academy-attendance/internal/repository"
	"github.com/stemsi/academy-attendance/internal/service"
	"go.mongodb.org/mongo-driver/mongo"
)

// backend holds the connection of whichever store STORE_BACKEND selects.
type backend struct {
	kind    string
	pool    *pgxpool.Pool
	sqlDB   *sql.DB
	mongoC  *mongo.Client
	mongoDB *mongo.Database
}

func connectBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	b := &backend{kind: cfg.StoreBackend}
	var err error

	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		b.pool, err = database.NewPostgresPool(ctx, cfg, log)
	case config.StoreBackendSQLite:
		b.sqlDB, err = database.NewSQLite(ctx, cfg, log)
	case config.StoreBackendMongo:
		b.mongoC, b.mongoDB, err = database.NewMongoClient(ctx, cfg, log)
	case config.StoreBackendMemory:
		log.Warn().Msg("Using the in-memory store: sessions are lost on restart")
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// store builds the session store on top of the connection. clk is the clock the
// store uses for its commit-time window check where the database cannot do it.
func (b *backend) store(ctx context.Context, clk clock.Clock) (service.SessionAdminStore, error) {
	switch b.kind {
	case config.StoreBackendPostgres:
		return repository.NewAttendanceRepository(b.pool), nil
	case config.StoreBackendSQLite:
		return repository.NewSQLiteAttendanceRepository(ctx, b.sqlDB, clk)
	case config.StoreBackendMongo:
		return repository.NewMongoAttendanceRepository(ctx, b.mongoDB, clk)
	default:
		return repository.NewMemorySessionStore(clk), nil
	}
}

// checks lists the dependency probes reported by /health.
func (b *backend) checks(rdb *redis.Client) map[string]handler.Check {
	checks := make(map[string]handler.Check)
	switch b.kind {
	case config.StoreBackendPostgres:
		checks["postgres"] = b.pool.Ping
	case config.StoreBackendSQLite:
		checks["sqlite"] = b.sqlDB.PingContext
	case config.StoreBackendMongo:
		checks["mongo"] = func(ctx context.Context) error { return b.mongoC.Ping(ctx, nil) }
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return checks
}

func (b *backend) close(ctx context.Context) {
	switch {
	case b.pool != nil:
		b.pool.Close()
	case b.sqlDB != nil:
		b.sqlDB.Close()
	case b.mongoC != nil:
		b.mongoC.Disconnect(ctx)
	}
}

// buildClock returns the authoritative clock, and the synced clock to keep in sync
// when one is used.
func buildClock(cfg *config.Config, b *backend, rdb *redis.Client, log zerolog.Logger) (clock.Clock, *clock.Synced) {
	var src clock.Source
	switch cfg.ResolvedClockSource() {
	case config.ClockSourcePostgres:
		src = clock.NewPostgresSource(b.pool)
	case config.ClockSourceRedis:
		src = clock.NewRedisSource(rdb)
	default:
		return clock.System, nil
	}
	synced := clock.NewSynced(src, log)
	return synced, synced
}
