package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Source reads the current time from a remote authority.
type Source interface {
	Now(ctx context.Context) (time.Time, error)
	Name() string
}

// PostgresSource reads clock_timestamp() from PostgreSQL, the same clock the
// attendance repository uses to guard presence commits.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a PostgresSource.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Now implements Source.
func (s *PostgresSource) Now(ctx context.Context) (time.Time, error) {
	var t time.Time
	if err := s.pool.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("query clock_timestamp: %w", err)
	}
	return t.UTC(), nil
}

// Name implements Source.
func (s *PostgresSource) Name() string { return "postgres" }

// RedisSource reads the Redis server TIME.
type RedisSource struct {
	rdb *redis.Client
}

// NewRedisSource creates a RedisSource.
func NewRedisSource(rdb *redis.Client) *RedisSource {
	return &RedisSource{rdb: rdb}
}

// Now implements Source.
func (s *RedisSource) Now(ctx context.Context) (time.Time, error) {
	t, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis TIME: %w", err)
	}
	return t.UTC(), nil
}

// Name implements Source.
func (s *RedisSource) Name() string { return "redis" }

// Synced follows a remote Source. Now() is the local monotonic clock shifted by the
// last measured offset, so reading it never touches the network.
type Synced struct {
	src   Source
	local func() time.Time
	log   zerolog.Logger

	mu       sync.RWMutex
	offset   time.Duration
	lastSync time.Time
}

// NewSynced creates a Synced clock. Call Sync once before serving traffic.
func NewSynced(src Source, log zerolog.Logger) *Synced {
	return &Synced{
		src:   src,
		local: time.Now,
		log:   log.With().Str("component", "clock").Str("source", src.Name()).Logger(),
	}
}

// Now implements Clock.
func (s *Synced) Now() time.Time {
	s.mu.RLock()
	offset := s.offset
	s.mu.RUnlock()
	return s.local().Add(offset).UTC()
}

// Offset returns the last measured remote-minus-local offset.
func (s *Synced) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// LastSync returns the local instant of the last successful sync.
func (s *Synced) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Sync measures the offset to the remote source, assuming the remote reading was
// taken halfway through the round trip.
func (s *Synced) Sync(ctx context.Context) error {
	before := s.local()
	remote, err := s.src.Now(ctx)
	if err != nil {
		return err
	}
	after := s.local()

	midpoint := before.Add(after.Sub(before) / 2)
	offset := remote.Sub(midpoint)

	s.mu.Lock()
	s.offset = offset
	s.lastSync = after
	s.mu.Unlock()

	s.log.Debug().
		Dur("offset", offset).
		Dur("rtt", after.Sub(before)).
		Msg("Clock synced")
	return nil
}

// Run resyncs every interval until ctx is cancelled. A failed sync keeps the previous
// offset; the local monotonic clock keeps ticking in between.
func (s *Synced) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			syncCtx, cancel := context.WithTimeout(ctx, interval/2)
			if err := s.Sync(syncCtx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("Clock sync failed, keeping previous offset")
			}
			cancel()
		}
	}
}
