package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/config"
	_ "modernc.org/sqlite"
)

// SQLiteDSN builds a modernc.org/sqlite DSN for path. Write transactions start
// with BEGIN IMMEDIATE so a presence commit holds the write lock from its first read.
func SQLiteDSN(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_txlock=immediate"
}

// NewSQLite opens the single-node SQLite store.
func NewSQLite(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(cfg.SQLitePath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	log.Info().Str("path", cfg.SQLitePath).Msg("SQLite opened")
	return db, nil
}
