// Package postgres owns the connection pools and schema migrations for the record
// of truth. Two pools may exist at runtime, an admin handle for fan-out reads and a
// tenant handle for user-initiated writes; both come from Connect.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/postgres/migrations"
)

// migrationLogger routes goose output through zerolog. Goose calls Fatalf on errors
// it cannot continue past; the caller surfaces the returned error, so it is logged
// rather than fatal here.
type migrationLogger struct {
	log zerolog.Logger
}

func (l migrationLogger) Fatalf(format string, v ...any) {
	l.log.Error().Msgf(format, v...)
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.log.Info().Msgf(format, v...)
}

// Connect opens a pgx pool for the DSN, bounds its size, and verifies connectivity
// with a ping before handing it out.
func Connect(ctx context.Context, dsn string, maxConns, minConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies all pending embedded migrations against the admin DSN. Goose
// needs a database/sql handle, so a short-lived one is opened alongside the pool.
func Migrate(ctx context.Context, dsn string, logger zerolog.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(migrationLogger{log: logger.With().Str("component", "migrations").Logger()})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
