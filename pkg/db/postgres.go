package db

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgx connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a connection pool, retrying up to attempts times.
func Connect(ctx context.Context, dsn string, attempts int, logger *slog.Logger) (*DB, error) {
	logger = logger.With("component", "postgres")
	if attempts < 1 {
		attempts = 1
	}
	var (
		pool *pgxpool.Pool
		err  error
	)
	for i := 0; i < attempts; i++ {
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				logger.Info("connected to postgres")
				return &DB{Pool: pool, logger: logger}, nil
			}
			pool.Close()
		}
		logger.Warn("waiting for postgres", "attempt", i+1, "of", attempts, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("postgres: failed after %d attempts: %w", attempts, err)
}

// RunMigrations applies the .sql files of migrationFS in name order, each
// at most once.
func (d *DB) RunMigrations(ctx context.Context, migrationFS fs.FS) error {
	_, err := d.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ  DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := SQLFiles(migrationFS)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		if err := d.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)", file).Scan(&applied); err != nil {
			return fmt.Errorf("check %s: %w", file, err)
		}
		if applied {
			d.logger.Debug("migration already applied", "file", file)
			continue
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		tx, err := d.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err = tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("exec %s: %w", file, err)
		}
		if _, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", file); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record %s: %w", file, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit %s: %w", file, err)
		}
		d.logger.Info("applied migration", "file", file)
	}
	return nil
}

// SQLFiles lists the .sql files at the root of migrationFS, sorted.
func SQLFiles(migrationFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var sqlFiles []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			sqlFiles = append(sqlFiles, e.Name())
		}
	}
	sort.Strings(sqlFiles)
	return sqlFiles, nil
}

// Ping reports whether the pool can reach the database.
func (d *DB) Ping(ctx context.Context) error { return d.Pool.Ping(ctx) }

// Close shuts down the pool.
func (d *DB) Close() { d.Pool.Close() }
