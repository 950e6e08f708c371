// Package sqlite provides the embedded history database wrapper.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/taskforge/taskforge/config/storage/sqlite/migrations"
)

/**
 * DB is a wrapper for the embedded SQLite database. It also holds a
 * squirrel.StatementBuilderType used to build the history queries with
 * question-mark placeholders.
 */
type DB struct {
	*sql.DB
	QueryBuilder *squirrel.StatementBuilderType
	path         string
}

// New opens (or creates) the database file and applies pragmas suited to a
// single-process writer.
func New(ctx context.Context, path string, logger *zap.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		logger.Warn("Failed to enable WAL", zap.Error(err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		logger.Warn("Failed to set busy_timeout", zap.Error(err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL"); err != nil {
		logger.Warn("Failed to set synchronous", zap.Error(err))
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	qb := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)

	return &DB{
		db,
		&qb,
		path,
	}, nil
}

// Migrate runs the embedded schema migrations.
func (db *DB) Migrate() error {
	src, err := iofs.New(migrations.MigrationsFS, ".")
	if err != nil {
		return err
	}

	driver, err := sqlitemigrate.WithInstance(db.DB, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Health checks the connection.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}
