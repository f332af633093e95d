// Package db provides a lightweight GORM-based SQLite wrapper for the wallet
// client's durable state (sealed share records).
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/custodia-network/mpc-wallet-client/store"
)

const (
	// InMemorySQLiteDSN creates an ephemeral in-memory SQLite database.
	InMemorySQLiteDSN = ":memory:"

	dbDirPermissions = 0o750
)

var (
	// gormConfig silences GORM's own logging; the client logs through zerolog.
	gormConfig = &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	// schemaModels lists the structs auto-migrated into the database.
	schemaModels = []any{
		&store.SealedShareRecord{},
	}
)

// DB wraps a GORM client and owns its lifecycle.
type DB struct {
	client *gorm.DB
}

// OpenFileDB opens (or creates) a file-backed SQLite database in dir.
func OpenFileDB(dir, filename string) (*DB, error) {
	dsn, err := prepareFilePath(dir, filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare database path")
	}
	return openSQLite(dsn)
}

// OpenInMemoryDB opens a non-persistent SQLite database, used by tests.
func OpenInMemoryDB() (*DB, error) {
	return openSQLite(InMemorySQLiteDSN)
}

func openSQLite(dsn string) (*DB, error) {
	// WAL plus a busy timeout keeps concurrent session instances in the same
	// process from tripping over SQLITE_BUSY.
	if dsn != InMemorySQLiteDSN && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&mode=rwc"
	}

	client, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}

	if err := client.AutoMigrate(schemaModels...); err != nil {
		return nil, errors.Wrap(err, "failed to auto-migrate database schema")
	}

	sqlDB, err := client.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	// SQLite performs best with a single connection in WAL mode.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	return &DB{client: client}, nil
}

// Client exposes the underlying GORM handle.
func (d *DB) Client() *gorm.DB {
	return d.client
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	sqlDB, err := d.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	return sqlDB.Close()
}

func prepareFilePath(dir, filename string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("database directory cannot be empty")
	}
	if filename == "" {
		return "", fmt.Errorf("database filename cannot be empty")
	}
	if err := os.MkdirAll(dir, dbDirPermissions); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return filepath.Join(dir, filename), nil
}
