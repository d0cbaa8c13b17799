package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Options tunes the connection pool
type Options struct {
	MaxOpenConns  int
	MaxIdleConns  int
	BusyTimeoutMS int
}

// DefaultOptions returns the pool settings used when none are configured
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:  25,
		MaxIdleConns:  5,
		BusyTimeoutMS: 5000,
	}
}

// DB wraps the sql.DB connection with additional functionality
type DB struct {
	*sql.DB
	logger *logrus.Logger
}

// Initialize creates and configures the database connection and applies
// the embedded migrations
func Initialize(dbPath string, opts Options, logger *logrus.Logger) (*DB, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.MaxOpenConns <= 0 {
		opts = DefaultOptions()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", dbPath, opts.BusyTimeoutMS)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)

	db := &DB{DB: sqlDB, logger: logger}

	if err := db.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.WithField("path", dbPath).Info("Database initialized successfully")
	return db, nil
}

// runMigrations applies the embedded schema migrations
func (db *DB) runMigrations() error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	db.logger.WithFields(logrus.Fields{
		"version": version,
		"dirty":   dirty,
	}).Debug("Current database version")

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	newVersion, _, _ := m.Version()
	db.logger.WithField("version", newVersion).Info("Migrations completed")

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// Health checks the database connection health
func (db *DB) Health() error {
	return db.Ping()
}
