// Package sqlstore is the SQLite implementation of device.Store.
//
// It is selected with database.driver: sqlite and suits deployments that want
// to inspect or back up the registry with ordinary SQL tooling. Timestamps are
// stored as fixed-width UTC text so that lexical order equals time order.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/mosiko1234/heimdal/presence/internal/errors"
	"github.com/mosiko1234/heimdal/presence/internal/logger"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

const (
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"

	dirPermissions    = 0750
	busyTimeoutMillis = 5000
	connectionTimeout = 5 * time.Second

	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// Store wraps a sql.DB holding the devices table.
type Store struct {
	db     *sql.DB
	path   string
	logger *logger.Logger
	now    func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for first_seen/last_seen.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to the database at path, creating it if needed, and applies
// any pending migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	log := logger.NewComponentLogger("SQLStore")

	connStr := fmt.Sprintf("file::memory:?_busy_timeout=%d&_foreign_keys=on", busyTimeoutMillis)
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
			path, busyTimeoutMillis)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes every transaction, which gives each per-MAC
	// read-modify-write the same atomicity the Badger store gets from its locks.
	// It also keeps an in-memory database alive for the life of the Store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path, logger: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	err = errors.RetryWithBackoff(ctx, "ping sqlite", errors.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("SQLite store ready at %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// HealthCheck verifies the database answers queries.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("querying migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scanning migration row: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.SplitN(name, "_", 2)[0]
		if applied[version] {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := s.applyMigration(ctx, version, string(body)); err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
		s.logger.Info("Applied migration %s", name)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version, upSQL string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, upSQL); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		version, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
