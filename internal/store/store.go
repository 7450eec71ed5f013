// Package store implements the durable watch store on embedded SQLite:
// watch records with TTL semantics, the per-write change feed consumed by
// the routers, cached tenant credentials, the practitioner allow-list, and
// the workflow execution history. All writers share a single connection
// (sole-writer via SetMaxOpenConns(1)).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Store owns the SQLite database holding all pipeline state. Use ":memory:"
// as the path for tests.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// nowFunc is the clock for TTL filtering and timestamps. Tests override
	// it to exercise expiry without sleeping.
	nowFunc func() time.Time
}

// Open opens (or creates) the database at dbPath, applies pragmas and
// pending migrations, and returns a ready Store.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening watch store", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// Sole-writer: all components share this handle, serialized on one
	// connection. SQLite handles our write volume comfortably this way and
	// it removes SQLITE_BUSY from the failure surface.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("watch store ready", slog.String("path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// DB exposes the underlying handle so the queue manager can share the
// sole-writer connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}

	return nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("store: set pragma %s: %w", p.desc, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}
