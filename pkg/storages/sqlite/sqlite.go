// Package sqlite keeps run metadata in a SQLite database and step artifacts
// in a local directory.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
	"github.com/aeolus-run/aeolus/pkg/storages/local"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Params configures the SQLite storage.
type Params struct {
	// Path is the database file.
	Path string `json:"path" yaml:"path" validate:"required"`

	// BasePath is the artifact directory.
	BasePath string `json:"basepath" yaml:"basepath" validate:"required"`
}

// Storage implements engine.Storage with metadata rows in table metadata.
type Storage struct {
	path      string
	artifacts *local.Storage

	mu sync.Mutex
	db *sql.DB
}

var _ engine.Storage = (*Storage)(nil)

// New creates a SQLite storage. The database is opened and migrated on
// first metadata access.
func New(params Params) (*Storage, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	artifacts, err := local.New(local.Params{BasePath: params.BasePath})
	if err != nil {
		return nil, err
	}
	return &Storage{path: params.Path, artifacts: artifacts}, nil
}

// Init opens the database and applies pending migrations.
func (s *Storage) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.open(ctx)
	return err
}

func (s *Storage) open(ctx context.Context) (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; a second process waits on busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db = db
	return db, nil
}

func migrateUp(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Storage) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open(ctx)
}

// Setup migrates the database and prepares the artifact directory.
func (s *Storage) Setup(ctx context.Context, r engine.Runner) (engine.Teardown, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s.artifacts.Setup(ctx, r)
}

// Pull copies stored artifacts of step into its working directory.
func (s *Storage) Pull(ctx context.Context, r engine.Runner, step pipeline.Step) error {
	return s.artifacts.Pull(ctx, r, step)
}

// Push copies the working directory of step into the artifact directory.
func (s *Storage) Push(ctx context.Context, r engine.Runner, step pipeline.Step) error {
	return s.artifacts.Push(ctx, r, step)
}

// GetMeta reads the row for key.
func (s *Storage) GetMeta(ctx context.Context, key string) (string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return "", err
	}

	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", engine.ErrMetadataNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMeta inserts or replaces the row for key.
func (s *Storage) SetMeta(ctx context.Context, key, value string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}
