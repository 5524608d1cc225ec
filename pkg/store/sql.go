package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and DDL syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at TEXT NOT NULL,
	version  INTEGER NOT NULL,
	payload  TEXT NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id       BIGSERIAL PRIMARY KEY,
	taken_at TIMESTAMPTZ NOT NULL,
	version  INTEGER NOT NULL,
	payload  JSONB NOT NULL
);
`

// SQLStore appends snapshots to a snapshots table and loads the newest.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	// Retain is how many snapshots Save keeps. Zero keeps all.
	Retain int
}

// OpenSQLite opens or creates a SQLite database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".inferroute", "state.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	return NewSQLStore(context.Background(), db, DialectSQLite)
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewSQLStore(ctx, db, DialectPostgres)
}

// NewSQLStore wraps an open database and creates the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, Retain: 20}
	schema := sqliteSchema
	if dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) bind(sqlite, postgres string) string {
	if s.dialect == DialectPostgres {
		return postgres
	}
	return sqlite
}

// Save inserts snap and trims old rows beyond Retain.
func (s *SQLStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}

	var takenAt any = snap.TakenAt.UTC()
	if s.dialect == DialectSQLite {
		takenAt = snap.TakenAt.UTC().Format(time.RFC3339Nano)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := s.bind(
		"INSERT INTO snapshots (taken_at, version, payload) VALUES (?, ?, ?)",
		"INSERT INTO snapshots (taken_at, version, payload) VALUES ($1, $2, $3)",
	)
	if _, err := tx.ExecContext(ctx, insert, takenAt, snap.Version, string(data)); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if s.Retain > 0 {
		trim := s.bind(
			"DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT ?)",
			"DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT $1)",
		)
		if _, err := tx.ExecContext(ctx, trim, s.Retain); err != nil {
			return fmt.Errorf("trim snapshots: %w", err)
		}
	}
	return tx.Commit()
}

// Load returns the newest snapshot.
func (s *SQLStore) Load(ctx context.Context) (*Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM snapshots ORDER BY id DESC LIMIT 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decode([]byte(payload))
}

// Count returns the number of stored snapshots.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots").Scan(&n)
	return n, err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
