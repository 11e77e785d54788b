package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/bizdash/bizsync"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store implements bizsync.LocalStore on SQLite.
type Store struct {
	dbConn *sqlx.DB
}

var _ bizsync.LocalStore = (*Store)(nil)

// Open connects to the SQLite file at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("connecting to db : %w", err)
	}

	db.SetMaxOpenConns(1)

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting dialect for migrations : %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying migration : %w", err)
	}
	return &Store{dbConn: db}, nil
}

// Close terminates the database connection.
func (s *Store) Close() error {
	if err := s.dbConn.Close(); err != nil {
		return fmt.Errorf("closing store : %w", err)
	}
	return nil
}

// GetItem returns the value under key, or nil when the key is absent.
func (s *Store) GetItem(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.dbConn.GetContext(ctx, &value, `SELECT value FROM local_store WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting item %s: %w", key, err)
	}
	return value, nil
}

// SetItem inserts or replaces the value under key.
func (s *Store) SetItem(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO local_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.dbConn.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("setting item %s: %w", key, err)
	}
	return nil
}

// RemoveItem deletes key. Removing an absent key is not an error.
func (s *Store) RemoveItem(ctx context.Context, key string) error {
	if _, err := s.dbConn.ExecContext(ctx, `DELETE FROM local_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("removing item %s: %w", key, err)
	}
	return nil
}

// Entry is a stored key with its last write time.
type Entry struct {
	Key       string    `db:"key"`
	Size      int       `db:"size"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Entries lists stored keys ordered by key.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	query := `SELECT key, length(value) AS size, updated_at FROM local_store ORDER BY key`
	if err := s.dbConn.SelectContext(ctx, &entries, query); err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return entries, nil
}
