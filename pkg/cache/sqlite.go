package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const createEntriesTable = `CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	timestamp INTEGER NOT NULL
)`

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// SQLiteStore is a durable, single-file EntryStore for processes that need
// their cache to survive a restart without an external service.
type SQLiteStore struct {
	sqlDB  *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg *SQLiteConfig, logger zerolog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := filepath.Clean(cfg.Path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(createEntriesTable); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Msg("SQLiteStore initialized.")
	return &SQLiteStore{
		sqlDB:  sqlDB,
		logger: logger.With().Str("component", "SQLiteStore").Logger(),
	}, nil
}

// Fetch reads the entry for key.
func (s *SQLiteStore) Fetch(ctx context.Context, key string) (Entry, error) {
	var (
		data      []byte
		timestamp int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT data, timestamp FROM cache_entries WHERE key = ?`, key,
	).Scan(&data, &timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, fmt.Errorf("key '%s': %w", key, ErrNotFound)
		}
		return Entry{}, fmt.Errorf("sqlite get for %s: %w", key, err)
	}
	if len(data) == 0 {
		return Entry{}, fmt.Errorf("sqlite entry %s has no data", key)
	}
	return Entry{Data: data, Timestamp: timestamp}, nil
}

// Set upserts the entry for key.
func (s *SQLiteStore) Set(ctx context.Context, key string, entry Entry) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_entries (key, data, timestamp) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, timestamp = excluded.timestamp`,
		key, []byte(entry.Data), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("sqlite set for %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete for %s: %w", key, err)
	}
	return nil
}

// Clear removes every entry whose key starts with prefix. The comparison is
// on raw bytes rather than LIKE, so '_' and '%' match literally and the length
// is counted in bytes for any prefix.
func (s *SQLiteStore) Clear(ctx context.Context, prefix string) (int, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB)`, len(prefix), prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite clear for prefix %s: %w", prefix, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite clear rows affected: %w", err)
	}
	s.logger.Info().Str("prefix", prefix).Int64("removed", n).Msg("Cleared SQLite entries.")
	return int(n), nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
