// Package state persists dashboards, cached item results and query history in SQLite.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

// SQLiteStore is the SQLite-backed state store.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewSQLiteStore creates a new SQLite state store instance.
// If logger is nil, a discard logger is used.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{logger: logger}
}

// Open opens the database and applies pending migrations.
// Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(path string) error {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == ":memory:" {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		_ = enc.Close()
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s.db = db
	s.path = path
	s.encoder = enc
	s.decoder = dec

	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return err
	}

	s.logger.Debug("state store opened", slog.String("path", path))
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	if s.encoder != nil {
		_ = s.encoder.Close()
		s.encoder = nil
	}
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Path returns the database path passed to Open.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) check() error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	return nil
}
