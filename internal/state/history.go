package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry records one executed query.
type HistoryEntry struct {
	ID           string        `json:"id"`
	Connection   string        `json:"connection"`
	Text         string        `json:"text"`
	GeneratedSQL string        `json:"generated_sql,omitempty"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	RowCount     int           `json:"row_count"`
	ExecutedAt   time.Time     `json:"executed_at"`
}

// RecordQuery appends an entry to the query history. ID and ExecutedAt are
// filled in when empty.
func (s *SQLiteStore) RecordQuery(ctx context.Context, entry HistoryEntry) error {
	if err := s.check(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_history
		   (id, connection, query_text, generated_sql, success, error, duration_ms, row_count, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Connection, entry.Text, nullString(entry.GeneratedSQL), entry.Success,
		nullString(entry.Error), entry.Duration.Milliseconds(), entry.RowCount, entry.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record query: %w", err)
	}
	return nil
}

// ListHistory returns the most recent entries first. An empty connection
// lists every connection; limit <= 0 means no limit.
func (s *SQLiteStore) ListHistory(ctx context.Context, connection string, limit int) ([]HistoryEntry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, connection, query_text, generated_sql, success, error, duration_ms, row_count, executed_at
		 FROM query_history
		 WHERE ? = '' OR connection = ?
		 ORDER BY executed_at DESC, rowid DESC
		 LIMIT ?`,
		connection, connection, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var generated, errMsg sql.NullString
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.Connection, &e.Text, &generated, &e.Success, &errMsg,
			&durationMS, &e.RowCount, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan query history: %w", err)
		}
		e.GeneratedSQL = generated.String
		e.Error = errMsg.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating query history: %w", err)
	}
	return out, nil
}

// PruneHistory deletes entries older than the cutoff and returns how many were removed.
func (s *SQLiteStore) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_history WHERE executed_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune query history: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
