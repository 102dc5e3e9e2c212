package state

import (
	"context"
	"fmt"
	"time"
)

// SaveDashboard upserts a serialized dashboard.
func (s *SQLiteStore) SaveDashboard(id string, data []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO dashboards (id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		id, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save dashboard %s: %w", id, err)
	}
	return nil
}

// DeleteDashboard removes a dashboard and its cached results.
func (s *SQLiteStore) DeleteDashboard(id string) error {
	if err := s.check(); err != nil {
		return err
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM result_cache WHERE dashboard_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete cached results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dashboards WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete dashboard %s: %w", id, err)
	}
	return tx.Commit()
}

// LoadDashboards returns every serialized dashboard keyed by id.
func (s *SQLiteStore) LoadDashboards() (map[string][]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(context.Background(), `SELECT id, data FROM dashboards`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dashboards: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan dashboard: %w", err)
		}
		out[id] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dashboards: %w", err)
	}
	return out, nil
}
