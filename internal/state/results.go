package state

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

// SaveResults caches an item's last result set, msgpack-encoded and zstd-compressed.
// A nil result set removes the cache entry.
func (s *SQLiteStore) SaveResults(dashboardID, itemID string, results *core.Results) error {
	if err := s.check(); err != nil {
		return err
	}
	ctx := context.Background()
	if results == nil {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM result_cache WHERE dashboard_id = ? AND item_id = ?`, dashboardID, itemID)
		if err != nil {
			return fmt.Errorf("failed to clear cached results: %w", err)
		}
		return nil
	}

	payload, err := s.encodeResults(results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO result_cache (dashboard_id, item_id, payload, row_count, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(dashboard_id, item_id) DO UPDATE SET
		   payload = excluded.payload, row_count = excluded.row_count, updated_at = excluded.updated_at`,
		dashboardID, itemID, payload, results.Len(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to cache results for %s/%s: %w", dashboardID, itemID, err)
	}

	s.logger.Debug("results cached",
		"dashboard_id", dashboardID,
		"item_id", itemID,
		"rows", results.Len(),
		"bytes", len(payload),
	)
	return nil
}

// LoadResults returns the cached result sets of a dashboard keyed by item id.
func (s *SQLiteStore) LoadResults(dashboardID string) (map[string]*core.Results, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT item_id, payload FROM result_cache WHERE dashboard_id = ?`, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*core.Results)
	for rows.Next() {
		var itemID string
		var payload []byte
		if err := rows.Scan(&itemID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan cached results: %w", err)
		}
		res, err := s.decodeResults(payload)
		if err != nil {
			s.logger.Warn("dropping unreadable cached results", "dashboard_id", dashboardID, "item_id", itemID, "error", err)
			continue
		}
		out[itemID] = res
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cached results: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) encodeResults(results *core.Results) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(results); err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}
	return s.encoder.EncodeAll(buf.Bytes(), nil), nil
}

func (s *SQLiteStore) decodeResults(payload []byte) (*core.Results, error) {
	raw, err := s.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress results: %w", err)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	var res core.Results
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}
	if res.Columns == nil {
		res.Columns = []core.Column{}
	}
	if res.Rows == nil {
		res.Rows = []map[string]any{}
	}
	return &res, nil
}
