package clickhouse

import (
	"context"
	"fmt"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

// BarStore implements storage.BarStore using ClickHouse.
type BarStore struct {
	conn *Conn
}

// NewBarStore creates a new BarStore.
func NewBarStore(conn *Conn) *BarStore {
	return &BarStore{conn: conn}
}

// Compile-time interface check.
var _ storage.BarStore = (*BarStore)(nil)

// InsertBars adds multiple bars. Fails entire batch on duplicate (asset, date).
func (s *BarStore) InsertBars(ctx context.Context, bars []*domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	type key struct {
		asset string
		date  string
	}
	seen := make(map[key]struct{})
	for _, b := range bars {
		if b == nil || b.Asset == "" || b.Date == "" {
			return storage.ErrInvalidInput
		}
		k := key{b.Asset, b.Date}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	// Check for duplicates against existing DB rows
	for _, b := range bars {
		exists, err := s.exists(ctx, b.Asset, b.Date)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO bars (
			asset, date, open, high, low, close, volume
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, b := range bars {
		// Pass nil values directly for Nullable columns
		err = batch.Append(
			b.Asset, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetBars retrieves all bars for an asset, ordered by date ASC.
func (s *BarStore) GetBars(ctx context.Context, asset string) ([]*domain.Bar, error) {
	query := `
		SELECT asset, date, open, high, low, close, volume
		FROM bars
		WHERE asset = ?
		ORDER BY date ASC
	`

	rows, err := s.conn.Query(ctx, query, asset)
	if err != nil {
		return nil, fmt.Errorf("query by asset: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// GetBarsRange retrieves bars for an asset within [from, to] (inclusive).
// Empty bounds are open-ended.
func (s *BarStore) GetBarsRange(ctx context.Context, asset, from, to string) ([]*domain.Bar, error) {
	query := `
		SELECT asset, date, open, high, low, close, volume
		FROM bars
		WHERE asset = ?
	`
	args := []interface{}{asset}
	if from != "" {
		query += " AND date >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND date <= ?"
		args = append(args, to)
	}
	query += " ORDER BY date ASC"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query by date range: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// exists checks if a bar with the given key exists.
func (s *BarStore) exists(ctx context.Context, asset, date string) (bool, error) {
	query := `
		SELECT count(*) FROM bars
		WHERE asset = ? AND date = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, asset, date).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// scanBars scans multiple rows.
func scanBars(rows chRows) ([]*domain.Bar, error) {
	var bars []*domain.Bar

	for rows.Next() {
		var b domain.Bar

		err := rows.Scan(
			&b.Asset, &b.Date, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
		)
		if err != nil {
			return nil, fmt.Errorf("scan bar row: %w", err)
		}

		bars = append(bars, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bar rows: %w", err)
	}

	return bars, nil
}

// Rows interface for scanning
type chRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}
