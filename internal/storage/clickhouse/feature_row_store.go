package clickhouse

import (
	"context"
	"fmt"
	"sort"

	"market-analog-lab/internal/domain"
	"market-analog-lab/internal/storage"
)

// FeatureRowStore implements storage.FeatureRowStore using ClickHouse.
// Features and labels persist as parallel name/value arrays so the
// feature set and label horizons stay configurable without schema
// changes.
type FeatureRowStore struct {
	conn *Conn
}

// NewFeatureRowStore creates a new FeatureRowStore.
func NewFeatureRowStore(conn *Conn) *FeatureRowStore {
	return &FeatureRowStore{conn: conn}
}

// Compile-time interface check.
var _ storage.FeatureRowStore = (*FeatureRowStore)(nil)

// InsertRows adds multiple feature rows. Fails entire batch on duplicate (asset, date).
func (s *FeatureRowStore) InsertRows(ctx context.Context, rows []*domain.FeatureRow) error {
	if len(rows) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	type key struct {
		asset string
		date  string
	}
	seen := make(map[key]struct{})
	for _, r := range rows {
		if r == nil || r.Asset == "" || r.Date == "" {
			return storage.ErrInvalidInput
		}
		k := key{r.Asset, r.Date}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	// Check for duplicates against existing DB rows
	for _, r := range rows {
		exists, err := s.exists(ctx, r.Asset, r.Date)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO feature_rows (
			asset, date, idx, close,
			feature_names, feature_values, label_names, label_values
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range rows {
		featureNames, featureValues := splitColumns(r.F)
		labelNames, labelValues := splitColumns(r.Y)
		err = batch.Append(
			r.Asset, r.Date, int32(r.Index), r.Close,
			featureNames, featureValues, labelNames, labelValues,
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

// GetRows retrieves all rows for an asset, ordered by index ASC.
func (s *FeatureRowStore) GetRows(ctx context.Context, asset string) ([]*domain.FeatureRow, error) {
	query := `
		SELECT asset, date, idx, close,
			feature_names, feature_values, label_names, label_values
		FROM feature_rows
		WHERE asset = ?
		ORDER BY idx ASC
	`

	rows, err := s.conn.Query(ctx, query, asset)
	if err != nil {
		return nil, fmt.Errorf("query by asset: %w", err)
	}
	defer rows.Close()

	return scanFeatureRows(rows)
}

// exists checks if a row with the given key exists.
func (s *FeatureRowStore) exists(ctx context.Context, asset, date string) (bool, error) {
	query := `
		SELECT count(*) FROM feature_rows
		WHERE asset = ? AND date = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, asset, date).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// splitColumns flattens a value map into sorted parallel arrays.
func splitColumns(m map[string]*float64) ([]string, []*float64) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]*float64, len(names))
	for i, name := range names {
		if v := m[name]; v != nil {
			f := *v
			values[i] = &f
		}
	}
	return names, values
}

// joinColumns rebuilds a value map from parallel arrays.
func joinColumns(names []string, values []*float64) map[string]*float64 {
	m := make(map[string]*float64, len(names))
	for i, name := range names {
		if i < len(values) && values[i] != nil {
			f := *values[i]
			m[name] = &f
		} else {
			m[name] = nil
		}
	}
	return m
}

// scanFeatureRows scans multiple rows.
func scanFeatureRows(rows chRows) ([]*domain.FeatureRow, error) {
	var result []*domain.FeatureRow

	for rows.Next() {
		var r domain.FeatureRow
		var idx int32
		var featureNames, labelNames []string
		var featureValues, labelValues []*float64

		err := rows.Scan(
			&r.Asset, &r.Date, &idx, &r.Close,
			&featureNames, &featureValues, &labelNames, &labelValues,
		)
		if err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}

		r.Index = int(idx)
		r.F = joinColumns(featureNames, featureValues)
		r.Y = joinColumns(labelNames, labelValues)
		result = append(result, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feature rows: %w", err)
	}

	return result, nil
}
